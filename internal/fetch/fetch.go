// Package fetch pulls the campaign list from the remote API and materializes
// media files into the local cache.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/doohkit/kioskd/internal/config"
)

// RawItem is one campaign media reference before download resolution.
type RawItem struct {
	URL          string
	DurationMS   int64
	CampaignID   string
	CampaignName string
}

type apiRequest struct {
	EnvironmentID      string `json:"environmentId"`
	OnlyStandby        bool   `json:"onlyStandby"`
	SearchIn           string `json:"searchIn"`
	IncludeDescendants bool   `json:"includeDescendants"`
	Limit              int    `json:"limit"`
}

type apiResponse struct {
	Units []struct {
		Campaigns []struct {
			ID              any      `json:"id"`
			Name            string   `json:"name"`
			Status          string   `json:"status"`
			ExposureTimeMS  int64    `json:"exposure_time_ms"`
			MediaURLs       []string `json:"media_urls"`
			PrimaryMediaURL string   `json:"primary_media_url"`
		} `json:"campaigns"`
	} `json:"units"`
}

// MediaList issues one POST against the campaign API and flattens the active
// campaigns into raw items. Campaigns with an empty status are included;
// anything other than "ativa"/"active" is filtered out.
func MediaList(ctx context.Context, client *http.Client, cfg config.Config) ([]RawItem, error) {
	body, err := json.Marshal(apiRequest{
		EnvironmentID:      cfg.EnvironmentID,
		OnlyStandby:        cfg.OnlyStandby,
		SearchIn:           cfg.SearchIn,
		IncludeDescendants: cfg.IncludeDescendants,
		Limit:              cfg.Limit,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", cfg.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: API returned HTTP %d", resp.StatusCode)
	}

	var data apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("fetch: decode response: %w", err)
	}

	var items []RawItem
	for _, unit := range data.Units {
		for _, c := range unit.Campaigns {
			status := strings.ToLower(strings.TrimSpace(c.Status))
			if status != "" && status != "ativa" && status != "active" {
				continue
			}
			duration := c.ExposureTimeMS
			if duration <= 0 {
				duration = cfg.DefaultDurationMS
			}
			urls := c.MediaURLs
			if len(urls) == 0 && c.PrimaryMediaURL != "" {
				urls = []string{c.PrimaryMediaURL}
			}
			for _, u := range urls {
				if u == "" {
					continue
				}
				items = append(items, RawItem{
					URL:          u,
					DurationMS:   duration,
					CampaignID:   stringNum(c.ID),
					CampaignName: c.Name,
				})
			}
		}
	}
	return items, nil
}

// stringNum renders an id field that providers send as either a number or a
// string.
func stringNum(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// FingerprintItems hashes the ordered {url, duration_ms} projection with a
// canonical encoding, so the fingerprint survives JSON key reordering on the
// API side but not item reordering.
func FingerprintItems(items []RawItem) string {
	type entry struct {
		DurationMS int64  `json:"duration_ms"`
		URL        string `json:"url"`
	}
	entries := make([]entry, len(items))
	for i, it := range items {
		entries[i] = entry{DurationMS: it.DurationMS, URL: it.URL}
	}
	data, _ := json.Marshal(entries)
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
