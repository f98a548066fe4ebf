package fetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/doohkit/kioskd/internal/cacheindex"
	"github.com/doohkit/kioskd/internal/media"
)

// CachePath maps a source URL to its stable cache location:
// sha1(url) plus the URL path's extension, ".bin" when it has none.
func CachePath(cacheDir, rawURL string) string {
	ext := ".bin"
	if u, err := url.Parse(rawURL); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = e
		}
	}
	sum := sha1.Sum([]byte(rawURL))
	return filepath.Join(cacheDir, hex.EncodeToString(sum[:])+ext)
}

// Downloader materializes raw items into cache files. Download starts are
// rate limited so a large campaign rollout does not hammer the CDN or starve
// the player host's uplink.
type Downloader struct {
	Client  *http.Client
	Index   *cacheindex.Index
	limiter *rate.Limiter
}

// NewDownloader returns a downloader using client (nil for a default) that
// records every resolved file in idx.
func NewDownloader(client *http.Client, idx *cacheindex.Index) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{
		Client:  client,
		Index:   idx,
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
}

// Download resolves each raw item to a local file. Existing cache files are
// reused without touching the network. Failed items are skipped; the caller
// decides whether a partial result may replace the playlist. Other components
// never observe a partially-written file: bytes stream into a ".tmp" sibling
// that is renamed into place only after the length check passes.
func (d *Downloader) Download(ctx context.Context, cacheDir string, raw []RawItem) []media.Item {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		log.Printf("download: cache dir: %v", err)
		return nil
	}
	var items []media.Item
	for _, r := range raw {
		if ctx.Err() != nil {
			break
		}
		dest := CachePath(cacheDir, r.URL)
		if _, err := os.Stat(dest); err != nil {
			if err := d.fetchOne(ctx, r.URL, dest); err != nil {
				log.Printf("download: %s: %v", r.URL, err)
				if _, statErr := os.Stat(dest); statErr != nil {
					continue
				}
				log.Printf("download: using cached copy for %s", r.URL)
			}
		}
		fi, err := os.Stat(dest)
		if err != nil || fi.Size() <= 0 {
			continue
		}
		if d.Index != nil {
			d.Index.Touch(dest, cacheindex.Entry{
				URL:          r.URL,
				DurationMS:   r.DurationMS,
				CampaignID:   r.CampaignID,
				CampaignName: r.CampaignName,
				Size:         fi.Size(),
			})
		}
		items = append(items, media.Item{
			URL:          r.URL,
			DurationMS:   r.DurationMS,
			Path:         dest,
			CampaignID:   r.CampaignID,
			CampaignName: r.CampaignName,
		})
	}
	return items
}

func (d *Downloader) fetchOne(ctx context.Context, rawURL, dest string) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	written, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && resp.ContentLength > 0 && written != resp.ContentLength {
		copyErr = fmt.Errorf("short read: %d of %d bytes", written, resp.ContentLength)
	}
	if copyErr != nil {
		os.Remove(tmp)
		return copyErr
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
