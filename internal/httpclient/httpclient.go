// Package httpclient provides shared HTTP clients with timeouts so a dead
// upstream never hangs the poller or a media download forever.
package httpclient

import (
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
)

// Default returns a client suitable for API calls: overall timeout plus
// header timeouts so failover can happen when the upstream never responds.
func Default() *http.Client {
	return WithTimeout(60 * time.Second)
}

// WithTimeout returns a client with the given overall timeout and transparent
// brotli decoding.
func WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &brotliTransport{inner: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		}},
	}
}

// ForDownloads returns a client with no overall timeout (large media files may
// take minutes on kiosk uplinks) but a header timeout so stalled servers are
// detected. Per-request deadlines come from the caller's context.
func ForDownloads() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// brotliTransport advertises br alongside the transport's built-in gzip and
// decodes br-encoded bodies. Some CDN-fronted campaign APIs serve br only.
type brotliTransport struct {
	inner http.RoundTripper
}

func (t *brotliTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip")
	}
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("Content-Encoding") == "br" {
		resp.Body = &brotliBody{r: brotli.NewReader(resp.Body), c: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}
	return resp, nil
}

type brotliBody struct {
	r io.Reader
	c io.Closer
}

func (b *brotliBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *brotliBody) Close() error               { return b.c.Close() }
