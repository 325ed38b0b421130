package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

const (
	// downloadTimeout is the overall timeout for a single artifact download.
	downloadTimeout = 30 * time.Minute

	// maxDownloadBytes is the maximum allowed download size (50 GiB).
	maxDownloadBytes int64 = 50 << 30
)

// HTTP fetches artifacts from plain HTTP(S) URLs.
// A remote digest is taken from the Docker-Content-Digest response header
// when the server provides one.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP Fetcher.
func NewHTTP() *HTTP {
	return &HTTP{client: &http.Client{Timeout: downloadTimeout}}
}

// Fetch performs a GET and returns the body stream with response metadata.
func (h *HTTP) Fetch(ctx context.Context, ref string) (io.ReadCloser, *Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create HTTP request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("HTTP GET %s: %w", ref, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck,gosec
		return nil, nil, fmt.Errorf("HTTP GET %s: status %d %s", ref, resp.StatusCode, resp.Status)
	}

	md := &Metadata{
		ContentLength: resp.ContentLength,
		Digest:        strings.TrimSpace(resp.Header.Get("Docker-Content-Digest")),
		Name:          path.Base(req.URL.Path),
	}
	return &cappedReadCloser{rc: resp.Body, remaining: maxDownloadBytes, ref: ref}, md, nil
}

// cappedReadCloser enforces maxDownloadBytes on the stream rather than
// truncating it: exceeding the cap is an error, never a short download that
// could be mistaken for complete content.
type cappedReadCloser struct {
	rc        io.ReadCloser
	remaining int64
	ref       string
}

func (c *cappedReadCloser) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, fmt.Errorf("download %s: exceeded max size (%d bytes)", c.ref, maxDownloadBytes)
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.rc.Read(p)
	c.remaining -= int64(n)
	return n, err
}

func (c *cappedReadCloser) Close() error { return c.rc.Close() }
