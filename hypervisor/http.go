package hypervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// httpTimeout is the per-request timeout for hypervisor REST API calls.
	httpTimeout = 30 * time.Second
	// maxRetries is the number of retry attempts for transient API errors.
	maxRetries = 3
	// baseBackoff is the initial backoff duration; doubled on each retry.
	baseBackoff = 100 * time.Millisecond
)

// APIError carries the HTTP status code from a hypervisor REST API response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// APIClient talks to a hypervisor's REST API over a Unix domain socket.
// Transient failures (connection errors, 5xx, 429) are retried with
// exponential backoff.
type APIClient struct {
	socketPath string
	hc         *http.Client
}

// NewAPIClient creates an APIClient for the given socket.
func NewAPIClient(socketPath string) *APIClient {
	return &APIClient{
		socketPath: socketPath,
		hc: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Put sends a PUT request and expects 204 No Content, retrying transient
// errors. Returns an *APIError for non-204 responses.
func (c *APIClient) Put(ctx context.Context, path string, body []byte) error {
	return c.withRetry(ctx, func() error {
		return c.put(ctx, path, body)
	})
}

func (c *APIClient) put(ctx context.Context, path string, body []byte) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusNoContent {
		rb, _ := io.ReadAll(resp.Body)
		return &APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("PUT %s → %d: %s", path, resp.StatusCode, rb),
		}
	}
	return nil
}

func (c *APIClient) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if i < maxRetries {
			backoff := baseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// isRetryable returns true for transient errors worth retrying:
// connection-level failures and HTTP 5xx/429 responses.
func isRetryable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code >= 500 || ae.Code == http.StatusTooManyRequests
	}
	// Non-APIError = connection-level failure, always retry.
	return true
}

// CheckSocket verifies that a Unix domain socket is connectable.
func CheckSocket(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}
