// internal/common/http/client.go
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lifecycle-engine/internal/common/errors"
)

type Client struct {
	httpClient *http.Client
	headers    map[string]string
	maxRetries int
	backoff    time.Duration
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		headers: make(map[string]string),
		backoff: 200 * time.Millisecond,
	}
}

// WithHeader adds a header sent on every request.
func (c *Client) WithHeader(key, value string) *Client {
	c.headers[key] = value
	return c
}

// WithRetries retries transport failures and 5xx responses up to n extra times.
func (c *Client) WithRetries(n int, backoff time.Duration) *Client {
	c.maxRetries = n
	c.backoff = backoff
	return c
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	return c.httpClient.Do(req)
}

// PostJSON sends body as JSON and decodes a 2xx response into out (when non-nil).
// 4xx responses are returned as non-retryable external service errors.
func (c *Client) PostJSON(ctx context.Context, service, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return errors.NewExternalServiceError(service, ctx.Err(), true)
			}
		}

		lastErr = c.postOnce(ctx, service, url, payload, out)
		if lastErr == nil || !errors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) postOnce(ctx context.Context, service, url string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.NewExternalServiceError(service, err, false)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewExternalServiceError(service, err, true)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.NewExternalServiceError(service, err, true)
	}

	if resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		return errors.NewExternalServiceError(service, statusErr, resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.NewExternalServiceError(service, fmt.Errorf("decode response: %w", err), false)
		}
	}
	return nil
}
