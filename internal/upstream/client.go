// Package upstream calls the external avatar-video generation service.
package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ErrTimeout marks a generation attempt that exceeded the per-attempt deadline.
var ErrTimeout = errors.New("upstream: generation timed out")

// ErrBadFormat marks an upstream response the client cannot interpret.
// It is terminal: malformed responses are not retried.
var ErrBadFormat = errors.New("upstream: unexpected response format")

// Client generates avatar videos via the upstream HTTP API with a bounded
// per-attempt timeout and linear-backoff retry.
type Client struct {
	HTTPClient *http.Client
	Endpoint   string
	Timeout    time.Duration // per attempt
	MaxRetries int           // retries after the first attempt
	RetryDelay time.Duration // backoff base; delay = RetryDelay * attempt
}

// NewClient constructs a Client with the given endpoint and retry policy.
func NewClient(endpoint string, timeout time.Duration, maxRetries int, retryDelay time.Duration) *Client {
	return &Client{
		// Per-attempt deadlines come from the request context.
		HTTPClient: &http.Client{Timeout: 0},
		Endpoint:   endpoint,
		Timeout:    timeout,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
	}
}

type predictRequest struct {
	Data []string `json:"data"`
}

type predictResponse struct {
	Data []json.RawMessage `json:"data"`
}

type urlPayload struct {
	URL string `json:"url"`
}

// Generate requests a clip for (text, avatarID) and returns a reader over the
// raw video bytes. The caller owns closing the reader. Transport and HTTP
// status failures are retried up to MaxRetries; malformed responses are not.
func (c *Client) Generate(ctx context.Context, text, avatarID string) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.RetryDelay * time.Duration(attempt)
			log.Printf("upstream: attempt %d failed (%v), retrying in %v", attempt, lastErr, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		body, err := c.attempt(ctx, text, avatarID)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, ErrBadFormat) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, text, avatarID string) (io.ReadCloser, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc = func() {}
	if c.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}

	payload, _ := json.Marshal(predictRequest{Data: []string{text, avatarID}})
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		cancel()
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, c.Timeout)
		}
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("upstream: status=%d body=%s", resp.StatusCode, string(b))
	}

	var parsed predictResponse
	err = json.NewDecoder(resp.Body).Decode(&parsed)
	resp.Body.Close()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if len(parsed.Data) == 0 {
		cancel()
		return nil, fmt.Errorf("%w: no video data in response", ErrBadFormat)
	}

	body, err := c.openPayload(attemptCtx, parsed.Data[0])
	if err != nil {
		cancel()
		return nil, err
	}
	// The download reader stays live past this call; tie the attempt
	// deadline's release to its Close.
	return &cancelReadCloser{ReadCloser: body, cancel: cancel}, nil
}

// openPayload interprets the first data element: inline base64 video or a
// remote URL to stream from.
func (c *Client) openPayload(ctx context.Context, raw json.RawMessage) (io.ReadCloser, error) {
	var inline string
	if err := json.Unmarshal(raw, &inline); err == nil {
		if !strings.HasPrefix(inline, "data:") {
			return nil, fmt.Errorf("%w: string payload is not a data URI", ErrBadFormat)
		}
		idx := strings.Index(inline, "base64,")
		if idx < 0 {
			return nil, fmt.Errorf("%w: data URI is not base64 encoded", ErrBadFormat)
		}
		dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(inline[idx+len("base64,"):]))
		return io.NopCloser(dec), nil
	}

	var ref urlPayload
	if err := json.Unmarshal(raw, &ref); err == nil && ref.URL != "" {
		return c.download(ctx, ref.URL)
	}
	return nil, fmt.Errorf("%w: first data element is neither data URI nor url object", ErrBadFormat)
}

// download streams the remote artifact; the body is returned unbuffered so
// the store can copy it straight to disk.
func (c *Client) download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: download failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream: download status=%d", resp.StatusCode)
	}
	return resp.Body, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
