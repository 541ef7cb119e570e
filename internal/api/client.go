// Package api is the console's HTTP client for the session control plane:
// the authoritative status snapshot and the stop action.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/evalops/sessiondeck/internal/config"
	"github.com/evalops/sessiondeck/internal/observ"
	"github.com/evalops/sessiondeck/internal/session"
)

// Client talks to the session API with rate limiting and bounded retries.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	maxRetries  int
	backoffBase time.Duration
}

// New builds a client from config. Defaults are applied by config.Load.
func New(cfg config.API) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), 5),
		maxRetries:  cfg.MaxRetries,
		backoffBase: time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
	}
}

// SessionStatus fetches the authoritative status snapshot for one session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (session.Status, error) {
	var status session.Status
	url := fmt.Sprintf("%s/sessions/%s/status", c.baseURL, sessionID)

	body, err := c.doWithRetry(ctx, "GET", url, nil)
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return status, fmt.Errorf("parse status: %w", err)
	}
	return status, nil
}

type stopRequest struct {
	ClosePosition bool `json:"closePosition"`
}

type stopResponse struct {
	ResultID string `json:"resultId"`
}

// StopSession issues the terminal stop action. The returned result id may
// be empty; the caller then navigates to the generic results listing.
func (c *Client) StopSession(ctx context.Context, sessionID string, closePosition bool) (string, error) {
	url := fmt.Sprintf("%s/sessions/%s/stop", c.baseURL, sessionID)
	reqBody, _ := json.Marshal(stopRequest{ClosePosition: closePosition})

	body, err := c.doWithRetry(ctx, "POST", url, reqBody)
	if err != nil {
		return "", err
	}
	var resp stopResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse stop response: %w", err)
	}
	return resp.ResultID, nil
}

// doWithRetry performs one request with rate limiting, retrying transient
// failures (network errors and 5xx) with exponential backoff. 4xx responses
// are not retried.
func (c *Client) doWithRetry(ctx context.Context, method, url string, reqBody []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retryable, err := c.doOnce(ctx, method, url, reqBody)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
		observ.IncCounter("api_retries_total", map[string]string{"method": method})
	}

	return nil, fmt.Errorf("%s %s: %w", method, url, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, url string, reqBody []byte) ([]byte, bool, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return body, false, nil
}
