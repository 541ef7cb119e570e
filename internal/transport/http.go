package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evalops/sessiondeck/internal/observ"
)

// HTTPClient implements Client for HTTP polling transport (fallback)
type HTTPClient struct {
	config    Config
	url       string
	eventChan chan EventEnvelope
	states    *stateNotifier

	lastEventID string
	state       int32 // atomic ConnectionState

	client *http.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	messagesReceived int64
	pollCount        int64
}

// NewHTTPClient creates a new HTTP polling client
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if config.MaxChannelBuffer <= 0 {
		config.MaxChannelBuffer = 1000 // Smaller buffer for polling
	}

	client := &HTTPClient{
		config:    config,
		url:       fmt.Sprintf("%s/sessions/%s/events", config.BaseURL, config.SessionID),
		eventChan: make(chan EventEnvelope, config.MaxChannelBuffer),
		states:    newStateNotifier(),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	atomic.StoreInt32(&client.state, int32(StateDisconnected))
	return client, nil
}

// Start begins HTTP polling
func (c *HTTPClient) Start(ctx context.Context) (<-chan EventEnvelope, error) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.pollLoop(ctx)

	return c.eventChan, nil
}

// Close shuts down the HTTP client. Releasing twice is safe.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	close(c.eventChan)
	return nil
}

// LastEventID returns the last processed event ID
func (c *HTTPClient) LastEventID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEventID
}

// ConnectionState returns current connection state
func (c *HTTPClient) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// States returns the connection-state signal
func (c *HTTPClient) States() <-chan StateChange {
	return c.states.ch
}

// pollLoop handles HTTP polling with cursor-based pagination
func (c *HTTPClient) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	atomic.StoreInt32(&c.state, int32(StateConnected))
	c.states.notify(true, nil)

	for {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&c.state, int32(StateDisconnected))
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				atomic.StoreInt32(&c.state, int32(StateDisconnected))
				c.states.notify(false, err)
				observ.Warn("http_poll_error", map[string]any{"err": err.Error()})
			} else if c.ConnectionState() != StateConnected {
				atomic.StoreInt32(&c.state, int32(StateConnected))
				c.states.notify(true, nil)
			}
		}
	}
}

// pollOnce performs a single HTTP poll request
func (c *HTTPClient) pollOnce(ctx context.Context) error {
	atomic.AddInt64(&c.pollCount, 1)

	pollURL := c.url
	c.mu.RLock()
	lastID := c.lastEventID
	c.mu.RUnlock()
	if lastID != "" {
		u, _ := url.Parse(pollURL)
		q := u.Query()
		q.Set("cursor", lastID)
		u.RawQuery = q.Encode()
		pollURL = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", pollURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var response struct {
		Events []EventEnvelope `json:"events"`
		Cursor string          `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	for _, envelope := range response.Events {
		if envelope.TS.IsZero() {
			envelope.TS = time.Now().UTC()
		}
		select {
		case c.eventChan <- envelope:
			atomic.AddInt64(&c.messagesReceived, 1)
		case <-ctx.Done():
			return ctx.Err()
		default:
			observ.Warn("http_backpressure_drop", map[string]any{"type": envelope.Type, "id": envelope.ID})
		}
	}

	if response.Cursor != "" {
		c.mu.Lock()
		c.lastEventID = response.Cursor
		c.mu.Unlock()
	}

	return nil
}

// GetMetrics returns current client metrics
func (c *HTTPClient) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"connection_state":  c.ConnectionState().String(),
		"messages_received": atomic.LoadInt64(&c.messagesReceived),
		"poll_count":        atomic.LoadInt64(&c.pollCount),
		"last_event_id":     c.LastEventID(),
	}
}
