package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evalops/sessiondeck/internal/observ"
)

// WSClient implements Client for WebSocket transport
type WSClient struct {
	config    Config
	url       string
	eventChan chan EventEnvelope
	states    *stateNotifier

	lastEventID string
	state       int32 // atomic ConnectionState

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	reconnectAttempts int64
	messagesReceived  int64
	dupesDropped      int64
}

// NewWSClient creates a WebSocket client for one session stream
func NewWSClient(config Config) (*WSClient, error) {
	if config.MaxChannelBuffer <= 0 {
		config.MaxChannelBuffer = 10000
	}
	if config.HeartbeatSeconds <= 0 {
		config.HeartbeatSeconds = 10
	}

	wsURL, err := websocketURL(config.BaseURL, config.SessionID)
	if err != nil {
		return nil, err
	}

	client := &WSClient{
		config:    config,
		url:       wsURL,
		eventChan: make(chan EventEnvelope, config.MaxChannelBuffer),
		states:    newStateNotifier(),
	}
	atomic.StoreInt32(&client.state, int32(StateDisconnected))
	return client, nil
}

// websocketURL rewrites an http(s) base URL to the ws(s) stream endpoint
func websocketURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sessions/" + sessionID + "/ws"
	return u.String(), nil
}

// Start begins consuming WebSocket events
func (c *WSClient) Start(ctx context.Context) (<-chan EventEnvelope, error) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	return c.eventChan, nil
}

// Close shuts down the client. Releasing twice is safe.
func (c *WSClient) Close() error {
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
func (c *WSClient) LastEventID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEventID
}

// ConnectionState returns current connection state
func (c *WSClient) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// States returns the connection-state signal
func (c *WSClient) States() <-chan StateChange {
	return c.states.ch
}

// consumeLoop dials, reads until failure, then reconnects with backoff
func (c *WSClient) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.config.Reconnect.InitialDelayMs

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		atomic.StoreInt32(&c.state, int32(StateConnecting))

		err := c.dialAndRead(ctx)
		atomic.StoreInt32(&c.state, int32(StateDisconnected))

		if ctx.Err() != nil {
			return
		}
		c.states.notify(false, err)
		observ.Warn("ws_disconnected", map[string]any{
			"session": c.config.SessionID, "err": fmt.Sprint(err), "backoff_ms": backoff,
		})

		jitter := 0
		if c.config.Reconnect.JitterMs > 0 {
			jitter = rand.Intn(c.config.Reconnect.JitterMs)
		}
		select {
		case <-time.After(time.Duration(backoff+jitter) * time.Millisecond):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > c.config.Reconnect.MaxDelayMs {
			backoff = c.config.Reconnect.MaxDelayMs
		}
		atomic.AddInt64(&c.reconnectAttempts, 1)
	}
}

// dialAndRead holds one connection open and pumps envelopes into the channel
func (c *WSClient) dialAndRead(ctx context.Context) error {
	dialURL := c.url
	c.mu.RLock()
	if c.lastEventID != "" {
		dialURL += "?since_id=" + url.QueryEscape(c.lastEventID)
	}
	c.mu.RUnlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	atomic.StoreInt32(&c.state, int32(StateConnected))
	c.states.notify(true, nil)
	observ.Log("ws_connected", map[string]any{"session": c.config.SessionID})

	// Ping loop keeps intermediaries from idling the connection out
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(time.Duration(c.config.HeartbeatSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close the socket on context cancellation so ReadJSON unblocks
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-pingDone:
		}
	}()

	readDeadline := time.Duration(3*c.config.HeartbeatSeconds) * time.Second
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	seenIDs := make(map[string]bool)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return err
		}
		var envelope EventEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		c.enqueue(envelope, seenIDs)
	}
}

func (c *WSClient) enqueue(envelope EventEnvelope, seenIDs map[string]bool) {
	if envelope.ID != "" && seenIDs[envelope.ID] {
		atomic.AddInt64(&c.dupesDropped, 1)
		observ.IncCounter("transport_dupes_dropped_total", map[string]string{"transport": "ws"})
		return
	}
	if envelope.ID != "" {
		seenIDs[envelope.ID] = true
	}
	if envelope.TS.IsZero() {
		envelope.TS = time.Now().UTC()
	}

	select {
	case c.eventChan <- envelope:
		atomic.AddInt64(&c.messagesReceived, 1)
		if envelope.ID != "" {
			c.mu.Lock()
			c.lastEventID = envelope.ID
			c.mu.Unlock()
		}
	default:
		atomic.AddInt64(&c.dupesDropped, 1)
		observ.Warn("ws_backpressure_drop", map[string]any{"type": envelope.Type, "id": envelope.ID})
	}
}

// GetMetrics returns current client metrics
func (c *WSClient) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"connection_state":   c.ConnectionState().String(),
		"reconnect_attempts": atomic.LoadInt64(&c.reconnectAttempts),
		"messages_received":  atomic.LoadInt64(&c.messagesReceived),
		"dupes_dropped":      atomic.LoadInt64(&c.dupesDropped),
		"last_event_id":      c.LastEventID(),
	}
}
