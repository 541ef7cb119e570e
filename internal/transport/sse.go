package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evalops/sessiondeck/internal/observ"
)

// SSEClient implements Client for Server-Sent Events transport
type SSEClient struct {
	config      Config
	url         string
	eventChan   chan EventEnvelope
	lastEventID string
	state       int32 // atomic ConnectionState
	states      *stateNotifier

	// Connection management
	client *http.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	// Metrics
	reconnectAttempts int64
	messagesReceived  int64
	dupesDropped      int64
	gapsDetected      int64
}

// NewSSEClient creates a new SSE client for one session stream
func NewSSEClient(config Config) (*SSEClient, error) {
	if config.MaxChannelBuffer <= 0 {
		config.MaxChannelBuffer = 10000
	}
	if config.HeartbeatSeconds <= 0 {
		config.HeartbeatSeconds = 10
	}

	client := &SSEClient{
		config:    config,
		url:       fmt.Sprintf("%s/sessions/%s/stream", config.BaseURL, config.SessionID),
		eventChan: make(chan EventEnvelope, config.MaxChannelBuffer),
		states:    newStateNotifier(),
		client: &http.Client{
			Timeout: 0, // streaming response, no overall deadline
		},
	}

	atomic.StoreInt32(&client.state, int32(StateDisconnected))
	return client, nil
}

// Start begins consuming SSE events
func (c *SSEClient) Start(ctx context.Context) (<-chan EventEnvelope, error) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	return c.eventChan, nil
}

// Close shuts down the SSE client. Releasing twice is safe.
func (c *SSEClient) Close() error {
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
func (c *SSEClient) LastEventID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEventID
}

// ConnectionState returns current connection state
func (c *SSEClient) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// States returns the connection-state signal
func (c *SSEClient) States() <-chan StateChange {
	return c.states.ch
}

// consumeLoop handles the main SSE connection and reconnection logic
func (c *SSEClient) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.config.Reconnect.InitialDelayMs

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		atomic.StoreInt32(&c.state, int32(StateConnecting))

		err := c.connectAndConsume(ctx)
		atomic.StoreInt32(&c.state, int32(StateDisconnected))

		if ctx.Err() != nil {
			return
		}
		c.states.notify(false, err)

		observ.Warn("sse_disconnected", map[string]any{
			"session": c.config.SessionID, "err": fmt.Sprint(err), "backoff_ms": backoff,
		})

		// Exponential backoff with jitter
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

// connectAndConsume establishes the SSE connection and processes events
func (c *SSEClient) connectAndConsume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// Resume from last event ID if available
	c.mu.RLock()
	lastID := c.lastEventID
	c.mu.RUnlock()
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	atomic.StoreInt32(&c.state, int32(StateConnected))
	c.states.notify(true, nil)
	observ.Log("sse_connected", map[string]any{"session": c.config.SessionID})

	return c.processEventStream(ctx, resp.Body)
}

// processEventStream reads and parses SSE frames from the response body
func (c *SSEClient) processEventStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType, eventID, eventData string
	seenIDs := make(map[string]bool)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Comment line (heartbeat)
		if strings.HasPrefix(line, ":") {
			continue
		}

		if line == "" {
			// End of frame, process it
			if eventType != "" && eventData != "" {
				c.processEvent(eventType, eventID, eventData, seenIDs)
			}
			eventType, eventID, eventData = "", "", ""
			continue
		}

		if colon := strings.Index(line, ":"); colon > 0 {
			field := line[:colon]
			value := strings.TrimSpace(line[colon+1:])
			switch field {
			case "event":
				eventType = value
			case "id":
				eventID = value
			case "data":
				eventData = value
			}
		}
	}

	return scanner.Err()
}

// processEvent validates and enqueues a single SSE event
func (c *SSEClient) processEvent(eventType, eventID, eventData string, seenIDs map[string]bool) {
	// Duplicate detection within one connection
	if eventID != "" && seenIDs[eventID] {
		atomic.AddInt64(&c.dupesDropped, 1)
		observ.IncCounter("transport_dupes_dropped_total", map[string]string{"transport": "sse"})
		return
	}
	if eventID != "" {
		seenIDs[eventID] = true
	}

	// Gap detection on numeric IDs. Gaps are expected across reconnects;
	// the engine tolerates them, we just count them.
	c.mu.RLock()
	lastID := c.lastEventID
	c.mu.RUnlock()
	if lastID != "" && eventID != "" {
		if lastNum, err := strconv.ParseInt(lastID, 10, 64); err == nil {
			if curNum, err := strconv.ParseInt(eventID, 10, 64); err == nil && curNum > lastNum+1 {
				atomic.AddInt64(&c.gapsDetected, 1)
				observ.IncCounter("transport_gaps_detected_total", map[string]string{"transport": "sse"})
			}
		}
	}

	var envelope EventEnvelope
	if err := json.Unmarshal([]byte(eventData), &envelope); err != nil {
		// Fall back to treating the data as a bare payload
		envelope = EventEnvelope{V: 1, Payload: json.RawMessage(eventData)}
	}
	if envelope.Type == "" {
		envelope.Type = eventType
	}
	if envelope.ID == "" {
		envelope.ID = eventID
	}
	if envelope.TS.IsZero() {
		envelope.TS = time.Now().UTC()
	}

	select {
	case c.eventChan <- envelope:
		atomic.AddInt64(&c.messagesReceived, 1)
		if eventID != "" {
			c.mu.Lock()
			c.lastEventID = eventID
			c.mu.Unlock()
		}
	default:
		atomic.AddInt64(&c.dupesDropped, 1)
		observ.Warn("sse_backpressure_drop", map[string]any{"type": envelope.Type, "id": envelope.ID})
	}
}

// GetMetrics returns current client metrics
func (c *SSEClient) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"connection_state":   c.ConnectionState().String(),
		"reconnect_attempts": atomic.LoadInt64(&c.reconnectAttempts),
		"messages_received":  atomic.LoadInt64(&c.messagesReceived),
		"dupes_dropped":      atomic.LoadInt64(&c.dupesDropped),
		"gaps_detected":      atomic.LoadInt64(&c.gapsDetected),
		"last_event_id":      c.LastEventID(),
	}
}
