package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventEnvelope wraps all wire events with metadata for ordering and resume
type EventEnvelope struct {
	V       int             `json:"v"`       // Version for future compatibility
	Type    string          `json:"type"`    // Event tag: candle, price_update, ai_decision, etc.
	ID      string          `json:"id"`      // Monotonic ID for ordering and deduplication
	TS      time.Time       `json:"ts_utc"`  // Server timestamp when event was emitted
	Payload json.RawMessage `json:"payload"` // Raw event data
}

// StateChange is emitted whenever the connection flips between connected
// and disconnected. Err carries the cause of a disconnect, if known.
type StateChange struct {
	Connected bool
	Err       error
}

// Client represents a wire transport client (SSE, WebSocket, HTTP polling)
type Client interface {
	// Start begins consuming events and returns a channel of envelopes.
	// Context cancellation stops the client gracefully.
	Start(ctx context.Context) (<-chan EventEnvelope, error)

	// Close shuts down the client and cleans up resources. Safe to call twice.
	Close() error

	// LastEventID returns the last successfully processed event ID for resume
	LastEventID() string

	// ConnectionState returns current connection state
	ConnectionState() ConnectionState

	// States returns the connection-state signal. The channel is buffered;
	// transitions are coalesced when the consumer lags.
	States() <-chan StateChange
}

// ConnectionState represents the current state of a transport connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota // 0 = down
	StateConnecting                         // 1 = connecting
	StateConnected                          // 2 = up
)

// String returns human-readable connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config carries settings shared by all client types
type Config struct {
	BaseURL   string
	Transport string // "sse", "ws", or "http"
	SessionID string

	HeartbeatSeconds int
	MaxChannelBuffer int

	Reconnect ReconnectConfig
}

type ReconnectConfig struct {
	InitialDelayMs int
	MaxDelayMs     int
	JitterMs       int
}

// NewClient creates a transport client for one session based on configuration
func NewClient(config Config) (Client, error) {
	if config.SessionID == "" {
		return nil, fmt.Errorf("transport: session id is required")
	}
	switch config.Transport {
	case "sse", "":
		return NewSSEClient(config)
	case "ws":
		return NewWSClient(config)
	case "http":
		return NewHTTPClient(config)
	default:
		return nil, fmt.Errorf("transport: unknown transport %q", config.Transport)
	}
}
