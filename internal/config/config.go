package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Stream struct {
	Transport        string `yaml:"transport"` // "sse", "ws", or "http"
	BaseURL          string `yaml:"base_url"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
	MaxChannelBuffer int    `yaml:"max_channel_buffer"`

	Reconnect Reconnect `yaml:"reconnect"`
}

type Reconnect struct {
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
	JitterMs       int `yaml:"jitter_ms"`
}

type API struct {
	BaseURL            string `yaml:"base_url"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffBaseMs      int    `yaml:"backoff_base_ms"`
}

// Engine holds the reconciliation knobs. The batch window and bootstrap
// timeout are tunables, not derived values.
type Engine struct {
	BatchWindowMs        int `yaml:"batch_window_ms"`
	BootstrapTimeoutSecs int `yaml:"bootstrap_timeout_seconds"`
	PollIntervalMs       int `yaml:"poll_interval_ms"`
	RedirectDelaySecs    int `yaml:"redirect_delay_seconds"`

	MaxCandles  int `yaml:"max_candles"`
	MaxTrades   int `yaml:"max_trades"`
	MaxThoughts int `yaml:"max_thoughts"`
}

type Root struct {
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
	Stream    Stream `yaml:"stream"`
	API       API    `yaml:"api"`
	Engine    Engine `yaml:"engine"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	return c, nil
}

// Default returns a config with every default applied, for callers that
// run without a config file.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Stream.Transport == "" {
		c.Stream.Transport = "sse"
	}
	if c.Stream.BaseURL == "" {
		c.Stream.BaseURL = "http://localhost:8091"
	}
	if c.Stream.HeartbeatSeconds == 0 {
		c.Stream.HeartbeatSeconds = 10
	}
	if c.Stream.MaxChannelBuffer == 0 {
		c.Stream.MaxChannelBuffer = 10000
	}
	if c.Stream.Reconnect.InitialDelayMs == 0 {
		c.Stream.Reconnect.InitialDelayMs = 250
	}
	if c.Stream.Reconnect.MaxDelayMs == 0 {
		c.Stream.Reconnect.MaxDelayMs = 5000
	}
	if c.Stream.Reconnect.JitterMs == 0 {
		c.Stream.Reconnect.JitterMs = 100
	}

	if c.API.BaseURL == "" {
		c.API.BaseURL = c.Stream.BaseURL
	}
	if c.API.TimeoutMs == 0 {
		c.API.TimeoutMs = 5000
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 120
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = 3
	}
	if c.API.BackoffBaseMs == 0 {
		c.API.BackoffBaseMs = 100
	}

	if c.Engine.BatchWindowMs == 0 {
		c.Engine.BatchWindowMs = 50
	}
	if c.Engine.BootstrapTimeoutSecs == 0 {
		c.Engine.BootstrapTimeoutSecs = 10
	}
	if c.Engine.PollIntervalMs == 0 {
		c.Engine.PollIntervalMs = 2000
	}
	if c.Engine.RedirectDelaySecs == 0 {
		c.Engine.RedirectDelaySecs = 2
	}
	if c.Engine.MaxCandles == 0 {
		c.Engine.MaxCandles = 500
	}
	if c.Engine.MaxTrades == 0 {
		c.Engine.MaxTrades = 100
	}
	if c.Engine.MaxThoughts == 0 {
		c.Engine.MaxThoughts = 50
	}
}
