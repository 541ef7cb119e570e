package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evalops/sessiondeck/internal/api"
	"github.com/evalops/sessiondeck/internal/config"
	"github.com/evalops/sessiondeck/internal/observ"
	"github.com/evalops/sessiondeck/internal/session"
	"github.com/evalops/sessiondeck/internal/stubs"
	"github.com/evalops/sessiondeck/internal/transport"
)

var (
	flagConfig    string
	flagTransport string
	flagBaseURL   string
	flagPretty    bool

	flagListen  string
	flagCandles int
	flagDelayMs int
)

var rootCmd = &cobra.Command{
	Use:   "console",
	Short: "Operator console engine for live trading-agent evaluation sessions",
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Reconcile one session's live event stream into state projections",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Serve a scripted local session feed for development",
	RunE:  runStub,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "pretty console logging")
	watchCmd.Flags().StringVar(&flagTransport, "transport", "", "stream transport: sse, ws, or http")
	watchCmd.Flags().StringVar(&flagBaseURL, "base-url", "", "feed base URL")
	stubCmd.Flags().StringVar(&flagListen, "listen", ":8091", "stub server listen address")
	stubCmd.Flags().IntVar(&flagCandles, "candles", 60, "number of scripted candles")
	stubCmd.Flags().IntVar(&flagDelayMs, "delay-ms", 200, "pause between replayed events")
	rootCmd.AddCommand(watchCmd, stubCmd)
}

func loadConfig() (config.Root, error) {
	if flagConfig == "" {
		return config.Default(), nil
	}
	return config.Load(flagConfig)
}

func runWatch(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagTransport != "" {
		cfg.Stream.Transport = flagTransport
	}
	if flagBaseURL != "" {
		cfg.Stream.BaseURL = flagBaseURL
		cfg.API.BaseURL = flagBaseURL
	}
	observ.Setup(cfg.LogLevel, flagPretty)

	client, err := transport.NewClient(transport.Config{
		BaseURL:          cfg.Stream.BaseURL,
		Transport:        cfg.Stream.Transport,
		SessionID:        sessionID,
		HeartbeatSeconds: cfg.Stream.HeartbeatSeconds,
		MaxChannelBuffer: cfg.Stream.MaxChannelBuffer,
		Reconnect: transport.ReconnectConfig{
			InitialDelayMs: cfg.Stream.Reconnect.InitialDelayMs,
			MaxDelayMs:     cfg.Stream.Reconnect.MaxDelayMs,
			JitterMs:       cfg.Stream.Reconnect.JitterMs,
		},
	})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	navigate := func(resultID string) {
		observ.Log("navigate_results", map[string]any{"result_id": resultID})
		cancel()
	}
	narrate := func(message string) {
		observ.Log("agent_thinking", map[string]any{"message": message})
	}

	engine := session.NewEngine(sessionID, client, api.New(cfg.API), session.Config{
		BatchWindow:      time.Duration(cfg.Engine.BatchWindowMs) * time.Millisecond,
		BootstrapTimeout: time.Duration(cfg.Engine.BootstrapTimeoutSecs) * time.Second,
		PollInterval:     time.Duration(cfg.Engine.PollIntervalMs) * time.Millisecond,
		RedirectDelay:    time.Duration(cfg.Engine.RedirectDelaySecs) * time.Second,
		MaxCandles:       cfg.Engine.MaxCandles,
		MaxTrades:        cfg.Engine.MaxTrades,
		MaxThoughts:      cfg.Engine.MaxThoughts,
	}, navigate, narrate)

	// Periodic projection summary so an operator tailing the log can
	// follow the session without a frontend attached.
	go summarize(ctx, engine)

	observ.Log("watch_start", map[string]any{
		"session": sessionID, "transport": cfg.Stream.Transport, "base_url": cfg.Stream.BaseURL,
	})
	return engine.Run(ctx)
}

func summarize(ctx context.Context, engine *session.Engine) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := engine.Status()
			conn := engine.Connectivity()
			observ.Log("session_summary", map[string]any{
				"phase":     string(conn.Phase),
				"lifecycle": string(status.Lifecycle),
				"elapsed":   engine.Elapsed(),
				"candles":   len(engine.Candles()),
				"open":      len(engine.OpenPositions()),
				"trades":    len(engine.ClosedTrades()),
				"equity":    status.CurrentEquity,
			})
		}
	}
}

func runStub(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observ.Setup(cfg.LogLevel, flagPretty)

	events := stubs.ScriptedSession(flagCandles)
	server := stubs.NewServer(events, time.Duration(flagDelayMs)*time.Millisecond)

	mux := http.NewServeMux()
	mux.Handle("/sessions/", server.Handler())
	mux.Handle("/metrics", observ.Handler())

	observ.Log("stub_listening", map[string]any{"addr": flagListen, "events": len(events)})
	return http.ListenAndServe(flagListen, mux)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
