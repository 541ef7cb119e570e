package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evalops/sessiondeck/internal/observ"
	"github.com/evalops/sessiondeck/internal/transport"
)

// StatusAPI is the outbound control surface: a parameterless status fetch
// by session id, and the single-shot stop action.
type StatusAPI interface {
	SessionStatus(ctx context.Context, sessionID string) (Status, error)
	StopSession(ctx context.Context, sessionID string, closePosition bool) (resultID string, err error)
}

// NavigateFunc is invoked after a successful stop, with the result id when
// the control endpoint returned one (empty means the generic results view).
type NavigateFunc func(resultID string)

// NarrateFunc receives transient ai_thinking notices. They are forwarded,
// never stored.
type NarrateFunc func(message string)

// Config holds the engine's reconciliation knobs.
type Config struct {
	BatchWindow      time.Duration
	BootstrapTimeout time.Duration
	PollInterval     time.Duration
	RedirectDelay    time.Duration

	MaxCandles  int
	MaxTrades   int
	MaxThoughts int
}

func (c *Config) applyDefaults() {
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RedirectDelay <= 0 {
		c.RedirectDelay = 2 * time.Second
	}
	if c.MaxCandles <= 0 {
		c.MaxCandles = 500
	}
	if c.MaxTrades <= 0 {
		c.MaxTrades = 100
	}
	if c.MaxThoughts <= 0 {
		c.MaxThoughts = 50
	}
}

type pollResult struct {
	status Status
	err    error
}

type stopResult struct {
	resultID string
	err      error
}

// Engine owns all reconciliation state for one running session. Inbound
// envelopes, poll results, and control acknowledgements interleave on a
// single event loop; the presentation layer only reads snapshots.
type Engine struct {
	sessionID string
	cfg       Config
	client    transport.Client
	api       StatusAPI
	navigate  NavigateFunc
	narrate   NarrateFunc

	mu       sync.RWMutex
	series   *CandleSeries
	ledger   *Ledger
	thoughts *ThoughtLog
	status   *StatusProjector

	tracker *BootstrapTracker
	sched   *Scheduler

	pollC        chan pollResult
	pollInFlight atomic.Bool

	stopC        chan stopResult
	stopMu       sync.Mutex
	stopInFlight bool
	stopDone     bool

	runCtx  context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

// NewEngine wires one engine instance for one session. navigate and narrate
// may be nil.
func NewEngine(sessionID string, client transport.Client, api StatusAPI, cfg Config, navigate NavigateFunc, narrate NarrateFunc) *Engine {
	cfg.applyDefaults()
	// The run context exists from construction so Stop and Close never
	// race Run's startup.
	runCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		sessionID: sessionID,
		cfg:       cfg,
		client:    client,
		api:       api,
		navigate:  navigate,
		narrate:   narrate,
		series:    NewCandleSeries(cfg.MaxCandles),
		ledger:    NewLedger(cfg.MaxTrades),
		thoughts:  NewThoughtLog(cfg.MaxThoughts),
		status:    NewStatusProjector(),
		tracker:   NewBootstrapTracker(cfg.BootstrapTimeout),
		sched:     NewScheduler(cfg.BatchWindow),
		pollC:     make(chan pollResult, 1),
		stopC:     make(chan stopResult, 1),
		runCtx:    runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Run drives the event loop until the context is cancelled. It owns every
// state mutation; poll and stop I/O is fire-and-forget, with results
// rejoining the loop through channels.
func (e *Engine) Run(ctx context.Context) error {
	e.started.Store(true)
	stopWatch := context.AfterFunc(ctx, e.cancel)
	defer stopWatch()
	ctx = e.runCtx
	defer close(e.done)
	defer e.teardown()

	events, err := e.client.Start(ctx)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	e.tracker.Start()

	pollTicker := time.NewTicker(e.cfg.PollInterval)
	defer pollTicker.Stop()
	e.requestPoll(ctx) // once at mount, then on the interval

	for {
		select {
		case <-ctx.Done():
			return nil

		case env, ok := <-events:
			if !ok {
				events = nil // transport released
				continue
			}
			e.dispatch(env)

		case change := <-e.client.States():
			e.onStateChange(change)

		case <-pollTicker.C:
			e.requestPoll(ctx)

		case res := <-e.pollC:
			e.onPollResult(res)

		case <-e.sched.C():
			e.mu.Lock()
			n := e.sched.Flush()
			e.mu.Unlock()
			observ.IncCounter("engine_batches_flushed_total", nil)
			observ.SetGauge("engine_batch_size", float64(n), nil)
			e.afterFlush()

		case <-e.tracker.TimeoutC():
			observ.Warn("bootstrap_timeout_forced_ready", map[string]any{"session": e.sessionID})
			observ.IncCounter("engine_forced_ready_total", nil)

		case res := <-e.stopC:
			e.onStopResult(res)
		}
	}
}

// Close tears the engine down: pending batch flushed, timers cancelled,
// transport released. Safe to call more than once.
func (e *Engine) Close() {
	e.cancel()
	if e.started.Load() {
		<-e.done
	}
}

func (e *Engine) teardown() {
	e.mu.Lock()
	e.sched.Close() // flushes pending mutations synchronously
	e.mu.Unlock()
	e.tracker.Cancel()
	_ = e.client.Close() // idempotent
}

// dispatch routes one envelope by tag. Status, lifecycle, and control
// mutations apply immediately; candles, ticks, thoughts, and position
// changes are coalesced through the scheduler.
func (e *Engine) dispatch(env transport.EventEnvelope) {
	observ.IncCounter("engine_events_total", map[string]string{"type": env.Type})

	switch env.Type {
	case EventCandle:
		var p candlePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || !p.valid() {
			e.dropMalformed(env, err)
			return
		}
		c := p.candle()
		e.sched.Enqueue(func() { e.series.ApplyCandle(c) })

	case EventPriceUpdate:
		var p tickPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || !p.valid() {
			e.dropMalformed(env, err)
			return
		}
		t, price := *p.Time, *p.Price
		e.sched.Enqueue(func() { e.series.ApplyTick(t, price) })

	case EventAIThinking:
		var p thinkingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.dropMalformed(env, err)
			return
		}
		if e.narrate != nil && p.Message != "" {
			e.narrate(p.Message)
		}

	case EventAIDecision:
		var p decisionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.CandleNumber == nil {
			e.dropMalformed(env, err)
			return
		}
		th := Thought{
			ID:           fmt.Sprintf("thought-%d", *p.CandleNumber),
			CandleNumber: *p.CandleNumber,
			Kind:         p.Kind,
			Content:      p.Content,
			Action:       p.Action,
			Timestamp:    env.TS,
		}
		if p.Timestamp > 0 {
			th.Timestamp = time.Unix(p.Timestamp, 0).UTC()
		}
		if th.Kind == "" {
			th.Kind = "decision"
		}
		e.sched.Enqueue(func() {
			if !e.thoughts.OnDecision(th) {
				observ.IncCounter("engine_duplicate_decisions_total", nil)
			}
		})

	case EventPositionOpened:
		var p positionOpenedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.EntryPrice == nil || p.Size == nil {
			e.dropMalformed(env, err)
			return
		}
		pos := Position{
			Direction:     p.Direction,
			EntryPrice:    *p.EntryPrice,
			Size:          *p.Size,
			Leverage:      p.Leverage,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			UnrealizedPnL: p.UnrealizedPnL,
			OpenedAt:      env.TS,
		}
		if p.OpenedAt > 0 {
			pos.OpenedAt = time.Unix(p.OpenedAt, 0).UTC()
		}
		e.sched.Enqueue(func() { e.ledger.OnPositionOpened(pos) })

	case EventPositionClosed:
		var p positionClosedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.EntryPrice == nil || p.ExitPrice == nil {
			e.dropMalformed(env, err)
			return
		}
		trade := Trade{
			TradeNumber: p.TradeNumber,
			Direction:   p.Direction,
			EntryPrice:  *p.EntryPrice,
			ExitPrice:   *p.ExitPrice,
			Size:        p.Size,
			PnL:         p.PnL,
			PnLPercent:  p.PnLPercent,
			Reasoning:   p.Reasoning,
			StopLoss:    p.StopLoss,
			TakeProfit:  p.TakeProfit,
		}
		if p.EntryTime > 0 {
			trade.EntryTime = time.Unix(p.EntryTime, 0).UTC()
		}
		if p.ExitTime > 0 {
			trade.ExitTime = time.Unix(p.ExitTime, 0).UTC()
		} else {
			trade.ExitTime = env.TS
		}
		e.sched.Enqueue(func() {
			if !e.ledger.OnPositionClosed(trade) {
				observ.IncCounter("engine_unmatched_closes_total", nil)
			}
		})

	case EventCountdownUpdate:
		var p countdownPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.dropMalformed(env, err)
			return
		}
		if p.SecondsRemaining == nil {
			return // absent field, no change
		}
		e.mu.Lock()
		e.status.ApplyPush(StatusPatch{NextCandleETASeconds: p.SecondsRemaining})
		e.mu.Unlock()

	case EventStatsUpdate:
		var p statsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.dropMalformed(env, err)
			return
		}
		e.mu.Lock()
		e.status.ApplyPush(p.patch())
		e.mu.Unlock()

	case EventSessionInitialized:
		var p initializedPayload
		_ = json.Unmarshal(env.Payload, &p)
		e.mu.Lock()
		patch := StatusPatch{}
		lc := LifecycleRunning
		patch.Lifecycle = &lc
		if p.Asset != "" {
			patch.Asset = &p.Asset
		}
		if p.Timeframe != "" {
			patch.Timeframe = &p.Timeframe
		}
		e.status.ApplyPush(patch)
		e.mu.Unlock()

	case EventSessionPaused:
		e.mu.Lock()
		e.status.SetLifecycle(LifecyclePaused)
		e.mu.Unlock()

	case EventSessionResumed:
		e.mu.Lock()
		e.status.SetLifecycle(LifecycleRunning)
		e.mu.Unlock()

	case EventSessionCompleted:
		e.mu.Lock()
		e.sched.Flush() // pending mutations land before the terminal state
		e.status.SetLifecycle(LifecycleCompleted)
		e.ledger.ClearOpen()
		e.mu.Unlock()
		e.afterFlush()
		e.tracker.Terminal(PhaseCompleted)
		_ = e.client.Close()
		observ.Log("session_completed", map[string]any{"session": e.sessionID})

	case EventError:
		var p errorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if p.Message == "" {
			p.Message = "session error"
		}
		e.mu.Lock()
		e.status.SetSessionError(p.Message)
		e.mu.Unlock()
		observ.Warn("session_error_event", map[string]any{"session": e.sessionID, "message": p.Message})

	default:
		observ.IncCounter("engine_unknown_events_total", map[string]string{"type": env.Type})
	}
}

func (e *Engine) dropMalformed(env transport.EventEnvelope, err error) {
	observ.IncCounter("engine_malformed_payloads_total", map[string]string{"type": env.Type})
	observ.Warn("malformed_event_dropped", map[string]any{
		"type": env.Type, "id": env.ID, "err": fmt.Sprint(err),
	})
}

// afterFlush re-checks derived conditions that depend on merger output.
func (e *Engine) afterFlush() {
	e.mu.RLock()
	hasData := e.series.Len() > 0
	e.mu.RUnlock()
	if hasData {
		e.tracker.ObserveData()
	}
}

func (e *Engine) onStateChange(change transport.StateChange) {
	msg := ""
	if change.Err != nil {
		msg = change.Err.Error()
	}
	e.tracker.ObserveTransport(change.Connected, msg)
	if !change.Connected {
		observ.IncCounter("engine_transport_drops_total", nil)
	}
}

// requestPoll kicks off one authoritative snapshot fetch unless one is
// already in flight or the session has reached a terminal lifecycle.
func (e *Engine) requestPoll(ctx context.Context) {
	e.mu.RLock()
	terminal := e.status.Snapshot().Lifecycle.Terminal()
	e.mu.RUnlock()
	if terminal {
		return
	}
	if !e.pollInFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		st, err := e.api.SessionStatus(ctx, e.sessionID)
		e.pollInFlight.Store(false)
		select {
		case e.pollC <- pollResult{status: st, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) onPollResult(res pollResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A fetch already in flight when the terminal transition landed must
	// not scribble over the absorbing state.
	if e.status.Snapshot().Lifecycle.Terminal() {
		return
	}
	if res.err != nil {
		// Previous snapshot is retained; the failure is recoverable.
		e.status.SetError("status refresh failed: " + res.err.Error())
		observ.IncCounter("engine_poll_failures_total", nil)
		return
	}
	if !e.status.ApplyPoll(res.status) {
		observ.IncCounter("engine_polls_suppressed_total", nil)
	}
}

// Stop issues the terminal stop action. It is single-shot: a second call
// while one is in flight or after completion is a no-op. Returns whether
// this call initiated the outbound request.
func (e *Engine) Stop() bool {
	e.stopMu.Lock()
	if e.stopInFlight || e.stopDone {
		e.stopMu.Unlock()
		return false
	}
	e.stopInFlight = true
	e.stopMu.Unlock()

	go func() {
		resultID, err := e.api.StopSession(e.runCtx, e.sessionID, true)
		select {
		case e.stopC <- stopResult{resultID: resultID, err: err}:
		case <-e.runCtx.Done():
		}
	}()
	return true
}

func (e *Engine) onStopResult(res stopResult) {
	if res.err != nil {
		// Latch released so stop may be retried; lifecycle unchanged.
		e.stopMu.Lock()
		e.stopInFlight = false
		e.stopMu.Unlock()

		e.mu.Lock()
		e.status.SetError("stop failed: " + res.err.Error())
		e.mu.Unlock()
		observ.Error("stop_failed", res.err, map[string]any{"session": e.sessionID})
		return
	}

	e.stopMu.Lock()
	e.stopInFlight = false
	e.stopDone = true
	e.stopMu.Unlock()

	e.mu.Lock()
	e.sched.Flush()
	e.status.SetLifecycle(LifecycleStopped)
	e.ledger.ClearOpen()
	e.mu.Unlock()
	e.tracker.Terminal(PhaseStopped)
	_ = e.client.Close()
	observ.Log("session_stopped", map[string]any{"session": e.sessionID, "result_id": res.resultID})

	if e.navigate != nil {
		resultID := res.resultID
		// Delay lets the stopped state render before leaving the view.
		time.AfterFunc(e.cfg.RedirectDelay, func() { e.navigate(resultID) })
	}
}

// ---- read-only projections ----

// Candles returns the current candle series, oldest first.
func (e *Engine) Candles() []Candle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.series.Candles()
}

// OpenPositions returns the open positions, most recent first.
func (e *Engine) OpenPositions() []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.OpenPositions()
}

// ClosedTrades returns the closed-trade history, most recent first.
func (e *Engine) ClosedTrades() []Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.ClosedTrades()
}

// Thoughts returns the reasoning log, most recent first.
func (e *Engine) Thoughts() []Thought {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thoughts.Thoughts()
}

// Status returns the merged session status snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.Snapshot()
}

// Connectivity returns the derived connectivity state.
func (e *Engine) Connectivity() Connectivity {
	return e.tracker.State()
}

// Elapsed returns the formatted elapsed-time string for the status view.
func (e *Engine) Elapsed() string {
	return FormatElapsed(e.Status().ElapsedSeconds)
}

// FormatElapsed renders elapsed seconds as m:ss, or h:mm:ss past the hour.
func FormatElapsed(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
