package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalops/sessiondeck/internal/transport"
)

type fakeTransport struct {
	events chan transport.EventEnvelope
	states chan transport.StateChange

	mu        sync.Mutex
	closed    bool
	closeCnt  int
	startErr  error
	lastID    string
	connState transport.ConnectionState
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan transport.EventEnvelope, 64),
		states: make(chan transport.StateChange, 16),
	}
}

func (f *fakeTransport) Start(ctx context.Context) (<-chan transport.EventEnvelope, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.states <- transport.StateChange{Connected: true}
	return f.events, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCnt++
	return nil
}

func (f *fakeTransport) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) LastEventID() string                       { return f.lastID }
func (f *fakeTransport) ConnectionState() transport.ConnectionState { return f.connState }
func (f *fakeTransport) States() <-chan transport.StateChange      { return f.states }

type fakeAPI struct {
	mu        sync.Mutex
	status    Status
	statusErr error

	stopCalls int
	stopErr   error
	resultID  string
}

func (f *fakeAPI) SessionStatus(ctx context.Context, sessionID string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeAPI) StopSession(ctx context.Context, sessionID string, closePosition bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.resultID, f.stopErr
}

func (f *fakeAPI) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

func (f *fakeAPI) setStatus(st Status, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
	f.statusErr = err
}

func testConfig() Config {
	return Config{
		BatchWindow:      5 * time.Millisecond,
		BootstrapTimeout: time.Minute,
		PollInterval:     25 * time.Millisecond,
		RedirectDelay:    10 * time.Millisecond,
	}
}

func startEngine(t *testing.T, tr *fakeTransport, api *fakeAPI, navigate NavigateFunc, narrate NarrateFunc) *Engine {
	t.Helper()
	eng := NewEngine("sess-1", tr, api, testConfig(), navigate, narrate)

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() { errC <- eng.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errC:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not shut down")
		}
	})
	return eng
}

func envelope(t *testing.T, id, typ string, payload any) transport.EventEnvelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return transport.EventEnvelope{
		V:       1,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: raw,
	}
}

func TestEngineDispatch(t *testing.T) {
	t.Run("candle and tick land after the batch window", func(t *testing.T) {
		tr := newFakeTransport()
		api := &fakeAPI{status: Status{Lifecycle: LifecycleRunning}}
		eng := startEngine(t, tr, api, nil, nil)

		tr.events <- envelope(t, "1", EventCandle, map[string]any{
			"time": 1000, "open": 100.0, "high": 101.0, "low": 99.0, "close": 100.5, "volume": 12.0,
		})
		tr.events <- envelope(t, "2", EventPriceUpdate, map[string]any{
			"time": 1001, "price": 102.5,
		})

		require.Eventually(t, func() bool {
			cs := eng.Candles()
			return len(cs) == 1 && cs[0].Close == 102.5
		}, time.Second, 2*time.Millisecond)

		last := eng.Candles()[0]
		assert.Equal(t, 102.5, last.High, "tick above the old high must raise it")
		assert.Equal(t, 99.0, last.Low)
	})

	t.Run("malformed candle is dropped", func(t *testing.T) {
		tr := newFakeTransport()
		api := &fakeAPI{}
		eng := startEngine(t, tr, api, nil, nil)

		tr.events <- envelope(t, "1", EventCandle, map[string]any{"open": 1.0}) // no time/high/low/close
		tr.events <- envelope(t, "2", EventCandle, map[string]any{
			"time": 2000, "open": 1.0, "high": 1.0, "low": 1.0, "close": 1.0,
		})

		require.Eventually(t, func() bool {
			return len(eng.Candles()) == 1
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, int64(2000), eng.Candles()[0].Time)
	})

	t.Run("thinking is narrated immediately and never stored", func(t *testing.T) {
		var mu sync.Mutex
		var got []string
		narrate := func(msg string) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
		}

		tr := newFakeTransport()
		eng := startEngine(t, tr, &fakeAPI{}, nil, narrate)

		tr.events <- envelope(t, "1", EventAIThinking, map[string]any{"message": "scanning order book"})

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1 && got[0] == "scanning order book"
		}, time.Second, 2*time.Millisecond)
		assert.Empty(t, eng.Thoughts())
	})

	t.Run("decision replay keeps one thought", func(t *testing.T) {
		tr := newFakeTransport()
		eng := startEngine(t, tr, &fakeAPI{}, nil, nil)

		payload := map[string]any{"candleNumber": 7, "kind": "decision", "content": "hold"}
		tr.events <- envelope(t, "1", EventAIDecision, payload)
		tr.events <- envelope(t, "2", EventAIDecision, payload)

		require.Eventually(t, func() bool {
			return len(eng.Thoughts()) == 1
		}, time.Second, 2*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, eng.Thoughts(), 1)
		assert.Equal(t, "thought-7", eng.Thoughts()[0].ID)
	})

	t.Run("position open then close balances the ledger", func(t *testing.T) {
		tr := newFakeTransport()
		eng := startEngine(t, tr, &fakeAPI{}, nil, nil)

		tr.events <- envelope(t, "1", EventPositionOpened, map[string]any{
			"direction": "long", "entryPrice": 100.0, "size": 2.0,
		})
		require.Eventually(t, func() bool {
			return len(eng.OpenPositions()) == 1
		}, time.Second, 2*time.Millisecond)

		tr.events <- envelope(t, "2", EventPositionClosed, map[string]any{
			"direction": "long", "entryPrice": 100.0, "exitPrice": 105.0, "pnl": 10.0,
		})
		require.Eventually(t, func() bool {
			return len(eng.OpenPositions()) == 0 && len(eng.ClosedTrades()) == 1
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, 105.0, eng.ClosedTrades()[0].ExitPrice)
	})

	t.Run("stats and countdown merge into status immediately", func(t *testing.T) {
		tr := newFakeTransport()
		eng := startEngine(t, tr, &fakeAPI{}, nil, nil)

		tr.events <- envelope(t, "1", EventStatsUpdate, map[string]any{
			"currentEquity": 10500.0, "tradesCount": 3,
		})
		require.Eventually(t, func() bool {
			return eng.Status().CurrentEquity == 10500.0
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, 3, eng.Status().TradesCount)

		tr.events <- envelope(t, "2", EventCountdownUpdate, map[string]any{"secondsRemaining": 42})
		require.Eventually(t, func() bool {
			return eng.Status().NextCandleETASeconds == 42
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, 10500.0, eng.Status().CurrentEquity, "countdown must not disturb other fields")
	})

	t.Run("error event surfaces the message verbatim", func(t *testing.T) {
		tr := newFakeTransport()
		eng := startEngine(t, tr, &fakeAPI{}, nil, nil)

		tr.events <- envelope(t, "1", EventError, map[string]any{"message": "exchange unavailable"})
		require.Eventually(t, func() bool {
			return eng.Status().Lifecycle == LifecycleError
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, "exchange unavailable", eng.Status().LastError)
	})
}

func TestEngineBootstrap(t *testing.T) {
	tr := newFakeTransport()
	eng := startEngine(t, tr, &fakeAPI{}, nil, nil)

	require.Eventually(t, func() bool {
		return eng.Connectivity().TransportConnected
	}, time.Second, 2*time.Millisecond)
	assert.NotEqual(t, PhaseReady, eng.Connectivity().Phase, "no data yet")

	tr.events <- envelope(t, "1", EventCandle, map[string]any{
		"time": 1000, "open": 1.0, "high": 1.0, "low": 1.0, "close": 1.0,
	})
	require.Eventually(t, func() bool {
		return eng.Connectivity().Phase == PhaseReady
	}, time.Second, 2*time.Millisecond)

	tr.states <- transport.StateChange{Connected: false, Err: errors.New("stream reset")}
	require.Eventually(t, func() bool {
		return eng.Connectivity().Phase == PhaseReconnecting
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, "stream reset", eng.Connectivity().LastError)
}

func TestEnginePoll(t *testing.T) {
	t.Run("snapshot applied from the control api", func(t *testing.T) {
		tr := newFakeTransport()
		api := &fakeAPI{status: Status{
			Lifecycle:      LifecycleRunning,
			Asset:          "BTC",
			CurrentEquity:  9800.0,
			ElapsedSeconds: 90,
		}}
		eng := startEngine(t, tr, api, nil, nil)

		require.Eventually(t, func() bool {
			return eng.Status().Asset == "BTC"
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, "1:30", eng.Elapsed())
	})

	t.Run("failed refresh keeps the last snapshot", func(t *testing.T) {
		tr := newFakeTransport()
		api := &fakeAPI{status: Status{Lifecycle: LifecycleRunning, Asset: "ETH"}}
		eng := startEngine(t, tr, api, nil, nil)

		require.Eventually(t, func() bool {
			return eng.Status().Asset == "ETH"
		}, time.Second, 2*time.Millisecond)

		api.setStatus(Status{}, errors.New("status endpoint down"))
		require.Eventually(t, func() bool {
			return eng.Status().LastError != ""
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, "ETH", eng.Status().Asset, "stale snapshot beats no snapshot")
		assert.Equal(t, LifecycleRunning, eng.Status().Lifecycle)
	})
}

func TestEngineStop(t *testing.T) {
	t.Run("second stop is a no-op", func(t *testing.T) {
		var mu sync.Mutex
		var navigatedTo []string
		navigate := func(resultID string) {
			mu.Lock()
			navigatedTo = append(navigatedTo, resultID)
			mu.Unlock()
		}

		tr := newFakeTransport()
		api := &fakeAPI{resultID: "result-77"}
		eng := startEngine(t, tr, api, navigate, nil)
		require.Eventually(t, func() bool {
			return eng.Connectivity().TransportConnected
		}, time.Second, 2*time.Millisecond)

		assert.True(t, eng.Stop())
		assert.False(t, eng.Stop(), "latch must reject the second request")

		require.Eventually(t, func() bool {
			return eng.Status().Lifecycle == LifecycleStopped
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, 1, api.stopCount())
		assert.True(t, tr.wasClosed(), "stop must release the transport")
		assert.Equal(t, PhaseStopped, eng.Connectivity().Phase)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(navigatedTo) == 1 && navigatedTo[0] == "result-77"
		}, time.Second, 2*time.Millisecond)

		assert.False(t, eng.Stop(), "stop stays latched after completion")
	})

	t.Run("stop before the loop starts still lands", func(t *testing.T) {
		tr := newFakeTransport()
		api := &fakeAPI{resultID: "result-early"}
		eng := NewEngine("sess-1", tr, api, testConfig(), nil, nil)

		require.True(t, eng.Stop())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errC := make(chan error, 1)
		go func() { errC <- eng.Run(ctx) }()

		require.Eventually(t, func() bool {
			return eng.Status().Lifecycle == LifecycleStopped
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, 1, api.stopCount())

		cancel()
		require.NoError(t, <-errC)
	})

	t.Run("failed stop releases the latch for retry", func(t *testing.T) {
		tr := newFakeTransport()
		api := &fakeAPI{stopErr: errors.New("control plane timeout")}
		eng := startEngine(t, tr, api, nil, nil)
		require.Eventually(t, func() bool {
			return eng.Connectivity().TransportConnected
		}, time.Second, 2*time.Millisecond)

		require.True(t, eng.Stop())
		require.Eventually(t, func() bool {
			return eng.Status().LastError != ""
		}, time.Second, 2*time.Millisecond)
		assert.Contains(t, eng.Status().LastError, "control plane timeout")
		assert.NotEqual(t, LifecycleStopped, eng.Status().Lifecycle)

		api.mu.Lock()
		api.stopErr = nil
		api.mu.Unlock()

		require.True(t, eng.Stop(), "retry must be possible after a failure")
		require.Eventually(t, func() bool {
			return eng.Status().Lifecycle == LifecycleStopped
		}, time.Second, 2*time.Millisecond)
		assert.Equal(t, 2, api.stopCount())
	})
}

func TestEngineTerminalLifecycleSurvivesStalePolls(t *testing.T) {
	// The control plane can lag the stream: its snapshot keeps reporting
	// running after the session locally completed, stopped, or errored.
	// Terminal states are absorbing, so the poll ticker must never
	// resurrect the session.
	holdTerminal := func(t *testing.T, eng *Engine, want Lifecycle) {
		t.Helper()
		require.Eventually(t, func() bool {
			return eng.Status().Lifecycle == want
		}, time.Second, 2*time.Millisecond)

		// Six poll intervals worth of stale running snapshots.
		deadline := time.Now().Add(150 * time.Millisecond)
		for time.Now().Before(deadline) {
			require.Equal(t, want, eng.Status().Lifecycle)
			time.Sleep(5 * time.Millisecond)
		}
	}

	t.Run("completed", func(t *testing.T) {
		tr := newFakeTransport()
		api := &fakeAPI{status: Status{Lifecycle: LifecycleRunning, Asset: "BTC"}}
		eng := startEngine(t, tr, api, nil, nil)

		tr.events <- envelope(t, "1", EventSessionCompleted, map[string]any{})
		holdTerminal(t, eng, LifecycleCompleted)
	})

	t.Run("stopped", func(t *testing.T) {
		tr := newFakeTransport()
		api := &fakeAPI{status: Status{Lifecycle: LifecycleRunning}, resultID: "result-1"}
		eng := startEngine(t, tr, api, nil, nil)
		require.Eventually(t, func() bool {
			return eng.Connectivity().TransportConnected
		}, time.Second, 2*time.Millisecond)

		require.True(t, eng.Stop())
		holdTerminal(t, eng, LifecycleStopped)
	})

	t.Run("error", func(t *testing.T) {
		tr := newFakeTransport()
		api := &fakeAPI{status: Status{Lifecycle: LifecycleRunning}}
		eng := startEngine(t, tr, api, nil, nil)

		tr.events <- envelope(t, "1", EventError, map[string]any{"message": "agent crashed"})
		holdTerminal(t, eng, LifecycleError)
		assert.Equal(t, "agent crashed", eng.Status().LastError)
	})
}

func TestEngineCompleted(t *testing.T) {
	tr := newFakeTransport()
	eng := startEngine(t, tr, &fakeAPI{}, nil, nil)

	tr.events <- envelope(t, "1", EventPositionOpened, map[string]any{
		"direction": "short", "entryPrice": 50.0, "size": 1.0,
	})
	tr.events <- envelope(t, "2", EventSessionCompleted, map[string]any{})

	require.Eventually(t, func() bool {
		return eng.Status().Lifecycle == LifecycleCompleted
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, eng.OpenPositions(), "completion clears dangling opens")
	assert.Equal(t, PhaseCompleted, eng.Connectivity().Phase)
	assert.True(t, tr.wasClosed())
}

func TestFormatElapsed(t *testing.T) {
	cases := []struct {
		seconds int64
		want    string
	}{
		{0, "0:00"},
		{9, "0:09"},
		{65, "1:05"},
		{600, "10:00"},
		{3600, "1:00:00"},
		{3725, "1:02:05"},
		{-5, "0:00"},
	}
	for _, tc := range cases {
		if got := FormatElapsed(tc.seconds); got != tc.want {
			t.Errorf("FormatElapsed(%d) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}
