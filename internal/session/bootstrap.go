package session

import (
	"sync"
	"time"
)

// Phase is the connectivity/bootstrap state of the session view.
type Phase string

const (
	PhaseConnecting   Phase = "connecting"   // initial connect, loading view shown
	PhaseReady        Phase = "ready"        // transport up and first data received
	PhaseReconnecting Phase = "reconnecting" // transport dropped after Ready was reached
	PhaseStopped      Phase = "stopped"      // terminal, absorbing
	PhaseCompleted    Phase = "completed"    // terminal, absorbing
)

// DefaultBootstrapTimeout bounds how long the loading view may block on a
// slow or partial feed before the interface is shown anyway.
const DefaultBootstrapTimeout = 10 * time.Second

// Connectivity is the derived, read-only connectivity projection.
type Connectivity struct {
	Phase              Phase  `json:"phase"`
	TransportConnected bool   `json:"transportConnected"`
	HasReceivedData    bool   `json:"hasReceivedInitialData"`
	ForcedReady        bool   `json:"forcedReady,omitempty"`
	LastError          string `json:"lastError,omitempty"`
}

// BootstrapTracker decides when the UI may leave the loading/reconnecting
// state: Ready requires both transport-connected and first-data-received.
// Either alone shows an empty chart or a dead "connected" shell. A timeout
// timer runs whenever the tracker is not Ready and force-transitions to
// Ready when it fires. Terminal phases absorb all further transitions.
type BootstrapTracker struct {
	mu      sync.Mutex
	timeout time.Duration

	phase              Phase
	transportConnected bool
	hasData            bool
	forced             bool
	lastError          string

	timer    *time.Timer
	timeoutC chan struct{}
}

func NewBootstrapTracker(timeout time.Duration) *BootstrapTracker {
	if timeout <= 0 {
		timeout = DefaultBootstrapTimeout
	}
	return &BootstrapTracker{
		timeout:  timeout,
		phase:    PhaseConnecting,
		timeoutC: make(chan struct{}, 1),
	}
}

// Start arms the timeout timer. Call once when the session view mounts.
func (t *BootstrapTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armLocked()
}

// ObserveTransport records a transport connectivity change.
func (t *BootstrapTracker) ObserveTransport(connected bool, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminalLocked() {
		return
	}
	t.transportConnected = connected
	if errMsg != "" {
		t.lastError = errMsg
	}
	if connected {
		t.lastError = ""
	}
	t.evaluateLocked()
}

// ObserveData records that the candle series holds at least one entry.
func (t *BootstrapTracker) ObserveData() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminalLocked() || t.hasData {
		return
	}
	t.hasData = true
	t.evaluateLocked()
}

// Terminal moves the tracker to an absorbing phase and cancels the timer.
func (t *BootstrapTracker) Terminal(phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminalLocked() {
		return
	}
	t.phase = phase
	t.stopTimerLocked()
}

// Cancel stops the timeout timer, for teardown.
func (t *BootstrapTracker) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
}

// TimeoutC signals when the timeout fired and forced the tracker Ready,
// so the owner can log and count it.
func (t *BootstrapTracker) TimeoutC() <-chan struct{} {
	return t.timeoutC
}

// State returns the current connectivity projection.
func (t *BootstrapTracker) State() Connectivity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Connectivity{
		Phase:              t.phase,
		TransportConnected: t.transportConnected,
		HasReceivedData:    t.hasData,
		ForcedReady:        t.forced,
		LastError:          t.lastError,
	}
}

func (t *BootstrapTracker) terminalLocked() bool {
	return t.phase == PhaseStopped || t.phase == PhaseCompleted
}

func (t *BootstrapTracker) evaluateLocked() {
	if t.transportConnected && t.hasData {
		t.phase = PhaseReady
		t.stopTimerLocked()
		return
	}
	if t.phase == PhaseReady && !t.transportConnected {
		// Reconnecting is messaged differently from the initial connect.
		// Leaving Ready restarts the timeout window.
		t.phase = PhaseReconnecting
		t.armLocked()
	}
}

func (t *BootstrapTracker) onTimeout() {
	t.mu.Lock()
	if t.terminalLocked() || t.phase == PhaseReady {
		t.mu.Unlock()
		return
	}
	// Degrade gracefully to showing the interface rather than blocking
	// indefinitely.
	t.phase = PhaseReady
	t.forced = true
	t.mu.Unlock()

	select {
	case t.timeoutC <- struct{}{}:
	default:
	}
}

func (t *BootstrapTracker) armLocked() {
	if t.timer == nil {
		t.timer = time.AfterFunc(t.timeout, t.onTimeout)
		return
	}
	t.timer.Reset(t.timeout)
}

func (t *BootstrapTracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
