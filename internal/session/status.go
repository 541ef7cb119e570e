package session

import "math"

// Lifecycle states of one evaluation session.
type Lifecycle string

const (
	LifecycleRunning   Lifecycle = "running"
	LifecyclePaused    Lifecycle = "paused"
	LifecycleCompleted Lifecycle = "completed"
	LifecycleStopped   Lifecycle = "stopped"
	LifecycleError     Lifecycle = "error"
)

// Terminal reports whether the lifecycle is absorbing. Once a session is
// completed, stopped, or errored, no later snapshot may leave that state.
func (lc Lifecycle) Terminal() bool {
	switch lc {
	case LifecycleCompleted, LifecycleStopped, LifecycleError:
		return true
	}
	return false
}

// Numeric jitter thresholds for the poll change predicate. These absorb
// floating-point/network jitter without suppressing real changes; they are
// part of the contract, not incidental.
const (
	EquityEpsilon = 0.01
	RatioEpsilon  = 0.0001
)

// OpenPositionSummary is the coarse open-position view carried inside the
// status snapshot.
type OpenPositionSummary struct {
	Type          string  `json:"type"` // long | short
	EntryPrice    float64 `json:"entryPrice"`
	UnrealizedPnL float64 `json:"unrealizedPnL"`
}

// Status is the authoritative, coarse-grained session snapshot.
type Status struct {
	Lifecycle            Lifecycle            `json:"status"`
	ElapsedSeconds       int64                `json:"elapsedSeconds"`
	Asset                string               `json:"asset"`
	Timeframe            string               `json:"timeframe"`
	CurrentEquity        float64              `json:"currentEquity"`
	CurrentPnLPct        float64              `json:"currentPnLPct"`
	MaxDrawdownPct       float64              `json:"maxDrawdownPct"`
	TradesCount          int                  `json:"tradesCount"`
	WinRate              float64              `json:"winRate"`
	NextCandleETASeconds int                  `json:"nextCandleEtaSeconds"`
	OpenPosition         *OpenPositionSummary `json:"openPosition,omitempty"`

	// LastError carries the most recent recoverable error message, never
	// cleared by a failed refresh.
	LastError string `json:"lastError,omitempty"`
}

// StatusPatch is a partial push update. Nil fields retain the previous
// value; provided fields override it.
type StatusPatch struct {
	Lifecycle            *Lifecycle
	ElapsedSeconds       *int64
	Asset                *string
	Timeframe            *string
	CurrentEquity        *float64
	CurrentPnLPct        *float64
	MaxDrawdownPct       *float64
	TradesCount          *int
	WinRate              *float64
	NextCandleETASeconds *int
	OpenPosition         *OpenPositionSummary
	ClearOpenPosition    bool
}

// StatusProjector merges the periodically polled authoritative snapshot
// with incrementally pushed partial updates into one coherent view,
// suppressing redundant re-projections. Not safe for concurrent use.
type StatusProjector struct {
	cur     Status
	primed  bool
	version int64
}

func NewStatusProjector() *StatusProjector {
	return &StatusProjector{}
}

// ApplyPoll applies the authoritative periodic refresh. When no field
// differs meaningfully from the previous snapshot the projector performs
// no update and reports false, so essentially-identical polls trigger
// nothing downstream. A snapshot fetched before the server learned of a
// local terminal transition would resurrect the session, so polls are
// refused outright once the lifecycle is terminal.
func (p *StatusProjector) ApplyPoll(next Status) bool {
	if p.cur.Lifecycle.Terminal() {
		return false
	}
	if p.primed && !meaningfullyDiffer(p.cur, next) {
		return false
	}
	// A failed refresh never blanks the previous error until something
	// newer overwrites it; a successful poll does clear it.
	p.cur = next
	p.primed = true
	p.version++
	return true
}

// ApplyPush merges a partial payload over the current snapshot. Push events
// are infrequent and meaningful, so they always apply.
func (p *StatusProjector) ApplyPush(patch StatusPatch) {
	if patch.Lifecycle != nil {
		p.cur.Lifecycle = *patch.Lifecycle
	}
	if patch.ElapsedSeconds != nil {
		p.cur.ElapsedSeconds = *patch.ElapsedSeconds
	}
	if patch.Asset != nil {
		p.cur.Asset = *patch.Asset
	}
	if patch.Timeframe != nil {
		p.cur.Timeframe = *patch.Timeframe
	}
	if patch.CurrentEquity != nil {
		p.cur.CurrentEquity = *patch.CurrentEquity
	}
	if patch.CurrentPnLPct != nil {
		p.cur.CurrentPnLPct = *patch.CurrentPnLPct
	}
	if patch.MaxDrawdownPct != nil {
		p.cur.MaxDrawdownPct = *patch.MaxDrawdownPct
	}
	if patch.TradesCount != nil {
		p.cur.TradesCount = *patch.TradesCount
	}
	if patch.WinRate != nil {
		p.cur.WinRate = *patch.WinRate
	}
	if patch.NextCandleETASeconds != nil {
		p.cur.NextCandleETASeconds = *patch.NextCandleETASeconds
	}
	if patch.OpenPosition != nil {
		pos := *patch.OpenPosition
		p.cur.OpenPosition = &pos
	} else if patch.ClearOpenPosition {
		p.cur.OpenPosition = nil
	}
	p.primed = true
	p.version++
}

// SetLifecycle transitions the lifecycle immediately.
func (p *StatusProjector) SetLifecycle(lc Lifecycle) {
	if p.cur.Lifecycle == lc {
		return
	}
	p.cur.Lifecycle = lc
	p.primed = true
	p.version++
}

// SetError records a recoverable error message without touching the rest
// of the snapshot.
func (p *StatusProjector) SetError(msg string) {
	p.cur.LastError = msg
	p.version++
}

// SetSessionError applies a session-reported error event: terminal or
// near-terminal, message displayed verbatim.
func (p *StatusProjector) SetSessionError(msg string) {
	p.cur.Lifecycle = LifecycleError
	p.cur.LastError = msg
	p.primed = true
	p.version++
}

// Snapshot returns the current merged status.
func (p *StatusProjector) Snapshot() Status {
	out := p.cur
	if p.cur.OpenPosition != nil {
		pos := *p.cur.OpenPosition
		out.OpenPosition = &pos
	}
	return out
}

// Version increments whenever an update actually applied; suppressed polls
// leave it unchanged.
func (p *StatusProjector) Version() int64 {
	return p.version
}

// meaningfullyDiffer is the change predicate between two poll snapshots.
func meaningfullyDiffer(a, b Status) bool {
	if a.Lifecycle != b.Lifecycle {
		return true
	}
	if a.ElapsedSeconds != b.ElapsedSeconds {
		return true
	}
	if math.Abs(a.CurrentEquity-b.CurrentEquity) > EquityEpsilon {
		return true
	}
	if math.Abs(a.CurrentPnLPct-b.CurrentPnLPct) > RatioEpsilon {
		return true
	}
	if a.TradesCount != b.TradesCount {
		return true
	}
	if math.Abs(a.WinRate-b.WinRate) > RatioEpsilon {
		return true
	}
	if a.NextCandleETASeconds != b.NextCandleETASeconds {
		return true
	}
	if a.Asset != b.Asset {
		return true
	}
	return openPositionsDiffer(a.OpenPosition, b.OpenPosition)
}

func openPositionsDiffer(a, b *OpenPositionSummary) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	if a == nil {
		return false
	}
	if a.Type != b.Type {
		return true
	}
	if math.Abs(a.EntryPrice-b.EntryPrice) > EquityEpsilon {
		return true
	}
	return math.Abs(a.UnrealizedPnL-b.UnrealizedPnL) > EquityEpsilon
}
