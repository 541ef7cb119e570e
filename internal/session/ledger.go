package session

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Position is a currently open position.
type Position struct {
	Direction     string  `json:"direction"` // long | short
	EntryPrice    float64 `json:"entryPrice"`
	Size          float64 `json:"size"`
	Leverage      float64 `json:"leverage"`
	StopLoss      float64 `json:"stopLoss"`
	TakeProfit    float64 `json:"takeProfit"`
	UnrealizedPnL float64 `json:"unrealizedPnL"`
	OpenedAt      time.Time
}

// Trade is one closed round trip, append-only.
type Trade struct {
	ID          string  `json:"id"`
	TradeNumber int     `json:"tradeNumber"`
	Direction   string  `json:"direction"`
	EntryPrice  float64 `json:"entryPrice"`
	ExitPrice   float64 `json:"exitPrice"`
	Size        float64 `json:"size"`
	PnL         float64 `json:"pnl"`
	PnLPercent  float64 `json:"pnlPercent"`
	EntryTime   time.Time
	ExitTime    time.Time
	Reasoning   string  `json:"reasoning"`
	StopLoss    float64 `json:"stopLoss"`
	TakeProfit  float64 `json:"takeProfit"`
}

// Ledger derives the open-position set and the closed-trade history from
// open/close events. Not safe for concurrent use; the engine serializes
// access.
type Ledger struct {
	maxTrades int
	open      []Position
	trades    []Trade
	tradeSeq  int
}

func NewLedger(maxTrades int) *Ledger {
	if maxTrades <= 0 {
		maxTrades = 100
	}
	return &Ledger{maxTrades: maxTrades}
}

// OnPositionOpened prepends a new open position. No limit is enforced here;
// upstream business logic keeps the set to one position per asset.
func (l *Ledger) OnPositionOpened(p Position) {
	l.open = append([]Position{p}, l.open...)
}

// OnPositionClosed records the trade and removes the matching open position.
// Matching is by entry price equality; there is no stable position id on the
// wire. A close with no matching open still records the trade and reports
// matched=false.
func (l *Ledger) OnPositionClosed(t Trade) (matched bool) {
	l.tradeSeq++
	if t.TradeNumber == 0 {
		t.TradeNumber = l.tradeSeq
	}
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}

	l.trades = append([]Trade{t}, l.trades...)
	if len(l.trades) > l.maxTrades {
		l.trades = l.trades[:l.maxTrades]
	}

	// The set is most-recent-first; equal-entry collisions resolve to the
	// oldest open, so the scan runs from the tail.
	for i := len(l.open) - 1; i >= 0; i-- {
		if l.open[i].EntryPrice == t.EntryPrice {
			l.open = append(l.open[:i], l.open[i+1:]...)
			return true
		}
	}
	return false
}

// ClearOpen drops every open position, used on session end.
func (l *Ledger) ClearOpen() {
	l.open = nil
}

// OpenPositions returns a copy of the open set, most recent first.
func (l *Ledger) OpenPositions() []Position {
	out := make([]Position, len(l.open))
	copy(out, l.open)
	return out
}

// ClosedTrades returns a copy of the closed-trade history, most recent first.
func (l *Ledger) ClosedTrades() []Trade {
	out := make([]Trade, len(l.trades))
	copy(out, l.trades)
	return out
}
