package session

import (
	"fmt"
	"time"
)

// Thought is one entry in the reasoning log, keyed by the decision's
// candle number.
type Thought struct {
	ID           string    `json:"id"` // "thought-<candleNumber>"
	Timestamp    time.Time `json:"timestamp"`
	CandleNumber int       `json:"candleNumber"`
	Kind         string    `json:"kind"` // decision | execution
	Content      string    `json:"content"`
	Action       string    `json:"action,omitempty"`
}

// ThoughtLog is a capped, de-duplicated, most-recent-first log of model
// decisions. Redelivery of the same candle number is a no-op, which makes
// reconnect/backfill replays harmless. Not safe for concurrent use.
type ThoughtLog struct {
	max      int
	thoughts []Thought
	seen     map[int]bool
}

func NewThoughtLog(max int) *ThoughtLog {
	if max <= 0 {
		max = 50
	}
	return &ThoughtLog{max: max, seen: map[int]bool{}}
}

// OnDecision records one decision. Returns false when the candle number was
// already logged. The seen set is kept past eviction so a backfilled old
// decision cannot reappear at the top of the log.
func (tl *ThoughtLog) OnDecision(t Thought) bool {
	if tl.seen[t.CandleNumber] {
		return false
	}
	tl.seen[t.CandleNumber] = true

	if t.ID == "" {
		t.ID = fmt.Sprintf("thought-%d", t.CandleNumber)
	}
	tl.thoughts = append([]Thought{t}, tl.thoughts...)
	if len(tl.thoughts) > tl.max {
		tl.thoughts = tl.thoughts[:tl.max]
	}
	return true
}

// Len returns the number of retained thoughts.
func (tl *ThoughtLog) Len() int {
	return len(tl.thoughts)
}

// Thoughts returns a copy of the log, most recent first.
func (tl *ThoughtLog) Thoughts() []Thought {
	out := make([]Thought, len(tl.thoughts))
	copy(out, tl.thoughts)
	return out
}
