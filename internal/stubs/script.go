package stubs

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/evalops/sessiondeck/internal/transport"
)

// ScriptedSession builds a deterministic stream of session events: an init
// marker, candles with intra-bar ticks, periodic decisions, a handful of
// position round trips, countdowns and stats, then completion. Used by the
// stub server and by transport/engine tests.
func ScriptedSession(numCandles int) []transport.EventEnvelope {
	if numCandles <= 0 {
		numCandles = 20
	}

	var events []transport.EventEnvelope
	seq := 0
	start := time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)

	add := func(eventType string, payload any) {
		seq++
		raw, _ := json.Marshal(payload)
		events = append(events, transport.EventEnvelope{
			V:       1,
			Type:    eventType,
			ID:      strconv.Itoa(seq),
			TS:      start.Add(time.Duration(seq) * time.Second),
			Payload: raw,
		})
	}

	add("session_initialized", map[string]any{"asset": "BTC-USD", "timeframe": "1m"})

	equity := 10000.0
	trades := 0
	wins := 0
	var openEntry float64
	hasOpen := false

	for i := 0; i < numCandles; i++ {
		barTime := start.Add(time.Duration(i) * time.Minute).Unix()
		base := 50000.0 + 120.0*math.Sin(float64(i)/3.0)

		add("candle", map[string]any{
			"time":   barTime,
			"open":   base,
			"high":   base + 35.0,
			"low":    base - 40.0,
			"close":  base + 10.0,
			"volume": 12.5 + float64(i%7),
		})

		for k := 1; k <= 2; k++ {
			add("price_update", map[string]any{
				"time":  barTime + int64(10*k),
				"price": base + 10.0 + float64(k)*3.0,
			})
		}

		add("countdown_update", map[string]any{"secondsRemaining": 60 - 20*(i%3)})

		if i%4 == 1 {
			add("ai_thinking", map[string]any{
				"message": fmt.Sprintf("analyzing momentum on bar %d", i),
			})
			action := "hold"
			if !hasOpen {
				action = "open_long"
			}
			add("ai_decision", map[string]any{
				"candleNumber": i,
				"timestamp":    barTime,
				"kind":         "decision",
				"content":      fmt.Sprintf("bar %d: trend reading %.2f, action %s", i, math.Sin(float64(i)/3.0), action),
				"action":       action,
			})
		}

		if i%6 == 2 && !hasOpen {
			openEntry = base + 10.0
			hasOpen = true
			add("position_opened", map[string]any{
				"direction":  "long",
				"entryPrice": openEntry,
				"size":       0.25,
				"leverage":   3.0,
				"stopLoss":   openEntry - 300.0,
				"takeProfit": openEntry + 600.0,
				"openedAt":   barTime,
			})
		} else if i%6 == 5 && hasOpen {
			exit := base + 10.0
			pnl := (exit - openEntry) * 0.25
			trades++
			if pnl > 0 {
				wins++
			}
			equity += pnl
			hasOpen = false
			add("position_closed", map[string]any{
				"tradeNumber": trades,
				"direction":   "long",
				"entryPrice":  openEntry,
				"exitPrice":   exit,
				"size":        0.25,
				"pnl":         pnl,
				"pnlPercent":  pnl / equity * 100.0,
				"entryTime":   barTime - 180,
				"exitTime":    barTime,
				"reasoning":   "take profit on momentum fade",
			})
		}

		if i%5 == 4 {
			winRate := 0.0
			if trades > 0 {
				winRate = float64(wins) / float64(trades)
			}
			add("stats_update", map[string]any{
				"currentEquity": equity,
				"currentPnLPct": (equity - 10000.0) / 10000.0 * 100.0,
				"tradesCount":   trades,
				"winRate":       winRate,
			})
		}
	}

	add("session_completed", map[string]any{})
	return events
}
