package session

import "sort"

// Candle is one OHLCV bar. Time is unix seconds and is the dedup key
// within a series.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// CandleSeries maintains an ordered, de-duplicated OHLCV series from
// discrete candle events and continuous price ticks. Not safe for
// concurrent use; the engine serializes access.
type CandleSeries struct {
	max     int
	candles []Candle
}

func NewCandleSeries(max int) *CandleSeries {
	if max <= 0 {
		max = 500
	}
	return &CandleSeries{max: max}
}

// ApplyCandle merges one completed bar into the series. A candle with the
// same time replaces the existing entry in place, which makes duplicate
// delivery and late finalization of a streamed bar idempotent. New entries
// are inserted in time order regardless of arrival order, and the series
// is truncated to the most recent max entries.
func (s *CandleSeries) ApplyCandle(c Candle) {
	for i := range s.candles {
		if s.candles[i].Time == c.Time {
			s.candles[i] = c
			return
		}
	}

	s.candles = append(s.candles, c)
	sort.SliceStable(s.candles, func(i, j int) bool {
		return s.candles[i].Time < s.candles[j].Time
	})
	if len(s.candles) > s.max {
		s.candles = s.candles[len(s.candles)-s.max:]
	}
}

// ApplyTick refines the in-progress bar with a sub-bar price. On an empty
// series it synthesizes a single candle so the chart has data before the
// first full bar arrives. Returns false when the tick changes nothing, so
// callers can skip notifying subscribers on no-op duplicate ticks.
func (s *CandleSeries) ApplyTick(tickTime int64, price float64) bool {
	if len(s.candles) == 0 {
		s.candles = append(s.candles, Candle{
			Time:  tickTime,
			Open:  price,
			High:  price,
			Low:   price,
			Close: price,
		})
		return true
	}

	last := &s.candles[len(s.candles)-1]
	changed := false
	if price > last.High {
		last.High = price
		changed = true
	}
	if price < last.Low {
		last.Low = price
		changed = true
	}
	if price != last.Close {
		last.Close = price
		changed = true
	}
	return changed
}

// Len returns the number of candles held.
func (s *CandleSeries) Len() int {
	return len(s.candles)
}

// Candles returns a copy of the series, oldest first.
func (s *CandleSeries) Candles() []Candle {
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Last returns the most recent candle, if any.
func (s *CandleSeries) Last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}
