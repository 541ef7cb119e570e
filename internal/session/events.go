package session

// Event tags form a closed set; the dispatcher switches over all of them.
const (
	EventCandle             = "candle"
	EventPriceUpdate        = "price_update"
	EventAIThinking         = "ai_thinking"
	EventAIDecision         = "ai_decision"
	EventPositionOpened     = "position_opened"
	EventPositionClosed     = "position_closed"
	EventCountdownUpdate    = "countdown_update"
	EventStatsUpdate        = "stats_update"
	EventSessionInitialized = "session_initialized"
	EventSessionPaused      = "session_paused"
	EventSessionResumed     = "session_resumed"
	EventSessionCompleted   = "session_completed"
	EventError              = "error"
)

// Wire payloads use pointer fields where the feed contract marks a field
// required: a nil pointer after decode means the payload is malformed (for
// required fields) or simply absent (for optional ones, treated as "no
// change"). Times are unix seconds.

type candlePayload struct {
	Time   *int64   `json:"time"`
	Open   *float64 `json:"open"`
	High   *float64 `json:"high"`
	Low    *float64 `json:"low"`
	Close  *float64 `json:"close"`
	Volume *float64 `json:"volume"`
}

func (p candlePayload) valid() bool {
	return p.Time != nil && p.Open != nil && p.High != nil && p.Low != nil && p.Close != nil
}

func (p candlePayload) candle() Candle {
	c := Candle{
		Time:  *p.Time,
		Open:  *p.Open,
		High:  *p.High,
		Low:   *p.Low,
		Close: *p.Close,
	}
	if p.Volume != nil {
		c.Volume = *p.Volume
	}
	return c
}

type tickPayload struct {
	Time  *int64   `json:"time"`
	Price *float64 `json:"price"`
}

func (p tickPayload) valid() bool {
	return p.Time != nil && p.Price != nil
}

type thinkingPayload struct {
	Message string `json:"message"`
}

type decisionPayload struct {
	CandleNumber *int   `json:"candleNumber"`
	Timestamp    int64  `json:"timestamp"`
	Kind         string `json:"kind"` // decision | execution
	Content      string `json:"content"`
	Action       string `json:"action,omitempty"`
}

type positionOpenedPayload struct {
	Direction     string   `json:"direction"` // long | short
	EntryPrice    *float64 `json:"entryPrice"`
	Size          *float64 `json:"size"`
	Leverage      float64  `json:"leverage"`
	StopLoss      float64  `json:"stopLoss"`
	TakeProfit    float64  `json:"takeProfit"`
	UnrealizedPnL float64  `json:"unrealizedPnL"`
	OpenedAt      int64    `json:"openedAt"`
}

type positionClosedPayload struct {
	TradeNumber int      `json:"tradeNumber"`
	Direction   string   `json:"direction"`
	EntryPrice  *float64 `json:"entryPrice"`
	ExitPrice   *float64 `json:"exitPrice"`
	Size        float64  `json:"size"`
	PnL         float64  `json:"pnl"`
	PnLPercent  float64  `json:"pnlPercent"`
	EntryTime   int64    `json:"entryTime"`
	ExitTime    int64    `json:"exitTime"`
	Reasoning   string   `json:"reasoning"`
	StopLoss    float64  `json:"stopLoss"`
	TakeProfit  float64  `json:"takeProfit"`
}

type statsPayload struct {
	Status               *string              `json:"status"`
	ElapsedSeconds       *int64               `json:"elapsedSeconds"`
	Asset                *string              `json:"asset"`
	Timeframe            *string              `json:"timeframe"`
	CurrentEquity        *float64             `json:"currentEquity"`
	CurrentPnLPct        *float64             `json:"currentPnLPct"`
	MaxDrawdownPct       *float64             `json:"maxDrawdownPct"`
	TradesCount          *int                 `json:"tradesCount"`
	WinRate              *float64             `json:"winRate"`
	NextCandleEtaSeconds *int                 `json:"nextCandleEtaSeconds"`
	OpenPosition         *OpenPositionSummary `json:"openPosition"`
}

// patch maps the wire partial onto a status patch; absent fields stay nil
// and therefore keep their previous values.
func (p statsPayload) patch() StatusPatch {
	out := StatusPatch{
		ElapsedSeconds:       p.ElapsedSeconds,
		Asset:                p.Asset,
		Timeframe:            p.Timeframe,
		CurrentEquity:        p.CurrentEquity,
		CurrentPnLPct:        p.CurrentPnLPct,
		MaxDrawdownPct:       p.MaxDrawdownPct,
		TradesCount:          p.TradesCount,
		WinRate:              p.WinRate,
		NextCandleETASeconds: p.NextCandleEtaSeconds,
		OpenPosition:         p.OpenPosition,
	}
	if p.Status != nil {
		lc := Lifecycle(*p.Status)
		out.Lifecycle = &lc
	}
	return out
}

type countdownPayload struct {
	SecondsRemaining *int `json:"secondsRemaining"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type initializedPayload struct {
	Asset     string `json:"asset,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
}
