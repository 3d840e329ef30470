package types

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a leveraged position
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Action is what the decision loop wants to do this cycle
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Direction maps a trading action to a position direction.
// Hold has no direction and returns "".
func (a Action) Direction() Direction {
	switch a {
	case ActionBuy:
		return Long
	case ActionSell:
		return Short
	}
	return ""
}

// RiskLevel is the oracle's coarse risk label
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Position represents an open leveraged trade
type Position struct {
	ID         string
	Symbol     string
	Strategy   string
	Direction  Direction
	EntryPrice decimal.Decimal
	Size       decimal.Decimal // notional in quote currency
	Leverage   int
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	HighWater  decimal.Decimal // best price seen, for trailing stops
	Confidence float64
	Tags       ContextTags
	EntryTime  time.Time
}

// ContextTags bucket a trade for the performance learner
type ContextTags struct {
	Hour             int
	DayOfWeek        time.Weekday
	Session          string // asia, europe, us
	Direction        Direction
	Regime           string
	ConfidenceBucket string // low, mid, high
}

// TagPair is one (tag, value) key of the pattern table
type TagPair struct {
	Tag   string
	Value string
}

// Key renders the pair as "tag=value"
func (p TagPair) Key() string {
	return p.Tag + "=" + p.Value
}

// Pairs lists every (tag, value) pair the tags contribute.
// Empty values are skipped so partially-tagged trades still count.
func (c ContextTags) Pairs() []TagPair {
	pairs := []TagPair{
		{Tag: "hour", Value: strconv.Itoa(c.Hour)},
		{Tag: "day", Value: c.DayOfWeek.String()},
	}
	add := func(tag, value string) {
		if value != "" {
			pairs = append(pairs, TagPair{Tag: tag, Value: value})
		}
	}
	add("session", c.Session)
	add("direction", string(c.Direction))
	add("regime", c.Regime)
	add("confidence", c.ConfidenceBucket)
	return pairs
}

// TradeRecord is a closed trade. Never mutated after creation.
type TradeRecord struct {
	ID         string
	Symbol     string
	Strategy   string
	Direction  Direction
	OpenedAt   time.Time
	ClosedAt   time.Time
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Size       decimal.Decimal
	Leverage   int
	Profit     decimal.Decimal
	Confidence float64
	Reason     string // TAKE_PROFIT, STOP_LOSS, CLOSE
	Tags       ContextTags
}

// Win reports whether the trade closed with a positive profit
func (t TradeRecord) Win() bool {
	return t.Profit.IsPositive()
}

// StageResult is the structured reply of one oracle round-trip
type StageResult struct {
	Action        Action    `json:"action"`
	Confidence    float64   `json:"confidence"`
	PositionSize  float64   `json:"position_size"`
	StopLossPct   float64   `json:"stop_loss_pct"`
	TakeProfitPct float64   `json:"take_profit_pct"`
	Leverage      int       `json:"leverage"`
	Risk          RiskLevel `json:"risk"`
	Reasoning     string    `json:"reasoning"`
}

// HoldResult is the terminal, always-available decision
func HoldResult(reason string) StageResult {
	return StageResult{
		Action:     ActionHold,
		Confidence: 0,
		Leverage:   1,
		Risk:       RiskHigh,
		Reasoning:  reason,
	}
}

// DecisionSource names the pipeline rung a decision came from
type DecisionSource string

const (
	SourcePipeline      DecisionSource = "pipeline"
	SourceCache         DecisionSource = "cache"
	SourceLastKnownGood DecisionSource = "last_known_good"
	SourceOneShot       DecisionSource = "one_shot"
	SourceHold          DecisionSource = "hold"
	SourceCircuit       DecisionSource = "circuit_breaker"
)

// Decision is the final per-cycle action after sizing
type Decision struct {
	Symbol    string
	Strategy  string
	Result    StageResult
	Notional  decimal.Decimal // sized notional, zero on hold
	Source    DecisionSource
	Calls     int // oracle calls consumed this cycle
	CreatedAt time.Time
}

// IsHold reports whether the decision takes no market action
func (d Decision) IsHold() bool {
	return d.Result.Action == ActionHold || !d.Notional.IsPositive()
}

// Candle is one OHLCV bar
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// MarketSnapshot is the plain numeric market state a cycle works on
type MarketSnapshot struct {
	Symbol    string
	Price     decimal.Decimal
	Candles   []Candle
	Timestamp time.Time
}

// Closes returns close prices of the snapshot candles
func (m MarketSnapshot) Closes() []float64 {
	out := make([]float64, len(m.Candles))
	for i, c := range m.Candles {
		out[i] = c.Close
	}
	return out
}

// Highs returns high prices of the snapshot candles
func (m MarketSnapshot) Highs() []float64 {
	out := make([]float64, len(m.Candles))
	for i, c := range m.Candles {
		out[i] = c.High
	}
	return out
}

// Lows returns low prices of the snapshot candles
func (m MarketSnapshot) Lows() []float64 {
	out := make([]float64, len(m.Candles))
	for i, c := range m.Candles {
		out[i] = c.Low
	}
	return out
}

// OrderRequest is a validated order for the execution collaborator
type OrderRequest struct {
	Symbol        string
	Strategy      string
	Direction     Direction
	Notional      decimal.Decimal
	Leverage      int
	StopLossPct   float64
	TakeProfitPct float64
	Confidence    float64
	Tags          ContextTags
}

// Fill confirms an executed order
type Fill struct {
	OrderID  string
	Price    decimal.Decimal
	Notional decimal.Decimal
	Fee      decimal.Decimal
	FilledAt time.Time
}

// LossEvent is one realized loss inside the rolling window
type LossEvent struct {
	At     time.Time
	Amount decimal.Decimal // positive magnitude
}

// CircuitState is the process-wide breaker state. The engine owns exactly one
// and passes it into every breaker call.
type CircuitState struct {
	Tripped           bool
	Reason            string
	TrippedAt         time.Time
	PeakEquity        decimal.Decimal
	LastEquity        decimal.Decimal
	ConsecutiveLosses int
	DailyLoss         decimal.Decimal // realized loss since DailyResetAt
	DailyResetAt      time.Time
	RecentLosses      []LossEvent // pruned to the rolling window
}

// StrategyAllocation is the capital share of one strategy
type StrategyAllocation struct {
	StrategyID    string
	Fraction      float64
	CumulativePnL decimal.Decimal
	PeakPnL       decimal.Decimal
	Drawdown      float64 // fraction below peak, 0..1
	LastRebalance time.Time
}
