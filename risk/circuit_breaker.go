package risk

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Hard halt on loss conditions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Trips on any of:
//   - N consecutive losing trades
//   - realized loss over the rolling window >= fixed dollar limit
//   - drawdown from the running equity peak >= fixed percentage
//
// A tripped breaker stays tripped until an operator clears it.
// The breaker holds policy only; state lives in *types.CircuitState.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Trip conditions
const (
	TripConsecutiveLosses = "consecutive_losses"
	TripRollingLoss       = "rolling_loss"
	TripDrawdown          = "drawdown"
)

// BreakerConfig holds the trip thresholds
type BreakerConfig struct {
	MaxConsecutiveLosses int
	MaxRollingLoss       decimal.Decimal // dollars
	MaxDrawdownPct       float64         // 0.15 = 15%
	LossWindow           time.Duration
}

// DefaultBreakerConfig returns the documented defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxConsecutiveLosses: 5,
		MaxRollingLoss:       decimal.NewFromInt(500),
		MaxDrawdownPct:       0.15,
		LossWindow:           24 * time.Hour,
	}
}

type CircuitBreaker struct {
	cfg    BreakerConfig
	onTrip func(reason string, value float64)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.LossWindow <= 0 {
		cfg.LossWindow = 24 * time.Hour
	}
	return &CircuitBreaker{cfg: cfg}
}

// OnTrip registers a hook fired once per trip
func (cb *CircuitBreaker) OnTrip(fn func(reason string, value float64)) {
	cb.onTrip = fn
}

// Config returns the thresholds
func (cb *CircuitBreaker) Config() BreakerConfig {
	return cb.cfg
}

// Check runs at the top of every cycle. It updates the running peak, rolls the
// daily accumulator and evaluates drawdown. Returns true if trading is halted.
func (cb *CircuitBreaker) Check(state *types.CircuitState, equity decimal.Decimal, now time.Time) bool {
	cb.rollDay(state, now)
	cb.pruneLosses(state, now)

	state.LastEquity = equity
	if equity.GreaterThan(state.PeakEquity) {
		state.PeakEquity = equity
	}

	if state.Tripped {
		return true
	}

	if dd := Drawdown(state.PeakEquity, equity); dd >= cb.cfg.MaxDrawdownPct {
		cb.trip(state, TripDrawdown, dd, now)
		return true
	}

	if loss := rollingLoss(state); cb.cfg.MaxRollingLoss.IsPositive() && loss.GreaterThanOrEqual(cb.cfg.MaxRollingLoss) {
		cb.trip(state, TripRollingLoss, loss.InexactFloat64(), now)
		return true
	}

	return false
}

// RecordTrade folds a closed trade's realized PnL into the state.
// Returns true if the breaker is tripped afterwards.
func (cb *CircuitBreaker) RecordTrade(state *types.CircuitState, pnl decimal.Decimal, now time.Time) bool {
	cb.rollDay(state, now)
	cb.pruneLosses(state, now)

	if pnl.IsNegative() {
		state.ConsecutiveLosses++
		state.DailyLoss = state.DailyLoss.Add(pnl.Abs())
		state.RecentLosses = append(state.RecentLosses, types.LossEvent{At: now, Amount: pnl.Abs()})
	} else {
		state.ConsecutiveLosses = 0
	}

	if state.Tripped {
		return true
	}

	if cb.cfg.MaxConsecutiveLosses > 0 && state.ConsecutiveLosses >= cb.cfg.MaxConsecutiveLosses {
		cb.trip(state, TripConsecutiveLosses, float64(state.ConsecutiveLosses), now)
		return true
	}

	if loss := rollingLoss(state); cb.cfg.MaxRollingLoss.IsPositive() && loss.GreaterThanOrEqual(cb.cfg.MaxRollingLoss) {
		cb.trip(state, TripRollingLoss, loss.InexactFloat64(), now)
		return true
	}

	return false
}

// Clear is the operator action that re-arms trading. Counters restart and the
// equity peak is re-based on the last observed equity.
func (cb *CircuitBreaker) Clear(state *types.CircuitState, operator string) {
	prev := state.Reason
	state.Tripped = false
	state.Reason = ""
	state.TrippedAt = time.Time{}
	state.ConsecutiveLosses = 0
	state.RecentLosses = nil
	if state.LastEquity.IsPositive() {
		state.PeakEquity = state.LastEquity
	}

	log.Info().
		Str("operator", operator).
		Str("previous_reason", prev).
		Msg("✅ Circuit breaker cleared")
}

// trip activates the circuit breaker
func (cb *CircuitBreaker) trip(state *types.CircuitState, reason string, value float64, now time.Time) {
	state.Tripped = true
	state.Reason = reason
	state.TrippedAt = now

	log.Warn().
		Str("reason", reason).
		Float64("value", value).
		Int("consecutive_losses", state.ConsecutiveLosses).
		Str("rolling_loss", rollingLoss(state).StringFixed(2)).
		Str("peak_equity", state.PeakEquity.StringFixed(2)).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")

	if cb.onTrip != nil {
		cb.onTrip(reason, value)
	}
}

// rollDay resets the daily accumulator at the UTC day boundary
func (cb *CircuitBreaker) rollDay(state *types.CircuitState, now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if state.DailyResetAt.IsZero() || day.After(state.DailyResetAt) {
		if !state.DailyResetAt.IsZero() {
			log.Info().Str("daily_loss", state.DailyLoss.StringFixed(2)).Msg("📅 Daily loss reset")
		}
		state.DailyLoss = decimal.Zero
		state.DailyResetAt = day
	}
}

// pruneLosses drops loss events older than the rolling window
func (cb *CircuitBreaker) pruneLosses(state *types.CircuitState, now time.Time) {
	cutoff := now.Add(-cb.cfg.LossWindow)
	i := 0
	for i < len(state.RecentLosses) && !state.RecentLosses[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		state.RecentLosses = append(state.RecentLosses[:0], state.RecentLosses[i:]...)
	}
}

func rollingLoss(state *types.CircuitState) decimal.Decimal {
	total := decimal.Zero
	for _, l := range state.RecentLosses {
		total = total.Add(l.Amount)
	}
	return total
}

// RollingLoss returns realized losses inside the window
func RollingLoss(state *types.CircuitState) decimal.Decimal {
	return rollingLoss(state)
}

// Drawdown is the fractional decline of equity below peak
func Drawdown(peak, equity decimal.Decimal) float64 {
	if !peak.IsPositive() || equity.GreaterThanOrEqual(peak) {
		return 0
	}
	return peak.Sub(equity).Div(peak).InexactFloat64()
}
