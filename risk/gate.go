package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER GATE - Last validation before the executor
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pipeline decides → Sizer sizes → Gate validates → Executor executes
//
// The gate turns a sized decision into an OrderRequest or rejects it.
// Capital limits, leverage bounds, per-symbol limits and cooldowns live here.
//
// ═══════════════════════════════════════════════════════════════════════════════

// GateConfig holds the order limits
type GateConfig struct {
	MaxPositionPct        float64 // max notional of one position, fraction of balance
	MaxTotalExposure      float64 // max notional across open positions, fraction of balance
	MaxPositions          int
	MaxPositionsPerSymbol int
	MaxLeverage           int
	MinNotional           decimal.Decimal
	MinRiskReward         float64 // take-profit % / stop-loss %
	Cooldown              time.Duration
}

// DefaultGateConfig returns conservative defaults
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxPositionPct:        0.5,
		MaxTotalExposure:      1.0,
		MaxPositions:          3,
		MaxPositionsPerSymbol: 1,
		MaxLeverage:           10,
		MinNotional:           decimal.NewFromInt(1),
		MinRiskReward:         1.0,
		Cooldown:              30 * time.Second,
	}
}

// Approval is the gate's answer for one decision
type Approval struct {
	Approved     bool
	Order        types.OrderRequest
	RejectionMsg string
	RiskScore    float64 // 0-100, higher = more risky
}

// Gate is the centralized order approval system
type Gate struct {
	mu  sync.RWMutex
	cfg GateConfig

	lastExit map[string]time.Time
}

// NewGate creates the order gate
func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		cfg:      cfg,
		lastExit: make(map[string]time.Time),
	}

	log.Info().
		Str("max_position", fmt.Sprintf("%.0f%%", cfg.MaxPositionPct*100)).
		Str("max_exposure", fmt.Sprintf("%.0f%%", cfg.MaxTotalExposure*100)).
		Int("max_positions", cfg.MaxPositions).
		Int("max_leverage", cfg.MaxLeverage).
		Dur("cooldown", cfg.Cooldown).
		Msg("🛡️ Order gate initialized")

	return g
}

// Config returns the order limits
func (g *Gate) Config() GateConfig {
	return g.cfg
}

// CanEnter validates a sized decision against the open book
func (g *Gate) CanEnter(dec types.Decision, tags types.ContextTags, balance decimal.Decimal, open []types.Position, now time.Time) Approval {
	g.mu.RLock()
	defer g.mu.RUnlock()

	reject := func(msg string) Approval {
		log.Debug().
			Str("symbol", dec.Symbol).
			Str("reason", msg).
			Msg("🚫 Order rejected")
		return Approval{RejectionMsg: msg}
	}

	// ══════════════════════════════════════════════════════════════════════════
	// HARD BLOCKS
	// ══════════════════════════════════════════════════════════════════════════

	dir := dec.Result.Action.Direction()
	if dir == "" {
		return reject("hold decision")
	}
	if !balance.IsPositive() {
		return reject("no balance")
	}
	if dec.Result.Leverage < 1 || dec.Result.Leverage > g.cfg.MaxLeverage {
		return reject(fmt.Sprintf("leverage %d outside [1,%d]", dec.Result.Leverage, g.cfg.MaxLeverage))
	}
	if dec.Result.StopLossPct <= 0 || dec.Result.TakeProfitPct <= 0 {
		return reject("missing stop-loss or take-profit")
	}
	if rr := dec.Result.TakeProfitPct / dec.Result.StopLossPct; rr < g.cfg.MinRiskReward {
		return reject(fmt.Sprintf("risk/reward %.2f below %.2f", rr, g.cfg.MinRiskReward))
	}
	if g.cfg.MaxPositions > 0 && len(open) >= g.cfg.MaxPositions {
		return reject("max positions reached")
	}

	perSymbol := 0
	exposure := decimal.Zero
	for _, p := range open {
		exposure = exposure.Add(p.Size)
		if p.Symbol == dec.Symbol {
			perSymbol++
		}
	}
	if perSymbol >= g.cfg.MaxPositionsPerSymbol {
		return reject("already have position on this symbol")
	}

	if last, ok := g.lastExit[dec.Symbol]; ok && now.Sub(last) < g.cfg.Cooldown {
		remaining := g.cfg.Cooldown - now.Sub(last)
		return reject(fmt.Sprintf("cooldown active (%.0fs remaining)", remaining.Seconds()))
	}

	// ══════════════════════════════════════════════════════════════════════════
	// SIZE ADJUSTMENTS
	// ══════════════════════════════════════════════════════════════════════════

	notional := dec.Notional

	maxPosition := balance.Mul(decimal.NewFromFloat(g.cfg.MaxPositionPct))
	if notional.GreaterThan(maxPosition) {
		log.Debug().
			Str("symbol", dec.Symbol).
			Str("original", notional.StringFixed(2)).
			Str("adjusted", maxPosition.StringFixed(2)).
			Msg("📉 Size reduced to max position limit")
		notional = maxPosition
	}

	room := balance.Mul(decimal.NewFromFloat(g.cfg.MaxTotalExposure)).Sub(exposure)
	if notional.GreaterThan(room) {
		notional = room
	}

	if notional.LessThan(g.cfg.MinNotional) {
		return reject("notional too small after adjustments")
	}

	order := types.OrderRequest{
		Symbol:        dec.Symbol,
		Strategy:      dec.Strategy,
		Direction:     dir,
		Notional:      notional,
		Leverage:      dec.Result.Leverage,
		StopLossPct:   dec.Result.StopLossPct,
		TakeProfitPct: dec.Result.TakeProfitPct,
		Confidence:    dec.Result.Confidence,
		Tags:          tags,
	}
	score := g.riskScore(order, dec.Result.Risk, len(open))

	log.Info().
		Str("symbol", order.Symbol).
		Str("direction", string(order.Direction)).
		Str("notional", order.Notional.StringFixed(2)).
		Int("leverage", order.Leverage).
		Float64("risk_score", score).
		Msg("✅ Order approved by gate")

	return Approval{Approved: true, Order: order, RiskScore: score}
}

// riskScore returns a 0-100 score for reporting
func (g *Gate) riskScore(order types.OrderRequest, level types.RiskLevel, open int) float64 {
	score := float64(order.Leverage-1) * 5
	score += float64(open) * 10

	switch level {
	case types.RiskMedium:
		score += 15
	case types.RiskHigh:
		score += 30
	}

	score += order.StopLossPct * 2

	return clamp(score, 0, 100)
}

// RecordExit starts the per-symbol cooldown
func (g *Gate) RecordExit(symbol string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastExit[symbol] = at
}
