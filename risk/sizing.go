package risk

import (
	"math"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Risk-of-ruin aware Kelly sizing
// ═══════════════════════════════════════════════════════════════════════════════
//
// Kelly % = W - (1-W)/R      W = win rate, R = avg win / |avg loss|
//
// Statistical edge cases degrade to documented values, never errors:
//   1. no edge / degenerate averages   -> 0 (caller may use capped oracle size)
//   2. wins only                       -> one synthetic loss at 10% of avg win
//   3. losses only                     -> VETO (do not trade)
//   4. too few samples                 -> 30% kelly / 70% default fraction
//
// Post-processing is multiplicative, each step on the already-adjusted value:
//   clamp -> safety multiplier -> confidence -> volatility -> 1/sqrt(open+1) -> cap
//
// ═══════════════════════════════════════════════════════════════════════════════

// SizerConfig is the sizing policy. Every constant is tunable.
type SizerConfig struct {
	KellyCap           float64 // clamp of the raw fraction (0.95)
	KellyMultiplier    float64 // half-Kelly by default (0.5)
	ConfidenceMin      float64 // factor at the lowest confidence (0.7)
	ConfidenceMax      float64 // factor at the highest confidence (1.2)
	ConfidenceFloor    float64 // confidence mapped to ConfidenceMin (0.4)
	ConfidenceCeil     float64 // confidence mapped to ConfidenceMax (0.95)
	VolatilityPenalty  float64 // size *= 1/(1+k*vol)
	MaxFraction        float64 // hard ceiling as fraction of balance (0.5)
	MinSamples         int     // below this the estimate is blended
	BlendWeight        float64 // weight of the computed fraction when blending (0.3)
	DefaultFraction    float64 // conservative default when blending
	SyntheticLossRatio float64 // synthetic loss size relative to avg win (0.1)
	Epsilon            float64 // |avg loss| below this is treated as zero
}

// DefaultSizerConfig returns the documented defaults
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		KellyCap:           0.95,
		KellyMultiplier:    0.5,
		ConfidenceMin:      0.7,
		ConfidenceMax:      1.2,
		ConfidenceFloor:    0.4,
		ConfidenceCeil:     0.95,
		VolatilityPenalty:  10,
		MaxFraction:        0.5,
		MinSamples:         20,
		BlendWeight:        0.3,
		DefaultFraction:    0.02,
		SyntheticLossRatio: 0.1,
		Epsilon:            1e-9,
	}
}

// SizingInput is computed fresh for every decision
type SizingInput struct {
	WinRate       float64
	AvgWin        float64 // > 0
	AvgLoss       float64 // < 0
	Wins          int
	Losses        int
	Confidence    float64
	OpenPositions int
	Balance       decimal.Decimal
	Volatility    float64 // ATR as a fraction of price
}

// Samples is the number of decisive trades behind the statistics
func (in SizingInput) Samples() int {
	return in.Wins + in.Losses
}

// SizingResult is the sizer's answer. Veto means "do not trade", which is not
// the same as a zero allocation.
type SizingResult struct {
	Notional decimal.Decimal
	Fraction float64
	Kelly    float64
	Veto     bool
	Reason   string
}

type Sizer struct {
	cfg SizerConfig
}

// NewSizer creates a new position sizer
func NewSizer(cfg SizerConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Config returns the active policy
func (s *Sizer) Config() SizerConfig {
	return s.cfg
}

// Size computes the risk-budgeted notional. It never fails.
func (s *Sizer) Size(in SizingInput) SizingResult {
	if !in.Balance.IsPositive() {
		return SizingResult{Notional: decimal.Zero, Reason: "no balance"}
	}

	kelly, veto, reason := s.kellyFraction(in)
	if veto {
		log.Debug().Int("losses", in.Losses).Msg("🚫 Sizing veto: losses only")
		return SizingResult{Notional: decimal.Zero, Veto: true, Reason: reason}
	}
	if reason != "" {
		return SizingResult{Notional: decimal.Zero, Reason: reason}
	}

	f := s.compose(kelly, in.Confidence, in.Volatility, in.OpenPositions)
	if !finite(f) || f <= 0 {
		return SizingResult{Notional: decimal.Zero, Kelly: kelly, Reason: "non-positive fraction"}
	}

	notional := in.Balance.Mul(decimal.NewFromFloat(f))
	ceiling := in.Balance.Mul(decimal.NewFromFloat(s.cfg.MaxFraction))
	if notional.GreaterThan(ceiling) {
		notional = ceiling
		f = s.cfg.MaxFraction
	}

	log.Debug().
		Float64("kelly", kelly).
		Float64("fraction", f).
		Str("notional", notional.StringFixed(2)).
		Int("open_positions", in.OpenPositions).
		Msg("Position sizing")

	return SizingResult{Notional: notional, Fraction: f, Kelly: kelly}
}

// kellyFraction applies the edge-case ladder and returns the raw (blended) fraction.
// A non-empty reason without veto means "no trade from statistics".
func (s *Sizer) kellyFraction(in SizingInput) (float64, bool, string) {
	if in.Wins == 0 && in.Losses > 0 {
		return 0, true, "all observed trades are losses"
	}

	w := in.WinRate
	avgWin := in.AvgWin
	avgLoss := in.AvgLoss

	if in.Wins > 0 && in.Losses == 0 {
		if !finite(avgWin) || avgWin <= 0 {
			return 0, false, "average win not positive"
		}
		// One synthetic loss keeps W below 1 and R bounded.
		w = float64(in.Wins) / float64(in.Wins+1)
		avgLoss = -avgWin * s.cfg.SyntheticLossRatio
	} else {
		if !finite(w) || w <= 0 || w >= 1 {
			return 0, false, "win rate outside (0,1)"
		}
		if !finite(avgWin) || avgWin <= 0 {
			return 0, false, "average win not positive"
		}
		if !finite(avgLoss) || avgLoss > 0 || math.Abs(avgLoss) < s.cfg.Epsilon {
			return 0, false, "average loss degenerate"
		}
	}

	r := avgWin / math.Abs(avgLoss)
	f := w - (1-w)/r

	if in.Samples() < s.cfg.MinSamples {
		f = s.cfg.BlendWeight*f + (1-s.cfg.BlendWeight)*s.cfg.DefaultFraction
	}
	if !finite(f) {
		return 0, false, "kelly not finite"
	}
	return f, false, ""
}

// compose applies the post-processing chain. Each factor multiplies the value
// produced by the previous one; none recomputes from the raw fraction.
func (s *Sizer) compose(kelly, confidence, volatility float64, openPositions int) float64 {
	f := clamp(kelly, 0, s.cfg.KellyCap)
	f *= s.cfg.KellyMultiplier
	f *= s.ConfidenceFactor(confidence)
	f *= s.VolatilityFactor(volatility)
	f /= CorrelationDivisor(openPositions)
	return f
}

// ConfidenceFactor maps confidence linearly onto [ConfidenceMin, ConfidenceMax]
func (s *Sizer) ConfidenceFactor(confidence float64) float64 {
	if !finite(confidence) {
		return s.cfg.ConfidenceMin
	}
	span := s.cfg.ConfidenceCeil - s.cfg.ConfidenceFloor
	if span <= 0 {
		return s.cfg.ConfidenceMin
	}
	c := clamp(confidence, s.cfg.ConfidenceFloor, s.cfg.ConfidenceCeil)
	t := (c - s.cfg.ConfidenceFloor) / span
	return s.cfg.ConfidenceMin + t*(s.cfg.ConfidenceMax-s.cfg.ConfidenceMin)
}

// VolatilityFactor shrinks size as volatility rises
func (s *Sizer) VolatilityFactor(volatility float64) float64 {
	if !finite(volatility) || volatility <= 0 {
		return 1
	}
	return 1 / (1 + s.cfg.VolatilityPenalty*volatility)
}

// CorrelationDivisor is sqrt(open+1): square-root exposure across imperfectly
// correlated concurrent positions.
func CorrelationDivisor(openPositions int) float64 {
	if openPositions < 0 {
		openPositions = 0
	}
	return math.Sqrt(float64(openPositions + 1))
}

// CapSuggested bounds an oracle-suggested notional by the hard ceiling
func (s *Sizer) CapSuggested(suggested float64, balance decimal.Decimal) decimal.Decimal {
	if !finite(suggested) || suggested <= 0 || !balance.IsPositive() {
		return decimal.Zero
	}
	size := decimal.NewFromFloat(suggested)
	ceiling := balance.Mul(decimal.NewFromFloat(s.cfg.MaxFraction))
	if size.GreaterThan(ceiling) {
		return ceiling
	}
	return size
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE STATISTICS
// ═══════════════════════════════════════════════════════════════════════════════

// TradeStats summarises the lookback window for sizing
type TradeStats struct {
	Wins    int
	Losses  int
	WinRate float64
	AvgWin  float64
	AvgLoss float64 // negative
}

// StatsFromTrades computes win/loss statistics over the last lookback trades.
// Break-even trades carry no information and are skipped.
func StatsFromTrades(trades []types.TradeRecord, lookback int) TradeStats {
	if lookback > 0 && len(trades) > lookback {
		trades = trades[len(trades)-lookback:]
	}

	var st TradeStats
	var sumWin, sumLoss float64
	for _, t := range trades {
		p := t.Profit.InexactFloat64()
		switch {
		case p > 0:
			st.Wins++
			sumWin += p
		case p < 0:
			st.Losses++
			sumLoss += p
		}
	}

	if n := st.Wins + st.Losses; n > 0 {
		st.WinRate = float64(st.Wins) / float64(n)
	}
	if st.Wins > 0 {
		st.AvgWin = sumWin / float64(st.Wins)
	}
	if st.Losses > 0 {
		st.AvgLoss = sumLoss / float64(st.Losses)
	}
	return st
}

// Input builds a SizingInput from the stats and the current context
func (st TradeStats) Input(confidence float64, openPositions int, balance decimal.Decimal, volatility float64) SizingInput {
	return SizingInput{
		WinRate:       st.WinRate,
		AvgWin:        st.AvgWin,
		AvgLoss:       st.AvgLoss,
		Wins:          st.Wins,
		Losses:        st.Losses,
		Confidence:    confidence,
		OpenPositions: openPositions,
		Balance:       balance,
		Volatility:    volatility,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
