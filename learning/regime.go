package learning

import (
	"github.com/web3guy0/polytrader/internal/indicators"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REGIME DETECTION - From price history, independent of trades
// ═══════════════════════════════════════════════════════════════════════════════

// Trend labels
const (
	TrendBull     = "bull"
	TrendBear     = "bear"
	TrendSideways = "sideways"
)

// Volatility labels
const (
	VolLow    = "low"
	VolNormal = "normal"
	VolHigh   = "high"
)

// Regime is the coarse market state
type Regime struct {
	Trend      string  `json:"trend"`
	Volatility string  `json:"volatility"`
	ATRRatio   float64 `json:"atr_ratio"`
}

// NeutralRegime is returned whenever the inputs cannot be trusted
var NeutralRegime = Regime{Trend: TrendSideways, Volatility: VolNormal}

// Label is the regime as a single tag value, e.g. "bull/high"
func (r Regime) Label() string {
	return r.Trend + "/" + r.Volatility
}

// RegimeConfig holds detection windows and thresholds
type RegimeConfig struct {
	ShortPeriod int
	LongPeriod  int
	Deadband    float64 // 0.02 => short must clear long by 2%
	ATRPeriod   int
	HighVol     float64 // ATR/price above this is high
	LowVol      float64 // ATR/price below this is low
}

// DefaultRegimeConfig returns the documented defaults
func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		ShortPeriod: 10,
		LongPeriod:  30,
		Deadband:    0.02,
		ATRPeriod:   14,
		HighVol:     0.03,
		LowVol:      0.01,
	}
}

// DetectRegime labels trend and volatility. Mismatched series or too little
// data yield the neutral label for the affected axis.
func DetectRegime(highs, lows, closes []float64, cfg RegimeConfig) Regime {
	n := len(closes)
	if len(highs) != n || len(lows) != n {
		return NeutralRegime
	}

	r := NeutralRegime
	r.Trend = trend(closes, cfg)
	r.Volatility, r.ATRRatio = volatility(highs, lows, closes, cfg)
	return r
}

func trend(closes []float64, cfg RegimeConfig) string {
	if cfg.ShortPeriod <= 0 || cfg.LongPeriod <= cfg.ShortPeriod || len(closes) < cfg.LongPeriod {
		return TrendSideways
	}

	short := indicators.SMA(closes, cfg.ShortPeriod)
	long := indicators.SMA(closes, cfg.LongPeriod)
	switch {
	case long <= 0:
		return TrendSideways
	case short > long*(1+cfg.Deadband):
		return TrendBull
	case short < long*(1-cfg.Deadband):
		return TrendBear
	}
	return TrendSideways
}

func volatility(highs, lows, closes []float64, cfg RegimeConfig) (string, float64) {
	if cfg.ATRPeriod <= 0 || len(closes) < cfg.ATRPeriod+1 {
		return VolNormal, 0
	}

	ratio := indicators.ATRRatio(highs, lows, closes, cfg.ATRPeriod)
	switch {
	case ratio > cfg.HighVol:
		return VolHigh, ratio
	case ratio > 0 && ratio < cfg.LowVol:
		return VolLow, ratio
	}
	return VolNormal, ratio
}
