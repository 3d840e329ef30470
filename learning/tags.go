package learning

import (
	"time"

	"github.com/web3guy0/polytrader/types"
)

// Session buckets a UTC hour into the dominant trading session
func Session(hour int) string {
	switch {
	case hour < 8:
		return "asia"
	case hour < 14:
		return "europe"
	default:
		return "us"
	}
}

// ConfidenceBucket bands a confidence value
func ConfidenceBucket(confidence float64) string {
	switch {
	case confidence < 0.55:
		return "low"
	case confidence < 0.75:
		return "mid"
	default:
		return "high"
	}
}

// TagsFor builds the context tags of a trade opened at t
func TagsFor(t time.Time, dir types.Direction, regime Regime, confidence float64) types.ContextTags {
	u := t.UTC()
	return types.ContextTags{
		Hour:             u.Hour(),
		DayOfWeek:        u.Weekday(),
		Session:          Session(u.Hour()),
		Direction:        dir,
		Regime:           regime.Label(),
		ConfidenceBucket: ConfidenceBucket(confidence),
	}
}
