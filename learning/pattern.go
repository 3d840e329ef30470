package learning

import (
	"math"
	"time"
)

// PatternStat is the smoothed outcome record of one (tag, value) pair
type PatternStat struct {
	Tag       string    `json:"tag"`
	Value     string    `json:"value"`
	WinRate   float64   `json:"win_rate"` // EWMA of outcomes
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key renders the pattern as "tag=value"
func (p PatternStat) Key() string {
	return p.Tag + "=" + p.Value
}

// observe folds one outcome into the pattern. The first outcome sets the rate
// outright so a fresh pattern starts at exactly 0 or 1.
func (p *PatternStat) observe(win bool, decay float64, at time.Time) {
	outcome := 0.0
	if win {
		outcome = 1
		p.Wins++
	} else {
		p.Losses++
	}

	if p.Samples == 0 {
		p.WinRate = outcome
	} else {
		p.WinRate = decay*outcome + (1-decay)*p.WinRate
	}
	p.Samples++
	p.UpdatedAt = at
}

// Posterior returns the Beta(1+wins, 1+losses) mean and standard deviation
func (p PatternStat) Posterior() (mean, std float64) {
	a := 1 + float64(p.Wins)
	b := 1 + float64(p.Losses)
	n := a + b
	mean = a / n
	std = math.Sqrt(a * b / (n * n * (n + 1)))
	return mean, std
}

// ZScore is the posterior mean's distance from a coin flip in posterior std units
func (p PatternStat) ZScore() float64 {
	mean, std := p.Posterior()
	if std == 0 {
		return 0
	}
	return (mean - 0.5) / std
}
