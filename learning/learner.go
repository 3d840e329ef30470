package learning

import (
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polytrader/internal/ring"
	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PERFORMANCE LEARNER - Context-bucketed outcome statistics
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every closed trade updates one PatternStat per context tag (hour, day,
// session, direction, regime, confidence band). Base confidence is nudged
// towards patterns whose Beta posterior is significantly away from 0.5.
//
// Pattern counts are lifetime counts; the bounded history only caps memory.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds the learner policy
type Config struct {
	HistoryCap    int
	Decay         float64 // EWMA weight of the newest outcome
	MinSamples    int
	ZThreshold    float64
	MaxEffect     float64
	MinConfidence float64
	MaxConfidence float64
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		HistoryCap:    10000,
		Decay:         0.3,
		MinSamples:    5,
		ZThreshold:    1.0,
		MaxEffect:     0.3,
		MinConfidence: 0.35,
		MaxConfidence: 0.95,
	}
}

type Learner struct {
	mu sync.RWMutex

	cfg      Config
	history  *ring.Buffer[types.TradeRecord]
	patterns map[string]*PatternStat
}

// New creates a performance learner
func New(cfg Config) *Learner {
	return &Learner{
		cfg:      cfg,
		history:  ring.New[types.TradeRecord](cfg.HistoryCap),
		patterns: make(map[string]*PatternStat),
	}
}

// Record ingests a closed trade. It never fails.
func (l *Learner) Record(trade types.TradeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, evicted := l.history.Push(trade); evicted {
		log.Debug().Int("cap", l.history.Cap()).Msg("Trade history full, oldest evicted")
	}

	win := trade.Win()
	for _, pair := range trade.Tags.Pairs() {
		key := pair.Key()
		p, ok := l.patterns[key]
		if !ok {
			p = &PatternStat{Tag: pair.Tag, Value: pair.Value}
			l.patterns[key] = p
		}
		p.observe(win, l.cfg.Decay, trade.ClosedAt)
	}

	log.Debug().
		Str("trade", trade.ID).
		Bool("win", win).
		Int("patterns", len(l.patterns)).
		Msg("🧠 Trade learned")
}

// AdaptedConfidence adjusts base confidence by the significant patterns that
// match tags. With no significant pattern, base is returned untouched.
func (l *Learner) AdaptedConfidence(base float64, tags types.ContextTags) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var sum float64
	var n int
	for _, pair := range tags.Pairs() {
		p, ok := l.patterns[pair.Key()]
		if !ok || p.Samples < l.cfg.MinSamples {
			continue
		}
		if math.Abs(p.ZScore()) < l.cfg.ZThreshold {
			continue
		}
		mean, _ := p.Posterior()
		sum += clamp(mean-0.5, -l.cfg.MaxEffect, l.cfg.MaxEffect)
		n++
	}

	if n == 0 {
		return base
	}

	adjusted := clamp(base+sum/float64(n), l.cfg.MinConfidence, l.cfg.MaxConfidence)
	log.Debug().
		Float64("base", base).
		Float64("adjusted", adjusted).
		Int("patterns", n).
		Msg("Confidence adapted")
	return adjusted
}

// Pattern returns one pattern by tag and value
func (l *Learner) Pattern(tag, value string) (PatternStat, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.patterns[types.TagPair{Tag: tag, Value: value}.Key()]
	if !ok {
		return PatternStat{}, false
	}
	return *p, true
}

// Patterns returns a sorted snapshot of every pattern
func (l *Learner) Patterns() []PatternStat {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]PatternStat, 0, len(l.patterns))
	for _, p := range l.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// History returns the retained trades, oldest first
func (l *Learner) History() []types.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.history.Slice()
}

// Recent returns the last n trades, oldest first
func (l *Learner) Recent(n int) []types.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.history.Last(n)
}

// Len returns the number of retained trades
func (l *Learner) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.history.Len()
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
