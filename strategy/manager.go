package strategy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/internal/ring"
	"github.com/web3guy0/polytrader/metrics"
	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY MANAGER - Performance scoring and capital reallocation
// ═══════════════════════════════════════════════════════════════════════════════
//
// score = 0.4·sigmoid(z_pnl) + 0.3·sigmoid(z_sharpe) + 0.3·winRate − drawdownPenalty
//
// z-scores are taken across strategies. With ~zero cross-strategy variance the
// sub-score is a neutral 0.5.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrUnknownStrategy is returned for ids that were never registered
var ErrUnknownStrategy = errors.New("unknown strategy")

// Rebalance reasons
const (
	ReasonInitial   = "initial allocation"
	ReasonDrift     = "allocation drift"
	ReasonScheduled = "scheduled"
	ReasonEmergency = "emergency"
)

// ManagerConfig is the allocation policy
type ManagerConfig struct {
	PnLWeight      float64
	SharpeWeight   float64
	WinRateWeight  float64
	DrawdownStart  float64 // penalty starts above this drawdown
	DrawdownFull   float64 // penalty reaches MaxPenalty here
	MaxPenalty     float64
	MinFraction    float64
	MaxFraction    float64
	ShiftEpsilon   float64 // added after shifting scores off zero
	Window         int     // recent trades kept per strategy
	MinInterval    time.Duration
	Schedule       time.Duration
	DriftThreshold float64
	EmergencyDrift float64
	EmergencyLoss  decimal.Decimal // net 24h loss in quote currency
	LossWindow     time.Duration
}

// DefaultManagerConfig returns the documented defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PnLWeight:      0.4,
		SharpeWeight:   0.3,
		WinRateWeight:  0.3,
		DrawdownStart:  0.10,
		DrawdownFull:   0.40,
		MaxPenalty:     0.4,
		MinFraction:    0.05,
		MaxFraction:    0.6,
		ShiftEpsilon:   0.01,
		Window:         50,
		MinInterval:    24 * time.Hour,
		Schedule:       7 * 24 * time.Hour,
		DriftThreshold: 0.15,
		EmergencyDrift: 0.25,
		EmergencyLoss:  decimal.NewFromInt(200),
		LossWindow:     24 * time.Hour,
	}
}

type tradePnL struct {
	at  time.Time
	pnl float64
}

type book struct {
	alloc  types.StrategyAllocation
	recent *ring.Buffer[tradePnL]
}

// stats over the recent window
func (b *book) stats() (sum, sharpe, winRate float64) {
	trades := b.recent.Slice()
	if len(trades) == 0 {
		return 0, 0, 0.5
	}
	wins := 0
	for _, t := range trades {
		sum += t.pnl
		if t.pnl > 0 {
			wins++
		}
	}
	mean := sum / float64(len(trades))
	var ss float64
	for _, t := range trades {
		ss += (t.pnl - mean) * (t.pnl - mean)
	}
	if std := math.Sqrt(ss / float64(len(trades))); std > 1e-9 {
		sharpe = mean / std
	}
	return sum, sharpe, float64(wins) / float64(len(trades))
}

// lossSince is the net loss (positive) since cutoff
func (b *book) lossSince(cutoff time.Time) float64 {
	var net float64
	for _, t := range b.recent.Slice() {
		if !t.at.Before(cutoff) {
			net += t.pnl
		}
	}
	return -net
}

// Manager scores strategies and owns their capital fractions
type Manager struct {
	mu sync.RWMutex

	cfg           ManagerConfig
	capital       decimal.Decimal
	books         map[string]*book
	lastRebalance time.Time
}

// NewManager creates a manager over the given trading capital
func NewManager(cfg ManagerConfig, capital decimal.Decimal) *Manager {
	return &Manager{
		cfg:     cfg,
		capital: capital,
		books:   make(map[string]*book),
	}
}

// Register adds a strategy. Existing fractions are reset to an equal split.
func (m *Manager) Register(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.books[id]; ok {
		return
	}
	m.books[id] = &book{
		alloc:  types.StrategyAllocation{StrategyID: id, CumulativePnL: decimal.Zero, PeakPnL: decimal.Zero},
		recent: ring.New[tradePnL](m.cfg.Window),
	}
	equal := 1 / float64(len(m.books))
	for _, b := range m.books {
		b.alloc.Fraction = equal
	}
	log.Info().Str("strategy", id).Float64("fraction", equal).Msg("📋 Strategy registered")
}

// RecordTrade books a closed trade's PnL
func (m *Manager) RecordTrade(id string, pnl decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}

	a := &b.alloc
	a.CumulativePnL = a.CumulativePnL.Add(pnl)
	if a.CumulativePnL.GreaterThan(a.PeakPnL) {
		a.PeakPnL = a.CumulativePnL
	}
	a.Drawdown = m.drawdown(a)
	b.recent.Push(tradePnL{at: at, pnl: pnl.InexactFloat64()})

	metrics.RecordRealizedPnL(id, pnl.InexactFloat64())
	return nil
}

// drawdown is the PnL give-back from peak relative to the strategy's capital
func (m *Manager) drawdown(a *types.StrategyAllocation) float64 {
	base := m.capital.InexactFloat64() * a.Fraction
	if base <= 0 {
		return 0
	}
	dd := a.PeakPnL.Sub(a.CumulativePnL).InexactFloat64() / base
	return math.Max(0, math.Min(1, dd))
}

// Score returns the strategy's current score in [0,1]
func (m *Manager) Score(id string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.books[id]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return m.scores()[id], nil
}

// Scores returns every strategy's score
func (m *Manager) Scores() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scores()
}

func (m *Manager) scores() map[string]float64 {
	ids := m.ids()
	pnls := make([]float64, len(ids))
	sharpes := make([]float64, len(ids))
	wins := make([]float64, len(ids))
	for i, id := range ids {
		pnls[i], sharpes[i], wins[i] = m.books[id].stats()
	}
	pnlZ := zScores(pnls)
	sharpeZ := zScores(sharpes)
	if flat(wins) {
		// equal win rates are neutral, like the z-scored parts
		for i := range wins {
			wins[i] = 0.5
		}
	}

	out := make(map[string]float64, len(ids))
	for i, id := range ids {
		s := m.cfg.PnLWeight*pnlZ[i] +
			m.cfg.SharpeWeight*sharpeZ[i] +
			m.cfg.WinRateWeight*wins[i] -
			m.penalty(m.books[id].alloc.Drawdown)
		out[id] = math.Max(0, math.Min(1, s))
	}
	return out
}

// penalty grows linearly from DrawdownStart to DrawdownFull
func (m *Manager) penalty(dd float64) float64 {
	if dd <= m.cfg.DrawdownStart {
		return 0
	}
	span := m.cfg.DrawdownFull - m.cfg.DrawdownStart
	if span <= 0 {
		return m.cfg.MaxPenalty
	}
	return m.cfg.MaxPenalty * math.Min(1, (dd-m.cfg.DrawdownStart)/span)
}

// zScores maps values through sigmoid((v-mean)/std). Near-zero variance gives 0.5.
func zScores(vals []float64) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var ss float64
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / float64(len(vals)))
	for i, v := range vals {
		if std < 1e-9 {
			out[i] = 0.5
			continue
		}
		out[i] = sigmoid((v - mean) / std)
	}
	return out
}

// flat reports whether vals have near-zero variance
func flat(vals []float64) bool {
	for _, v := range vals {
		if math.Abs(v-vals[0]) > 1e-9 {
			return false
		}
	}
	return true
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Targets returns the score-proportional fractions, bounded and summing to 1
func (m *Manager) Targets() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targets()
}

func (m *Manager) targets() map[string]float64 {
	scores := m.scores()
	if len(scores) == 0 {
		return map[string]float64{}
	}

	minScore := math.Inf(1)
	for _, s := range scores {
		minScore = math.Min(minScore, s)
	}
	raw := make(map[string]float64, len(scores))
	total := 0.0
	for id, s := range scores {
		if minScore <= 0 {
			s = s - minScore + m.cfg.ShiftEpsilon
		}
		raw[id] = s
		total += s
	}
	if total <= 0 {
		for id := range raw {
			raw[id] = 1
		}
	}
	return boundedNormalize(raw, m.cfg.MinFraction, m.cfg.MaxFraction)
}

// boundedNormalize scales weights to sum to 1 with every share in [lo, hi].
// Shares pinned at a bound are fixed and the rest re-normalised until stable.
// Bounds that cannot hold for n strategies are widened to 1/n.
func boundedNormalize(raw map[string]float64, lo, hi float64) map[string]float64 {
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := float64(len(ids))
	if lo*n > 1 {
		lo = 1 / n
	}
	if hi*n < 1 {
		hi = 1 / n
	}

	out := make(map[string]float64, len(ids))
	fixed := make(map[string]bool, len(ids))
	for range ids {
		remaining := 1.0
		freeTotal := 0.0
		free := 0
		for _, id := range ids {
			if fixed[id] {
				remaining -= out[id]
			} else {
				freeTotal += raw[id]
				free++
			}
		}
		if free == 0 {
			break
		}
		for _, id := range ids {
			if fixed[id] {
				continue
			}
			if freeTotal > 0 {
				out[id] = remaining * raw[id] / freeTotal
			} else {
				out[id] = remaining / float64(free)
			}
		}

		// Pin one side per pass: overs first, then unders
		changed := false
		for _, id := range ids {
			if !fixed[id] && out[id] > hi {
				out[id], fixed[id], changed = hi, true, true
			}
		}
		if !changed {
			for _, id := range ids {
				if !fixed[id] && out[id] < lo {
					out[id], fixed[id], changed = lo, true, true
				}
			}
		}
		if !changed {
			break
		}
	}
	return out
}

// Reallocate splits totalCapital by target fraction. Dollar amounts are
// rounded to cents and sum exactly to totalCapital.
func (m *Manager) Reallocate(totalCapital decimal.Decimal) map[string]decimal.Decimal {
	return splitCapital(m.Targets(), totalCapital)
}

// Allocations splits totalCapital by the currently applied fractions
func (m *Manager) Allocations(totalCapital decimal.Decimal) map[string]decimal.Decimal {
	m.mu.RLock()
	fractions := make(map[string]float64, len(m.books))
	for id, b := range m.books {
		fractions[id] = b.alloc.Fraction
	}
	m.mu.RUnlock()
	return splitCapital(fractions, totalCapital)
}

func splitCapital(fractions map[string]float64, total decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(fractions))
	if len(fractions) == 0 {
		return out
	}

	ids := make([]string, 0, len(fractions))
	for id := range fractions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if fractions[ids[i]] != fractions[ids[j]] {
			return fractions[ids[i]] > fractions[ids[j]]
		}
		return ids[i] < ids[j]
	})

	assigned := decimal.Zero
	for _, id := range ids[1:] {
		v := total.Mul(decimal.NewFromFloat(fractions[id])).Round(2)
		out[id] = v
		assigned = assigned.Add(v)
	}
	// rounding residue goes to the largest share
	out[ids[0]] = total.Sub(assigned)
	return out
}

// Allocation returns a copy of one strategy's allocation
func (m *Manager) Allocation(id string) (types.StrategyAllocation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[id]
	if !ok {
		return types.StrategyAllocation{}, false
	}
	return b.alloc, true
}

// Snapshot returns every allocation sorted by id
func (m *Manager) Snapshot() []types.StrategyAllocation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.StrategyAllocation, 0, len(m.books))
	for _, id := range m.ids() {
		out = append(out, m.books[id].alloc)
	}
	return out
}

// ShouldRebalance reports whether allocations should be recomputed now
func (m *Manager) ShouldRebalance(now time.Time) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.books) == 0 {
		return false, ""
	}
	if m.lastRebalance.IsZero() {
		return true, ReasonInitial
	}

	targets := m.targets()
	elapsed := now.Sub(m.lastRebalance)

	maxDrift := 0.0
	cutoff := now.Add(-m.cfg.LossWindow)
	emergencyLoss := m.cfg.EmergencyLoss.InexactFloat64()
	for id, b := range m.books {
		drift := math.Abs(targets[id] - b.alloc.Fraction)
		maxDrift = math.Max(maxDrift, drift)
		if drift > m.cfg.EmergencyDrift && b.lossSince(cutoff) > emergencyLoss {
			return true, fmt.Sprintf("%s: %s drift %.1f%%", ReasonEmergency, id, drift*100)
		}
	}

	if elapsed >= m.cfg.MinInterval && maxDrift > m.cfg.DriftThreshold {
		return true, fmt.Sprintf("%s %.1f%%", ReasonDrift, maxDrift*100)
	}
	if elapsed >= m.cfg.Schedule {
		return true, ReasonScheduled
	}
	return false, ""
}

// Rebalance applies the target fractions and returns the updated allocations
func (m *Manager) Rebalance(now time.Time, capital decimal.Decimal) []types.StrategyAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if capital.IsPositive() {
		m.capital = capital
	}
	targets := m.targets()

	out := make([]types.StrategyAllocation, 0, len(m.books))
	for _, id := range m.ids() {
		b := m.books[id]
		prev := b.alloc.Fraction
		b.alloc.Fraction = targets[id]
		b.alloc.LastRebalance = now
		b.alloc.Drawdown = m.drawdown(&b.alloc)
		out = append(out, b.alloc)

		metrics.SetAllocation(id, b.alloc.Fraction)
		log.Info().
			Str("strategy", id).
			Float64("from", prev).
			Float64("to", b.alloc.Fraction).
			Msg("⚖️ Rebalanced")
	}
	m.lastRebalance = now
	return out
}

// LastRebalance returns when fractions were last applied
func (m *Manager) LastRebalance() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRebalance
}

func (m *Manager) ids() []string {
	ids := make([]string, 0, len(m.books))
	for id := range m.books {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
