package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/decision"
	"github.com/web3guy0/polytrader/execution"
	"github.com/web3guy0/polytrader/learning"
	"github.com/web3guy0/polytrader/metrics"
	"github.com/web3guy0/polytrader/oracle"
	"github.com/web3guy0/polytrader/risk"
	"github.com/web3guy0/polytrader/storage"
	"github.com/web3guy0/polytrader/strategy"
	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow per cycle:
//   Market → Marks/Exits → Breaker → Pipeline → Gate → Execution → Rebalance
//
// One cycle runs at a time and shares one oracle call budget across all
// strategies. Exits are processed even while the breaker is tripped; entries
// are not. A decision against a strategy's open position closes it.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MarketSource supplies the numeric market state of a symbol
type MarketSource interface {
	Snapshot(ctx context.Context, symbol string) (types.MarketSnapshot, error)
}

// Store receives append-only events
type Store interface {
	AppendTrade(t types.TradeRecord) error
	AppendAllocations(reason string, allocs []types.StrategyAllocation) error
	AppendCircuitEvent(e storage.CircuitEvent) error
}

// Notifier gets operator-facing events (Telegram)
type Notifier interface {
	NotifyFill(order types.OrderRequest, fill types.Fill)
	NotifyTrade(trade types.TradeRecord)
	NotifyCircuit(state types.CircuitState, value float64)
}

// Config holds engine settings
type Config struct {
	Interval       time.Duration
	Regime         learning.RegimeConfig
	StatsLookback  int     // trades per strategy fed to the sizer
	BaseConfidence float64 // prior confidence shown to the oracle
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		Regime:         learning.DefaultRegimeConfig(),
		StatsLookback:  100,
		BaseConfidence: 0.5,
	}
}

// Deps are the collaborators an engine drives
type Deps struct {
	Market     MarketSource
	Pipeline   *decision.Pipeline
	Learner    *learning.Learner
	Breaker    *risk.CircuitBreaker
	Gate       *risk.Gate
	Executor   execution.Executor
	Manager    *strategy.Manager
	Strategies []strategy.Strategy
	Store      Store    // optional
	Notifier   Notifier // optional
}

// CycleReport summarises one cycle
type CycleReport struct {
	StartedAt   time.Time
	Duration    time.Duration
	Closed      []types.TradeRecord
	Decisions   []types.Decision
	Fills       []types.Fill
	OracleCalls int
	Halted      bool
	Rejection   *execution.Rejection // set when execution ended the cycle
	Rebalanced  string               // rebalance reason, empty if none
	Errors      []error
	Equity      decimal.Decimal
}

// Result labels the report for metrics
func (r CycleReport) Result() string {
	switch {
	case r.Halted:
		return "halted"
	case r.Rejection != nil:
		return "rejected"
	case len(r.Errors) > 0:
		return "degraded"
	}
	return "ok"
}

type Engine struct {
	mu sync.Mutex

	cfg Config
	Deps

	state     types.CircuitState
	tripValue float64

	now func() time.Time
}

// NewEngine wires the collaborators and registers every strategy
func NewEngine(cfg Config, deps Deps) *Engine {
	e := &Engine{
		cfg:  cfg,
		Deps: deps,
		now:  time.Now,
	}
	for _, s := range deps.Strategies {
		e.Manager.Register(s.Name())
	}
	e.Breaker.OnTrip(func(reason string, value float64) {
		e.tripValue = value
		metrics.RecordCircuitTrip(reason)
	})
	return e
}

// Replay warms the learner, the strategy books and the breaker from stored
// history. trades are oldest first, circuit events newest first.
func (e *Engine) Replay(trades []types.TradeRecord, circuit []storage.CircuitEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range trades {
		e.Learner.Record(t)
		if err := e.Manager.RecordTrade(t.Strategy, t.Profit, t.ClosedAt); err != nil {
			log.Debug().Err(err).Str("trade", t.ID).Msg("Replayed trade for unknown strategy")
		}
	}
	if len(trades) > 0 {
		log.Info().Int("trades", len(trades)).Msg("🧠 Trade history replayed")
	}

	e.restoreCircuit(trades, circuit)
}

// restoreCircuit rebuilds breaker state from the newest trip or clear and the
// trades closed after it. A trip with no later clear stays tripped.
func (e *Engine) restoreCircuit(trades []types.TradeRecord, circuit []storage.CircuitEvent) {
	var since time.Time
	if len(circuit) > 0 {
		last := circuit[0]
		since = last.At
		e.state.PeakEquity = last.PeakEquity
		e.state.LastEquity = last.Equity
		if last.Kind == storage.CircuitTrip {
			e.state.Tripped = true
			e.state.Reason = last.Reason
			e.state.TrippedAt = last.At
			e.tripValue = last.Value
		}
	}

	wasTripped := e.state.Tripped
	for _, t := range trades {
		if t.ClosedAt.After(since) {
			e.Breaker.RecordTrade(&e.state, t.Profit, t.ClosedAt)
		}
	}
	if e.state.Tripped && !wasTripped {
		e.tripped(e.state)
	}

	metrics.SetCircuitTripped(e.state.Tripped)
	if e.state.Tripped {
		log.Warn().
			Str("reason", e.state.Reason).
			Time("since", e.state.TrippedAt).
			Msg("⛔ Circuit breaker still tripped from last session, waiting for operator")
	}
}

// Run drives RunCycle from a ticker until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	log.Info().
		Int("strategies", len(e.Strategies)).
		Dur("interval", e.cfg.Interval).
		Msg("⚡ Engine started")

	e.cycle(ctx)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

func (e *Engine) cycle(ctx context.Context) {
	rep := e.RunCycle(ctx, &e.state)
	log.Info().
		Str("result", rep.Result()).
		Int("decisions", len(rep.Decisions)).
		Int("fills", len(rep.Fills)).
		Int("closed", len(rep.Closed)).
		Int("oracle_calls", rep.OracleCalls).
		Str("equity", rep.Equity.StringFixed(2)).
		Dur("took", rep.Duration).
		Msg("🔄 Cycle complete")
}

// RunCycle runs one full decision cycle against state
func (e *Engine) RunCycle(ctx context.Context, state *types.CircuitState) (rep CycleReport) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	rep.StartedAt = now
	wasTripped := state.Tripped

	defer func() {
		rep.Duration = e.now().Sub(now)
		rep.Equity = e.Executor.Equity()
		metrics.SetEquity(rep.Equity.InexactFloat64())
		metrics.SetCircuitTripped(state.Tripped)
		metrics.RecordCycle(rep.Result(), rep.Duration)
	}()

	// ══════════════════════════════════════════════════════════════════════════
	// MARKET + EXITS
	// ══════════════════════════════════════════════════════════════════════════

	snaps := make(map[string]types.MarketSnapshot)
	for _, sym := range e.symbols() {
		snap, err := e.Market.Snapshot(ctx, sym)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("⚠️ Market snapshot failed")
			rep.Errors = append(rep.Errors, err)
			continue
		}
		snaps[sym] = snap

		closed, err := e.Executor.Update(ctx, sym, snap.Price, now)
		if err != nil {
			rep.Errors = append(rep.Errors, err)
		}
		for _, t := range closed {
			e.recordTrade(state, t)
		}
		rep.Closed = append(rep.Closed, closed...)
	}

	// ══════════════════════════════════════════════════════════════════════════
	// CIRCUIT BREAKER
	// ══════════════════════════════════════════════════════════════════════════

	halted := e.Breaker.Check(state, e.Executor.Equity(), now)
	if halted && !wasTripped {
		e.tripped(*state)
	}
	if halted {
		rep.Halted = true
		for _, s := range e.Strategies {
			if !s.Enabled() {
				continue
			}
			dec := types.Decision{
				Symbol:    s.Symbol(),
				Strategy:  s.Name(),
				Result:    types.HoldResult("circuit breaker: " + state.Reason),
				Notional:  decimal.Zero,
				Source:    types.SourceCircuit,
				CreatedAt: now,
			}
			metrics.RecordDecision(string(dec.Source), string(dec.Result.Action))
			rep.Decisions = append(rep.Decisions, dec)
		}
		log.Warn().Str("reason", state.Reason).Msg("⛔ Trading halted, holding")
		return rep
	}

	// ══════════════════════════════════════════════════════════════════════════
	// DECISIONS
	// ══════════════════════════════════════════════════════════════════════════

	capital := e.Manager.Allocations(e.Executor.Balance())
	history := e.Learner.History()
	budget := e.Pipeline.NewBudget()

	for _, s := range e.Strategies {
		if !s.Enabled() {
			continue
		}
		snap, ok := snaps[s.Symbol()]
		if !ok {
			continue
		}

		held, full := e.holding(s)
		if held == nil && full {
			log.Debug().Str("strategy", s.Name()).Str("symbol", s.Symbol()).Msg("Symbol at position limit, skipping")
			continue
		}

		dec, calls := e.decide(ctx, s, snap, capital[s.Name()], history, budget, now)
		rep.OracleCalls += calls
		rep.Decisions = append(rep.Decisions, dec)
		metrics.RecordDecision(string(dec.Source), string(dec.Result.Action))

		if held != nil {
			dir := dec.Result.Action.Direction()
			if dir == "" || dir == held.Direction {
				continue
			}
			trade, err := e.Executor.Close(ctx, held.ID, snap.Price, risk.ExitReversal, now)
			if err != nil {
				log.Error().Err(err).Str("strategy", s.Name()).Msg("Reversal close failed")
				rep.Errors = append(rep.Errors, err)
				continue
			}
			e.recordTrade(state, trade)
			rep.Closed = append(rep.Closed, trade)
			if state.Tripped {
				e.tripped(*state)
				rep.Halted = true
				log.Warn().Str("reason", state.Reason).Msg("⛔ Trading halted mid-cycle")
				return rep
			}
			continue
		}

		if dec.IsHold() {
			continue
		}

		regime := learning.DetectRegime(snap.Highs(), snap.Lows(), snap.Closes(), e.cfg.Regime)
		tags := learning.TagsFor(now, dec.Result.Action.Direction(), regime, dec.Result.Confidence)
		approval := e.Gate.CanEnter(dec, tags, capital[s.Name()], e.Executor.Positions(), now)
		if !approval.Approved {
			continue
		}

		fill, err := e.Executor.Submit(ctx, approval.Order, snap.Price, now)
		if err != nil {
			var rej *execution.Rejection
			if errors.As(err, &rej) {
				log.Warn().
					Str("strategy", s.Name()).
					Str("code", string(rej.Code)).
					Str("reason", rej.Reason).
					Msg("🚫 Execution rejected, ending cycle")
				rep.Rejection = rej
				return rep
			}
			log.Error().Err(err).Str("strategy", s.Name()).Msg("Order failed")
			rep.Errors = append(rep.Errors, err)
			continue
		}
		rep.Fills = append(rep.Fills, fill)
		if e.Notifier != nil {
			e.Notifier.NotifyFill(approval.Order, fill)
		}
	}

	// ══════════════════════════════════════════════════════════════════════════
	// REBALANCE
	// ══════════════════════════════════════════════════════════════════════════

	if ok, reason := e.Manager.ShouldRebalance(now); ok {
		allocs := e.Manager.Rebalance(now, e.Executor.Equity())
		rep.Rebalanced = reason
		if e.Store != nil {
			if err := e.Store.AppendAllocations(reason, allocs); err != nil {
				log.Error().Err(err).Msg("Failed to store allocation event")
			}
		}
	}

	return rep
}

// holding returns the strategy's open position on its symbol, and whether the
// symbol is at the per-symbol position limit
func (e *Engine) holding(s strategy.Strategy) (*types.Position, bool) {
	var held *types.Position
	count := 0
	for _, p := range e.Executor.Positions() {
		if p.Symbol != s.Symbol() {
			continue
		}
		count++
		if p.Strategy == s.Name() && held == nil {
			held = &p
		}
	}
	limit := e.Gate.Config().MaxPositionsPerSymbol
	return held, limit > 0 && count >= limit
}

// decide runs the pipeline for one strategy
func (e *Engine) decide(ctx context.Context, s strategy.Strategy, snap types.MarketSnapshot, capital decimal.Decimal, history []types.TradeRecord, budget *decision.Budget, now time.Time) (types.Decision, int) {
	regime := learning.DetectRegime(snap.Highs(), snap.Lows(), snap.Closes(), e.cfg.Regime)
	summary := oracle.Summarize(snap, e.cfg.Regime.ShortPeriod, e.cfg.Regime.LongPeriod)
	open := len(e.Executor.Positions())

	// direction and confidence are unknown before the oracle answers
	known := learning.TagsFor(now, "", regime, 0)
	known.ConfidenceBucket = ""
	prior := e.Learner.AdaptedConfidence(e.cfg.BaseConfidence, known)

	stats := risk.StatsFromTrades(tradesOf(history, s.Name()), e.cfg.StatsLookback)

	out := e.Pipeline.Run(ctx, decision.Request{
		Symbol:        s.Symbol(),
		Strategy:      s.Name(),
		Brief:         s.Brief(),
		Price:         snap.Price,
		Balance:       capital,
		OpenPositions: open,
		Regime:        regime.Label(),
		Confidence:    prior,
		Market:        summary,
		Sizing:        stats.Input(0, open, capital, summary.ATRRatio),
		Adapt: func(res types.StageResult) float64 {
			tags := learning.TagsFor(now, res.Action.Direction(), regime, res.Confidence)
			return e.Learner.AdaptedConfidence(res.Confidence, tags)
		},
		Budget: budget,
		Now:    now,
	})
	return out.Decision, out.Calls
}

// recordTrade feeds a closed trade to every consumer
func (e *Engine) recordTrade(state *types.CircuitState, t types.TradeRecord) {
	e.Learner.Record(t)
	e.Breaker.RecordTrade(state, t.Profit, t.ClosedAt)
	if err := e.Manager.RecordTrade(t.Strategy, t.Profit, t.ClosedAt); err != nil {
		log.Warn().Err(err).Str("trade", t.ID).Msg("Trade not booked to a strategy")
	}
	e.Gate.RecordExit(t.Symbol, t.ClosedAt)

	if e.Store != nil {
		if err := e.Store.AppendTrade(t); err != nil {
			log.Error().Err(err).Str("trade", t.ID).Msg("Failed to store trade")
		}
	}
	if e.Notifier != nil {
		e.Notifier.NotifyTrade(t)
	}

	log.Info().
		Str("symbol", t.Symbol).
		Str("strategy", t.Strategy).
		Str("reason", t.Reason).
		Str("pnl", t.Profit.StringFixed(2)).
		Msg("📊 Position closed")
}

// tripped records a fresh trip
func (e *Engine) tripped(state types.CircuitState) {
	if e.Store != nil {
		err := e.Store.AppendCircuitEvent(storage.CircuitEvent{
			Kind:       storage.CircuitTrip,
			Reason:     state.Reason,
			Value:      e.tripValue,
			Equity:     state.LastEquity,
			PeakEquity: state.PeakEquity,
			At:         state.TrippedAt,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to store circuit trip")
		}
	}
	if e.Notifier != nil {
		e.Notifier.NotifyCircuit(state, e.tripValue)
	}
}

func (e *Engine) symbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range e.Strategies {
		if !seen[s.Symbol()] {
			seen[s.Symbol()] = true
			out = append(out, s.Symbol())
		}
	}
	return out
}

func tradesOf(history []types.TradeRecord, strategyID string) []types.TradeRecord {
	var out []types.TradeRecord
	for _, t := range history {
		if t.Strategy == strategyID {
			out = append(out, t)
		}
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPERATOR INTERFACE
// ═══════════════════════════════════════════════════════════════════════════════

// Status is a point-in-time account view
type Status struct {
	Equity    decimal.Decimal
	Balance   decimal.Decimal
	Positions []types.Position
	Trades    int
	Tripped   bool
	Reason    string
}

// Status returns the account view. Blocks while a cycle runs.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Equity:    e.Executor.Equity(),
		Balance:   e.Executor.Balance(),
		Positions: e.Executor.Positions(),
		Trades:    e.Learner.Len(),
		Tripped:   e.state.Tripped,
		Reason:    e.state.Reason,
	}
}

// ClearCircuit re-arms trading. Returns false if the breaker was not tripped.
func (e *Engine) ClearCircuit(operator string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Tripped {
		return false
	}
	e.Breaker.Clear(&e.state, operator)
	metrics.SetCircuitTripped(false)

	if e.Store != nil {
		err := e.Store.AppendCircuitEvent(storage.CircuitEvent{
			Kind:       storage.CircuitClear,
			Operator:   operator,
			Equity:     e.state.LastEquity,
			PeakEquity: e.state.PeakEquity,
			At:         e.now(),
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to store circuit clear")
		}
	}
	return true
}

// CircuitSnapshot returns a copy of the breaker state
func (e *Engine) CircuitSnapshot() types.CircuitState {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.state
	s.RecentLosses = append([]types.LossEvent(nil), e.state.RecentLosses...)
	return s
}

// Allocations returns every strategy's capital share
func (e *Engine) Allocations() []types.StrategyAllocation {
	return e.Manager.Snapshot()
}

// Patterns returns the learner's pattern table
func (e *Engine) Patterns() []learning.PatternStat {
	return e.Learner.Patterns()
}
