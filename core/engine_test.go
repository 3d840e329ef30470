package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/decision"
	"github.com/web3guy0/polytrader/execution"
	"github.com/web3guy0/polytrader/learning"
	"github.com/web3guy0/polytrader/oracle"
	"github.com/web3guy0/polytrader/risk"
	"github.com/web3guy0/polytrader/storage"
	"github.com/web3guy0/polytrader/strategy"
	"github.com/web3guy0/polytrader/types"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// ═══ FAKES ═══

type fakeMarket struct {
	prices map[string]float64
}

func (m *fakeMarket) Snapshot(_ context.Context, symbol string) (types.MarketSnapshot, error) {
	price, ok := m.prices[symbol]
	if !ok {
		return types.MarketSnapshot{}, errors.New("unknown symbol")
	}
	candles := make([]types.Candle, 60)
	for i := range candles {
		c := price * (0.9 + 0.1*float64(i+1)/60)
		candles[i] = types.Candle{OpenTime: t0.Add(time.Duration(i-60) * time.Minute), Open: c, High: c * 1.002, Low: c * 0.998, Close: c}
	}
	return types.MarketSnapshot{Symbol: symbol, Price: d(price), Candles: candles, Timestamp: t0}, nil
}

type fakeOracle struct {
	mu    sync.Mutex
	calls int
	res   *types.StageResult
	err   error
}

func (o *fakeOracle) reply(context.Context, oracle.Prompt) (*types.StageResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	r := *o.res
	return &r, nil
}

func (o *fakeOracle) Analyze(ctx context.Context, p oracle.Prompt) (*types.StageResult, error) {
	return o.reply(ctx, p)
}
func (o *fakeOracle) Evaluate(ctx context.Context, p oracle.Prompt) (*types.StageResult, error) {
	return o.reply(ctx, p)
}
func (o *fakeOracle) AssessRisk(ctx context.Context, p oracle.Prompt) (*types.StageResult, error) {
	return o.reply(ctx, p)
}
func (o *fakeOracle) Decide(ctx context.Context, p oracle.Prompt) (*types.StageResult, error) {
	return o.reply(ctx, p)
}
func (o *fakeOracle) OneShot(ctx context.Context, p oracle.Prompt) (*types.StageResult, error) {
	return o.reply(ctx, p)
}

type memStore struct {
	trades  []types.TradeRecord
	allocs  []string
	circuit []storage.CircuitEvent
}

func (s *memStore) AppendTrade(t types.TradeRecord) error {
	s.trades = append(s.trades, t)
	return nil
}

func (s *memStore) AppendAllocations(reason string, _ []types.StrategyAllocation) error {
	s.allocs = append(s.allocs, reason)
	return nil
}

func (s *memStore) AppendCircuitEvent(e storage.CircuitEvent) error {
	s.circuit = append(s.circuit, e)
	return nil
}

type memNotifier struct {
	fills, trades, trips int
}

func (n *memNotifier) NotifyFill(types.OrderRequest, types.Fill) { n.fills++ }
func (n *memNotifier) NotifyTrade(types.TradeRecord) { n.trades++ }
func (n *memNotifier) NotifyCircuit(types.CircuitState, float64) { n.trips++ }

// rejectingExecutor refuses every order
type rejectingExecutor struct {
	*execution.PaperExecutor
	submits int
}

func (r *rejectingExecutor) Submit(context.Context, types.OrderRequest, decimal.Decimal, time.Time) (types.Fill, error) {
	r.submits++
	return types.Fill{}, &execution.Rejection{Code: execution.RejectExchange, Reason: "venue down"}
}

// ═══ HARNESS ═══

func buy() *types.StageResult {
	return &types.StageResult{
		Action:        types.ActionBuy,
		Confidence:    0.7,
		PositionSize:  100,
		StopLossPct:   2,
		TakeProfitPct: 4,
		Leverage:      2,
		Risk:          types.RiskLow,
		Reasoning:     "trend intact",
	}
}

type harness struct {
	engine   *Engine
	market   *fakeMarket
	oracle   *fakeOracle
	store    *memStore
	notifier *memNotifier
	exec     *execution.PaperExecutor
	clock    time.Time
}

func newHarness(t *testing.T, breaker risk.BreakerConfig, strategies ...strategy.Strategy) *harness {
	t.Helper()
	h := &harness{
		market:   &fakeMarket{prices: map[string]float64{"BTCUSDT": 100, "ETHUSDT": 50}},
		oracle:   &fakeOracle{res: buy()},
		store:    &memStore{},
		notifier: &memNotifier{},
		exec:     execution.NewPaperExecutor(d(1000), execution.ExecutorConfig{MaxHold: 24 * time.Hour}),
		clock:    t0,
	}
	if len(strategies) == 0 {
		strategies = []strategy.Strategy{strategy.Definition{ID: "trend", Instrument: "BTCUSDT", Active: true}}
	}

	pcfg := decision.DefaultConfig()
	pcfg.MaxRetries = 0

	h.engine = NewEngine(DefaultConfig(), Deps{
		Market:     h.market,
		Pipeline:   decision.NewPipeline(h.oracle, risk.NewSizer(risk.DefaultSizerConfig()), pcfg),
		Learner:    learning.New(learning.DefaultConfig()),
		Breaker:    risk.NewCircuitBreaker(breaker),
		Gate:       risk.NewGate(risk.DefaultGateConfig()),
		Executor:   h.exec,
		Manager:    strategy.NewManager(strategy.DefaultManagerConfig(), d(1000)),
		Strategies: strategies,
		Store:      h.store,
		Notifier:   h.notifier,
	})
	h.engine.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) cycle(at time.Duration) CycleReport {
	h.clock = t0.Add(at)
	return h.engine.RunCycle(context.Background(), &h.engine.state)
}

// ═══ TESTS ═══

func TestCycleOpensAndClosesPosition(t *testing.T) {
	h := newHarness(t, risk.DefaultBreakerConfig())

	rep := h.cycle(0)
	if rep.Result() != "ok" || len(rep.Fills) != 1 || rep.OracleCalls != 4 {
		t.Fatalf("report = %+v", rep)
	}
	dec := rep.Decisions[0]
	if dec.Source != types.SourcePipeline || !dec.Notional.Equal(d(100)) {
		t.Errorf("decision = %+v", dec)
	}
	if rep.Rebalanced != strategy.ReasonInitial || len(h.store.allocs) != 1 {
		t.Errorf("rebalance = %q, stored %v", rep.Rebalanced, h.store.allocs)
	}
	if !h.exec.Balance().Equal(d(950)) || h.notifier.fills != 1 {
		t.Errorf("cash %s, fills notified %d", h.exec.Balance(), h.notifier.fills)
	}

	// take profit at 104; re-entry blocked by the exit cooldown
	h.market.prices["BTCUSDT"] = 105
	rep = h.cycle(5 * time.Minute)
	if len(rep.Closed) != 1 || rep.Closed[0].Reason != "TAKE_PROFIT" || len(rep.Fills) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if !rep.Equity.Equal(d(1004)) {
		t.Errorf("equity = %s, want 1004", rep.Equity)
	}
	if len(h.store.trades) != 1 || h.notifier.trades != 1 || h.engine.Learner.Len() != 1 {
		t.Errorf("trade not recorded everywhere")
	}
	if a, _ := h.engine.Manager.Allocation("trend"); !a.CumulativePnL.Equal(d(4)) {
		t.Errorf("strategy pnl = %s", a.CumulativePnL)
	}
}

func TestCycleHoldsWhenTripped(t *testing.T) {
	h := newHarness(t, risk.DefaultBreakerConfig())
	h.engine.state = types.CircuitState{Tripped: true, Reason: risk.TripDrawdown}

	rep := h.cycle(0)
	if !rep.Halted || rep.Result() != "halted" {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Decisions) != 1 || rep.Decisions[0].Source != types.SourceCircuit || !rep.Decisions[0].IsHold() {
		t.Errorf("decisions = %+v", rep.Decisions)
	}
	if h.oracle.calls != 0 || len(h.exec.Positions()) != 0 {
		t.Error("tripped cycle reached the oracle or the executor")
	}
	if len(h.store.circuit) != 0 {
		t.Error("an existing trip must not be stored again")
	}
}

func TestLosingExitTripsAndOperatorClears(t *testing.T) {
	cfg := risk.DefaultBreakerConfig()
	cfg.MaxConsecutiveLosses = 1
	h := newHarness(t, cfg)

	if rep := h.cycle(0); len(rep.Fills) != 1 {
		t.Fatalf("no entry: %+v", rep)
	}

	// stop loss at 98
	h.market.prices["BTCUSDT"] = 97
	rep := h.cycle(5 * time.Minute)
	if !rep.Halted || len(rep.Closed) != 1 || !rep.Closed[0].Profit.Equal(d(-2)) {
		t.Fatalf("report = %+v", rep)
	}
	if len(h.store.circuit) != 1 || h.store.circuit[0].Kind != storage.CircuitTrip || h.store.circuit[0].Reason != risk.TripConsecutiveLosses {
		t.Fatalf("circuit events = %+v", h.store.circuit)
	}
	if h.notifier.trips != 1 {
		t.Errorf("trip notifications = %d", h.notifier.trips)
	}
	if snap := h.engine.CircuitSnapshot(); !snap.Tripped || snap.ConsecutiveLosses != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	// still tripped next cycle, no duplicate event
	h.cycle(10 * time.Minute)
	if len(h.store.circuit) != 1 {
		t.Errorf("circuit events = %d", len(h.store.circuit))
	}

	if !h.engine.ClearCircuit("ops") {
		t.Fatal("clear reported nothing to clear")
	}
	if h.engine.ClearCircuit("ops") {
		t.Error("second clear should be a no-op")
	}
	if len(h.store.circuit) != 2 || h.store.circuit[1].Kind != storage.CircuitClear || h.store.circuit[1].Operator != "ops" {
		t.Errorf("circuit events = %+v", h.store.circuit)
	}

	// back to the pipeline; the sizer vetoes a losses-only strategy
	h.market.prices["BTCUSDT"] = 100
	rep = h.cycle(20 * time.Minute)
	if rep.Halted || rep.OracleCalls != 4 || len(rep.Decisions) != 1 || rep.Decisions[0].Source != types.SourcePipeline {
		t.Errorf("trading not resumed: %+v", rep)
	}
}

func TestRejectionEndsCycle(t *testing.T) {
	h := newHarness(t, risk.DefaultBreakerConfig(),
		strategy.Definition{ID: "a", Instrument: "BTCUSDT", Active: true},
		strategy.Definition{ID: "b", Instrument: "ETHUSDT", Active: true},
	)
	rej := &rejectingExecutor{PaperExecutor: h.exec}
	h.engine.Executor = rej

	rep := h.cycle(0)
	if rep.Rejection == nil || rep.Rejection.Code != execution.RejectExchange || rep.Result() != "rejected" {
		t.Fatalf("report = %+v", rep)
	}
	if rej.submits != 1 || len(rep.Decisions) != 1 {
		t.Errorf("submits %d, decisions %d; cycle should stop at the first rejection", rej.submits, len(rep.Decisions))
	}
	if rep.Rebalanced != "" {
		t.Error("rejected cycle still rebalanced")
	}
}

func TestOracleOutageHolds(t *testing.T) {
	h := newHarness(t, risk.DefaultBreakerConfig())
	h.oracle.err = oracle.ErrTransport

	rep := h.cycle(0)
	if len(rep.Decisions) != 1 || rep.Decisions[0].Source != types.SourceHold {
		t.Fatalf("decisions = %+v", rep.Decisions)
	}
	// analyze then one-shot, no retries configured
	if rep.OracleCalls != 2 || len(rep.Fills) != 0 {
		t.Errorf("calls %d, fills %d", rep.OracleCalls, len(rep.Fills))
	}
}

func TestDisabledAndUnpricedStrategiesSkipped(t *testing.T) {
	h := newHarness(t, risk.DefaultBreakerConfig(),
		strategy.Definition{ID: "off", Instrument: "BTCUSDT", Active: false},
		strategy.Definition{ID: "dark", Instrument: "XRPUSDT", Active: true},
	)

	rep := h.cycle(0)
	if len(rep.Decisions) != 0 || len(rep.Errors) != 1 || rep.Result() != "degraded" {
		t.Errorf("report = %+v", rep)
	}
}

func TestReplayWarmsLearnerAndBooks(t *testing.T) {
	h := newHarness(t, risk.DefaultBreakerConfig())

	trades := []types.TradeRecord{
		{ID: "1", Strategy: "trend", Profit: d(10), ClosedAt: t0, Tags: types.ContextTags{Session: "europe"}},
		{ID: "2", Strategy: "trend", Profit: d(-4), ClosedAt: t0.Add(time.Hour), Tags: types.ContextTags{Session: "us"}},
		{ID: "3", Strategy: "retired", Profit: d(1), ClosedAt: t0.Add(2 * time.Hour)},
	}
	h.engine.Replay(trades, nil)

	if h.engine.Learner.Len() != 3 || len(h.engine.Patterns()) == 0 {
		t.Errorf("learner len %d, patterns %d", h.engine.Learner.Len(), len(h.engine.Patterns()))
	}
	allocs := h.engine.Allocations()
	if len(allocs) != 1 || !allocs[0].CumulativePnL.Equal(d(6)) || !allocs[0].PeakPnL.Equal(d(10)) {
		t.Errorf("allocations = %+v", allocs)
	}
	if st := h.engine.Status(); st.Trades != 3 || !st.Equity.Equal(d(1000)) || st.Tripped {
		t.Errorf("status = %+v", st)
	}
}

func TestCycleSharesOracleBudget(t *testing.T) {
	h := newHarness(t, risk.DefaultBreakerConfig(),
		strategy.Definition{ID: "a", Instrument: "BTCUSDT", Active: true},
		strategy.Definition{ID: "b", Instrument: "ETHUSDT", Active: true},
		strategy.Definition{ID: "c", Instrument: "SOLUSDT", Active: true},
	)
	h.market.prices["SOLUSDT"] = 20

	pcfg := decision.DefaultConfig()
	pcfg.MaxRetries = 0
	pcfg.CallBudget = 4
	h.engine.Pipeline = decision.NewPipeline(h.oracle, risk.NewSizer(risk.DefaultSizerConfig()), pcfg)

	rep := h.cycle(0)
	if rep.OracleCalls != 4 || h.oracle.calls != 4 || len(rep.Decisions) != 3 {
		t.Fatalf("calls %d (oracle saw %d), decisions %d", rep.OracleCalls, h.oracle.calls, len(rep.Decisions))
	}
	if rep.Decisions[0].Source != types.SourcePipeline {
		t.Errorf("first strategy source = %s", rep.Decisions[0].Source)
	}
	for _, dec := range rep.Decisions[1:] {
		if dec.Source != types.SourceHold || !dec.IsHold() {
			t.Errorf("%s: source %s, want hold once the budget is spent", dec.Strategy, dec.Source)
		}
	}

	// the next cycle gets a fresh budget
	if rep = h.cycle(5 * time.Minute); rep.OracleCalls != 4 {
		t.Errorf("second cycle calls = %d, want 4", rep.OracleCalls)
	}
}

func sell() *types.StageResult {
	r := buy()
	r.Action = types.ActionSell
	r.Reasoning = "trend broken"
	return r
}

func TestOppositeDecisionClosesPosition(t *testing.T) {
	h := newHarness(t, risk.DefaultBreakerConfig())
	if rep := h.cycle(0); len(rep.Fills) != 1 {
		t.Fatalf("no entry: %+v", rep)
	}

	// same direction keeps the position
	h.market.prices["BTCUSDT"] = 101
	rep := h.cycle(time.Minute)
	if len(rep.Closed) != 0 || len(rep.Fills) != 0 || len(h.exec.Positions()) != 1 {
		t.Fatalf("same-direction decision changed the book: %+v", rep)
	}

	h.oracle.res = sell()
	rep = h.cycle(2 * time.Minute)
	if rep.OracleCalls != 4 || len(rep.Closed) != 1 || len(rep.Fills) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	trade := rep.Closed[0]
	if trade.Reason != risk.ExitReversal || !trade.Profit.Equal(d(1)) {
		t.Errorf("trade = %+v", trade)
	}
	if len(h.exec.Positions()) != 0 || len(h.store.trades) != 1 || h.engine.Learner.Len() != 1 {
		t.Error("reversal close not recorded everywhere")
	}
}

func TestFullSymbolSkipsOracle(t *testing.T) {
	h := newHarness(t, risk.DefaultBreakerConfig(),
		strategy.Definition{ID: "a", Instrument: "BTCUSDT", Active: true},
		strategy.Definition{ID: "b", Instrument: "BTCUSDT", Active: true},
	)

	rep := h.cycle(0)
	if len(rep.Fills) != 1 || rep.OracleCalls != 4 || len(rep.Decisions) != 1 || rep.Decisions[0].Strategy != "a" {
		t.Fatalf("report = %+v", rep)
	}
	if h.oracle.calls != 4 {
		t.Errorf("oracle calls = %d; strategy b should not reach the oracle", h.oracle.calls)
	}
}

func newestFirst(events []storage.CircuitEvent) []storage.CircuitEvent {
	out := make([]storage.CircuitEvent, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e
	}
	return out
}

func TestTripSurvivesRestart(t *testing.T) {
	cfg := risk.DefaultBreakerConfig()
	cfg.MaxConsecutiveLosses = 1

	before := newHarness(t, cfg)
	before.cycle(0)
	before.market.prices["BTCUSDT"] = 97
	if rep := before.cycle(5 * time.Minute); !rep.Halted {
		t.Fatalf("breaker did not trip: %+v", rep)
	}

	after := newHarness(t, cfg)
	after.engine.Replay(before.store.trades, newestFirst(before.store.circuit))

	snap := after.engine.CircuitSnapshot()
	if !snap.Tripped || snap.Reason != risk.TripConsecutiveLosses || !snap.PeakEquity.Equal(before.store.circuit[0].PeakEquity) {
		t.Fatalf("restored state = %+v", snap)
	}
	rep := after.cycle(time.Hour)
	if !rep.Halted || after.oracle.calls != 0 || len(after.store.circuit) != 0 {
		t.Errorf("restarted engine traded: halted %v, calls %d, events %d", rep.Halted, after.oracle.calls, len(after.store.circuit))
	}

	if !after.engine.ClearCircuit("ops") || after.engine.Status().Tripped {
		t.Error("restored trip could not be cleared")
	}
}

func TestReplayCountsLossesSinceLastClear(t *testing.T) {
	cfg := risk.DefaultBreakerConfig()
	cfg.MaxConsecutiveLosses = 2
	cleared := []storage.CircuitEvent{{Kind: storage.CircuitClear, Operator: "ops", PeakEquity: d(1000), Equity: d(990), At: t0}}
	loss := func(id string, at time.Duration) types.TradeRecord {
		return types.TradeRecord{ID: id, Strategy: "trend", Profit: d(-5), ClosedAt: t0.Add(at)}
	}

	h := newHarness(t, cfg)
	h.engine.Replay([]types.TradeRecord{loss("old", -time.Hour), loss("1", time.Hour)}, cleared)
	if snap := h.engine.CircuitSnapshot(); snap.Tripped || snap.ConsecutiveLosses != 1 || !snap.PeakEquity.Equal(d(1000)) {
		t.Errorf("state = %+v; only the loss after the clear counts", snap)
	}

	h = newHarness(t, cfg)
	h.engine.Replay([]types.TradeRecord{loss("1", time.Hour), loss("2", 2*time.Hour)}, cleared)
	if !h.engine.Status().Tripped || len(h.store.circuit) != 1 || h.notifier.trips != 1 {
		t.Errorf("losses after the clear should trip and be stored: events %+v", h.store.circuit)
	}
}
