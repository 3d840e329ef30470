package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/metrics"
	"github.com/web3guy0/polytrader/oracle"
	"github.com/web3guy0/polytrader/risk"
	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION PIPELINE - Four oracle stages with a fallback ladder
// ═══════════════════════════════════════════════════════════════════════════════
//
//   lookup ─hit─────────────────────────────────────────────▶ done
//     │miss
//   analyze ─▶ evaluate ─▶ assess risk ─▶ decide ─────────────▶ done
//     │fail        │fail          │fail        │fail
//     └────────────┴──────────────┴────────────┴─▶ fresh cache ─▶ last good ─▶ one-shot ─▶ hold
//
// Every rung that succeeds ends the run. Hold always succeeds.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrBudgetExhausted means the cycle has no oracle calls left
var ErrBudgetExhausted = errors.New("oracle call budget exhausted")

// Budget is the oracle call allowance of one cycle, shared by every run in it
type Budget struct {
	mu        sync.Mutex
	left      int
	unlimited bool
}

// NewBudget allows n calls. n <= 0 means unlimited.
func NewBudget(n int) *Budget {
	return &Budget{left: n, unlimited: n <= 0}
}

// take spends one call. Returns false once the budget is used up.
func (b *Budget) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unlimited {
		return true
	}
	if b.left <= 0 {
		return false
	}
	b.left--
	return true
}

// Remaining returns the calls left, or -1 when unlimited
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unlimited {
		return -1
	}
	return b.left
}

// State is a node of the pipeline state machine
type State int

const (
	StateLookup State = iota
	StateAnalyze
	StateEvaluate
	StateAssessRisk
	StateDecide
	StateCacheFresh
	StateLastKnownGood
	StateOneShot
	StateHold
	StateDone
)

var stateNames = map[State]string{
	StateLookup:        "lookup",
	StateAnalyze:       "analyze",
	StateEvaluate:      "evaluate",
	StateAssessRisk:    "assess_risk",
	StateDecide:        "decide",
	StateCacheFresh:    "cache_fresh",
	StateLastKnownGood: "last_known_good",
	StateOneShot:       "one_shot",
	StateHold:          "hold",
	StateDone:          "done",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transition is the complete edge table. ok reports whether the step in s
// produced a decision (or, for oracle stages, a valid stage result).
func transition(s State, ok bool) State {
	switch s {
	case StateLookup:
		if ok {
			return StateDone
		}
		return StateAnalyze
	case StateAnalyze:
		if ok {
			return StateEvaluate
		}
		return StateCacheFresh
	case StateEvaluate:
		if ok {
			return StateAssessRisk
		}
		return StateCacheFresh
	case StateAssessRisk:
		if ok {
			return StateDecide
		}
		return StateCacheFresh
	case StateDecide:
		if ok {
			return StateDone
		}
		return StateCacheFresh
	case StateCacheFresh:
		if ok {
			return StateDone
		}
		return StateLastKnownGood
	case StateLastKnownGood:
		if ok {
			return StateDone
		}
		return StateOneShot
	case StateOneShot:
		if ok {
			return StateDone
		}
		return StateHold
	}
	return StateDone
}

var stageOf = map[State]oracle.Stage{
	StateAnalyze:    oracle.StageAnalyze,
	StateEvaluate:   oracle.StageEvaluate,
	StateAssessRisk: oracle.StageAssessRisk,
	StateDecide:     oracle.StageDecide,
}

// Config holds retry, timeout and cache policy
type Config struct {
	MaxRetries    int
	StageTimeout  time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	CallBudget    int // oracle calls per cycle; <= 0 means unlimited
	CacheTTL      time.Duration
	CacheCapacity int
	FreshAge      time.Duration // max age of the fresh-cache rung
	Bucket        time.Duration // fingerprint time bucket
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		StageTimeout:  30 * time.Second,
		BackoffMin:    time.Second,
		BackoffMax:    10 * time.Second,
		CallBudget:    4*(3+1) + 1,
		CacheTTL:      time.Hour,
		CacheCapacity: 1000,
		FreshAge:      60 * time.Second,
		Bucket:        60 * time.Second,
	}
}

// Request is everything one run needs
type Request struct {
	Symbol        string
	Strategy      string
	Brief         string
	Price         decimal.Decimal
	Balance       decimal.Decimal // capital available to this strategy
	OpenPositions int
	Regime        string
	Confidence    float64 // learner-adapted base confidence for the prompt
	Market        oracle.MarketSummary
	Sizing        risk.SizingInput                // trade statistics and volatility
	Adapt         func(types.StageResult) float64 // adjusts the final oracle confidence
	Budget        *Budget                         // cycle allowance; nil gets a fresh one from CallBudget
	Now           time.Time
}

// Outcome is the result of one run. Decision is always set.
type Outcome struct {
	Decision types.Decision
	Calls    int
	Path     []State
	Err      error // last oracle failure, if any
}

type Pipeline struct {
	cfg    Config
	oracle oracle.Oracle
	sizer  *risk.Sizer
	cache  *Cache

	mu       sync.Mutex
	lastGood map[string]types.Decision

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline wires the oracle and the sizer
func NewPipeline(o oracle.Oracle, sizer *risk.Sizer, cfg Config) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		oracle:   o,
		sizer:    sizer,
		cache:    NewCache(cfg.CacheTTL, cfg.CacheCapacity),
		lastGood: make(map[string]types.Decision),
		sleep:    sleepCtx,
	}
}

// NewBudget returns a fresh allowance of CallBudget calls for one cycle
func (p *Pipeline) NewBudget() *Budget {
	return NewBudget(p.cfg.CallBudget)
}

// Cache exposes the decision cache for reporting
func (p *Pipeline) Cache() *Cache {
	return p.cache
}

// run is the mutable state of one pipeline run
type run struct {
	req     Request
	now     time.Time
	fp      Fingerprint
	prompt  oracle.Prompt
	calls   int
	budget  *Budget
	result  *types.StageResult
	source  types.DecisionSource
	lastErr error
}

// Run drives the state machine to a decision. It never fails.
func (p *Pipeline) Run(ctx context.Context, req Request) Outcome {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	budget := req.Budget
	if budget == nil {
		budget = p.NewBudget()
	}

	r := &run{
		req:    req,
		now:    now,
		budget: budget,
		fp:     NewFingerprint(now, p.cfg.Bucket, req.Symbol, req.Strategy, req.Price, req.Balance, req.OpenPositions),
		prompt: oracle.Prompt{
			Symbol:        req.Symbol,
			Strategy:      req.Strategy,
			Brief:         req.Brief,
			Price:         req.Price,
			Balance:       req.Balance,
			OpenPositions: req.OpenPositions,
			Regime:        req.Regime,
			Confidence:    req.Confidence,
			Market:        req.Market,
			SizeCap:       req.Balance.Mul(decimal.NewFromFloat(p.sizer.Config().MaxFraction)).InexactFloat64(),
		},
	}

	var path []State
	for state := StateLookup; state != StateDone; {
		path = append(path, state)
		state = transition(state, p.step(ctx, r, state))
	}

	dec := p.finalize(r)

	log.Info().
		Str("symbol", dec.Symbol).
		Str("strategy", dec.Strategy).
		Str("source", string(dec.Source)).
		Str("action", string(dec.Result.Action)).
		Str("notional", dec.Notional.StringFixed(2)).
		Int("calls", r.calls).
		Msg("🧭 Decision")

	return Outcome{Decision: dec, Calls: r.calls, Path: path, Err: r.lastErr}
}

// step executes the work of one state
func (p *Pipeline) step(ctx context.Context, r *run, s State) bool {
	switch s {
	case StateLookup:
		d, age, ok := p.cache.Get(r.fp, r.now)
		if ok {
			log.Debug().Dur("age", age).Msg("Decision cache hit")
			r.use(d.Result, types.SourceCache)
		}
		return ok

	case StateAnalyze, StateEvaluate, StateAssessRisk, StateDecide:
		res, err := p.callStage(ctx, r, stageOf[s], p.cfg.MaxRetries)
		if err != nil {
			r.lastErr = err
			log.Warn().Err(err).Str("stage", s.String()).Msg("⚠️ Stage failed, entering fallback ladder")
			return false
		}
		r.prompt.Previous = append(r.prompt.Previous, res)
		if s == StateDecide {
			r.use(*res, types.SourcePipeline)
			p.remember(r)
		}
		return true

	case StateCacheFresh:
		d, age, ok := p.cache.Fresh(r.fp, r.now, p.cfg.FreshAge)
		if ok {
			log.Info().Dur("age", age).Msg("♻️ Fallback: fresh cached decision")
			r.use(d.Result, types.SourceCache)
		}
		return ok

	case StateLastKnownGood:
		p.mu.Lock()
		d, ok := p.lastGood[lkgKey(r.req.Symbol, r.req.Strategy)]
		p.mu.Unlock()
		if ok {
			log.Info().Time("from", d.CreatedAt).Msg("♻️ Fallback: last known good decision")
			r.use(d.Result, types.SourceLastKnownGood)
		}
		return ok

	case StateOneShot:
		r.prompt.Previous = nil
		res, err := p.callStage(ctx, r, oracle.StageOneShot, 0)
		if err != nil {
			r.lastErr = err
			return false
		}
		log.Info().Msg("♻️ Fallback: one-shot oracle decision")
		r.use(*res, types.SourceOneShot)
		return true

	case StateHold:
		reason := "all fallbacks exhausted"
		if r.lastErr != nil {
			reason = fmt.Sprintf("%s: %v", reason, r.lastErr)
		}
		log.Warn().Str("reason", reason).Msg("⏸️ Fallback: hold")
		r.use(types.HoldResult(reason), types.SourceHold)
		return true
	}
	return true
}

func (r *run) use(res types.StageResult, src types.DecisionSource) {
	r.result = &res
	r.source = src
}

// remember stores a full pipeline decision in the cache and as last known good
func (p *Pipeline) remember(r *run) {
	d := types.Decision{
		Symbol:    r.req.Symbol,
		Strategy:  r.req.Strategy,
		Result:    *r.result,
		Source:    types.SourcePipeline,
		CreatedAt: r.now,
	}
	p.cache.Put(r.fp, d, r.now)

	p.mu.Lock()
	p.lastGood[lkgKey(r.req.Symbol, r.req.Strategy)] = d
	p.mu.Unlock()
}

func lkgKey(symbol, strategy string) string {
	return symbol + "/" + strategy
}

// callStage runs one stage with per-attempt timeout and bounded retries
func (p *Pipeline) callStage(ctx context.Context, r *run, stage oracle.Stage, retries int) (*types.StageResult, error) {
	b := &backoff.Backoff{Min: p.cfg.BackoffMin, Max: p.cfg.BackoffMax, Factor: 2}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.budget.take() {
			return nil, ErrBudgetExhausted
		}

		r.calls++
		metrics.RecordOracleCall(stage.String())

		res, err := p.attempt(ctx, stage, r.prompt)
		if err == nil {
			return res, nil
		}

		lastErr = err
		metrics.RecordOracleFailure(stage.String(), errorKind(err))
		log.Debug().Err(err).Str("stage", stage.String()).Int("attempt", attempt+1).Msg("Oracle attempt failed")

		if attempt < retries {
			if err := p.sleep(ctx, b.ForAttempt(float64(attempt))); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// attempt bounds one oracle call by the stage timeout. A call that outlives
// its deadline is abandoned, its late reply discarded.
func (p *Pipeline) attempt(ctx context.Context, stage oracle.Stage, prompt oracle.Prompt) (*types.StageResult, error) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	type reply struct {
		res *types.StageResult
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := oracle.Call(sctx, p.oracle, stage, prompt)
		ch <- reply{res, err}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return nil, rep.err
		}
		if rep.res == nil {
			return nil, fmt.Errorf("%w: %s: empty result", oracle.ErrSchema, stage)
		}
		return rep.res, nil
	case <-sctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", oracle.ErrTimeout, stage, sctx.Err())
	}
}

// finalize sizes the chosen result into a decision
func (p *Pipeline) finalize(r *run) types.Decision {
	dec := types.Decision{
		Symbol:    r.req.Symbol,
		Strategy:  r.req.Strategy,
		Result:    *r.result,
		Notional:  decimal.Zero,
		Source:    r.source,
		Calls:     r.calls,
		CreatedAt: r.now,
	}
	if dec.Result.Action == types.ActionHold {
		return dec
	}

	conf := dec.Result.Confidence
	if r.req.Adapt != nil {
		conf = r.req.Adapt(dec.Result)
	}
	dec.Result.Confidence = conf

	in := r.req.Sizing
	in.Confidence = conf
	in.Balance = r.req.Balance
	in.OpenPositions = r.req.OpenPositions

	sz := p.sizer.Size(in)
	switch {
	case sz.Veto:
		dec.Result = types.HoldResult("sizing veto: " + sz.Reason)
	case sz.Notional.IsPositive():
		dec.Notional = sz.Notional
	default:
		capped := p.sizer.CapSuggested(dec.Result.PositionSize, r.req.Balance)
		if !capped.IsPositive() {
			dec.Result = types.HoldResult("no size: " + sz.Reason)
			break
		}
		log.Debug().Str("reason", sz.Reason).Str("notional", capped.StringFixed(2)).Msg("Using capped oracle size")
		dec.Notional = capped
	}
	return dec
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, oracle.ErrTimeout):
		return "timeout"
	case errors.Is(err, oracle.ErrSchema):
		return "schema"
	case errors.Is(err, oracle.ErrTransport):
		return "transport"
	}
	return "other"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
