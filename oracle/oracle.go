package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REASONING ORACLE - Prompt in, structured stage result out, fallible
// ═══════════════════════════════════════════════════════════════════════════════

// Failure modes. All three are retryable.
var (
	ErrTransport = errors.New("oracle transport error")
	ErrTimeout   = errors.New("oracle timeout")
	ErrSchema    = errors.New("oracle schema violation")
)

// Stage identifies a pipeline round-trip
type Stage int

const (
	StageAnalyze Stage = iota + 1
	StageEvaluate
	StageAssessRisk
	StageDecide
	StageOneShot
)

func (s Stage) String() string {
	switch s {
	case StageAnalyze:
		return "analyze"
	case StageEvaluate:
		return "evaluate"
	case StageAssessRisk:
		return "assess_risk"
	case StageDecide:
		return "decide"
	case StageOneShot:
		return "one_shot"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Oracle is the capability set the decision pipeline drives. Implementations
// pick their own model per stage.
type Oracle interface {
	Analyze(ctx context.Context, p Prompt) (*types.StageResult, error)
	Evaluate(ctx context.Context, p Prompt) (*types.StageResult, error)
	AssessRisk(ctx context.Context, p Prompt) (*types.StageResult, error)
	Decide(ctx context.Context, p Prompt) (*types.StageResult, error)
	OneShot(ctx context.Context, p Prompt) (*types.StageResult, error)
}

// Call dispatches a stage to the matching oracle method
func Call(ctx context.Context, o Oracle, stage Stage, p Prompt) (*types.StageResult, error) {
	switch stage {
	case StageAnalyze:
		return o.Analyze(ctx, p)
	case StageEvaluate:
		return o.Evaluate(ctx, p)
	case StageAssessRisk:
		return o.AssessRisk(ctx, p)
	case StageDecide:
		return o.Decide(ctx, p)
	case StageOneShot:
		return o.OneShot(ctx, p)
	}
	return nil, fmt.Errorf("unknown stage %d", int(stage))
}

// MarketSummary is the numeric context rendered into every prompt
type MarketSummary struct {
	RSI        float64
	MACD       float64
	MACDSignal float64
	Momentum   float64 // % over the lookback
	ATRRatio   float64
	BBUpper    float64
	BBLower    float64
	SMAShort   float64
	SMALong    float64
}

// Prompt is the structured input of one round-trip
type Prompt struct {
	Symbol        string
	Strategy      string
	Brief         string // strategy instructions
	Price         decimal.Decimal
	Balance       decimal.Decimal
	OpenPositions int
	Regime        string
	Confidence    float64 // learner-adapted base confidence
	Market        MarketSummary
	SizeCap       float64              // max position_size the reply may carry
	Previous      []*types.StageResult // outputs of earlier stages, in order
}

// IsRetryable reports whether err belongs to the retryable taxonomy
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrSchema)
}

// classify maps a raw client error onto the oracle taxonomy
func classify(ctx context.Context, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, stage, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, stage, err)
}
