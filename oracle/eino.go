package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/web3guy0/polytrader/types"
)

// chatModel is the slice of the eino chat model the oracle uses
type chatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Config selects the endpoint and the two model tiers
type Config struct {
	BaseURL       string
	APIKey        string
	FastModel     string // stages 1-3 and the one-shot fallback
	QualityModel  string // stage 4
	MaxTokens     int
	Temperature   float32
	RatePerMinute int
}

// ChatOracle drives OpenAI-compatible chat endpoints through eino
type ChatOracle struct {
	fast    chatModel
	quality chatModel
	limiter *rate.Limiter
}

// NewChatOracle builds the fast and quality chat models
func NewChatOracle(ctx context.Context, cfg Config) (*ChatOracle, error) {
	fast, err := newOpenAIModel(ctx, cfg, cfg.FastModel)
	if err != nil {
		return nil, fmt.Errorf("fast model: %w", err)
	}
	quality, err := newOpenAIModel(ctx, cfg, cfg.QualityModel)
	if err != nil {
		return nil, fmt.Errorf("quality model: %w", err)
	}

	log.Info().
		Str("base_url", cfg.BaseURL).
		Str("fast", cfg.FastModel).
		Str("quality", cfg.QualityModel).
		Int("rate_per_min", cfg.RatePerMinute).
		Msg("🤖 Reasoning oracle ready")

	return newChatOracle(fast, quality, newLimiter(cfg.RatePerMinute)), nil
}

func newChatOracle(fast, quality chatModel, limiter *rate.Limiter) *ChatOracle {
	return &ChatOracle{fast: fast, quality: quality, limiter: limiter}
}

func newOpenAIModel(ctx context.Context, cfg Config, name string) (*openai.ChatModel, error) {
	maxTokens := cfg.MaxTokens
	temperature := cfg.Temperature
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       name,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

func (o *ChatOracle) Analyze(ctx context.Context, p Prompt) (*types.StageResult, error) {
	return o.call(ctx, o.fast, StageAnalyze, p)
}

func (o *ChatOracle) Evaluate(ctx context.Context, p Prompt) (*types.StageResult, error) {
	return o.call(ctx, o.fast, StageEvaluate, p)
}

func (o *ChatOracle) AssessRisk(ctx context.Context, p Prompt) (*types.StageResult, error) {
	return o.call(ctx, o.fast, StageAssessRisk, p)
}

func (o *ChatOracle) Decide(ctx context.Context, p Prompt) (*types.StageResult, error) {
	return o.call(ctx, o.quality, StageDecide, p)
}

func (o *ChatOracle) OneShot(ctx context.Context, p Prompt) (*types.StageResult, error) {
	return o.call(ctx, o.fast, StageOneShot, p)
}

// call performs one throttled round-trip and maps failures onto the taxonomy
func (o *ChatOracle) call(ctx context.Context, m chatModel, stage Stage, p Prompt) (*types.StageResult, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, classify(ctx, stage, err)
	}

	start := time.Now()
	msgs := []*schema.Message{
		schema.SystemMessage(SystemPrompt(stage)),
		schema.UserMessage(BuildPrompt(stage, p)),
	}

	resp, err := m.Generate(ctx, msgs)
	if err != nil {
		log.Warn().Err(err).Str("stage", stage.String()).Msg("⚠️ Oracle call failed")
		return nil, classify(ctx, stage, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s: empty reply", ErrTransport, stage)
	}

	result, err := ParseStageResult(resp.Content, p.SizeCap)
	if err != nil {
		log.Warn().Err(err).Str("stage", stage.String()).Msg("⚠️ Oracle reply rejected")
		return nil, err
	}

	log.Debug().
		Str("stage", stage.String()).
		Str("action", string(result.Action)).
		Float64("confidence", result.Confidence).
		Dur("latency", time.Since(start)).
		Msg("Oracle stage complete")

	return result, nil
}
