package oracle

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/web3guy0/polytrader/types"
)

// Schema bounds of a stage reply
const (
	MinConfidence    = 0.4
	MaxConfidence    = 0.95
	MinStopLossPct   = 0.5
	MaxStopLossPct   = 10.0
	MinTakeProfitPct = 0.5
	MaxTakeProfitPct = 30.0
	MinLeverage      = 1
	MaxLeverage      = 10
)

// ParseStageResult extracts the JSON object from a model reply and validates it.
// Hold replies carry no execution fields; those are normalised instead of checked.
func ParseStageResult(raw string, sizeCap float64) (*types.StageResult, error) {
	body, err := extractObject(raw)
	if err != nil {
		return nil, err
	}

	var r types.StageResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrSchema, err)
	}

	r.Action = types.Action(strings.ToLower(strings.TrimSpace(string(r.Action))))
	r.Risk = types.RiskLevel(strings.ToLower(strings.TrimSpace(string(r.Risk))))

	if err := validate(&r, sizeCap); err != nil {
		return nil, err
	}
	return &r, nil
}

func validate(r *types.StageResult, sizeCap float64) error {
	switch r.Action {
	case types.ActionBuy, types.ActionSell, types.ActionHold:
	default:
		return fmt.Errorf("%w: action %q", ErrSchema, r.Action)
	}

	switch r.Risk {
	case types.RiskLow, types.RiskMedium, types.RiskHigh:
	default:
		return fmt.Errorf("%w: risk %q", ErrSchema, r.Risk)
	}

	if !inRange(r.Confidence, MinConfidence, MaxConfidence) {
		return fmt.Errorf("%w: confidence %v outside [%v,%v]", ErrSchema, r.Confidence, MinConfidence, MaxConfidence)
	}

	if r.Action == types.ActionHold {
		r.PositionSize = 0
		r.StopLossPct = 0
		r.TakeProfitPct = 0
		r.Leverage = 1
		return nil
	}

	if !inRange(r.PositionSize, 0, sizeCap) {
		return fmt.Errorf("%w: position_size %v outside [0,%v]", ErrSchema, r.PositionSize, sizeCap)
	}
	if !inRange(r.StopLossPct, MinStopLossPct, MaxStopLossPct) {
		return fmt.Errorf("%w: stop_loss_pct %v outside [%v,%v]", ErrSchema, r.StopLossPct, MinStopLossPct, MaxStopLossPct)
	}
	if !inRange(r.TakeProfitPct, MinTakeProfitPct, MaxTakeProfitPct) {
		return fmt.Errorf("%w: take_profit_pct %v outside [%v,%v]", ErrSchema, r.TakeProfitPct, MinTakeProfitPct, MaxTakeProfitPct)
	}
	if r.Leverage < MinLeverage || r.Leverage > MaxLeverage {
		return fmt.Errorf("%w: leverage %d outside [%d,%d]", ErrSchema, r.Leverage, MinLeverage, MaxLeverage)
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

// extractObject returns the first balanced JSON object in text, preferring a
// ```json fenced block when one exists.
func extractObject(text string) (string, error) {
	if i := strings.Index(text, "```json"); i != -1 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j != -1 {
			text = rest[:j]
		}
	}

	start := strings.Index(text, "{")
	if start == -1 {
		return "", fmt.Errorf("%w: no JSON object in reply", ErrSchema)
	}
	end := matchingBrace(text, start)
	if end == -1 {
		return "", fmt.Errorf("%w: unbalanced JSON object", ErrSchema)
	}
	return text[start : end+1], nil
}

// matchingBrace finds the brace closing text[start], skipping string literals
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
