package oracle

import (
	"fmt"
	"strings"

	"github.com/web3guy0/polytrader/internal/indicators"
	"github.com/web3guy0/polytrader/types"
)

const replyFormat = `Reply with ONE JSON object and nothing else:
{"action":"buy|sell|hold","confidence":0.4-0.95,"position_size":<usd>,"stop_loss_pct":0.5-10,"take_profit_pct":0.5-30,"leverage":1-10,"risk":"low|medium|high","reasoning":"<one sentence>"}`

var stageRoles = map[Stage]string{
	StageAnalyze:    "You are a market analyst for leveraged crypto perpetuals. Read the indicators and state the directional bias.",
	StageEvaluate:   "You are a strategy reviewer. Given the analysis, judge whether the named strategy has an edge in this regime.",
	StageAssessRisk: "You are a risk manager. Given the analysis and the strategy review, set stop, target, leverage and risk level.",
	StageDecide:     "You are the head trader. Weigh all previous stages and issue the final order.",
	StageOneShot:    "You are a cautious trader. Decide in a single step. Prefer hold when the evidence is mixed.",
}

// SystemPrompt returns the role prompt of a stage
func SystemPrompt(stage Stage) string {
	return stageRoles[stage] + "\n\n" + replyFormat
}

// BuildPrompt renders the user prompt of a stage, carrying earlier stage output
func BuildPrompt(stage Stage, p Prompt) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s %s\n\n", strings.ToUpper(stage.String()), p.Symbol)

	sb.WriteString("## Account\n")
	fmt.Fprintf(&sb, "- balance: %s USD\n", p.Balance.StringFixed(2))
	fmt.Fprintf(&sb, "- open positions: %d\n", p.OpenPositions)
	fmt.Fprintf(&sb, "- strategy: %s\n", p.Strategy)
	fmt.Fprintf(&sb, "- max position_size: %.2f USD\n\n", p.SizeCap)

	if p.Brief != "" {
		sb.WriteString("## Strategy brief\n")
		sb.WriteString(p.Brief)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Market\n")
	fmt.Fprintf(&sb, "- price: %s\n", p.Price.String())
	fmt.Fprintf(&sb, "- regime: %s\n", p.Regime)
	fmt.Fprintf(&sb, "- RSI(14): %.1f\n", p.Market.RSI)
	fmt.Fprintf(&sb, "- MACD: %.4f signal %.4f\n", p.Market.MACD, p.Market.MACDSignal)
	fmt.Fprintf(&sb, "- momentum: %+.2f%%\n", p.Market.Momentum)
	fmt.Fprintf(&sb, "- ATR/price: %.2f%%\n", p.Market.ATRRatio*100)
	fmt.Fprintf(&sb, "- bollinger: %.2f / %.2f\n", p.Market.BBLower, p.Market.BBUpper)
	fmt.Fprintf(&sb, "- SMA short/long: %.2f / %.2f\n", p.Market.SMAShort, p.Market.SMALong)
	fmt.Fprintf(&sb, "- historical confidence for this context: %.2f\n", p.Confidence)

	if len(p.Previous) > 0 && stage != StageOneShot {
		sb.WriteString("\n## Previous stages\n")
		for i, r := range p.Previous {
			if r == nil {
				continue
			}
			fmt.Fprintf(&sb, "%d. %s (confidence %.2f, risk %s, sl %.1f%%, tp %.1f%%, lev %dx): %s\n",
				i+1, r.Action, r.Confidence, r.Risk, r.StopLossPct, r.TakeProfitPct, r.Leverage, r.Reasoning)
		}
	}

	return sb.String()
}

// Summarize derives the prompt indicators from a snapshot
func Summarize(m types.MarketSnapshot, shortPeriod, longPeriod int) MarketSummary {
	closes := m.Closes()
	macd, signal, _ := indicators.MACD(closes, 12, 26, 9)
	upper, _, lower := indicators.BollingerBands(closes, 20, 2)

	return MarketSummary{
		RSI:        indicators.RSI(closes, 14),
		MACD:       macd,
		MACDSignal: signal,
		Momentum:   indicators.Momentum(closes, 10),
		ATRRatio:   indicators.ATRRatio(m.Highs(), m.Lows(), closes, 14),
		BBUpper:    upper,
		BBLower:    lower,
		SMAShort:   indicators.SMA(closes, shortPeriod),
		SMALong:    indicators.SMA(closes, longPeriod),
	}
}
