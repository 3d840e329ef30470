package strategy

import (
	"fmt"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Named decision contexts
// ═══════════════════════════════════════════════════════════════════════════════
//
// A strategy is a named context the decision pipeline reasons in: a symbol and
// a short brief rendered into every oracle prompt. The manager scores each one
// on its own realized PnL and sizes it from its own capital slice.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy is the interface all trading strategies must implement
type Strategy interface {
	// Name returns the strategy identifier
	Name() string

	// Symbol returns the traded instrument
	Symbol() string

	// Brief is the instruction text carried into oracle prompts
	Brief() string

	// Enabled returns whether strategy is active
	Enabled() bool

	// Config returns strategy configuration
	Config() map[string]interface{}
}

// Definition is a config-driven Strategy
type Definition struct {
	ID          string
	Instrument  string
	Description string
	Active      bool
}

func (d Definition) Name() string   { return d.ID }
func (d Definition) Symbol() string { return d.Instrument }
func (d Definition) Brief() string  { return d.Description }
func (d Definition) Enabled() bool  { return d.Active }

func (d Definition) Config() map[string]interface{} {
	return map[string]interface{}{
		"symbol":  d.Instrument,
		"brief":   d.Description,
		"enabled": d.Active,
	}
}

// Validate checks if a definition is well-formed
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("strategy id is empty")
	}
	if d.Instrument == "" {
		return fmt.Errorf("strategy %s: symbol is empty", d.ID)
	}
	return nil
}

// Builtin returns the stock strategy set for a symbol
func Builtin(symbol string) []Strategy {
	symbol = strings.ToUpper(symbol)
	return []Strategy{
		Definition{
			ID:          "trend",
			Instrument:  symbol,
			Description: "Follow the prevailing trend. Enter on pullbacks toward the short SMA, avoid counter-trend trades.",
			Active:      true,
		},
		Definition{
			ID:          "mean_revert",
			Instrument:  symbol,
			Description: "Fade stretched moves back toward the mean. Favour entries near the Bollinger bands with RSI extremes.",
			Active:      true,
		},
		Definition{
			ID:          "breakout",
			Instrument:  symbol,
			Description: "Trade range expansion. Enter when price closes outside a tight range with rising ATR.",
			Active:      true,
		},
	}
}

// ParseList builds definitions from "id:SYMBOL" pairs separated by commas.
// A bare id inherits fallbackSymbol and a builtin brief when one exists.
func ParseList(list, fallbackSymbol string) ([]Strategy, error) {
	briefs := make(map[string]string)
	for _, s := range Builtin(fallbackSymbol) {
		briefs[s.Name()] = s.Brief()
	}

	var out []Strategy
	seen := make(map[string]bool)
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, symbol := item, fallbackSymbol
		if i := strings.Index(item, ":"); i >= 0 {
			id, symbol = strings.TrimSpace(item[:i]), strings.TrimSpace(item[i+1:])
		}
		d := Definition{ID: id, Instrument: strings.ToUpper(symbol), Description: briefs[id], Active: true}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, fmt.Errorf("strategy %s listed twice", id)
		}
		seen[id] = true
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no strategies configured")
	}
	return out, nil
}
