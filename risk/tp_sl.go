package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL MANAGER - Exit levels and exit conditions for leveraged positions
// ═══════════════════════════════════════════════════════════════════════════════

// Exit reasons
const (
	ExitTakeProfit  = "TAKE_PROFIT"
	ExitStopLoss    = "STOP_LOSS"
	ExitMaxHoldTime = "MAX_HOLD_TIME"
	ExitReversal    = "SIGNAL_REVERSAL"
)

var hundred = decimal.NewFromInt(100)

type TPSLManager struct {
	mu sync.RWMutex

	// Trailing stop configuration
	trailingEnabled  bool
	trailingStart    decimal.Decimal // Start trailing after X% profit
	trailingDistance decimal.Decimal // Trail by X%

	// Time-based stops
	maxHoldTime time.Duration
}

// NewTPSLManager creates a new TP/SL manager
func NewTPSLManager(maxHold time.Duration) *TPSLManager {
	return &TPSLManager{
		trailingStart:    decimal.NewFromFloat(0.05),
		trailingDistance: decimal.NewFromFloat(0.03),
		maxHoldTime:      maxHold,
	}
}

// Levels converts percentage distances into stop-loss and take-profit prices
func Levels(dir types.Direction, entry decimal.Decimal, stopLossPct, takeProfitPct float64) (sl, tp decimal.Decimal) {
	slMove := entry.Mul(decimal.NewFromFloat(stopLossPct)).Div(hundred)
	tpMove := entry.Mul(decimal.NewFromFloat(takeProfitPct)).Div(hundred)
	if dir == types.Short {
		return entry.Add(slMove), entry.Sub(tpMove)
	}
	return entry.Sub(slMove), entry.Add(tpMove)
}

// CheckExit determines if a position should be closed
func (tm *TPSLManager) CheckExit(pos *types.Position, price decimal.Decimal, now time.Time) (shouldExit bool, reason string, exitPrice decimal.Decimal) {
	long := pos.Direction != types.Short

	if long && price.GreaterThanOrEqual(pos.TakeProfit) || !long && price.LessThanOrEqual(pos.TakeProfit) {
		return true, ExitTakeProfit, pos.TakeProfit
	}
	if long && price.LessThanOrEqual(pos.StopLoss) || !long && price.GreaterThanOrEqual(pos.StopLoss) {
		return true, ExitStopLoss, pos.StopLoss
	}

	tm.mu.RLock()
	trailing := tm.trailingEnabled
	maxHold := tm.maxHoldTime
	tm.mu.RUnlock()

	if trailing {
		if newSL, moved := tm.trailingStop(pos, price); moved {
			pos.StopLoss = newSL
			log.Debug().
				Str("symbol", pos.Symbol).
				Str("new_sl", newSL.StringFixed(2)).
				Msg("Trailing stop updated")
		}
	}

	if maxHold > 0 && now.Sub(pos.EntryTime) > maxHold {
		return true, ExitMaxHoldTime, price
	}

	return false, "", decimal.Zero
}

// trailingStop computes the trailing stop price from the best price seen
func (tm *TPSLManager) trailingStop(pos *types.Position, price decimal.Decimal) (decimal.Decimal, bool) {
	tm.mu.RLock()
	start, distance := tm.trailingStart, tm.trailingDistance
	tm.mu.RUnlock()

	if pos.EntryPrice.IsZero() {
		return pos.StopLoss, false
	}

	one := decimal.NewFromInt(1)
	if pos.Direction == types.Short {
		profit := pos.EntryPrice.Sub(price).Div(pos.EntryPrice)
		if profit.LessThan(start) {
			return pos.StopLoss, false
		}
		if pos.HighWater.IsZero() || price.LessThan(pos.HighWater) {
			pos.HighWater = price
		}
		sl := pos.HighWater.Mul(one.Add(distance))
		return sl, sl.LessThan(pos.StopLoss)
	}

	profit := price.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	if profit.LessThan(start) {
		return pos.StopLoss, false
	}
	if price.GreaterThan(pos.HighWater) {
		pos.HighWater = price
	}
	sl := pos.HighWater.Mul(one.Sub(distance))
	return sl, sl.GreaterThan(pos.StopLoss)
}

// EnableTrailing enables trailing stops
func (tm *TPSLManager) EnableTrailing(startPct, distancePct float64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.trailingEnabled = true
	tm.trailingStart = decimal.NewFromFloat(startPct)
	tm.trailingDistance = decimal.NewFromFloat(distancePct)
}

// DisableTrailing disables trailing stops
func (tm *TPSLManager) DisableTrailing() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.trailingEnabled = false
}
