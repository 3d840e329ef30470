package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/risk"
	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION LAYER - Order submission and position lifecycle
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order Flow:
//   Gate → Executor.Submit ─┬─ FILLED   → position opened with SL/TP levels
//                           └─ REJECTED → *Rejection (cycle ends, no retry)
//
//   Executor.Update(price) → SL / TP / trailing / max hold → closed TradeRecords
//
// ═══════════════════════════════════════════════════════════════════════════════

// RejectCode classifies a refused order
type RejectCode string

const (
	RejectInsufficientMargin RejectCode = "INSUFFICIENT_MARGIN"
	RejectInvalidSize        RejectCode = "INVALID_SIZE"
	RejectExchange           RejectCode = "EXCHANGE_ERROR"
)

// Rejection is a typed order refusal. It is never retried within a cycle.
type Rejection struct {
	Code   RejectCode
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("order rejected (%s): %s", r.Code, r.Reason)
}

// IsRejection reports whether err carries a *Rejection
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// ErrPositionNotFound is returned when closing an unknown position
var ErrPositionNotFound = errors.New("position not found")

// Executor is the order execution collaborator
type Executor interface {
	// Submit opens a position at price. Refusals are *Rejection.
	Submit(ctx context.Context, order types.OrderRequest, price decimal.Decimal, now time.Time) (types.Fill, error)

	// Update marks symbol at price and closes positions whose exit triggered
	Update(ctx context.Context, symbol string, price decimal.Decimal, now time.Time) ([]types.TradeRecord, error)

	// Close closes one position at price
	Close(ctx context.Context, positionID string, price decimal.Decimal, reason string, now time.Time) (types.TradeRecord, error)

	// Positions returns copies of the open positions
	Positions() []types.Position

	// Balance is free cash, excluding margin in use
	Balance() decimal.Decimal

	// Equity is cash plus margin in use plus unrealized PnL at the last marks
	Equity() decimal.Decimal
}

// ExecutorConfig holds executor settings
type ExecutorConfig struct {
	SlippageBps    int           // Simulated slippage in bps (default: 10)
	FeeBps         int           // Taker fee in bps per side (default: 4)
	MaxHold        time.Duration // Force close after this long (0 = never)
	TrailingStart  float64       // Start trailing after X profit (0 = off)
	TrailingOffset float64       // Trail by X
}

// DefaultExecutorConfig returns sensible defaults
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		SlippageBps: 10,
		FeeBps:      4,
		MaxHold:     24 * time.Hour,
	}
}

type openPosition struct {
	pos    types.Position
	margin decimal.Decimal
	fee    decimal.Decimal // entry fee already paid
}

// PaperExecutor simulates fills against a cash balance with margin accounting
type PaperExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig
	exits  *risk.TPSLManager

	cash      decimal.Decimal
	positions map[string]*openPosition
	marks     map[string]decimal.Decimal

	// Callbacks
	onFill  func(pos types.Position, fill types.Fill)
	onClose func(trade types.TradeRecord)

	// Metrics
	totalOrders    int64
	filledOrders   int64
	rejectedOrders int64
	totalVolume    decimal.Decimal
}

// NewPaperExecutor creates a simulated executor with starting cash
func NewPaperExecutor(cash decimal.Decimal, config ExecutorConfig) *PaperExecutor {
	exits := risk.NewTPSLManager(config.MaxHold)
	if config.TrailingStart > 0 && config.TrailingOffset > 0 {
		exits.EnableTrailing(config.TrailingStart, config.TrailingOffset)
	}

	log.Info().
		Str("cash", cash.StringFixed(2)).
		Int("slippage_bps", config.SlippageBps).
		Int("fee_bps", config.FeeBps).
		Dur("max_hold", config.MaxHold).
		Msg("⚡ Paper executor initialized")

	return &PaperExecutor{
		config:      config,
		exits:       exits,
		cash:        cash,
		positions:   make(map[string]*openPosition),
		marks:       make(map[string]decimal.Decimal),
		totalVolume: decimal.Zero,
	}
}

func bps(n int) decimal.Decimal {
	return decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(10000))
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER SUBMISSION
// ═══════════════════════════════════════════════════════════════════════════════

// Submit fills the order immediately with slippage
func (e *PaperExecutor) Submit(ctx context.Context, order types.OrderRequest, price decimal.Decimal, now time.Time) (types.Fill, error) {
	if err := ctx.Err(); err != nil {
		return types.Fill{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalOrders++

	reject := func(code RejectCode, format string, args ...interface{}) (types.Fill, error) {
		e.rejectedOrders++
		r := &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
		log.Warn().
			Str("symbol", order.Symbol).
			Str("code", string(code)).
			Str("reason", r.Reason).
			Msg("❌ Order rejected")
		return types.Fill{}, r
	}

	if !order.Notional.IsPositive() {
		return reject(RejectInvalidSize, "notional %s", order.Notional.String())
	}
	if order.Leverage < 1 {
		return reject(RejectInvalidSize, "leverage %d", order.Leverage)
	}
	if order.Direction != types.Long && order.Direction != types.Short {
		return reject(RejectInvalidSize, "direction %q", order.Direction)
	}
	if !price.IsPositive() {
		return reject(RejectExchange, "no price for %s", order.Symbol)
	}

	margin := order.Notional.Div(decimal.NewFromInt(int64(order.Leverage)))
	fee := order.Notional.Mul(bps(e.config.FeeBps))
	if margin.Add(fee).GreaterThan(e.cash) {
		return reject(RejectInsufficientMargin, "need %s, have %s",
			margin.Add(fee).StringFixed(2), e.cash.StringFixed(2))
	}

	// Longs pay up, shorts sell down
	slip := bps(e.config.SlippageBps)
	one := decimal.NewFromInt(1)
	fillPrice := price.Mul(one.Add(slip))
	if order.Direction == types.Short {
		fillPrice = price.Mul(one.Sub(slip))
	}

	sl, tp := risk.Levels(order.Direction, fillPrice, order.StopLossPct, order.TakeProfitPct)
	pos := types.Position{
		ID:         uuid.NewString(),
		Symbol:     order.Symbol,
		Strategy:   order.Strategy,
		Direction:  order.Direction,
		EntryPrice: fillPrice,
		Size:       order.Notional,
		Leverage:   order.Leverage,
		StopLoss:   sl,
		TakeProfit: tp,
		HighWater:  fillPrice,
		Confidence: order.Confidence,
		Tags:       order.Tags,
		EntryTime:  now,
	}

	e.cash = e.cash.Sub(margin).Sub(fee)
	e.positions[pos.ID] = &openPosition{pos: pos, margin: margin, fee: fee}
	e.marks[order.Symbol] = price
	e.filledOrders++
	e.totalVolume = e.totalVolume.Add(order.Notional)

	fill := types.Fill{
		OrderID:  pos.ID,
		Price:    fillPrice,
		Notional: order.Notional,
		Fee:      fee,
		FilledAt: now,
	}

	if e.onFill != nil {
		e.onFill(pos, fill)
	}

	log.Info().
		Str("id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("strategy", pos.Strategy).
		Str("direction", string(pos.Direction)).
		Str("fill_price", fillPrice.StringFixed(2)).
		Str("notional", order.Notional.StringFixed(2)).
		Int("leverage", order.Leverage).
		Str("sl", sl.StringFixed(2)).
		Str("tp", tp.StringFixed(2)).
		Msg("✅ Order filled (PAPER)")

	return fill, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGEMENT
// ═══════════════════════════════════════════════════════════════════════════════

// Update marks the symbol and closes every position whose exit triggered
func (e *PaperExecutor) Update(ctx context.Context, symbol string, price decimal.Decimal, now time.Time) ([]types.TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.marks[symbol] = price

	var closed []types.TradeRecord
	for _, id := range e.sortedIDs() {
		op := e.positions[id]
		if op.pos.Symbol != symbol {
			continue
		}
		exit, reason, exitPrice := e.exits.CheckExit(&op.pos, price, now)
		if !exit {
			continue
		}
		closed = append(closed, e.closeLocked(op, exitPrice, reason, now))
	}
	return closed, nil
}

// Close closes one position at price
func (e *PaperExecutor) Close(ctx context.Context, positionID string, price decimal.Decimal, reason string, now time.Time) (types.TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.TradeRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.positions[positionID]
	if !ok {
		return types.TradeRecord{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if !price.IsPositive() {
		price = op.pos.EntryPrice
	}
	return e.closeLocked(op, price, reason, now), nil
}

// closeLocked settles a position. Caller holds the lock.
func (e *PaperExecutor) closeLocked(op *openPosition, exitPrice decimal.Decimal, reason string, now time.Time) types.TradeRecord {
	pos := op.pos
	gross := pnl(pos, exitPrice)
	exitFee := pos.Size.Mul(bps(e.config.FeeBps))
	profit := gross.Sub(op.fee).Sub(exitFee)

	// Margin comes back with the gross result; losses never exceed the margin
	settle := op.margin.Add(gross).Sub(exitFee)
	if settle.IsNegative() {
		settle = decimal.Zero
		profit = op.margin.Add(op.fee).Neg()
	}
	e.cash = e.cash.Add(settle)
	delete(e.positions, pos.ID)

	trade := types.TradeRecord{
		ID:         pos.ID,
		Symbol:     pos.Symbol,
		Strategy:   pos.Strategy,
		Direction:  pos.Direction,
		OpenedAt:   pos.EntryTime,
		ClosedAt:   now,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Size:       pos.Size,
		Leverage:   pos.Leverage,
		Profit:     profit,
		Confidence: pos.Confidence,
		Reason:     reason,
		Tags:       pos.Tags,
	}

	if e.onClose != nil {
		e.onClose(trade)
	}

	emoji := "💰"
	if profit.IsNegative() {
		emoji = "📉"
	}
	log.Info().
		Str("id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Str("exit_price", exitPrice.StringFixed(2)).
		Str("profit", profit.StringFixed(2)).
		Msg(emoji + " Position closed")

	return trade
}

// pnl is the gross result of a position at price, before fees
func pnl(pos types.Position, price decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	if pos.Direction == types.Short {
		move = move.Neg()
	}
	return pos.Size.Mul(move)
}

// Restore re-opens a persisted position. Its margin is taken from cash.
func (e *PaperExecutor) Restore(pos types.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lev := pos.Leverage
	if lev < 1 {
		lev = 1
	}
	margin := pos.Size.Div(decimal.NewFromInt(int64(lev)))
	e.cash = e.cash.Sub(margin)
	e.positions[pos.ID] = &openPosition{pos: pos, margin: margin, fee: decimal.Zero}

	log.Info().
		Str("id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("size", pos.Size.StringFixed(2)).
		Str("entry", pos.EntryPrice.StringFixed(2)).
		Msg("📥 Position restored")
}

// Positions returns copies of the open positions, oldest first
func (e *PaperExecutor) Positions() []types.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.Position, 0, len(e.positions))
	for _, id := range e.sortedIDs() {
		out = append(out, e.positions[id].pos)
	}
	return out
}

// Balance returns free cash
func (e *PaperExecutor) Balance() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cash
}

// Equity returns cash plus margin in use plus unrealized PnL
func (e *PaperExecutor) Equity() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	eq := e.cash
	for _, op := range e.positions {
		eq = eq.Add(op.margin)
		if mark, ok := e.marks[op.pos.Symbol]; ok {
			eq = eq.Add(pnl(op.pos, mark))
		}
	}
	return eq
}

func (e *PaperExecutor) sortedIDs() []string {
	ids := make([]string, 0, len(e.positions))
	for id := range e.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := e.positions[ids[i]].pos, e.positions[ids[j]].pos
		if !a.EntryTime.Equal(b.EntryTime) {
			return a.EntryTime.Before(b.EntryTime)
		}
		return a.ID < b.ID
	})
	return ids
}

// ═══════════════════════════════════════════════════════════════════════════════
// CALLBACKS & METRICS
// ═══════════════════════════════════════════════════════════════════════════════

// OnFill sets callback for fill events. Callbacks run under the executor lock.
func (e *PaperExecutor) OnFill(fn func(pos types.Position, fill types.Fill)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFill = fn
}

// OnClose sets callback for closed positions
func (e *PaperExecutor) OnClose(fn func(trade types.TradeRecord)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = fn
}

// GetMetrics returns execution metrics
func (e *PaperExecutor) GetMetrics() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fillRate := float64(0)
	if e.totalOrders > 0 {
		fillRate = float64(e.filledOrders) / float64(e.totalOrders) * 100
	}

	return map[string]interface{}{
		"total_orders":    e.totalOrders,
		"filled_orders":   e.filledOrders,
		"rejected_orders": e.rejectedOrders,
		"fill_rate":       fillRate,
		"total_volume":    e.totalVolume.StringFixed(2),
		"open_positions":  len(e.positions),
	}
}
