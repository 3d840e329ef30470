package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Append-only event store
// ═══════════════════════════════════════════════════════════════════════════════
//
// trades, allocation_events and circuit_events are only ever inserted into.
// open_positions is a recovery snapshot and is the one mutable table.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrDisabled is returned by reads when no database is configured
var ErrDisabled = errors.New("storage disabled")

type Database struct {
	db *gorm.DB
}

// Models

type Trade struct {
	ID               string `gorm:"primaryKey"`
	Symbol           string `gorm:"index"`
	Strategy         string `gorm:"index"`
	Direction        string
	OpenedAt         time.Time
	ClosedAt         time.Time       `gorm:"index"`
	EntryPrice       decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitPrice        decimal.Decimal `gorm:"type:decimal(20,8)"`
	Size             decimal.Decimal `gorm:"type:decimal(20,6)"`
	Leverage         int
	Profit           decimal.Decimal `gorm:"type:decimal(20,6)"`
	Confidence       float64
	Reason           string
	Hour             int
	DayOfWeek        int
	Session          string
	Regime           string
	ConfidenceBucket string
	CreatedAt        time.Time
}

type AllocationEvent struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	StrategyID    string `gorm:"index"`
	Fraction      float64
	CumulativePnL decimal.Decimal `gorm:"type:decimal(20,6)"`
	PeakPnL       decimal.Decimal `gorm:"type:decimal(20,6)"`
	Drawdown      float64
	Reason        string
	RebalancedAt  time.Time `gorm:"index"`
	CreatedAt     time.Time
}

// CircuitEvent kinds
const (
	CircuitTrip  = "trip"
	CircuitClear = "clear"
)

type CircuitEvent struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Kind       string `gorm:"index"` // trip, clear
	Reason     string
	Value      float64
	Operator   string
	Equity     decimal.Decimal `gorm:"type:decimal(20,6)"`
	PeakEquity decimal.Decimal `gorm:"type:decimal(20,6)"`
	At         time.Time       `gorm:"index"`
	CreatedAt  time.Time
}

type OpenPosition struct {
	ID               string `gorm:"primaryKey"`
	Symbol           string `gorm:"index"`
	Strategy         string
	Direction        string
	EntryPrice       decimal.Decimal `gorm:"type:decimal(20,8)"`
	Size             decimal.Decimal `gorm:"type:decimal(20,6)"`
	Leverage         int
	StopLoss         decimal.Decimal `gorm:"type:decimal(20,8)"`
	TakeProfit       decimal.Decimal `gorm:"type:decimal(20,8)"`
	Confidence       float64
	Hour             int
	DayOfWeek        int
	Session          string
	Regime           string
	ConfidenceBucket string
	EntryTime        time.Time
	UpdatedAt        time.Time
}

// New opens postgres for postgres:// DSNs and SQLite for anything else.
// An empty DSN returns a disabled store whose writes are no-ops.
func New(dsn string) (*Database, error) {
	if dsn == "" {
		log.Warn().Msg("DATABASE_URL not set, running without persistence")
		return &Database{}, nil
	}

	var db *gorm.DB
	var err error

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Trade{}, &AllocationEvent{}, &CircuitEvent{}, &OpenPosition{}); err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// IsEnabled returns if database is enabled
func (d *Database) IsEnabled() bool {
	return d != nil && d.db != nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if !d.IsEnabled() {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADES
// ═══════════════════════════════════════════════════════════════════════════════

// AppendTrade inserts a closed trade. Re-inserting an ID fails.
func (d *Database) AppendTrade(t types.TradeRecord) error {
	if !d.IsEnabled() {
		return nil
	}
	row := Trade{
		ID:               t.ID,
		Symbol:           t.Symbol,
		Strategy:         t.Strategy,
		Direction:        string(t.Direction),
		OpenedAt:         t.OpenedAt,
		ClosedAt:         t.ClosedAt,
		EntryPrice:       t.EntryPrice,
		ExitPrice:        t.ExitPrice,
		Size:             t.Size,
		Leverage:         t.Leverage,
		Profit:           t.Profit,
		Confidence:       t.Confidence,
		Reason:           t.Reason,
		Hour:             t.Tags.Hour,
		DayOfWeek:        int(t.Tags.DayOfWeek),
		Session:          t.Tags.Session,
		Regime:           t.Tags.Regime,
		ConfidenceBucket: t.Tags.ConfidenceBucket,
	}
	if err := d.db.Create(&row).Error; err != nil {
		log.Error().Err(err).Str("id", t.ID).Msg("Failed to append trade")
		return err
	}
	return nil
}

// Trades returns up to limit most recent trades, oldest first. limit <= 0 means all.
func (d *Database) Trades(limit int) ([]types.TradeRecord, error) {
	if !d.IsEnabled() {
		return nil, ErrDisabled
	}

	var rows []Trade
	q := d.db.Order("closed_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]types.TradeRecord, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = types.TradeRecord{
			ID:         r.ID,
			Symbol:     r.Symbol,
			Strategy:   r.Strategy,
			Direction:  types.Direction(r.Direction),
			OpenedAt:   r.OpenedAt,
			ClosedAt:   r.ClosedAt,
			EntryPrice: r.EntryPrice,
			ExitPrice:  r.ExitPrice,
			Size:       r.Size,
			Leverage:   r.Leverage,
			Profit:     r.Profit,
			Confidence: r.Confidence,
			Reason:     r.Reason,
			Tags: types.ContextTags{
				Hour:             r.Hour,
				DayOfWeek:        time.Weekday(r.DayOfWeek),
				Session:          r.Session,
				Direction:        types.Direction(r.Direction),
				Regime:           r.Regime,
				ConfidenceBucket: r.ConfidenceBucket,
			},
		}
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ALLOCATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// AppendAllocations records one rebalance as a batch of events
func (d *Database) AppendAllocations(reason string, allocs []types.StrategyAllocation) error {
	if !d.IsEnabled() || len(allocs) == 0 {
		return nil
	}
	rows := make([]AllocationEvent, len(allocs))
	for i, a := range allocs {
		rows[i] = AllocationEvent{
			StrategyID:    a.StrategyID,
			Fraction:      a.Fraction,
			CumulativePnL: a.CumulativePnL,
			PeakPnL:       a.PeakPnL,
			Drawdown:      a.Drawdown,
			Reason:        reason,
			RebalancedAt:  a.LastRebalance,
		}
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

// AllocationHistory returns allocation events for a strategy, oldest first
func (d *Database) AllocationHistory(strategyID string) ([]AllocationEvent, error) {
	if !d.IsEnabled() {
		return nil, ErrDisabled
	}
	var rows []AllocationEvent
	err := d.db.Where("strategy_id = ?", strategyID).Order("id ASC").Find(&rows).Error
	return rows, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// AppendCircuitEvent records a trip or a clear
func (d *Database) AppendCircuitEvent(e CircuitEvent) error {
	if !d.IsEnabled() {
		return nil
	}
	e.ID = 0
	return d.db.Create(&e).Error
}

// CircuitEvents returns the most recent events, newest first
func (d *Database) CircuitEvents(limit int) ([]CircuitEvent, error) {
	if !d.IsEnabled() {
		return nil, ErrDisabled
	}
	var rows []CircuitEvent
	err := d.db.Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPEN POSITIONS - Crash recovery snapshot
// ═══════════════════════════════════════════════════════════════════════════════

// SavePosition upserts an open position
func (d *Database) SavePosition(p types.Position) error {
	if !d.IsEnabled() {
		return nil
	}
	row := OpenPosition{
		ID:               p.ID,
		Symbol:           p.Symbol,
		Strategy:         p.Strategy,
		Direction:        string(p.Direction),
		EntryPrice:       p.EntryPrice,
		Size:             p.Size,
		Leverage:         p.Leverage,
		StopLoss:         p.StopLoss,
		TakeProfit:       p.TakeProfit,
		Confidence:       p.Confidence,
		Hour:             p.Tags.Hour,
		DayOfWeek:        int(p.Tags.DayOfWeek),
		Session:          p.Tags.Session,
		Regime:           p.Tags.Regime,
		ConfidenceBucket: p.Tags.ConfidenceBucket,
		EntryTime:        p.EntryTime,
	}
	return d.db.Save(&row).Error
}

// DeletePosition removes a closed position
func (d *Database) DeletePosition(id string) error {
	if !d.IsEnabled() {
		return nil
	}
	return d.db.Delete(&OpenPosition{}, "id = ?", id).Error
}

// OpenPositions returns every persisted open position
func (d *Database) OpenPositions() ([]types.Position, error) {
	if !d.IsEnabled() {
		return nil, nil
	}
	var rows []OpenPosition
	if err := d.db.Order("entry_time ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, len(rows))
	for i, r := range rows {
		out[i] = types.Position{
			ID:         r.ID,
			Symbol:     r.Symbol,
			Strategy:   r.Strategy,
			Direction:  types.Direction(r.Direction),
			EntryPrice: r.EntryPrice,
			Size:       r.Size,
			Leverage:   r.Leverage,
			StopLoss:   r.StopLoss,
			TakeProfit: r.TakeProfit,
			HighWater:  r.EntryPrice,
			Confidence: r.Confidence,
			Tags: types.ContextTags{
				Hour:             r.Hour,
				DayOfWeek:        time.Weekday(r.DayOfWeek),
				Session:          r.Session,
				Direction:        types.Direction(r.Direction),
				Regime:           r.Regime,
				ConfidenceBucket: r.ConfidenceBucket,
			},
			EntryTime: r.EntryTime,
		}
	}
	return out, nil
}
