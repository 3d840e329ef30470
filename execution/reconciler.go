package execution

import (
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Startup position recovery
// ═══════════════════════════════════════════════════════════════════════════════
//
// On startup, we need to:
// 1. Load any persisted positions from the store
// 2. Re-open them in the executor so SL/TP keep being enforced
//
// While running, fills and closes keep the snapshot current.
// This prevents "ghost positions" after crashes.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PositionStore persists the open-position snapshot
type PositionStore interface {
	SavePosition(p types.Position) error
	DeletePosition(id string) error
	OpenPositions() ([]types.Position, error)
}

// Reconciler handles startup position recovery
type Reconciler struct {
	executor *PaperExecutor
	store    PositionStore
}

// NewReconciler creates a position reconciler
func NewReconciler(executor *PaperExecutor, store PositionStore) *Reconciler {
	return &Reconciler{
		executor: executor,
		store:    store,
	}
}

// RecoverPositions loads persisted positions into the executor
func (r *Reconciler) RecoverPositions() (int, error) {
	if r.store == nil {
		log.Info().Msg("📦 No store - skipping position recovery")
		return 0, nil
	}

	persisted, err := r.store.OpenPositions()
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load persisted positions")
		return 0, err
	}
	if len(persisted) == 0 {
		log.Info().Msg("📦 No persisted positions to recover")
		return 0, nil
	}

	log.Warn().
		Int("count", len(persisted)).
		Msg("⚠️ Found persisted positions from previous session")

	for _, pos := range persisted {
		r.executor.Restore(pos)
	}

	log.Info().
		Int("recovered", len(persisted)).
		Msg("✅ Position recovery complete")

	return len(persisted), nil
}

// Track keeps the store in step with executor fills and closes
func (r *Reconciler) Track() {
	if r.store == nil {
		return
	}
	r.executor.OnFill(func(pos types.Position, _ types.Fill) {
		if err := r.store.SavePosition(pos); err != nil {
			log.Error().Err(err).Str("id", pos.ID).Msg("Failed to persist position")
		}
	})
	r.executor.OnClose(func(trade types.TradeRecord) {
		if err := r.store.DeletePosition(trade.ID); err != nil {
			log.Error().Err(err).Str("id", trade.ID).Msg("Failed to remove position")
		}
	})
}
