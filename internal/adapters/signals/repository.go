package signals

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quantarc/riskd/internal/engine"
)

// Repository serves queued entry signals from Postgres. External signal
// producers insert rows; each cycle drains the pending set exactly once.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new signals repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Pending returns queued signals and marks them consumed in one
// transaction, so a signal is routed by at most one cycle.
func (r *Repository) Pending(ctx context.Context) ([]engine.EntrySignal, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, strategy_id, symbol, quantity
		FROM entry_signals
		WHERE consumed_at IS NULL
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query entry signals: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var pending []engine.EntrySignal
	for rows.Next() {
		var id int64
		var sig engine.EntrySignal
		if err := rows.Scan(&id, &sig.StrategyID, &sig.Symbol, &sig.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan entry signal: %w", err)
		}
		ids = append(ids, id)
		pending = append(pending, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entry signals: %w", err)
	}
	rows.Close()

	if len(ids) > 0 {
		mark, args, err := sqlx.In(`UPDATE entry_signals SET consumed_at = NOW() WHERE id IN (?)`, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to build consume query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(mark), args...); err != nil {
			return nil, fmt.Errorf("failed to mark signals consumed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit signal drain: %w", err)
	}
	return pending, nil
}

// Enqueue inserts one signal for the next cycle.
func (r *Repository) Enqueue(ctx context.Context, sig engine.EntrySignal) error {
	query := `
		INSERT INTO entry_signals (strategy_id, symbol, quantity, created_at)
		VALUES ($1, $2, $3, NOW())
	`

	if _, err := r.db.ExecContext(ctx, query, sig.StrategyID, sig.Symbol, sig.Quantity); err != nil {
		return fmt.Errorf("failed to enqueue entry signal: %w", err)
	}
	return nil
}
