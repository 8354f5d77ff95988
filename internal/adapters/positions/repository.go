package positions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantarc/riskd/pkg/models"
)

// Repository persists position lifecycle transitions. Rows are created on a
// BUY acknowledgment, updated on peak refreshes, and flipped to CLOSED on a
// SELL acknowledgment; closed rows are never deleted.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new positions repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Open returns every position still held, for rehydration at startup and at
// the top of each cycle.
func (r *Repository) Open(ctx context.Context) ([]*models.Position, error) {
	query := `
		SELECT id, symbol, strategy_id, entry_price, entry_time, entry_regime,
		       quantity, status, peak_price, last_checkpoint, exit_price, exit_time, exit_reason
		FROM positions
		WHERE status = 'OPEN'
		ORDER BY strategy_id, symbol, entry_time
	`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	open := []*models.Position{}
	for rows.Next() {
		var pos models.Position
		var exitReason sql.NullString
		if err := rows.Scan(
			&pos.ID, &pos.Symbol, &pos.StrategyID, &pos.EntryPrice, &pos.EntryTime,
			&pos.EntryRegime, &pos.Quantity, &pos.Status, &pos.PeakPrice,
			&pos.LastCheckpoint, &pos.ExitPrice, &pos.ExitTime, &exitReason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		pos.ExitReason = exitReason.String
		open = append(open, &pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate positions: %w", err)
	}

	return open, nil
}

// Get returns one position by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Position, error) {
	query := `
		SELECT id, symbol, strategy_id, entry_price, entry_time, entry_regime,
		       quantity, status, peak_price, last_checkpoint, exit_price, exit_time, exit_reason
		FROM positions
		WHERE id = $1
	`

	var pos models.Position
	var exitReason sql.NullString
	err := r.db.QueryRowxContext(ctx, query, id).Scan(
		&pos.ID, &pos.Symbol, &pos.StrategyID, &pos.EntryPrice, &pos.EntryTime,
		&pos.EntryRegime, &pos.Quantity, &pos.Status, &pos.PeakPrice,
		&pos.LastCheckpoint, &pos.ExitPrice, &pos.ExitTime, &exitReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("position %s not found", id)
		}
		return nil, fmt.Errorf("failed to query position: %w", err)
	}
	pos.ExitReason = exitReason.String

	return &pos, nil
}

// Create inserts a newly opened position.
func (r *Repository) Create(ctx context.Context, pos *models.Position) error {
	query := `
		INSERT INTO positions (id, symbol, strategy_id, entry_price, entry_time,
		                       entry_regime, quantity, status, peak_price, last_checkpoint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		pos.ID, pos.Symbol, pos.StrategyID, pos.EntryPrice, pos.EntryTime,
		pos.EntryRegime, pos.Quantity, pos.Status, pos.PeakPrice, pos.LastCheckpoint,
	)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	return nil
}

// Update persists peak refreshes and close transitions.
func (r *Repository) Update(ctx context.Context, pos *models.Position) error {
	query := `
		UPDATE positions
		SET status = $2, peak_price = $3, last_checkpoint = $4,
		    exit_price = $5, exit_time = $6, exit_reason = $7
		WHERE id = $1
	`

	var exitReason sql.NullString
	if pos.ExitReason != "" {
		exitReason = sql.NullString{String: pos.ExitReason, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.ID, pos.Status, pos.PeakPrice, pos.LastCheckpoint, pos.ExitPrice, pos.ExitTime, exitReason,
	)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("position %s not found", pos.ID)
	}
	return nil
}

// CountOpenBySymbol returns open position counts keyed by symbol for one
// strategy.
func (r *Repository) CountOpenBySymbol(ctx context.Context, strategyID string) (map[string]int, error) {
	query := `
		SELECT symbol, COUNT(*) AS cnt
		FROM positions
		WHERE status = 'OPEN' AND strategy_id = $1
		GROUP BY symbol
	`

	rows, err := r.db.QueryxContext(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to count open positions: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var symbol string
		var cnt int
		if err := rows.Scan(&symbol, &cnt); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[symbol] = cnt
	}
	return counts, rows.Err()
}
