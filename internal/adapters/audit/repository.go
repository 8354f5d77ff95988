package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantarc/riskd/pkg/models"
)

// Repository is the append-only decision trail. Every decision of every
// cycle lands here, HOLD included; rows are never updated or deleted, so the
// table replays exactly what the engine decided and why.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new audit repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Record appends one decision under its cycle id.
func (r *Repository) Record(ctx context.Context, cycleID uuid.UUID, d models.Decision) error {
	metrics, err := json.Marshal(d.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal decision metrics: %w", err)
	}

	query := `
		INSERT INTO decisions (cycle_id, strategy_id, symbol, action, reason_code,
		                       reason_detail, metrics, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.ExecContext(ctx, query,
		cycleID, d.StrategyID, d.Symbol, d.Action, d.Reason.Code,
		d.Reason.Detail, metrics, d.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// Recent returns the latest decisions for one strategy, newest first.
func (r *Repository) Recent(ctx context.Context, strategyID string, limit int) ([]models.Decision, error) {
	query := `
		SELECT strategy_id, symbol, action, reason_code, reason_detail, metrics, decided_at
		FROM decisions
		WHERE strategy_id = $1
		ORDER BY decided_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryxContext(ctx, query, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	decisions := []models.Decision{}
	for rows.Next() {
		var d models.Decision
		var metrics []byte
		var decidedAt time.Time
		if err := rows.Scan(
			&d.StrategyID, &d.Symbol, &d.Action, &d.Reason.Code,
			&d.Reason.Detail, &metrics, &decidedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if err := json.Unmarshal(metrics, &d.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision metrics: %w", err)
		}
		d.Timestamp = decidedAt
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// CountByReason returns decision counts per reason code since the cutoff,
// for operator summaries.
func (r *Repository) CountByReason(ctx context.Context, since time.Time) (map[models.ReasonCode]int, error) {
	query := `
		SELECT reason_code, COUNT(*) AS cnt
		FROM decisions
		WHERE decided_at >= $1
		GROUP BY reason_code
	`

	rows, err := r.db.QueryxContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	defer rows.Close()

	counts := map[models.ReasonCode]int{}
	for rows.Next() {
		var code models.ReasonCode
		var cnt int
		if err := rows.Scan(&code, &cnt); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[code] = cnt
	}
	return counts, rows.Err()
}
