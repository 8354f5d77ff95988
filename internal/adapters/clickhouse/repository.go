package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// DecisionRow is one decision flattened for the analytics store. Postgres
// keeps the authoritative audit trail; these rows exist for dashboards and
// ad-hoc queries over long horizons.
type DecisionRow struct {
	CycleID  uuid.UUID
	Decision models.Decision
}

// Repository writes decision metrics to ClickHouse.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new ClickHouse repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// SaveDecisions inserts a batch of decision metric rows.
func (r *Repository) SaveDecisions(ctx context.Context, rows []DecisionRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.Preparex(`
		INSERT INTO decision_metrics
		(decided_at, cycle_id, strategy_id, symbol, action, reason_code,
		 price, profit_percent, peak_profit_percent, hold_days, regime,
		 volatility, correlated_symbols)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		d := row.Decision
		_, err = stmt.ExecContext(ctx,
			d.Timestamp,
			row.CycleID.String(),
			d.StrategyID,
			d.Symbol,
			string(d.Action),
			string(d.Reason.Code),
			d.Metrics.Price.InexactFloat64(),
			d.Metrics.ProfitPercent.InexactFloat64(),
			d.Metrics.PeakProfitPercent.InexactFloat64(),
			d.Metrics.HoldDays,
			string(d.Metrics.Regime),
			d.Metrics.Volatility,
			strings.Join(d.Metrics.CorrelatedSymbols, ","),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert decision metric: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("saved decision metrics to ClickHouse",
		zap.Int("count", len(rows)),
	)

	return nil
}

// ActionCounts returns decision counts per action for one strategy.
func (r *Repository) ActionCounts(ctx context.Context, strategyID string) (map[string]int, error) {
	query := `
		SELECT action, COUNT(*) AS cnt
		FROM decision_metrics
		WHERE strategy_id = ?
		GROUP BY action
	`

	rows, err := r.db.QueryxContext(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query action counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var action string
		var cnt uint64
		if err := rows.Scan(&action, &cnt); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[action] = int(cnt)
	}
	return counts, rows.Err()
}
