package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository handles database operations for risk events
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new risk repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// RiskEvent represents a risk event record
type RiskEvent struct {
	ID          int64                  `db:"id"`
	StrategyID  string                 `db:"strategy_id"`
	EventType   string                 `db:"event_type"`
	Description string                 `db:"description"`
	Data        map[string]interface{} `db:"data"`
	CreatedAt   time.Time              `db:"created_at"`
}

// LogRiskEvent appends a risk event for a strategy
func (r *Repository) LogRiskEvent(ctx context.Context, strategyID, eventType, description string, data map[string]interface{}) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	query := `
		INSERT INTO risk_events (strategy_id, event_type, description, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := r.db.ExecContext(ctx, query, strategyID, eventType, description, dataJSON, time.Now()); err != nil {
		return fmt.Errorf("failed to log risk event: %w", err)
	}

	return nil
}

// GetRecentRiskEvents retrieves recent risk events for a strategy
func (r *Repository) GetRecentRiskEvents(ctx context.Context, strategyID string, limit int) ([]RiskEvent, error) {
	query := `
		SELECT id, strategy_id, event_type, description, data, created_at
		FROM risk_events
		WHERE strategy_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk events: %w", err)
	}
	defer rows.Close()

	events := make([]RiskEvent, 0)
	for rows.Next() {
		var event RiskEvent
		var dataJSON []byte

		if err := rows.Scan(
			&event.ID,
			&event.StrategyID,
			&event.EventType,
			&event.Description,
			&dataJSON,
			&event.CreatedAt,
		); err != nil {
			continue
		}

		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &event.Data)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// CountRiskEventsByType counts events of one type for a strategy since a time
func (r *Repository) CountRiskEventsByType(ctx context.Context, strategyID, eventType string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM risk_events
		WHERE strategy_id = $1 AND event_type = $2 AND created_at >= $3
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, strategyID, eventType, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count risk events: %w", err)
	}

	return count, nil
}
