package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/quantarc/riskd/pkg/models"
)

// Repository reads collected market data from Postgres. The engine never
// fetches prices itself; an external collector fills these tables and the
// repository only serves what is already there, marking anything past the
// staleness threshold.
type Repository struct {
	db        *sqlx.DB
	staleness time.Duration
}

// NewRepository creates new market repository
func NewRepository(db *sqlx.DB, staleness time.Duration) *Repository {
	return &Repository{db: db, staleness: staleness}
}

// Snapshot returns the latest stored price for the symbol. A price older
// than the staleness threshold comes back flagged stale; decisions then fall
// through to HOLD rather than act on dead data.
func (r *Repository) Snapshot(ctx context.Context, symbol string) (models.PriceSnapshot, error) {
	query := `
		SELECT symbol, price, observed_at
		FROM price_snapshots
		WHERE symbol = $1
		ORDER BY observed_at DESC
		LIMIT 1
	`

	var row struct {
		Symbol     string          `db:"symbol"`
		Price      decimal.Decimal `db:"price"`
		ObservedAt time.Time       `db:"observed_at"`
	}
	if err := r.db.GetContext(ctx, &row, query, symbol); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PriceSnapshot{}, fmt.Errorf("no price recorded for %s: %w", symbol, models.ErrDataStale)
		}
		return models.PriceSnapshot{}, fmt.Errorf("failed to query price snapshot: %w", err)
	}

	return models.PriceSnapshot{
		Symbol:    row.Symbol,
		Price:     row.Price,
		Timestamp: row.ObservedAt,
		Stale:     time.Since(row.ObservedAt) > r.staleness,
	}, nil
}

// SaveSnapshot records one observed price. Snapshots are append-only;
// Snapshot always reads the newest row.
func (r *Repository) SaveSnapshot(ctx context.Context, snap models.PriceSnapshot) error {
	query := `
		INSERT INTO price_snapshots (symbol, price, observed_at)
		VALUES ($1, $2, $3)
	`

	if _, err := r.db.ExecContext(ctx, query, snap.Symbol, snap.Price, snap.Timestamp); err != nil {
		return fmt.Errorf("failed to save price snapshot: %w", err)
	}
	return nil
}

// Candles returns up to limit candles for the symbol in chronological order.
func (r *Repository) Candles(ctx context.Context, symbol string, limit int) ([]models.Candle, error) {
	query := `
		SELECT symbol, ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = $1
		ORDER BY ts DESC
		LIMIT $2
	`

	rows, err := r.db.QueryxContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	candles := []models.Candle{}
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Symbol, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate candles: %w", err)
	}

	// Reverse to chronological order (oldest first)
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

// SaveCandles stores a batch of collected candles.
func (r *Repository) SaveCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	query := `
		INSERT INTO candles (symbol, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range candles {
		if _, err := tx.ExecContext(ctx, query, c.Symbol, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("failed to save candle %s@%s: %w", c.Symbol, c.Timestamp, err)
		}
	}

	return tx.Commit()
}

// Returns computes the simple return series over the last window+1 closes,
// chronological. This is the input the correlation tracker feeds to Pearson.
func (r *Repository) Returns(ctx context.Context, symbol string, window int) ([]decimal.Decimal, error) {
	candles, err := r.Candles(ctx, symbol, window+1)
	if err != nil {
		return nil, err
	}
	if len(candles) < 2 {
		return nil, fmt.Errorf("not enough candles for %s: have %d", symbol, len(candles))
	}

	returns := make([]decimal.Decimal, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev.IsZero() {
			return nil, fmt.Errorf("zero close for %s at %s", symbol, candles[i-1].Timestamp)
		}
		returns = append(returns, candles[i].Close.Sub(prev).Div(prev))
	}
	return returns, nil
}
