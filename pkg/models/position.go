package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionStatus represents position lifecycle state
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is one held lot. Created on a BUY acknowledgment, refreshed every
// cycle while open, flipped to CLOSED only on a SELL acknowledgment.
type Position struct {
	ID          uuid.UUID       `db:"id"`
	Symbol      string          `db:"symbol"`
	StrategyID  string          `db:"strategy_id"`
	EntryPrice  decimal.Decimal `db:"entry_price"`
	EntryTime   time.Time       `db:"entry_time"`
	EntryRegime RegimeState     `db:"entry_regime"`
	Quantity    decimal.Decimal `db:"quantity"`
	Status      PositionStatus  `db:"status"`
	PeakPrice   decimal.Decimal `db:"peak_price"`
	// LastCheckpoint is the most recent checkpoint day already alerted on,
	// so a checkpoint fires once rather than on every cycle of that day.
	LastCheckpoint int                 `db:"last_checkpoint"`
	ExitPrice      decimal.NullDecimal `db:"exit_price"`
	ExitTime       *time.Time          `db:"exit_time"`
	ExitReason     string              `db:"exit_reason"`
}

// OpenPosition creates a new OPEN position from a BUY acknowledgment.
func OpenPosition(strategyID string, regime RegimeState, ack ExecutionAck) *Position {
	return &Position{
		ID:          uuid.New(),
		Symbol:      ack.Symbol,
		StrategyID:  strategyID,
		EntryPrice:  ack.FillPrice,
		EntryTime:   ack.Timestamp,
		EntryRegime: regime,
		Quantity:    ack.Quantity,
		Status:      PositionOpen,
		PeakPrice:   ack.FillPrice,
	}
}

// IsOpen reports whether the position is still held.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// ProfitPercent returns (price - entry) / entry * 100.
func (p *Position) ProfitPercent(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}

// PeakProfitPercent returns the profit percent at the recorded peak price.
func (p *Position) PeakProfitPercent() decimal.Decimal {
	return p.ProfitPercent(p.PeakPrice)
}

// HoldDuration returns how long the position has been open as of now.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// HoldDays returns whole days held as of now.
func (p *Position) HoldDays(now time.Time) int {
	return int(p.HoldDuration(now) / (24 * time.Hour))
}

// RefreshPeak raises the high-water mark if price exceeds it. The peak is
// monotonic: it never decreases. Returns true when the peak moved.
func (p *Position) RefreshPeak(price decimal.Decimal) bool {
	if price.GreaterThan(p.PeakPrice) {
		p.PeakPrice = price
		return true
	}
	return false
}

// MarkCheckpoint records that the checkpoint alert for day was delivered.
// Monotonic like the peak price.
func (p *Position) MarkCheckpoint(day int) {
	if day > p.LastCheckpoint {
		p.LastCheckpoint = day
	}
}

// Close marks the position CLOSED from a SELL acknowledgment.
func (p *Position) Close(ack ExecutionAck, reason string) {
	p.Status = PositionClosed
	p.ExitPrice = decimal.NewNullDecimal(ack.FillPrice)
	t := ack.Timestamp
	p.ExitTime = &t
	p.ExitReason = reason
}
