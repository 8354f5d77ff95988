package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewDecimal creates decimal from float64
func NewDecimal(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// ToFloat64 safely converts decimal to float64
func ToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// OrderSide represents buy or sell
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// RegimeState is the coarse market-wide classification produced by the
// regime classifier and consumed by the risk rules.
type RegimeState string

const (
	RegimeBullConfirmed     RegimeState = "BULL_CONFIRMED"
	RegimeTransitionBullish RegimeState = "TRANSITION_BULLISH"
	RegimeNeutral           RegimeState = "NEUTRAL"
	RegimeTransitionBearish RegimeState = "TRANSITION_BEARISH"
	RegimeBearConfirmed     RegimeState = "BEAR_CONFIRMED"
	RegimeCrisis            RegimeState = "CRISIS"
	RegimeUndefined         RegimeState = "UNDEFINED"
)

// Bullish reports whether the state counts as a bullish entry regime for the
// regime-veto rule.
func (r RegimeState) Bullish() bool {
	return r == RegimeBullConfirmed || r == RegimeTransitionBullish
}

// RegimeObservation is one classified tick, retained append-only for audit.
type RegimeObservation struct {
	State         RegimeState     `db:"state"`
	Confirmed     int             `db:"confirmed"`
	Drawdown      decimal.Decimal `db:"drawdown"`
	VolPercentile decimal.Decimal `db:"vol_percentile"`
	ObservedAt    time.Time       `db:"observed_at"`
}

// AssetTier buckets symbols by quality for the catastrophic floor table.
type AssetTier string

const (
	TierBlueChip AssetTier = "blue_chip"
	TierMidCap   AssetTier = "mid_cap"
	TierLongTail AssetTier = "long_tail"
)

// Candle represents OHLCV candlestick data
type Candle struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
}

// PriceSnapshot is one already-fetched price for a symbol. The engine never
// fetches prices itself; snapshots arrive from the market-data collaborator
// with their fetch timestamp and a staleness flag.
type PriceSnapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Stale     bool            `json:"stale"`
}

// Usable reports whether the snapshot may drive a decision at time now.
// A missing price or one older than maxAge is treated as absent input.
func (s PriceSnapshot) Usable(now time.Time, maxAge time.Duration) bool {
	if s.Stale || s.Price.IsZero() {
		return false
	}
	return now.Sub(s.Timestamp) <= maxAge
}

// ExecutionAck is an order acknowledgment from the execution collaborator.
// Position state mutates only on acks, never speculatively.
type ExecutionAck struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// AlertLevel classifies alert events for the alerting collaborator.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// AlertEvent is the structured event handed to the alerting collaborator.
// Formatting and transport belong to the collaborator, not the engine.
type AlertEvent struct {
	Level      AlertLevel        `json:"level"`
	Action     Action            `json:"action"`
	Symbol     string            `json:"symbol"`
	StrategyID string            `json:"strategy_id"`
	Reason     string            `json:"reason"`
	Metrics    map[string]string `json:"metrics,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
