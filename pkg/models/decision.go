package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action represents the outcome of one evaluation
type Action string

const (
	ActionHold  Action = "HOLD"
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionVeto  Action = "VETO"
	ActionAlert Action = "ALERT"
)

// ReasonCode identifies which rule produced a decision.
type ReasonCode string

const (
	ReasonCatastrophicFloor      ReasonCode = "catastrophic-floor"
	ReasonTakeProfit             ReasonCode = "take-profit"
	ReasonTrailingStop           ReasonCode = "trailing-stop"
	ReasonRegimeVeto             ReasonCode = "regime-veto"
	ReasonStagnation             ReasonCode = "stagnation-exit"
	ReasonStopLoss               ReasonCode = "stop-loss"
	ReasonStopLossManual         ReasonCode = "stop-loss-manual"
	ReasonCheckpoint             ReasonCode = "checkpoint"
	ReasonHold                   ReasonCode = "hold"
	ReasonStaleData              ReasonCode = "stale-data"
	ReasonCircuitOpen            ReasonCode = "circuit-open"
	ReasonCorrelationCap         ReasonCode = "correlation-cap"
	ReasonSymbolCap              ReasonCode = "symbol-cap"
	ReasonCorrelationUnavailable ReasonCode = "correlation-unavailable"
	ReasonEntrySignal            ReasonCode = "entry-signal"
)

// Reason carries the rule code plus human-readable detail. Call sites branch
// on Code, never on the detail text.
type Reason struct {
	Code   ReasonCode `json:"code"`
	Detail string     `json:"detail,omitempty"`
}

// DecisionMetrics is the metrics snapshot frozen into a decision.
type DecisionMetrics struct {
	Price             decimal.Decimal `json:"price"`
	ProfitPercent     decimal.Decimal `json:"profit_percent"`
	PeakProfitPercent decimal.Decimal `json:"peak_profit_percent"`
	HoldDays          int             `json:"hold_days"`
	Regime            RegimeState     `json:"regime"`
	Volatility        string          `json:"volatility,omitempty"`
	CorrelatedSymbols []string        `json:"correlated_symbols,omitempty"`
}

// Decision is one emitted decision. Immutable once emitted; the audit trail
// is the append-only sequence of decisions. Identical inputs always produce
// an identical Decision, so there is no generated id here; the audit store
// assigns row ids on insert.
type Decision struct {
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Action     Action          `json:"action"`
	Reason     Reason          `json:"reason"`
	Metrics    DecisionMetrics `json:"metrics"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewDecision builds a decision stamped at now.
func NewDecision(strategyID, symbol string, action Action, reason Reason, metrics DecisionMetrics, now time.Time) Decision {
	return Decision{
		StrategyID: strategyID,
		Symbol:     symbol,
		Action:     action,
		Reason:     reason,
		Metrics:    metrics,
		Timestamp:  now,
	}
}

// Automatic reports whether the decision is applied without operator input.
// ALERT decisions require a manual decision and leave state untouched.
func (d Decision) Automatic() bool {
	return d.Action == ActionBuy || d.Action == ActionSell
}
