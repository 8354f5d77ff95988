package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. A single symbol's bad input never aborts the cycle for
// other symbols; callers isolate failures per (strategy, symbol).
var (
	// ErrDataStale means the price snapshot is missing or too old. The
	// evaluation holds; absent data never triggers an exit.
	ErrDataStale = errors.New("market data stale")

	// ErrConfigInvalid rejects a strategy registration at load time.
	ErrConfigInvalid = errors.New("strategy config invalid")

	// ErrCorrelationUnavailable means matrix recompute failed or timed out;
	// the gate falls back to the last good snapshot.
	ErrCorrelationUnavailable = errors.New("correlation snapshot unavailable")
)

// ExecutionError is a typed failure from the execution collaborator. The
// circuit breaker counts these; retries belong to the caller, not the engine.
type ExecutionError struct {
	StrategyID string
	Symbol     string
	Side       OrderSide
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s %s failed for strategy %s: %v", e.Side, e.Symbol, e.StrategyID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
