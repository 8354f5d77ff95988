package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantarc/riskd/internal/correlation"
	"github.com/quantarc/riskd/internal/volatility"
	"github.com/quantarc/riskd/pkg/models"
)

// Cycle is the frozen market context for one evaluation pass. It is built
// once at cycle start and passed down explicitly; nothing inside a cycle
// reads shared mutable state, so every decision in the pass sees the same
// regime, volatility bucket and correlation matrix.
type Cycle struct {
	ID          uuid.UUID
	StartedAt   time.Time
	Regime      models.RegimeState
	Volatility  volatility.State
	Correlation *correlation.Matrix
}

// EntrySignal is one externally sourced request to open a position. The
// router only gates and routes it; signal generation lives elsewhere.
type EntrySignal struct {
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Quantity   decimal.Decimal `json:"quantity"`
}
