package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// PriceSource serves the latest usable price for fills.
type PriceSource interface {
	Snapshot(ctx context.Context, symbol string) (models.PriceSnapshot, error)
}

// PaperExecutor fills orders at the latest recorded price without touching
// an exchange. It is the default execution collaborator; a live adapter
// implementing the same contract slots in behind the router unchanged.
type PaperExecutor struct {
	prices PriceSource
}

// NewPaperExecutor creates new paper executor
func NewPaperExecutor(prices PriceSource) *PaperExecutor {
	return &PaperExecutor{prices: prices}
}

// Submit fills the order at the current snapshot price.
func (e *PaperExecutor) Submit(ctx context.Context, strategyID, symbol string, side models.OrderSide, quantity decimal.Decimal) (models.ExecutionAck, error) {
	snap, err := e.prices.Snapshot(ctx, symbol)
	if err != nil {
		return models.ExecutionAck{}, fmt.Errorf("no fill price for %s: %w", symbol, err)
	}
	if snap.Stale || snap.Price.IsZero() {
		return models.ExecutionAck{}, fmt.Errorf("refusing to fill %s on stale price: %w", symbol, models.ErrDataStale)
	}

	ack := models.ExecutionAck{
		OrderID:   uuid.New().String(),
		Symbol:    symbol,
		Side:      side,
		FillPrice: snap.Price,
		Quantity:  quantity,
		Timestamp: time.Now().UTC(),
	}

	logger.Info("paper fill",
		zap.String("strategy", strategyID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("price", ack.FillPrice.String()),
		zap.String("quantity", quantity.String()),
	)
	return ack, nil
}
