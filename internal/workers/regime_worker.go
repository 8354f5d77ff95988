package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/internal/regime"
	"github.com/quantarc/riskd/internal/volatility"
	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// CandleSource serves collected candles and derived return series.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, limit int) ([]models.Candle, error)
	Returns(ctx context.Context, symbol string, window int) ([]decimal.Decimal, error)
}

// RegimeWorker feeds the classifier and the volatility adapter with fresh
// reference-symbol data. The decision cycle only reads their published
// state; all the heavy lifting happens here, off the cycle path.
type RegimeWorker struct {
	classifier *regime.Classifier
	adapter    *volatility.Adapter
	source     CandleSource
	cfg        *config.RegimeConfig
	symbol     string
}

// NewRegimeWorker creates new regime worker
func NewRegimeWorker(
	classifier *regime.Classifier,
	adapter *volatility.Adapter,
	source CandleSource,
	cfg *config.RegimeConfig,
	symbol string,
) *RegimeWorker {
	return &RegimeWorker{
		classifier: classifier,
		adapter:    adapter,
		source:     source,
		cfg:        cfg,
		symbol:     symbol,
	}
}

// Name returns worker name
func (w *RegimeWorker) Name() string {
	return "regime_classifier"
}

// Run executes ONE classification pass
// Called periodically by PeriodicWorker from pkg/worker
func (w *RegimeWorker) Run(ctx context.Context) error {
	window := w.cfg.SlowPeriod + w.cfg.DrawdownLookback

	candles, err := w.source.Candles(ctx, w.symbol, window)
	if err != nil {
		return fmt.Errorf("failed to load candles for %s: %w", w.symbol, err)
	}

	state, err := w.classifier.Observe(candles, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("regime observation failed: %w", err)
	}

	returns, err := w.source.Returns(ctx, w.symbol, w.cfg.VolatilityLookback)
	if err != nil {
		return fmt.Errorf("failed to load returns for %s: %w", w.symbol, err)
	}
	volState := w.adapter.Classify(returns)

	logger.Info("market context refreshed",
		zap.String("regime", string(state)),
		zap.String("volatility", string(volState)),
		zap.Int("candles", len(candles)),
	)
	return nil
}
