package workers

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/quantarc/riskd/internal/correlation"
	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// CorrelationWorker periodically rebuilds the correlation matrix the entry
// gate reads. A failed recompute keeps the previous snapshot in place, so a
// transient data outage degrades to stale coefficients, not to no gate.
type CorrelationWorker struct {
	tracker *correlation.Tracker
	symbols []string
}

// NewCorrelationWorker creates a new correlation worker over the tracked
// symbol universe.
func NewCorrelationWorker(tracker *correlation.Tracker, symbols []string) *CorrelationWorker {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)

	return &CorrelationWorker{
		tracker: tracker,
		symbols: sorted,
	}
}

// Name returns worker name
func (w *CorrelationWorker) Name() string {
	return "correlation_tracker"
}

// Run executes ONE matrix recompute
// Called periodically by PeriodicWorker from pkg/worker
func (w *CorrelationWorker) Run(ctx context.Context) error {
	matrix, err := w.tracker.Recompute(ctx, w.symbols)
	if err != nil {
		if errors.Is(err, models.ErrCorrelationUnavailable) {
			logger.Warn("correlation recompute failed, serving last good snapshot",
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	logger.Info("correlation matrix refreshed",
		zap.Int("symbols", len(w.symbols)),
		zap.Int("sample_size", matrix.SampleSize()),
	)
	return nil
}
