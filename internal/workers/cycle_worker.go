package workers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quantarc/riskd/internal/engine"
	"github.com/quantarc/riskd/pkg/logger"
)

// Leader gates cycle execution to one instance in a multi-replica deploy.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Held() bool
}

// CycleWorker runs one decision cycle per tick. With a leader lock
// configured, followers skip the tick instead of double-evaluating.
type CycleWorker struct {
	router *engine.Router
	leader Leader
}

// NewCycleWorker creates new cycle worker. leader may be nil for
// single-instance deployments.
func NewCycleWorker(router *engine.Router, leader Leader) *CycleWorker {
	return &CycleWorker{
		router: router,
		leader: leader,
	}
}

// Name returns worker name
func (w *CycleWorker) Name() string {
	return "decision_cycle"
}

// Run executes ONE decision cycle
// Called periodically by PeriodicWorker from pkg/worker
func (w *CycleWorker) Run(ctx context.Context) error {
	if w.leader != nil && !w.leader.Held() {
		acquired, err := w.leader.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("leader election failed: %w", err)
		}
		if !acquired {
			logger.Debug("skipping cycle, not the leader")
			return nil
		}
	}

	cycle, err := w.router.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("decision cycle failed: %w", err)
	}

	logger.Debug("cycle complete",
		zap.String("cycle_id", cycle.ID.String()),
	)
	return nil
}
