package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantarc/riskd/pkg/logger"
)

// Worker is one periodic engine task: a decision cycle, a regime refresh,
// a correlation recompute.
type Worker interface {
	// Name returns worker name for logging
	Name() string
	// Run executes one iteration of work
	Run(ctx context.Context) error
}

// PeriodicWorker drives a Worker on a fixed interval. A run that outlasts
// the interval silently drops ticks, so overruns are measured and reported
// rather than queued.
type PeriodicWorker struct {
	worker   Worker
	interval time.Duration
	wg       *sync.WaitGroup
	name     string

	consecutiveFailures int
}

// NewPeriodicWorker creates new periodic worker
func NewPeriodicWorker(worker Worker, interval time.Duration) *PeriodicWorker {
	return &PeriodicWorker{
		worker:   worker,
		interval: interval,
		wg:       &sync.WaitGroup{},
		name:     worker.Name(),
	}
}

// Start starts the worker with graceful shutdown support
func (pw *PeriodicWorker) Start(ctx context.Context) {
	pw.wg.Add(1)
	go pw.run(ctx)
}

// Stop waits for graceful shutdown
func (pw *PeriodicWorker) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		pw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker stopped",
			zap.String("worker", pw.name),
		)
	case <-time.After(timeout):
		logger.Warn("worker stop timeout",
			zap.String("worker", pw.name),
		)
	}
}

func (pw *PeriodicWorker) run(ctx context.Context) {
	defer pw.wg.Done()

	logger.Info("worker started",
		zap.String("worker", pw.name),
		zap.Duration("interval", pw.interval),
	)

	// Run immediately on start so a long cycle interval does not delay
	// the first evaluation after deploy.
	pw.runOnce(ctx)

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping",
				zap.String("worker", pw.name),
			)
			return

		case <-ticker.C:
			pw.runOnce(ctx)
		}
	}
}

// runOnce executes one iteration, tracking duration and failure streaks.
// Errors never crash the worker; the next tick retries.
func (pw *PeriodicWorker) runOnce(ctx context.Context) {
	start := time.Now()
	err := pw.worker.Run(ctx)
	elapsed := time.Since(start)

	if elapsed > pw.interval {
		logger.Warn("worker run overran its interval",
			zap.String("worker", pw.name),
			zap.Duration("elapsed", elapsed),
			zap.Duration("interval", pw.interval),
			zap.Int64("ticks_dropped", int64(elapsed/pw.interval)),
		)
	}

	if err != nil {
		pw.consecutiveFailures++
		logger.Error("worker run failed",
			zap.String("worker", pw.name),
			zap.Duration("elapsed", elapsed),
			zap.Int("consecutive_failures", pw.consecutiveFailures),
			zap.Error(err),
		)
		return
	}
	pw.consecutiveFailures = 0
}

// WorkerGroup manages the engine's workers with a shared shutdown deadline.
type WorkerGroup struct {
	workers []*PeriodicWorker
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// NewWorkerGroup creates new worker group
func NewWorkerGroup(ctx context.Context) *WorkerGroup {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerGroup{
		workers: make([]*PeriodicWorker, 0),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add adds worker to group
func (wg *WorkerGroup) Add(worker Worker, interval time.Duration) {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	pw := NewPeriodicWorker(worker, interval)
	wg.workers = append(wg.workers, pw)
}

// Start starts all workers
func (wg *WorkerGroup) Start() {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	for _, worker := range wg.workers {
		worker.Start(wg.ctx)
	}

	logger.Info("worker group started",
		zap.Int("workers", len(wg.workers)),
	)
}

// Stop cancels all workers and waits for them under one shared deadline,
// so a slow decision cycle cannot eat the stop budget of the workers
// behind it.
func (wg *WorkerGroup) Stop(timeout time.Duration) {
	logger.Info("stopping worker group",
		zap.Int("workers", len(wg.workers)),
	)

	wg.cancel()

	deadline := time.Now().Add(timeout)

	wg.mu.Lock()
	defer wg.mu.Unlock()

	for _, worker := range wg.workers {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		worker.Stop(remaining)
	}

	logger.Info("worker group stopped")
}
