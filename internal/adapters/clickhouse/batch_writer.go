package clickhouse

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// BatchWriter buffers decision rows and flushes them in batches. ClickHouse
// prefers few large inserts over many small ones; buffering also keeps the
// decision cycle from blocking on the analytics store.
type BatchWriter struct {
	repo        *Repository
	buffer      []DecisionRow
	bufferMu    sync.Mutex
	maxBatch    int
	flushTicker *time.Ticker
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewBatchWriter creates new batch writer
func NewBatchWriter(repo *Repository, maxBatch int, maxWait time.Duration) *BatchWriter {
	ctx, cancel := context.WithCancel(context.Background())

	bw := &BatchWriter{
		repo:     repo,
		buffer:   make([]DecisionRow, 0, maxBatch),
		maxBatch: maxBatch,
		ctx:      ctx,
		cancel:   cancel,
	}

	bw.flushTicker = time.NewTicker(maxWait)

	bw.wg.Add(1)
	go bw.autoFlush()

	return bw
}

// Record buffers one decision. Satisfies the router's auditor contract, so
// the writer can sit behind the same fan-out as the Postgres audit trail.
func (bw *BatchWriter) Record(_ context.Context, cycleID uuid.UUID, d models.Decision) error {
	bw.bufferMu.Lock()
	bw.buffer = append(bw.buffer, DecisionRow{CycleID: cycleID, Decision: d})
	shouldFlush := len(bw.buffer) >= bw.maxBatch
	bw.bufferMu.Unlock()

	if shouldFlush {
		bw.flush()
	}
	return nil
}

// autoFlush flushes buffer periodically
func (bw *BatchWriter) autoFlush() {
	defer bw.wg.Done()

	for {
		select {
		case <-bw.flushTicker.C:
			bw.flush()
		case <-bw.ctx.Done():
			// Final flush before exit
			bw.flush()
			return
		}
	}
}

// flush writes buffered rows to ClickHouse
func (bw *BatchWriter) flush() {
	bw.bufferMu.Lock()
	if len(bw.buffer) == 0 {
		bw.bufferMu.Unlock()
		return
	}

	toWrite := make([]DecisionRow, len(bw.buffer))
	copy(toWrite, bw.buffer)
	bw.buffer = bw.buffer[:0]
	bw.bufferMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := bw.repo.SaveDecisions(ctx, toWrite); err != nil {
		logger.Error("failed to flush decision metrics",
			zap.Int("records", len(toWrite)),
			zap.Error(err),
		)
		return
	}

	logger.Debug("flushed decision metrics",
		zap.Int("records", len(toWrite)),
	)
}

// Close stops the writer and flushes remaining data
func (bw *BatchWriter) Close() error {
	bw.flushTicker.Stop()
	bw.cancel()
	bw.wg.Wait()
	return nil
}
