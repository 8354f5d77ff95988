package redis

import (
	"context"
	"sync"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/pkg/logger"
)

const leaderLockName = "riskd:cycle:leader"

// lockBackend is the slice of the redlock client the leader lock needs.
type lockBackend interface {
	Lock(ctx context.Context, resource string, ttl time.Duration) (time.Duration, error)
	UnLock(ctx context.Context, resource string) error
}

// LeaderLock elects one engine instance to run decision cycles. With
// several replicas deployed, only the lock holder evaluates and routes;
// the rest stand by and retry each cycle tick.
type LeaderLock struct {
	lockManager lockBackend
	ttl         time.Duration

	mu     sync.Mutex
	locked bool
}

// NewLeaderLock creates the cycle leader lock using the Redlock algorithm.
func NewLeaderLock(ctx context.Context, addrs []string, ttl time.Duration) (*LeaderLock, error) {
	lockManager, err := redlock.NewRedLock(ctx, addrs)
	if err != nil {
		return nil, err
	}

	return &LeaderLock{
		lockManager: lockManager,
		ttl:         ttl,
	}, nil
}

// TryAcquire attempts to become the cycle leader. Returns false when another
// instance holds the lock.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	expiry, err := l.lockManager.Lock(ctx, leaderLockName, l.ttl)
	if err != nil {
		logger.Debug("cycle leadership held by another instance")
		return false, nil
	}
	if expiry <= 0 {
		return false, nil
	}

	l.setLocked(true)
	logger.Info("cycle leadership acquired",
		zap.Duration("ttl", l.ttl),
		zap.Duration("expiry", expiry),
	)

	go l.renew(ctx)
	return true, nil
}

// Release gives up leadership.
func (l *LeaderLock) Release(ctx context.Context) error {
	if !l.Held() {
		return nil
	}

	if err := l.lockManager.UnLock(ctx, leaderLockName); err != nil {
		// The lock may have already expired naturally.
		logger.Warn("failed to release leader lock", zap.Error(err))
	} else {
		logger.Info("cycle leadership released")
	}

	l.setLocked(false)
	return nil
}

// Held reports whether this instance believes it is the leader. Safe to
// call from the cycle worker while the renew goroutine runs.
func (l *LeaderLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

func (l *LeaderLock) setLocked(v bool) {
	l.mu.Lock()
	l.locked = v
	l.mu.Unlock()
}

// renew extends the lock before it expires. Redlock has no built-in
// renewal, so leadership is re-acquired at two thirds of the TTL.
func (l *LeaderLock) renew(ctx context.Context) {
	ticker := time.NewTicker((l.ttl * 2) / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if !l.Held() {
				return
			}

			if err := l.lockManager.UnLock(ctx, leaderLockName); err != nil {
				logger.Error("leader lock renewal failed on unlock", zap.Error(err))
				l.setLocked(false)
				return
			}

			expiry, err := l.lockManager.Lock(ctx, leaderLockName, l.ttl)
			if err != nil || expiry <= 0 {
				logger.Error("cycle leadership lost", zap.Error(err))
				l.setLocked(false)
				return
			}

			logger.Debug("leader lock renewed", zap.Duration("expiry", expiry))
		}
	}
}
