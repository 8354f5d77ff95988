package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// BreakerState is the breaker lifecycle state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerPaused   BreakerState = "paused"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker isolates repeated execution failures per strategy. It counts
// consecutive failures, pauses the strategy at the trip threshold, and after
// the cooldown permits exactly one half-open trial. A failed trial re-trips
// with a doubled cooldown up to the configured cap.
type CircuitBreaker struct {
	mu              sync.Mutex
	strategyID      string
	cfg             config.BreakerConfig
	repo            *Repository
	state           BreakerState
	consecutiveErrs int
	resumeAt        time.Time
	currentCooldown time.Duration
	trialInFlight   bool
	tripCount       int
	tripHistory     []time.Time
}

// NewCircuitBreaker creates a closed breaker for one strategy. repo may be
// nil; trips are then only logged.
func NewCircuitBreaker(strategyID string, cfg config.BreakerConfig, repo *Repository) *CircuitBreaker {
	return &CircuitBreaker{
		strategyID:      strategyID,
		cfg:             cfg,
		repo:            repo,
		state:           BreakerClosed,
		currentCooldown: cfg.Cooldown.Std(),
	}
}

// Allow reports whether calls for this strategy may proceed at now. While
// paused everything short-circuits with reason "circuit-open"; once resumeAt
// has elapsed the first caller gets the single half-open trial.
func (cb *CircuitBreaker) Allow(now time.Time) (bool, models.Reason) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true, models.Reason{}

	case BreakerPaused:
		if now.Before(cb.resumeAt) {
			return false, models.Reason{
				Code:   models.ReasonCircuitOpen,
				Detail: fmt.Sprintf("paused until %s", cb.resumeAt.Format(time.RFC3339)),
			}
		}
		// Cooldown elapsed: this caller becomes the half-open trial.
		cb.state = BreakerHalfOpen
		cb.trialInFlight = true
		logger.Info("circuit breaker half-open, permitting trial",
			zap.String("strategy", cb.strategyID),
		)
		return true, models.Reason{}

	case BreakerHalfOpen:
		if cb.trialInFlight {
			return false, models.Reason{
				Code:   models.ReasonCircuitOpen,
				Detail: "half-open trial in flight",
			}
		}
		cb.trialInFlight = true
		return true, models.Reason{}
	}

	return false, models.Reason{Code: models.ReasonCircuitOpen, Detail: "unknown breaker state"}
}

// RecordSuccess resets the failure counter. A successful half-open trial
// closes the breaker and restores the base cooldown.
func (cb *CircuitBreaker) RecordSuccess(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		logger.Info("circuit breaker closed after successful trial",
			zap.String("strategy", cb.strategyID),
		)
		cb.logEvent("CIRCUIT_BREAKER_CLOSE", "half-open trial succeeded")
	}

	cb.state = BreakerClosed
	cb.consecutiveErrs = 0
	cb.currentCooldown = cb.cfg.Cooldown.Std()
	cb.trialInFlight = false
}

// RecordFailure counts one execution failure. At the trip threshold the
// breaker pauses the strategy; a half-open trial failure re-trips with a
// doubled cooldown up to the cap.
func (cb *CircuitBreaker) RecordFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		cb.currentCooldown *= 2
		if limit := cb.cfg.MaxCooldown.Std(); cb.currentCooldown > limit {
			cb.currentCooldown = limit
		}
		cb.trip(now, "half-open trial failed")
		return
	}

	cb.consecutiveErrs++
	logger.Warn("execution failure recorded",
		zap.String("strategy", cb.strategyID),
		zap.Int("consecutive_errors", cb.consecutiveErrs),
		zap.Int("trip_threshold", cb.cfg.TripThreshold),
	)

	if cb.state == BreakerClosed && cb.consecutiveErrs >= cb.cfg.TripThreshold {
		cb.trip(now, fmt.Sprintf("trip threshold reached (%d consecutive failures)", cb.consecutiveErrs))
	}
}

// trip pauses the strategy. Caller holds the lock.
func (cb *CircuitBreaker) trip(now time.Time, reason string) {
	cb.state = BreakerPaused
	cb.resumeAt = now.Add(cb.currentCooldown)
	cb.trialInFlight = false
	cb.tripCount++
	cb.tripHistory = append(cb.tripHistory, now)

	logger.Error("CIRCUIT BREAKER TRIPPED",
		zap.String("strategy", cb.strategyID),
		zap.String("reason", reason),
		zap.Duration("cooldown", cb.currentCooldown),
		zap.Time("resume_at", cb.resumeAt),
		zap.Int("trip_count", cb.tripCount),
	)
	cb.logEvent("CIRCUIT_BREAKER_TRIP", reason)
}

// Reset is the explicit operator override: close the breaker and zero all
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = BreakerClosed
	cb.consecutiveErrs = 0
	cb.currentCooldown = cb.cfg.Cooldown.Std()
	cb.trialInFlight = false

	logger.Warn("circuit breaker reset by operator",
		zap.String("strategy", cb.strategyID),
	)
	cb.logEvent("CIRCUIT_BREAKER_RESET", "operator override")
}

// Status returns a snapshot of the breaker for introspection.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerStatus{
		StrategyID:        cb.strategyID,
		State:             cb.state,
		ConsecutiveErrors: cb.consecutiveErrs,
		ResumeAt:          cb.resumeAt,
		CurrentCooldown:   cb.currentCooldown,
		TripCount:         cb.tripCount,
	}
}

// logEvent writes a breaker event to the risk event log. Caller holds the lock.
func (cb *CircuitBreaker) logEvent(eventType, description string) {
	if cb.repo == nil {
		return
	}
	_ = cb.repo.LogRiskEvent(context.Background(), cb.strategyID, eventType, description, map[string]interface{}{
		"consecutive_errors": cb.consecutiveErrs,
		"trip_count":         cb.tripCount,
		"cooldown_minutes":   cb.currentCooldown.Minutes(),
	})
}

// BreakerStatus represents current breaker status
type BreakerStatus struct {
	StrategyID        string        `json:"strategy_id"`
	State             BreakerState  `json:"state"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	ResumeAt          time.Time     `json:"resume_at,omitempty"`
	CurrentCooldown   time.Duration `json:"current_cooldown"`
	TripCount         int           `json:"trip_count"`
}
