package engine

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/internal/correlation"
	"github.com/quantarc/riskd/internal/risk"
	"github.com/quantarc/riskd/internal/volatility"
	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// MarketData delivers already-fetched price snapshots. The router never
// talks to an exchange; it only consumes what the data layer collected.
type MarketData interface {
	Snapshot(ctx context.Context, symbol string) (models.PriceSnapshot, error)
}

// Executor submits orders and returns acknowledgments. Position state
// mutates only on an ack.
type Executor interface {
	Submit(ctx context.Context, strategyID, symbol string, side models.OrderSide, quantity decimal.Decimal) (models.ExecutionAck, error)
}

// PositionStore persists position lifecycle transitions.
type PositionStore interface {
	Open(ctx context.Context) ([]*models.Position, error)
	Create(ctx context.Context, pos *models.Position) error
	Update(ctx context.Context, pos *models.Position) error
}

// Auditor records every emitted decision, HOLD included. The audit trail is
// append-only; a failed write is logged and never blocks the cycle.
type Auditor interface {
	Record(ctx context.Context, cycleID uuid.UUID, d models.Decision) error
}

// Alerter delivers decision events that need operator attention.
type Alerter interface {
	Notify(ctx context.Context, event models.AlertEvent) error
}

// SignalSource supplies pending entry candidates for the cycle.
type SignalSource interface {
	Pending(ctx context.Context) ([]EntrySignal, error)
}

// RegimeSource exposes the current confirmed market regime.
type RegimeSource interface {
	State() models.RegimeState
}

// VolatilitySource exposes the current volatility bucket.
type VolatilitySource interface {
	State() volatility.State
}

// CorrelationSource exposes the latest correlation matrix snapshot.
type CorrelationSource interface {
	Snapshot() *correlation.Matrix
}

// Deps bundles the router's collaborators.
type Deps struct {
	Registry    *config.StrategyRegistry
	Risk        *risk.Engine
	Gate        *correlation.Gate
	Regime      RegimeSource
	Volatility  VolatilitySource
	Correlation CorrelationSource
	Market      MarketData
	Executor    Executor
	Positions   PositionStore
	Auditor     Auditor
	Alerter     Alerter
	Signals     SignalSource
	RiskRepo    *risk.Repository
	Staleness   time.Duration
}

// Router drives one decision cycle: freeze the market context, evaluate
// every open position against the exit rules, then gate and route pending
// entries. Exits always run before entries so freed exposure is visible to
// the correlation gate in the same cycle.
type Router struct {
	deps Deps

	breakerMu sync.Mutex
	breakers  map[string]*risk.CircuitBreaker

	locks sync.Map

	clock func() time.Time
}

// NewRouter creates a decision router over validated collaborators.
func NewRouter(deps Deps) *Router {
	return &Router{
		deps:     deps,
		breakers: make(map[string]*risk.CircuitBreaker),
		clock:    time.Now,
	}
}

// RunCycle executes one full evaluation pass and returns the frozen context
// it ran under.
func (r *Router) RunCycle(ctx context.Context) (Cycle, error) {
	cycle := Cycle{
		ID:          uuid.New(),
		StartedAt:   r.clock().UTC(),
		Regime:      r.deps.Regime.State(),
		Volatility:  r.deps.Volatility.State(),
		Correlation: r.deps.Correlation.Snapshot(),
	}

	logger.Info("decision cycle started",
		zap.String("cycle_id", cycle.ID.String()),
		zap.String("regime", string(cycle.Regime)),
		zap.String("volatility", string(cycle.Volatility)),
	)

	open, err := r.deps.Positions.Open(ctx)
	if err != nil {
		return cycle, err
	}

	// Deterministic evaluation order across runs.
	sort.Slice(open, func(i, j int) bool {
		if open[i].StrategyID != open[j].StrategyID {
			return open[i].StrategyID < open[j].StrategyID
		}
		if open[i].Symbol != open[j].Symbol {
			return open[i].Symbol < open[j].Symbol
		}
		return open[i].EntryTime.Before(open[j].EntryTime)
	})

	for _, pos := range open {
		r.evaluatePosition(ctx, cycle, pos)
	}

	r.routeEntries(ctx, cycle, open)

	logger.Info("decision cycle finished",
		zap.String("cycle_id", cycle.ID.String()),
		zap.Int("open_positions", len(open)),
	)
	return cycle, nil
}

// evaluatePosition runs the exit rules for one position and applies the
// outcome. Holding the per-key lock guarantees no two evaluations for the
// same strategy and symbol ever interleave.
func (r *Router) evaluatePosition(ctx context.Context, cycle Cycle, pos *models.Position) {
	unlock := r.lockKey(pos.StrategyID, pos.Symbol)
	defer unlock()

	snap, err := r.deps.Market.Snapshot(ctx, pos.Symbol)
	if err != nil {
		logger.Warn("price snapshot unavailable",
			zap.String("symbol", pos.Symbol),
			zap.Error(err),
		)
		snap = models.PriceSnapshot{Symbol: pos.Symbol, Stale: true}
	}

	view := risk.MarketView{Regime: cycle.Regime, Volatility: cycle.Volatility}
	d := r.deps.Risk.Evaluate(pos, snap, view, cycle.StartedAt)

	if d.Automatic() {
		if ok, reason := r.breaker(pos.StrategyID).Allow(cycle.StartedAt); !ok {
			d = models.NewDecision(pos.StrategyID, pos.Symbol, models.ActionVeto, reason, d.Metrics, cycle.StartedAt)
		}
	}

	r.audit(ctx, cycle, d)

	switch d.Action {
	case models.ActionSell:
		r.executeExit(ctx, cycle, pos, d)

	case models.ActionAlert:
		r.notify(ctx, buildAlert(d, models.AlertWarning))
		if d.Reason.Code == models.ReasonCheckpoint {
			pos.MarkCheckpoint(pos.HoldDays(cycle.StartedAt))
			if err := r.deps.Positions.Update(ctx, pos); err != nil {
				logger.Error("failed to persist checkpoint mark",
					zap.String("position_id", pos.ID.String()),
					zap.Error(err),
				)
			}
		}

	case models.ActionHold:
		if snap.Usable(cycle.StartedAt, r.deps.Staleness) && pos.RefreshPeak(snap.Price) {
			if err := r.deps.Positions.Update(ctx, pos); err != nil {
				logger.Error("failed to persist peak refresh",
					zap.String("position_id", pos.ID.String()),
					zap.Error(err),
				)
			}
		}
	}
}

// executeExit submits the sell and closes the position on acknowledgment.
func (r *Router) executeExit(ctx context.Context, cycle Cycle, pos *models.Position, d models.Decision) {
	ack, err := r.deps.Executor.Submit(ctx, pos.StrategyID, pos.Symbol, models.SideSell, pos.Quantity)
	if err != nil {
		// Stale price data defers the exit to the next cycle. Only real
		// execution failures count against the breaker.
		if errors.Is(err, models.ErrDataStale) {
			logger.Warn("exit deferred on stale price",
				zap.String("strategy", pos.StrategyID),
				zap.String("symbol", pos.Symbol),
				zap.Error(err),
			)
			return
		}
		r.breaker(pos.StrategyID).RecordFailure(cycle.StartedAt)
		execErr := &models.ExecutionError{
			StrategyID: pos.StrategyID,
			Symbol:     pos.Symbol,
			Side:       models.SideSell,
			Err:        err,
		}
		logger.Error("exit execution failed", zap.Error(execErr))
		r.logRiskEvent(ctx, pos.StrategyID, "EXECUTION_FAILURE", execErr.Error())
		r.notify(ctx, buildAlert(d, models.AlertCritical))
		return
	}

	r.breaker(pos.StrategyID).RecordSuccess(cycle.StartedAt)
	pos.Close(ack, string(d.Reason.Code))
	if err := r.deps.Positions.Update(ctx, pos); err != nil {
		logger.Error("failed to persist position close",
			zap.String("position_id", pos.ID.String()),
			zap.Error(err),
		)
	}

	logger.Info("position closed",
		zap.String("strategy", pos.StrategyID),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(d.Reason.Code)),
		zap.String("exit_price", ack.FillPrice.String()),
	)
	r.notify(ctx, buildAlert(d, models.AlertInfo))
}

// routeEntries gates and submits pending entry signals. It runs strictly
// after the exit pass; positions closed this cycle no longer count against
// the correlation cap or the per-symbol cap.
func (r *Router) routeEntries(ctx context.Context, cycle Cycle, open []*models.Position) {
	if r.deps.Signals == nil {
		return
	}

	signals, err := r.deps.Signals.Pending(ctx)
	if err != nil {
		logger.Error("failed to fetch entry signals", zap.Error(err))
		return
	}

	sort.Slice(signals, func(i, j int) bool {
		if signals[i].StrategyID != signals[j].StrategyID {
			return signals[i].StrategyID < signals[j].StrategyID
		}
		return signals[i].Symbol < signals[j].Symbol
	})

	for _, sig := range signals {
		open = r.routeEntry(ctx, cycle, sig, open)
	}
}

// routeEntry admits one entry candidate and returns the open set extended
// with any position it created, so later admissions in the same cycle see
// the new exposure.
func (r *Router) routeEntry(ctx context.Context, cycle Cycle, sig EntrySignal, open []*models.Position) []*models.Position {
	unlock := r.lockKey(sig.StrategyID, sig.Symbol)
	defer unlock()

	cfg, ok := r.deps.Registry.Get(sig.StrategyID)
	if !ok {
		logger.Warn("entry signal for unregistered strategy",
			zap.String("strategy", sig.StrategyID),
			zap.String("symbol", sig.Symbol),
		)
		return open
	}

	metrics := models.DecisionMetrics{
		Regime:     cycle.Regime,
		Volatility: string(cycle.Volatility),
	}

	// No usable price means no entry this cycle. A data outage is never an
	// execution failure, so the breaker does not see it.
	snap, err := r.deps.Market.Snapshot(ctx, sig.Symbol)
	if err != nil || !snap.Usable(cycle.StartedAt, r.deps.Staleness) {
		d := models.NewDecision(sig.StrategyID, sig.Symbol, models.ActionVeto, models.Reason{
			Code:   models.ReasonStaleData,
			Detail: "price snapshot missing or stale",
		}, metrics, cycle.StartedAt)
		r.audit(ctx, cycle, d)
		return open
	}

	if limit := cfg.SymbolCap(); limit > 0 && countOpenForSymbol(open, sig.StrategyID, sig.Symbol) >= limit {
		d := models.NewDecision(sig.StrategyID, sig.Symbol, models.ActionVeto, models.Reason{
			Code:   models.ReasonSymbolCap,
			Detail: "per-symbol position cap reached",
		}, metrics, cycle.StartedAt)
		r.audit(ctx, cycle, d)
		return open
	}

	admission := r.deps.Gate.AdmitWithin(cycle.Correlation, sig.Symbol, open, cfg)
	if !admission.Allowed {
		metrics.CorrelatedSymbols = admission.CorrelatedSymbols
		d := models.NewDecision(sig.StrategyID, sig.Symbol, models.ActionVeto, admission.Reason, metrics, cycle.StartedAt)
		r.audit(ctx, cycle, d)
		return open
	}

	if ok, reason := r.breaker(sig.StrategyID).Allow(cycle.StartedAt); !ok {
		d := models.NewDecision(sig.StrategyID, sig.Symbol, models.ActionVeto, reason, metrics, cycle.StartedAt)
		r.audit(ctx, cycle, d)
		return open
	}

	d := models.NewDecision(sig.StrategyID, sig.Symbol, models.ActionBuy, models.Reason{
		Code: models.ReasonEntrySignal,
	}, metrics, cycle.StartedAt)
	r.audit(ctx, cycle, d)

	ack, err := r.deps.Executor.Submit(ctx, sig.StrategyID, sig.Symbol, models.SideBuy, sig.Quantity)
	if err != nil {
		if errors.Is(err, models.ErrDataStale) {
			logger.Warn("entry skipped on stale price",
				zap.String("strategy", sig.StrategyID),
				zap.String("symbol", sig.Symbol),
				zap.Error(err),
			)
			return open
		}
		r.breaker(sig.StrategyID).RecordFailure(cycle.StartedAt)
		execErr := &models.ExecutionError{
			StrategyID: sig.StrategyID,
			Symbol:     sig.Symbol,
			Side:       models.SideBuy,
			Err:        err,
		}
		logger.Error("entry execution failed", zap.Error(execErr))
		r.logRiskEvent(ctx, sig.StrategyID, "EXECUTION_FAILURE", execErr.Error())
		r.notify(ctx, buildAlert(d, models.AlertCritical))
		return open
	}

	r.breaker(sig.StrategyID).RecordSuccess(cycle.StartedAt)
	pos := models.OpenPosition(sig.StrategyID, cycle.Regime, ack)
	if err := r.deps.Positions.Create(ctx, pos); err != nil {
		logger.Error("failed to persist new position",
			zap.String("position_id", pos.ID.String()),
			zap.Error(err),
		)
	}

	logger.Info("position opened",
		zap.String("strategy", sig.StrategyID),
		zap.String("symbol", sig.Symbol),
		zap.String("entry_price", ack.FillPrice.String()),
		zap.String("entry_regime", string(cycle.Regime)),
	)
	return append(open, pos)
}

// ResetBreaker is the operator override for one strategy's breaker.
func (r *Router) ResetBreaker(strategyID string) {
	r.breaker(strategyID).Reset()
}

// BreakerStatuses returns a snapshot of every instantiated breaker.
func (r *Router) BreakerStatuses() []risk.BreakerStatus {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()

	statuses := make([]risk.BreakerStatus, 0, len(r.breakers))
	for _, cb := range r.breakers {
		statuses = append(statuses, cb.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].StrategyID < statuses[j].StrategyID })
	return statuses
}

// breaker returns the strategy's breaker, creating it lazily from the
// strategy's validated config.
func (r *Router) breaker(strategyID string) *risk.CircuitBreaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()

	if cb, ok := r.breakers[strategyID]; ok {
		return cb
	}

	var cfg config.BreakerConfig
	if sc, ok := r.deps.Registry.Get(strategyID); ok {
		cfg = sc.CircuitBreaker
	}
	cb := risk.NewCircuitBreaker(strategyID, cfg, r.deps.RiskRepo)
	r.breakers[strategyID] = cb
	return cb
}

func (r *Router) lockKey(strategyID, symbol string) func() {
	v, _ := r.locks.LoadOrStore(strategyID+"|"+symbol, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Router) audit(ctx context.Context, cycle Cycle, d models.Decision) {
	if r.deps.Auditor == nil {
		return
	}
	if err := r.deps.Auditor.Record(ctx, cycle.ID, d); err != nil {
		logger.Error("failed to record decision",
			zap.String("cycle_id", cycle.ID.String()),
			zap.String("strategy", d.StrategyID),
			zap.String("symbol", d.Symbol),
			zap.Error(err),
		)
	}
}

func (r *Router) notify(ctx context.Context, event models.AlertEvent) {
	if r.deps.Alerter == nil {
		return
	}
	if err := r.deps.Alerter.Notify(ctx, event); err != nil {
		logger.Error("failed to deliver alert",
			zap.String("symbol", event.Symbol),
			zap.Error(err),
		)
	}
}

func (r *Router) logRiskEvent(ctx context.Context, strategyID, eventType, description string) {
	if r.deps.RiskRepo == nil {
		return
	}
	_ = r.deps.RiskRepo.LogRiskEvent(ctx, strategyID, eventType, description, nil)
}

func countOpenForSymbol(open []*models.Position, strategyID, symbol string) int {
	n := 0
	for _, pos := range open {
		if pos.IsOpen() && pos.StrategyID == strategyID && pos.Symbol == symbol {
			n++
		}
	}
	return n
}

// buildAlert turns a decision into the structured event the alerting
// collaborator formats and delivers.
func buildAlert(d models.Decision, level models.AlertLevel) models.AlertEvent {
	return models.AlertEvent{
		Level:      level,
		Action:     d.Action,
		Symbol:     d.Symbol,
		StrategyID: d.StrategyID,
		Reason:     string(d.Reason.Code),
		Metrics: map[string]string{
			"price":          d.Metrics.Price.String(),
			"profit_percent": d.Metrics.ProfitPercent.String(),
			"hold_days":      strconv.Itoa(d.Metrics.HoldDays),
			"regime":         string(d.Metrics.Regime),
		},
		Timestamp: d.Timestamp,
	}
}
