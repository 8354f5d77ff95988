package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/internal/volatility"
	"github.com/quantarc/riskd/pkg/models"
)

// nearBreakevenPercent bounds the regime veto: a position entered in a
// bullish regime is force-closed during CRISIS only when it sits near
// breakeven or better.
var nearBreakevenPercent = decimal.NewFromInt(-1)

// MarketView is the immutable per-cycle market context an evaluation reads.
type MarketView struct {
	Regime     models.RegimeState
	Volatility volatility.State
}

// Engine evaluates open positions against the priority-ordered exit rule
// set. Evaluate is a pure function: no side effects, no hidden clock, no
// randomness. Callers apply mutation only after an execution acknowledgment.
type Engine struct {
	registry  *config.StrategyRegistry
	staleness time.Duration
}

// NewEngine creates a position risk engine over the validated registry.
func NewEngine(registry *config.StrategyRegistry, staleness time.Duration) *Engine {
	return &Engine{
		registry:  registry,
		staleness: staleness,
	}
}

// Evaluate applies the exit rules in fixed priority order, first match wins:
// catastrophic floor, take-profit, trailing stop, regime veto, stagnation,
// stop-loss, checkpoint, hold.
func (e *Engine) Evaluate(pos *models.Position, snap models.PriceSnapshot, view MarketView, now time.Time) models.Decision {
	cfg, ok := e.registry.Get(pos.StrategyID)
	if !ok {
		// Registration is validated at load, so this is a programming error;
		// hold rather than act on a policy we do not have.
		return models.NewDecision(pos.StrategyID, pos.Symbol, models.ActionHold,
			models.Reason{Code: models.ReasonHold, Detail: "strategy not registered"},
			models.DecisionMetrics{}, now)
	}

	if !snap.Usable(now, e.staleness) {
		// Absent or stale data never triggers an exit.
		return models.NewDecision(pos.StrategyID, pos.Symbol, models.ActionHold,
			models.Reason{Code: models.ReasonStaleData, Detail: "price snapshot missing or stale"},
			models.DecisionMetrics{Regime: view.Regime, Volatility: string(view.Volatility)}, now)
	}

	profit := pos.ProfitPercent(snap.Price)

	// Effective peak includes the current price; the stored peak is only
	// raised by the caller after the cycle applies mutations.
	peak := pos.PeakPrice
	if snap.Price.GreaterThan(peak) {
		peak = snap.Price
	}
	peakProfit := pos.ProfitPercent(peak)

	holdDays := pos.HoldDays(now)

	metrics := models.DecisionMetrics{
		Price:             snap.Price,
		ProfitPercent:     profit,
		PeakProfitPercent: peakProfit,
		HoldDays:          holdDays,
		Regime:            view.Regime,
		Volatility:        string(view.Volatility),
	}

	decide := func(action models.Action, reason models.Reason) models.Decision {
		return models.NewDecision(pos.StrategyID, pos.Symbol, action, reason, metrics, now)
	}

	// Rule 1: catastrophic floor. Always wins over take-profit.
	tier := e.registry.TierOf(pos.Symbol)
	floor := cfg.CatastrophicFloors[tier]
	if profit.LessThanOrEqual(floor.Neg()) {
		return decide(models.ActionSell, models.Reason{
			Code:   models.ReasonCatastrophicFloor,
			Detail: fmt.Sprintf("loss %s%% breached %s floor -%s%%", profit.StringFixed(2), tier, floor.StringFixed(2)),
		})
	}

	// Rule 2: take-profit, tiered by hold duration and volatility-rescaled.
	target := volatility.Adjust(cfg.TakeProfitTarget(holdDays), view.Volatility)
	if profit.GreaterThanOrEqual(target) {
		return decide(models.ActionSell, models.Reason{
			Code:   models.ReasonTakeProfit,
			Detail: fmt.Sprintf("profit %s%% reached target %s%% at day %d", profit.StringFixed(2), target.StringFixed(2), holdDays),
		})
	}

	// Rule 3: trailing stop, active past the activation horizon. Retracement
	// is measured from peak profit, so the rule only arms once the position
	// has actually been in profit.
	if holdDays > cfg.TrailingStop.ActivationDays && peakProfit.GreaterThan(decimal.Zero) {
		delta := volatility.Adjust(cfg.TrailingStop.DeltaPercent, view.Volatility)
		retracement := peakProfit.Sub(profit)
		if retracement.GreaterThanOrEqual(delta) {
			return decide(models.ActionSell, models.Reason{
				Code:   models.ReasonTrailingStop,
				Detail: fmt.Sprintf("retraced %s%% from peak %s%% (delta %s%%)", retracement.StringFixed(2), peakProfit.StringFixed(2), delta.StringFixed(2)),
			})
		}
	}

	// Rule 4: regime veto. Protect gains entered in a bull ahead of a
	// confirmed crash.
	if pos.EntryRegime.Bullish() && view.Regime == models.RegimeCrisis && profit.GreaterThanOrEqual(nearBreakevenPercent) {
		return decide(models.ActionSell, models.Reason{
			Code:   models.ReasonRegimeVeto,
			Detail: fmt.Sprintf("bullish entry, regime now CRISIS, profit %s%%", profit.StringFixed(2)),
		})
	}

	// Rule 5: stagnation exit, strictly opt-in per strategy.
	if cfg.Stagnation.Enabled && holdDays > cfg.Stagnation.HorizonDays && profit.Abs().LessThanOrEqual(cfg.Stagnation.EpsilonPercent) {
		return decide(models.ActionSell, models.Reason{
			Code:   models.ReasonStagnation,
			Detail: fmt.Sprintf("flat at %s%% after %d days", profit.StringFixed(2), holdDays),
		})
	}

	// Rule 6: stop-loss, regime-adjusted. Auto-execute sells; otherwise an
	// ALERT asks for a manual decision and the position stays open.
	if cfg.StopLoss.Enabled {
		threshold := regimeAdjustedStop(cfg.StopLoss.BasePercent, view.Regime)
		if profit.LessThanOrEqual(threshold.Neg()) {
			detail := fmt.Sprintf("loss %s%% breached stop %s%% (regime %s)", profit.StringFixed(2), threshold.StringFixed(2), view.Regime)
			if cfg.StopLossAutoExecute() {
				return decide(models.ActionSell, models.Reason{Code: models.ReasonStopLoss, Detail: detail})
			}
			return decide(models.ActionAlert, models.Reason{Code: models.ReasonStopLossManual, Detail: detail})
		}
	}

	// Rule 7: checkpoint, informational only. Fires once per checkpoint;
	// the router marks the position after delivering the alert.
	for _, day := range cfg.CheckpointDays {
		if holdDays == day && pos.LastCheckpoint < day {
			return decide(models.ActionAlert, models.Reason{
				Code:   models.ReasonCheckpoint,
				Detail: fmt.Sprintf("day %d checkpoint, profit %s%%", day, profit.StringFixed(2)),
			})
		}
	}

	// Rule 8: default.
	return decide(models.ActionHold, models.Reason{Code: models.ReasonHold})
}

// regimeAdjustedStop tightens the stop in CRISIS and bear markets and
// loosens it in a confirmed bull.
func regimeAdjustedStop(base decimal.Decimal, regime models.RegimeState) decimal.Decimal {
	switch regime {
	case models.RegimeCrisis:
		return base.Mul(decimal.NewFromFloat(0.5))
	case models.RegimeBearConfirmed:
		return base.Mul(decimal.NewFromFloat(0.75))
	case models.RegimeBullConfirmed:
		return base.Mul(decimal.NewFromFloat(1.25))
	default:
		return base
	}
}
