package risk

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/internal/volatility"
	"github.com/quantarc/riskd/pkg/models"
)

var (
	entryTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	staleness = 5 * time.Minute
)

func boolPtr(b bool) *bool { return &b }

// testRegistry registers two strategies: "momentum" with auto stop-loss and
// "patient" with stop-loss disabled and hold-until-profitable semantics.
func testRegistry() *config.StrategyRegistry {
	floors := map[models.AssetTier]decimal.Decimal{
		models.TierBlueChip: decimal.NewFromInt(25),
		models.TierMidCap:   decimal.NewFromInt(18),
		models.TierLongTail: decimal.NewFromInt(12),
	}
	breaker := config.BreakerConfig{
		TripThreshold: 10,
		Cooldown:      config.Duration(time.Hour),
		MaxCooldown:   config.Duration(8 * time.Hour),
	}

	reg := &config.StrategyRegistry{
		AssetTiers: map[string]models.AssetTier{
			"BTC/USDT":  models.TierBlueChip,
			"DOGE/USDT": models.TierLongTail,
		},
		Strategies: []config.StrategyConfig{
			{
				ID: "momentum",
				TakeProfitTiers: []config.TakeProfitTier{
					{MaxHoldDays: 60, TargetPercent: decimal.NewFromInt(5)},
					{MaxHoldDays: 0, TargetPercent: decimal.NewFromInt(12)},
				},
				StopLoss: config.StopLossConfig{
					Enabled:     true,
					AutoExecute: boolPtr(true),
					BasePercent: decimal.NewFromInt(7),
				},
				CatastrophicFloors: floors,
				TrailingStop: config.TrailingStopConfig{
					ActivationDays: 14,
					DeltaPercent:   decimal.NewFromInt(4),
				},
				Stagnation: config.StagnationConfig{
					Enabled:        true,
					HorizonDays:    90,
					EpsilonPercent: decimal.NewFromInt(2),
				},
				CheckpointDays: []int{30, 60, 90},
				CircuitBreaker: breaker,
			},
			{
				ID: "patient",
				TakeProfitTiers: []config.TakeProfitTier{
					{MaxHoldDays: 0, TargetPercent: decimal.NewFromInt(20)},
				},
				StopLoss:           config.StopLossConfig{Enabled: false},
				CatastrophicFloors: floors,
				TrailingStop: config.TrailingStopConfig{
					ActivationDays: 14,
					DeltaPercent:   decimal.NewFromInt(4),
				},
				Stagnation:     config.StagnationConfig{Enabled: false},
				CircuitBreaker: breaker,
			},
		},
	}

	if err := reg.Validate(); err != nil {
		panic(err)
	}
	return reg
}

func position(strategyID, symbol string, entry float64, regime models.RegimeState) *models.Position {
	price := models.NewDecimal(entry)
	return &models.Position{
		Symbol:      symbol,
		StrategyID:  strategyID,
		EntryPrice:  price,
		EntryTime:   entryTime,
		EntryRegime: regime,
		Quantity:    decimal.NewFromInt(1),
		Status:      models.PositionOpen,
		PeakPrice:   price,
	}
}

func snapshotAt(symbol string, price float64, at time.Time) models.PriceSnapshot {
	return models.PriceSnapshot{
		Symbol:    symbol,
		Price:     models.NewDecimal(price),
		Timestamp: at,
	}
}

func dayOffset(days int) time.Time {
	return entryTime.Add(time.Duration(days) * 24 * time.Hour)
}

func neutralView() MarketView {
	return MarketView{Regime: models.RegimeNeutral, Volatility: volatility.StateNormal}
}

func TestEngine_Evaluate_Rules(t *testing.T) {
	engine := NewEngine(testRegistry(), staleness)

	t.Run("take-profit at tier target", func(t *testing.T) {
		// Entry at 100, 0-60-day tier target 5%, price reaches 105 at day 10.
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		now := dayOffset(10)

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 105, now), neutralView(), now)
		if d.Action != models.ActionSell || d.Reason.Code != models.ReasonTakeProfit {
			t.Errorf("got %s/%s, want SELL/take-profit", d.Action, d.Reason.Code)
		}
	})

	t.Run("longer hold gets larger target", func(t *testing.T) {
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		now := dayOffset(70)

		// 5% no longer takes profit past day 60; the final tier wants 12%.
		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 105, now), neutralView(), now)
		if d.Reason.Code == models.ReasonTakeProfit {
			t.Errorf("5%% profit took profit on the day-60+ tier: %s", d.Reason.Detail)
		}

		d = engine.Evaluate(pos, snapshotAt("BTC/USDT", 112, now), neutralView(), now)
		if d.Action != models.ActionSell || d.Reason.Code != models.ReasonTakeProfit {
			t.Errorf("got %s/%s, want SELL/take-profit at 12%%", d.Action, d.Reason.Code)
		}
	})

	t.Run("volatility rescales the target", func(t *testing.T) {
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		now := dayOffset(10)
		highVol := MarketView{Regime: models.RegimeNeutral, Volatility: volatility.StateHigh}

		// HIGH widens 5% to 6.25%: 5% no longer exits, 6.5% does.
		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 105, now), highVol, now)
		if d.Reason.Code == models.ReasonTakeProfit {
			t.Error("5% profit exited against a widened high-volatility target")
		}
		d = engine.Evaluate(pos, snapshotAt("BTC/USDT", 106.5, now), highVol, now)
		if d.Reason.Code != models.ReasonTakeProfit {
			t.Errorf("6.5%% profit held against 6.25%% target: %s/%s", d.Action, d.Reason.Code)
		}
	})

	t.Run("stagnation disabled means hold", func(t *testing.T) {
		// Entry at 100, day 75, price 92, stagnation exit disabled.
		pos := position("patient", "BTC/USDT", 100, models.RegimeNeutral)
		now := dayOffset(75)

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 92, now), neutralView(), now)
		if d.Action != models.ActionHold {
			t.Errorf("got %s/%s, want HOLD", d.Action, d.Reason.Code)
		}
	})

	t.Run("stagnation fires only when opted in", func(t *testing.T) {
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		now := dayOffset(100)

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 101, now), neutralView(), now)
		if d.Action != models.ActionSell || d.Reason.Code != models.ReasonStagnation {
			t.Errorf("got %s/%s, want SELL/stagnation-exit", d.Action, d.Reason.Code)
		}

		flat := position("patient", "BTC/USDT", 100, models.RegimeNeutral)
		d = engine.Evaluate(flat, snapshotAt("BTC/USDT", 101, now), neutralView(), now)
		if d.Reason.Code == models.ReasonStagnation {
			t.Error("stagnation fired for a strategy that never opted in")
		}
	})

	t.Run("regime veto near breakeven", func(t *testing.T) {
		// Entered during BULL_CONFIRMED, regime flipped to CRISIS, price 99.5.
		pos := position("momentum", "BTC/USDT", 100, models.RegimeBullConfirmed)
		now := dayOffset(5)
		crisis := MarketView{Regime: models.RegimeCrisis, Volatility: volatility.StateExtreme}

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 99.5, now), crisis, now)
		if d.Action != models.ActionSell || d.Reason.Code != models.ReasonRegimeVeto {
			t.Errorf("got %s/%s, want SELL/regime-veto", d.Action, d.Reason.Code)
		}
	})

	t.Run("regime veto skips deep losses", func(t *testing.T) {
		pos := position("patient", "BTC/USDT", 100, models.RegimeBullConfirmed)
		now := dayOffset(5)
		crisis := MarketView{Regime: models.RegimeCrisis, Volatility: volatility.StateNormal}

		// -6% is past breakeven protection; with stop-loss disabled, hold.
		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 94, now), crisis, now)
		if d.Reason.Code == models.ReasonRegimeVeto {
			t.Error("regime veto fired well below breakeven")
		}
	})

	t.Run("trailing stop after retracement from peak", func(t *testing.T) {
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		pos.PeakPrice = models.NewDecimal(110) // peaked at +10%
		now := dayOffset(20)

		// +4% now: retraced 6% from peak, delta is 4%.
		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 104, now), neutralView(), now)
		if d.Action != models.ActionSell || d.Reason.Code != models.ReasonTrailingStop {
			t.Errorf("got %s/%s, want SELL/trailing-stop", d.Action, d.Reason.Code)
		}
	})

	t.Run("trailing stop waits for activation horizon", func(t *testing.T) {
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		pos.PeakPrice = models.NewDecimal(110)
		now := dayOffset(10) // before the 14-day horizon

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 104, now), neutralView(), now)
		if d.Reason.Code == models.ReasonTrailingStop {
			t.Error("trailing stop fired before the activation horizon")
		}
	})

	t.Run("trailing stop requires prior profit", func(t *testing.T) {
		pos := position("patient", "BTC/USDT", 100, models.RegimeNeutral)
		now := dayOffset(20)

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 95, now), neutralView(), now)
		if d.Reason.Code == models.ReasonTrailingStop {
			t.Error("trailing stop fired for a position that never saw profit")
		}
	})

	t.Run("stop-loss auto-execute sells", func(t *testing.T) {
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		now := dayOffset(5)

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 92, now), neutralView(), now)
		if d.Action != models.ActionSell || d.Reason.Code != models.ReasonStopLoss {
			t.Errorf("got %s/%s, want SELL/stop-loss", d.Action, d.Reason.Code)
		}
	})

	t.Run("stop-loss without auto-execute alerts", func(t *testing.T) {
		reg := testRegistry()
		cfg, _ := reg.Get("momentum")
		cfg.StopLoss.AutoExecute = boolPtr(false)
		engine := NewEngine(reg, staleness)

		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		now := dayOffset(5)

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 92, now), neutralView(), now)
		if d.Action != models.ActionAlert || d.Reason.Code != models.ReasonStopLossManual {
			t.Errorf("got %s/%s, want ALERT/stop-loss-manual", d.Action, d.Reason.Code)
		}
	})

	t.Run("stop-loss tightens in crisis and loosens in bull", func(t *testing.T) {
		now := dayOffset(5)

		// -4% breaches the crisis-halved 3.5% stop, not the neutral 7%.
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		crisis := MarketView{Regime: models.RegimeCrisis, Volatility: volatility.StateNormal}
		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 96, now), crisis, now)
		if d.Reason.Code != models.ReasonStopLoss {
			t.Errorf("crisis stop at -4%% = %s/%s, want SELL/stop-loss", d.Action, d.Reason.Code)
		}

		// -8% breaches neutral 7% but not the bull-widened 8.75%.
		bull := MarketView{Regime: models.RegimeBullConfirmed, Volatility: volatility.StateNormal}
		d = engine.Evaluate(pos, snapshotAt("BTC/USDT", 92, now), bull, now)
		if d.Reason.Code == models.ReasonStopLoss {
			t.Error("bull-widened stop fired at -8%")
		}
	})

	t.Run("checkpoint alerts without exiting", func(t *testing.T) {
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		now := dayOffset(30)

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 102, now), neutralView(), now)
		if d.Action != models.ActionAlert || d.Reason.Code != models.ReasonCheckpoint {
			t.Errorf("got %s/%s, want ALERT/checkpoint", d.Action, d.Reason.Code)
		}
	})

	t.Run("checkpoint already delivered holds", func(t *testing.T) {
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		pos.MarkCheckpoint(30)
		now := dayOffset(30)

		// Re-evaluating on the same day must not alert again.
		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 102, now), neutralView(), now)
		if d.Action != models.ActionHold || d.Reason.Code != models.ReasonHold {
			t.Errorf("got %s/%s, want HOLD after delivered checkpoint", d.Action, d.Reason.Code)
		}

		// The next checkpoint still fires.
		now = dayOffset(60)
		d = engine.Evaluate(pos, snapshotAt("BTC/USDT", 102, now), neutralView(), now)
		if d.Action != models.ActionAlert || d.Reason.Code != models.ReasonCheckpoint {
			t.Errorf("got %s/%s, want ALERT at the day 60 checkpoint", d.Action, d.Reason.Code)
		}
	})

	t.Run("default is hold", func(t *testing.T) {
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		now := dayOffset(5)

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 102, now), neutralView(), now)
		if d.Action != models.ActionHold || d.Reason.Code != models.ReasonHold {
			t.Errorf("got %s/%s, want HOLD", d.Action, d.Reason.Code)
		}
	})
}

func TestEngine_Evaluate_RulePriority(t *testing.T) {
	engine := NewEngine(testRegistry(), staleness)

	t.Run("catastrophic floor wins over every later rule", func(t *testing.T) {
		// -15% on a long-tail asset breaches the 12% floor, the 7% stop and
		// would also stagnate; the floor must win.
		pos := position("momentum", "DOGE/USDT", 100, models.RegimeNeutral)
		now := dayOffset(100)

		d := engine.Evaluate(pos, snapshotAt("DOGE/USDT", 85, now), neutralView(), now)
		if d.Action != models.ActionSell || d.Reason.Code != models.ReasonCatastrophicFloor {
			t.Errorf("got %s/%s, want SELL/catastrophic-floor", d.Action, d.Reason.Code)
		}
	})

	t.Run("floor tiers are tighter for long-tail assets", func(t *testing.T) {
		now := dayOffset(5)

		// -15% force-closes DOGE (floor 12) but not BTC (floor 25).
		doge := position("patient", "DOGE/USDT", 100, models.RegimeNeutral)
		d := engine.Evaluate(doge, snapshotAt("DOGE/USDT", 85, now), neutralView(), now)
		if d.Reason.Code != models.ReasonCatastrophicFloor {
			t.Errorf("long-tail -15%% = %s/%s, want catastrophic-floor", d.Action, d.Reason.Code)
		}

		btc := position("patient", "BTC/USDT", 100, models.RegimeNeutral)
		d = engine.Evaluate(btc, snapshotAt("BTC/USDT", 85, now), neutralView(), now)
		if d.Reason.Code == models.ReasonCatastrophicFloor {
			t.Error("blue-chip floor fired at -15%")
		}
	})

	t.Run("take-profit wins over trailing stop", func(t *testing.T) {
		// +5% meets the target while also retraced 5% from the +10% peak.
		pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
		pos.PeakPrice = models.NewDecimal(110)
		now := dayOffset(20)

		d := engine.Evaluate(pos, snapshotAt("BTC/USDT", 105, now), neutralView(), now)
		if d.Reason.Code != models.ReasonTakeProfit {
			t.Errorf("got %s/%s, want take-profit ahead of trailing-stop", d.Action, d.Reason.Code)
		}
	})
}

func TestEngine_Evaluate_StaleData(t *testing.T) {
	engine := NewEngine(testRegistry(), staleness)
	pos := position("momentum", "BTC/USDT", 100, models.RegimeNeutral)
	now := dayOffset(5)

	t.Run("old snapshot holds", func(t *testing.T) {
		snap := snapshotAt("BTC/USDT", 80, now.Add(-10*time.Minute)) // deep loss, but stale
		d := engine.Evaluate(pos, snap, neutralView(), now)
		if d.Action != models.ActionHold || d.Reason.Code != models.ReasonStaleData {
			t.Errorf("got %s/%s, want HOLD/stale-data", d.Action, d.Reason.Code)
		}
	})

	t.Run("flagged snapshot holds", func(t *testing.T) {
		snap := snapshotAt("BTC/USDT", 80, now)
		snap.Stale = true
		d := engine.Evaluate(pos, snap, neutralView(), now)
		if d.Reason.Code != models.ReasonStaleData {
			t.Errorf("got %s/%s, want HOLD/stale-data", d.Action, d.Reason.Code)
		}
	})

	t.Run("missing price holds", func(t *testing.T) {
		snap := models.PriceSnapshot{Symbol: "BTC/USDT", Timestamp: now}
		d := engine.Evaluate(pos, snap, neutralView(), now)
		if d.Reason.Code != models.ReasonStaleData {
			t.Errorf("got %s/%s, want HOLD/stale-data", d.Action, d.Reason.Code)
		}
	})
}

func TestEngine_Evaluate_DeterministicAndIdempotent(t *testing.T) {
	engine := NewEngine(testRegistry(), staleness)
	pos := position("momentum", "BTC/USDT", 100, models.RegimeBullConfirmed)
	pos.PeakPrice = models.NewDecimal(103)
	now := dayOffset(20)
	snap := snapshotAt("BTC/USDT", 102, now)

	before := *pos
	first := engine.Evaluate(pos, snap, neutralView(), now)
	second := engine.Evaluate(pos, snap, neutralView(), now)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("identical inputs produced different decisions:\n%+v\n%+v", first, second)
	}
	if !reflect.DeepEqual(before, *pos) {
		t.Error("Evaluate mutated the position")
	}
}
