package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantarc/riskd/pkg/models"
)

// Duration wraps time.Duration for JSON values like "4h" or "30m".
type Duration time.Duration

// UnmarshalJSON parses a duration string
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the underlying time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TakeProfitTier is one rung of the hold-duration-tiered take-profit
// schedule. MaxHoldDays 0 marks the open-ended final tier.
type TakeProfitTier struct {
	MaxHoldDays   int             `json:"max_hold_days"`
	TargetPercent decimal.Decimal `json:"target_percent"`
}

// StopLossConfig carries the stop-loss policy. AutoExecute is a pointer on
// purpose: there is no implicit default, every strategy must state it when
// stop-loss is enabled.
type StopLossConfig struct {
	Enabled     bool            `json:"enabled"`
	AutoExecute *bool           `json:"auto_execute,omitempty"`
	BasePercent decimal.Decimal `json:"base_percent"`
}

// TrailingStopConfig activates once a position has been held past the horizon.
type TrailingStopConfig struct {
	ActivationDays int             `json:"activation_days"`
	DeltaPercent   decimal.Decimal `json:"delta_percent"`
}

// StagnationConfig is strictly opt-in; Enabled false means the rule never
// applies to the strategy.
type StagnationConfig struct {
	Enabled        bool            `json:"enabled"`
	HorizonDays    int             `json:"horizon_days"`
	EpsilonPercent decimal.Decimal `json:"epsilon_percent"`
}

// BreakerConfig parameterizes the per-strategy circuit breaker.
type BreakerConfig struct {
	TripThreshold int      `json:"trip_threshold"`
	Cooldown      Duration `json:"cooldown"`
	MaxCooldown   Duration `json:"max_cooldown"`
}

// StrategyConfig is the immutable per-strategy policy, validated and frozen
// at registration.
type StrategyConfig struct {
	ID                     string                               `json:"id"`
	Name                   string                               `json:"name"`
	TakeProfitTiers        []TakeProfitTier                     `json:"take_profit_tiers"`
	StopLoss               StopLossConfig                       `json:"stop_loss"`
	CatastrophicFloors     map[models.AssetTier]decimal.Decimal `json:"catastrophic_floors"`
	TrailingStop           TrailingStopConfig                   `json:"trailing_stop"`
	Stagnation             StagnationConfig                     `json:"stagnation"`
	CheckpointDays         []int                                `json:"checkpoint_days"`
	MaxCorrelatedPositions int                                  `json:"max_correlated_positions"`
	CorrelationThreshold   float64                              `json:"correlation_threshold"`
	MaxPositionsPerSymbol  int                                  `json:"max_positions_per_symbol"`
	CircuitBreaker         BreakerConfig                        `json:"circuit_breaker"`
}

// StrategyRegistry is the full strategy policy file: the shared symbol tier
// table plus every registered strategy.
type StrategyRegistry struct {
	AssetTiers map[string]models.AssetTier `json:"asset_tiers"`
	Strategies []StrategyConfig            `json:"strategies"`
}

// LoadStrategies reads and validates the strategy registry file. Any
// inconsistency rejects the whole file; nothing is resolved at decision time.
func LoadStrategies(path string) (*StrategyRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategies file: %w", err)
	}

	var reg StrategyRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse strategies file: %w", err)
	}

	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfigInvalid, err)
	}

	return &reg, nil
}

// Validate checks the registry for internal consistency
func (r *StrategyRegistry) Validate() error {
	if len(r.Strategies) == 0 {
		return fmt.Errorf("no strategies defined")
	}

	for symbol, tier := range r.AssetTiers {
		switch tier {
		case models.TierBlueChip, models.TierMidCap, models.TierLongTail:
		default:
			return fmt.Errorf("symbol %s has unknown tier %q", symbol, tier)
		}
	}

	seen := make(map[string]bool, len(r.Strategies))
	for i := range r.Strategies {
		s := &r.Strategies[i]
		if s.ID == "" {
			return fmt.Errorf("strategy at index %d has empty id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		seen[s.ID] = true

		if err := s.Validate(); err != nil {
			return fmt.Errorf("strategy %q: %w", s.ID, err)
		}
	}

	return nil
}

// TierOf returns the asset tier for a symbol, long-tail when unmapped.
// Unknown symbols get the tightest floor, never the loosest.
func (r *StrategyRegistry) TierOf(symbol string) models.AssetTier {
	if tier, ok := r.AssetTiers[symbol]; ok {
		return tier
	}
	return models.TierLongTail
}

// Get returns the strategy config by id
func (r *StrategyRegistry) Get(id string) (*StrategyConfig, bool) {
	for i := range r.Strategies {
		if r.Strategies[i].ID == id {
			return &r.Strategies[i], true
		}
	}
	return nil, false
}

// Validate checks a single strategy config for internal consistency
func (s *StrategyConfig) Validate() error {
	if len(s.TakeProfitTiers) == 0 {
		return fmt.Errorf("take_profit_tiers must not be empty")
	}
	for i, tier := range s.TakeProfitTiers {
		if tier.TargetPercent.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("take-profit tier %d target must be positive", i)
		}
		if tier.MaxHoldDays == 0 && i != len(s.TakeProfitTiers)-1 {
			return fmt.Errorf("only the final take-profit tier may be open-ended")
		}
		if i > 0 && tier.MaxHoldDays != 0 && tier.MaxHoldDays <= s.TakeProfitTiers[i-1].MaxHoldDays {
			return fmt.Errorf("take-profit tiers must be ordered by max_hold_days")
		}
	}

	if s.StopLoss.Enabled {
		if s.StopLoss.AutoExecute == nil {
			return fmt.Errorf("stop_loss.auto_execute must be stated explicitly")
		}
		if s.StopLoss.BasePercent.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("stop_loss.base_percent must be positive")
		}
	}

	for _, tier := range []models.AssetTier{models.TierBlueChip, models.TierMidCap, models.TierLongTail} {
		floor, ok := s.CatastrophicFloors[tier]
		if !ok {
			return fmt.Errorf("catastrophic floor missing for tier %s", tier)
		}
		if floor.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("catastrophic floor for tier %s must be positive", tier)
		}
	}

	if s.TrailingStop.ActivationDays < 0 {
		return fmt.Errorf("trailing_stop.activation_days must not be negative")
	}
	if s.TrailingStop.DeltaPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("trailing_stop.delta_percent must be positive")
	}

	if s.Stagnation.Enabled {
		if s.Stagnation.HorizonDays <= 0 {
			return fmt.Errorf("stagnation.horizon_days must be positive when enabled")
		}
		if s.Stagnation.EpsilonPercent.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("stagnation.epsilon_percent must be positive when enabled")
		}
	}

	if !sort.IntsAreSorted(s.CheckpointDays) {
		return fmt.Errorf("checkpoint_days must be ascending")
	}
	for _, day := range s.CheckpointDays {
		if day <= 0 {
			return fmt.Errorf("checkpoint_days must be positive")
		}
	}

	if s.MaxCorrelatedPositions < 0 {
		return fmt.Errorf("max_correlated_positions must not be negative")
	}
	if s.MaxCorrelatedPositions > 0 && (s.CorrelationThreshold <= 0 || s.CorrelationThreshold > 1) {
		return fmt.Errorf("correlation_threshold must be in (0, 1] when the cap is set")
	}

	if s.MaxPositionsPerSymbol < 0 {
		return fmt.Errorf("max_positions_per_symbol must not be negative")
	}

	if s.CircuitBreaker.TripThreshold < 1 {
		return fmt.Errorf("circuit_breaker.trip_threshold must be at least 1")
	}
	if s.CircuitBreaker.Cooldown.Std() <= 0 {
		return fmt.Errorf("circuit_breaker.cooldown must be positive")
	}
	if s.CircuitBreaker.MaxCooldown.Std() < s.CircuitBreaker.Cooldown.Std() {
		return fmt.Errorf("circuit_breaker.max_cooldown must be at least the base cooldown")
	}

	return nil
}

// SymbolCap returns the per-symbol open position cap, 1 unless the strategy
// explicitly raises it.
func (s *StrategyConfig) SymbolCap() int {
	if s.MaxPositionsPerSymbol > 1 {
		return s.MaxPositionsPerSymbol
	}
	return 1
}

// TakeProfitTarget returns the base target percent for a hold duration in days.
func (s *StrategyConfig) TakeProfitTarget(holdDays int) decimal.Decimal {
	for _, tier := range s.TakeProfitTiers {
		if tier.MaxHoldDays == 0 || holdDays <= tier.MaxHoldDays {
			return tier.TargetPercent
		}
	}
	return s.TakeProfitTiers[len(s.TakeProfitTiers)-1].TargetPercent
}

// StopLossAutoExecute reports the explicit auto-execute policy. Only valid
// after Validate has passed.
func (s *StrategyConfig) StopLossAutoExecute() bool {
	return s.StopLoss.AutoExecute != nil && *s.StopLoss.AutoExecute
}
