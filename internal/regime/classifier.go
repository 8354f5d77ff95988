package regime

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cinar/indicator"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// Classifier derives the market-wide regime from the reference asset's
// rolling OHLCV window. Normal transitions require cfg.Hysteresis consecutive
// confirming observations; a severe drawdown bypasses the counter and flips
// straight to CRISIS.
type Classifier struct {
	mu            sync.RWMutex
	cfg           *config.RegimeConfig
	state         models.RegimeState
	candidate     models.RegimeState
	confirmations int
	volHistory    []float64
	history       []models.RegimeObservation
}

// NewClassifier creates a classifier in the UNDEFINED state.
func NewClassifier(cfg *config.RegimeConfig) *Classifier {
	return &Classifier{
		cfg:       cfg,
		state:     models.RegimeUndefined,
		candidate: models.RegimeUndefined,
	}
}

// State returns the current regime.
func (c *Classifier) State() models.RegimeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// History returns a copy of the append-only observation history.
func (c *Classifier) History() []models.RegimeObservation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.RegimeObservation, len(c.history))
	copy(out, c.history)
	return out
}

// Reinitialize drops all classifier state back to UNDEFINED. Explicit
// operator action only; the history is kept for audit.
func (c *Classifier) Reinitialize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = models.RegimeUndefined
	c.candidate = models.RegimeUndefined
	c.confirmations = 0
	c.volHistory = nil
	logger.Warn("regime classifier reinitialized")
}

// Observe classifies one window of reference candles and advances the state
// machine. Returns the resulting state and the observation recorded.
func (c *Classifier) Observe(window []models.Candle, now time.Time) (models.RegimeState, error) {
	if len(window) < c.cfg.SlowPeriod {
		return c.State(), fmt.Errorf("window too short: need %d candles, got %d", c.cfg.SlowPeriod, len(window))
	}

	closes := make([]float64, len(window))
	for i, candle := range window {
		closes[i] = models.ToFloat64(candle.Close)
	}

	drawdown := c.drawdownFromHigh(closes)
	volPct := c.volatilityPercentile(closes)
	raw := c.classifyRaw(closes, drawdown)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case raw == models.RegimeCrisis:
		// Downside protection reacts immediately, no hysteresis.
		if c.state != models.RegimeCrisis {
			logger.Warn("regime flipped to CRISIS",
				zap.Float64("drawdown_percent", drawdown),
				zap.String("previous", string(c.state)),
			)
		}
		c.state = models.RegimeCrisis
		c.candidate = models.RegimeCrisis
		c.confirmations = 0

	case raw == c.state:
		// Confirming the current state clears any pending transition.
		c.candidate = raw
		c.confirmations = 0

	case raw == c.candidate:
		c.confirmations++
		if c.confirmations >= c.cfg.Hysteresis {
			logger.Info("regime transition confirmed",
				zap.String("from", string(c.state)),
				zap.String("to", string(raw)),
				zap.Int("confirmations", c.confirmations),
			)
			c.state = raw
			c.confirmations = 0
		} else {
			c.state = transitionToward(c.state, raw)
		}

	default:
		c.candidate = raw
		c.confirmations = 1
		if c.confirmations >= c.cfg.Hysteresis {
			c.state = raw
			c.confirmations = 0
		} else {
			c.state = transitionToward(c.state, raw)
		}
	}

	obs := models.RegimeObservation{
		State:         c.state,
		Confirmed:     c.confirmations,
		Drawdown:      models.NewDecimal(drawdown),
		VolPercentile: models.NewDecimal(volPct),
		ObservedAt:    now,
	}
	c.history = append(c.history, obs)

	return c.state, nil
}

// classifyRaw maps one window to a target regime without hysteresis.
func (c *Classifier) classifyRaw(closes []float64, drawdown float64) models.RegimeState {
	if drawdown >= c.cfg.CrisisDrawdownPercent {
		return models.RegimeCrisis
	}

	fast := indicator.Sma(c.cfg.FastPeriod, closes)
	slow := indicator.Sma(c.cfg.SlowPeriod, closes)
	fastLast := fast[len(fast)-1]
	slowLast := slow[len(slow)-1]

	trendUp := fastLast > slowLast

	switch {
	case trendUp && drawdown < c.cfg.CrisisDrawdownPercent/3:
		return models.RegimeBullConfirmed
	case !trendUp && drawdown >= c.cfg.CrisisDrawdownPercent/2:
		return models.RegimeBearConfirmed
	default:
		return models.RegimeNeutral
	}
}

// drawdownFromHigh returns percent decline from the recent high.
func (c *Classifier) drawdownFromHigh(closes []float64) float64 {
	lookback := c.cfg.DrawdownLookback
	if lookback > len(closes) {
		lookback = len(closes)
	}

	recent := closes[len(closes)-lookback:]
	high := recent[0]
	for _, price := range recent {
		if price > high {
			high = price
		}
	}
	if high == 0 {
		return 0
	}

	last := closes[len(closes)-1]
	return (high - last) / high * 100
}

// volatilityPercentile computes realized vol of the window tail and ranks it
// against the retained vol history.
func (c *Classifier) volatilityPercentile(closes []float64) float64 {
	vol := realizedVol(closes, c.cfg.FastPeriod)

	c.mu.Lock()
	c.volHistory = append(c.volHistory, vol)
	if len(c.volHistory) > c.cfg.VolatilityLookback {
		c.volHistory = c.volHistory[len(c.volHistory)-c.cfg.VolatilityLookback:]
	}
	history := make([]float64, len(c.volHistory))
	copy(history, c.volHistory)
	c.mu.Unlock()

	if len(history) < 2 {
		return 50
	}

	below := 0
	for _, v := range history {
		if v < vol {
			below++
		}
	}
	return float64(below) / float64(len(history)-1) * 100
}

// realizedVol is the stddev of log returns over the last period closes.
func realizedVol(closes []float64, period int) float64 {
	if period+1 > len(closes) {
		period = len(closes) - 1
	}
	if period < 2 {
		return 0
	}

	tail := closes[len(closes)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(tail); i++ {
		if tail[i-1] <= 0 {
			continue
		}
		returns = append(returns, math.Log(tail[i]/tail[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance)
}

// transitionToward returns the visible intermediate state while confirmations
// accumulate toward target.
func transitionToward(current, target models.RegimeState) models.RegimeState {
	switch target {
	case models.RegimeBullConfirmed:
		return models.RegimeTransitionBullish
	case models.RegimeBearConfirmed:
		return models.RegimeTransitionBearish
	default:
		// Drifting toward NEUTRAL keeps the current state until confirmed.
		return current
	}
}
