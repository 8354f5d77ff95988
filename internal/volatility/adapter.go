package volatility

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// State buckets recent realized volatility by percentile rank.
type State string

const (
	StateLow     State = "LOW"
	StateNormal  State = "NORMAL"
	StateHigh    State = "HIGH"
	StateExtreme State = "EXTREME"
)

// Bucket boundaries as percentile ranks.
const (
	lowBelow    = 25.0
	normalBelow = 75.0
	highBelow   = 90.0
)

// Target multipliers per bucket: widen targets when volatility is high so
// winners can run, tighten when it is low to realize profit sooner.
var multipliers = map[State]decimal.Decimal{
	StateLow:     decimal.NewFromFloat(0.8),
	StateNormal:  decimal.NewFromInt(1),
	StateHigh:    decimal.NewFromFloat(1.25),
	StateExtreme: decimal.NewFromFloat(1.5),
}

// Adapter classifies realized volatility into percentile buckets against a
// rolling history and rescales profit/stop targets accordingly.
type Adapter struct {
	mu       sync.Mutex
	lookback int
	history  []float64
	last     State
}

// NewAdapter creates an adapter retaining lookback observations for ranking.
func NewAdapter(lookback int) *Adapter {
	if lookback < 2 {
		lookback = 2
	}
	return &Adapter{lookback: lookback}
}

// Classify computes realized volatility from recent returns and buckets it by
// percentile rank over the retained history.
func (a *Adapter) Classify(returns []decimal.Decimal) State {
	vol := realizedVol(returns)

	a.mu.Lock()
	a.history = append(a.history, vol)
	if len(a.history) > a.lookback {
		a.history = a.history[len(a.history)-a.lookback:]
	}
	history := make([]float64, len(a.history))
	copy(history, a.history)
	a.mu.Unlock()

	if len(history) < 2 {
		a.setLast(StateNormal)
		return StateNormal
	}

	below := 0
	for _, v := range history {
		if v < vol {
			below++
		}
	}
	rank := float64(below) / float64(len(history)-1) * 100

	state := bucket(rank)
	a.setLast(state)
	logger.Debug("volatility classified",
		zap.Float64("realized_vol", vol),
		zap.Float64("percentile", rank),
		zap.String("state", string(state)),
	)
	return state
}

// State returns the most recent classification, NORMAL before any history
// accrues.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == "" {
		return StateNormal
	}
	return a.last
}

func (a *Adapter) setLast(s State) {
	a.mu.Lock()
	a.last = s
	a.mu.Unlock()
}

// Adjust rescales a base target percent for the volatility state.
func Adjust(base decimal.Decimal, state State) decimal.Decimal {
	mult, ok := multipliers[state]
	if !ok {
		return base
	}
	return base.Mul(mult)
}

// Reinitialize drops the retained volatility history.
func (a *Adapter) Reinitialize() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	a.last = ""
}

func bucket(rank float64) State {
	switch {
	case rank < lowBelow:
		return StateLow
	case rank < normalBelow:
		return StateNormal
	case rank < highBelow:
		return StateHigh
	default:
		return StateExtreme
	}
}

// realizedVol is the sample stddev of the return series.
func realizedVol(returns []decimal.Decimal) float64 {
	if len(returns) < 2 {
		return 0
	}

	values := make([]float64, len(returns))
	var sum float64
	for i, r := range returns {
		values[i] = models.ToFloat64(r)
		sum += values[i]
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values) - 1)

	return math.Sqrt(variance)
}
