package correlation

import (
	"fmt"
	"sort"

	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/pkg/models"
)

// Admission is the gate's verdict for one entry candidate.
type Admission struct {
	Allowed           bool
	Reason            models.Reason
	CorrelatedSymbols []string
}

// Gate admits or denies new entries on exposure-concentration grounds.
type Gate struct {
	tracker *Tracker
}

// NewGate creates a gate over the tracker's snapshots.
func NewGate(tracker *Tracker) *Gate {
	return &Gate{tracker: tracker}
}

// Admit denies when the count of open positions correlated with the
// candidate beyond the strategy threshold reaches the configured cap.
// A cap of zero disables the gate entirely.
func (g *Gate) Admit(candidate string, open []*models.Position, cfg *config.StrategyConfig) Admission {
	return g.AdmitWithin(g.tracker.Snapshot(), candidate, open, cfg)
}

// AdmitWithin evaluates the candidate against an explicit matrix snapshot,
// so every admission within one cycle reads the same frozen coefficients.
func (g *Gate) AdmitWithin(matrix *Matrix, candidate string, open []*models.Position, cfg *config.StrategyConfig) Admission {
	limit := cfg.MaxCorrelatedPositions
	if limit <= 0 {
		return Admission{
			Allowed: true,
			Reason:  models.Reason{Code: models.ReasonEntrySignal, Detail: "correlation cap disabled"},
		}
	}

	if matrix == nil {
		// No snapshot has ever been computed. Denying with an explicit
		// reason beats allowing exposure the cap was meant to bound.
		return Admission{
			Allowed: false,
			Reason: models.Reason{
				Code:   models.ReasonCorrelationUnavailable,
				Detail: "no correlation snapshot available yet",
			},
		}
	}

	count := 0
	correlated := make(map[string]bool)
	for _, pos := range open {
		if !pos.IsOpen() || pos.Symbol == candidate {
			continue
		}
		coeff, ok := matrix.Coefficient(candidate, pos.Symbol)
		if !ok {
			continue
		}
		if coeff > cfg.CorrelationThreshold {
			count++
			correlated[pos.Symbol] = true
		}
	}

	symbols := make([]string, 0, len(correlated))
	for symbol := range correlated {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	if count >= limit {
		return Admission{
			Allowed: false,
			Reason: models.Reason{
				Code: models.ReasonCorrelationCap,
				Detail: fmt.Sprintf("%d open positions correlated above %.2f (cap %d): %v",
					count, cfg.CorrelationThreshold, limit, symbols),
			},
			CorrelatedSymbols: symbols,
		}
	}

	return Admission{
		Allowed:           true,
		Reason:            models.Reason{Code: models.ReasonEntrySignal},
		CorrelatedSymbols: symbols,
	}
}
