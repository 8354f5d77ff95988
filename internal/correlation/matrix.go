package correlation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// pairKey orders the two symbols so (a,b) and (b,a) hit the same entry.
type pairKey struct {
	a, b string
}

func newPairKey(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// Matrix is one immutable snapshot of rolling pairwise correlations.
// Concurrent readers never observe a partially-updated snapshot: the tracker
// builds a fresh matrix and swaps the pointer.
type Matrix struct {
	coeffs     map[pairKey]float64
	sampleSize int
	ComputedAt time.Time
}

// Coefficient returns the correlation for a symbol pair.
func (m *Matrix) Coefficient(a, b string) (float64, bool) {
	if m == nil || a == b {
		return 0, false
	}
	coeff, ok := m.coeffs[newPairKey(a, b)]
	return coeff, ok
}

// SampleSize returns the return-series length the snapshot was computed over.
func (m *Matrix) SampleSize() int {
	if m == nil {
		return 0
	}
	return m.sampleSize
}

// Pearson computes the Pearson correlation coefficient between two return
// series of equal length.
func Pearson(returns1, returns2 []float64) (float64, error) {
	if len(returns1) != len(returns2) || len(returns1) == 0 {
		return 0, fmt.Errorf("invalid return series lengths")
	}

	n := float64(len(returns1))

	var sum1, sum2 float64
	for i := range returns1 {
		sum1 += returns1[i]
		sum2 += returns2[i]
	}
	mean1 := sum1 / n
	mean2 := sum2 / n

	var numerator, var1, var2 float64
	for i := range returns1 {
		diff1 := returns1[i] - mean1
		diff2 := returns2[i] - mean2
		numerator += diff1 * diff2
		var1 += diff1 * diff1
		var2 += diff2 * diff2
	}

	if var1 == 0 || var2 == 0 {
		return 0, nil // no variance, no correlation
	}

	return numerator / math.Sqrt(var1*var2), nil
}

// Source provides recent return series per symbol.
type Source interface {
	Returns(ctx context.Context, symbol string, window int) ([]decimal.Decimal, error)
}

// Tracker recomputes the correlation matrix on its own cadence, decoupled
// from the decision cycle. On recompute failure or timeout it keeps serving
// the last good snapshot.
type Tracker struct {
	mu      sync.RWMutex
	source  Source
	window  int
	timeout time.Duration
	last    *Matrix
}

// NewTracker creates a tracker over the given return source.
func NewTracker(source Source, window int, timeout time.Duration) *Tracker {
	return &Tracker{
		source:  source,
		window:  window,
		timeout: timeout,
	}
}

// Snapshot returns the last good matrix, nil before the first recompute.
func (t *Tracker) Snapshot() *Matrix {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Recompute rebuilds the matrix for the given symbols. On any failure the
// previous snapshot stays in place and the error wraps
// models.ErrCorrelationUnavailable.
func (t *Tracker) Recompute(ctx context.Context, symbols []string) (*Matrix, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	series := make(map[string][]float64, len(symbols))
	for _, symbol := range symbols {
		returns, err := t.source.Returns(ctx, symbol, t.window)
		if err != nil {
			logger.Warn("correlation recompute failed, keeping previous snapshot",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			return t.Snapshot(), fmt.Errorf("%w: returns for %s: %v", models.ErrCorrelationUnavailable, symbol, err)
		}

		values := make([]float64, len(returns))
		for i, r := range returns {
			values[i] = models.ToFloat64(r)
		}
		series[symbol] = values
	}

	matrix := &Matrix{
		coeffs:     make(map[pairKey]float64),
		sampleSize: t.window,
		ComputedAt: time.Now(),
	}

	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			r1, r2 := series[symbols[i]], series[symbols[j]]
			// Align series in case of missing data.
			minLen := len(r1)
			if len(r2) < minLen {
				minLen = len(r2)
			}
			if minLen < 2 {
				continue
			}

			coeff, err := Pearson(r1[len(r1)-minLen:], r2[len(r2)-minLen:])
			if err != nil {
				continue
			}
			matrix.coeffs[newPairKey(symbols[i], symbols[j])] = coeff
		}
	}

	if err := ctx.Err(); err != nil {
		logger.Warn("correlation recompute timed out, keeping previous snapshot", zap.Error(err))
		return t.Snapshot(), fmt.Errorf("%w: %v", models.ErrCorrelationUnavailable, err)
	}

	t.mu.Lock()
	t.last = matrix
	t.mu.Unlock()

	logger.Debug("correlation matrix recomputed",
		zap.Int("symbols", len(symbols)),
		zap.Int("pairs", len(matrix.coeffs)),
	)

	return matrix, nil
}
