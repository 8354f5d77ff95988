package correlation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/pkg/models"
)

// fakeSource serves fixed return series per symbol.
type fakeSource struct {
	series map[string][]float64
	err    error
}

func (f *fakeSource) Returns(ctx context.Context, symbol string, window int) ([]decimal.Decimal, error) {
	if f.err != nil {
		return nil, f.err
	}
	values, ok := f.series[symbol]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = models.NewDecimal(v)
	}
	return out, nil
}

// correlatedSeries returns a base series and one that moves with it.
func correlatedSeries() map[string][]float64 {
	base := []float64{0.01, -0.02, 0.03, -0.01, 0.02, -0.03, 0.01, 0.02}
	same := make([]float64, len(base))
	inverse := make([]float64, len(base))
	for i, v := range base {
		same[i] = v * 1.1
		inverse[i] = -v
	}
	return map[string][]float64{
		"BTC/USDT":  base,
		"ETH/USDT":  same,
		"SOL/USDT":  same,
		"AVAX/USDT": same,
		"GOLD/USDT": inverse,
	}
}

func openPosition(symbol string) *models.Position {
	return &models.Position{
		Symbol:     symbol,
		StrategyID: "s1",
		Status:     models.PositionOpen,
		EntryPrice: models.NewDecimal(100),
		Quantity:   decimal.NewFromInt(1),
	}
}

func gateConfig(cap int) *config.StrategyConfig {
	return &config.StrategyConfig{
		ID:                     "s1",
		MaxCorrelatedPositions: cap,
		CorrelationThreshold:   0.7,
	}
}

func recomputedTracker(t *testing.T) *Tracker {
	t.Helper()
	source := &fakeSource{series: correlatedSeries()}
	tracker := NewTracker(source, 8, time.Second)
	symbols := []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "AVAX/USDT", "GOLD/USDT"}
	if _, err := tracker.Recompute(context.Background(), symbols); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	return tracker
}

func TestGate_Admit(t *testing.T) {
	gate := NewGate(recomputedTracker(t))

	t.Run("denies at cap and lists all correlated symbols", func(t *testing.T) {
		open := []*models.Position{
			openPosition("ETH/USDT"),
			openPosition("SOL/USDT"),
			openPosition("AVAX/USDT"),
		}

		adm := gate.Admit("BTC/USDT", open, gateConfig(2))
		if adm.Allowed {
			t.Fatal("expected denial at cap")
		}
		if adm.Reason.Code != models.ReasonCorrelationCap {
			t.Errorf("reason code = %s, want correlation-cap", adm.Reason.Code)
		}
		if len(adm.CorrelatedSymbols) != 3 {
			t.Errorf("correlated symbols = %v, want all 3", adm.CorrelatedSymbols)
		}
		for _, symbol := range []string{"ETH/USDT", "SOL/USDT", "AVAX/USDT"} {
			if !strings.Contains(adm.Reason.Detail, symbol) {
				t.Errorf("reason detail missing %s: %s", symbol, adm.Reason.Detail)
			}
		}
	})

	t.Run("allows below cap", func(t *testing.T) {
		open := []*models.Position{openPosition("ETH/USDT")}

		adm := gate.Admit("BTC/USDT", open, gateConfig(2))
		if !adm.Allowed {
			t.Errorf("expected admission below cap, denied: %s", adm.Reason.Detail)
		}
	})

	t.Run("uncorrelated positions do not count", func(t *testing.T) {
		open := []*models.Position{
			openPosition("GOLD/USDT"),
			openPosition("GOLD/USDT"),
		}

		adm := gate.Admit("BTC/USDT", open, gateConfig(1))
		if !adm.Allowed {
			t.Errorf("inverse-correlated positions counted toward cap: %s", adm.Reason.Detail)
		}
	})

	t.Run("cap zero never denies", func(t *testing.T) {
		open := []*models.Position{
			openPosition("ETH/USDT"),
			openPosition("SOL/USDT"),
			openPosition("AVAX/USDT"),
		}

		adm := gate.Admit("BTC/USDT", open, gateConfig(0))
		if !adm.Allowed {
			t.Error("disabled cap must never deny")
		}
	})

	t.Run("closed positions ignored", func(t *testing.T) {
		closed := openPosition("ETH/USDT")
		closed.Status = models.PositionClosed

		adm := gate.Admit("BTC/USDT", []*models.Position{closed}, gateConfig(1))
		if !adm.Allowed {
			t.Error("closed positions must not count toward cap")
		}
	})
}

func TestGate_NoSnapshotYet(t *testing.T) {
	tracker := NewTracker(&fakeSource{series: correlatedSeries()}, 8, time.Second)
	gate := NewGate(tracker)

	adm := gate.Admit("BTC/USDT", []*models.Position{openPosition("ETH/USDT")}, gateConfig(2))
	if adm.Allowed {
		t.Error("admission without any snapshot must not be permissive")
	}
	if adm.Reason.Code != models.ReasonCorrelationUnavailable {
		t.Errorf("reason code = %s, want correlation-unavailable", adm.Reason.Code)
	}
}

func TestTracker_FallbackOnFailure(t *testing.T) {
	source := &fakeSource{series: correlatedSeries()}
	tracker := NewTracker(source, 8, time.Second)
	symbols := []string{"BTC/USDT", "ETH/USDT"}

	first, err := tracker.Recompute(context.Background(), symbols)
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}

	source.err = errors.New("feed down")
	second, err := tracker.Recompute(context.Background(), symbols)
	if !errors.Is(err, models.ErrCorrelationUnavailable) {
		t.Errorf("error = %v, want ErrCorrelationUnavailable", err)
	}
	if second != first {
		t.Error("failed recompute must serve the previous snapshot")
	}
	if tracker.Snapshot() != first {
		t.Error("snapshot must remain the last good matrix")
	}
}

func TestPearson(t *testing.T) {
	t.Run("perfect positive", func(t *testing.T) {
		a := []float64{1, 2, 3, 4}
		b := []float64{2, 4, 6, 8}
		coeff, err := Pearson(a, b)
		if err != nil {
			t.Fatal(err)
		}
		if coeff < 0.999 {
			t.Errorf("coefficient = %f, want ~1", coeff)
		}
	})

	t.Run("perfect negative", func(t *testing.T) {
		a := []float64{1, 2, 3, 4}
		b := []float64{-1, -2, -3, -4}
		coeff, err := Pearson(a, b)
		if err != nil {
			t.Fatal(err)
		}
		if coeff > -0.999 {
			t.Errorf("coefficient = %f, want ~-1", coeff)
		}
	})

	t.Run("no variance", func(t *testing.T) {
		coeff, err := Pearson([]float64{1, 1, 1}, []float64{1, 2, 3})
		if err != nil {
			t.Fatal(err)
		}
		if coeff != 0 {
			t.Errorf("coefficient = %f, want 0", coeff)
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		if _, err := Pearson([]float64{1}, []float64{1, 2}); err == nil {
			t.Error("expected error for mismatched lengths")
		}
	})
}
