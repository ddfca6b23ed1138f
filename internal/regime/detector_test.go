package regime_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/regime"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// trendBars builds an hourly window drifting by drift per bar with the
// given bar range.
func trendBars(n int, start, drift, barRange float64) []types.OHLCV {
	bars := make([]types.OHLCV, n)
	price := start
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		open := price
		price += drift
		bars[i] = types.OHLCV{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(max(open, price) + barRange/2),
			Low:       decimal.NewFromFloat(min(open, price) - barRange/2),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func TestClassifyTrendingUp(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig())
	bars := trendBars(80, 100, 1.0, 0.5)
	last := bars[len(bars)-1].Close

	r, changed := d.Update(bars, last, time.Now())
	if !changed {
		t.Error("first classification should report a change from unknown")
	}
	if r.Type != types.RegimeTrendingUp {
		t.Fatalf("regime = %s, want trending_up", r.Type)
	}
	if r.Confidence <= 0 {
		t.Error("confidence should be positive")
	}
}

func TestClassifyTrendingDown(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig())
	bars := trendBars(80, 200, -1.0, 0.5)
	last := bars[len(bars)-1].Close

	r, _ := d.Update(bars, last, time.Now())
	if r.Type != types.RegimeTrendingDown {
		t.Fatalf("regime = %s, want trending_down", r.Type)
	}
}

func TestClassifyRanging(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig())
	bars := trendBars(80, 100, 0, 0.2)
	r, _ := d.Update(bars, decimal.NewFromInt(100), time.Now())
	if r.Type != types.RegimeRanging {
		t.Fatalf("regime = %s, want ranging", r.Type)
	}
}

func TestClassifyVolatile(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig())
	// Flat drift but each bar spans ~10% of price.
	bars := trendBars(80, 100, 0, 10)
	r, _ := d.Update(bars, decimal.NewFromInt(100), time.Now())
	if r.Type != types.RegimeVolatile {
		t.Fatalf("regime = %s, want volatile", r.Type)
	}
}

func TestInsufficientDataIsUnknown(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), regime.DefaultConfig())
	bars := trendBars(10, 100, 1, 0.5)
	r, _ := d.Update(bars, decimal.NewFromInt(100), time.Now())
	if r.Type != types.RegimeUnknown {
		t.Fatalf("regime = %s, want unknown", r.Type)
	}
}

func TestDue(t *testing.T) {
	cfg := regime.DefaultConfig()
	d := regime.NewDetector(zap.NewNop(), cfg)
	now := time.Now()

	if !d.Due(now) {
		t.Fatal("fresh detector should be due")
	}
	d.Update(trendBars(80, 100, 1, 0.5), decimal.NewFromInt(180), now)
	if d.Due(now.Add(30 * time.Second)) {
		t.Error("should not be due 30s after an update")
	}
	if !d.Due(now.Add(61 * time.Second)) {
		t.Error("should be due 61s after an update")
	}
}

func TestAllows(t *testing.T) {
	cases := []struct {
		regime   types.RegimeType
		strategy types.StrategyKind
		want     bool
	}{
		{types.RegimeRanging, types.StrategyGrid, true},
		{types.RegimeTrendingUp, types.StrategyGrid, false},
		{types.RegimeTrendingDown, types.StrategyDCA, true},
		{types.RegimeTrendingUp, types.StrategyDCA, false},
		{types.RegimeTrendingUp, types.StrategyTrend, true},
		{types.RegimeRanging, types.StrategyTrend, false},
		{types.RegimeVolatile, types.StrategySMC, true},
	}
	for _, tc := range cases {
		if got := regime.Allows(tc.regime, tc.strategy); got != tc.want {
			t.Errorf("Allows(%s, %s) = %v, want %v", tc.regime, tc.strategy, got, tc.want)
		}
	}
}
