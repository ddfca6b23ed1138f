// Package regime classifies a symbol's market regime from an hourly
// indicator bundle. The output is advisory: the orchestrator uses it to
// gate which strategies may act and publishes transitions on the event bus.
package regime

import (
	"sync"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/indicators"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config configures the regime detector.
type Config struct {
	EMAFastPeriod int `json:"emaFastPeriod"`
	EMASlowPeriod int `json:"emaSlowPeriod"`
	ATRPeriod     int `json:"atrPeriod"`
	RSIPeriod     int `json:"rsiPeriod"`

	// TrendThresholdPct is the minimum EMA divergence, as a fraction of
	// price, to call a trend.
	TrendThresholdPct float64 `json:"trendThresholdPct"`
	// VolatileATRPct is the ATR/price fraction above which the regime is
	// volatile regardless of trend.
	VolatileATRPct float64 `json:"volatileAtrPct"`

	// RefreshInterval is the minimum time between re-derivations.
	RefreshInterval time.Duration `json:"refreshInterval"`
}

// DefaultConfig returns the stock detector parameters.
func DefaultConfig() Config {
	return Config{
		EMAFastPeriod:     20,
		EMASlowPeriod:     50,
		ATRPeriod:         14,
		RSIPeriod:         14,
		TrendThresholdPct: 0.005,
		VolatileATRPct:    0.04,
		RefreshInterval:   time.Minute,
	}
}

// Detector derives the current regime from hourly candles.
type Detector struct {
	logger *zap.Logger
	config Config

	mu          sync.RWMutex
	current     types.Regime
	lastDerived time.Time
	history     []types.Regime
}

// NewDetector creates a regime detector.
func NewDetector(logger *zap.Logger, config Config) *Detector {
	return &Detector{
		logger:  logger.Named("regime"),
		config:  config,
		current: types.Regime{Type: types.RegimeUnknown},
		history: make([]types.Regime, 0, 256),
	}
}

// Due reports whether the refresh interval has elapsed.
func (d *Detector) Due(now time.Time) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return now.Sub(d.lastDerived) >= d.config.RefreshInterval
}

// Update re-derives the regime from the hourly window and current price.
// It returns the new regime and whether the classification changed.
func (d *Detector) Update(bars []types.OHLCV, price decimal.Decimal, now time.Time) (types.Regime, bool) {
	regime := d.classify(bars, price, now)

	d.mu.Lock()
	defer d.mu.Unlock()
	changed := regime.Type != d.current.Type
	d.current = regime
	d.lastDerived = now
	d.history = append(d.history, regime)
	if len(d.history) > 1024 {
		d.history = d.history[512:]
	}
	if changed {
		d.logger.Info("regime changed",
			zap.String("to", string(regime.Type)),
			zap.Float64("confidence", regime.Confidence))
	}
	return regime, changed
}

// classify implements the indicator-bundle decision tree.
func (d *Detector) classify(bars []types.OHLCV, price decimal.Decimal, now time.Time) types.Regime {
	need := d.config.EMASlowPeriod
	if d.config.ATRPeriod+1 > need {
		need = d.config.ATRPeriod + 1
	}
	if len(bars) < need || price.IsZero() {
		return types.Regime{Type: types.RegimeUnknown, DetectedAt: now}
	}

	closes := indicators.Closes(bars)
	fast, okFast := indicators.EMALast(closes, d.config.EMAFastPeriod)
	slow, okSlow := indicators.EMALast(closes, d.config.EMASlowPeriod)
	atr, okATR := indicators.ATR(bars, d.config.ATRPeriod)
	if !okFast || !okSlow || !okATR {
		return types.Regime{Type: types.RegimeUnknown, DetectedAt: now}
	}

	priceF, _ := price.Float64()
	if priceF <= 0 {
		return types.Regime{Type: types.RegimeUnknown, DetectedAt: now}
	}

	atrPct := atr / priceF
	if atrPct > d.config.VolatileATRPct {
		conf := clamp01(atrPct / (2 * d.config.VolatileATRPct))
		return types.Regime{Type: types.RegimeVolatile, Confidence: conf, DetectedAt: now}
	}

	divergence := (fast - slow) / priceF
	switch {
	case divergence > d.config.TrendThresholdPct:
		conf := clamp01(divergence / (3 * d.config.TrendThresholdPct))
		return types.Regime{Type: types.RegimeTrendingUp, Confidence: conf, DetectedAt: now}
	case divergence < -d.config.TrendThresholdPct:
		conf := clamp01(-divergence / (3 * d.config.TrendThresholdPct))
		return types.Regime{Type: types.RegimeTrendingDown, Confidence: conf, DetectedAt: now}
	default:
		// Closer to zero divergence means a cleaner range.
		conf := clamp01(1 - abs(divergence)/d.config.TrendThresholdPct)
		return types.Regime{Type: types.RegimeRanging, Confidence: conf, DetectedAt: now}
	}
}

// Current returns the latest classification.
func (d *Detector) Current() types.Regime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// Allows reports whether a strategy may act in the current regime. Grid
// trades ranges; DCA averages into ranges and downtrends; the
// trend-follower needs a trend; SMC judges its own structure internally.
func Allows(regime types.RegimeType, strategy types.StrategyKind) bool {
	switch strategy {
	case types.StrategyGrid:
		return regime == types.RegimeRanging || regime == types.RegimeUnknown
	case types.StrategyDCA:
		return regime == types.RegimeRanging || regime == types.RegimeTrendingDown || regime == types.RegimeUnknown
	case types.StrategyTrend:
		return regime == types.RegimeTrendingUp || regime == types.RegimeTrendingDown || regime == types.RegimeUnknown
	case types.StrategySMC:
		return true
	default:
		return true
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
