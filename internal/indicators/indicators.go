// Package indicators provides the deterministic technical-analysis math
// shared by the strategy engines and the regime detector. Values are plain
// float64; callers convert back to decimal at order-placement boundaries.
package indicators

import (
	"math"

	"github.com/atlas-desktop/trading-agent/pkg/types"
)

// Closes extracts close prices from candles.
func Closes(bars []types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

// Volumes extracts volumes from candles.
func Volumes(bars []types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Volume.Float64()
	}
	return out
}

// SMA returns the simple moving average of the last period values, or 0 if
// there is not enough data.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average series for the given period.
// The series is seeded with an SMA over the first period values; entries
// before the seed are zero.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	out[period-1] = seed

	k := 2.0 / float64(period+1)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// EMALast returns the most recent EMA value, or 0 with ok=false if there is
// not enough data.
func EMALast(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	series := EMA(values, period)
	return series[len(series)-1], true
}

// ATR returns Wilder's average true range over the given period, or 0 with
// ok=false if there is not enough data.
func ATR(bars []types.OHLCV, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		high, _ := bars[i].High.Float64()
		low, _ := bars[i].Low.Float64()
		prevClose, _ := bars[i-1].Close.Float64()
		tr := high - low
		if d := abs(high - prevClose); d > tr {
			tr = d
		}
		if d := abs(low - prevClose); d > tr {
			tr = d
		}
		trs = append(trs, tr)
	}

	// Wilder smoothing seeded with a plain average.
	var atr float64
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// RSI returns Wilder's relative strength index over the given period, or 0
// with ok=false if there is not enough data.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		var g, l float64
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// Bollinger returns the middle band (SMA), upper and lower bands at the
// given standard-deviation multiple, or ok=false without enough data.
func Bollinger(values []float64, period int, mult float64) (middle, upper, lower float64, ok bool) {
	if period <= 0 || len(values) < period {
		return 0, 0, 0, false
	}
	window := values[len(values)-period:]
	mean := SMA(values, period)
	var variance float64
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(period)
	sd := math.Sqrt(variance)
	return mean, mean + mult*sd, mean - mult*sd, true
}

// SwingPoint marks a local extreme in a candle window.
type SwingPoint struct {
	Index  int
	Price  float64
	IsHigh bool
}

// Swings finds swing highs and lows: bars whose high (low) strictly exceeds
// (undercuts) every bar within lookback on both sides. Results are ordered
// by index.
func Swings(bars []types.OHLCV, lookback int) []SwingPoint {
	if lookback < 1 || len(bars) < 2*lookback+1 {
		return nil
	}
	var out []SwingPoint
	for i := lookback; i < len(bars)-lookback; i++ {
		high, _ := bars[i].High.Float64()
		low, _ := bars[i].Low.Float64()
		isHigh, isLow := true, true
		for j := i - lookback; j <= i+lookback; j++ {
			if j == i {
				continue
			}
			h, _ := bars[j].High.Float64()
			l, _ := bars[j].Low.Float64()
			if h >= high {
				isHigh = false
			}
			if l <= low {
				isLow = false
			}
		}
		if isHigh {
			out = append(out, SwingPoint{Index: i, Price: high, IsHigh: true})
		}
		if isLow {
			out = append(out, SwingPoint{Index: i, Price: low, IsHigh: false})
		}
	}
	return out
}

func abs(v float64) float64 {
	return math.Abs(v)
}
