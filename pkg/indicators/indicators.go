// Package indicators provides the technical indicators behind the heat score
// (RSI, EMA distance, volume trend) on top of cinar/indicator.
package indicators

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"
)

const (
	// HighVolumeRatio last volume over average at or above which volume is high.
	HighVolumeRatio = 1.5
	// LowVolumeRatio last volume over average below which volume is low.
	LowVolumeRatio = 0.7
)

// CalculateEMA calculates the Exponential Moving Average for the given period.
func CalculateEMA(closes []float64, period int) ([]float64, error) {
	if len(closes) < period {
		return nil, fmt.Errorf("not enough data points: need %d, got %d", period, len(closes))
	}

	ema := trend.NewEmaWithPeriod[float64](period)
	inputChan := helper.SliceToChan(closes)
	outputChan := ema.Compute(inputChan)

	return helper.ChanToSlice(outputChan), nil
}

// CalculateRSI calculates the Relative Strength Index for the given period.
func CalculateRSI(closes []float64, period int) ([]float64, error) {
	if len(closes) < period+1 {
		return nil, fmt.Errorf("not enough data points for RSI: need %d, got %d", period+1, len(closes))
	}

	rsi := momentum.NewRsiWithPeriod[float64](period)
	inputChan := helper.SliceToChan(closes)
	outputChan := rsi.Compute(inputChan)

	return helper.ChanToSlice(outputChan), nil
}

// LastRSI returns the most recent RSI value. A flat series yields 50.
func LastRSI(closes []float64, period int) (float64, error) {
	values, err := CalculateRSI(closes, period)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("no RSI output for %d points", len(closes))
	}
	last := values[len(values)-1]
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return 50, nil
	}
	return last, nil
}

// EMADistance returns the percentage distance of the last close from the EMA.
func EMADistance(closes []float64, period int) (float64, error) {
	values, err := CalculateEMA(closes, period)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("no EMA output for %d points", len(closes))
	}
	ema := values[len(values)-1]
	if ema == 0 {
		return 0, fmt.Errorf("EMA is zero")
	}
	last := closes[len(closes)-1]
	return (last - ema) / ema * 100, nil
}

// VolumeRatio returns the last volume over the mean of the preceding window volumes.
func VolumeRatio(volumes []float64, window int) (float64, error) {
	if len(volumes) < window+1 {
		return 0, fmt.Errorf("not enough volume points: need %d, got %d", window+1, len(volumes))
	}

	prev := volumes[len(volumes)-1-window : len(volumes)-1]
	sum := 0.0
	for _, v := range prev {
		sum += v
	}
	avg := sum / float64(window)
	if avg == 0 {
		return 1, nil
	}
	return volumes[len(volumes)-1] / avg, nil
}

// ProfitPotential returns the recovery room to the EMA in percent when price
// trades below it, zero otherwise.
func ProfitPotential(emaDistance float64) float64 {
	if emaDistance < 0 {
		return math.Abs(emaDistance)
	}
	return 0
}

// DecimalsToFloat64 converts a slice of decimal.Decimal to []float64.
func DecimalsToFloat64(decimals []decimal.Decimal) []float64 {
	result := make([]float64, len(decimals))
	for i, d := range decimals {
		result[i], _ = d.Float64()
	}
	return result
}
