package radar

import (
	"math"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

// Weights heat score policy constants.
type Weights struct {
	Base   float64
	RSI    float64
	EMA    float64
	Volume float64
	Bonus  float64
	// MaxBoost reward for RSI sitting exactly at 50, fading to zero at 0 and 100.
	MaxBoost float64
}

// DefaultWeights returns the production weights.
func DefaultWeights() Weights {
	return Weights{
		Base:     5,
		RSI:      0.55,
		EMA:      0.25,
		Volume:   0.15,
		Bonus:    0.05,
		MaxBoost: 5,
	}
}

const (
	rsiBandLow    = 45
	rsiBandHigh   = 65
	rsiDecay      = 4
	emaBandLow    = 0
	emaBandHigh   = 2
	emaDecayAbove = 10
	emaDecayBelow = 25
)

// Score returns the heat score of an indicator set in [0,100] and its
// components. bonus marks a diversification target.
func (w Weights) Score(ind domain.Indicators, bonus bool) (float64, domain.HeatComponents) {
	c := domain.HeatComponents{
		RSI:    RSIScore(ind.RSI),
		EMA:    EMAScore(ind.EMADistance),
		Volume: VolumeScore(ind.VolumeTrend),
		Boost:  w.boost(ind.RSI),
	}
	if bonus {
		c.Bonus = 100
	}

	heat := w.Base + c.RSI*w.RSI + c.EMA*w.EMA + c.Volume*w.Volume + c.Bonus*w.Bonus + c.Boost
	return clamp(heat), c
}

func (w Weights) boost(rsi float64) float64 {
	if math.IsNaN(rsi) {
		return 0
	}
	return math.Max(0, w.MaxBoost*(1-math.Abs(rsi-50)/50))
}

// RSIScore is 100 inside the 45-65 band and loses 4 points per RSI point outside it.
func RSIScore(rsi float64) float64 {
	switch {
	case math.IsNaN(rsi):
		return 0
	case rsi < rsiBandLow:
		return clamp(100 - (rsiBandLow-rsi)*rsiDecay)
	case rsi > rsiBandHigh:
		return clamp(100 - (rsi-rsiBandHigh)*rsiDecay)
	default:
		return 100
	}
}

// EMAScore is 100 when price sits 0-2% above the long EMA. Falling below the
// EMA is penalised harder than running above the band.
func EMAScore(distance float64) float64 {
	switch {
	case math.IsNaN(distance):
		return 0
	case distance < emaBandLow:
		return clamp(100 - (emaBandLow-distance)*emaDecayBelow)
	case distance > emaBandHigh:
		return clamp(100 - (distance-emaBandHigh)*emaDecayAbove)
	default:
		return 100
	}
}

func VolumeScore(trend domain.VolumeTrend) float64 {
	switch trend {
	case domain.VolumeHigh:
		return 100
	case domain.VolumeNormal:
		return 50
	default:
		return 0
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(100, math.Max(0, v))
}
