// Package signals computes the indicator set of a pair from exchange candles.
package signals

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/pkg/indicators"
)

const (
	DefaultInterval = "1h"
	DefaultLimit    = 250
	rsiPeriod       = 14
	emaPeriod       = 200
	volumeWindow    = 20
)

// CandleSource candle history.
type CandleSource interface {
	FetchCandles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error)
}

// Provider domain.SignalProvider backed by exchange candles.
type Provider struct {
	source   CandleSource
	interval string
	limit    int
}

// NewProvider creates a provider reading 1h candles.
func NewProvider(source CandleSource) *Provider {
	return &Provider{source: source, interval: DefaultInterval, limit: DefaultLimit}
}

// Indicators returns RSI14, distance from EMA200 and the volume trend of pair.
func (p *Provider) Indicators(ctx context.Context, pair domain.Pair) (domain.Indicators, error) {
	candles, err := p.source.FetchCandles(ctx, pair, p.interval, p.limit)
	if err != nil {
		return domain.Indicators{}, err
	}
	if len(candles) <= emaPeriod {
		return domain.Indicators{}, errors.Wrapf(domain.ErrNoData, "%d candles for %s", len(candles), pair.String())
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], _ = c.Close.Float64()
		volumes[i], _ = c.Volume.Float64()
	}

	rsi, err := indicators.LastRSI(closes, rsiPeriod)
	if err != nil {
		return domain.Indicators{}, errors.Wrapf(domain.ErrNoData, "rsi of %s: %v", pair.String(), err)
	}
	dist, err := indicators.EMADistance(closes, emaPeriod)
	if err != nil {
		return domain.Indicators{}, errors.Wrapf(domain.ErrNoData, "ema of %s: %v", pair.String(), err)
	}
	ratio, err := indicators.VolumeRatio(volumes, volumeWindow)
	if err != nil {
		return domain.Indicators{}, errors.Wrapf(domain.ErrNoData, "volume of %s: %v", pair.String(), err)
	}

	return domain.Indicators{
		RSI:             rsi,
		EMADistance:     dist,
		VolumeTrend:     ClassifyVolume(ratio),
		VolumeChange:    (ratio - 1) * 100,
		ProfitPotential: indicators.ProfitPotential(dist),
		Price:           candles[len(candles)-1].Close,
	}, nil
}

// ClassifyVolume maps a volume ratio onto a trend.
func ClassifyVolume(ratio float64) domain.VolumeTrend {
	switch {
	case ratio >= indicators.HighVolumeRatio:
		return domain.VolumeHigh
	case ratio < indicators.LowVolumeRatio:
		return domain.VolumeLow
	default:
		return domain.VolumeNormal
	}
}
