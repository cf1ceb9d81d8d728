package signals

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/services/gateway/gatewaytest"
)

func TestProvider_Indicators(t *testing.T) {
	market := gatewaytest.NewMarket()
	pair := domain.NewPair("SOL", "EUR")

	closes := make([]float64, 250)
	for i := range closes {
		closes[i] = 100
	}
	market.SetCandles(pair, gatewaytest.Candles(closes, 10, 20))

	ind, err := NewProvider(market).Indicators(context.Background(), pair)
	require.NoError(t, err)
	assert.Equal(t, 50.0, ind.RSI)
	assert.InDelta(t, 0, ind.EMADistance, 1e-9)
	assert.Equal(t, domain.VolumeHigh, ind.VolumeTrend)
	assert.InDelta(t, 100, ind.VolumeChange, 1e-9)
	assert.Equal(t, 0.0, ind.ProfitPotential)
	assert.Equal(t, "100", ind.Price.String())
}

func TestProvider_NotEnoughCandles(t *testing.T) {
	market := gatewaytest.NewMarket()
	pair := domain.NewPair("SOL", "EUR")
	market.SetCandles(pair, gatewaytest.Candles(make([]float64, 50), 1, 1))

	_, err := NewProvider(market).Indicators(context.Background(), pair)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoData))
}

func TestClassifyVolume(t *testing.T) {
	assert.Equal(t, domain.VolumeHigh, ClassifyVolume(1.5))
	assert.Equal(t, domain.VolumeNormal, ClassifyVolume(1.0))
	assert.Equal(t, domain.VolumeNormal, ClassifyVolume(0.7))
	assert.Equal(t, domain.VolumeLow, ClassifyVolume(0.69))
}
