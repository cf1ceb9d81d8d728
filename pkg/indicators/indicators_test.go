package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestLastRSI(t *testing.T) {
	up, err := LastRSI(series(50, 100, 1), 14)
	require.NoError(t, err)
	assert.Greater(t, up, 90.0)

	down, err := LastRSI(series(50, 200, -1), 14)
	require.NoError(t, err)
	assert.Less(t, down, 10.0)

	flat, err := LastRSI(series(50, 100, 0), 14)
	require.NoError(t, err)
	assert.Equal(t, 50.0, flat)

	_, err = LastRSI(series(10, 100, 1), 14)
	assert.Error(t, err)
}

func TestEMADistance(t *testing.T) {
	flat, err := EMADistance(series(250, 100, 0), 200)
	require.NoError(t, err)
	assert.InDelta(t, 0, flat, 1e-9)

	rising, err := EMADistance(series(250, 100, 0.5), 200)
	require.NoError(t, err)
	assert.Greater(t, rising, 0.0)

	_, err = EMADistance(series(100, 100, 0), 200)
	assert.Error(t, err)
}

func TestVolumeRatio(t *testing.T) {
	volumes := append(series(20, 10, 0), 20)
	ratio, err := VolumeRatio(volumes, 20)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, ratio, 1e-9)

	_, err = VolumeRatio(series(5, 1, 0), 20)
	assert.Error(t, err)
}

func TestProfitPotential(t *testing.T) {
	assert.Equal(t, 3.5, ProfitPotential(-3.5))
	assert.Equal(t, 0.0, ProfitPotential(2))
}
