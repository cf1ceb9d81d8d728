package gatewaytest

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

// Signals fixed indicator sets per pair.
type Signals struct {
	mu   sync.RWMutex
	sets map[domain.Pair]domain.Indicators
}

func NewSignals() *Signals {
	return &Signals{sets: make(map[domain.Pair]domain.Indicators)}
}

func (s *Signals) Set(pair domain.Pair, ind domain.Indicators) *Signals {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[pair] = ind
	return s
}

// Hot sets indicators scoring 100 on every component.
func (s *Signals) Hot(pair domain.Pair) *Signals {
	return s.Set(pair, domain.Indicators{RSI: 55, EMADistance: 1, VolumeTrend: domain.VolumeHigh})
}

// Cold sets indicators scoring in the cold zone.
func (s *Signals) Cold(pair domain.Pair) *Signals {
	return s.Set(pair, domain.Indicators{RSI: 30, EMADistance: -2, VolumeTrend: domain.VolumeLow})
}

func (s *Signals) Indicators(_ context.Context, pair domain.Pair) (domain.Indicators, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ind, ok := s.sets[pair]
	if !ok {
		return domain.Indicators{}, errors.Wrapf(domain.ErrNoData, "no indicators for %s", pair.String())
	}
	return ind, nil
}
