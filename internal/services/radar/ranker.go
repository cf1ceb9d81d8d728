package radar

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/ceibe/internal/domain"
	"github.com/vadiminshakov/ceibe/internal/metrics"
	"github.com/vadiminshakov/ceibe/internal/services/valuation"
)

const scanParallelism = 4

// TickerSource last quotes.
type TickerSource interface {
	FetchTicker(ctx context.Context, pair domain.Pair) (domain.Ticker, error)
}

// MarketIndex reports listed markets in either orientation.
type MarketIndex interface {
	Market(a, b string) (domain.Market, bool)
}

// MarketSaver persists scanned entries.
type MarketSaver interface {
	SaveMarketEntries(ctx context.Context, entries []domain.RadarEntry) error
}

// Ranker refreshes radar entries from indicators.
type Ranker struct {
	weights Weights
	bases   []string
	targets map[string]bool

	signals domain.SignalProvider
	tickers TickerSource
	markets MarketIndex
	radar   *Radar
	prices  *valuation.PriceCache
	store   MarketSaver
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// RankerConfig collaborators of a Ranker. Store, Prices and Metrics are optional.
type RankerConfig struct {
	Weights Weights
	// Bases quote assets each candidate is scanned against.
	Bases []string
	// Targets diversification targets earning the bonus.
	Targets []string
	Signals domain.SignalProvider
	Tickers TickerSource
	Markets MarketIndex
	Radar   *Radar
	Prices  *valuation.PriceCache
	Store   MarketSaver
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func NewRanker(cfg RankerConfig) *Ranker {
	targets := make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targets[t] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		weights: cfg.Weights,
		bases:   cfg.Bases,
		targets: targets,
		signals: cfg.Signals,
		tickers: cfg.Tickers,
		markets: cfg.Markets,
		radar:   cfg.Radar,
		prices:  cfg.Prices,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Radar returns the cache the ranker writes to.
func (r *Ranker) Radar() *Radar {
	return r.radar
}

// Pairs returns the listed pairs asset is scanned on, base asset first.
func (r *Ranker) Pairs(asset string) []domain.Pair {
	var out []domain.Pair
	for _, base := range r.bases {
		if base == asset {
			continue
		}
		pair := domain.Pair{From: asset, To: base}
		if r.markets != nil {
			m, ok := r.markets.Market(asset, base)
			if !ok || m.Pair != pair {
				continue
			}
		}
		out = append(out, pair)
	}
	return out
}

// Scan scores assets against every scan base, updates the radar and stores the
// rows. Failures are contained per pair; the returned entries are the ones
// that succeeded.
func (r *Ranker) Scan(ctx context.Context, assets []string) ([]domain.RadarEntry, error) {
	var (
		mu      sync.Mutex
		entries []domain.RadarEntry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanParallelism)
	for _, asset := range assets {
		for _, pair := range r.Pairs(asset) {
			g.Go(func() error {
				entry, err := r.ScanPair(gctx, pair)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					r.logger.Debug("scan pair failed", zap.String("pair", pair.String()), zap.Error(err))
					return nil
				}
				mu.Lock()
				entries = append(entries, entry)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return entries, err
	}

	if r.store != nil && len(entries) > 0 {
		if err := r.store.SaveMarketEntries(ctx, entries); err != nil {
			return entries, errors.Wrap(err, "save market entries")
		}
	}
	r.metrics.SetRadarEntries(r.radar.Len())

	return entries, nil
}

// ScanPair scores a single pair and upserts it.
func (r *Ranker) ScanPair(ctx context.Context, pair domain.Pair) (domain.RadarEntry, error) {
	ind, err := r.signals.Indicators(ctx, pair)
	if err != nil {
		return domain.RadarEntry{}, errors.Wrapf(err, "indicators of %s", pair.String())
	}

	var change float64
	if r.tickers != nil {
		t, err := r.tickers.FetchTicker(ctx, pair)
		if err != nil {
			return domain.RadarEntry{}, errors.Wrapf(err, "ticker of %s", pair.String())
		}
		change, _ = t.Change24h.Float64()
		if t.Last.IsPositive() {
			ind.Price = t.Last
		}
	}
	if r.prices != nil {
		r.prices.Set(pair, ind.Price)
	}

	heat, components := r.weights.Score(ind, r.targets[pair.From])
	entry := domain.RadarEntry{
		Origin:       pair.To,
		Destination:  pair.From,
		Pair:         pair,
		Heat:         heat,
		Components:   components,
		Indicators:   ind,
		Change24h:    change,
		VolumeChange: ind.VolumeChange,
		Zone:         domain.ZoneFor(heat),
		UpdatedAt:    r.now(),
	}
	if prev := r.radar.Upsert(entry); prev != entry.Zone && prev != "" {
		r.logger.Debug("zone changed",
			zap.String("pair", pair.String()),
			zap.String("from", string(prev)),
			zap.String("to", string(entry.Zone)),
			zap.Float64("heat", heat),
		)
	}

	return entry, nil
}
