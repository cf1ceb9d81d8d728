// Package radar scores candidate assets and keeps the ranked opportunity cache
// the allocator and position manager consult.
package radar

import (
	"sort"
	"sync"
	"time"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

// Radar entries keyed by pair. Safe for concurrent use.
type Radar struct {
	mu      sync.RWMutex
	entries map[domain.Pair]domain.RadarEntry
}

// New creates an empty radar.
func New() *Radar {
	return &Radar{entries: make(map[domain.Pair]domain.RadarEntry)}
}

// Upsert stores entry and reports the zone it held before, empty if new.
func (r *Radar) Upsert(entry domain.RadarEntry) domain.Zone {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.entries[entry.Pair]
	r.entries[entry.Pair] = entry
	return prev.Zone
}

func (r *Radar) Get(pair domain.Pair) (domain.RadarEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pair]
	return e, ok
}

func (r *Radar) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// BestFor returns the hottest entry whose destination is asset.
func (r *Radar) BestFor(asset string) (domain.RadarEntry, bool) {
	return r.BestCandidate(func(e domain.RadarEntry) bool { return e.Destination == asset })
}

// HeatOf returns the best heat of asset, zero when unknown.
func (r *Radar) HeatOf(asset string) float64 {
	e, ok := r.BestFor(asset)
	if !ok {
		return 0
	}
	return e.Heat
}

// ZoneOf returns the zone of the best entry of asset, frozen when unknown.
func (r *Radar) ZoneOf(asset string) domain.Zone {
	e, ok := r.BestFor(asset)
	if !ok {
		return domain.ZoneFrozen
	}
	return e.Zone
}

// Ranked returns all entries by descending heat; ties by pair name.
func (r *Radar) Ranked() []domain.RadarEntry {
	r.mu.RLock()
	out := make([]domain.RadarEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Heat != out[j].Heat {
			return out[i].Heat > out[j].Heat
		}
		return out[i].Pair.String() < out[j].Pair.String()
	})
	return out
}

// BestCandidate returns the hottest entry accepted by filter.
func (r *Radar) BestCandidate(filter func(domain.RadarEntry) bool) (domain.RadarEntry, bool) {
	for _, e := range r.Ranked() {
		if filter == nil || filter(e) {
			return e, true
		}
	}
	return domain.RadarEntry{}, false
}

// Assets returns destinations whose best entry sits in zone, sorted.
func (r *Radar) Assets(zone domain.Zone) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.Ranked() {
		if seen[e.Destination] {
			continue
		}
		seen[e.Destination] = true
		if e.Zone == zone {
			out = append(out, e.Destination)
		}
	}
	sort.Strings(out)
	return out
}

// Evict drops entries not refreshed within ttl and returns how many were removed.
func (r *Radar) Evict(ttl time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for pair, e := range r.entries {
		if now.Sub(e.UpdatedAt) > ttl {
			delete(r.entries, pair)
			n++
		}
	}
	return n
}
