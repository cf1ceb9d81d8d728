package domain

import "time"

// Zone radar priority tier.
type Zone string

const (
	ZoneHot    Zone = "hot"
	ZoneWarm   Zone = "warm"
	ZoneCold   Zone = "cold"
	ZoneFrozen Zone = "frozen"
)

// Zones in descending urgency.
var Zones = []Zone{ZoneHot, ZoneWarm, ZoneCold, ZoneFrozen}

// ZoneFor classifies a heat score.
func ZoneFor(heat float64) Zone {
	switch {
	case heat > 85:
		return ZoneHot
	case heat >= 70:
		return ZoneWarm
	case heat >= 40:
		return ZoneCold
	default:
		return ZoneFrozen
	}
}

// HeatComponents sub-scores behind a heat score, each in [0,100].
type HeatComponents struct {
	RSI    float64 `json:"rsi"`
	EMA    float64 `json:"ema"`
	Volume float64 `json:"volume"`
	Bonus  float64 `json:"bonus"`
	Boost  float64 `json:"boost"`
}

// RadarEntry ranked opportunity for converting Origin into Destination.
type RadarEntry struct {
	Origin       string
	Destination  string
	Pair         Pair
	Heat         float64
	Components   HeatComponents
	Indicators   Indicators
	Change24h    float64
	VolumeChange float64
	Zone         Zone
	UpdatedAt    time.Time
}

// Label returns the swap label shown to readers, e.g. "EUR -> BTC".
func (e RadarEntry) Label() string {
	return e.Origin + " -> " + e.Destination
}
