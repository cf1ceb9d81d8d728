// Package metrics exposes engine counters and gauges in the Prometheus text
// format:
//
//	ceibe_scheduler_task_runs_total{task}  scheduler dispatches per task kind
//	ceibe_tracked_pairs                    active high-frequency tracking tasks
//	ceibe_radar_entries                    entries held by the radar cache
//	ceibe_exits_total{reason}              position exits split by reason
//	ceibe_swaps_total{kind}                executed swaps split by kind
//	ceibe_reserve_percent                  reserve asset share of investable capital
//	ceibe_portfolio_value                  total portfolio value in the default fiat
//
// Every method is safe on a nil receiver so components can run without metrics.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics engine collectors bound to their own registry.
type Metrics struct {
	registry *prometheus.Registry

	taskRuns       *prometheus.CounterVec
	trackedPairs   prometheus.Gauge
	radarEntries   prometheus.Gauge
	exits          *prometheus.CounterVec
	swaps          *prometheus.CounterVec
	reservePercent prometheus.Gauge
	portfolioValue prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ceibe_scheduler_task_runs_total",
				Help: "Scheduler task dispatches",
			},
			[]string{"task"},
		),
		trackedPairs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ceibe_tracked_pairs",
				Help: "Pairs under high-frequency tracking",
			},
		),
		radarEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ceibe_radar_entries",
				Help: "Entries held by the radar cache",
			},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ceibe_exits_total",
				Help: "Position exits split by reason",
			},
			[]string{"reason"},
		),
		swaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ceibe_swaps_total",
				Help: "Executed swaps split by kind",
			},
			[]string{"kind"},
		),
		reservePercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ceibe_reserve_percent",
				Help: "Reserve asset share of investable capital, in percent",
			},
		),
		portfolioValue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ceibe_portfolio_value",
				Help: "Total portfolio value in the default fiat",
			},
		),
	}

	m.registry.MustRegister(m.taskRuns, m.trackedPairs, m.radarEntries, m.exits, m.swaps, m.reservePercent, m.portfolioValue)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskRun counts a dispatch. Tracking tasks are folded into a single "track" label.
func (m *Metrics) TaskRun(name string) {
	if m == nil {
		return
	}
	if i := strings.IndexByte(name, ':'); i > 0 && name[:i] == "track" {
		name = "track"
	}
	m.taskRuns.WithLabelValues(name).Inc()
}

func (m *Metrics) SetTrackedPairs(n int) {
	if m == nil {
		return
	}
	m.trackedPairs.Set(float64(n))
}

func (m *Metrics) SetRadarEntries(n int) {
	if m == nil {
		return
	}
	m.radarEntries.Set(float64(n))
}

func (m *Metrics) Exit(reason string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(reason).Inc()
}

func (m *Metrics) Swap(kind string) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetReservePercent(v float64) {
	if m == nil {
		return
	}
	m.reservePercent.Set(v)
}

func (m *Metrics) SetPortfolioValue(v float64) {
	if m == nil {
		return
	}
	m.portfolioValue.Set(v)
}
