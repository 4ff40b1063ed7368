// Package metrics defines the Prometheus collectors for the filter manager
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/services/filterset"
)

const namespace = "loadfilter"

// Metrics holds all collectors and implements filterset.Recorder.
type Metrics struct {
	LookupsTotal    *prometheus.CounterVec
	RefreshesTotal  *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	Filters         prometheus.Gauge
	KnownLowerBound prometheus.Gauge
	KnownUpperBound prometheus.Gauge

	reg prometheus.Registerer
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookups_total",
				Help:      "IsResultSetEmpty answers by outcome (empty, maybe, out_of_bounds) and whether the decision cache served them.",
			},
			[]string{"outcome", "cached"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshes_total",
				Help:      "Refresh runs by outcome (unchanged, published, failed).",
			},
			[]string{"outcome"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Refresh latency in seconds, including filter construction.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		Filters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "filters",
				Help:      "Number of per-file filters in the published set.",
			},
		),
		KnownLowerBound: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "known_lower_bound_seconds",
				Help:      "Oldest time the published set has complete information for, as unix seconds.",
			},
		),
		KnownUpperBound: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "known_upper_bound_seconds",
				Help:      "Newest time the published set has complete information for, as unix seconds.",
			},
		),
		reg: reg,
	}

	reg.MustRegister(
		m.LookupsTotal,
		m.RefreshesTotal,
		m.RefreshDuration,
		m.Filters,
		m.KnownLowerBound,
		m.KnownUpperBound,
	)
	return m
}

func (m *Metrics) Lookup(outcome string, cached bool) {
	m.LookupsTotal.WithLabelValues(outcome, strconv.FormatBool(cached)).Inc()
}

func (m *Metrics) Refresh(outcome string, elapsed time.Duration) {
	m.RefreshesTotal.WithLabelValues(outcome).Inc()
	m.RefreshDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Published(filters int, lower, upper time.Time) {
	m.Filters.Set(float64(filters))
	m.KnownLowerBound.Set(unixSeconds(lower))
	m.KnownUpperBound.Set(unixSeconds(upper))
}

// ObserveCache exports the decision cache's counters, read at scrape time.
func (m *Metrics) ObserveCache(cache filterset.DecisionCache) {
	stat := func(name, help string, valueType prometheus.ValueType, read func(filterset.CacheStats) float64) prometheus.Collector {
		desc := prometheus.NewDesc(prometheus.BuildFQName(namespace, "decision_cache", name), help, nil, nil)
		return cacheCollector{desc: desc, valueType: valueType, read: func() float64 { return read(cache.Stats()) }}
	}
	m.reg.MustRegister(
		stat("hits_total", "Decision cache hits.", prometheus.CounterValue,
			func(s filterset.CacheStats) float64 { return float64(s.Hits) }),
		stat("misses_total", "Decision cache misses.", prometheus.CounterValue,
			func(s filterset.CacheStats) float64 { return float64(s.Misses) }),
		stat("evictions_total", "Decision cache evictions, including purges on publish.", prometheus.CounterValue,
			func(s filterset.CacheStats) float64 { return float64(s.Evictions) }),
		stat("entries", "Decision cache entries.", prometheus.GaugeValue,
			func(s filterset.CacheStats) float64 { return float64(s.Size) }),
	)
}

type cacheCollector struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	read      func() float64
}

func (c cacheCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c cacheCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.desc, c.valueType, c.read())
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// Handler returns the Prometheus scrape HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ filterset.Recorder = (*Metrics)(nil)
