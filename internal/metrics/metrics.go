// Package metrics holds the Prometheus collectors for the worker. All
// helpers are safe on a nil *Metrics so tests can pass nil.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	ScansTotal        *prometheus.CounterVec
	ScanDuration      prometheus.Histogram
	ItemsFoundTotal   prometheus.Counter
	NewItemsTotal     prometheus.Counter
	SourceErrorsTotal *prometheus.CounterVec
	SourceRetries     prometheus.Counter

	NotificationsTotal *prometheus.CounterVec
	DispatchPaused     prometheus.Gauge

	ProxyEndpoints  *prometheus.GaugeVec
	ProxyExhausted  prometheus.Gauge
	ProxyRebuilds   prometheus.Counter
	ConfigVersion   prometheus.Gauge
	ConfigRejection *prometheus.CounterVec
}

// New constructs and registers all collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listingwatch_scans_total",
			Help: "Scan attempts by outcome.",
		}, []string{"outcome"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "listingwatch_scan_duration_seconds",
			Help:    "Wall time of one scan attempt including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		ItemsFoundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listingwatch_items_found_total",
			Help: "Candidate items returned by the source.",
		}),
		NewItemsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listingwatch_new_items_total",
			Help: "Items seen for the first time.",
		}),
		SourceErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listingwatch_source_errors_total",
			Help: "Source adapter errors by type.",
		}, []string{"error_type"}),
		SourceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listingwatch_source_retries_total",
			Help: "Source retries scheduled after an unavailable error.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listingwatch_notifications_total",
			Help: "Delivery attempts by result.",
		}, []string{"result"}),
		DispatchPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listingwatch_dispatch_paused",
			Help: "1 while deliveries are paused by a channel rate limit.",
		}),
		ProxyEndpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "listingwatch_proxy_endpoints",
			Help: "Proxy endpoints by state.",
		}, []string{"state"}),
		ProxyExhausted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listingwatch_proxy_pool_exhausted",
			Help: "1 when no healthy proxy endpoint is available.",
		}),
		ProxyRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listingwatch_proxy_pool_rebuilds_total",
			Help: "Proxy pool rebuilds triggered by configuration.",
		}),
		ConfigVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listingwatch_config_version",
			Help: "Currently applied runtime configuration version.",
		}),
		ConfigRejection: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listingwatch_config_rejections_total",
			Help: "Configuration snapshots not applied, by reason.",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.ScansTotal, m.ScanDuration, m.ItemsFoundTotal, m.NewItemsTotal,
		m.SourceErrorsTotal, m.SourceRetries, m.NotificationsTotal, m.DispatchPaused,
		m.ProxyEndpoints, m.ProxyExhausted, m.ProxyRebuilds, m.ConfigVersion, m.ConfigRejection,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveScan(outcome string, d time.Duration, found, fresh int) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(outcome).Inc()
	m.ScanDuration.Observe(d.Seconds())
	m.ItemsFoundTotal.Add(float64(found))
	m.NewItemsTotal.Add(float64(fresh))
}

func (m *Metrics) IncSourceError(errorType string) {
	if m == nil {
		return
	}
	m.SourceErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) IncSourceRetry() {
	if m == nil {
		return
	}
	m.SourceRetries.Inc()
}

func (m *Metrics) IncNotification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetDispatchPaused(paused bool) {
	if m == nil {
		return
	}
	m.DispatchPaused.Set(boolGauge(paused))
}

// SetProxyStates replaces the per-state endpoint gauges.
func (m *Metrics) SetProxyStates(counts map[string]int, exhausted bool) {
	if m == nil {
		return
	}
	m.ProxyEndpoints.Reset()
	for state, n := range counts {
		m.ProxyEndpoints.WithLabelValues(state).Set(float64(n))
	}
	m.ProxyExhausted.Set(boolGauge(exhausted))
}

func (m *Metrics) IncProxyRebuild() {
	if m == nil {
		return
	}
	m.ProxyRebuilds.Inc()
}

func (m *Metrics) SetConfigVersion(v int64) {
	if m == nil {
		return
	}
	m.ConfigVersion.Set(float64(v))
}

func (m *Metrics) IncConfigRejected(reason string) {
	if m == nil {
		return
	}
	m.ConfigRejection.WithLabelValues(reason).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
