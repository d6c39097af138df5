package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "firewatch"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// hotspot pipeline.
type Metrics struct {
	HotspotsIngested *prometheus.CounterVec // labels: result={inserted,duplicate,malformed}
	HotspotsStored   prometheus.Gauge
	PipelineRunning  prometheus.Gauge

	// Cycle metrics.
	Cycles        *prometheus.CounterVec // labels: outcome={ok,error}
	CycleDuration prometheus.Histogram
	Threats       *prometheus.CounterVec // labels: severity

	// Alert metrics.
	AlertDecisions *prometheus.CounterVec // labels: outcome={dispatched,duplicate,rate_limited,resolved,expired}
	ActiveAlerts   prometheus.Gauge

	// Notification metrics.
	Deliveries       *prometheus.CounterVec   // labels: channel, outcome={success,failure}
	DeliveryDuration *prometheus.HistogramVec // labels: channel

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec // labels: outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeAPIDuration prometheus.Histogram
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		HotspotsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hotspots_ingested_total",
			Help:      "Hotspot detections processed by ingest, by result.",
		}, []string{"result"}),
		HotspotsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hotspots_stored",
			Help:      "Hotspots currently held in the store.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the cycle loop is active, 0 when shut down.",
		}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed pipeline cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete ingest-assess-alert cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		Threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threats_assessed_total",
			Help:      "Threat records produced by assessment, by severity.",
		}, []string{"severity"}),
		AlertDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_decisions_total",
			Help:      "Alert engine decisions by outcome.",
		}, []string{"outcome"}),
		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_active",
			Help:      "Alerts currently in the dispatched state.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_deliveries_total",
			Help:      "Notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_delivery_duration_seconds",
			Help:      "Time spent delivering one alert on one channel, retries included.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Reverse geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Reverse geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when reverse geocoding enrichment is enabled, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HotspotsIngested,
		m.HotspotsStored,
		m.PipelineRunning,
		m.Cycles,
		m.CycleDuration,
		m.Threats,
		m.AlertDecisions,
		m.ActiveAlerts,
		m.Deliveries,
		m.DeliveryDuration,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}

// ObserveDelivery records one channel delivery outcome.
func (m *Metrics) ObserveDelivery(channel string, ok bool, _ int, elapsed time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.Deliveries.WithLabelValues(channel, outcome).Inc()
	m.DeliveryDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}
