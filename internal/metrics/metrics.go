package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector methods are safe to call on a nil receiver so components can
// run without metrics in tests.
type Collector struct {
	gatherer prometheus.Gatherer

	// Scan cycle metrics
	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram

	// Directory metrics
	categoryFetches   *prometheus.CounterVec
	serversFetched    *prometheus.GaugeVec
	upstreamRemaining prometheus.Gauge

	// Tracker state
	activeServers      prometheus.Gauge
	trackedServers     prometheus.Gauge
	disappearedServers prometheus.Gauge
	mapChangesTotal    prometheus.Counter
	autoSavesTotal     prometheus.Counter

	// Persistence
	persistErrors *prometheus.CounterVec

	// Notifier
	subscribers     prometheus.Gauge
	publishFailures prometheus.Counter

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers the scanner metrics with reg. A nil reg means the
// process-wide default registry.
func NewCollector(namespace string, reg *prometheus.Registry) *Collector {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer = reg
		gatherer = reg
	}
	factory := promauto.With(registerer)

	c := &Collector{
		gatherer: gatherer,
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_cycles_total",
				Help:      "Total number of scan cycles by result",
			},
			[]string{"result"},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_cycle_duration_seconds",
				Help:      "Scan cycle duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		categoryFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "category_fetches_total",
				Help:      "Total number of directory category fetches by result",
			},
			[]string{"category", "result"},
		),
		serversFetched: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "category_servers",
				Help:      "Number of servers returned for a category in the last collection",
			},
			[]string{"category"},
		),
		upstreamRemaining: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_ratelimit_remaining",
				Help:      "Remaining upstream requests as reported by the directory",
			},
		),
		activeServers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_servers",
				Help:      "Current number of servers in the active set",
			},
		),
		trackedServers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_servers",
				Help:      "Number of servers seen since start",
			},
		),
		disappearedServers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "disappeared_servers",
				Help:      "Current number of disappeared servers",
			},
		),
		mapChangesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "map_changes_total",
				Help:      "Total number of observed map changes",
			},
		),
		autoSavesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auto_saves_total",
				Help:      "Total number of servers promoted to the saved list",
			},
		),
		persistErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_errors_total",
				Help:      "Total number of failed document writes",
			},
			[]string{"document"},
		),
		subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscribers",
				Help:      "Current number of event subscribers",
			},
		),
		publishFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Total number of subscribers dropped after a failed send",
			},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

// Handler serves the registry this collector writes to
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) RecordCycle(result string, seconds float64) {
	if c == nil {
		return
	}
	c.cyclesTotal.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(seconds)
}

func (c *Collector) RecordCategoryFetch(category, result string, servers int) {
	if c == nil {
		return
	}
	c.categoryFetches.WithLabelValues(category, result).Inc()
	c.serversFetched.WithLabelValues(category).Set(float64(servers))
}

func (c *Collector) SetUpstreamRemaining(remaining int) {
	if c == nil {
		return
	}
	c.upstreamRemaining.Set(float64(remaining))
}

func (c *Collector) SetTrackerSizes(active, tracked, disappeared int) {
	if c == nil {
		return
	}
	c.activeServers.Set(float64(active))
	c.trackedServers.Set(float64(tracked))
	c.disappearedServers.Set(float64(disappeared))
}

func (c *Collector) RecordMapChanges(count int) {
	if c == nil {
		return
	}
	c.mapChangesTotal.Add(float64(count))
}

func (c *Collector) RecordAutoSave() {
	if c == nil {
		return
	}
	c.autoSavesTotal.Inc()
}

func (c *Collector) RecordPersistError(document string) {
	if c == nil {
		return
	}
	c.persistErrors.WithLabelValues(document).Inc()
}

func (c *Collector) SetSubscribers(count int) {
	if c == nil {
		return
	}
	c.subscribers.Set(float64(count))
}

func (c *Collector) RecordPublishFailure() {
	if c == nil {
		return
	}
	c.publishFailures.Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	if c == nil {
		return
	}
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
