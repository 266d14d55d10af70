package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	StopsDetected      prometheus.Counter
	ReportJobs         *prometheus.CounterVec // result label: done|retry|failed
	ReportDuration     prometheus.Histogram
	QueueDepth         prometheus.Gauge
	ForwardedPositions *prometheus.CounterVec // result label: accepted|rejected

	BackendErrors *prometheus.CounterVec // op label
	PlaceLookups  *prometheus.CounterVec // result label: ok|error

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	LiveClients prometheus.Gauge
	HTTPLatency *prometheus.HistogramVec // route, code
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		StopsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetstops_stops_detected_total",
			Help: "Total stops produced by report jobs.",
		}),
		ReportJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetstops_report_jobs_total",
			Help: "Report jobs handled by the worker, by result.",
		}, []string{"result"}),
		ReportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetstops_report_duration_seconds",
			Help:    "Duration of a stop report computation.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetstops_report_queue_depth",
			Help: "Report jobs queued or running.",
		}),
		ForwardedPositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetstops_forwarded_positions_total",
			Help: "Positions received from the backend forwarder, by result.",
		}, []string{"result"}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetstops_backend_errors_total",
			Help: "Failed calls to the tracking backend, by operation.",
		}, []string{"op"}),
		PlaceLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetstops_place_lookups_total",
			Help: "Nearby place lookups for stops, by result.",
		}, []string{"result"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetstops_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetstops_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetstops_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetstops_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		LiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetstops_live_clients",
			Help: "Connected WebSocket clients.",
		}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetstops_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		c.StopsDetected, c.ReportJobs, c.ReportDuration, c.QueueDepth, c.ForwardedPositions,
		c.BackendErrors, c.PlaceLookups,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.LiveClients, c.HTTPLatency,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry exposes the collector's registry for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }
