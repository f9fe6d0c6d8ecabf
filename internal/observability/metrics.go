// Package observability provides the Prometheus metrics manager and the
// OpenTelemetry tracing manager for the detection service.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edgeshield/botshield/internal/contracts"
)

// MetricsManager owns the Prometheus registry and implements
// contracts.MetricsSink for the engine's emitted records.
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry
	started  time.Time

	uptime             prometheus.Gauge
	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	detectorFailures   *prometheus.CounterVec
	learningQueueDepth prometheus.Gauge
	decisionsApplied   *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
}

// NewMetricsManager creates the manager with all metrics registered.
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
		started:  time.Now(),
	}
	mm.initMetrics()
	mm.registerMetrics()
	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "botshield_uptime_seconds",
		Help: "Time since the application started",
	})

	mm.evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botshield_evaluations_total",
			Help: "Total number of request evaluations",
		},
		[]string{"band", "action"},
	)

	mm.evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "botshield_evaluation_duration_ms",
		Help:    "Evaluation pipeline duration in milliseconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 3000},
	})

	mm.detectorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botshield_detector_failures_total",
			Help: "Detector timeouts and errors",
		},
		[]string{"detector"},
	)

	mm.learningQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "botshield_learning_queue_depth",
		Help: "Pending learning observations",
	})

	mm.decisionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botshield_decisions_applied_total",
			Help: "Decisions applied by the middleware",
		},
		[]string{"action"},
	)

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botshield_http_requests_total",
			Help: "Total number of HTTP requests on the ops API",
		},
		[]string{"method", "path", "status"},
	)
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mm.uptime,
		mm.evaluations,
		mm.evaluationDuration,
		mm.detectorFailures,
		mm.learningQueueDepth,
		mm.decisionsApplied,
		mm.httpRequests,
	)
}

// Emit implements contracts.MetricsSink. Records with unknown names are
// dropped; the sink must never block or fail the detection path.
func (mm *MetricsManager) Emit(rec contracts.MetricRecord) {
	switch rec.Name {
	case "evaluations_total":
		mm.evaluations.With(prometheus.Labels{
			"band":   rec.Labels["band"],
			"action": rec.Labels["action"],
		}).Add(rec.Value)
	case "evaluation_duration_ms":
		mm.evaluationDuration.Observe(rec.Value)
	case "detector_failures_total":
		mm.detectorFailures.With(prometheus.Labels{
			"detector": rec.Labels["detector"],
		}).Add(rec.Value)
	case "learning_queue_depth":
		mm.learningQueueDepth.Set(rec.Value)
	case "decisions_applied_total":
		mm.decisionsApplied.With(prometheus.Labels{
			"action": rec.Labels["action"],
		}).Add(rec.Value)
	default:
		mm.logger.Debugw("dropping unknown metric record", "name", rec.Name)
	}
}

// RecordHTTPRequest counts one ops API request.
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string) {
	mm.httpRequests.With(prometheus.Labels{
		"method": method, "path": path, "status": status,
	}).Inc()
}

// Handler returns the /metrics endpoint handler, refreshing uptime on each
// scrape.
func (mm *MetricsManager) Handler() http.Handler {
	inner := promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mm.uptime.Set(time.Since(mm.started).Seconds())
		inner.ServeHTTP(w, r)
	})
}
