package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Frame metrics
	FramesTotal     *prometheus.CounterVec
	ReadTimeouts    prometheus.Counter
	PredictDuration prometheus.Histogram
	DetectionsTotal *prometheus.CounterVec
	LastScore       *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "wakewire"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of connected audio producers",
	})

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of finished sessions",
		},
		[]string{"reason"},
	)

	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Session duration in seconds",
		Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 6 * 3600, 24 * 3600},
	})

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames received, by outcome",
		},
		[]string{"outcome"},
	)

	readTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_timeouts_total",
		Help:      "Idle read deadlines that fired while streaming",
	})

	predictDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "predict_duration_seconds",
		Help:      "Detector latency per frame",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.08, 0.1, 0.25},
	})

	detectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Frames with a positive verdict",
		},
		[]string{"model"},
	)

	lastScore := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_score",
			Help:      "Most recent score per model",
		},
		[]string{"model"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"error_type"},
	)

	// Register all metrics
	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		framesTotal,
		readTimeouts,
		predictDuration,
		detectionsTotal,
		lastScore,
		errorsTotal,
	)

	return &Metrics{
		registry:        registry,
		SessionsActive:  sessionsActive,
		SessionsTotal:   sessionsTotal,
		SessionDuration: sessionDuration,
		FramesTotal:     framesTotal,
		ReadTimeouts:    readTimeouts,
		PredictDuration: predictDuration,
		DetectionsTotal: detectionsTotal,
		LastScore:       lastScore,
		ErrorsTotal:     errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a new connection.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a finished session.
func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordFrame records a received frame. Outcome is "processed" or "malformed".
func (m *Metrics) RecordFrame(outcome string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(outcome).Inc()
}

// RecordTimeout records an idle read deadline.
func (m *Metrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.ReadTimeouts.Inc()
}

// RecordPrediction records detector latency and the latest score per model.
func (m *Metrics) RecordPrediction(duration time.Duration, latest map[string]float64) {
	if m == nil {
		return
	}
	m.PredictDuration.Observe(duration.Seconds())
	for model, score := range latest {
		m.LastScore.WithLabelValues(model).Set(score)
	}
}

// RecordDetection records a positive verdict.
func (m *Metrics) RecordDetection(model string) {
	if m == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues(model).Inc()
}

// RecordError records an error.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
