package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	transcriptionsTotal    *prometheus.CounterVec
	engineDuration         prometheus.Histogram
	audioSecondsTotal      prometheus.Counter
	stagingCleanupFailures prometheus.Counter
	upstreamRequestsTotal  *prometheus.CounterVec
	upstreamDuration       *prometheus.HistogramVec
	modelLoaded            prometheus.Gauge
	refinementsTotal       *prometheus.CounterVec
	refineDuration         prometheus.Histogram
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperd_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "whisperd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		transcriptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperd_transcriptions_total",
				Help: "Transcription requests by outcome (success, failure, not_ready, empty).",
			},
			[]string{"outcome"},
		),
		engineDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "whisperd_engine_duration_seconds",
				Help:    "Time spent inside the speech-to-text engine per request.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
		),
		audioSecondsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whisperd_audio_seconds_total",
				Help: "Seconds of speech transcribed, from the last segment end of each result.",
			},
		),
		stagingCleanupFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whisperd_staging_cleanup_failures_total",
				Help: "Staged upload files that could not be removed.",
			},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperd_upstream_requests_total",
				Help: "Requests to the OpenAI-compatible speech server.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "whisperd_upstream_request_duration_seconds",
				Help:    "Speech server request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		modelLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "whisperd_model_loaded",
				Help: "1 while the model handle is loaded, 0 otherwise.",
			},
		),
		refinementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperd_refinements_total",
				Help: "Refinement requests by outcome (success, failure, rate_limited, not_configured).",
			},
			[]string{"outcome"},
		),
		refineDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "whisperd_refine_duration_seconds",
				Help:    "Time spent waiting on the refinement provider, retries included.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.transcriptionsTotal,
		m.engineDuration,
		m.audioSecondsTotal,
		m.stagingCleanupFailures,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.modelLoaded,
		m.refinementsTotal,
		m.refineDuration,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveTranscription(outcome string, engineDuration time.Duration, audioSeconds float64) {
	if m == nil {
		return
	}
	m.transcriptionsTotal.WithLabelValues(outcome).Inc()
	if engineDuration > 0 {
		m.engineDuration.Observe(engineDuration.Seconds())
	}
	if audioSeconds > 0 {
		m.audioSecondsTotal.Add(audioSeconds)
	}
}

func (m *Metrics) IncStagingCleanupFailure() {
	if m == nil {
		return
	}
	m.stagingCleanupFailures.Inc()
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) SetModelLoaded(loaded bool) {
	if m == nil {
		return
	}
	if loaded {
		m.modelLoaded.Set(1)
		return
	}
	m.modelLoaded.Set(0)
}

func (m *Metrics) ObserveRefinement(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.refinementsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.refineDuration.Observe(duration.Seconds())
	}
}
