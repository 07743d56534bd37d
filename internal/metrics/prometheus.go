package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/beam-audio-service/internal/audio"
)

const namespace = "beam_audio"

// Metrics contains all Prometheus metrics for the beam audio service.
// Record methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionActive   prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Capture metrics
	CaptureTicks        prometheus.Counter
	CaptureSkipped      *prometheus.CounterVec
	CaptureBytes        prometheus.Counter
	CaptureTickDuration prometheus.Histogram

	// Buffer metrics
	BufferUnread       prometheus.Gauge
	BufferStaleResets  prometheus.Counter
	BufferEvictions    prometheus.Counter
	BufferDroppedBytes prometheus.Counter

	// Angle metrics
	AngleChanges     *prometheus.CounterVec
	BeamAngle        prometheus.Gauge
	SourceAngle      prometheus.Gauge
	SourceConfidence prometheus.Gauge

	// Consumer metrics
	ConsumerTicks        prometheus.Counter
	ConsumerBytes        prometheus.Counter
	EnergyBuckets        prometheus.Counter
	EnergyLevel          prometheus.Gauge
	ConsumerTickDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry that also carries
// the Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Session metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of capture sessions started",
		}),
		SessionActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a capture session is running",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of capture sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Capture metrics
		CaptureTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_ticks_total",
			Help:      "Total number of capture ticks that appended audio",
		}),
		CaptureSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_ticks_skipped_total",
			Help:      "Total number of capture ticks skipped by source failures",
		}, []string{"reason"}),
		CaptureBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_bytes_total",
			Help:      "Total PCM bytes appended to the session buffer",
		}),
		CaptureTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_tick_duration_seconds",
			Help:      "Time spent in one capture tick",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12), // 50us to ~100ms
		}),

		// Buffer metrics
		BufferUnread: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_unread_bytes",
			Help:      "Bytes buffered and not yet read by the consumer",
		}),
		BufferStaleResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_stale_resets_total",
			Help:      "Times the buffer was emptied because no read happened in time",
		}),
		BufferEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_capacity_evictions_total",
			Help:      "Times the oldest half of the buffer was discarded for capacity",
		}),
		BufferDroppedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_dropped_bytes_total",
			Help:      "Unread bytes lost to staleness or capacity eviction",
		}),

		// Angle metrics
		AngleChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "angle_changes_total",
			Help:      "Total number of emitted angle changes",
		}, []string{"kind"}),
		BeamAngle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "beam_angle_degrees",
			Help:      "Last emitted beam angle",
		}),
		SourceAngle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_angle_degrees",
			Help:      "Last emitted sound source angle",
		}),
		SourceConfidence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_confidence",
			Help:      "Confidence of the last sound source angle change",
		}),

		// Consumer metrics
		ConsumerTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_ticks_total",
			Help:      "Total number of consumer ticks that read audio",
		}),
		ConsumerBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_bytes_total",
			Help:      "Total PCM bytes read by the consumer",
		}),
		EnergyBuckets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_buckets_total",
			Help:      "Total number of energy values written",
		}),
		EnergyLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "energy_level",
			Help:      "Most recent normalized energy value",
		}),
		ConsumerTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consumer_tick_duration_seconds",
			Help:      "Time spent in one consumer tick",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Registry returns the registry holding these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStarted records a session entering the capturing state
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionActive.Set(1)
}

// RecordSessionStopped records a session ending
func (m *Metrics) RecordSessionStopped(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionActive.Set(0)
	m.SessionDuration.Observe(durationSeconds)
}

// RecordCaptureTick records a successful capture tick
func (m *Metrics) RecordCaptureTick(bytes int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CaptureTicks.Inc()
	m.CaptureBytes.Add(float64(bytes))
	m.CaptureTickDuration.Observe(durationSeconds)
}

// RecordCaptureSkipped records a tick lost to a source failure
func (m *Metrics) RecordCaptureSkipped(reason string) {
	if m == nil {
		return
	}
	m.CaptureSkipped.WithLabelValues(reason).Inc()
}

// RecordBufferStats publishes the change between two buffer snapshots
func (m *Metrics) RecordBufferStats(prev, cur audio.BufferStats) {
	if m == nil {
		return
	}
	m.BufferUnread.Set(float64(cur.UnreadBytes))
	if cur.StaleResets > prev.StaleResets {
		m.BufferStaleResets.Add(float64(cur.StaleResets - prev.StaleResets))
	}
	if cur.CapacityEvictions > prev.CapacityEvictions {
		m.BufferEvictions.Add(float64(cur.CapacityEvictions - prev.CapacityEvictions))
	}
	if cur.UnreadBytesDropped > prev.UnreadBytesDropped {
		m.BufferDroppedBytes.Add(float64(cur.UnreadBytesDropped - prev.UnreadBytesDropped))
	}
}

// RecordBeamAngle records an emitted beam angle change
func (m *Metrics) RecordBeamAngle(degrees int) {
	if m == nil {
		return
	}
	m.AngleChanges.WithLabelValues("beam").Inc()
	m.BeamAngle.Set(float64(degrees))
}

// RecordSourceAngle records an emitted sound source angle change
func (m *Metrics) RecordSourceAngle(degrees int, confidence float64) {
	if m == nil {
		return
	}
	m.AngleChanges.WithLabelValues("source").Inc()
	m.SourceAngle.Set(float64(degrees))
	m.SourceConfidence.Set(confidence)
}

// RecordConsumerTick records a consumer tick that converted audio
func (m *Metrics) RecordConsumerTick(bytes, buckets int, latest float32, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ConsumerTicks.Inc()
	m.ConsumerBytes.Add(float64(bytes))
	m.EnergyBuckets.Add(float64(buckets))
	if buckets > 0 {
		m.EnergyLevel.Set(float64(latest))
	}
	m.ConsumerTickDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records HTTP API request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records HTTP API errors
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
