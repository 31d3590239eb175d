package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide stats registry. Every update goes to both the
// Prometheus collectors and the atomic counters behind Snapshot.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Frame metrics
	FramesEmitted  prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	FrameSize      prometheus.Histogram
	DecodeFailures prometheus.Counter

	// Upstream metrics
	UpstreamBytes       prometheus.Counter
	UpstreamConnections prometheus.Counter
	ProbeAttempts       *prometheus.CounterVec

	// Downstream metrics
	DownstreamBytes prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Snapshot counters
	startTime       time.Time
	framesProcessed atomic.Uint64
	framesDropped   atomic.Uint64
	decodeFailures  atomic.Uint64
	bytesIn         atomic.Uint64
	bytesOut        atomic.Uint64
	activeSessions  atomic.Int64
	totalSessions   atomic.Uint64
	connections     atomic.Uint64
	errors          atomic.Uint64
	lastFrameNanos  atomic.Int64
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_active_sessions",
			Help: "Number of relay sessions currently running",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_sessions_started_total",
			Help: "Total number of relay sessions started",
		}),
		SessionsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_sessions_ended_total",
				Help: "Total number of relay sessions ended, by final state",
			},
			[]string{"state"},
		),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_session_duration_seconds",
			Help:    "Duration of relay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}),

		FramesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_frames_emitted_total",
			Help: "Total number of frames written to clients",
		}),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_frames_dropped_total",
				Help: "Total number of frames discarded",
			},
			[]string{"reason"},
		),
		FrameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_frame_size_bytes",
			Help:    "Size of emitted frames in bytes",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10), // 4KB to ~2MB
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_decode_failures_total",
			Help: "Frames forwarded untouched because they could not be transcoded",
		}),

		UpstreamBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_upstream_bytes_total",
			Help: "Total bytes read from cameras",
		}),
		UpstreamConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_upstream_connections_total",
			Help: "Total number of upstream streams opened",
		}),
		ProbeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_probe_attempts_total",
				Help: "Endpoint probe attempts by outcome",
			},
			[]string{"outcome"},
		),

		DownstreamBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_downstream_bytes_total",
			Help: "Total frame bytes written to clients",
		}),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camrelay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		startTime: time.Now(),
	}

	return m
}

// RecordSessionStart records a session starting
func (m *Metrics) RecordSessionStart() {
	m.ActiveSessions.Inc()
	m.SessionsStarted.Inc()
	m.activeSessions.Add(1)
	m.totalSessions.Add(1)
}

// RecordSessionEnd records a session ending in the given final state
func (m *Metrics) RecordSessionEnd(state string, durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionsEnded.WithLabelValues(state).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.activeSessions.Add(-1)
}

// RecordFrame records a frame written downstream
func (m *Metrics) RecordFrame(size int) {
	m.FramesEmitted.Inc()
	m.FrameSize.Observe(float64(size))
	m.DownstreamBytes.Add(float64(size))
	m.framesProcessed.Add(1)
	m.bytesOut.Add(uint64(size))
	m.lastFrameNanos.Store(time.Now().UnixNano())
}

// RecordFrameDropped records a discarded frame
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
	m.framesDropped.Add(1)
}

// RecordDecodeFailure records a frame that could not be transcoded
func (m *Metrics) RecordDecodeFailure() {
	m.DecodeFailures.Inc()
	m.decodeFailures.Add(1)
}

// RecordUpstreamBytes records bytes read from a camera
func (m *Metrics) RecordUpstreamBytes(n int) {
	m.UpstreamBytes.Add(float64(n))
	m.bytesIn.Add(uint64(n))
}

// RecordUpstreamConnection records an upstream stream being opened
func (m *Metrics) RecordUpstreamConnection() {
	m.UpstreamConnections.Inc()
	m.connections.Add(1)
}

// RecordProbe records one endpoint probe attempt
func (m *Metrics) RecordProbe(outcome string) {
	m.ProbeAttempts.WithLabelValues(outcome).Inc()
}

// RecordError records a session failure
func (m *Metrics) RecordError() {
	m.errors.Add(1)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, m.statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusCodeToString converts an HTTP status code to a string
func (m *Metrics) statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
