package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portcullis_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks live codex sessions in the registry
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portcullis_active_sessions",
			Help: "Number of live codex app-server sessions",
		},
	)

	// SessionDuration tracks session lifetime from spawn to teardown
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portcullis_session_duration_seconds",
			Help:    "Session lifetime in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"reason"},
	)

	// TurnsTotal counts chat turns by outcome
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_turns_total",
			Help: "Total number of chat turns",
		},
		[]string{"outcome"},
	)

	// TurnDuration tracks turn wall-clock time
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portcullis_turn_duration_seconds",
			Help:    "Turn duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	// RPCRequests counts JSON-RPC calls to the child by method
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_rpc_requests_total",
			Help: "Total number of JSON-RPC requests sent to codex app-server",
		},
		[]string{"method", "status"},
	)

	// SSEStreams tracks currently open SSE streams
	SSEStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portcullis_sse_streams_active",
			Help: "Number of open SSE chat streams",
		},
	)

	// DiskUsedPercent tracks disk usage of the filesystem holding the data directory
	DiskUsedPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portcullis_disk_used_percent",
			Help: "Disk usage percentage of the filesystem holding the data directory",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/", "/status", "/chat", "/threads", "/history", "/health", "/ready", "/metrics":
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments the active session gauge
func RecordSessionStart() {
	ActiveSessions.Inc()
}

// RecordSessionEnd decrements the active session gauge and records duration
func RecordSessionEnd(reason string, durationSeconds float64) {
	ActiveSessions.Dec()
	SessionDuration.WithLabelValues(reason).Observe(durationSeconds)
}

// RecordTurn records a finished turn with its outcome
func RecordTurn(outcome string, durationSeconds float64) {
	TurnsTotal.WithLabelValues(outcome).Inc()
	TurnDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordRPC records a JSON-RPC request sent to the child
func RecordRPC(method, status string) {
	RPCRequests.WithLabelValues(method, status).Inc()
}

// RecordStreamOpen increments the open SSE stream gauge
func RecordStreamOpen() {
	SSEStreams.Inc()
}

// RecordStreamClose decrements the open SSE stream gauge
func RecordStreamClose() {
	SSEStreams.Dec()
}

// RecordDiskUsage sets the disk usage gauge
func RecordDiskUsage(percent float64) {
	DiskUsedPercent.Set(percent)
}
