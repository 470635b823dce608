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
			Name: "threadcast_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadcast_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently active streaming sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadcast_active_sessions",
			Help: "Number of active streaming sessions",
		},
	)

	// MessagesSent counts wire messages delivered to the network, by type
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadcast_messages_sent_total",
			Help: "Total number of wire messages sent",
		},
		[]string{"type"},
	)

	// DroppedEvents counts events dropped because no active session existed
	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadcast_dropped_events_total",
			Help: "Total number of events dropped with no active session",
		},
	)

	// BackpressureDrops counts queued messages dropped for slow consumers,
	// labeled by message type. Per-session counts live in session stats;
	// a session label here would grow without bound.
	BackpressureDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadcast_backpressure_drops_total",
			Help: "Total number of queued messages dropped due to slow consumers",
		},
		[]string{"type"},
	)

	// BufferedBytes tracks total bytes buffered across all connections
	BufferedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadcast_buffered_bytes",
			Help: "Total bytes currently buffered across all connections",
		},
	)

	// ConnectionsEvicted counts connections force-closed for exceeding their buffer cap
	ConnectionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadcast_connections_evicted_total",
			Help: "Total number of connections evicted for exceeding buffer limits",
		},
	)

	// CleanupDuration tracks how long cleanup sweeps take
	CleanupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threadcast_cleanup_duration_seconds",
			Help:    "Duration of memory cleanup sweeps",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// CircuitState tracks breaker state per downstream dependency
	// (0=closed, 1=open, 2=half-open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "threadcast_circuit_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half_open)",
		},
		[]string{"name"},
	)

	// CircuitTransitions counts breaker state transitions
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadcast_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// CompressionRatio tracks compressed/original size per algorithm
	CompressionRatio = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadcast_compression_ratio",
			Help:    "Ratio of compressed to original payload size",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1.0},
		},
		[]string{"algorithm"},
	)

	// CompressionDuration tracks time spent compressing payloads
	CompressionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadcast_compression_duration_seconds",
			Help:    "Time spent compressing message payloads",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"algorithm"},
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

// Flush implements http.Flusher for streaming support
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
	case "/health", "/ready", "/stream", "/breakers", "/metrics":
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

// RecordSessionEnd decrements the active session gauge
func RecordSessionEnd() {
	ActiveSessions.Dec()
}

// RecordMessageSent records a wire message delivered to the network
func RecordMessageSent(msgType string) {
	MessagesSent.WithLabelValues(msgType).Inc()
}

// RecordDroppedEvent records an event dropped with no active session
func RecordDroppedEvent() {
	DroppedEvents.Inc()
}

// RecordBackpressureDrop records a queued message dropped for a slow consumer
func RecordBackpressureDrop(msgType string) {
	BackpressureDrops.WithLabelValues(msgType).Inc()
}

// RecordEviction records a connection evicted for exceeding its buffer cap
func RecordEviction() {
	ConnectionsEvicted.Inc()
}

// RecordCircuitTransition records a breaker state change
func RecordCircuitTransition(name, from, to string, stateValue float64) {
	CircuitTransitions.WithLabelValues(name, from, to).Inc()
	CircuitState.WithLabelValues(name).Set(stateValue)
}

// RecordCompression records the outcome of one compression decision
func RecordCompression(algorithm string, originalSize, compressedSize int, elapsed time.Duration) {
	if originalSize > 0 {
		CompressionRatio.WithLabelValues(algorithm).Observe(float64(compressedSize) / float64(originalSize))
	}
	CompressionDuration.WithLabelValues(algorithm).Observe(elapsed.Seconds())
}
