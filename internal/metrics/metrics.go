package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gemini_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	ticksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_ticks_total",
			Help: "Control loop ticks completed.",
		},
	)

	tickDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gemini_tick_stage_duration_seconds",
			Help:    "Duration of each control loop stage.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"stage"},
	)

	tickOverrunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_tick_overruns_total",
			Help: "Ticks that took longer than the update interval.",
		},
	)

	visibilityGapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_visibility_gaps_total",
			Help: "Facility-ticks with no satellite above the minimum elevation.",
		},
	)

	ephemerisFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_ephemeris_failures_total",
			Help: "Provider errors during topology refresh.",
		},
	)

	hostErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_host_errors_total",
			Help: "Per-host control plane failures by kind.",
		},
		[]string{"kind"},
	)

	hostsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_hosts_unchanged_total",
			Help: "Host updates skipped because their commands did not change.",
		},
	)

	topologyNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gemini_topology_nodes",
			Help: "Nodes in the topology by kind.",
		},
		[]string{"kind"},
	)

	topologyEdges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_topology_edges",
			Help: "Undirected links with a finite delay in the current tick.",
		},
	)

	unreachablePairs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_unreachable_pairs",
			Help: "Ordered node pairs with no route in the current tick.",
		},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_stream_connections_total",
			Help: "Tick stream connect and disconnect events.",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_streams_active",
			Help: "Open tick stream connections.",
		},
	)

	streamMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_stream_messages_total",
			Help: "Tick stream messages sent.",
		},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_stream_errors_total",
			Help: "Tick stream errors by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpDurationSeconds)
	prometheus.MustRegister(ticksTotal)
	prometheus.MustRegister(tickDurationSeconds)
	prometheus.MustRegister(tickOverrunsTotal)
	prometheus.MustRegister(visibilityGapsTotal)
	prometheus.MustRegister(ephemerisFailuresTotal)
	prometheus.MustRegister(hostErrorsTotal)
	prometheus.MustRegister(hostsSkippedTotal)
	prometheus.MustRegister(topologyNodes)
	prometheus.MustRegister(topologyEdges)
	prometheus.MustRegister(unreachablePairs)
	prometheus.MustRegister(streamConnectionsTotal)
	prometheus.MustRegister(streamsActive)
	prometheus.MustRegister(streamMessagesTotal)
	prometheus.MustRegister(streamErrorsTotal)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Tick stages.
const (
	StageRefresh  = "refresh"
	StageRoute    = "route"
	StageDispatch = "dispatch"
	StageTotal    = "total"
)

// ObserveStage records how long one control loop stage took.
func ObserveStage(stage string, d time.Duration) {
	tickDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// TickCompleted counts a finished tick.
func TickCompleted() { ticksTotal.Inc() }

// TickOverrun counts a tick that exceeded the update interval.
func TickOverrun() { tickOverrunsTotal.Inc() }

// VisibilityGaps adds n facility visibility gaps.
func VisibilityGaps(n int) { visibilityGapsTotal.Add(float64(n)) }

// EphemerisFailures adds n provider errors.
func EphemerisFailures(n int) { ephemerisFailuresTotal.Add(float64(n)) }

// Host error kinds.
const (
	HostUnreachable = "unreachable"
	HostCommand     = "command"
)

// HostError counts one per-host control plane failure.
func HostError(kind string) { hostErrorsTotal.WithLabelValues(kind).Inc() }

// HostSkipped counts a host whose update was skipped as unchanged.
func HostSkipped() { hostsSkippedTotal.Inc() }

// SetTopology records the size of the current graph.
func SetTopology(satellites, facilities, edges, unreachable int) {
	topologyNodes.WithLabelValues("satellite").Set(float64(satellites))
	topologyNodes.WithLabelValues("facility").Set(float64(facilities))
	topologyEdges.Set(float64(edges))
	unreachablePairs.Set(float64(unreachable))
}

// StreamConnected records a new tick stream.
func StreamConnected() {
	streamConnectionsTotal.WithLabelValues("connect").Inc()
	streamsActive.Inc()
}

// StreamDisconnected records a closed tick stream.
func StreamDisconnected() {
	streamConnectionsTotal.WithLabelValues("disconnect").Inc()
	streamsActive.Dec()
}

// StreamMessage counts one message written to a stream.
func StreamMessage() { streamMessagesTotal.Inc() }

// StreamError counts a stream failure ("rate_limit", "send_error", ...).
func StreamError(kind string) { streamErrorsTotal.WithLabelValues(kind).Inc() }

// knownRoutes are exact paths reported under their own label.
var knownRoutes = map[string]bool{
	"/":                true,
	"/healthz":         true,
	"/readyz":          true,
	"/metrics":         true,
	"/api/v1/topology": true,
	"/api/v1/routes":   true,

	"/api/v1/stream/ticks": true,
}

// normalizeRoute maps a request path to a bounded label set. Node names in
// route queries collapse to one label; anything unknown becomes "other".
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/api/v1/routes/"); ok {
		if src, dst, ok := strings.Cut(rest, "/"); ok && src != "" && dst != "" && !strings.Contains(dst, "/") {
			return "/api/v1/routes/{src}/{dst}"
		}
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
