// Package stream implements Server-Sent Events (SSE) streaming of control
// loop ticks. Clients connect via GET /api/v1/stream/ticks and receive one
// message per published tick.
//
// SSE message format:
//
//	data: {"type":"tick","tick":12,"time":"2025-01-01T00:20:00Z","duration_ms":41,...}\n\n
//
// The latest tick, if any, is sent immediately on connect. Keep-alive
// comments (:\n\n) are sent every KeepaliveInterval to prevent timeout.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/emulator"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/metrics"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/router"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/topology"
)

// Source yields the most recent tick, nil before the first one.
type Source interface {
	Latest() *emulator.Result
}

// Config holds streaming configuration.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	PollInterval       time.Duration // How often Source is checked for a new tick (default: 1s).
	TrustProxy         bool          // Take the client IP from X-Forwarded-For / X-Real-IP.
}

// DefaultConfig returns the defaults listed on Config.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerIP: 10,
		KeepaliveInterval:  30 * time.Second,
		PollInterval:       time.Second,
	}
}

// Handler manages SSE streaming connections.
type Handler struct {
	source  Source
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(source Source, config Config, logger *slog.Logger) *Handler {
	def := DefaultConfig()
	if config.MaxConcurrentPerIP < 1 {
		config.MaxConcurrentPerIP = def.MaxConcurrentPerIP
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = def.KeepaliveInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	return &Handler{
		source:  source,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP),
		logger:  logger,
	}
}

// include selects the optional parts of a tick message.
type include struct {
	neighbors bool
	routes    bool
}

func parseInclude(v string) (include, error) {
	var inc include
	if v == "" {
		return inc, nil
	}
	for _, part := range strings.Split(v, ",") {
		switch strings.TrimSpace(part) {
		case "neighbors":
			inc.neighbors = true
		case "routes":
			inc.routes = true
		default:
			return inc, fmt.Errorf("unknown include %q", part)
		}
	}
	return inc, nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HandleTicks serves the SSE tick stream.
// GET /api/v1/stream/ticks?include=neighbors,routes
func (h *Handler) HandleTicks(w http.ResponseWriter, r *http.Request) {
	inc, err := parseInclude(r.URL.Query().Get("include"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid include parameter, must be a list of neighbors and routes")
		return
	}

	// Rate limiting: enforce concurrent stream limit per IP.
	ip := clientIP(r, h.config.TrustProxy)
	if !h.limiter.acquire(ip) {
		metrics.StreamError("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.StreamConnected()
	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"neighbors", inc.neighbors,
		"routes", inc.routes,
	)

	defer func() {
		h.limiter.release(ip)
		metrics.StreamDisconnected()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived: clear the server's WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c := &client{w: w, flusher: flusher, rc: rc, logger: h.logger}

	// Jittered retry (3-7s) so a restart does not bring every client back at once.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.Intn(4000))
	flusher.Flush()

	var sent int64 = -1
	send := func() bool {
		res := h.source.Latest()
		if res == nil || res.Tick == sent {
			return true
		}
		if err := c.sendJSON(buildTickMessage(res, inc)); err != nil {
			metrics.StreamError("send_error")
			h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
			return false
		}
		sent = res.Tick
		return true
	}
	if !send() {
		return
	}

	poll := time.NewTicker(h.config.PollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-poll.C:
			before := sent
			if !send() {
				return
			}
			if sent != before {
				keepalive.Reset(h.config.KeepaliveInterval)
			}

		case <-keepalive.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.StreamError("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

// buildTickMessage formats a tick result into the SSE payload.
func buildTickMessage(res *emulator.Result, inc include) tickMessage {
	msg := tickMessage{
		Type:       "tick",
		Tick:       res.Tick,
		Time:       res.Time.UTC().Format(time.RFC3339),
		DurationMs: res.Duration.Milliseconds(),
		Failures:   res.Report.Failures,
	}
	for _, g := range res.Report.Gaps {
		msg.Gaps = append(msg.Gaps, g.Facility)
	}
	if inc.neighbors {
		msg.Neighbors = res.Neighbors
	}
	if inc.routes {
		msg.Routes = &res.Routes
	}
	return msg
}

type tickMessage struct {
	Type       string                    `json:"type"`
	Tick       int64                     `json:"tick"`
	Time       string                    `json:"time"`
	DurationMs int64                     `json:"duration_ms"`
	Gaps       []string                  `json:"visibility_gaps,omitempty"`
	Failures   int                       `json:"ephemeris_failures"`
	Neighbors  topology.NeighborSnapshot `json:"neighbors,omitempty"`
	Routes     *router.RouteSnapshot     `json:"routes,omitempty"`
}
