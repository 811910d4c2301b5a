package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		// Known exact routes.
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/metrics", "/metrics"},
		{"/", "/"},
		{"/api/v1/topology", "/api/v1/topology"},
		{"/api/v1/routes", "/api/v1/routes"},
		{"/api/v1/stream/ticks", "/api/v1/stream/ticks"},

		// Parameterized route queries collapse to one label.
		{"/api/v1/routes/STARLINK-1007/beijing", "/api/v1/routes/{src}/{dst}"},
		{"/api/v1/routes/a/b", "/api/v1/routes/{src}/{dst}"},

		// Malformed route queries and unknown/bot paths collapse to "other".
		{"/api/v1/routes/a", "other"},
		{"/api/v1/routes/a/", "other"},
		{"/api/v1/routes/a/b/c", "other"},
		{"/wp-admin", "other"},
		{"/robots.txt", "other"},
		{"/.env", "other"},
		{"/api/v2/something", "other"},
		{"/favicon.ico", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := normalizeRoute(tt.path)
			if got != tt.want {
				t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestMetricsCardinality verifies that 100 distinct node pairs produce
// exactly 1 distinct path label, not 100.
func TestMetricsCardinality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		label := normalizeRoute(fmt.Sprintf("/api/v1/routes/sat%d/gs%d", i, i%7))
		seen[label] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 unique label for parameterized paths, got %d: %v", len(seen), seen)
	}
}

func TestMiddlewareCountsNormalizedRoute(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	label := "/api/v1/routes/{src}/{dst}"
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(label, http.MethodGet, "409"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/routes/x/y", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(label, http.MethodGet, "409"))
	if after-before != 1 {
		t.Errorf("request counter delta = %v, want 1", after-before)
	}
}

func TestCounters(t *testing.T) {
	gaps := testutil.ToFloat64(visibilityGapsTotal)
	VisibilityGaps(3)
	if d := testutil.ToFloat64(visibilityGapsTotal) - gaps; d != 3 {
		t.Errorf("visibility gaps delta = %v, want 3", d)
	}

	cmdErrs := testutil.ToFloat64(hostErrorsTotal.WithLabelValues(HostCommand))
	HostError(HostCommand)
	if d := testutil.ToFloat64(hostErrorsTotal.WithLabelValues(HostCommand)) - cmdErrs; d != 1 {
		t.Errorf("host command errors delta = %v, want 1", d)
	}

	overruns := testutil.ToFloat64(tickOverrunsTotal)
	TickOverrun()
	if d := testutil.ToFloat64(tickOverrunsTotal) - overruns; d != 1 {
		t.Errorf("overruns delta = %v, want 1", d)
	}

	SetTopology(4, 2, 5, 6)
	if got := testutil.ToFloat64(topologyNodes.WithLabelValues("facility")); got != 2 {
		t.Errorf("facility gauge = %v, want 2", got)
	}

	ObserveStage(StageRoute, 5*time.Millisecond)
	if n := testutil.CollectAndCount(tickDurationSeconds); n < 1 {
		t.Errorf("stage histogram has %d series, want >= 1", n)
	}
}

func TestStreamGauge(t *testing.T) {
	before := testutil.ToFloat64(streamsActive)
	StreamConnected()
	StreamConnected()
	StreamDisconnected()
	if d := testutil.ToFloat64(streamsActive) - before; d != 1 {
		t.Errorf("active streams delta = %v, want 1", d)
	}
	StreamDisconnected()

	errs := testutil.ToFloat64(streamErrorsTotal.WithLabelValues("rate_limit"))
	StreamError("rate_limit")
	if d := testutil.ToFloat64(streamErrorsTotal.WithLabelValues("rate_limit")) - errs; d != 1 {
		t.Errorf("rate limit errors delta = %v, want 1", d)
	}
}
