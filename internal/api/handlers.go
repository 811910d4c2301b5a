package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/emulator"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/router"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/topology"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// latest returns the current tick or writes 503 and returns nil.
func latest(w http.ResponseWriter, state State) *emulator.Result {
	res := state.Latest()
	if res == nil {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "no tick has completed yet")
	}
	return res
}

type tickHeader struct {
	Tick int64  `json:"tick"`
	Time string `json:"time"`
}

func header(res *emulator.Result) tickHeader {
	return tickHeader{Tick: res.Tick, Time: res.Time.UTC().Format(time.RFC3339)}
}

type gapPayload struct {
	Facility string `json:"facility"`
	Time     string `json:"time"`
}

type topologyResponse struct {
	tickHeader
	Neighbors topology.NeighborSnapshot `json:"neighbors"`
	Gaps      []gapPayload              `json:"visibility_gaps"`
	Failures  int                       `json:"ephemeris_failures"`
}

type routesResponse struct {
	tickHeader
	router.RouteSnapshot
}

type routeResponse struct {
	tickHeader
	Src       string   `json:"src"`
	Dst       string   `json:"dst"`
	Path      []string `json:"path"`
	NextHop   string   `json:"next_hop,omitempty"`
	DelayMs   float64  `json:"delay_ms"`
	Reachable bool     `json:"reachable"`
}

func indexHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "gemini",
		"endpoints": []string{
			"/healthz",
			"/readyz",
			"/metrics",
			"/api/v1/topology",
			"/api/v1/routes",
			"/api/v1/routes/{src}/{dst}",
			"/api/v1/stream/ticks",
		},
	})
}

// topologyHandler serves the neighbor snapshot of the latest tick.
// GET /api/v1/topology
func topologyHandler(state State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := latest(w, state)
		if res == nil {
			return
		}
		resp := topologyResponse{
			tickHeader: header(res),
			Neighbors:  res.Neighbors,
			Gaps:       make([]gapPayload, 0, len(res.Report.Gaps)),
			Failures:   res.Report.Failures,
		}
		for _, g := range res.Report.Gaps {
			resp.Gaps = append(resp.Gaps, gapPayload{Facility: g.Facility, Time: g.Time.UTC().Format(time.RFC3339)})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// routesHandler serves the full routing table of the latest tick.
// GET /api/v1/routes
func routesHandler(state State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := latest(w, state)
		if res == nil {
			return
		}
		writeJSON(w, http.StatusOK, routesResponse{tickHeader: header(res), RouteSnapshot: res.Routes})
	}
}

// routeHandler serves one pair. Unknown nodes are 404; a known pair with no
// route is 409 with reachable=false.
// GET /api/v1/routes/{src}/{dst}
func routeHandler(state State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := latest(w, state)
		if res == nil {
			return
		}
		src, dst := r.PathValue("src"), r.PathValue("dst")
		for _, name := range []string{src, dst} {
			if _, ok := res.Neighbors[name]; !ok {
				writeError(w, http.StatusNotFound, "unknown node "+name)
				return
			}
		}

		resp := routeResponse{tickHeader: header(res), Src: src, Dst: dst}
		path, ok := res.Routes.Path(src, dst)
		if !ok {
			resp.Path = []string{}
			writeJSON(w, http.StatusConflict, resp)
			return
		}
		resp.Reachable = true
		resp.Path = path
		resp.DelayMs, _ = res.Routes.Distance(src, dst)
		resp.NextHop, _ = res.Routes.NextHop(src, dst)
		writeJSON(w, http.StatusOK, resp)
	}
}
