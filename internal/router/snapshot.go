package router

import (
	"fmt"
	"math"
)

// RouteSnapshot is the routing table keyed by node name. Unreachable pairs
// are absent from both maps.
type RouteSnapshot struct {
	Paths     map[string]map[string][]string `json:"paths"`
	Distances map[string]map[string]float64  `json:"distances"`
}

// Snapshot resolves every reachable pair to names. names[i] is the name of
// node i.
func (r *Router) Snapshot(names []string) (RouteSnapshot, error) {
	if len(names) != r.n {
		return RouteSnapshot{}, shapeErrorf("%d names for %d nodes", len(names), r.n)
	}
	if !r.computed {
		return RouteSnapshot{}, ErrNotComputed
	}

	snap := RouteSnapshot{
		Paths:     make(map[string]map[string][]string, r.n),
		Distances: make(map[string]map[string]float64, r.n),
	}
	for src := 0; src < r.n; src++ {
		paths := make(map[string][]string)
		dists := make(map[string]float64)
		for dst := 0; dst < r.n; dst++ {
			d := r.dist[src][dst]
			if math.IsInf(d, 1) {
				continue
			}
			p, err := r.Path(src, dst)
			if err != nil {
				return RouteSnapshot{}, fmt.Errorf("route %s -> %s: %w", names[src], names[dst], err)
			}
			named := make([]string, len(p))
			for i, idx := range p {
				named[i] = names[idx]
			}
			paths[names[dst]] = named
			dists[names[dst]] = d
		}
		snap.Paths[names[src]] = paths
		snap.Distances[names[src]] = dists
	}
	return snap, nil
}

// Path returns the route between two named nodes.
func (s RouteSnapshot) Path(src, dst string) ([]string, bool) {
	p, ok := s.Paths[src][dst]
	return p, ok
}

// Distance returns the delay between two named nodes.
func (s RouteSnapshot) Distance(src, dst string) (float64, bool) {
	d, ok := s.Distances[src][dst]
	return d, ok
}

// NextHop returns the first node after src on the route to dst.
func (s RouteSnapshot) NextHop(src, dst string) (string, bool) {
	p, ok := s.Paths[src][dst]
	if !ok || len(p) < 2 {
		return "", false
	}
	return p[1], true
}
