// Package topology holds the constellation graph: satellites and ground
// facilities as nodes, static inter-satellite links, and per-tick ground
// access links, with edge weights in milliseconds of propagation delay.
package topology

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/ephemeris"
)

// DefaultReferenceTime is when the initial access assignment is computed.
var DefaultReferenceTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Option configures a Graph.
type Option func(*Graph)

// WithMinElevation sets the elevation, in degrees, a satellite must reach to
// serve a facility. Default 0.
func WithMinElevation(deg float64) Option {
	return func(g *Graph) { g.minElevation = deg }
}

// WithReferenceTime sets the time of the initial refresh done by New.
func WithReferenceTime(t time.Time) Option {
	return func(g *Graph) { g.referenceTime = t }
}

// WithWorkers bounds the goroutines used by the visibility scan.
// Values below 1 mean runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(g *Graph) { g.workers = n }
}

// satPair is an undirected satellite pair, a < b.
type satPair struct{ a, b int }

// roleLink is a declared neighbor of a satellite: the neighbor's node index
// and the pair whose distance gives its delay.
type roleLink struct {
	to   int
	pair int
}

// Graph is the topology. The node set and static links are fixed by New;
// Refresh replaces the per-tick state wholesale. Readers may call accessors
// concurrently with Refresh, but Refresh itself must not run concurrently
// with another Refresh.
type Graph struct {
	nodes      []Node
	index      map[string]int
	satCount   int
	facilities []Facility

	pairs     []satPair
	roleLinks [][len(Roles)]*roleLink // by satellite index

	provider      ephemeris.Provider
	minElevation  float64
	referenceTime time.Time
	workers       int
	logger        *slog.Logger

	state atomic.Pointer[state]
}

// state is one tick's result. Never mutated after it is published.
type state struct {
	time       time.Time
	matrix     [][]float64
	list       [][]int
	satellites []SatelliteNeighbors
	facilities []FacilityNeighbors
}

// RefreshReport summarizes one Refresh.
type RefreshReport struct {
	Time     time.Time
	Elapsed  time.Duration
	Gaps     []*VisibilityGapError // facilities with no visible satellite, in facility order
	Failures int                   // provider errors; the affected links are absent this tick
}

// New validates the static input, fixes node order (satellites, then
// facilities, each in input order) and computes the initial state at the
// reference time. Invalid input returns a *ConfigurationError.
func New(ctx context.Context, satellites []string, facilities []Facility, links []StaticLink, provider ephemeris.Provider, logger *slog.Logger, opts ...Option) (*Graph, error) {
	g := &Graph{
		index:         make(map[string]int, len(satellites)+len(facilities)),
		satCount:      len(satellites),
		facilities:    append([]Facility(nil), facilities...),
		provider:      provider,
		referenceTime: DefaultReferenceTime,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.workers < 1 {
		g.workers = runtime.NumCPU()
	}

	for _, name := range satellites {
		if err := g.addNode(name, KindSatellite); err != nil {
			return nil, err
		}
	}
	for _, f := range facilities {
		if err := g.addNode(f.Name, KindFacility); err != nil {
			return nil, err
		}
	}
	if err := g.installLinks(links); err != nil {
		return nil, err
	}

	report, err := g.Refresh(ctx, g.referenceTime)
	if err != nil {
		return nil, err
	}
	logger.Info("topology initialized",
		"satellites", g.satCount,
		"facilities", len(g.facilities),
		"isl_pairs", len(g.pairs),
		"reference_time", g.referenceTime,
		"visibility_gaps", len(report.Gaps),
	)
	return g, nil
}

func (g *Graph) addNode(name string, kind Kind) error {
	if name == "" {
		return configErrorf("", 0, "empty %s name", kind)
	}
	if i, ok := g.index[name]; ok {
		if g.nodes[i].Kind != kind {
			return configErrorf("", 0, "name %q is both a satellite and a facility", name)
		}
		return configErrorf("", 0, "duplicate %s name %q", kind, name)
	}
	g.index[name] = len(g.nodes)
	g.nodes = append(g.nodes, Node{Name: name, Kind: kind})
	return nil
}

func (g *Graph) installLinks(links []StaticLink) error {
	g.roleLinks = make([][len(Roles)]*roleLink, g.satCount)
	pairIndex := make(map[satPair]int)

	for _, l := range links {
		from, err := g.satelliteIndex(l.From, l)
		if err != nil {
			return err
		}
		to, err := g.satelliteIndex(l.To, l)
		if err != nil {
			return err
		}
		if from == to {
			return configErrorf(l.Source, l.Line, "satellite %s links to itself", l.From)
		}
		if g.roleLinks[from][l.Role] != nil {
			return configErrorf(l.Source, l.Line, "satellite %s declares %s twice", l.From, l.Role)
		}

		p := satPair{a: min(from, to), b: max(from, to)}
		pi, ok := pairIndex[p]
		if !ok {
			pi = len(g.pairs)
			pairIndex[p] = pi
			g.pairs = append(g.pairs, p)
		}
		g.roleLinks[from][l.Role] = &roleLink{to: to, pair: pi}
	}
	return nil
}

func (g *Graph) satelliteIndex(name string, l StaticLink) (int, error) {
	i, ok := g.index[name]
	if !ok {
		return 0, configErrorf(l.Source, l.Line, "link references unknown node %q", name)
	}
	if g.nodes[i].Kind != KindSatellite {
		return 0, configErrorf(l.Source, l.Line, "link references facility %q; static links join satellites only", name)
	}
	return i, nil
}

// access is the outcome of one facility's visibility scan.
type access struct {
	sat      int // -1 when no satellite is visible
	distKm   float64
	failures int
}

// Refresh recomputes every link delay at t and publishes a new state.
// Provider failures and visibility gaps degrade the affected links only and
// are reported; the returned error is non-nil only when ctx is cancelled, in
// which case the previous state is kept.
func (g *Graph) Refresh(ctx context.Context, t time.Time) (RefreshReport, error) {
	start := time.Now()
	report := RefreshReport{Time: t}
	n := len(g.nodes)

	s := &state{
		time:       t,
		matrix:     newMatrix(n),
		satellites: make([]SatelliteNeighbors, g.satCount),
		facilities: make([]FacilityNeighbors, len(g.facilities)),
	}

	// One distance per undirected pair.
	delays := make([]float64, len(g.pairs))
	for i, p := range g.pairs {
		km, err := g.provider.Distance(g.nodes[p.a].Name, g.nodes[p.b].Name, t)
		if err != nil {
			report.Failures++
			delays[i] = math.Inf(1)
			g.logger.Warn("isl distance failed",
				"a", g.nodes[p.a].Name,
				"b", g.nodes[p.b].Name,
				"error", err,
			)
			continue
		}
		d := PropagationDelayMs(km)
		delays[i] = d
		s.matrix[p.a][p.b] = d
		s.matrix[p.b][p.a] = d
	}
	for sat, links := range g.roleLinks {
		for role, rl := range links {
			if rl == nil || math.IsInf(delays[rl.pair], 1) {
				continue
			}
			s.satellites[sat].setRole(Role(role), &LinkInfo{Name: g.nodes[rl.to].Name, DelayMs: delays[rl.pair]})
		}
	}

	results, err := g.scanVisibility(ctx, t)
	if err != nil {
		return RefreshReport{}, err
	}

	// Applied in facility order so AccessedFacilities is deterministic.
	for f, res := range results {
		report.Failures += res.failures
		name := g.facilities[f].Name
		if res.sat < 0 {
			gap := &VisibilityGapError{Facility: name, Time: t}
			report.Gaps = append(report.Gaps, gap)
			g.logger.Warn("facility disconnected", "facility", name, "error", gap)
			continue
		}
		fi := g.satCount + f
		d := PropagationDelayMs(res.distKm)
		s.matrix[fi][res.sat] = d
		s.matrix[res.sat][fi] = d
		s.facilities[f].ServingSatellite = &LinkInfo{Name: g.nodes[res.sat].Name, DelayMs: d}
		s.satellites[res.sat].AccessedFacilities = append(s.satellites[res.sat].AccessedFacilities, LinkInfo{Name: name, DelayMs: d})
	}

	s.list = adjacencyList(s.matrix)
	g.state.Store(s)

	report.Elapsed = time.Since(start)
	g.logger.Debug("topology refreshed",
		"time", t,
		"duration_ms", report.Elapsed.Milliseconds(),
		"gaps", len(report.Gaps),
		"failures", report.Failures,
	)
	return report, nil
}

// scanVisibility finds the serving satellite of every facility. Each facility
// is scanned in its own goroutine, bounded by a semaphore.
func (g *Graph) scanVisibility(ctx context.Context, t time.Time) ([]access, error) {
	results := make([]access, len(g.facilities))
	sem := make(chan struct{}, g.workers)
	var wg sync.WaitGroup

	for i := range g.facilities {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			results[idx] = g.nearestSatellite(g.facilities[idx].Point, t)
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// nearestSatellite scans satellites in node order and keeps the closest one
// at or above the minimum elevation. Ties keep the first encountered.
func (g *Graph) nearestSatellite(p ephemeris.GroundPoint, t time.Time) access {
	best := access{sat: -1, distKm: math.Inf(1)}
	for sat := 0; sat < g.satCount; sat++ {
		name := g.nodes[sat].Name
		el, err := g.provider.Elevation(p, name, t)
		if err != nil {
			best.failures++
			continue
		}
		if el < g.minElevation {
			continue
		}
		km, err := g.provider.GroundDistance(p, name, t)
		if err != nil {
			best.failures++
			continue
		}
		if km < best.distKm {
			best.sat = sat
			best.distKm = km
		}
	}
	return best
}

func newMatrix(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		for j := range m[i] {
			if i != j {
				m[i][j] = math.Inf(1)
			}
		}
	}
	return m
}

// adjacencyList derives neighbor indices from finite off-diagonal entries.
// A zero weight (co-located endpoints) is still a link.
func adjacencyList(m [][]float64) [][]int {
	list := make([][]int, len(m))
	for i, row := range m {
		list[i] = []int{}
		for j, w := range row {
			if i != j && !math.IsInf(w, 1) {
				list[i] = append(list[i], j)
			}
		}
	}
	return list
}

// Nodes returns the node list in index order.
func (g *Graph) Nodes() []Node {
	return append([]Node(nil), g.nodes...)
}

// Names returns node names in index order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		names[i] = n.Name
	}
	return names
}

// Index returns the matrix index of a node.
func (g *Graph) Index(name string) (int, bool) {
	i, ok := g.index[name]
	return i, ok
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// SatelliteCount returns the number of satellites; they occupy indexes
// [0, SatelliteCount).
func (g *Graph) SatelliteCount() int { return g.satCount }

// Time returns the timestamp of the current state.
func (g *Graph) Time() time.Time { return g.state.Load().time }

// Matrix returns a copy of the current adjacency matrix.
func (g *Graph) Matrix() [][]float64 {
	src := g.state.Load().matrix
	m := make([][]float64, len(src))
	for i, row := range src {
		m[i] = append([]float64(nil), row...)
	}
	return m
}

// List returns a copy of the current adjacency list.
func (g *Graph) List() [][]int {
	src := g.state.Load().list
	l := make([][]int, len(src))
	for i, row := range src {
		l[i] = append([]int{}, row...)
	}
	return l
}

// NeighborSnapshot returns every node's current neighbor descriptor.
// The result is independent of later refreshes.
func (g *Graph) NeighborSnapshot() NeighborSnapshot {
	s := g.state.Load()
	snap := make(NeighborSnapshot, len(g.nodes))
	for i, n := range s.satellites {
		snap[g.nodes[i].Name] = n.clone()
	}
	for i, n := range s.facilities {
		snap[g.facilities[i].Name] = FacilityNeighbors{ServingSatellite: cloneLink(n.ServingSatellite)}
	}
	return snap
}
