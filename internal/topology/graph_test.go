package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/ephemeris"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sighting struct {
	el, km float64
}

// fakeProvider places satellites at fixed points and answers ground queries
// from a per-facility table. Unlisted ground queries are below the horizon.
type fakeProvider struct {
	mu        sync.RWMutex
	positions map[string]ephemeris.Vector
	ground    map[ephemeris.GroundPoint]map[string]sighting
	broken    map[string]bool

	distanceCalls atomic.Int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		positions: map[string]ephemeris.Vector{},
		ground:    map[ephemeris.GroundPoint]map[string]sighting{},
		broken:    map[string]bool{},
	}
}

func (f *fakeProvider) see(p ephemeris.GroundPoint, sat string, el, km float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ground[p] == nil {
		f.ground[p] = map[string]sighting{}
	}
	f.ground[p][sat] = sighting{el: el, km: km}
}

func (f *fakeProvider) clearGround() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ground = map[ephemeris.GroundPoint]map[string]sighting{}
}

func (f *fakeProvider) Position(sat string, _ time.Time) (ephemeris.Vector, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.broken[sat] {
		return ephemeris.Vector{}, fmt.Errorf("propagation failed for %s", sat)
	}
	v, ok := f.positions[sat]
	if !ok {
		return ephemeris.Vector{}, ephemeris.ErrUnknownSatellite
	}
	return v, nil
}

func (f *fakeProvider) Distance(a, b string, t time.Time) (float64, error) {
	f.distanceCalls.Add(1)
	pa, err := f.Position(a, t)
	if err != nil {
		return 0, err
	}
	pb, err := f.Position(b, t)
	if err != nil {
		return 0, err
	}
	return pb.Sub(pa).Norm(), nil
}

func (f *fakeProvider) lookup(p ephemeris.GroundPoint, sat string) (sighting, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.broken[sat] {
		return sighting{}, fmt.Errorf("propagation failed for %s", sat)
	}
	s, ok := f.ground[p][sat]
	if !ok {
		return sighting{el: -45, km: 10000}, nil
	}
	return s, nil
}

func (f *fakeProvider) Elevation(p ephemeris.GroundPoint, sat string, _ time.Time) (float64, error) {
	s, err := f.lookup(p, sat)
	return s.el, err
}

func (f *fakeProvider) GroundDistance(p ephemeris.GroundPoint, sat string, _ time.Time) (float64, error) {
	s, err := f.lookup(p, sat)
	return s.km, err
}

var (
	beijing  = Facility{Name: "beijing", Point: ephemeris.GroundPoint{LatDeg: 39.9, LonDeg: 116.4}}
	shanghai = Facility{Name: "shanghai", Point: ephemeris.GroundPoint{LatDeg: 31.2, LonDeg: 121.5}}
)

// ringFixture is four satellites in a line along X, 1000 km apart, linked
// s0-s1-s2-s3, with both facilities served by s0.
func ringFixture(t *testing.T) (*fakeProvider, []string, []Facility, []StaticLink) {
	t.Helper()
	p := newFakeProvider()
	sats := []string{"s0", "s1", "s2", "s3"}
	for i, s := range sats {
		p.positions[s] = ephemeris.Vector{X: float64(i) * 1000}
	}
	p.see(beijing.Point, "s0", 40, 800)
	p.see(shanghai.Point, "s0", 20, 1200)

	links := []StaticLink{
		{From: "s0", Role: RoleRight, To: "s1", Line: 1},
		{From: "s1", Role: RoleLeft, To: "s0", Line: 2},
		{From: "s1", Role: RoleRight, To: "s2", Line: 3},
		{From: "s2", Role: RoleRight, To: "s3", Line: 4},
		{From: "s3", Role: RoleUp, To: "s2", Line: 5}, // not Left: roles need not mirror
	}
	return p, sats, []Facility{beijing, shanghai}, links
}

func newRing(t *testing.T, opts ...Option) (*Graph, *fakeProvider) {
	t.Helper()
	p, sats, facs, links := ringFixture(t)
	g, err := New(context.Background(), sats, facs, links, p, testLogger(), opts...)
	require.NoError(t, err)
	return g, p
}

func TestNodeOrder(t *testing.T) {
	g, _ := newRing(t)

	assert.Equal(t, []string{"s0", "s1", "s2", "s3", "beijing", "shanghai"}, g.Names())
	assert.Equal(t, 4, g.SatelliteCount())
	assert.Equal(t, 6, g.NodeCount())

	i, ok := g.Index("beijing")
	require.True(t, ok)
	assert.Equal(t, 4, i)
	assert.Equal(t, KindFacility, g.Nodes()[i].Kind)

	_, ok = g.Index("nope")
	assert.False(t, ok)
	assert.Equal(t, DefaultReferenceTime, g.Time())
}

func TestMatrixInvariants(t *testing.T) {
	g, _ := newRing(t)
	m := g.Matrix()

	for i := range m {
		assert.Zero(t, m[i][i], "diagonal [%d]", i)
		for j := range m {
			assert.Equal(t, m[i][j], m[j][i], "symmetry [%d][%d]", i, j)
		}
	}

	oneThousandKm := PropagationDelayMs(1000)
	assert.InDelta(t, oneThousandKm, m[0][1], 1e-12)
	assert.InDelta(t, oneThousandKm, m[2][3], 1e-12)
	assert.True(t, math.IsInf(m[0][2], 1), "no direct s0-s2 link")
	assert.True(t, math.IsInf(m[1][3], 1), "no direct s1-s3 link")

	// Facilities attach to s0 only.
	assert.InDelta(t, PropagationDelayMs(800), m[4][0], 1e-12)
	assert.InDelta(t, PropagationDelayMs(1200), m[5][0], 1e-12)
	assert.True(t, math.IsInf(m[4][1], 1))
	assert.True(t, math.IsInf(m[4][5], 1), "facilities never link directly")
}

func TestListDerivedFromMatrix(t *testing.T) {
	g, _ := newRing(t)
	m := g.Matrix()
	list := g.List()

	for i, row := range m {
		var want []int
		for j, w := range row {
			if i != j && !math.IsInf(w, 1) {
				want = append(want, j)
			}
		}
		assert.ElementsMatch(t, want, list[i], "row %d", i)
	}
	assert.Equal(t, []int{1, 4, 5}, list[0])
}

func TestCoLocatedSatellitesStayLinked(t *testing.T) {
	g, p := newRing(t)
	p.mu.Lock()
	p.positions["s1"] = p.positions["s0"]
	p.mu.Unlock()

	_, err := g.Refresh(context.Background(), DefaultReferenceTime.Add(time.Minute))
	require.NoError(t, err)

	m := g.Matrix()
	assert.Equal(t, 0.0, m[0][1])
	assert.Contains(t, g.List()[0], 1, "zero-delay ISL is still a link")
	assert.Contains(t, g.List()[1], 0)

	sn, ok := g.NeighborSnapshot()["s0"].(SatelliteNeighbors)
	require.True(t, ok)
	require.NotNil(t, sn.Right)
	assert.Equal(t, "s1", sn.Right.Name)
	assert.Equal(t, 0.0, sn.Right.DelayMs)
}

func TestDistanceComputedOncePerPair(t *testing.T) {
	g, p := newRing(t)
	p.distanceCalls.Store(0)

	_, err := g.Refresh(context.Background(), DefaultReferenceTime.Add(time.Minute))
	require.NoError(t, err)
	// s0-s1 is declared from both ends but is one pair.
	assert.Equal(t, int64(3), p.distanceCalls.Load())
}

func TestMatrixIsCopy(t *testing.T) {
	g, _ := newRing(t)
	m := g.Matrix()
	m[0][1] = -1
	l := g.List()
	l[0][0] = 99

	assert.NotEqual(t, -1.0, g.Matrix()[0][1])
	assert.Equal(t, 1, g.List()[0][0])
}

func TestNeighborSnapshot(t *testing.T) {
	g, _ := newRing(t)
	snap := g.NeighborSnapshot()
	require.Len(t, snap, 6)

	s1, ok := snap["s1"].(SatelliteNeighbors)
	require.True(t, ok)
	require.NotNil(t, s1.Left)
	require.NotNil(t, s1.Right)
	assert.Equal(t, "s0", s1.Left.Name)
	assert.Equal(t, "s2", s1.Right.Name)
	assert.Nil(t, s1.Up)
	assert.Nil(t, s1.Down)
	assert.Empty(t, s1.AccessedFacilities)

	s3 := snap["s3"].(SatelliteNeighbors)
	require.NotNil(t, s3.Up)
	assert.Equal(t, "s2", s3.Up.Name)
	assert.Same(t, s3.Up, s3.Role(RoleUp))

	// s2 never declared s3; the matrix edge exists but s2 has no role for it.
	s2 := snap["s2"].(SatelliteNeighbors)
	assert.Nil(t, s2.Left)
	require.NotNil(t, s2.Right)

	s0 := snap["s0"].(SatelliteNeighbors)
	assert.Equal(t, []LinkInfo{
		{Name: "beijing", DelayMs: PropagationDelayMs(800)},
		{Name: "shanghai", DelayMs: PropagationDelayMs(1200)},
	}, s0.AccessedFacilities)

	bj, ok := snap["beijing"].(FacilityNeighbors)
	require.True(t, ok)
	require.NotNil(t, bj.ServingSatellite)
	assert.Equal(t, "s0", bj.ServingSatellite.Name)
	assert.Equal(t, KindFacility, bj.Kind())
}

func TestNeighborSnapshotIndependentOfRefresh(t *testing.T) {
	g, p := newRing(t)
	before := g.NeighborSnapshot()

	p.clearGround()
	p.see(beijing.Point, "s2", 30, 500)
	_, err := g.Refresh(context.Background(), DefaultReferenceTime.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, "s0", before["beijing"].(FacilityNeighbors).ServingSatellite.Name)
}

func TestServingSatelliteSwitch(t *testing.T) {
	g, p := newRing(t)
	require.Equal(t, "s0", g.NeighborSnapshot()["beijing"].(FacilityNeighbors).ServingSatellite.Name)

	p.clearGround()
	p.see(beijing.Point, "s0", 2, 2400)
	p.see(beijing.Point, "s2", 35, 900)
	p.see(shanghai.Point, "s0", 25, 1100)

	t2 := DefaultReferenceTime.Add(100 * time.Second)
	_, err := g.Refresh(context.Background(), t2)
	require.NoError(t, err)
	assert.Equal(t, t2, g.Time())

	snap := g.NeighborSnapshot()
	bj := snap["beijing"].(FacilityNeighbors)
	require.NotNil(t, bj.ServingSatellite)
	assert.Equal(t, "s2", bj.ServingSatellite.Name)

	s0 := snap["s0"].(SatelliteNeighbors)
	require.Len(t, s0.AccessedFacilities, 1)
	assert.Equal(t, "shanghai", s0.AccessedFacilities[0].Name)

	s2 := snap["s2"].(SatelliteNeighbors)
	require.Len(t, s2.AccessedFacilities, 1)
	assert.Equal(t, "beijing", s2.AccessedFacilities[0].Name)

	m := g.Matrix()
	assert.True(t, math.IsInf(m[4][0], 1), "old access link removed")
	assert.InDelta(t, PropagationDelayMs(900), m[4][2], 1e-12)
}

func TestVisibilityGap(t *testing.T) {
	g, p := newRing(t, WithMinElevation(10))

	p.clearGround()
	p.see(beijing.Point, "s1", 5, 700) // visible, but below the threshold
	p.see(shanghai.Point, "s1", 15, 900)

	at := DefaultReferenceTime.Add(time.Hour)
	report, err := g.Refresh(context.Background(), at)
	require.NoError(t, err)
	require.Len(t, report.Gaps, 1)
	assert.Equal(t, "beijing", report.Gaps[0].Facility)
	assert.Equal(t, at, report.Gaps[0].Time)

	var gap *VisibilityGapError
	assert.True(t, errors.As(error(report.Gaps[0]), &gap))

	snap := g.NeighborSnapshot()
	assert.Nil(t, snap["beijing"].(FacilityNeighbors).ServingSatellite)

	m := g.Matrix()
	for sat := 0; sat < g.SatelliteCount(); sat++ {
		assert.True(t, math.IsInf(m[4][sat], 1), "beijing-s%d", sat)
		assert.True(t, math.IsInf(m[sat][4], 1), "s%d-beijing", sat)
	}
	assert.Empty(t, g.List()[4])
}

func TestVisibilityThresholdInclusive(t *testing.T) {
	g, p := newRing(t, WithMinElevation(10))

	p.clearGround()
	p.see(beijing.Point, "s3", 10, 1500)
	report, err := g.Refresh(context.Background(), DefaultReferenceTime)
	require.NoError(t, err)

	assert.Equal(t, "s3", g.NeighborSnapshot()["beijing"].(FacilityNeighbors).ServingSatellite.Name)
	require.Len(t, report.Gaps, 1)
	assert.Equal(t, "shanghai", report.Gaps[0].Facility)
}

func TestNearestTieKeepsFirst(t *testing.T) {
	g, p := newRing(t)

	p.clearGround()
	p.see(beijing.Point, "s3", 30, 1000)
	p.see(beijing.Point, "s1", 30, 1000)
	_, err := g.Refresh(context.Background(), DefaultReferenceTime)
	require.NoError(t, err)

	assert.Equal(t, "s1", g.NeighborSnapshot()["beijing"].(FacilityNeighbors).ServingSatellite.Name)
}

// TestVisibilityMonotonicity checks that the serving satellite is the closest
// one at or above the threshold, across many facilities scanned in parallel.
func TestVisibilityMonotonicity(t *testing.T) {
	p := newFakeProvider()
	sats := make([]string, 12)
	for i := range sats {
		sats[i] = fmt.Sprintf("sat%02d", i)
		p.positions[sats[i]] = ephemeris.Vector{X: float64(i)}
	}

	var facs []Facility
	for f := 0; f < 20; f++ {
		pt := ephemeris.GroundPoint{LatDeg: float64(f), LonDeg: float64(f)}
		facs = append(facs, Facility{Name: fmt.Sprintf("fac%02d", f), Point: pt})
		for s := range sats {
			// Deterministic spread of elevations and ranges.
			el := float64((f*7+s*13)%60) - 15
			km := float64(500 + (f*31+s*17)%1500)
			p.see(pt, sats[s], el, km)
		}
	}

	g, err := New(context.Background(), sats, facs, nil, p, testLogger(), WithMinElevation(5), WithWorkers(3))
	require.NoError(t, err)

	snap := g.NeighborSnapshot()
	for _, f := range facs {
		serving := snap[f.Name].(FacilityNeighbors).ServingSatellite
		require.NotNil(t, serving, f.Name)
		chosen := p.ground[f.Point][serving.Name]
		assert.GreaterOrEqual(t, chosen.el, 5.0)
		for _, s := range sats {
			other := p.ground[f.Point][s]
			if other.el >= 5 {
				assert.GreaterOrEqual(t, other.km, chosen.km, "%s: %s is closer than %s", f.Name, s, serving.Name)
			}
		}
	}
}

func TestProviderFailureDegradesLink(t *testing.T) {
	g, p := newRing(t)

	p.mu.Lock()
	p.broken["s3"] = true
	p.mu.Unlock()

	report, err := g.Refresh(context.Background(), DefaultReferenceTime)
	require.NoError(t, err)
	// s2-s3 distance, plus one ground query per facility.
	assert.Equal(t, 3, report.Failures)

	m := g.Matrix()
	assert.True(t, math.IsInf(m[2][3], 1))
	assert.False(t, math.IsInf(m[1][2], 1))

	snap := g.NeighborSnapshot()
	assert.Nil(t, snap["s3"].(SatelliteNeighbors).Up)
	assert.Nil(t, snap["s2"].(SatelliteNeighbors).Right)
}

func TestRefreshCancelledKeepsState(t *testing.T) {
	g, _ := newRing(t)
	before := g.Matrix()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Refresh(ctx, DefaultReferenceTime.Add(time.Hour))
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, DefaultReferenceTime, g.Time())
	assert.Equal(t, before, g.Matrix())
}

func TestNewConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		sats  []string
		facs  []Facility
		links []StaticLink
		want  string
	}{
		{
			name: "duplicate satellite",
			sats: []string{"a", "a"},
			want: `duplicate satellite name "a"`,
		},
		{
			name: "duplicate facility",
			sats: []string{"a"},
			facs: []Facility{beijing, beijing},
			want: `duplicate facility name "beijing"`,
		},
		{
			name: "name overlap",
			sats: []string{"beijing"},
			facs: []Facility{beijing},
			want: "both a satellite and a facility",
		},
		{
			name:  "unknown node",
			sats:  []string{"a", "b"},
			links: []StaticLink{{From: "a", Role: RoleUp, To: "c", Source: "isls", Line: 3}},
			want:  `isls:3: link references unknown node "c"`,
		},
		{
			name:  "link to facility",
			sats:  []string{"a"},
			facs:  []Facility{beijing},
			links: []StaticLink{{From: "a", Role: RoleDown, To: "beijing", Line: 1}},
			want:  "static links join satellites only",
		},
		{
			name:  "self link",
			sats:  []string{"a"},
			links: []StaticLink{{From: "a", Role: RoleLeft, To: "a", Line: 1}},
			want:  "links to itself",
		},
		{
			name: "duplicate role",
			sats: []string{"a", "b", "c"},
			links: []StaticLink{
				{From: "a", Role: RoleUp, To: "b", Line: 1},
				{From: "a", Role: RoleUp, To: "c", Line: 2},
			},
			want: "declares up twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			for _, s := range tt.sats {
				p.positions[s] = ephemeris.Vector{}
			}
			_, err := New(context.Background(), tt.sats, tt.facs, tt.links, p, testLogger())
			require.Error(t, err)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNeighborSnapshotJSON(t *testing.T) {
	snap := NeighborSnapshot{
		"s0": SatelliteNeighbors{
			Up:                 &LinkInfo{Name: "s1", DelayMs: 2.5},
			AccessedFacilities: []LinkInfo{{Name: "beijing", DelayMs: 1.25}},
		},
		"beijing": FacilityNeighbors{ServingSatellite: &LinkInfo{Name: "s0", DelayMs: 1.25}},
		"shanghai": FacilityNeighbors{},
	}

	b, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"s0": {
			"up_neighbor_info": ["s1", 2.5],
			"down_neighbor_info": null,
			"left_neighbor_info": null,
			"right_neighbor_info": null,
			"ground_neighbor_info": [["beijing", 1.25]]
		},
		"beijing": {"sat_neighbor_info": ["s0", 1.25]},
		"shanghai": {"sat_neighbor_info": null}
	}`, string(b))

	var back LinkInfo
	require.NoError(t, json.Unmarshal([]byte(`["s9", 3.75]`), &back))
	assert.Equal(t, LinkInfo{Name: "s9", DelayMs: 3.75}, back)
}
