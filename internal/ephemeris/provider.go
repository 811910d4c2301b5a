package ephemeris

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/tle"
)

// ErrUnknownSatellite is returned for a satellite name the provider does not hold.
var ErrUnknownSatellite = errors.New("unknown satellite")

// Provider answers geometric questions about satellites at a point in time.
// Distances are in kilometers and elevations in degrees.
type Provider interface {
	Position(sat string, t time.Time) (Vector, error)
	Distance(a, b string, t time.Time) (float64, error)
	Elevation(p GroundPoint, sat string, t time.Time) (float64, error)
	GroundDistance(p GroundPoint, sat string, t time.Time) (float64, error)
}

// positionTTL bounds how long a propagated position is reused. Within one
// refresh the same position is asked for many times (every ISL endpoint and
// every facility scan).
const positionTTL = 2 * time.Minute

type positionKey struct {
	sat  string
	unix int64
}

// SGP4Provider is a Provider backed by one SGP4 propagator per satellite.
// Safe for concurrent use.
type SGP4Provider struct {
	props     map[string]*SGP4Propagator
	positions *ttlcache.Cache[positionKey, Vector]
	logger    *slog.Logger
}

// NewSGP4Provider builds propagators for every entry. Satellites are keyed by
// name; duplicate names and invalid element sets are errors.
func NewSGP4Provider(entries []tle.TLEEntry, logger *slog.Logger) (*SGP4Provider, error) {
	props := make(map[string]*SGP4Propagator, len(entries))
	for _, e := range entries {
		if _, ok := props[e.Name]; ok {
			return nil, fmt.Errorf("duplicate satellite name %q", e.Name)
		}
		p, err := NewSGP4Propagator(e.Name, e.Line1, e.Line2)
		if err != nil {
			return nil, err
		}
		props[e.Name] = p
	}

	// Room for a few ticks' worth of positions.
	capacity := uint64(4*len(entries) + 16)
	positions := ttlcache.New[positionKey, Vector](
		ttlcache.WithTTL[positionKey, Vector](positionTTL),
		ttlcache.WithCapacity[positionKey, Vector](capacity),
		ttlcache.WithDisableTouchOnHit[positionKey, Vector](),
	)

	logger.Info("sgp4 propagators initialized", "satellites", len(props))
	return &SGP4Provider{
		props:     props,
		positions: positions,
		logger:    logger,
	}, nil
}

// Position returns the ECEF position of sat at t, in km.
func (p *SGP4Provider) Position(sat string, t time.Time) (Vector, error) {
	key := positionKey{sat: sat, unix: t.Unix()}
	if item := p.positions.Get(key); item != nil {
		return item.Value(), nil
	}

	prop, ok := p.props[sat]
	if !ok {
		return Vector{}, fmt.Errorf("%w: %s", ErrUnknownSatellite, sat)
	}
	pos, err := prop.PropagateECEF(t)
	if err != nil {
		return Vector{}, err
	}
	p.positions.Set(key, pos, ttlcache.DefaultTTL)
	return pos, nil
}

// Distance returns the straight-line distance between two satellites.
func (p *SGP4Provider) Distance(a, b string, t time.Time) (float64, error) {
	pa, err := p.Position(a, t)
	if err != nil {
		return 0, err
	}
	pb, err := p.Position(b, t)
	if err != nil {
		return 0, err
	}
	return pb.Sub(pa).Norm(), nil
}

// Elevation returns the elevation of sat above the local horizon at gp.
func (p *SGP4Provider) Elevation(gp GroundPoint, sat string, t time.Time) (float64, error) {
	la, err := p.look(gp, sat, t)
	if err != nil {
		return 0, err
	}
	return la.ElevationDeg, nil
}

// GroundDistance returns the slant range from gp to sat.
func (p *SGP4Provider) GroundDistance(gp GroundPoint, sat string, t time.Time) (float64, error) {
	la, err := p.look(gp, sat, t)
	if err != nil {
		return 0, err
	}
	return la.RangeKm, nil
}

func (p *SGP4Provider) look(gp GroundPoint, sat string, t time.Time) (LookAngles, error) {
	pos, err := p.Position(sat, t)
	if err != nil {
		return LookAngles{}, err
	}
	return NewSite(gp).Look(pos), nil
}
