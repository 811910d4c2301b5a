package ephemeris

import (
	"fmt"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// SGP4Propagator wraps github.com/joshuaferrara/go-satellite for one satellite.
//
// go-satellite's Propagate takes the Satellite by value, so SGP4 error codes
// are not visible to the caller. Failures are detected by checking the output
// for NaN/Inf and implausible radii instead.
type SGP4Propagator struct {
	sat  satellite.Satellite
	name string
}

// NewSGP4Propagator creates an SGP4 propagator from TLE lines.
//
// The lines are validated first because go-satellite calls log.Fatal on
// malformed input.
func NewSGP4Propagator(name, line1, line2 string) (*SGP4Propagator, error) {
	if err := validateTLELines(line1, line2); err != nil {
		return nil, fmt.Errorf("invalid TLE for %s: %w", name, err)
	}

	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return nil, fmt.Errorf("sgp4 init failed for %s: code=%d %s", name, sat.Error, sat.ErrorStr)
	}
	return &SGP4Propagator{sat: sat, name: name}, nil
}

func validateTLELines(line1, line2 string) error {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)

	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if line1[0] != '1' {
		return fmt.Errorf("line1 must start with '1', got '%c'", line1[0])
	}
	if line2[0] != '2' {
		return fmt.Errorf("line2 must start with '2', got '%c'", line2[0])
	}
	return nil
}

// PropagateTEME returns the TEME position in km at t. go-satellite works in
// whole seconds, so t is truncated to the second.
func (p *SGP4Propagator) PropagateTEME(t time.Time) (Vector, error) {
	t = t.UTC()
	pos, _ := satellite.Propagate(p.sat, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())

	v := Vector{X: pos.X, Y: pos.Y, Z: pos.Z}
	if !plausibleOrbit(v) {
		return Vector{}, fmt.Errorf("sgp4 propagation failed for %s: implausible position [%.1f %.1f %.1f] km", p.name, v.X, v.Y, v.Z)
	}
	return v, nil
}

// PropagateECEF returns the ECEF position in km at t.
func (p *SGP4Propagator) PropagateECEF(t time.Time) (Vector, error) {
	teme, err := p.PropagateTEME(t)
	if err != nil {
		return Vector{}, err
	}
	return TEMEToECEF(teme, GMST(t.Truncate(time.Second))), nil
}
