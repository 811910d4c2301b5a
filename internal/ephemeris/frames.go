// Package ephemeris computes where satellites are and how they look from the
// ground. SGP4 produces TEME positions; these are rotated into ECEF using GMST
// only (TEME → PEF ≈ ECEF), which ignores polar motion and the equation of the
// equinoxes. The resulting error is tens of meters, far below what matters for
// propagation delay.
package ephemeris

import "math"

// Vector is a Cartesian position in kilometers.
type Vector struct {
	X, Y, Z float64
}

// Sub returns v - o.
func (v Vector) Sub(o Vector) Vector {
	return Vector{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Norm returns the Euclidean length of v.
func (v Vector) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Finite reports whether every component is a finite number.
func (v Vector) Finite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// TEMEToECEF rotates a TEME position about Z by the GMST angle (radians).
// Units are preserved.
func TEMEToECEF(teme Vector, gmst float64) Vector {
	cosG := math.Cos(gmst)
	sinG := math.Sin(gmst)
	return Vector{
		X: teme.X*cosG + teme.Y*sinG,
		Y: -teme.X*sinG + teme.Y*cosG,
		Z: teme.Z,
	}
}

// plausibleOrbit reports whether an ECEF position in km lies between just
// below the Earth's surface and well beyond GEO.
func plausibleOrbit(v Vector) bool {
	if !v.Finite() {
		return false
	}
	r := v.Norm()
	return r >= 6200.0 && r <= 50000.0
}
