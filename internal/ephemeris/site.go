package ephemeris

import "math"

// WGS-84 ellipsoid parameters.
const (
	wgs84A  = 6378.137              // semi-major axis (km)
	wgs84F  = 1.0 / 298.257223563   // flattening
	wgs84E2 = wgs84F * (2 - wgs84F) // first eccentricity squared
)

// GroundPoint is a geodetic location: degrees, and meters above the ellipsoid.
type GroundPoint struct {
	LatDeg float64 `json:"latitude" yaml:"latitude"`
	LonDeg float64 `json:"longitude" yaml:"longitude"`
	AltM   float64 `json:"altitude,omitempty" yaml:"altitude,omitempty"`
}

// Site is a ground point with its ECEF position and topocentric rotation
// terms precomputed, so it can be reused across many satellite lookups.
type Site struct {
	Point                          GroundPoint
	ECEF                           Vector // km
	sinLat, cosLat, sinLon, cosLon float64
}

// LookAngles holds azimuth, elevation, and range from a site to a satellite.
type LookAngles struct {
	AzimuthDeg   float64 // 0 = North, clockwise
	ElevationDeg float64 // 0 = horizon, 90 = zenith
	RangeKm      float64
}

// NewSite precomputes the ECEF position of a ground point.
func NewSite(p GroundPoint) Site {
	lat := p.LatDeg * math.Pi / 180.0
	lon := p.LonDeg * math.Pi / 180.0
	altKm := p.AltM / 1000.0

	s := Site{
		Point:  p,
		sinLat: math.Sin(lat),
		cosLat: math.Cos(lat),
		sinLon: math.Sin(lon),
		cosLon: math.Cos(lon),
	}

	// Radius of curvature in the prime vertical.
	n := wgs84A / math.Sqrt(1-wgs84E2*s.sinLat*s.sinLat)

	s.ECEF = Vector{
		X: (n + altKm) * s.cosLat * s.cosLon,
		Y: (n + altKm) * s.cosLat * s.sinLon,
		Z: (n*(1-wgs84E2) + altKm) * s.sinLat,
	}
	return s
}

// Look computes azimuth, elevation and range to an ECEF position in km, using
// the SEZ (South-East-Zenith) rotation from Vallado Section 4.4.
func (s Site) Look(sat Vector) LookAngles {
	r := sat.Sub(s.ECEF)

	south := s.sinLat*s.cosLon*r.X + s.sinLat*s.sinLon*r.Y - s.cosLat*r.Z
	east := -s.sinLon*r.X + s.cosLon*r.Y
	zenith := s.cosLat*s.cosLon*r.X + s.cosLat*s.sinLon*r.Y + s.sinLat*r.Z

	rng := math.Sqrt(south*south + east*east + zenith*zenith)
	if rng == 0 {
		return LookAngles{ElevationDeg: 90}
	}

	el := math.Asin(zenith / rng)

	// North is -South in SEZ.
	az := math.Atan2(east, -south)
	if az < 0 {
		az += 2 * math.Pi
	}

	return LookAngles{
		AzimuthDeg:   az * 180.0 / math.Pi,
		ElevationDeg: el * 180.0 / math.Pi,
		RangeKm:      rng,
	}
}
