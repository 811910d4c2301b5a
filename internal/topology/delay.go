package topology

// SpeedOfLight in vacuum, m/s.
const SpeedOfLight = 299792458.0

// PropagationDelayMs converts a line-of-sight distance in kilometers to a
// one-way propagation delay in milliseconds.
func PropagationDelayMs(distanceKm float64) float64 {
	return distanceKm * 1000 / SpeedOfLight * 1000
}
