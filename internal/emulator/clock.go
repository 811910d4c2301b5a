package emulator

import "time"

// Clock returns the time the topology is evaluated at.
type Clock func() time.Time

// WallClock is the current UTC time.
func WallClock() time.Time { return time.Now().UTC() }

// EmulatedClock runs from start at speed times real time, measured from the
// first call to now. A speed of 0 or less is treated as 1.
func EmulatedClock(start time.Time, speed float64, now func() time.Time) Clock {
	if speed <= 0 {
		speed = 1
	}
	var origin time.Time
	return func() time.Time {
		wall := now()
		if origin.IsZero() {
			origin = wall
		}
		elapsed := time.Duration(float64(wall.Sub(origin)) * speed)
		return start.Add(elapsed).UTC()
	}
}
