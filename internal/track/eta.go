package track

import "math"

// A position this close to a waypoint counts as "at" it for the purpose of
// deciding whether a zero average speed means stopped or not yet started.
const atWaypointEpsilonKm = 0.05

// ETA is a remaining-time estimate with a confidence score. Minutes is nil
// when the estimate would be meaningless (zero average speed away from any
// waypoint: stopped and not-yet-started are indistinguishable).
type ETA struct {
	Minutes    *float64
	Confidence float64
}

// EstimateETA derives the remaining travel time from route progress and the
// session average speed. Confidence starts at 1.0 and is halved for a stale
// state and again for fewer than 3 samples.
func EstimateETA(p Progress, snap Snapshot, minSpeedFloorKmh float64) ETA {
	confidence := 1.0
	if snap.IsStale {
		confidence /= 2
	}
	if snap.SampleCount < 3 {
		confidence /= 2
	}

	remaining := p.TotalKm - p.TraveledKm
	if remaining < 0 {
		remaining = 0
	}

	avg := snap.AvgSpeedKmh()
	if avg == 0 {
		if p.NearestWaypointKm <= atWaypointEpsilonKm {
			zero := 0.0
			return ETA{Minutes: &zero, Confidence: confidence}
		}
		return ETA{Confidence: confidence}
	}

	minutes := remaining / math.Max(avg, minSpeedFloorKmh) * 60
	return ETA{Minutes: &minutes, Confidence: confidence}
}
