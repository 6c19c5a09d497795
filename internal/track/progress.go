package track

import (
	"math"

	"fleettrack/internal/domain"
	"fleettrack/internal/geo"
)

// A candidate segment is only accepted when the device's mean distance to
// its endpoints stays within this factor of the segment length. Guards
// against snapping to a distant segment when the fix is far off-route.
const offRouteToleranceFactor = 1.2

// Progress is the derived position of a job along its planned route
type Progress struct {
	Percent           float64
	NextWaypointID    string
	TotalKm           float64
	TraveledKm        float64
	NearestWaypointKm float64
	InsufficientRoute bool
}

// ComputeProgress projects a live position onto the job's waypoint polyline
// and returns the fraction of the planned distance already covered. With a
// nil position it falls back to the last completed waypoint.
func ComputeProgress(waypoints []domain.Waypoint, pos *geo.Point) Progress {
	p := Progress{NearestWaypointKm: math.Inf(1)}
	for i := range waypoints {
		if !waypoints[i].IsCompleted {
			p.NextWaypointID = waypoints[i].ID
			break
		}
	}

	// completed runs parallel to points so the fallback below indexes the
	// same filtered list cum is built over
	points := make([]geo.Point, 0, len(waypoints))
	completed := make([]bool, 0, len(waypoints))
	for _, w := range waypoints {
		if w.Point().Valid() {
			points = append(points, w.Point())
			completed = append(completed, w.IsCompleted)
		}
	}
	if len(points) < 2 {
		p.InsufficientRoute = true
		return p
	}

	cum := geo.CumulativeDistancesKm(points)
	total := cum[len(cum)-1]
	p.TotalKm = total
	if total == 0 {
		return p
	}

	if pos != nil {
		for _, pt := range points {
			if d := geo.DistanceKm(*pos, pt); d < p.NearestWaypointKm {
				p.NearestWaypointKm = d
			}
		}

		best := -1
		bestMean := math.Inf(1)
		for i := 0; i < len(points)-1; i++ {
			segLen := cum[i+1] - cum[i]
			mean := (geo.DistanceKm(*pos, points[i]) + geo.DistanceKm(*pos, points[i+1])) / 2
			if mean < bestMean && mean <= offRouteToleranceFactor*segLen {
				best = i
				bestMean = mean
			}
		}
		if best >= 0 {
			p.TraveledKm = cum[best] + geo.DistanceKm(points[best], *pos)
			p.Percent = clampPercent(p.TraveledKm / total * 100)
			return p
		}
	}

	// Fallback: position unavailable or rejected as off-route
	lastCompleted := -1
	for i, done := range completed {
		if done {
			lastCompleted = i
		}
	}
	if lastCompleted >= 0 {
		p.TraveledKm = cum[lastCompleted]
		p.Percent = clampPercent(p.TraveledKm / total * 100)
	}
	return p
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
