package geofence

import (
	"sync"
	"time"

	"fleettrack/internal/domain"
	"fleettrack/internal/geo"
)

// Contains tests whether a point lies inside a geofence
func Contains(f domain.Geofence, p geo.Point) bool {
	switch f.Kind {
	case domain.GeofenceCircle:
		return geo.DistanceKm(p, f.Center) <= f.RadiusKm
	case domain.GeofencePolygon:
		return geo.PointInPolygon(p, f.Polygon)
	default:
		return false
	}
}

// Evaluator tracks per-(job, geofence) membership so that ENTER and EXIT
// fire exactly once per boundary crossing, no matter how many samples arrive
// while the device stays on one side.
type Evaluator struct {
	mu     sync.Mutex
	inside map[string]map[string]bool
}

func New() *Evaluator {
	return &Evaluator{inside: make(map[string]map[string]bool)}
}

// Evaluate tests a sample position against the active geofence set and
// returns the transitions it caused.
func (e *Evaluator) Evaluate(jobID string, fences []domain.Geofence, p geo.Point, at time.Time) []domain.GeofenceTransition {
	e.mu.Lock()
	defer e.mu.Unlock()

	flags := e.inside[jobID]
	if flags == nil {
		flags = make(map[string]bool)
		e.inside[jobID] = flags
	}

	var transitions []domain.GeofenceTransition
	for _, f := range fences {
		if !f.Active {
			continue
		}
		now := Contains(f, p)
		was := flags[f.ID]
		if now == was {
			continue
		}
		flags[f.ID] = now

		kind := domain.GeofenceEnter
		if !now {
			kind = domain.GeofenceExit
		}
		transitions = append(transitions, domain.GeofenceTransition{
			JobID:      jobID,
			GeofenceID: f.ID,
			Name:       f.Name,
			Transition: kind,
			Lat:        p.Lat,
			Lng:        p.Lng,
			RecordedAt: at,
		})
	}
	return transitions
}

// Forget drops all membership flags for a job, on eviction
func (e *Evaluator) Forget(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inside, jobID)
}
