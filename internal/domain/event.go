package domain

import "time"

// EventType tags the closed set of payloads crossing the fan-out boundary
type EventType string

const (
	EventLocationUpdate  EventType = "location_update"
	EventProgressUpdate  EventType = "progress_update"
	EventJobStatusUpdate EventType = "job_status_update"
	EventGeofence        EventType = "geofence_event"
)

// EventPayload is implemented only by the variant types below, so
// subscribers can switch exhaustively on Event.Type.
type EventPayload interface {
	EventType() EventType
}

// Event is the envelope every subscriber receives
type Event struct {
	Type      EventType    `json:"type"`
	Data      EventPayload `json:"data"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewEvent wraps a payload in an envelope stamped with the current time
func NewEvent(p EventPayload) Event {
	return Event{Type: p.EventType(), Data: p, Timestamp: time.Now().UTC()}
}

// LocationUpdate is broadcast for every accepted sample
type LocationUpdate struct {
	JobID      string    `json:"jobId"`
	DriverID   string    `json:"driverId"`
	VehicleID  string    `json:"vehicleId,omitempty"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	SpeedKmh   float64   `json:"speedKmh"`
	Heading    float64   `json:"heading"`
	IsMoving   bool      `json:"isMoving"`
	IsStale    bool      `json:"isStale"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (LocationUpdate) EventType() EventType { return EventLocationUpdate }

// ProgressUpdate carries the derived route progress for a job. It is
// recomputed on every sample and never persisted.
type ProgressUpdate struct {
	JobID             string   `json:"jobId"`
	Percent           float64  `json:"percent"`
	NextWaypointID    string   `json:"nextWaypointId,omitempty"`
	EtaMinutes        *float64 `json:"etaMinutes,omitempty"`
	Confidence        float64  `json:"confidence"`
	InsufficientRoute bool     `json:"insufficientRoute,omitempty"`
}

func (ProgressUpdate) EventType() EventType { return EventProgressUpdate }

// JobStatusUpdate announces job lifecycle changes and waypoint check-ins
type JobStatusUpdate struct {
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	WaypointID  string     `json:"waypointId,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (JobStatusUpdate) EventType() EventType { return EventJobStatusUpdate }

// GeofenceTransitionKind is the direction of a geofence crossing
type GeofenceTransitionKind string

const (
	GeofenceEnter GeofenceTransitionKind = "ENTER"
	GeofenceExit  GeofenceTransitionKind = "EXIT"
)

// GeofenceTransition is emitted exactly once per boundary crossing
type GeofenceTransition struct {
	JobID      string                 `json:"jobId"`
	GeofenceID string                 `json:"geofenceId"`
	Name       string                 `json:"name"`
	Transition GeofenceTransitionKind `json:"transition"`
	Lat        float64                `json:"lat"`
	Lng        float64                `json:"lng"`
	RecordedAt time.Time              `json:"recordedAt"`
}

func (GeofenceTransition) EventType() EventType { return EventGeofence }
