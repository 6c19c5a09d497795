package domain

import (
	"time"

	"fleettrack/internal/geo"
)

// JobStatus is the lifecycle state of a logistics job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusAssigned  JobStatus = "ASSIGNED"
	JobStatusInTransit JobStatus = "IN_TRANSIT"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the job can receive no further samples
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// WaypointKind distinguishes stops on a planned route
type WaypointKind string

const (
	WaypointPickup     WaypointKind = "PICKUP"
	WaypointDelivery   WaypointKind = "DELIVERY"
	WaypointCheckpoint WaypointKind = "CHECKPOINT"
)

// Waypoint is one ordered stop on a job's planned route. Immutable once
// created except for completion bookkeeping.
type Waypoint struct {
	ID          string       `json:"id"`
	JobID       string       `json:"jobId"`
	Sequence    int          `json:"sequence"`
	Kind        WaypointKind `json:"kind"`
	Lat         float64      `json:"lat"`
	Lng         float64      `json:"lng"`
	IsCompleted bool         `json:"isCompleted"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// Point returns the waypoint's coordinates
func (w Waypoint) Point() geo.Point {
	return geo.Point{Lat: w.Lat, Lng: w.Lng}
}

// Job is the read-only view of a job the tracking core consumes from the
// CRUD side: identity, assignment and the ordered waypoint polyline.
type Job struct {
	ID        string     `json:"id"`
	CompanyID string     `json:"companyId"`
	ClientID  string     `json:"clientId,omitempty"`
	DriverID  string     `json:"driverId"`
	VehicleID string     `json:"vehicleId,omitempty"`
	Status    JobStatus  `json:"status"`
	Waypoints []Waypoint `json:"waypoints"`
}

// NextWaypoint returns the first incomplete waypoint in sequence order
func (j *Job) NextWaypoint() *Waypoint {
	for i := range j.Waypoints {
		if !j.Waypoints[i].IsCompleted {
			return &j.Waypoints[i]
		}
	}
	return nil
}
