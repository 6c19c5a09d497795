package domain

import "fleettrack/internal/geo"

// GeofenceKind distinguishes circular from polygonal regions
type GeofenceKind string

const (
	GeofenceCircle  GeofenceKind = "circle"
	GeofencePolygon GeofenceKind = "polygon"
)

// Geofence is a named region belonging to a company, used to auto-detect
// arrivals and departures.
type Geofence struct {
	ID        string       `json:"id"`
	CompanyID string       `json:"companyId"`
	Name      string       `json:"name"`
	Kind      GeofenceKind `json:"kind"`
	Center    geo.Point    `json:"center"`
	RadiusKm  float64      `json:"radiusKm,omitempty"`
	Polygon   []geo.Point  `json:"polygon,omitempty"`
	Active    bool         `json:"active"`
}
