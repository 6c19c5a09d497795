package domain

import (
	"time"

	"fleettrack/internal/geo"
)

// HeadingUnknown marks a sample whose device did not report a heading
const HeadingUnknown = -1

// LocationSample is a single GPS fix submitted by a driver device.
// Samples are append-only: once persisted they are never mutated.
type LocationSample struct {
	ID           string    `json:"id,omitempty"`
	JobID        string    `json:"jobId" validate:"required"`
	DriverID     string    `json:"driverId" validate:"required"`
	VehicleID    string    `json:"vehicleId,omitempty"`
	Lat          float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lng          float64   `json:"lng" validate:"gte=-180,lte=180"`
	SpeedKmh     float64   `json:"speedKmh" validate:"gte=0"`
	Heading      float64   `json:"heading" validate:"gte=-1,lte=360"`
	AccuracyM    float64   `json:"accuracyM" validate:"gte=0"`
	RecordedAt   time.Time `json:"recordedAt" validate:"required"`
	BatteryLevel *float64  `json:"batteryLevel,omitempty" validate:"omitempty,gte=0,lte=100"`
	Source       string    `json:"source,omitempty" validate:"omitempty,oneof=gps network manual"`
}

// Point returns the sample's coordinates
func (s *LocationSample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lng: s.Lng}
}
