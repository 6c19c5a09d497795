package hub

import (
	"strings"

	"fleettrack/internal/domain"
)

// Room name prefixes. A room is a named broadcast scope a subscriber joins
// explicitly: dispatch dashboards join their company room, shipment trackers
// their client room, driver apps their own driver room.
const (
	roomCompanyPrefix = "company:"
	roomJobPrefix     = "job:"
	roomClientPrefix  = "client:"
	roomDriverPrefix  = "driver:"
)

func CompanyRoom(companyID string) string { return roomCompanyPrefix + companyID }
func JobRoom(jobID string) string         { return roomJobPrefix + jobID }
func ClientRoom(clientID string) string   { return roomClientPrefix + clientID }
func DriverRoom(driverID string) string   { return roomDriverPrefix + driverID }

// ValidRoom reports whether a subscription request names a known scope
func ValidRoom(room string) bool {
	for _, prefix := range []string{roomCompanyPrefix, roomJobPrefix, roomClientPrefix, roomDriverPrefix} {
		if rest, ok := strings.CutPrefix(room, prefix); ok && rest != "" {
			return true
		}
	}
	return false
}

// JobID extracts the job identifier from a job room name
func JobID(room string) (string, bool) {
	return strings.CutPrefix(room, roomJobPrefix)
}

// RoomsForJob lists every room an event about the given job is published to
func RoomsForJob(job *domain.Job) []string {
	rooms := make([]string, 0, 4)
	if job.CompanyID != "" {
		rooms = append(rooms, CompanyRoom(job.CompanyID))
	}
	rooms = append(rooms, JobRoom(job.ID))
	if job.ClientID != "" {
		rooms = append(rooms, ClientRoom(job.ClientID))
	}
	if job.DriverID != "" {
		rooms = append(rooms, DriverRoom(job.DriverID))
	}
	return rooms
}
