package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fleettrack/internal/domain"
	"fleettrack/internal/geo"
	"fleettrack/internal/ingest"
	"fleettrack/internal/store"
	"fleettrack/internal/track"
)

// HTTPHandler is the stateless request/response fallback for constrained
// devices, plus read endpoints for dashboards. Both transports funnel into
// the same gateway contract.
type HTTPHandler struct {
	gateway          *ingest.Gateway
	states           *track.Store
	db               *store.Postgres
	minSpeedFloorKmh float64
}

func NewHTTPHandler(g *ingest.Gateway, states *track.Store, db *store.Postgres, minSpeedFloorKmh float64) *HTTPHandler {
	return &HTTPHandler{
		gateway:          g,
		states:           states,
		db:               db,
		minSpeedFloorKmh: minSpeedFloorKmh,
	}
}

func (h *HTTPHandler) SubmitLocation(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "missing job id")
		return
	}

	var sample domain.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sample.JobID = jobID

	ack, err := h.gateway.Submit(r.Context(), &sample)
	if err != nil {
		ServerStats.IncSamplesRejected()
		respondJSON(w, statusForError(err), ack)
		return
	}
	ServerStats.IncSamplesAccepted()
	respondJSON(w, http.StatusOK, ack)
}

type TrackingResponse struct {
	JobID      string          `json:"jobId"`
	State      *track.Snapshot `json:"state,omitempty"`
	Progress   ProgressView    `json:"progress"`
	ServerTime time.Time       `json:"serverTime"`
}

type ProgressView struct {
	Percent           float64  `json:"percent"`
	NextWaypointID    string   `json:"nextWaypointId,omitempty"`
	EtaMinutes        *float64 `json:"etaMinutes,omitempty"`
	Confidence        float64  `json:"confidence"`
	InsufficientRoute bool     `json:"insufficientRoute,omitempty"`
}

// GetTracking reports the current state and derived progress for a job.
// A stale state is a status here, never an error.
func (h *HTTPHandler) GetTracking(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, statusForError(err), err.Error())
		return
	}

	var (
		snap    track.Snapshot
		statePt *track.Snapshot
		pos     *geo.Point
	)
	if s, ok := h.states.Get(jobID); ok {
		snap = s
		statePt = &snap
		p := snap.Position()
		pos = &p
	}

	progress := track.ComputeProgress(job.Waypoints, pos)
	eta := track.EstimateETA(progress, snap, h.minSpeedFloorKmh)

	respondJSON(w, http.StatusOK, TrackingResponse{
		JobID: jobID,
		State: statePt,
		Progress: ProgressView{
			Percent:           progress.Percent,
			NextWaypointID:    progress.NextWaypointID,
			EtaMinutes:        eta.Minutes,
			Confidence:        eta.Confidence,
			InsufficientRoute: progress.InsufficientRoute,
		},
		ServerTime: time.Now(),
	})
}

type CheckinRequest struct {
	DriverID string `json:"driverId"`
}

func (h *HTTPHandler) CheckinWaypoint(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	waypointID := r.PathValue("waypointID")

	var req CheckinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.DriverID == "" {
		respondError(w, http.StatusBadRequest, "missing driver id")
		return
	}

	wp, err := h.gateway.Checkin(r.Context(), jobID, waypointID, req.DriverID)
	if err != nil {
		respondError(w, statusForError(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, wp)
}

type JobStatusRequest struct {
	Status domain.JobStatus `json:"status"`
}

// UpdateJobStatus is the collaborator hook for the CRUD services: it
// announces the transition to subscribers and, on terminal statuses, evicts
// the job's tracking state.
func (h *HTTPHandler) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")

	var req JobStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	switch req.Status {
	case domain.JobStatusPending, domain.JobStatusAssigned, domain.JobStatusInTransit,
		domain.JobStatusCompleted, domain.JobStatusCancelled:
	default:
		respondError(w, http.StatusBadRequest, "unknown status")
		return
	}

	if err := h.gateway.HandleJobStatus(r.Context(), jobID, req.Status); err != nil {
		respondError(w, statusForError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSample):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorizedSample):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrWaypointNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSampleDropped):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrPersistenceFailure), errors.Is(err, domain.ErrGatewayClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
