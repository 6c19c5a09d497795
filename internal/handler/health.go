package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"fleettrack/internal/store"
	"fleettrack/internal/track"
)

type HealthHandler struct {
	db     *store.Postgres
	states *track.Store
}

func NewHealthHandler(db *store.Postgres, states *track.Store) *HealthHandler {
	return &HealthHandler{db: db, states: states}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready      bool      `json:"ready"`
	ActiveJobs int       `json:"activeJobs"`
	ServerTime time.Time `json:"serverTime"`
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ready := h.db.Ping(ctx) == nil
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ReadyResponse{
		Ready:      ready,
		ActiveJobs: h.states.ActiveJobs(),
		ServerTime: time.Now(),
	})
}
