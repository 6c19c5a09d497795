package handler

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"fleettrack/internal/hub"
	"fleettrack/internal/track"
)

// Stats tracks server-wide metrics
type Stats struct {
	startTime        time.Time
	requestCount     atomic.Int64
	wsConnections    atomic.Int64
	wsMessagesIn     atomic.Int64
	wsMessagesOut    atomic.Int64
	samplesAccepted  atomic.Int64
	samplesRejected  atomic.Int64
	rateLimitBlocked atomic.Int64
}

// Global stats instance
var ServerStats = &Stats{
	startTime: time.Now(),
}

func (s *Stats) IncRequests()         { s.requestCount.Add(1) }
func (s *Stats) IncWSConnections()    { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections()    { s.wsConnections.Add(-1) }
func (s *Stats) IncWSMessagesIn()     { s.wsMessagesIn.Add(1) }
func (s *Stats) IncWSMessagesOut()    { s.wsMessagesOut.Add(1) }
func (s *Stats) IncSamplesAccepted()  { s.samplesAccepted.Add(1) }
func (s *Stats) IncSamplesRejected()  { s.samplesRejected.Add(1) }
func (s *Stats) IncRateLimitBlocked() { s.rateLimitBlocked.Add(1) }

type StatsHandler struct {
	states *track.Store
	hub    *hub.Hub
}

func NewStatsHandler(states *track.Store, h *hub.Hub) *StatsHandler {
	return &StatsHandler{states: states, hub: h}
}

type StatsResponse struct {
	Server    ServerStatsResponse    `json:"server"`
	Tracking  TrackingStatsResponse  `json:"tracking"`
	WebSocket WebSocketStatsResponse `json:"websocket"`
	Go        GoStatsResponse        `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
	RateLimited   int64     `json:"rate_limited"`
}

type TrackingStatsResponse struct {
	ActiveJobs      int   `json:"active_jobs"`
	SamplesAccepted int64 `json:"samples_accepted"`
	SamplesRejected int64 `json:"samples_rejected"`
}

type WebSocketStatsResponse struct {
	Connections int64 `json:"connections"`
	Rooms       int   `json:"rooms"`
	MessagesIn  int64 `json:"messages_in"`
	MessagesOut int64 `json:"messages_out"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()

	uptime := time.Since(ServerStats.startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     ServerStats.startTime,
			RequestCount:  ServerStats.requestCount.Load(),
			RateLimited:   ServerStats.rateLimitBlocked.Load(),
		},
		Tracking: TrackingStatsResponse{
			ActiveJobs:      h.states.ActiveJobs(),
			SamplesAccepted: ServerStats.samplesAccepted.Load(),
			SamplesRejected: ServerStats.samplesRejected.Load(),
		},
		WebSocket: WebSocketStatsResponse{
			Connections: ServerStats.wsConnections.Load(),
			Rooms:       h.hub.RoomCount(),
			MessagesIn:  ServerStats.wsMessagesIn.Load(),
			MessagesOut: ServerStats.wsMessagesOut.Load(),
		},
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(response)
}
