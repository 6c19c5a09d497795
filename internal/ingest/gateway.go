package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"fleettrack/internal/cache"
	"fleettrack/internal/domain"
	"fleettrack/internal/geofence"
	"fleettrack/internal/hub"
	"fleettrack/internal/track"
)

// JobSource resolves jobs from the CRUD side
type JobSource interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
}

// SampleStore is the durable, append-only side of ingestion
type SampleStore interface {
	InsertSample(ctx context.Context, s *domain.LocationSample) (bool, error)
	CompleteWaypoint(ctx context.Context, jobID, waypointID string, at time.Time) (*domain.Waypoint, error)
}

// FenceSource lists a company's active geofences
type FenceSource interface {
	ActiveGeofences(ctx context.Context, companyID string) ([]domain.Geofence, error)
}

// Publisher fans derived events out to subscriber rooms
type Publisher interface {
	Publish(rooms []string, ev domain.Event)
}

// StateCache mirrors tracking snapshots for warm restarts. Optional.
type StateCache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Ack is returned to the submitting connection only
type Ack struct {
	Success               bool     `json:"success"`
	Error                 string   `json:"error,omitempty"`
	IncrementalDistanceKm *float64 `json:"incrementalDistanceKm,omitempty"`
}

type Config struct {
	QueueSize        int
	PersistAttempts  int
	PersistBackoff   time.Duration
	IdleTimeout      time.Duration
	MinSpeedFloorKmh float64
	CacheTTL         time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 200 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.MinSpeedFloorKmh <= 0 {
		c.MinSpeedFloorKmh = 5
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
}

// Gateway is the single entry point for location samples from both
// transports. Samples for one job are applied by that job's worker
// goroutine in arrival order; different jobs never contend.
type Gateway struct {
	jobs      JobSource
	samples   SampleStore
	fences    FenceSource
	states    *track.Store
	geofences *geofence.Evaluator
	pub       Publisher
	cache     StateCache
	validate  *validator.Validate
	logger    *slog.Logger
	cfg       Config

	mu      sync.Mutex
	workers map[string]*jobWorker
	closed  bool
}

func New(jobs JobSource, samples SampleStore, fences FenceSource, states *track.Store, evaluator *geofence.Evaluator, pub Publisher, stateCache StateCache, cfg Config, logger *slog.Logger) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		jobs:      jobs,
		samples:   samples,
		fences:    fences,
		states:    states,
		geofences: evaluator,
		pub:       pub,
		cache:     stateCache,
		validate:  validator.New(),
		logger:    logger.With("component", "ingest"),
		cfg:       cfg,
		workers:   make(map[string]*jobWorker),
	}
}

// Submit validates a sample, hands it to the job's worker and waits for the
// outcome. Validation and authorization failures come back synchronously;
// the sample is broadcast only after it has been durably persisted.
func (g *Gateway) Submit(ctx context.Context, s *domain.LocationSample) (Ack, error) {
	if err := g.validateSample(s); err != nil {
		g.logger.Debug("sample rejected", "job_id", s.JobID, "error", err)
		return Ack{Error: err.Error()}, err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	req := &request{sample: s, reply: make(chan result, 1)}
	for {
		w, err := g.worker(s.JobID)
		if err != nil {
			return Ack{Error: err.Error()}, err
		}
		// the worker can retire between lookup and handoff; a closed one
		// refuses the request, so resolve a fresh worker and retry
		if w.enqueue(req) {
			break
		}
	}

	select {
	case res := <-req.reply:
		if res.err != nil {
			return Ack{Error: res.err.Error()}, res.err
		}
		return res.ack, nil
	case <-ctx.Done():
		return Ack{Error: ctx.Err().Error()}, ctx.Err()
	}
}

// Checkin marks a waypoint completed and announces it. This is a simple
// explicit operation, separate from the sample pipeline.
func (g *Gateway) Checkin(ctx context.Context, jobID, waypointID, driverID string) (*domain.Waypoint, error) {
	job, err := g.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.DriverID != driverID || job.Status.Terminal() {
		return nil, domain.ErrUnauthorizedSample
	}

	wp, err := g.samples.CompleteWaypoint(ctx, jobID, waypointID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	rooms := hub.RoomsForJob(job)
	g.pub.Publish(rooms, domain.NewEvent(domain.JobStatusUpdate{
		JobID:       jobID,
		Status:      job.Status,
		WaypointID:  wp.ID,
		CompletedAt: wp.CompletedAt,
	}))

	// progress moves when a waypoint completes even without a fresh fix
	for i := range job.Waypoints {
		if job.Waypoints[i].ID == wp.ID {
			job.Waypoints[i] = *wp
		}
	}
	g.publishProgress(job, nil)

	return wp, nil
}

// HandleJobStatus is the collaborator hook the CRUD side calls on job
// lifecycle changes. Terminal transitions evict the job's tracking state;
// in-flight samples for the job finish first in its worker.
func (g *Gateway) HandleJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	job, err := g.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = status

	g.pub.Publish(hub.RoomsForJob(job), domain.NewEvent(domain.JobStatusUpdate{
		JobID:  jobID,
		Status: status,
	}))

	if status.Terminal() {
		g.EvictJob(ctx, jobID)
	}
	return nil
}

// EvictJob stops the job's worker and drops its ephemeral state
func (g *Gateway) EvictJob(ctx context.Context, jobID string) {
	g.mu.Lock()
	if w, ok := g.workers[jobID]; ok {
		delete(g.workers, jobID)
		w.markClosed()
		close(w.stop)
	}
	g.mu.Unlock()

	g.states.Evict(jobID)
	g.geofences.Forget(jobID)
	if g.cache != nil {
		if err := g.cache.Delete(ctx, cache.KeyTrackingState(jobID)); err != nil {
			g.logger.Debug("cache delete failed", "job_id", jobID, "error", err)
		}
	}
}

// Close stops all workers; later submissions fail with ErrGatewayClosed
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for jobID, w := range g.workers {
		delete(g.workers, jobID)
		w.markClosed()
		close(w.stop)
	}
}

func (g *Gateway) validateSample(s *domain.LocationSample) error {
	if err := g.validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSample, err)
	}
	return nil
}

func (g *Gateway) worker(jobID string) (*jobWorker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, domain.ErrGatewayClosed
	}
	if w, ok := g.workers[jobID]; ok {
		return w, nil
	}
	w := newJobWorker(g, jobID)
	g.workers[jobID] = w
	go w.run()
	return w, nil
}

// retire removes an idle worker; returns false if the worker is no longer
// the registered one (evicted concurrently) or a submission slipped into its
// queue. The closed flag is set while the queue is provably empty, under the
// same lock enqueue takes, so no request can land on a retired worker.
func (g *Gateway) retire(w *jobWorker) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.workers[w.jobID]; !ok || cur != w {
		return false
	}
	w.mu.Lock()
	if len(w.queue) > 0 {
		w.mu.Unlock()
		return false
	}
	w.closed = true
	w.mu.Unlock()
	delete(g.workers, w.jobID)
	return true
}
