package ingest

import (
	"context"
	"sync"
	"time"

	"fleettrack/internal/cache"
	"fleettrack/internal/domain"
	"fleettrack/internal/geo"
	"fleettrack/internal/hub"
	"fleettrack/internal/track"
)

// How long a worker trusts its cached job record before re-reading it.
// Assignment and status changes are rare relative to sample volume.
const jobRefreshInterval = 15 * time.Second

const processTimeout = 10 * time.Second

type request struct {
	sample *domain.LocationSample
	reply  chan result
}

type result struct {
	ack Ack
	err error
}

// jobWorker is the single logical writer for one job. All samples for the
// job pass through its queue, so distance accumulation is never raced.
type jobWorker struct {
	g     *Gateway
	jobID string
	queue chan *request
	stop  chan struct{}

	// closed guards the queue entry: once set, nothing reads the queue
	// anymore and enqueue must refuse, or a request would strand there.
	mu     sync.Mutex
	closed bool

	job       *domain.Job
	fetchedAt time.Time
}

func newJobWorker(g *Gateway, jobID string) *jobWorker {
	return &jobWorker{
		g:     g,
		jobID: jobID,
		queue: make(chan *request, g.cfg.QueueSize),
		stop:  make(chan struct{}),
	}
}

// enqueue never blocks the caller's read loop: when the queue is full the
// oldest queued sample is dropped in favor of the new one. Returns false
// when the worker has already shut down; the caller must resolve a fresh
// worker and hand the request to that one instead.
func (w *jobWorker) enqueue(req *request) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	for {
		select {
		case w.queue <- req:
			return true
		default:
		}
		select {
		case old := <-w.queue:
			old.reply <- result{err: domain.ErrSampleDropped}
			w.g.logger.Debug("queue full, dropped oldest sample", "job_id", w.jobID)
		default:
		}
	}
}

func (w *jobWorker) markClosed() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *jobWorker) run() {
	idle := time.NewTimer(w.g.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-w.stop:
			w.drain()
			return

		case req := <-w.queue:
			w.process(req)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.g.cfg.IdleTimeout)

		case <-idle.C:
			if w.g.retire(w) {
				w.g.states.Evict(w.jobID)
				w.g.geofences.Forget(w.jobID)
				w.g.logger.Info("idle job state evicted", "job_id", w.jobID)
				return
			}
			idle.Reset(w.g.cfg.IdleTimeout)
		}
	}
}

func (w *jobWorker) drain() {
	for {
		select {
		case req := <-w.queue:
			req.reply <- result{err: domain.ErrGatewayClosed}
		default:
			return
		}
	}
}

func (w *jobWorker) process(req *request) {
	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	s := req.sample

	job, err := w.currentJob(ctx)
	if err != nil {
		req.reply <- result{err: err}
		return
	}
	if job.DriverID != s.DriverID || job.Status.Terminal() {
		req.reply <- result{err: domain.ErrUnauthorizedSample}
		return
	}
	if s.VehicleID == "" {
		s.VehicleID = job.VehicleID
	}

	inserted, err := w.persist(ctx, s)
	if err != nil {
		req.reply <- result{err: err}
		return
	}

	snap, deltaKm := w.g.states.Upsert(s)

	if !inserted {
		// duplicate (jobId, timestamp): acknowledged, nothing re-broadcast
		req.reply <- result{ack: Ack{Success: true, IncrementalDistanceKm: &deltaKm}}
		return
	}

	w.cacheSnapshot(ctx, snap)

	rooms := hub.RoomsForJob(job)
	w.g.pub.Publish(rooms, domain.NewEvent(domain.LocationUpdate{
		JobID:      s.JobID,
		DriverID:   s.DriverID,
		VehicleID:  s.VehicleID,
		Lat:        s.Lat,
		Lng:        s.Lng,
		SpeedKmh:   s.SpeedKmh,
		Heading:    s.Heading,
		IsMoving:   snap.IsMoving,
		IsStale:    snap.IsStale,
		RecordedAt: s.RecordedAt,
	}))

	w.evaluateGeofences(ctx, job, s, rooms)

	pos := s.Point()
	w.g.publishProgressWith(job, &pos, snap)

	req.reply <- result{ack: Ack{Success: true, IncrementalDistanceKm: &deltaKm}}
}

func (w *jobWorker) currentJob(ctx context.Context) (*domain.Job, error) {
	if w.job != nil && time.Since(w.fetchedAt) < jobRefreshInterval {
		return w.job, nil
	}
	job, err := w.g.jobs.GetJob(ctx, w.jobID)
	if err != nil {
		return nil, err
	}
	w.job = job
	w.fetchedAt = time.Now()
	return job, nil
}

// persist retries the durable append a bounded number of times with linear
// backoff. A sample that cannot be persisted is dropped and never broadcast.
func (w *jobWorker) persist(ctx context.Context, s *domain.LocationSample) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= w.g.cfg.PersistAttempts; attempt++ {
		inserted, err := w.g.samples.InsertSample(ctx, s)
		if err == nil {
			return inserted, nil
		}
		lastErr = err
		w.g.logger.Warn("sample persist failed",
			"job_id", w.jobID,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-time.After(time.Duration(attempt) * w.g.cfg.PersistBackoff):
		case <-ctx.Done():
			attempt = w.g.cfg.PersistAttempts
		}
	}
	w.g.logger.Error("sample dropped after persist retries", "job_id", w.jobID, "error", lastErr)
	return false, domain.ErrPersistenceFailure
}

func (w *jobWorker) cacheSnapshot(ctx context.Context, snap track.Snapshot) {
	if w.g.cache == nil {
		return
	}
	if err := w.g.cache.SetJSON(ctx, cache.KeyTrackingState(snap.JobID), snap, w.g.cfg.CacheTTL); err != nil {
		w.g.logger.Debug("snapshot cache write failed", "job_id", snap.JobID, "error", err)
	}
}

func (w *jobWorker) evaluateGeofences(ctx context.Context, job *domain.Job, s *domain.LocationSample, rooms []string) {
	fences, err := w.g.fences.ActiveGeofences(ctx, job.CompanyID)
	if err != nil {
		w.g.logger.Warn("geofence lookup failed", "company_id", job.CompanyID, "error", err)
		return
	}
	if len(fences) == 0 {
		return
	}
	for _, tr := range w.g.geofences.Evaluate(s.JobID, fences, s.Point(), s.RecordedAt) {
		w.g.pub.Publish(rooms, domain.NewEvent(tr))
	}
}

// publishProgress recomputes and broadcasts progress without a live fix
func (g *Gateway) publishProgress(job *domain.Job, pos *geo.Point) {
	snap, _ := g.states.Get(job.ID)
	g.publishProgressWith(job, pos, snap)
}

func (g *Gateway) publishProgressWith(job *domain.Job, pos *geo.Point, snap track.Snapshot) {
	progress := track.ComputeProgress(job.Waypoints, pos)
	eta := track.EstimateETA(progress, snap, g.cfg.MinSpeedFloorKmh)

	g.pub.Publish(hub.RoomsForJob(job), domain.NewEvent(domain.ProgressUpdate{
		JobID:             job.ID,
		Percent:           progress.Percent,
		NextWaypointID:    progress.NextWaypointID,
		EtaMinutes:        eta.Minutes,
		Confidence:        eta.Confidence,
		InsufficientRoute: progress.InsufficientRoute,
	}))
}
