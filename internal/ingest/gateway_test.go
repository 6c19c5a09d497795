package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/domain"
	"fleettrack/internal/geo"
	"fleettrack/internal/geofence"
	"fleettrack/internal/track"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func (f *fakeJobs) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	clone := *job
	clone.Waypoints = append([]domain.Waypoint(nil), job.Waypoints...)
	return &clone, nil
}

type fakeSamples struct {
	mu        sync.Mutex
	rows      []*domain.LocationSample
	seen      map[string]struct{}
	insertErr error
}

func newFakeSamples() *fakeSamples {
	return &fakeSamples{seen: make(map[string]struct{})}
}

func (f *fakeSamples) InsertSample(_ context.Context, s *domain.LocationSample) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	key := fmt.Sprintf("%s|%d", s.JobID, s.RecordedAt.UnixNano())
	if _, dup := f.seen[key]; dup {
		return false, nil
	}
	f.seen[key] = struct{}{}
	f.rows = append(f.rows, s)
	return true, nil
}

func (f *fakeSamples) CompleteWaypoint(_ context.Context, jobID, waypointID string, at time.Time) (*domain.Waypoint, error) {
	return &domain.Waypoint{
		ID:          waypointID,
		JobID:       jobID,
		Sequence:    1,
		Kind:        domain.WaypointDelivery,
		IsCompleted: true,
		CompletedAt: &at,
	}, nil
}

func (f *fakeSamples) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeFences struct {
	fences []domain.Geofence
}

func (f *fakeFences) ActiveGeofences(context.Context, string) ([]domain.Geofence, error) {
	return f.fences, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.Event
	rooms  [][]string
}

func (f *fakePublisher) Publish(rooms []string, ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	f.rooms = append(f.rooms, rooms)
}

func (f *fakePublisher) byType(t domain.EventType) []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	gateway *Gateway
	jobs    *fakeJobs
	samples *fakeSamples
	fences  *fakeFences
	pub     *fakePublisher
	states  *track.Store
}

func testJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*domain.Job{
		"J1": {
			ID:        "J1",
			CompanyID: "C1",
			ClientID:  "CL1",
			DriverID:  "D1",
			VehicleID: "V1",
			Status:    domain.JobStatusInTransit,
			Waypoints: []domain.Waypoint{
				{ID: "W1", JobID: "J1", Sequence: 1, Kind: domain.WaypointPickup, Lat: 19.0760, Lng: 72.8777},
				{ID: "W2", JobID: "J1", Sequence: 2, Kind: domain.WaypointDelivery, Lat: 28.7041, Lng: 77.1025},
			},
		},
	}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	return newFixtureCfg(t, Config{
		PersistAttempts: 1,
		PersistBackoff:  time.Millisecond,
	})
}

func newFixtureCfg(t *testing.T, cfg Config) *fixture {
	t.Helper()

	jobs := testJobs()
	samples := newFakeSamples()
	fences := &fakeFences{}
	pub := &fakePublisher{}
	states := track.New(3, 2*time.Minute)

	g := New(jobs, samples, fences, states, geofence.New(), pub, nil, cfg, testLogger())
	t.Cleanup(g.Close)

	return &fixture{gateway: g, jobs: jobs, samples: samples, fences: fences, pub: pub, states: states}
}

func validSample(ts time.Time) *domain.LocationSample {
	return &domain.LocationSample{
		JobID:      "J1",
		DriverID:   "D1",
		Lat:        19.0760,
		Lng:        72.8777,
		SpeedKmh:   20,
		Heading:    90,
		AccuracyM:  5,
		RecordedAt: ts,
		Source:     "gps",
	}
}

func TestSubmitAcceptedSample(t *testing.T) {
	f := newFixture(t)

	ack, err := f.gateway.Submit(context.Background(), validSample(time.Now()))

	require.NoError(t, err)
	assert.True(t, ack.Success)
	require.NotNil(t, ack.IncrementalDistanceKm)
	assert.Equal(t, 0.0, *ack.IncrementalDistanceKm)

	assert.Equal(t, 1, f.samples.count())
	assert.Len(t, f.pub.byType(domain.EventLocationUpdate), 1)
	assert.Len(t, f.pub.byType(domain.EventProgressUpdate), 1)

	snap, ok := f.states.Get("J1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.SampleCount)
}

func TestSubmitReportsIncrementalDistance(t *testing.T) {
	f := newFixture(t)
	t0 := time.Now()

	_, err := f.gateway.Submit(context.Background(), validSample(t0))
	require.NoError(t, err)

	second := validSample(t0.Add(60 * time.Second))
	second.Lat, second.Lng = 19.0850, 72.8850
	ack, err := f.gateway.Submit(context.Background(), second)

	require.NoError(t, err)
	require.NotNil(t, ack.IncrementalDistanceKm)
	assert.InDelta(t, 1.26, *ack.IncrementalDistanceKm, 0.01)
}

func TestSubmitRejectsWrongDriver(t *testing.T) {
	f := newFixture(t)

	sample := validSample(time.Now())
	sample.DriverID = "D2"
	ack, err := f.gateway.Submit(context.Background(), sample)

	require.ErrorIs(t, err, domain.ErrUnauthorizedSample)
	assert.False(t, ack.Success)
	assert.Equal(t, 0, f.samples.count())
	assert.Empty(t, f.pub.events)

	_, ok := f.states.Get("J1")
	assert.False(t, ok, "rejected sample must not alter tracking state")
}

func TestSubmitRejectsTerminalJob(t *testing.T) {
	f := newFixture(t)
	f.jobs.jobs["J1"].Status = domain.JobStatusCompleted

	_, err := f.gateway.Submit(context.Background(), validSample(time.Now()))

	require.ErrorIs(t, err, domain.ErrUnauthorizedSample)
}

func TestSubmitRejectsMalformedCoordinates(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*domain.LocationSample)
	}{
		{"latitude out of range", func(s *domain.LocationSample) { s.Lat = 91 }},
		{"longitude out of range", func(s *domain.LocationSample) { s.Lng = -181 }},
		{"negative speed", func(s *domain.LocationSample) { s.SpeedKmh = -1 }},
		{"missing job", func(s *domain.LocationSample) { s.JobID = "" }},
		{"missing timestamp", func(s *domain.LocationSample) { s.RecordedAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sample := validSample(time.Now())
			tt.mutate(sample)
			_, err := f.gateway.Submit(context.Background(), sample)
			require.ErrorIs(t, err, domain.ErrInvalidSample)
		})
	}

	assert.Equal(t, 0, f.samples.count())
	assert.Empty(t, f.pub.events)
}

func TestSubmitDuplicateTimestampIsIdempotent(t *testing.T) {
	f := newFixture(t)
	t0 := time.Now()

	_, err := f.gateway.Submit(context.Background(), validSample(t0))
	require.NoError(t, err)
	before, _ := f.states.Get("J1")

	ack, err := f.gateway.Submit(context.Background(), validSample(t0))
	require.NoError(t, err)
	assert.True(t, ack.Success)
	require.NotNil(t, ack.IncrementalDistanceKm)
	assert.Equal(t, 0.0, *ack.IncrementalDistanceKm)

	after, _ := f.states.Get("J1")
	assert.Equal(t, before.CumulativeDistanceKm, after.CumulativeDistanceKm)
	assert.Equal(t, 1, f.samples.count())
	// nothing new to tell subscribers
	assert.Len(t, f.pub.byType(domain.EventLocationUpdate), 1)
}

func TestSubmitPersistenceFailureNotBroadcast(t *testing.T) {
	f := newFixture(t)
	f.samples.insertErr = errors.New("connection refused")

	_, err := f.gateway.Submit(context.Background(), validSample(time.Now()))

	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.Empty(t, f.pub.events, "unpersisted samples must not reach subscribers")
}

func TestSubmitEmitsGeofenceTransitions(t *testing.T) {
	f := newFixture(t)
	f.fences.fences = []domain.Geofence{{
		ID:        "G1",
		CompanyID: "C1",
		Name:      "pickup zone",
		Kind:      domain.GeofenceCircle,
		Center:    geo.Point{Lat: 19.0760, Lng: 72.8777},
		RadiusKm:  0.5,
		Active:    true,
	}}
	t0 := time.Now()

	_, err := f.gateway.Submit(context.Background(), validSample(t0))
	require.NoError(t, err)

	enters := f.pub.byType(domain.EventGeofence)
	require.Len(t, enters, 1)
	tr, ok := enters[0].Data.(domain.GeofenceTransition)
	require.True(t, ok)
	assert.Equal(t, domain.GeofenceEnter, tr.Transition)

	// second sample still inside the fence
	_, err = f.gateway.Submit(context.Background(), validSample(t0.Add(10*time.Second)))
	require.NoError(t, err)
	assert.Len(t, f.pub.byType(domain.EventGeofence), 1)
}

func TestSubmitPublishesToAllJobRooms(t *testing.T) {
	f := newFixture(t)

	_, err := f.gateway.Submit(context.Background(), validSample(time.Now()))
	require.NoError(t, err)

	require.NotEmpty(t, f.pub.rooms)
	assert.ElementsMatch(t,
		[]string{"company:C1", "job:J1", "client:CL1", "driver:D1"},
		f.pub.rooms[0],
	)
}

func TestCheckinCompletesWaypoint(t *testing.T) {
	f := newFixture(t)

	wp, err := f.gateway.Checkin(context.Background(), "J1", "W1", "D1")

	require.NoError(t, err)
	assert.True(t, wp.IsCompleted)
	require.NotNil(t, wp.CompletedAt)

	statuses := f.pub.byType(domain.EventJobStatusUpdate)
	require.Len(t, statuses, 1)
	update, ok := statuses[0].Data.(domain.JobStatusUpdate)
	require.True(t, ok)
	assert.Equal(t, "W1", update.WaypointID)

	assert.Len(t, f.pub.byType(domain.EventProgressUpdate), 1)
}

func TestCheckinRejectsWrongDriver(t *testing.T) {
	f := newFixture(t)

	_, err := f.gateway.Checkin(context.Background(), "J1", "W1", "D2")

	require.ErrorIs(t, err, domain.ErrUnauthorizedSample)
	assert.Empty(t, f.pub.events)
}

func TestTerminalStatusEvictsState(t *testing.T) {
	f := newFixture(t)

	_, err := f.gateway.Submit(context.Background(), validSample(time.Now()))
	require.NoError(t, err)
	_, ok := f.states.Get("J1")
	require.True(t, ok)

	err = f.gateway.HandleJobStatus(context.Background(), "J1", domain.JobStatusCompleted)
	require.NoError(t, err)

	_, ok = f.states.Get("J1")
	assert.False(t, ok)
	assert.NotEmpty(t, f.pub.byType(domain.EventJobStatusUpdate))
}

// blockedSamples parks every insert until release is closed, keeping the
// job's worker busy so submissions pile onto its bounded queue.
type blockedSamples struct {
	*fakeSamples
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockedSamples) InsertSample(ctx context.Context, s *domain.LocationSample) (bool, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.fakeSamples.InsertSample(ctx, s)
}

func TestSubmitBoundedQueueDropsOldest(t *testing.T) {
	samples := &blockedSamples{
		fakeSamples: newFakeSamples(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	states := track.New(3, 2*time.Minute)
	g := New(testJobs(), samples, &fakeFences{}, states, geofence.New(), &fakePublisher{}, nil, Config{
		QueueSize:       2,
		PersistAttempts: 1,
		PersistBackoff:  time.Millisecond,
	}, testLogger())
	t.Cleanup(g.Close)

	const total = 10
	t0 := time.Now()
	results := make(chan error, total)
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Submit(context.Background(), validSample(t0.Add(time.Duration(i)*time.Second)))
			results <- err
		}(i)
	}

	<-samples.started

	// one sample is in flight and two fit in the queue; the other seven are
	// displaced and fail before the store is released
	for dropped := 0; dropped < total-3; dropped++ {
		require.ErrorIs(t, <-results, domain.ErrSampleDropped)
	}

	close(samples.release)
	wg.Wait()
	close(results)

	for err := range results {
		assert.NoError(t, err)
	}
	assert.Equal(t, 3, samples.count())
}

func TestIdleWorkerEvictsStateAndNewSamplesStillLand(t *testing.T) {
	f := newFixtureCfg(t, Config{
		PersistAttempts: 1,
		PersistBackoff:  time.Millisecond,
		IdleTimeout:     50 * time.Millisecond,
	})

	_, err := f.gateway.Submit(context.Background(), validSample(time.Now()))
	require.NoError(t, err)
	_, ok := f.states.Get("J1")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := f.states.Get("J1")
		return !ok
	}, time.Second, 10*time.Millisecond, "idle worker should evict its job state")

	// a retired worker refuses new requests; the gateway spawns a fresh one
	ack, err := f.gateway.Submit(context.Background(), validSample(time.Now().Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, ack.Success)
	_, ok = f.states.Get("J1")
	assert.True(t, ok)
}

func TestSubmitAfterClose(t *testing.T) {
	f := newFixture(t)
	f.gateway.Close()

	_, err := f.gateway.Submit(context.Background(), validSample(time.Now()))
	require.ErrorIs(t, err, domain.ErrGatewayClosed)
}
