package track

import (
	"hash/fnv"
	"sync"
	"time"

	"fleettrack/internal/domain"
	"fleettrack/internal/geo"
)

const shardCount = 32

// Snapshot is the read-side view of a job's tracking state. IsStale is
// derived at read time from the sample age, never by a background sweep.
type Snapshot struct {
	JobID                 string    `json:"jobId"`
	LastLat               float64   `json:"lastLat"`
	LastLng               float64   `json:"lastLng"`
	LastTimestamp         time.Time `json:"lastTimestamp"`
	CumulativeDistanceKm  float64   `json:"cumulativeDistanceKm"`
	CumulativeDurationSec float64   `json:"cumulativeDurationSec"`
	MaxSpeedKmh           float64   `json:"maxSpeedKmh"`
	SampleCount           int       `json:"sampleCount"`
	IsMoving              bool      `json:"isMoving"`
	IsStale               bool      `json:"isStale"`
}

// AvgSpeedKmh is the session average derived from cumulative distance and
// duration, 0 until at least two samples have arrived.
func (s Snapshot) AvgSpeedKmh() float64 {
	if s.CumulativeDurationSec <= 0 {
		return 0
	}
	return s.CumulativeDistanceKm / (s.CumulativeDurationSec / 3600.0)
}

// Position returns the last known coordinates
func (s Snapshot) Position() geo.Point {
	return geo.Point{Lat: s.LastLat, Lng: s.LastLng}
}

type state struct {
	lastLat       float64
	lastLng       float64
	lastTimestamp time.Time
	cumKm         float64
	durSec        float64
	maxSpeedKmh   float64
	sampleCount   int
	isMoving      bool
}

type shard struct {
	mu     sync.Mutex
	states map[string]*state
}

// Store holds ephemeral per-job tracking state. Keys are sharded so that
// updates for one job never contend with updates for another; there is no
// global lock. State is a cache, rebuildable from persisted samples.
type Store struct {
	shards             [shardCount]shard
	movingThresholdKmh float64
	staleAfter         time.Duration
	now                func() time.Time
}

// New builds a store with the given motion and staleness thresholds
func New(movingThresholdKmh float64, staleAfter time.Duration) *Store {
	s := &Store{
		movingThresholdKmh: movingThresholdKmh,
		staleAfter:         staleAfter,
		now:                time.Now,
	}
	for i := range s.shards {
		s.shards[i].states = make(map[string]*state)
	}
	return s
}

func (s *Store) shard(jobID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return &s.shards[h.Sum32()%shardCount]
}

// Upsert applies a sample to the job's state and returns the resulting
// snapshot plus the incremental distance since the previous fix. A sample
// whose timestamp does not advance past the last applied one is treated as a
// duplicate: accepted, but it accumulates nothing.
func (s *Store) Upsert(sample *domain.LocationSample) (Snapshot, float64) {
	sh := s.shard(sample.JobID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[sample.JobID]
	if !ok {
		st = &state{
			lastLat:       sample.Lat,
			lastLng:       sample.Lng,
			lastTimestamp: sample.RecordedAt,
			maxSpeedKmh:   sample.SpeedKmh,
			sampleCount:   1,
			isMoving:      sample.SpeedKmh > s.movingThresholdKmh,
		}
		sh.states[sample.JobID] = st
		return s.snapshot(sample.JobID, st), 0
	}

	if !sample.RecordedAt.After(st.lastTimestamp) {
		return s.snapshot(sample.JobID, st), 0
	}

	delta := geo.DistanceKm(
		geo.Point{Lat: st.lastLat, Lng: st.lastLng},
		geo.Point{Lat: sample.Lat, Lng: sample.Lng},
	)
	st.cumKm += delta
	st.durSec += sample.RecordedAt.Sub(st.lastTimestamp).Seconds()
	st.lastLat = sample.Lat
	st.lastLng = sample.Lng
	st.lastTimestamp = sample.RecordedAt
	if sample.SpeedKmh > st.maxSpeedKmh {
		st.maxSpeedKmh = sample.SpeedKmh
	}
	st.sampleCount++
	st.isMoving = sample.SpeedKmh > s.movingThresholdKmh

	return s.snapshot(sample.JobID, st), delta
}

// Get returns the current snapshot for a job, if any
func (s *Store) Get(jobID string) (Snapshot, bool) {
	sh := s.shard(jobID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(jobID, st), true
}

// Evict removes a job's state, typically on a terminal status transition
func (s *Store) Evict(jobID string) {
	sh := s.shard(jobID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.states, jobID)
}

// Seed restores a snapshot (for example from the warm cache) without
// overwriting state that live samples have already built.
func (s *Store) Seed(snap Snapshot) {
	sh := s.shard(snap.JobID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.states[snap.JobID]; ok {
		return
	}
	sh.states[snap.JobID] = &state{
		lastLat:       snap.LastLat,
		lastLng:       snap.LastLng,
		lastTimestamp: snap.LastTimestamp,
		cumKm:         snap.CumulativeDistanceKm,
		durSec:        snap.CumulativeDurationSec,
		maxSpeedKmh:   snap.MaxSpeedKmh,
		sampleCount:   snap.SampleCount,
		isMoving:      snap.IsMoving,
	}
}

// ActiveJobs counts jobs currently holding state
func (s *Store) ActiveJobs() int {
	total := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		total += len(s.shards[i].states)
		s.shards[i].mu.Unlock()
	}
	return total
}

func (s *Store) snapshot(jobID string, st *state) Snapshot {
	return Snapshot{
		JobID:                 jobID,
		LastLat:               st.lastLat,
		LastLng:               st.lastLng,
		LastTimestamp:         st.lastTimestamp,
		CumulativeDistanceKm:  st.cumKm,
		CumulativeDurationSec: st.durSec,
		MaxSpeedKmh:           st.maxSpeedKmh,
		SampleCount:           st.sampleCount,
		IsMoving:              st.isMoving,
		IsStale:               s.now().Sub(st.lastTimestamp) > s.staleAfter,
	}
}
