package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/domain"
)

func sampleAt(jobID string, lat, lng, speed float64, at time.Time) *domain.LocationSample {
	return &domain.LocationSample{
		JobID:      jobID,
		DriverID:   "D1",
		Lat:        lat,
		Lng:        lng,
		SpeedKmh:   speed,
		Heading:    domain.HeadingUnknown,
		RecordedAt: at,
	}
}

func TestUpsertFirstSample(t *testing.T) {
	s := New(3, 120*time.Second)
	now := time.Now()

	snap, delta := s.Upsert(sampleAt("J1", 19.0760, 72.8777, 0, now))

	assert.Equal(t, 0.0, delta)
	assert.Equal(t, 0.0, snap.CumulativeDistanceKm)
	assert.Equal(t, 1, snap.SampleCount)
	assert.False(t, snap.IsMoving)
	assert.False(t, snap.IsStale)
}

func TestUpsertAccumulates(t *testing.T) {
	s := New(3, 120*time.Second)
	t0 := time.Now()

	s.Upsert(sampleAt("J1", 19.0760, 72.8777, 0, t0))
	snap, delta := s.Upsert(sampleAt("J1", 19.0850, 72.8850, 20, t0.Add(60*time.Second)))

	assert.InDelta(t, 1.26, delta, 0.01)
	assert.Greater(t, snap.CumulativeDistanceKm, 0.0)
	assert.InDelta(t, 60.0, snap.CumulativeDurationSec, 1e-9)
	assert.True(t, snap.IsMoving)
	assert.Equal(t, 20.0, snap.MaxSpeedKmh)
	assert.Equal(t, 2, snap.SampleCount)
	assert.Greater(t, snap.AvgSpeedKmh(), 0.0)
}

func TestUpsertDuplicateTimestampDoesNotDoubleCount(t *testing.T) {
	s := New(3, 120*time.Second)
	t0 := time.Now()

	s.Upsert(sampleAt("J1", 19.0760, 72.8777, 0, t0))
	s.Upsert(sampleAt("J1", 19.0850, 72.8850, 20, t0.Add(60*time.Second)))

	before, ok := s.Get("J1")
	require.True(t, ok)

	snap, delta := s.Upsert(sampleAt("J1", 19.0850, 72.8850, 20, t0.Add(60*time.Second)))

	assert.Equal(t, 0.0, delta)
	assert.Equal(t, before.CumulativeDistanceKm, snap.CumulativeDistanceKm)
	assert.Equal(t, before.SampleCount, snap.SampleCount)
}

func TestUpsertIgnoresBackwardsTimestamps(t *testing.T) {
	s := New(3, 120*time.Second)
	t0 := time.Now()

	s.Upsert(sampleAt("J1", 19.0760, 72.8777, 10, t0))
	snap, delta := s.Upsert(sampleAt("J1", 19.0850, 72.8850, 10, t0.Add(-30*time.Second)))

	assert.Equal(t, 0.0, delta)
	assert.Equal(t, 0.0, snap.CumulativeDistanceKm)
}

func TestStalenessIsDerivedAtReadTime(t *testing.T) {
	s := New(3, 120*time.Second)
	t0 := time.Now()

	s.Upsert(sampleAt("J1", 19.0760, 72.8777, 10, t0))

	snap, ok := s.Get("J1")
	require.True(t, ok)
	assert.False(t, snap.IsStale)

	// no sample and no background process, only the clock advances
	s.now = func() time.Time { return t0.Add(121 * time.Second) }

	snap, ok = s.Get("J1")
	require.True(t, ok)
	assert.True(t, snap.IsStale)
}

func TestEvict(t *testing.T) {
	s := New(3, 120*time.Second)
	s.Upsert(sampleAt("J1", 19.0760, 72.8777, 0, time.Now()))

	s.Evict("J1")

	_, ok := s.Get("J1")
	assert.False(t, ok)
	assert.Equal(t, 0, s.ActiveJobs())
}

func TestSeedDoesNotOverwriteLiveState(t *testing.T) {
	s := New(3, 120*time.Second)
	now := time.Now()

	s.Seed(Snapshot{JobID: "J1", CumulativeDistanceKm: 12.5, SampleCount: 40, LastTimestamp: now})
	snap, ok := s.Get("J1")
	require.True(t, ok)
	assert.Equal(t, 12.5, snap.CumulativeDistanceKm)

	s.Seed(Snapshot{JobID: "J1", CumulativeDistanceKm: 99, SampleCount: 1, LastTimestamp: now})
	snap, _ = s.Get("J1")
	assert.Equal(t, 12.5, snap.CumulativeDistanceKm)
}

func TestAvgSpeedKmh(t *testing.T) {
	assert.Equal(t, 0.0, Snapshot{}.AvgSpeedKmh())
	snap := Snapshot{CumulativeDistanceKm: 50, CumulativeDurationSec: 3600}
	assert.InDelta(t, 50.0, snap.AvgSpeedKmh(), 1e-9)
}
