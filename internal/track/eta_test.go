package track

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateETA(t *testing.T) {
	progress := Progress{TotalKm: 100, TraveledKm: 50, NearestWaypointKm: 20}

	t.Run("basic estimate", func(t *testing.T) {
		snap := Snapshot{CumulativeDistanceKm: 50, CumulativeDurationSec: 3600, SampleCount: 10}
		eta := EstimateETA(progress, snap, 5)
		require.NotNil(t, eta.Minutes)
		assert.InDelta(t, 60.0, *eta.Minutes, 1e-9)
		assert.Equal(t, 1.0, eta.Confidence)
	})

	t.Run("confidence halved when stale", func(t *testing.T) {
		snap := Snapshot{CumulativeDistanceKm: 50, CumulativeDurationSec: 3600, SampleCount: 10, IsStale: true}
		eta := EstimateETA(progress, snap, 5)
		assert.Equal(t, 0.5, eta.Confidence)
	})

	t.Run("confidence halved again for few samples", func(t *testing.T) {
		snap := Snapshot{CumulativeDistanceKm: 50, CumulativeDurationSec: 3600, SampleCount: 2, IsStale: true}
		eta := EstimateETA(progress, snap, 5)
		assert.Equal(t, 0.25, eta.Confidence)
	})

	t.Run("omitted at zero speed away from waypoints", func(t *testing.T) {
		snap := Snapshot{SampleCount: 10}
		eta := EstimateETA(progress, snap, 5)
		assert.Nil(t, eta.Minutes)
	})

	t.Run("zero minutes at a waypoint with zero speed", func(t *testing.T) {
		atStop := Progress{TotalKm: 100, TraveledKm: 100, NearestWaypointKm: 0.01}
		snap := Snapshot{SampleCount: 10}
		eta := EstimateETA(atStop, snap, 5)
		require.NotNil(t, eta.Minutes)
		assert.Equal(t, 0.0, *eta.Minutes)
	})

	t.Run("speed floor bounds crawling estimates", func(t *testing.T) {
		snap := Snapshot{CumulativeDistanceKm: 0.5, CumulativeDurationSec: 3600, SampleCount: 10}
		eta := EstimateETA(progress, snap, 5)
		require.NotNil(t, eta.Minutes)
		// floored at 5 km/h: 50 km remaining takes 600 minutes
		assert.InDelta(t, 600.0, *eta.Minutes, 1e-9)
	})

	t.Run("no negative remaining", func(t *testing.T) {
		over := Progress{TotalKm: 100, TraveledKm: 120, NearestWaypointKm: 1}
		snap := Snapshot{CumulativeDistanceKm: 120, CumulativeDurationSec: 3600, SampleCount: 10}
		eta := EstimateETA(over, snap, 5)
		require.NotNil(t, eta.Minutes)
		assert.Equal(t, 0.0, *eta.Minutes)
		assert.False(t, math.IsNaN(*eta.Minutes))
	})
}
