package cache

import (
	"context"
	"log/slog"
	"time"

	"fleettrack/internal/domain"
	"fleettrack/internal/track"
)

// SampleHistory is the persisted-sample source states are rebuilt from
type SampleHistory interface {
	ActiveJobIDs(ctx context.Context) ([]string, error)
	RecentSamples(ctx context.Context, jobID string, limit int) ([]domain.LocationSample, error)
}

// StateWarmer reseeds the tracking state store on startup. Cached snapshots
// win; jobs without one are replayed from their recent persisted samples.
// Tracking state is a cache, not a system of record, so a partial warm is
// acceptable.
type StateWarmer struct {
	cache   *RedisCache
	states  *track.Store
	history SampleHistory
	logger  *slog.Logger
}

const replayLimit = 200

func NewStateWarmer(cache *RedisCache, states *track.Store, history SampleHistory, logger *slog.Logger) *StateWarmer {
	return &StateWarmer{
		cache:   cache,
		states:  states,
		history: history,
		logger:  logger.With("component", "state_warmer"),
	}
}

func (w *StateWarmer) Warm(ctx context.Context) error {
	start := time.Now()

	jobIDs, err := w.history.ActiveJobIDs(ctx)
	if err != nil {
		return err
	}

	cached, replayed := 0, 0
	for _, jobID := range jobIDs {
		if w.cache != nil {
			var snap track.Snapshot
			hit, err := w.cache.GetJSON(ctx, KeyTrackingState(jobID), &snap)
			if err == nil && hit {
				w.states.Seed(snap)
				cached++
				continue
			}
		}

		samples, err := w.history.RecentSamples(ctx, jobID, replayLimit)
		if err != nil {
			w.logger.Warn("sample replay failed", "job_id", jobID, "error", err)
			continue
		}
		for i := range samples {
			w.states.Upsert(&samples[i])
		}
		if len(samples) > 0 {
			replayed++
		}
	}

	w.logger.Info("tracking state warmed",
		"jobs", len(jobIDs),
		"from_cache", cached,
		"from_samples", replayed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
