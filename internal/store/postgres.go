package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleettrack/internal/domain"
)

// Postgres is the durable side of the tracking core: an append-only sample
// log plus read access to the job/waypoint/geofence records owned by the
// CRUD services.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	return &Postgres{
		pool:   pool,
		logger: logger.With("component", "postgres"),
	}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate ensures the tracking tables exist. location_samples is owned by
// this service; the job, waypoint and geofence tables mirror the CRUD
// schema and are created here only so the service runs standalone.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			client_id TEXT,
			driver_id TEXT NOT NULL,
			vehicle_id TEXT,
			status TEXT NOT NULL DEFAULT 'PENDING'
		)`,
		`CREATE TABLE IF NOT EXISTS waypoints (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			sequence INT NOT NULL,
			kind TEXT NOT NULL,
			lat DOUBLE PRECISION NOT NULL,
			lng DOUBLE PRECISION NOT NULL,
			is_completed BOOLEAN NOT NULL DEFAULT FALSE,
			completed_at TIMESTAMPTZ,
			UNIQUE (job_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS geofences (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			center_lat DOUBLE PRECISION NOT NULL DEFAULT 0,
			center_lng DOUBLE PRECISION NOT NULL DEFAULT 0,
			radius_km DOUBLE PRECISION NOT NULL DEFAULT 0,
			polygon JSONB,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS location_samples (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			driver_id TEXT NOT NULL,
			vehicle_id TEXT,
			lat DOUBLE PRECISION NOT NULL,
			lng DOUBLE PRECISION NOT NULL,
			speed_kmh DOUBLE PRECISION NOT NULL DEFAULT 0,
			heading DOUBLE PRECISION NOT NULL DEFAULT -1,
			accuracy_m DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL,
			battery_level DOUBLE PRECISION,
			source TEXT,
			UNIQUE (job_id, recorded_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_location_samples_job_recorded
			ON location_samples (job_id, recorded_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	p.logger.Info("migrations applied")
	return nil
}

// InsertSample appends a sample to the durable log. Duplicates on
// (job_id, recorded_at) are absorbed by the unique constraint; the return
// value reports whether a new row was written.
func (p *Postgres) InsertSample(ctx context.Context, s *domain.LocationSample) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO location_samples
			(id, job_id, driver_id, vehicle_id, lat, lng, speed_kmh, heading, accuracy_m, recorded_at, battery_level, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id, recorded_at) DO NOTHING
	`, s.ID, s.JobID, s.DriverID, s.VehicleID, s.Lat, s.Lng, s.SpeedKmh, s.Heading, s.AccuracyM, s.RecordedAt, s.BatteryLevel, s.Source)
	if err != nil {
		return false, fmt.Errorf("insert sample: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetJob loads a job with its waypoints ordered by sequence
func (p *Postgres) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job := &domain.Job{}
	var clientID, vehicleID *string
	err := p.pool.QueryRow(ctx, `
		SELECT id, company_id, client_id, driver_id, vehicle_id, status
		FROM jobs
		WHERE id = $1
	`, jobID).Scan(&job.ID, &job.CompanyID, &clientID, &job.DriverID, &vehicleID, &job.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	if clientID != nil {
		job.ClientID = *clientID
	}
	if vehicleID != nil {
		job.VehicleID = *vehicleID
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, job_id, sequence, kind, lat, lng, is_completed, completed_at
		FROM waypoints
		WHERE job_id = $1
		ORDER BY sequence ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select waypoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w domain.Waypoint
		if err := rows.Scan(&w.ID, &w.JobID, &w.Sequence, &w.Kind, &w.Lat, &w.Lng, &w.IsCompleted, &w.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan waypoint: %w", err)
		}
		job.Waypoints = append(job.Waypoints, w)
	}
	return job, rows.Err()
}

// ActiveGeofences lists a company's active geofences
func (p *Postgres) ActiveGeofences(ctx context.Context, companyID string) ([]domain.Geofence, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, company_id, name, kind, center_lat, center_lng, radius_km, polygon, active
		FROM geofences
		WHERE company_id = $1 AND active
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("select geofences: %w", err)
	}
	defer rows.Close()

	var fences []domain.Geofence
	for rows.Next() {
		var f domain.Geofence
		if err := rows.Scan(&f.ID, &f.CompanyID, &f.Name, &f.Kind, &f.Center.Lat, &f.Center.Lng, &f.RadiusKm, &f.Polygon, &f.Active); err != nil {
			return nil, fmt.Errorf("scan geofence: %w", err)
		}
		fences = append(fences, f)
	}
	return fences, rows.Err()
}

// CompleteWaypoint marks a waypoint done on explicit driver check-in
func (p *Postgres) CompleteWaypoint(ctx context.Context, jobID, waypointID string, at time.Time) (*domain.Waypoint, error) {
	var w domain.Waypoint
	err := p.pool.QueryRow(ctx, `
		UPDATE waypoints
		SET is_completed = TRUE, completed_at = $3
		WHERE id = $1 AND job_id = $2 AND NOT is_completed
		RETURNING id, job_id, sequence, kind, lat, lng, is_completed, completed_at
	`, waypointID, jobID, at).Scan(&w.ID, &w.JobID, &w.Sequence, &w.Kind, &w.Lat, &w.Lng, &w.IsCompleted, &w.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWaypointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("complete waypoint: %w", err)
	}
	return &w, nil
}

// RecentSamples returns up to limit samples for a job in ascending time
// order, for rebuilding tracking state after a restart.
func (p *Postgres) RecentSamples(ctx context.Context, jobID string, limit int) ([]domain.LocationSample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, job_id, driver_id, vehicle_id, lat, lng, speed_kmh, heading, accuracy_m, recorded_at, battery_level, source
		FROM location_samples
		WHERE job_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("select samples: %w", err)
	}
	defer rows.Close()

	var samples []domain.LocationSample
	for rows.Next() {
		var s domain.LocationSample
		var vehicleID, source *string
		if err := rows.Scan(&s.ID, &s.JobID, &s.DriverID, &vehicleID, &s.Lat, &s.Lng, &s.SpeedKmh, &s.Heading, &s.AccuracyM, &s.RecordedAt, &s.BatteryLevel, &source); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if vehicleID != nil {
			s.VehicleID = *vehicleID
		}
		if source != nil {
			s.Source = *source
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse to ascending for replay
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// ActiveJobIDs lists jobs that may still produce samples
func (p *Postgres) ActiveJobIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM jobs WHERE status IN ('ASSIGNED', 'IN_TRANSIT')
	`)
	if err != nil {
		return nil, fmt.Errorf("select active jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
