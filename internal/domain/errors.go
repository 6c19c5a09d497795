package domain

import "errors"

var (
	// ErrInvalidSample marks a sample with malformed fields or out-of-bounds
	// coordinates. Such samples are never persisted or broadcast.
	ErrInvalidSample = errors.New("invalid sample")

	// ErrUnauthorizedSample marks a sample whose submitter does not match the
	// job's assigned driver, or whose job is already terminal.
	ErrUnauthorizedSample = errors.New("unauthorized sample")

	// ErrJobNotFound is returned when a job cannot be resolved
	ErrJobNotFound = errors.New("job not found")

	// ErrWaypointNotFound is returned on check-in against an unknown or
	// already completed waypoint.
	ErrWaypointNotFound = errors.New("waypoint not found")

	// ErrSampleDropped marks a sample evicted from a full per-job queue in
	// favor of newer fixes.
	ErrSampleDropped = errors.New("sample dropped")

	// ErrPersistenceFailure marks a durable write that kept failing after
	// bounded retries. The sample is not broadcast.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrGatewayClosed is returned for submissions after shutdown began
	ErrGatewayClosed = errors.New("gateway closed")
)
