package worker

import "errors"

var (
	// ErrNilScheduler is returned when a pool is created without a
	// scheduler.
	ErrNilScheduler = errors.New("worker: nil scheduler")

	// ErrNoSubtaskRunner is returned when a queued subtask arrives and no
	// SubtaskFunc is configured.
	ErrNoSubtaskRunner = errors.New("worker: no subtask runner configured")

	// ErrAlreadyStarted is returned by Start on a running pool.
	ErrAlreadyStarted = errors.New("worker: pool already started")

	// ErrNotStarted is returned by Stop on a pool that never started.
	ErrNotStarted = errors.New("worker: pool not started")

	// ErrHealthcheckFailed wraps the specific condition that failed a
	// health probe.
	ErrHealthcheckFailed = errors.New("worker: healthcheck failed")

	// ErrPoolNotRunning indicates a health probe against a stopped pool.
	ErrPoolNotRunning = errors.New("worker: pool not running")
)
