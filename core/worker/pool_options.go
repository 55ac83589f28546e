package worker

import (
	"log/slog"
	"time"
)

// PoolOption is a functional option for configuring a pool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	size            int
	runners         int
	subtask         SubtaskFunc
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// WithWorkers sets the number of task worker threads.
func WithWorkers(n int) PoolOption {
	return func(o *poolOptions) {
		if n > 0 {
			o.size = n
		}
	}
}

// WithSignWorkers sets the number of subtask runner threads draining the
// fan-out queue.
func WithSignWorkers(n int) PoolOption {
	return func(o *poolOptions) {
		if n >= 0 {
			o.runners = n
		}
	}
}

// WithSubtaskFunc sets the function that executes fan-out queue items.
func WithSubtaskFunc(fn SubtaskFunc) PoolOption {
	return func(o *poolOptions) {
		if fn != nil {
			o.subtask = fn
		}
	}
}

// WithShutdownTimeout configures the maximum wait for active tasks during
// shutdown.
func WithShutdownTimeout(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithLogger sets the structured logger for pool diagnostics.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(o *poolOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
