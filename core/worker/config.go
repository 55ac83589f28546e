package worker

import "time"

// Config holds the configuration for the worker pool.
type Config struct {
	Workers         int           `env:"WORKER_POOL_SIZE" envDefault:"4"`
	SignWorkers     int           `env:"WORKER_SIGN_POOL_SIZE" envDefault:"4"`
	ShutdownTimeout time.Duration `env:"WORKER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns the built-in pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		SignWorkers:     4,
		ShutdownTimeout: 30 * time.Second,
	}
}
