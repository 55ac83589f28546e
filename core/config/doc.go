// Package config provides type-safe environment variable loading with
// caching. Each configuration type is loaded once and cached for
// subsequent calls.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct
// fields.
//
//	type PoolConfig struct {
//		Workers int `env:"WORKER_POOL_SIZE" envDefault:"4"`
//	}
//
//	var cfg PoolConfig
//	if err := config.Load(&cfg); err != nil {
//		log.Fatal(err)
//	}
//
// MustLoad panics on failure, which is the right behavior during daemon
// startup.
package config
