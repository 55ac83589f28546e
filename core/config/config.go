package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrNotStructPointer is returned when Load receives anything other than
// a non-nil pointer to a struct.
var ErrNotStructPointer = errors.New("config: argument must be a non-nil struct pointer")

var (
	mu       sync.Mutex
	cache    = make(map[reflect.Type]any)
	loadOnce sync.Once
)

// Load populates cfg from the environment. The first call for a given
// struct type parses the environment; later calls return the cached
// value. A .env file in the working directory is loaded once, silently
// skipped when absent.
func Load(cfg any) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotStructPointer
	}

	loadOnce.Do(func() {
		_ = godotenv.Load()
	})

	t := v.Elem().Type()

	mu.Lock()
	defer mu.Unlock()

	if cached, ok := cache[t]; ok {
		v.Elem().Set(reflect.ValueOf(cached))
		return nil
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", t, err)
	}
	cache[t] = v.Elem().Interface()
	return nil
}

// MustLoad is Load that panics on failure.
func MustLoad(cfg any) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}

// Reset clears the type cache. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cache = make(map[reflect.Type]any)
}
