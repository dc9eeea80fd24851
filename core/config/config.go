package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var (
	ErrNilConfig     = errors.New("config: target must be a non-nil pointer")
	ErrParse         = errors.New("config: failed to parse environment")
	ErrInvalidConfig = errors.New("config: validation failed")
)

var (
	dotenvOnce sync.Once
	validate   = validator.New(validator.WithRequiredStructEnabled())

	mu    sync.Mutex
	cache = make(map[reflect.Type]any)
)

// Load fills cfg from the environment, then validates it with the struct's
// `validate` tags. The first successful load of a type is cached and later
// calls copy the cached value. A .env file in the working directory, if
// present, is loaded once before the first parse; variables already set in
// the process take precedence.
func Load[T any](cfg *T) error {
	if cfg == nil {
		return ErrNilConfig
	}

	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})

	typ := reflect.TypeFor[T]()

	mu.Lock()
	defer mu.Unlock()

	if cached, ok := cache[typ]; ok {
		*cfg = cached.(T)
		return nil
	}

	var loaded T
	if err := env.Parse(&loaded); err != nil {
		return fmt.Errorf("%w: %w", ErrParse, err)
	}
	if err := validate.Struct(loaded); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cache[typ] = loaded
	*cfg = loaded
	return nil
}

// MustLoad is like Load but panics on failure. Intended for startup.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}

// Reset drops every cached type so the next Load reads the environment again.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	clear(cache)
}
