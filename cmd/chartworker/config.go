package main

import (
	"github.com/dmitrymomot/chartworker/core/cache"
	"github.com/dmitrymomot/chartworker/core/health"
	"github.com/dmitrymomot/chartworker/core/logger"
	"github.com/dmitrymomot/chartworker/core/queue"
	"github.com/dmitrymomot/chartworker/core/server"
	"github.com/dmitrymomot/chartworker/integration/database/redis"
	"github.com/dmitrymomot/chartworker/pkg/ratelimiter"
)

const (
	storagePostgres = "postgres"
	storageMemory   = "memory"

	limitStoreRedis  = "redis"
	limitStoreMemory = "memory"
)

// Config is the process configuration. PostgreSQL settings are loaded
// separately, only when the queue is durable.
type Config struct {
	QueueStorage   string `env:"QUEUE_STORAGE" envDefault:"postgres" validate:"oneof=postgres memory"`
	RateLimitStore string `env:"RATE_LIMIT_STORE" envDefault:"redis" validate:"oneof=redis memory"`
	MetricsEnabled bool   `env:"METRICS_STDOUT" envDefault:"false"`

	Logger    logger.Config
	Queue     queue.Config
	Cache     cache.Config
	Health    health.Config
	HTTP      server.Config
	Redis     redis.Config
	RateLimit ratelimiter.Config
}
