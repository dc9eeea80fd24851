// Package config loads environment variables into typed structs.
//
// Load parses a struct with caarlos0/env tags, validates it with
// go-playground/validator tags and caches the result per type. A .env file in
// the working directory is read once on first use.
//
//	type AppConfig struct {
//		Queue  queue.Config
//		Cache  cache.Config
//		Logger logger.Config
//	}
//
//	var cfg AppConfig
//	config.MustLoad(&cfg)
//
// Each type is loaded once per process; Reset clears the cache, which is
// mostly useful in tests.
package config
