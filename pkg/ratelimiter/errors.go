package ratelimiter

import "errors"

var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidTokenCount = errors.New("invalid token count")
	ErrNilStore          = errors.New("rate limiter store is nil")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	ErrStoreAlreadyRunning = errors.New("rate limiter store cleanup is already running")
	ErrStoreNotRunning     = errors.New("rate limiter store cleanup is not running")
)
