package async

import "errors"

var (
	ErrTimeout   = errors.New("async: timed out waiting for result")
	ErrNoFutures = errors.New("async: no futures to wait on")
)
