package health

import "errors"

var (
	ErrHealthcheckFailed     = errors.New("health check failed")
	ErrCritical              = errors.New("system health is critical")
	ErrNoQueueSource         = errors.New("health monitor requires a queue source")
	ErrMonitorAlreadyRunning = errors.New("health monitor is already running")
	ErrMonitorNotRunning     = errors.New("health monitor is not running")
)
