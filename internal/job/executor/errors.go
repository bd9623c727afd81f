package executor

import "errors"

var (
	ErrStopped        = errors.New("executor stopped")
	ErrSaturated      = errors.New("executor saturated")
	ErrAlreadyRunning = errors.New("job already running")
)
