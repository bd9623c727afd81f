package core

import "errors"

var (
	ErrNotFound    = errors.New("job not found")
	ErrInvalidJob  = errors.New("invalid job")
	ErrCycle       = errors.New("dependency cycle")
	ErrUnknownDep  = errors.New("unknown prerequisite job")
	ErrNotPaused   = errors.New("job is not paused")
	ErrNotPausable = errors.New("job cannot be paused in its current state")
)
