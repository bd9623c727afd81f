package executor

import (
	"context"
	"time"
)

// Config controls the execution pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 disables the default.
	DefaultTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for in-flight and queued work
	// before cancelling stragglers.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// Task is a single execution handed over by the scheduler core. The pool
// knows nothing about schedules, priorities or retries; it runs the body
// once and reports what happened.
type Task struct {
	JobID   string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Result is the outcome of one Task execution, delivered asynchronously to
// the report callback from a worker goroutine.
type Result struct {
	JobID    string
	Name     string
	Started  time.Time
	Duration time.Duration
	Err      error

	// Cancelled is set when Cancel(jobID) was requested for this run. The
	// task body may still have finished normally; the outcome is reported as
	// cancelled either way and the caller decides what to keep.
	Cancelled bool
}

// ReportFunc receives results. It is called from worker goroutines and must
// do its own locking.
type ReportFunc func(Result)

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	Running  int
	Executed uint64
	Rejected uint64
}
