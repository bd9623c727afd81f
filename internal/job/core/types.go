package core

import (
	"context"
	"time"

	"jobd/internal/job/schedule"
)

// Status is the lifecycle state of a job.
//
// Transitions:
//
//	SCHEDULED -> RUNNING -> {COMPLETED, FAILED}
//	FAILED (retries remaining) -> SCHEDULED
//	SCHEDULED <-> PAUSED
//	any non-terminal -> CANCELLED
//
// COMPLETED, FAILED (retries exhausted) and CANCELLED are terminal for an
// occurrence; recurring jobs cycle back to SCHEDULED for the next one.
type Status int

const (
	StatusScheduled Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "SCHEDULED"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusPaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further automatic transition occurs.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders jobs that are due at the same instant.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Task is a job body. It should honor ctx for cooperative cancellation.
type Task func(ctx context.Context) error

// Result records the outcome of one execution attempt.
type Result struct {
	JobID    string        `json:"job_id"`
	Name     string        `json:"name"`
	Status   Status        `json:"status"` // COMPLETED, FAILED or CANCELLED
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Attempt  int           `json:"attempt"` // 1 = first try of the occurrence
	Error    string        `json:"error,omitempty"`
}

// SubmitRequest describes a job to schedule.
type SubmitRequest struct {
	Name     string
	Task     Task
	Schedule schedule.Schedule
	Priority Priority

	// MaxRetries is the retry budget per occurrence. 0 means the config
	// default; negative means no retries.
	MaxRetries int

	// DependsOn lists prerequisite job ids. Every execution is gated until
	// each prerequisite's latest terminal status is COMPLETED.
	DependsOn []string
}

// job is the registry entry. It is owned by the Service and only ever
// mutated under the coordinating lock.
type job struct {
	id         string
	name       string
	task       Task
	sched      schedule.Schedule
	priority   Priority
	status     Status
	retryCount int
	maxRetries int
	dependsOn  []string

	// lastDue is the due time of the occurrence currently being (or last)
	// executed. It drives the next-occurrence computation so retry delays
	// don't shift the recurrence cadence.
	lastDue time.Time

	results []Result
}

func (j *job) appendResult(r Result, cap int) {
	j.results = append(j.results, r)
	if cap > 0 && len(j.results) > cap {
		j.results = j.results[len(j.results)-cap:]
	}
}

// Config controls the scheduler core.
type Config struct {
	// PollInterval bounds the cadence of the due-time loop.
	PollInterval time.Duration

	// DependencyBackoff is how long a job with unmet prerequisites is
	// deferred before the next readiness check.
	DependencyBackoff time.Duration

	// MaxRetries is the default per-occurrence retry budget.
	MaxRetries int

	// RetryBase seeds the exponential backoff: delay = base * 2^(retry-1).
	RetryBase time.Duration

	// RetryMaxDelay caps a single retry delay.
	RetryMaxDelay time.Duration

	// HistorySize caps the per-job result history.
	HistorySize int

	// RetainRetired caps how many retired jobs stay queryable via
	// Status/History after leaving the registry.
	RetainRetired int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.DependencyBackoff <= 0 {
		c.DependencyBackoff = 250 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	if c.RetainRetired <= 0 {
		c.RetainRetired = 256
	}
	return c
}

// JobInfo is a point-in-time copy of a registry entry for diagnostics.
type JobInfo struct {
	ID         string
	Name       string
	Schedule   string
	Priority   Priority
	Status     Status
	RetryCount int
	MaxRetries int
	DependsOn  []string
	NextDue    time.Time
}

// Snapshot is a lightweight view of the core for diagnostics.
type Snapshot struct {
	Jobs     []JobInfo
	QueueLen int
	Running  int
	Retired  int
	Started  bool
	Counters Counters
}

// Counters are lifetime operational counters.
type Counters struct {
	Dispatched        uint64
	DeferredDeps      uint64
	DeferredOverlap   uint64
	RequeuedSaturated uint64
	Retries           uint64
}
