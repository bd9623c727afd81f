package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"jobd/internal/eventbus"
	"jobd/internal/job/schedule"
	logx "jobd/pkg/logx"
)

// Submit registers a job and schedules its first occurrence. It returns the
// generated job id.
func (s *Service) Submit(req SubmitRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidJob)
	}
	if req.Task == nil {
		return "", fmt.Errorf("%w: nil task", ErrInvalidJob)
	}
	if err := req.Schedule.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	now := time.Now()
	first, ok := req.Schedule.Next(time.Time{}, now)
	if !ok {
		return "", fmt.Errorf("%w: schedule yields no occurrence", ErrInvalidJob)
	}

	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	maxRetries := req.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = s.cfg.MaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	// Prerequisites must name jobs the tracker knows: either still live or
	// with a recorded terminal status.
	for _, dep := range req.DependsOn {
		if _, live := s.jobs[dep]; live {
			continue
		}
		if _, done := s.deps.hasTerminal(dep); done {
			continue
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownDep, dep)
	}
	j := &job{
		id:         id,
		name:       req.Name,
		task:       req.Task,
		sched:      req.Schedule,
		priority:   req.Priority,
		status:     StatusScheduled,
		maxRetries: maxRetries,
		dependsOn:  append([]string(nil), req.DependsOn...),
	}
	s.jobs[id] = j
	s.deps.register(id, j.dependsOn)
	s.queue.push(id, first, j.priority)
	s.publish(eventbus.TypeJobScheduled, id, first)
	s.wake()

	s.log.Info("job submitted",
		logx.String("job", j.name),
		logx.String("id", id),
		logx.String("schedule", j.sched.String()),
		logx.String("priority", j.priority.String()),
		logx.Time("due", first),
	)
	return id, nil
}

// Cancel removes a job from further scheduling. A running execution gets a
// cooperative cancel through the executor. Cancelling an absent or already
// retired job is a no-op.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	wasRunning := j.status == StatusRunning
	s.retireLocked(j, StatusCancelled)
	s.mu.Unlock()

	if wasRunning {
		s.pool.Cancel(id)
	}
	s.publish(eventbus.TypeJobCancelled, id, nil)
	s.wake()
	s.log.Info("job cancelled", logx.String("job", j.name), logx.String("id", id))
	return nil
}

// Pause takes a SCHEDULED job out of the ready queue until Resume. A running
// execution cannot be paused.
func (s *Service) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.status != StatusScheduled {
		return fmt.Errorf("%w: %s", ErrNotPausable, j.status)
	}
	j.status = StatusPaused
	s.queue.remove(id)
	s.publish(eventbus.TypeJobPaused, id, nil)
	s.log.Info("job paused", logx.String("job", j.name), logx.String("id", id))
	return nil
}

// Resume puts a paused job back on the queue. Occurrences missed while
// paused are skipped, never replayed: the next due time is the first
// occurrence the schedule yields at or after now. A one-time job is the
// exception, its single occurrence fires as soon as it is resumed.
func (s *Service) Resume(id string) error {
	now := time.Now()

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if j.status != StatusPaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPaused, j.status)
	}

	next, hasNext := j.sched.Next(j.lastDue, now)
	if hasNext && next.Before(now) {
		switch j.sched.Kind {
		case schedule.KindOneTime:
			next = now
		case schedule.KindRecurring:
			// Jump ahead on the original cadence instead of firing late.
			steps := now.Sub(next) / j.sched.Interval
			next = next.Add(steps * j.sched.Interval)
			if next.Before(now) {
				next = next.Add(j.sched.Interval)
			}
			if !j.sched.End.IsZero() && next.After(j.sched.End) {
				hasNext = false
			}
		case schedule.KindCron:
			// A past match must not fire at a non-matching instant; scan
			// forward from now instead.
			next, hasNext = j.sched.Next(time.Time{}, now)
		}
	}
	if !hasNext {
		// The schedule ran out while paused; nothing left to fire.
		s.retireLocked(j, StatusCompleted)
		s.mu.Unlock()
		return nil
	}
	j.status = StatusScheduled
	s.queue.push(id, next, j.priority)
	s.publish(eventbus.TypeJobResumed, id, next)
	s.mu.Unlock()

	s.wake()
	s.log.Info("job resumed", logx.String("job", j.name), logx.String("id", id), logx.Time("due", next))
	return nil
}

// AddDependency gates jobID's future executions on prereqID completing. The
// edge is rejected if it would close a cycle.
func (s *Service) AddDependency(jobID, prereqID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if _, live := s.jobs[prereqID]; !live {
		if _, done := s.deps.hasTerminal(prereqID); !done {
			return fmt.Errorf("%w: %s", ErrUnknownDep, prereqID)
		}
	}
	if err := s.deps.addEdge(jobID, prereqID); err != nil {
		return err
	}
	j.dependsOn = append(j.dependsOn, prereqID)
	return nil
}

// Status returns the job's current lifecycle state. Retired jobs keep
// answering with their terminal status while retained.
func (s *Service) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok {
		return j.status, nil
	}
	if e, ok := s.retired.get(id); ok {
		return e.status, nil
	}
	return 0, ErrNotFound
}

// History returns the job's execution results, oldest first.
func (s *Service) History(id string) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok {
		return append([]Result(nil), j.results...), nil
	}
	if e, ok := s.retired.get(id); ok {
		return append([]Result(nil), e.results...), nil
	}
	return nil, ErrNotFound
}

// Info returns a point-in-time copy of a live job's registry entry.
func (s *Service) Info(id string) (JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return JobInfo{}, ErrNotFound
	}
	return s.infoLocked(j), nil
}

func (s *Service) infoLocked(j *job) JobInfo {
	info := JobInfo{
		ID:         j.id,
		Name:       j.name,
		Schedule:   j.sched.String(),
		Priority:   j.priority,
		Status:     j.status,
		RetryCount: j.retryCount,
		MaxRetries: j.maxRetries,
		DependsOn:  append([]string(nil), j.dependsOn...),
	}
	if due, ok := s.queue.nextDue(j.id); ok {
		info.NextDue = due
	}
	return info
}

// Snapshot reports the core's current state for diagnostics.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		QueueLen: s.queue.len(),
		Retired:  s.retired.len(),
		Started:  s.stopCh != nil,
		Counters: s.counters,
	}
	for _, j := range s.jobs {
		if j.status == StatusRunning {
			snap.Running++
		}
		snap.Jobs = append(snap.Jobs, s.infoLocked(j))
	}
	return snap
}
