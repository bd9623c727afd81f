package core

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobd/internal/eventbus"
	"jobd/internal/job/executor"
	"jobd/internal/runtime/supervisor"
	logx "jobd/pkg/logx"
)

// Pool is the executor surface the core needs. *executor.Service satisfies it.
type Pool interface {
	Submit(t executor.Task) error
	Cancel(jobID string) bool
}

// Service is the scheduler core: the job registry, the ready queue and the
// dependency tracker behind one coordinating lock, plus the poll loop that
// feeds the executor pool. Results come back through Report, serialized
// through the same lock.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	pool Pool

	jobs    map[string]*job
	queue   *readyQueue
	deps    *depTracker
	retired *retiredIndex

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *supervisor.Supervisor

	// warnLimit throttles repeated saturation / dependency-deferral noise
	// from the poll loop.
	warnLimit *rate.Limiter

	counters Counters
}

func New(cfg Config, pool Pool, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		pool:      pool,
		jobs:      make(map[string]*job),
		queue:     newReadyQueue(),
		deps:      newDepTracker(),
		retired:   newRetiredIndex(cfg.RetainRetired),
		wakeCh:    make(chan struct{}, 1),
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Start launches the poll loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "core"))))

	stopCh := s.stopCh
	s.sup.GoRestart("poll", func(c context.Context) error {
		s.run(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		return c.Err()
	})

	s.log.Info("scheduler started", logx.Duration("poll", s.cfg.PollInterval))
}

// Stop halts the poll loop. In-flight executions are the executor's to
// finish or cancel; see executor.Service.Stop.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	_ = sup.Wait(ctx)

	s.mu.Lock()
	s.stopCh = nil
	s.stopDone = nil
	s.sup = nil
	s.mu.Unlock()
	close(done)

	s.log.Info("scheduler stopped")
}

// Apply updates the core tunables live. Retry and deferral settings affect
// occurrences dispatched after the call; queued entries keep their due times.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.wake()
	s.log.Info("scheduler config applied", logx.Duration("poll", cfg.PollInterval), logx.Int("retry_max", cfg.MaxRetries))
}

// wake nudges the poll loop after a queue mutation. Non-blocking; a pending
// nudge is enough.
func (s *Service) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// run is the poll loop. Sleeps until the earliest due time or the poll tick,
// whichever comes first, and wakes early on submit/cancel/result.
func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		wait := s.dispatchDue(time.Now())

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.wakeCh:
		case <-timer.C:
		}
	}
}

// dispatchDue pops and dispatches every entry that is due at now, and
// returns how long the loop may sleep before the next check.
func (s *Service) dispatchDue(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	poll := s.cfg.PollInterval

	for {
		e := s.queue.peek()
		if e == nil {
			return poll
		}
		if e.due.After(now) {
			wait := e.due.Sub(now)
			if wait > poll {
				wait = poll
			}
			return wait
		}

		s.queue.pop()
		j := s.jobs[e.jobID]
		if j == nil {
			continue // retired while queued
		}

		switch j.status {
		case StatusPaused, StatusCancelled:
			continue // dropped

		case StatusRunning:
			// A second firing while the previous run is still going: defer,
			// never dispatch in parallel with itself.
			s.counters.DeferredOverlap++
			s.queue.push(j.id, now.Add(poll), j.priority)
			s.publish(eventbus.TypeJobDeferred, j.id, "running")
			continue

		case StatusScheduled:
			if !s.deps.canExecute(j.id) {
				s.counters.DeferredDeps++
				s.queue.push(j.id, now.Add(s.cfg.DependencyBackoff), j.priority)
				s.publish(eventbus.TypeJobDeferred, j.id, "dependencies")
				if s.warnLimit.Allow() {
					s.log.Debug("job deferred: prerequisites not complete", logx.String("job", j.name), logx.String("id", j.id))
				}
				continue
			}

			if j.retryCount == 0 {
				j.lastDue = e.due
			}
			err := s.pool.Submit(executor.Task{JobID: j.id, Name: j.name, Run: j.task})
			switch err {
			case nil:
				j.status = StatusRunning
				s.counters.Dispatched++
			case executor.ErrSaturated, executor.ErrStopped:
				// Never dropped: keep the original due time and queue slot
				// so priority and submit order still decide who gets the
				// next free worker, and try again on the next poll tick.
				s.counters.RequeuedSaturated++
				s.queue.restore(e)
				if s.warnLimit.Allow() {
					s.log.Warn("executor saturated; job requeued", logx.String("job", j.name), logx.String("id", j.id))
				}
				return poll
			case executor.ErrAlreadyRunning:
				s.counters.DeferredOverlap++
				s.queue.push(j.id, now.Add(poll), j.priority)
				continue
			default:
				// Submit validation errors mean a malformed registry entry;
				// fail the occurrence instead of spinning on it.
				s.log.Error("dispatch failed", logx.String("job", j.name), logx.String("id", j.id), logx.Any("err", err))
				r := Result{
					JobID:   j.id,
					Name:    j.name,
					Status:  StatusFailed,
					At:      now,
					Attempt: j.retryCount + 1,
					Error:   err.Error(),
				}
				j.appendResult(r, s.cfg.HistorySize)
				s.publish(eventbus.TypeJobFailed, j.id, r)
				s.finishOccurrenceLocked(j, r, now)
			}

		default:
			// Terminal entries should never still be queued.
			continue
		}
	}
}

// Report ingests an execution result. It is the executor's report callback
// and runs on worker goroutines; all registry mutation happens under the
// coordinating lock.
func (s *Service) Report(res executor.Result) {
	now := time.Now()

	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.wake()
	}()

	j := s.jobs[res.JobID]
	if j == nil {
		// Cancelled and retired while running: result is discarded.
		return
	}
	if j.status != StatusRunning {
		return
	}

	r := Result{
		JobID:    res.JobID,
		Name:     j.name,
		At:       res.Started,
		Duration: res.Duration,
		Attempt:  j.retryCount + 1,
	}

	switch {
	case res.Cancelled:
		r.Status = StatusCancelled
		r.Error = "cancelled"
		j.appendResult(r, s.cfg.HistorySize)
		s.retireLocked(j, StatusCancelled)
		s.publish(eventbus.TypeJobCancelled, j.id, r)

	case res.Err != nil:
		r.Status = StatusFailed
		r.Error = res.Err.Error()
		j.appendResult(r, s.cfg.HistorySize)
		s.publish(eventbus.TypeJobFailed, j.id, r)

		if j.retryCount < j.maxRetries {
			j.retryCount++
			s.counters.Retries++
			delay := retryDelay(s.cfg, j.retryCount)
			j.status = StatusScheduled
			s.queue.push(j.id, now.Add(delay), j.priority)
			s.publish(eventbus.TypeJobRetry, j.id, delay.String())
			s.log.Debug("job retry scheduled",
				logx.String("job", j.name),
				logx.String("id", j.id),
				logx.Int("retry", j.retryCount),
				logx.Int("max", j.maxRetries),
				logx.Duration("delay", delay),
			)
			return
		}

		// Retry budget exhausted for this occurrence.
		s.finishOccurrenceLocked(j, r, now)

	default:
		r.Status = StatusCompleted
		j.appendResult(r, s.cfg.HistorySize)
		s.publish(eventbus.TypeJobCompleted, j.id, r)
		s.finishOccurrenceLocked(j, r, now)
	}
}

// finishOccurrenceLocked ends the current occurrence with the given result
// and either schedules the next occurrence or retires the job. A success
// resets the retry budget; an exhausted retry chain only ends the current
// occurrence, the next recurrence still fires. Call with s.mu held.
func (s *Service) finishOccurrenceLocked(j *job, r Result, now time.Time) {
	s.deps.markTerminal(j.id, r.Status)
	j.retryCount = 0

	next, ok := j.sched.Next(j.lastDue, now)
	if !ok {
		s.retireLocked(j, r.Status)
		return
	}

	j.status = StatusScheduled
	s.queue.push(j.id, next, j.priority)
	s.publish(eventbus.TypeJobScheduled, j.id, next)
	s.log.Debug("job rescheduled", logx.String("job", j.name), logx.String("id", j.id), logx.Time("due", next))
}

// retireLocked removes the job from the registry, keeping its terminal
// status and history queryable through the retired index. Call with s.mu held.
func (s *Service) retireLocked(j *job, final Status) {
	j.status = final
	s.deps.markTerminal(j.id, final)
	s.deps.forget(j.id)
	s.queue.remove(j.id)
	s.retired.add(j)
	delete(s.jobs, j.id)
	s.publish(eventbus.TypeJobRetired, j.id, final.String())
	s.log.Debug("job retired", logx.String("job", j.name), logx.String("id", j.id), logx.String("status", final.String()))
}

func (s *Service) publish(typ, jobID string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, JobID: jobID, Data: data})
}

// retryDelay computes the exponential backoff for the given retry number
// (1 = first retry): base, 2*base, 4*base, ... capped at RetryMaxDelay.
func retryDelay(cfg Config, retry int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			return cfg.RetryMaxDelay
		}
	}
	if d > cfg.RetryMaxDelay {
		return cfg.RetryMaxDelay
	}
	return d
}
