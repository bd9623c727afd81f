package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"jobd/internal/eventbus"
	logx "jobd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh, drainCh <-chan struct{}, queue <-chan Task, idx int) {
	for {
		// Fast-exit check so a hard stop wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t, idx)
		case <-drainCh:
			// Drain mode: finish whatever is still queued, then exit.
			select {
			case t := <-queue:
				s.execOne(ctx, t, idx)
			default:
				return
			}
		}
	}
}

func (s *Service) execOne(ctx context.Context, t Task, idx int) {
	start := time.Now()

	var runCtx context.Context
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	s.runMu.Lock()
	h := s.inflight[t.JobID]
	if h == nil {
		// Submit always registers a handle; tolerate a missing one anyway.
		h = &runHandle{}
		s.inflight[t.JobID] = h
	}
	h.cancel = cancel
	preCancelled := h.cancelled.Load()
	s.runMu.Unlock()

	var err error
	if preCancelled {
		// Cancelled while still queued: report without running the body.
		err = context.Canceled
	} else {
		s.log.Debug("job run started", logx.String("job", t.Name), logx.String("id", t.JobID), logx.Int("worker", idx))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Time: start, JobID: t.JobID, Data: t.Name})
		}

		// Guard against task panics: convert to an error so one bad job can't
		// take down a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("job panicked",
						logx.String("job", t.Name),
						logx.String("id", t.JobID),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
				}
			}()
			err = t.Run(runCtx)
		}()
	}
	cancel()

	s.runMu.Lock()
	cancelled := h.cancelled.Load()
	delete(s.inflight, t.JobID)
	s.runMu.Unlock()

	dur := time.Since(start)
	atomic.AddUint64(&s.executed, 1)

	res := Result{
		JobID:     t.JobID,
		Name:      t.Name,
		Started:   start,
		Duration:  dur,
		Err:       err,
		Cancelled: cancelled,
	}

	switch {
	case cancelled:
		s.log.Debug("job run cancelled", logx.String("job", t.Name), logx.String("id", t.JobID), logx.Duration("dur", dur))
	case err != nil:
		s.log.Warn("job run failed", logx.String("job", t.Name), logx.String("id", t.JobID), logx.Any("err", err), logx.Duration("dur", dur))
	default:
		s.log.Debug("job run completed", logx.String("job", t.Name), logx.String("id", t.JobID), logx.Duration("dur", dur))
	}

	if s.report != nil {
		s.report(res)
	}
}
