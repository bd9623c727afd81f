package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jobd/internal/eventbus"
	"jobd/internal/runtime/supervisor"
	logx "jobd/pkg/logx"
)

// Service is a fixed-size pool of workers draining a bounded queue.
//
// With QueueSize 0 the queue is unbuffered, so Submit only succeeds while a
// worker is idle; a larger QueueSize turns saturation into buffering instead
// of rejection.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	report ReportFunc

	q        chan Task
	drainCh  chan struct{}
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *supervisor.Supervisor

	runMu    sync.Mutex
	inflight map[string]*runHandle

	executed uint64
	rejected uint64
}

// runHandle tracks one accepted task from Submit until its result is
// reported. cancel is nil while the task is still queued.
type runHandle struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, report ReportFunc) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		report:   report,
		inflight: make(map[string]*runHandle),
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}

	cfg := s.cfg
	s.q = make(chan Task, cfg.QueueSize)
	s.drainCh = make(chan struct{})
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "executor"))))

	queue := s.q
	drainCh := s.drainCh
	stopCh := s.stopCh
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they exit unexpectedly.
		s.sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, drainCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			case <-drainCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("executor started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop drains in-flight and queued work up to the drain timeout, then
// cancels whatever is still running. Safe to call concurrently.
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
	drainCh := s.drainCh
	stopCh := s.stopCh
	sup := s.sup
	drain := s.cfg.DrainTimeout
	s.mu.Unlock()

	start := time.Now()
	close(drainCh)

	drainCtx, cancel := context.WithTimeout(ctx, drain)
	err := sup.Wait(drainCtx)
	cancel()
	if err != nil {
		// Drain window elapsed: interrupt remaining tasks cooperatively.
		s.log.Warn("executor drain timed out; cancelling remaining work", logx.Duration("after", drain))
		close(stopCh)
		sup.Cancel()
		_ = sup.Wait(ctx)
	} else {
		close(stopCh)
		sup.Cancel()
	}

	s.mu.Lock()
	s.q = nil
	s.drainCh = nil
	s.stopCh = nil
	s.sup = nil
	s.stopDone = nil
	s.mu.Unlock()
	close(done)

	s.log.Info("executor stopped", logx.Duration("took", time.Since(start)))
}

// Submit hands a task to the pool without blocking. It enforces the
// no-self-overlap invariant: a job id that is already queued or running is
// rejected with ErrAlreadyRunning.
func (s *Service) Submit(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if strings.TrimSpace(t.JobID) == "" {
		return errors.New("task JobID is required")
	}

	s.mu.Lock()
	q := s.q
	stopping := s.stopDone != nil
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()

	if q == nil || stopping {
		return ErrStopped
	}
	t.Timeout = timeout

	s.runMu.Lock()
	if _, busy := s.inflight[t.JobID]; busy {
		s.runMu.Unlock()
		return ErrAlreadyRunning
	}
	h := &runHandle{}
	s.inflight[t.JobID] = h
	s.runMu.Unlock()

	select {
	case q <- t:
		return nil
	default:
		s.runMu.Lock()
		delete(s.inflight, t.JobID)
		s.runMu.Unlock()
		atomic.AddUint64(&s.rejected, 1)
		return ErrSaturated
	}
}

// Running reports whether the job id is currently queued or executing.
func (s *Service) Running(jobID string) bool {
	s.runMu.Lock()
	_, ok := s.inflight[jobID]
	s.runMu.Unlock()
	return ok
}

// Cancel requests a best-effort cooperative interruption of the job's
// current run. It returns false when the job is not in flight. A task body
// that ignores its context is allowed to finish; its result is reported as
// cancelled regardless.
func (s *Service) Cancel(jobID string) bool {
	s.runMu.Lock()
	h, ok := s.inflight[jobID]
	var cancel context.CancelFunc
	if ok {
		h.cancelled.Store(true)
		cancel = h.cancel
	}
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	return ok
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	workers := s.cfg.Workers
	ql, qc := 0, 0
	if s.q != nil {
		ql = len(s.q)
		qc = cap(s.q)
	}
	s.mu.Unlock()

	s.runMu.Lock()
	running := len(s.inflight)
	s.runMu.Unlock()

	return Snapshot{
		Workers:  workers,
		QueueLen: ql,
		QueueCap: qc,
		Running:  running,
		Executed: atomic.LoadUint64(&s.executed),
		Rejected: atomic.LoadUint64(&s.rejected),
	}
}
