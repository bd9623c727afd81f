package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "jobd/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
//   - Named goroutines (for logging/debug)
//   - Panic recovery
//   - Optional restart with exponential backoff
//   - Graceful stop with timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	started uint64
	active  int64

	errOnce  sync.Once
	firstErr atomic.Value // stores error

	wg sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first non-nil error reported by a supervised goroutine.
func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	err, _ := v.(error)
	return err
}

// Active returns the number of goroutines currently running under the supervisor.
func (s *Supervisor) Active() int64 { return atomic.LoadInt64(&s.active) }

// Go runs fn once in a supervised goroutine. Panics are recovered and
// recorded as errors instead of crashing the process.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	atomic.AddUint64(&s.started, 1)
	go func() {
		defer s.wg.Done()
		atomic.AddInt64(&s.active, 1)
		defer atomic.AddInt64(&s.active, -1)
		s.runOne(name, fn)
	}()
}

// GoRestart runs fn in a supervised goroutine and restarts it with exponential
// backoff whenever it panics or returns a non-context error. The loop ends
// when fn returns nil/context.Canceled or the supervisor context is done.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 10 * time.Second
	)
	s.wg.Add(1)
	atomic.AddUint64(&s.started, 1)
	go func() {
		defer s.wg.Done()
		atomic.AddInt64(&s.active, 1)
		defer atomic.AddInt64(&s.active, -1)

		backoff := backoffBase
		for {
			err := s.runOne(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			s.log.Warn("goroutine restarting",
				logx.String("name", name),
				logx.Any("err", err),
				logx.Duration("backoff", backoff),
			)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	}()
}

func (s *Supervisor) runOne(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			s.recordErr(err)
		}
	}()
	err = fn(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.recordErr(err)
	}
	return err
}

func (s *Supervisor) recordErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}

// Wait blocks until all supervised goroutines exit or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
