package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "jobd/pkg/logx"
)

type reportSink struct {
	mu      sync.Mutex
	results []Result
}

func (r *reportSink) report(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *reportSink) get(jobID string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if res.JobID == jobID {
			return res, true
		}
	}
	return Result{}, false
}

func (r *reportSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func newTestPool(t *testing.T, cfg Config) (*Service, *reportSink) {
	t.Helper()
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	sink := &reportSink{}
	s := New(cfg, logx.Nop(), nil, sink.report)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, sink
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestSubmitRunsAndReports(t *testing.T) {
	s, sink := newTestPool(t, Config{Workers: 2, QueueSize: 4})

	var ran atomic.Bool
	err := s.Submit(Task{
		JobID: "j1",
		Name:  "hello",
		Run:   func(context.Context) error { ran.Store(true); return nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "result", func() bool { return sink.len() == 1 })
	if !ran.Load() {
		t.Fatal("task body never ran")
	}
	res, _ := sink.get("j1")
	if res.Err != nil || res.Cancelled || res.Name != "hello" {
		t.Fatalf("result = %+v", res)
	}
	if s.Running("j1") {
		t.Fatal("job still reported running after completion")
	}
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestPool(t, Config{Workers: 1})

	if err := s.Submit(Task{JobID: "x"}); err == nil {
		t.Fatal("nil Run accepted")
	}
	if err := s.Submit(Task{Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("empty JobID accepted")
	}
}

func TestSubmitRejectsDuplicateJobID(t *testing.T) {
	s, sink := newTestPool(t, Config{Workers: 2, QueueSize: 4})

	release := make(chan struct{})
	started := make(chan struct{})
	err := s.Submit(Task{JobID: "dup", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := s.Submit(Task{JobID: "dup", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	close(release)

	waitFor(t, 2*time.Second, "first run to finish", func() bool { return sink.len() == 1 })
	if err := s.Submit(Task{JobID: "dup", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
}

func TestSubmitSaturation(t *testing.T) {
	s, _ := newTestPool(t, Config{Workers: 1, QueueSize: 0})

	release := make(chan struct{})
	started := make(chan struct{})
	if err := s.Submit(Task{JobID: "busy", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	<-started

	// Worker occupied, queue unbuffered: the next submit must be rejected,
	// not block.
	err := s.Submit(Task{JobID: "overflow", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrSaturated) {
		t.Fatalf("err = %v, want ErrSaturated", err)
	}
	if s.Running("overflow") {
		t.Fatal("rejected job left in the inflight set")
	}
	if snap := s.Snapshot(); snap.Rejected != 1 {
		t.Fatalf("rejected counter = %d, want 1", snap.Rejected)
	}
	close(release)
}

func TestCancelRunningTask(t *testing.T) {
	s, sink := newTestPool(t, Config{Workers: 1})

	started := make(chan struct{})
	if err := s.Submit(Task{JobID: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatal(err)
	}
	<-started

	if !s.Cancel("slow") {
		t.Fatal("Cancel = false for a running job")
	}
	waitFor(t, 2*time.Second, "cancelled result", func() bool { return sink.len() == 1 })
	res, _ := sink.get("slow")
	if !res.Cancelled {
		t.Fatalf("result not marked cancelled: %+v", res)
	}

	if s.Cancel("slow") {
		t.Fatal("Cancel = true after the run finished")
	}
	if s.Cancel("never-seen") {
		t.Fatal("Cancel = true for an unknown job")
	}
}

func TestTaskPanicIsReportedAsError(t *testing.T) {
	s, sink := newTestPool(t, Config{Workers: 1})

	if err := s.Submit(Task{JobID: "boom", Run: func(context.Context) error {
		panic("kaput")
	}}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "panic result", func() bool { return sink.len() == 1 })
	res, _ := sink.get("boom")
	if res.Err == nil {
		t.Fatal("panic swallowed, want error result")
	}

	// The worker survives the panic.
	if err := s.Submit(Task{JobID: "after", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "followup result", func() bool { return sink.len() == 2 })
}

func TestTaskTimeout(t *testing.T) {
	s, sink := newTestPool(t, Config{Workers: 1})

	if err := s.Submit(Task{
		JobID:   "deadline",
		Timeout: 30 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "timeout result", func() bool { return sink.len() == 1 })
	res, _ := sink.get("deadline")
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", res.Err)
	}
}

func TestStopDrainsQueuedWork(t *testing.T) {
	s := New(Config{Workers: 1, QueueSize: 8, DrainTimeout: 2 * time.Second}, logx.Nop(), nil, nil)

	var done atomic.Int64
	sink := &reportSink{}
	s.report = func(r Result) { done.Add(1); sink.report(r) }
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if err := s.Submit(Task{JobID: id, Run: func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		}}); err != nil {
			t.Fatal(err)
		}
	}

	s.Stop(context.Background())
	if n := done.Load(); n != 5 {
		t.Fatalf("completed %d tasks before stop returned, want 5", n)
	}

	if err := s.Submit(Task{JobID: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop: err = %v, want ErrStopped", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s, _ := newTestPool(t, Config{Workers: 1})
	ctx := context.Background()

	s.Start(ctx) // second start is a no-op
	s.Stop(ctx)
	s.Stop(ctx) // second stop is a no-op

	// Restartable after a clean stop.
	s.Start(ctx)
	var ran atomic.Bool
	if err := s.Submit(Task{JobID: "again", Run: func(context.Context) error { ran.Store(true); return nil }}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "run after restart", func() bool { return ran.Load() })
}
