package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobd/internal/job/executor"
	"jobd/internal/job/schedule"
	logx "jobd/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config, execCfg executor.Config) *Service {
	t.Helper()

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.DependencyBackoff == 0 {
		cfg.DependencyBackoff = 10 * time.Millisecond
	}
	if execCfg.Workers == 0 {
		execCfg.Workers = 4
	}
	if execCfg.QueueSize == 0 {
		execCfg.QueueSize = 16
	}
	if execCfg.DrainTimeout == 0 {
		execCfg.DrainTimeout = 2 * time.Second
	}

	var svc *Service
	exec := executor.New(execCfg, logx.Nop(), nil, func(r executor.Result) { svc.Report(r) })
	svc = New(cfg, exec, logx.Nop(), nil)

	ctx := context.Background()
	exec.Start(ctx)
	svc.Start(ctx)
	t.Cleanup(func() {
		svc.Stop(ctx)
		exec.Stop(ctx)
	})
	return svc
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

func mustOnce(t *testing.T, at time.Time) schedule.Schedule {
	t.Helper()
	s, err := schedule.Once(at)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mustEvery(t *testing.T, interval time.Duration, start, end time.Time) schedule.Schedule {
	t.Helper()
	s, err := schedule.Every(interval, start, end)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestOneTimeJobRunsExactlyOnce(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	var runs atomic.Int64
	id, err := svc.Submit(SubmitRequest{
		Name:     "once",
		Task:     func(context.Context) error { runs.Add(1); return nil },
		Schedule: mustOnce(t, time.Now().Add(30*time.Millisecond)),
	})
	if err != nil {
		t.Fatal(err)
	}

	if st, err := svc.Status(id); err != nil || st != StatusScheduled {
		t.Fatalf("status before due = %v, %v", st, err)
	}

	waitFor(t, 2*time.Second, "job to complete", func() bool {
		st, err := svc.Status(id)
		return err == nil && st == StatusCompleted
	})

	// Give the loop room to misfire a second run if it were going to.
	time.Sleep(100 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}

	hist, err := svc.History(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Status != StatusCompleted || hist[0].Attempt != 1 {
		t.Fatalf("history = %+v", hist)
	}
}

func TestRecurringJobKeepsFiring(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	var runs atomic.Int64
	_, err := svc.Submit(SubmitRequest{
		Name:     "tick",
		Task:     func(context.Context) error { runs.Add(1); return nil },
		Schedule: mustEvery(t, 50*time.Millisecond, time.Time{}, time.Time{}),
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "at least 3 runs", func() bool {
		return runs.Load() >= 3
	})
}

func TestRecurringJobEndsAtBound(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	var runs atomic.Int64
	now := time.Now()
	id, err := svc.Submit(SubmitRequest{
		Name:     "bounded",
		Task:     func(context.Context) error { runs.Add(1); return nil },
		Schedule: mustEvery(t, 30*time.Millisecond, now, now.Add(100*time.Millisecond)),
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "job to retire", func() bool {
		st, err := svc.Status(id)
		return err == nil && st == StatusCompleted
	})

	hist, err := svc.History(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) == 0 || len(hist) > 4 {
		t.Fatalf("got %d runs, want 1..4", len(hist))
	}
}

func TestFailingJobRetriesThenFails(t *testing.T) {
	svc := newTestEngine(t, Config{RetryBase: 20 * time.Millisecond}, executor.Config{})

	var mu sync.Mutex
	var attempts []time.Time
	boom := errors.New("boom")

	id, err := svc.Submit(SubmitRequest{
		Name: "flaky",
		Task: func(context.Context) error {
			mu.Lock()
			attempts = append(attempts, time.Now())
			mu.Unlock()
			return boom
		},
		Schedule:   mustOnce(t, time.Now()),
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "job to fail terminally", func() bool {
		st, err := svc.Status(id)
		return err == nil && st == StatusFailed
	})

	mu.Lock()
	n := len(attempts)
	mu.Unlock()
	if n != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", n)
	}

	hist, err := svc.History(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Fatalf("history = %d entries, want 3", len(hist))
	}
	for i, r := range hist {
		if r.Status != StatusFailed || r.Attempt != i+1 {
			t.Fatalf("history[%d] = %+v", i, r)
		}
	}

	// Backoff doubles: the gap before the second retry must exceed the gap
	// before the first.
	mu.Lock()
	g1, g2 := attempts[1].Sub(attempts[0]), attempts[2].Sub(attempts[1])
	mu.Unlock()
	if g1 < 20*time.Millisecond {
		t.Fatalf("first retry after %s, want >= base", g1)
	}
	if g2 < 35*time.Millisecond {
		t.Fatalf("second retry after %s, want roughly 2x base", g2)
	}
}

func TestRetrySuccessResetsBudget(t *testing.T) {
	svc := newTestEngine(t, Config{RetryBase: 10 * time.Millisecond}, executor.Config{})

	var calls atomic.Int64
	id, err := svc.Submit(SubmitRequest{
		Name: "second-try",
		Task: func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		},
		Schedule:   mustOnce(t, time.Now()),
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "job to complete", func() bool {
		st, err := svc.Status(id)
		return err == nil && st == StatusCompleted
	})

	hist, _ := svc.History(id)
	if len(hist) != 2 || hist[0].Status != StatusFailed || hist[1].Status != StatusCompleted {
		t.Fatalf("history = %+v", hist)
	}
	if hist[1].Attempt != 2 {
		t.Fatalf("final attempt = %d, want 2", hist[1].Attempt)
	}
}

func TestDependencyOrdering(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	parentID, err := svc.Submit(SubmitRequest{
		Name:     "parent",
		Task:     func(context.Context) error { record("parent"); return nil },
		Schedule: mustOnce(t, time.Now().Add(80*time.Millisecond)),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Child is due immediately but must wait for the parent.
	childID, err := svc.Submit(SubmitRequest{
		Name:      "child",
		Task:      func(context.Context) error { record("child"); return nil },
		Schedule:  mustOnce(t, time.Now()),
		DependsOn: []string{parentID},
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "child to complete", func() bool {
		st, err := svc.Status(childID)
		return err == nil && st == StatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "parent" || order[1] != "child" {
		t.Fatalf("order = %v, want [parent child]", order)
	}
}

func TestFailedPrerequisiteBlocksDependent(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	parentID, err := svc.Submit(SubmitRequest{
		Name:       "doomed",
		Task:       func(context.Context) error { return errors.New("nope") },
		Schedule:   mustOnce(t, time.Now()),
		MaxRetries: -1,
	})
	if err != nil {
		t.Fatal(err)
	}

	var childRan atomic.Bool
	childID, err := svc.Submit(SubmitRequest{
		Name:      "waiting",
		Task:      func(context.Context) error { childRan.Store(true); return nil },
		Schedule:  mustOnce(t, time.Now()),
		DependsOn: []string{parentID},
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "parent to fail", func() bool {
		st, err := svc.Status(parentID)
		return err == nil && st == StatusFailed
	})

	time.Sleep(150 * time.Millisecond)
	if childRan.Load() {
		t.Fatal("child ran despite failed prerequisite")
	}
	if st, _ := svc.Status(childID); st != StatusScheduled {
		t.Fatalf("child status = %v, want SCHEDULED", st)
	}
}

func TestUnknownPrerequisiteRejected(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	_, err := svc.Submit(SubmitRequest{
		Name:      "orphan",
		Task:      func(context.Context) error { return nil },
		Schedule:  mustOnce(t, time.Now()),
		DependsOn: []string{"no-such-job"},
	})
	if !errors.Is(err, ErrUnknownDep) {
		t.Fatalf("err = %v, want ErrUnknownDep", err)
	}
}

func TestAddDependencyCycleRejected(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	far := time.Now().Add(time.Hour)
	a, err := svc.Submit(SubmitRequest{Name: "a", Task: func(context.Context) error { return nil }, Schedule: mustOnce(t, far)})
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Submit(SubmitRequest{Name: "b", Task: func(context.Context) error { return nil }, Schedule: mustOnce(t, far), DependsOn: []string{a}})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.AddDependency(a, b); !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}
}

func TestNoSelfOverlap(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	var inFlight, maxInFlight atomic.Int64
	_, err := svc.Submit(SubmitRequest{
		Name: "slow",
		Task: func(context.Context) error {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(80 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
		Schedule: mustEvery(t, 20*time.Millisecond, time.Time{}, time.Time{}),
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(400 * time.Millisecond)
	if m := maxInFlight.Load(); m != 1 {
		t.Fatalf("max concurrent executions = %d, want 1", m)
	}
}

func TestCancelScheduledJob(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	var runs atomic.Int64
	id, err := svc.Submit(SubmitRequest{
		Name:     "doomed",
		Task:     func(context.Context) error { runs.Add(1); return nil },
		Schedule: mustOnce(t, time.Now().Add(200*time.Millisecond)),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Cancel(id); err != nil {
		t.Fatal(err)
	}
	if st, err := svc.Status(id); err != nil || st != StatusCancelled {
		t.Fatalf("status = %v, %v, want CANCELLED", st, err)
	}

	time.Sleep(300 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("cancelled job still ran")
	}

	// Cancelling again, or cancelling an unknown id, is a no-op.
	if err := svc.Cancel(id); err != nil {
		t.Fatal(err)
	}
	if err := svc.Cancel("never-existed"); err != nil {
		t.Fatal(err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	started := make(chan struct{})
	id, err := svc.Submit(SubmitRequest{
		Name: "long",
		Task: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Schedule: mustOnce(t, time.Now()),
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	if err := svc.Cancel(id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "status CANCELLED", func() bool {
		st, err := svc.Status(id)
		return err == nil && st == StatusCancelled
	})
}

func TestPauseResume(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	var runs atomic.Int64
	id, err := svc.Submit(SubmitRequest{
		Name:     "pausable",
		Task:     func(context.Context) error { runs.Add(1); return nil },
		Schedule: mustEvery(t, 30*time.Millisecond, time.Time{}, time.Time{}),
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "first run", func() bool { return runs.Load() >= 1 })

	waitFor(t, 2*time.Second, "job back in SCHEDULED", func() bool {
		return svc.Pause(id) == nil
	})
	if st, _ := svc.Status(id); st != StatusPaused {
		t.Fatalf("status = %v, want PAUSED", st)
	}

	at := runs.Load()
	time.Sleep(150 * time.Millisecond)
	if runs.Load() != at {
		t.Fatal("paused job kept running")
	}

	if err := svc.Resume(id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "runs after resume", func() bool {
		return runs.Load() > at
	})
}

func TestResumeAfterMissedCronOccurrence(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	now := time.Now()
	minute := (now.Minute() + 30) % 60
	cron, err := schedule.Cron(fmt.Sprintf("%d * * * *", minute))
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.Submit(SubmitRequest{
		Name:     "hourly",
		Task:     func(context.Context) error { return nil },
		Schedule: cron,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Pause(id); err != nil {
		t.Fatal(err)
	}

	// Pretend the job last fired two hours ago, leaving a missed match
	// behind it.
	svc.mu.Lock()
	svc.jobs[id].lastDue = now.Add(-2 * time.Hour)
	svc.mu.Unlock()

	if err := svc.Resume(id); err != nil {
		t.Fatal(err)
	}

	svc.mu.Lock()
	due, ok := svc.queue.nextDue(id)
	svc.mu.Unlock()
	if !ok {
		t.Fatal("resumed job has no queue entry")
	}
	if due.Before(now) {
		t.Fatalf("resumed job due in the past: %v", due)
	}
	if due.Minute() != minute {
		t.Fatalf("due %v lands on minute %d, want %d", due, due.Minute(), minute)
	}
}

func TestResumeRealignsRecurringCadence(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	const interval = 10 * time.Second
	id, err := svc.Submit(SubmitRequest{
		Name:     "steady",
		Task:     func(context.Context) error { return nil },
		Schedule: mustEvery(t, interval, time.Now().Add(time.Hour), time.Time{}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Pause(id); err != nil {
		t.Fatal(err)
	}

	anchor := time.Now().Add(-time.Hour)
	svc.mu.Lock()
	svc.jobs[id].lastDue = anchor
	svc.mu.Unlock()

	if err := svc.Resume(id); err != nil {
		t.Fatal(err)
	}

	svc.mu.Lock()
	due, ok := svc.queue.nextDue(id)
	svc.mu.Unlock()
	if !ok {
		t.Fatal("resumed job has no queue entry")
	}
	now := time.Now()
	if due.Before(now.Add(-time.Second)) {
		t.Fatalf("resumed job due in the past: %v", due)
	}
	if off := due.Sub(anchor) % interval; off != 0 {
		t.Fatalf("due %v is off cadence by %v", due, off)
	}
	if due.Sub(now) > interval {
		t.Fatalf("due %v skipped past the first on-cadence slot", due)
	}
}

func TestResumeErrors(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	id, err := svc.Submit(SubmitRequest{
		Name:     "idle",
		Task:     func(context.Context) error { return nil },
		Schedule: mustOnce(t, time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Resume(id); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("resume scheduled: err = %v, want ErrNotPaused", err)
	}
	if err := svc.Pause("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pause unknown: err = %v, want ErrNotFound", err)
	}
	if err := svc.Resume("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resume unknown: err = %v, want ErrNotFound", err)
	}
}

func TestPriorityBreaksDueTies(t *testing.T) {
	// Single worker, no queue slack: dispatch order is execution order.
	svc := newTestEngine(t, Config{}, executor.Config{Workers: 1, QueueSize: -1})

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	gate := make(chan struct{})
	if _, err := svc.Submit(SubmitRequest{
		Name:     "gate",
		Task:     func(context.Context) error { <-gate; return nil },
		Schedule: mustOnce(t, time.Now()),
		Priority: PriorityCritical,
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond) // let the gate occupy the worker

	due := time.Now().Add(20 * time.Millisecond)
	lowID, err := svc.Submit(SubmitRequest{Name: "low", Task: record("low"), Schedule: mustOnce(t, due), Priority: PriorityLow})
	if err != nil {
		t.Fatal(err)
	}
	highID, err := svc.Submit(SubmitRequest{Name: "high", Task: record("high"), Schedule: mustOnce(t, due), Priority: PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	close(gate)

	waitFor(t, 2*time.Second, "both jobs to finish", func() bool {
		l, err1 := svc.Status(lowID)
		h, err2 := svc.Status(highID)
		return err1 == nil && err2 == nil && l == StatusCompleted && h == StatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high" {
		t.Fatalf("order = %v, want high first", order)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	sched := mustOnce(t, time.Now().Add(time.Hour))
	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty name", SubmitRequest{Task: func(context.Context) error { return nil }, Schedule: sched}},
		{"nil task", SubmitRequest{Name: "x", Schedule: sched}},
		{"zero schedule", SubmitRequest{Name: "x", Task: func(context.Context) error { return nil }, Schedule: schedule.Schedule{}}},
	}
	for _, tc := range cases {
		if _, err := svc.Submit(tc.req); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("%s: err = %v, want ErrInvalidJob", tc.name, err)
		}
	}
}

func TestRetiredJobStaysQueryable(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	id, err := svc.Submit(SubmitRequest{
		Name:     "ephemeral",
		Task:     func(context.Context) error { return nil },
		Schedule: mustOnce(t, time.Now()),
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "completion", func() bool {
		st, err := svc.Status(id)
		return err == nil && st == StatusCompleted
	})

	// The registry entry is gone but Status and History still answer.
	if _, err := svc.Info(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Info on retired job: err = %v, want ErrNotFound", err)
	}
	hist, err := svc.History(id)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history = %v, %v", hist, err)
	}
	if _, err := svc.Status("unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSnapshot(t *testing.T) {
	svc := newTestEngine(t, Config{}, executor.Config{})

	if _, err := svc.Submit(SubmitRequest{
		Name:     "visible",
		Task:     func(context.Context) error { return nil },
		Schedule: mustOnce(t, time.Now().Add(time.Hour)),
		Priority: PriorityHigh,
	}); err != nil {
		t.Fatal(err)
	}

	snap := svc.Snapshot()
	if !snap.Started {
		t.Fatal("snapshot says not started")
	}
	if len(snap.Jobs) != 1 || snap.QueueLen != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	j := snap.Jobs[0]
	if j.Name != "visible" || j.Priority != PriorityHigh || j.Status != StatusScheduled || j.NextDue.IsZero() {
		t.Fatalf("job info = %+v", j)
	}
}
