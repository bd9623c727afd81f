package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the schedule variants.
//
// Schedules are a tagged variant rather than an interface hierarchy so the
// core can pattern-match on them and so the zero value stays inert.
type Kind int

const (
	KindOneTime Kind = iota
	KindRecurring
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindOneTime:
		return "once"
	case KindRecurring:
		return "every"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Schedule computes when a job is next due. It is a pure value: Next never
// mutates it, all run-to-run state lives in the caller's "last execution".
type Schedule struct {
	Kind Kind

	// KindOneTime
	At time.Time

	// KindRecurring
	Interval time.Duration
	Start    time.Time // zero: first run is "now"
	End      time.Time // zero: no end bound

	// KindCron
	Expr   string
	expr   cronExpr
	parsed bool
}

// Once returns a schedule that fires exactly once at the given time.
func Once(at time.Time) (Schedule, error) {
	if at.IsZero() {
		return Schedule{}, errors.New("schedule: one-time instant required")
	}
	return Schedule{Kind: KindOneTime, At: at}, nil
}

// Every returns a fixed-interval schedule. A zero start means the first run
// is due immediately; a zero end means the schedule never expires.
func Every(interval time.Duration, start, end time.Time) (Schedule, error) {
	if interval <= 0 {
		return Schedule{}, fmt.Errorf("schedule: interval must be > 0, got %s", interval)
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return Schedule{}, fmt.Errorf("schedule: start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Schedule{Kind: KindRecurring, Interval: interval, Start: start, End: end}, nil
}

// Cron returns a cron-like schedule from a 5-field expression
// ("minute hour dom month dow"), where each field is a single literal or "*".
// Ranges, lists and step values are rejected.
func Cron(expr string) (Schedule, error) {
	ce, err := parseCron(expr)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{Kind: KindCron, Expr: expr, expr: ce, parsed: true}, nil
}

// Validate checks the schedule's invariants. Values built through Once,
// Every and Cron are always valid; Validate covers schedules assembled
// field by field.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindOneTime:
		if s.At.IsZero() {
			return errors.New("schedule: one-time instant required")
		}
		return nil
	case KindRecurring:
		if s.Interval <= 0 {
			return fmt.Errorf("schedule: interval must be > 0, got %s", s.Interval)
		}
		if !s.Start.IsZero() && !s.End.IsZero() && s.Start.After(s.End) {
			return fmt.Errorf("schedule: start %s is after end %s", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
		}
		return nil
	case KindCron:
		_, err := parseCron(s.Expr)
		return err
	default:
		return fmt.Errorf("schedule: unknown kind %d", int(s.Kind))
	}
}

// Next returns the next due time strictly derived from the last execution.
// A zero last means the job has never run. ok=false means the schedule is
// exhausted and the job should be retired.
func (s Schedule) Next(last time.Time, now time.Time) (due time.Time, ok bool) {
	switch s.Kind {
	case KindOneTime:
		if !last.IsZero() {
			return time.Time{}, false
		}
		return s.At, true

	case KindRecurring:
		var next time.Time
		if last.IsZero() {
			next = s.Start
			if next.IsZero() {
				next = now
			}
		} else {
			next = last.Add(s.Interval)
		}
		if !s.End.IsZero() && next.After(s.End) {
			return time.Time{}, false
		}
		return next, true

	case KindCron:
		ce := s.expr
		if !s.parsed {
			var err error
			if ce, err = parseCron(s.Expr); err != nil {
				return time.Time{}, false
			}
		}
		from := last
		if from.IsZero() {
			from = now
		}
		return ce.next(from)

	default:
		return time.Time{}, false
	}
}

// String renders the schedule for logs and diagnostics.
func (s Schedule) String() string {
	switch s.Kind {
	case KindOneTime:
		return "once@" + s.At.Format(time.RFC3339)
	case KindRecurring:
		return "every " + s.Interval.String()
	case KindCron:
		return "cron " + s.Expr
	default:
		return "unknown"
	}
}
