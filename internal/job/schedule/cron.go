package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronMaxLookahead bounds the forward scan in next(). An expression that has
// no match within a year of the starting point is treated as exhausted
// instead of scanning forever. Combinations that can never match at all are
// rejected earlier, in parseCron.
const cronMaxLookahead = 365 * 24 * time.Hour

// cronField is a single cron field: either a wildcard or one literal value.
// Ranges, lists and steps are out of scope for this dialect.
type cronField struct {
	wildcard bool
	value    int
}

func (f cronField) matches(v int) bool { return f.wildcard || f.value == v }

// cronExpr is the evaluated form of a 5-field "minute hour dom month dow"
// expression. All non-wildcard fields must match (AND semantics, including
// day-of-month vs day-of-week).
type cronExpr struct {
	minute cronField
	hour   cronField
	dom    cronField
	month  cronField
	dow    cronField // Sunday=0
}

var cronFieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

var cronFieldRanges = [5][2]int{
	{0, 59},
	{0, 23},
	{1, 31},
	{1, 12},
	{0, 6},
}

func parseCron(expr string) (cronExpr, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return cronExpr{}, fmt.Errorf("cron %q: want 5 fields (minute hour dom month dow), got %d", expr, len(fields))
	}

	var parsed [5]cronField
	for i, raw := range fields {
		f, err := parseCronField(raw, cronFieldRanges[i][0], cronFieldRanges[i][1])
		if err != nil {
			return cronExpr{}, fmt.Errorf("cron %q: %s field: %w", expr, cronFieldNames[i], err)
		}
		parsed[i] = f
	}

	ce := cronExpr{
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
	}

	// Reject combinations that can never match, so unsatisfiable expressions
	// surface at submission instead of as a runtime scan failure.
	if !ce.dom.wildcard && !ce.month.wildcard {
		if ce.dom.value > maxDaysInMonth(ce.month.value) {
			return cronExpr{}, fmt.Errorf("cron %q: day %d never occurs in month %d", expr, ce.dom.value, ce.month.value)
		}
	}

	return ce, nil
}

func parseCronField(raw string, lo, hi int) (cronField, error) {
	if raw == "*" {
		return cronField{wildcard: true}, nil
	}
	if strings.ContainsAny(raw, ",-/") {
		return cronField{}, fmt.Errorf("ranges, lists and steps are not supported (%q)", raw)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return cronField{}, fmt.Errorf("invalid value %q", raw)
	}
	if v < lo || v > hi {
		return cronField{}, fmt.Errorf("value %d out of range [%d, %d]", v, lo, hi)
	}
	return cronField{value: v}, nil
}

// maxDaysInMonth returns the day count of the month in its longest year,
// so February admits 29 (leap years exist, even if not every year).
func maxDaysInMonth(month int) int {
	switch month {
	case 2:
		return 29
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}

func (e cronExpr) matchesTime(t time.Time) bool {
	return e.minute.matches(t.Minute()) &&
		e.hour.matches(t.Hour()) &&
		e.dom.matches(t.Day()) &&
		e.month.matches(int(t.Month())) &&
		e.dow.matches(int(t.Weekday()))
}

// next scans forward minute-by-minute from (strictly after) from until every
// non-wildcard field matches. The scan is capped at cronMaxLookahead: an
// expression with no match inside the window (e.g. Feb 29 in a non-leap
// stretch) reports exhausted rather than looping.
func (e cronExpr) next(from time.Time) (time.Time, bool) {
	// Start at the next whole minute after from.
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.Add(cronMaxLookahead)

	for !t.After(limit) {
		if e.matchesTime(t) {
			return t, true
		}
		// Non-matching coarse fields advance by month/day/hour instead of minute.
		switch {
		case !e.month.matches(int(t.Month())):
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
		case !e.dom.matches(t.Day()) || !e.dow.matches(int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
		case !e.hour.matches(t.Hour()):
			t = t.Truncate(time.Hour).Add(time.Hour)
		default:
			t = t.Add(time.Minute)
		}
	}
	return time.Time{}, false
}
