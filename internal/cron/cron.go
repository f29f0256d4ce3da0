// Package cron implements a minimal 5-field cron expression parser and
// evaluator (minute hour day-of-month month day-of-week). It is deliberately
// independent of any third-party cron library: the caller-visible error
// taxonomy (BadCronExpression, Unreachable) and the one-year search budget
// are behavioral contracts of the scheduling components built on top of it,
// and re-deriving them on top of a generic library buys nothing over
// building them directly against time.Time.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BadCronExpression is returned when an expression does not parse: wrong
// field count, an out-of-range value, or malformed syntax.
var BadCronExpression = errors.New("bad cron expression")

// Unreachable is returned by Next when no matching time exists within the
// search budget (one year from the reference time) — e.g. "0 0 30 2 *"
// never matches in a given year once February 30th is ruled out.
var Unreachable = errors.New("cron expression unreachable within search budget")

const searchBudget = 366 * 24 * time.Hour

// field is a parsed set of allowed values for one of the five positions.
type field struct {
	values map[int]bool
}

func (f field) allows(v int) bool { return f.values[v] }

// Schedule is a parsed 5-field cron expression ready for repeated
// evaluation.
type Schedule struct {
	minute field
	hour   field
	dom    field
	month  field
	dow    field
	expr   string
}

var fieldBounds = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week (0 = Sunday)
}

// Parse validates and compiles a 5-field cron expression.
func Parse(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("%w: %q: expected 5 fields, got %d", BadCronExpression, expr, len(parts))
	}

	fields := make([]field, 5)
	for i, part := range parts {
		f, err := parseField(part, fieldBounds[i][0], fieldBounds[i][1])
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %q: field %d: %w", BadCronExpression, expr, i+1, err)
		}
		fields[i] = f
	}

	return Schedule{
		minute: fields[0],
		hour:   fields[1],
		dom:    fields[2],
		month:  fields[3],
		dow:    fields[4],
		expr:   expr,
	}, nil
}

// parseField parses one comma-separated list of "*", "a", "a-b", "*/n", or
// "a-b/n" terms into the set of integers it allows, within [lo, hi].
func parseField(part string, lo, hi int) (field, error) {
	f := field{values: make(map[int]bool)}
	for _, term := range strings.Split(part, ",") {
		if term == "" {
			return field{}, fmt.Errorf("empty term")
		}

		rangeTerm, step, err := splitStep(term)
		if err != nil {
			return field{}, err
		}

		var start, end int
		switch {
		case rangeTerm == "*":
			start, end = lo, hi
		case strings.Contains(rangeTerm, "-"):
			start, end, err = splitRange(rangeTerm)
			if err != nil {
				return field{}, err
			}
		default:
			v, err := strconv.Atoi(rangeTerm)
			if err != nil {
				return field{}, fmt.Errorf("invalid value %q", rangeTerm)
			}
			start, end = v, v
		}

		if start < lo || end > hi || start > end {
			return field{}, fmt.Errorf("value out of range [%d,%d]: %q", lo, hi, term)
		}
		for v := start; v <= end; v += step {
			f.values[v] = true
		}
	}
	if len(f.values) == 0 {
		return field{}, fmt.Errorf("no values produced by %q", part)
	}
	return f, nil
}

func splitStep(term string) (rangeTerm string, step int, err error) {
	idx := strings.Index(term, "/")
	if idx == -1 {
		return term, 1, nil
	}
	rangeTerm = term[:idx]
	stepStr := term[idx+1:]
	step, err = strconv.Atoi(stepStr)
	if err != nil || step <= 0 {
		return "", 0, fmt.Errorf("invalid step %q", stepStr)
	}
	return rangeTerm, step, nil
}

func splitRange(term string) (start, end int, err error) {
	parts := strings.SplitN(term, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q", term)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q", parts[0])
	}
	end, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q", parts[1])
	}
	return start, end, nil
}

// Next returns the first point in time strictly after `from` that matches
// the schedule, truncated to the minute. If none is found within the
// one-year search budget it returns Unreachable.
//
// The search advances the coarsest mismatched field first (month, then
// day, then hour, then minute) rather than stepping minute by minute, so a
// yearly schedule resolves in a handful of iterations instead of ~525,600.
func (s Schedule) Next(from time.Time) (time.Time, error) {
	loc := from.Location()
	t := from.Truncate(time.Minute).Add(time.Minute)
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)

	deadline := from.Add(searchBudget)

	for {
		if t.After(deadline) {
			return time.Time{}, fmt.Errorf("%w: %q from %s", Unreachable, s.expr, from.Format(time.RFC3339))
		}

		if !s.month.allows(int(t.Month())) {
			t = firstOfNextMonth(t)
			continue
		}
		if !s.domMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
			continue
		}
		if !s.hour.allows(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(time.Hour)
			continue
		}
		if !s.minute.allows(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
}

// domMatches applies the standard cron day-of-month/day-of-week OR rule:
// if both fields are restricted (not "*"), a match on either is sufficient.
func (s Schedule) domMatches(t time.Time) bool {
	domAll := len(s.dom.values) == (fieldBounds[2][1] - fieldBounds[2][0] + 1)
	dowAll := len(s.dow.values) == (fieldBounds[4][1] - fieldBounds[4][0] + 1)

	domOK := s.dom.allows(t.Day())
	dowOK := s.dow.allows(int(t.Weekday()))

	switch {
	case domAll && dowAll:
		return true
	case domAll:
		return dowOK
	case dowAll:
		return domOK
	default:
		return domOK || dowOK
	}
}

func firstOfNextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
}

// Describe renders a short human-readable summary of the expression. No
// other package in this module calls it.
func Describe(expr string) (string, error) {
	s, err := Parse(expr)
	if err != nil {
		return "", err
	}

	parts := strings.Fields(expr)
	switch {
	case parts[0] == "0" && allWild(parts[1:]):
		return "every hour", nil
	case allWild(parts[:2]) == false && parts[2] == "*" && parts[3] == "*" && parts[4] == "*":
		return fmt.Sprintf("daily at %02d:%02d", onlyValue(s.hour), onlyValue(s.minute)), nil
	case parts[4] != "*" && parts[2] == "*" && parts[3] == "*":
		return fmt.Sprintf("weekly on %s at %02d:%02d", weekdayNames(s.dow), onlyValue(s.hour), onlyValue(s.minute)), nil
	default:
		return fmt.Sprintf("custom schedule (%s)", expr), nil
	}
}

func allWild(fields []string) bool {
	for _, f := range fields {
		if f != "*" {
			return false
		}
	}
	return true
}

// onlyValue returns the single value of a field when it was given as an
// exact value (not a range/list); used only by Describe's best-effort
// rendering, so a multi-value field simply yields its lowest member.
func onlyValue(f field) int {
	min := -1
	for v := range f.values {
		if min == -1 || v < min {
			min = v
		}
	}
	return min
}

func weekdayNames(f field) string {
	names := []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
	var out []string
	for i, n := range names {
		if f.allows(i) {
			out = append(out, n)
		}
	}
	return strings.Join(out, ",")
}
