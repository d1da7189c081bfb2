package recurrence

import (
	"errors"
	"time"

	"remibot/internal/clock"
)

// ErrNoRecurrence is returned when Next is asked about a non-repeating rule.
var ErrNoRecurrence = errors.New("recurrence: rule does not repeat")

// TimeOfDay is the civil wall-clock time an occurrence lands on.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// Engine computes next occurrences of recurrence rules. All weekday and
// day-of-month decisions are made on the civil calendar in the item's
// timezone; only the final result is an absolute instant.
type Engine struct {
	clk *clock.Clock
}

func NewEngine(clk *clock.Clock) *Engine {
	return &Engine{clk: clk}
}

// Scan bounds. They exist to guarantee termination, not correctness: a
// well-formed rule always matches well inside them.
const (
	dailyScanDays   = 7
	weeklyScanDays  = 14
	monthlyScanDays = 62
)

// Next computes the first occurrence of rule strictly after from, landing
// on tod civil time in tz.
//
// The end bound of a series is NOT enforced here; callers compare the
// candidate against their recurrenceEndAt and suppress generation when the
// candidate reaches it.
func (e *Engine) Next(rule Rule, from time.Time, tod TimeOfDay, tz string) (time.Time, error) {
	if rule.IsZero() {
		return time.Time{}, ErrNoRecurrence
	}
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}

	switch rule.Kind {
	case KindDaily:
		return e.nextDaily(rule, from, tod, tz), nil
	case KindWeekly:
		return e.nextWeekly(rule, from, tod, tz, 0), nil
	case KindBiweekly:
		return e.nextWeekly(rule, from, tod, tz, 7), nil
	case KindMonthlyByDay:
		return e.nextMonthlyByDay(rule, from, tod, tz), nil
	case KindMonthlyByNthWeekday:
		return e.nextMonthlyByNthWeekday(rule, from, tod, tz), nil
	default:
		return time.Time{}, ErrInvalidRule
	}
}

// at builds the absolute instant for a civil (date+offsetDays, tod) in tz.
// offsetDays may push past month ends; time.Date normalizes.
func (e *Engine) at(tz string, base clock.CivilParts, offsetDays int, tod TimeOfDay) time.Time {
	return e.clk.ToAbsolute(tz, base.Year, base.Month, base.Day+offsetDays, tod.Hour, tod.Minute)
}

func (e *Engine) nextDaily(rule Rule, from time.Time, tod TimeOfDay, tz string) time.Time {
	base := e.clk.CivilParts(tz, from)

	// Start at the next civil day. If every weekday is excluded the first
	// candidate is returned anyway; the bound is defensive, not semantic.
	first := e.at(tz, base, 1, tod)
	for i := 1; i <= dailyScanDays; i++ {
		cand := e.at(tz, base, i, tod)
		if !cand.After(from) {
			continue
		}
		if !rule.ExcludedWeekdays.Has(e.clk.CivilParts(tz, cand).Weekday) {
			return cand
		}
	}
	return first
}

func (e *Engine) nextWeekly(rule Rule, from time.Time, tod TimeOfDay, tz string, extraDays int) time.Time {
	base := e.clk.CivilParts(tz, from)

	for i := 0; i <= weeklyScanDays; i++ {
		cand := e.at(tz, base, i, tod)
		if !cand.After(from) {
			continue
		}
		if e.clk.CivilParts(tz, cand).Weekday == rule.Weekday {
			if extraDays > 0 {
				return e.at(tz, base, i+extraDays, tod)
			}
			return cand
		}
	}
	// Unreachable for a valid weekday; keep the last candidate as a floor.
	return e.at(tz, base, weeklyScanDays+extraDays, tod)
}

func (e *Engine) nextMonthlyByDay(rule Rule, from time.Time, tod TimeOfDay, tz string) time.Time {
	base := e.clk.CivilParts(tz, from)

	for i := 0; i <= monthlyScanDays; i++ {
		cand := e.at(tz, base, i, tod)
		if !cand.After(from) {
			continue
		}
		cp := e.clk.CivilParts(tz, cand)
		if cp.Day == rule.MonthDay {
			return cand
		}
		// Canonical short-month fallback: a month without the target day
		// yields its last day instead.
		if rule.MonthDay > daysInMonth(cp.Year, cp.Month) && cp.Day == daysInMonth(cp.Year, cp.Month) {
			return cand
		}
	}
	return e.at(tz, base, monthlyScanDays, tod)
}

func (e *Engine) nextMonthlyByNthWeekday(rule Rule, from time.Time, tod TimeOfDay, tz string) time.Time {
	base := e.clk.CivilParts(tz, from)

	// The match is in the current civil month or the next; scan both.
	for i := 0; i < 2; i++ {
		year, month := addMonths(base.Year, base.Month, i)
		day := nthWeekdayOfMonth(year, month, rule.Week, rule.Weekday)
		cand := e.clk.ToAbsolute(tz, year, month, day, tod.Hour, tod.Minute)
		if cand.After(from) {
			return cand
		}
	}
	// Two months is always enough for a valid rule.
	year, month := addMonths(base.Year, base.Month, 2)
	day := nthWeekdayOfMonth(year, month, rule.Week, rule.Weekday)
	return e.clk.ToAbsolute(tz, year, month, day, tod.Hour, tod.Minute)
}

// nthWeekdayOfMonth returns the civil day of the week-th occurrence of wd in
// the month (week 1..4), or of the last occurrence when week is -1. An
// arithmetic nth that overflows the month also falls back to the last
// occurrence.
func nthWeekdayOfMonth(year int, month time.Month, week int, wd time.Weekday) int {
	firstWd := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Weekday()
	firstMatch := 1 + (int(wd)-int(firstWd)+7)%7
	last := daysInMonth(year, month)

	if week == -1 {
		day := firstMatch
		for day+7 <= last {
			day += 7
		}
		return day
	}

	day := firstMatch + (week-1)*7
	if day > last {
		// Overflow: use the last occurrence instead.
		day = firstMatch
		for day+7 <= last {
			day += 7
		}
	}
	return day
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month normalizes to the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func addMonths(year int, month time.Month, n int) (int, time.Month) {
	m := int(month) - 1 + n
	return year + m/12, time.Month(m%12 + 1)
}
