// Package recurrence defines the supported repeat rules for scheduled
// meetings and computes next occurrences. The rule set is deliberately the
// enumerated kinds below; this is not an RFC 5545 implementation.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindNone Kind = iota
	KindDaily
	KindWeekly
	KindBiweekly
	KindMonthlyByDay
	KindMonthlyByNthWeekday
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDaily:
		return "daily"
	case KindWeekly:
		return "weekly"
	case KindBiweekly:
		return "biweekly"
	case KindMonthlyByDay:
		return "monthly_day"
	case KindMonthlyByNthWeekday:
		return "monthly_weekday"
	default:
		return "unknown"
	}
}

// WeekdaySet is a set of weekdays (Sunday=0) as a bitmask.
type WeekdaySet uint8

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.Add(d)
	}
	return s
}

func (s WeekdaySet) Add(d time.Weekday) WeekdaySet { return s | 1<<uint(d) }
func (s WeekdaySet) Has(d time.Weekday) bool       { return s&(1<<uint(d)) != 0 }
func (s WeekdaySet) Empty() bool                   { return s == 0 }

func (s WeekdaySet) String() string {
	var b strings.Builder
	for d := 0; d < 7; d++ {
		if s.Has(time.Weekday(d)) {
			b.WriteByte(byte('0' + d))
		}
	}
	return b.String()
}

// Rule is the tagged recurrence descriptor. Field use depends on Kind:
//
//	KindDaily              ExcludedWeekdays
//	KindWeekly/KindBiweekly Weekday
//	KindMonthlyByDay       MonthDay (1..31)
//	KindMonthlyByNthWeekday Week (1..4, or -1 for last) and Weekday
type Rule struct {
	Kind             Kind
	ExcludedWeekdays WeekdaySet
	Weekday          time.Weekday
	MonthDay         int
	Week             int
}

func (r Rule) IsZero() bool { return r.Kind == KindNone }

var ErrInvalidRule = errors.New("recurrence: invalid rule")

func (r Rule) Validate() error {
	switch r.Kind {
	case KindNone, KindDaily:
		return nil
	case KindWeekly, KindBiweekly:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, r.Weekday)
		}
		return nil
	case KindMonthlyByDay:
		if r.MonthDay < 1 || r.MonthDay > 31 {
			return fmt.Errorf("%w: month day %d out of range", ErrInvalidRule, r.MonthDay)
		}
		return nil
	case KindMonthlyByNthWeekday:
		if r.Week != -1 && (r.Week < 1 || r.Week > 4) {
			return fmt.Errorf("%w: week %d out of range", ErrInvalidRule, r.Week)
		}
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, r.Weekday)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidRule, r.Kind)
	}
}

// String renders the canonical storage form, e.g. "daily:06", "weekly:1",
// "monthly_weekday:-1:5". Parse is its inverse. Rules are parsed exactly
// once at the persistence boundary; everything past it works with Rule
// values.
func (r Rule) String() string {
	switch r.Kind {
	case KindNone:
		return "none"
	case KindDaily:
		if r.ExcludedWeekdays.Empty() {
			return "daily"
		}
		return "daily:" + r.ExcludedWeekdays.String()
	case KindWeekly:
		return fmt.Sprintf("weekly:%d", int(r.Weekday))
	case KindBiweekly:
		return fmt.Sprintf("biweekly:%d", int(r.Weekday))
	case KindMonthlyByDay:
		return fmt.Sprintf("monthly_day:%d", r.MonthDay)
	case KindMonthlyByNthWeekday:
		return fmt.Sprintf("monthly_weekday:%d:%d", r.Week, int(r.Weekday))
	default:
		return "none"
	}
}

// Parse reads the canonical storage form produced by String.
func Parse(s string) (Rule, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "none" {
		return Rule{}, nil
	}

	head, rest, _ := strings.Cut(s, ":")
	switch head {
	case "daily":
		var set WeekdaySet
		for _, c := range rest {
			if c < '0' || c > '6' {
				return Rule{}, fmt.Errorf("%w: bad excluded weekday %q in %q", ErrInvalidRule, string(c), s)
			}
			set = set.Add(time.Weekday(c - '0'))
		}
		return Rule{Kind: KindDaily, ExcludedWeekdays: set}, nil

	case "weekly", "biweekly":
		wd, err := strconv.Atoi(rest)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %q", ErrInvalidRule, s)
		}
		kind := KindWeekly
		if head == "biweekly" {
			kind = KindBiweekly
		}
		r := Rule{Kind: kind, Weekday: time.Weekday(wd)}
		if err := r.Validate(); err != nil {
			return Rule{}, err
		}
		return r, nil

	case "monthly_day":
		day, err := strconv.Atoi(rest)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %q", ErrInvalidRule, s)
		}
		r := Rule{Kind: KindMonthlyByDay, MonthDay: day}
		if err := r.Validate(); err != nil {
			return Rule{}, err
		}
		return r, nil

	case "monthly_weekday":
		weekStr, wdStr, ok := strings.Cut(rest, ":")
		if !ok {
			return Rule{}, fmt.Errorf("%w: %q", ErrInvalidRule, s)
		}
		week, err1 := strconv.Atoi(weekStr)
		wd, err2 := strconv.Atoi(wdStr)
		if err1 != nil || err2 != nil {
			return Rule{}, fmt.Errorf("%w: %q", ErrInvalidRule, s)
		}
		r := Rule{Kind: KindMonthlyByNthWeekday, Week: week, Weekday: time.Weekday(wd)}
		if err := r.Validate(); err != nil {
			return Rule{}, err
		}
		return r, nil

	default:
		return Rule{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, head)
	}
}
