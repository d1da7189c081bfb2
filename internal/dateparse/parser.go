// Package dateparse turns free-form, human-entered date expressions into
// absolute instants. Civil-time forms are anchored in a named timezone via
// the clock package; pure relative forms add exact durations to the base
// instant regardless of DST.
package dateparse

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"remibot/internal/clock"
)

// ErrUnrecognized is returned when no supported pattern matches. Callers
// surface it as a user-facing validation error; nothing is persisted.
var ErrUnrecognized = errors.New("dateparse: unrecognized date expression")

type Parser struct {
	clk *clock.Clock
}

func New(clk *clock.Clock) *Parser {
	return &Parser{clk: clk}
}

var (
	reCivilExact = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})[ T](\d{1,2}):(\d{2})$`)

	// "<N> hour(s)|minute(s)|day(s) [later|from now]" and bare "<N> days".
	reRelative = regexp.MustCompile(`^(\d+)\s*(hours?|hrs?|h|minutes?|mins?|m|days?|d)(?:\s+(?:later|from\s+now))?$`)

	// "[today|tomorrow] HH[:mm] [am|pm]"
	reCivilAt = regexp.MustCompile(`^(today|tomorrow)?\s*(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)

	// "pm HH[:mm]" / "am HH[:mm]" (marker-first form)
	reMarkerFirst = regexp.MustCompile(`^(am|pm)\s*(\d{1,2})(?::(\d{2}))?$`)
)

// Generic absolute formats tried after the exact civil pattern. These are
// treated as already-absolute: offsets in the text win, offset-free forms
// are read as UTC.
var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse resolves text against base. First match wins, in this order:
//
//  1. "YYYY-MM-DD HH:mm" — civil time in tz.
//  2. Generic absolute formats (RFC 3339 and friends) — already absolute.
//  3. Relative offsets ("in effect": "2 hours later", "tomorrow", "3 days")
//     — exact durations added to base, DST-independent.
//  4. Civil-anchored times ("today 9:30", "tomorrow 3pm", "pm 7") — resolved
//     in tz; a time already past rolls forward one day.
//
// Without an am/pm marker, hours below 12 are read as PM ("3" means 15:00).
// This matches what users of the original bot have stored and relied on.
func (p *Parser) Parse(text string, base time.Time, tz string) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return time.Time{}, ErrUnrecognized
	}

	if m := reCivilExact.FindStringSubmatch(s); m != nil {
		return p.civilExact(m, tz)
	}

	// Generic absolute fallback. Try against the original (untrimmed-case)
	// text since RFC 3339 needs uppercase T/Z.
	for _, layout := range absoluteLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(text)); err == nil {
			return t.UTC(), nil
		}
	}

	if t, ok := p.relative(s, base); ok {
		return t, nil
	}

	if t, ok := p.civilAnchored(s, base, tz); ok {
		return t, nil
	}

	return time.Time{}, ErrUnrecognized
}

func (p *Parser) civilExact(m []string, tz string) (time.Time, error) {
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, ErrUnrecognized
	}
	return p.clk.ToAbsolute(tz, year, time.Month(month), day, hour, minute), nil
}

func (p *Parser) relative(s string, base time.Time) (time.Time, bool) {
	switch s {
	case "tomorrow":
		return base.Add(24 * time.Hour), true
	case "day after tomorrow":
		return base.Add(48 * time.Hour), true
	}

	m := reRelative.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return time.Time{}, false
	}

	var unit time.Duration
	switch m[2][0] {
	case 'h':
		unit = time.Hour
	case 'm':
		unit = time.Minute
	case 'd':
		unit = 24 * time.Hour
	default:
		return time.Time{}, false
	}
	return base.Add(time.Duration(n) * unit), true
}

func (p *Parser) civilAnchored(s string, base time.Time, tz string) (time.Time, bool) {
	var dayWord, marker string
	var hour, minute int

	if m := reMarkerFirst.FindStringSubmatch(s); m != nil {
		marker = m[1]
		hour, _ = strconv.Atoi(m[2])
		if m[3] != "" {
			minute, _ = strconv.Atoi(m[3])
		}
	} else if m := reCivilAt.FindStringSubmatch(s); m != nil {
		dayWord = m[1]
		hour, _ = strconv.Atoi(m[2])
		if m[3] != "" {
			minute, _ = strconv.Atoi(m[3])
		}
		marker = m[4]
	} else {
		return time.Time{}, false
	}

	if hour > 23 || minute > 59 {
		return time.Time{}, false
	}

	switch marker {
	case "am":
		hour = hour % 12
	case "pm":
		hour = hour%12 + 12
	default:
		// Unmarked hours below 12 mean afternoon. Preserved as-is: stored
		// schedules depend on it.
		if hour < 12 {
			hour += 12
		}
	}

	parts := p.clk.CivilParts(tz, base)
	day := parts.Day
	if dayWord == "tomorrow" {
		day++
	}

	// time.Date normalizes day overflow into the next month.
	at := p.clk.ToAbsolute(tz, parts.Year, parts.Month, day, hour, minute)
	if dayWord != "tomorrow" && !at.After(base) {
		at = p.clk.ToAbsolute(tz, parts.Year, parts.Month, day+1, hour, minute)
	}
	return at, true
}
