// Package clock converts between named civil timezones and absolute (UTC)
// instants. All timezone defaulting in the bot goes through this package so
// no call site guesses a default on its own.
package clock

import (
	"strings"
	"sync"
	"time"

	logx "remibot/pkg/logx"
)

// fallback is used when a timezone name cannot be resolved. The bot's
// historical install base is UTC+9, so degrade there rather than UTC.
var fallback = time.FixedZone("UTC+9", 9*60*60)

// CivilParts is a wall-clock reading of an instant in some timezone.
type CivilParts struct {
	Year    int
	Month   time.Month
	Day     int
	Hour    int
	Minute  int
	Weekday time.Weekday
}

// Clock resolves named timezones and converts civil times to instants and
// back. Unknown timezone names degrade to the fixed fallback offset with a
// warning; they never fail the caller.
type Clock struct {
	log       logx.Logger
	defaultTZ string

	mu   sync.Mutex
	locs map[string]*time.Location
}

func New(defaultTZ string, log logx.Logger) *Clock {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Clock{
		log:       log,
		defaultTZ: strings.TrimSpace(defaultTZ),
		locs:      map[string]*time.Location{},
	}
}

// DefaultTimezone returns the configured scope-level timezone name.
func (c *Clock) DefaultTimezone() string { return c.defaultTZ }

// Location resolves an IANA timezone name. An empty name resolves the
// configured default; an unknown name resolves the fixed fallback.
func (c *Clock) Location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = c.defaultTZ
	}
	if tz == "" {
		return fallback
	}

	c.mu.Lock()
	loc, ok := c.locs[tz]
	c.mu.Unlock()
	if ok {
		return loc
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		c.log.Warn("unknown timezone, using fixed fallback offset",
			logx.String("tz", tz), logx.Err(err))
		loc = fallback
	}
	c.mu.Lock()
	c.locs[tz] = loc
	c.mu.Unlock()
	return loc
}

// Offset reports the UTC offset of tz in signed minutes at the given
// instant. The offset is resolved at the instant itself, so DST transitions
// around it are answered correctly.
func (c *Clock) Offset(tz string, at time.Time) int {
	_, secs := at.In(c.Location(tz)).Zone()
	return secs / 60
}

// ToAbsolute interprets a civil date/time in tz and returns the absolute
// instant. The offset is resolved against the civil date being converted,
// not against "now", so conversions across a DST boundary land on the
// correct side.
func (c *Clock) ToAbsolute(tz string, year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, c.Location(tz)).UTC()
}

// CivilParts reads the instant as wall-clock time in tz.
func (c *Clock) CivilParts(tz string, at time.Time) CivilParts {
	t := at.In(c.Location(tz))
	return CivilParts{
		Year:    t.Year(),
		Month:   t.Month(),
		Day:     t.Day(),
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Weekday: t.Weekday(),
	}
}

// Midnight returns the absolute instant of civil midnight of the day
// containing at, in tz.
func (c *Clock) Midnight(tz string, at time.Time) time.Time {
	p := c.CivilParts(tz, at)
	return c.ToAbsolute(tz, p.Year, p.Month, p.Day, 0, 0)
}
