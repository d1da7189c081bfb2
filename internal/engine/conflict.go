package engine

import (
	"context"
	"time"

	logx "remibot/pkg/logx"
)

// Conflict names another item booked close to a candidate instant.
type Conflict struct {
	ItemID int64
	Title  string
	At     time.Time
}

// Conflicts lists future items in the scope whose occurrence falls within
// the configured window (symmetric) of at, skipping excludeID. Purely
// informational: callers warn, they never refuse the booking.
func (s *Service) Conflicts(ctx context.Context, scopeID int64, at time.Time, excludeID int64) []Conflict {
	window := s.config().ConflictWindow
	items, err := s.store.ListByScope(ctx, scopeID)
	if err != nil {
		s.log.Warn("conflict scan failed", logx.Int64("scope", scopeID), logx.Err(err))
		return nil
	}
	now := s.now()
	var out []Conflict
	for _, it := range items {
		if it.ID == excludeID || !it.OccurrenceAt.After(now) {
			continue
		}
		d := it.OccurrenceAt.Sub(at)
		if d < 0 {
			d = -d
		}
		if d <= window {
			out = append(out, Conflict{ItemID: it.ID, Title: it.Title, At: it.OccurrenceAt})
		}
	}
	return out
}
