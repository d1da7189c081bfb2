// Package schedule defines the scheduled-meeting domain model shared by the
// storage layer and the reminder engine.
package schedule

import (
	"slices"
	"time"

	"remibot/internal/recurrence"
	"remibot/internal/transport"
)

// DefaultLeadMinutes is used when a schedule request supplies no lead times.
const DefaultLeadMinutes = 15

// Item is one occurrence of a (possibly recurring) scheduled meeting.
//
// Ids are assigned monotonically and never reused: a stale reminder trigger
// holding an old id must never resolve to a different meeting.
//
// A recurring item is never advanced in place. When an occurrence has fully
// elapsed the series produces a brand-new Item (fresh id, empty
// FiredLeadTimes) and the old one is deleted, so late-firing triggers of the
// old occurrence cannot corrupt the new one.
type Item struct {
	ID      int64
	ScopeID int64
	Title   string

	// OccurrenceAt is the absolute (UTC) instant of this occurrence. Civil
	// times never reach storage.
	OccurrenceAt time.Time

	Participants []Participant
	NotifyTarget transport.ChatTarget

	// LeadTimes holds minutes-before-occurrence offsets, descending and
	// unique. FiredLeadTimes ⊆ LeadTimes and only ever grows for a given
	// occurrence.
	LeadTimes      []int
	FiredLeadTimes []int

	Recurrence      recurrence.Rule
	RecurrenceEndAt time.Time // zero means the series never ends

	CreatedAt time.Time
}

// NormalizeLeadTimes deduplicates, drops non-positive values, sorts
// descending, and falls back to the default lead when nothing is left.
func NormalizeLeadTimes(mins []int) []int {
	seen := make(map[int]struct{}, len(mins))
	out := make([]int, 0, len(mins))
	for _, m := range mins {
		if m <= 0 {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	if len(out) == 0 {
		return []int{DefaultLeadMinutes}
	}
	slices.SortFunc(out, func(a, b int) int { return b - a })
	return out
}

func (it *Item) HasFired(leadMinutes int) bool {
	return slices.Contains(it.FiredLeadTimes, leadMinutes)
}

// AllFired reports whether every configured lead time has fired.
func (it *Item) AllFired() bool {
	for _, m := range it.LeadTimes {
		if !it.HasFired(m) {
			return false
		}
	}
	return true
}

// FireAt returns the instant the given lead time should fire for this
// occurrence.
func (it *Item) FireAt(leadMinutes int) time.Time {
	return it.OccurrenceAt.Add(-time.Duration(leadMinutes) * time.Minute)
}

// Recurring reports whether the item carries a repeating rule.
func (it *Item) Recurring() bool { return !it.Recurrence.IsZero() }

// Clone returns a deep copy; slices are not shared with the receiver.
func (it *Item) Clone() *Item {
	cp := *it
	cp.Participants = slices.Clone(it.Participants)
	cp.LeadTimes = slices.Clone(it.LeadTimes)
	cp.FiredLeadTimes = slices.Clone(it.FiredLeadTimes)
	return &cp
}
