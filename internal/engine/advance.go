package engine

import (
	"context"
	"errors"
	"time"

	"remibot/internal/recurrence"
	"remibot/internal/storage"
	logx "remibot/pkg/logx"
)

// SeriesEvent is published when a series advances or ends.
type SeriesEvent struct {
	OldItemID int64     `json:"old_item_id"`
	NewItemID int64     `json:"new_item_id,omitempty"`
	ScopeID   int64     `json:"scope_id"`
	Title     string    `json:"title"`
	NextAt    time.Time `json:"next_at,omitempty"`
}

// advance replaces a fully-elapsed recurring item with a fresh one for the
// next occurrence. The replacement is durably inserted before the elapsed
// row is deleted: a crash in between leaves a duplicate, never a lost
// series. The elapsed/fully-fired condition is re-checked under the item
// lock so two sweeps cannot advance the same item twice.
func (s *Service) advance(ctx context.Context, itemID int64) {
	unlock := s.lockItem(itemID)
	defer unlock()

	it, err := s.store.GetByID(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn("advance fetch failed", logx.Int64("item", itemID), logx.Err(err))
		return
	}
	now := s.now()
	if !it.Recurring() || it.OccurrenceAt.After(now) || !it.AllFired() {
		return
	}

	cfg := s.config()
	tz := cfg.Timezone
	parts := s.clk.CivilParts(tz, it.OccurrenceAt)
	tod := recurrence.TimeOfDay{Hour: parts.Hour, Minute: parts.Minute}

	next, err := s.rec.Next(it.Recurrence, it.OccurrenceAt, tod, tz)
	if err != nil {
		s.log.Warn("advance next failed", logx.Int64("item", it.ID), logx.Err(err))
		return
	}

	if !it.RecurrenceEndAt.IsZero() && !next.Before(it.RecurrenceEndAt) {
		// Series is over; the elapsed occurrence has delivered everything.
		if err := s.store.Delete(ctx, it.ID); err != nil {
			s.log.Warn("series end delete failed", logx.Int64("item", it.ID), logx.Err(err))
			return
		}
		s.disarmItem(it.ID)
		s.publish("series.ended", SeriesEvent{OldItemID: it.ID, ScopeID: it.ScopeID, Title: it.Title})
		s.smu.Lock()
		s.stats.Ended++
		s.smu.Unlock()
		s.log.Info("series ended", logx.Int64("item", it.ID), logx.String("title", it.Title))
		return
	}

	repl := it.Clone()
	repl.ID = 0
	repl.OccurrenceAt = next
	repl.FiredLeadTimes = nil
	repl.CreatedAt = now

	if err := s.store.Insert(ctx, repl); err != nil {
		// Leave the elapsed item in place; the next sweep retries.
		s.log.Warn("advance insert failed", logx.Int64("item", it.ID), logx.Err(err))
		return
	}
	s.armItem(ctx, repl)

	if err := s.store.Delete(ctx, it.ID); err != nil {
		// Replacement exists; at worst the old row advances once more into
		// a duplicate the operator can delete.
		s.log.Warn("advance delete failed", logx.Int64("item", it.ID), logx.Err(err))
	}
	s.disarmItem(it.ID)

	s.publish("series.advanced", SeriesEvent{
		OldItemID: it.ID, NewItemID: repl.ID, ScopeID: it.ScopeID, Title: it.Title, NextAt: next,
	})
	s.smu.Lock()
	s.stats.Advanced++
	s.smu.Unlock()
	s.log.Info("series advanced",
		logx.Int64("old", it.ID), logx.Int64("new", repl.ID),
		logx.String("title", it.Title), logx.Time("next", next))
}
