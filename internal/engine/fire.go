package engine

import (
	"context"
	"errors"
	"time"

	"remibot/internal/schedule"
	"remibot/internal/storage"
	logx "remibot/pkg/logx"
)

// ReminderEvent is published on the bus for fired and failed reminders.
type ReminderEvent struct {
	ItemID      int64     `json:"item_id"`
	ScopeID     int64     `json:"scope_id"`
	Title       string    `json:"title"`
	LeadMinutes int       `json:"lead_minutes"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

// armItem schedules a best-effort timer for every not-yet-fired lead whose
// fire instant is still ahead. Leads already in the past are left to the
// sweep. No-op when per-item timers are disabled.
func (s *Service) armItem(ctx context.Context, it *schedule.Item) {
	if !s.config().PerItemTimers {
		return
	}
	now := s.now()
	for _, lead := range it.LeadTimes {
		if it.HasFired(lead) {
			continue
		}
		fireAt := it.FireAt(lead)
		if !fireAt.After(now) {
			continue
		}
		key := timerKey{itemID: it.ID, lead: lead}
		id, lm := it.ID, lead

		// The whole arm sequence holds tmu: an immediately-firing timer
		// blocks on the same lock until t is assigned and registered.
		s.tmu.Lock()
		if old, ok := s.timers[key]; ok {
			_ = old.Stop()
		}
		var t *time.Timer
		t = time.AfterFunc(fireAt.Sub(now), func() {
			s.fireLead(ctx, id, lm)
			s.tmu.Lock()
			// Only evict our own entry; a re-arm may have replaced it with
			// a newer timer that must stay cancelable.
			if s.timers[key] == t {
				delete(s.timers, key)
			}
			s.tmu.Unlock()
		})
		s.timers[key] = t
		s.tmu.Unlock()
	}
}

func (s *Service) disarmItem(id int64) {
	s.tmu.Lock()
	for key, t := range s.timers {
		if key.itemID == id {
			_ = t.Stop()
			delete(s.timers, key)
		}
	}
	s.tmu.Unlock()
}

func (s *Service) armAll(ctx context.Context) {
	if !s.config().PerItemTimers {
		return
	}
	items, err := s.store.ListAll(ctx)
	if err != nil {
		s.log.Warn("arm pass failed", logx.Err(err))
		return
	}
	for _, it := range items {
		s.armItem(ctx, it)
	}
}

// fireLead is the single idempotent fire path shared by timers and the
// sweep. A lead is marked fired only after the notifier accepted the
// message, so a failed send is retried by the next sweep.
func (s *Service) fireLead(ctx context.Context, itemID int64, lead int) {
	unlock := s.lockItem(itemID)
	defer unlock()

	it, err := s.store.GetByID(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return // deleted or replaced; stale trigger
	}
	if err != nil {
		s.log.Warn("fire fetch failed", logx.Int64("item", itemID), logx.Err(err))
		return
	}
	if it.HasFired(lead) {
		return
	}

	cfg := s.config()
	text := cfg.Renderer(it, lead, s.clk.Location(cfg.Timezone))
	ev := ReminderEvent{ItemID: it.ID, ScopeID: it.ScopeID, Title: it.Title, LeadMinutes: lead, At: s.now()}

	if err := s.notify.Send(ctx, it.NotifyTarget, text, nil); err != nil {
		ev.Error = err.Error()
		s.log.Warn("reminder send failed",
			logx.Int64("item", it.ID), logx.Int("lead_min", lead), logx.Err(err))
		s.publish("reminder.failed", ev)
		s.smu.Lock()
		s.stats.Failed++
		s.smu.Unlock()
		return
	}

	if _, err := s.store.MarkFired(ctx, it.ID, lead); err != nil && !errors.Is(err, storage.ErrNotFound) {
		// Message went out but the mark didn't stick; the sweep may send a
		// duplicate. At-least-once is the contract.
		s.log.Error("mark fired failed", logx.Int64("item", it.ID), logx.Int("lead_min", lead), logx.Err(err))
	}
	s.publish("reminder.fired", ev)
	s.smu.Lock()
	s.stats.Fired++
	s.smu.Unlock()
	s.log.Info("reminder fired",
		logx.Int64("item", it.ID), logx.String("title", it.Title), logx.Int("lead_min", lead))
}

// Sweep re-derives everything due from persisted state: fires due leads,
// advances fully-elapsed recurring items and evicts expired undo entries.
// It is the at-least-once backbone; timers only improve punctuality.
func (s *Service) Sweep(ctx context.Context) {
	start := s.now()
	items, err := s.store.ListAll(ctx)
	if err != nil {
		s.log.Warn("sweep list failed", logx.Err(err))
		return
	}

	live := make(map[int64]struct{}, len(items))
	for _, it := range items {
		live[it.ID] = struct{}{}
		for _, lead := range it.LeadTimes {
			if !it.HasFired(lead) && !it.FireAt(lead).After(start) {
				s.fireLead(ctx, it.ID, lead)
			}
		}
		if it.Recurring() && !it.OccurrenceAt.After(start) {
			s.advance(ctx, it.ID)
		}
	}

	s.undo.Sweep()
	s.pruneLocks(live)

	took := s.now().Sub(start)
	s.smu.Lock()
	s.stats.LastSweepAt = start
	s.stats.LastSweepTook = took
	s.smu.Unlock()
	s.log.Debug("sweep done", logx.Int("items", len(items)), logx.Duration("took", took))
}

// pruneLocks drops per-item mutexes for ids that no longer exist.
func (s *Service) pruneLocks(live map[int64]struct{}) {
	s.lmu.Lock()
	for id := range s.locks {
		if _, ok := live[id]; !ok {
			delete(s.locks, id)
		}
	}
	s.lmu.Unlock()
}
