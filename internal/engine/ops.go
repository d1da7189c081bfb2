package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"remibot/internal/recurrence"
	"remibot/internal/schedule"
	"remibot/internal/storage"
	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

var (
	// ErrUndoExpired means the delete happened too long ago to take back.
	ErrUndoExpired = errors.New("engine: undo window elapsed")
	// ErrEmptyTitle rejects schedule requests without a display title.
	ErrEmptyTitle = errors.New("engine: title is empty")
)

// ItemEvent is published for create/delete/restore operations.
type ItemEvent struct {
	ItemID  int64     `json:"item_id"`
	ScopeID int64     `json:"scope_id"`
	Title   string    `json:"title"`
	At      time.Time `json:"at"`
}

// CreateRequest carries one schedule request from the command surface.
// WhenText is free-form date text; Participants are `user:<id>` /
// `role:<id>` references.
type CreateRequest struct {
	ScopeID         int64
	Title           string
	WhenText        string
	Timezone        string // empty uses the engine default
	Participants    []string
	LeadTimes       []int
	NotifyTarget    kit.ChatTarget
	Recurrence      recurrence.Rule
	RecurrenceEndAt time.Time
}

// Create parses, validates and persists a new item, arms its reminders and
// reports informational conflicts. Nothing is persisted on a validation
// error.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*schedule.Item, []Conflict, error) {
	if req.Title == "" {
		return nil, nil, ErrEmptyTitle
	}
	cfg := s.config()
	tz := req.Timezone
	if tz == "" {
		tz = cfg.Timezone
	}
	now := s.now()

	occ, err := s.parser.Parse(req.WhenText, now, tz)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %q: %w", req.WhenText, err)
	}
	parts, err := parseParticipantRefs(req.Participants)
	if err != nil {
		return nil, nil, err
	}
	if err := req.Recurrence.Validate(); err != nil {
		return nil, nil, err
	}

	leads := req.LeadTimes
	if len(leads) == 0 {
		leads = []int{cfg.DefaultLeadMinutes}
	}

	it := &schedule.Item{
		ScopeID:         req.ScopeID,
		Title:           req.Title,
		OccurrenceAt:    occ,
		Participants:    parts,
		NotifyTarget:    req.NotifyTarget,
		LeadTimes:       schedule.NormalizeLeadTimes(leads),
		Recurrence:      req.Recurrence,
		RecurrenceEndAt: req.RecurrenceEndAt,
		CreatedAt:       now,
	}

	conflicts := s.Conflicts(ctx, req.ScopeID, occ, 0)

	if err := s.store.Insert(ctx, it); err != nil {
		return nil, nil, fmt.Errorf("persist item: %w", err)
	}
	s.armItem(ctx, it)
	s.publish("item.created", ItemEvent{ItemID: it.ID, ScopeID: it.ScopeID, Title: it.Title, At: occ})
	s.log.Info("item created",
		logx.Int64("item", it.ID), logx.String("title", it.Title),
		logx.Time("at", occ), logx.Int("conflicts", len(conflicts)))
	return it, conflicts, nil
}

// UpdateRequest carries an edit; nil fields are left unchanged.
type UpdateRequest struct {
	Title           *string
	WhenText        *string
	Timezone        string // used when WhenText is set; empty = engine default
	Participants    *[]string
	LeadTimes       *[]int
	Recurrence      *recurrence.Rule
	RecurrenceEndAt *time.Time
}

// Update applies field changes and re-arms timers. When the occurrence
// moves, fired leads whose new fire instant is back in the future are
// cleared so they deliver again; leads whose instant is still past stay
// fired.
func (s *Service) Update(ctx context.Context, id int64, req UpdateRequest) (*schedule.Item, []Conflict, error) {
	unlock := s.lockItem(id)
	defer unlock()

	it, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	cfg := s.config()

	if req.Title != nil {
		if *req.Title == "" {
			return nil, nil, ErrEmptyTitle
		}
		it.Title = *req.Title
	}
	if req.Participants != nil {
		parts, err := parseParticipantRefs(*req.Participants)
		if err != nil {
			return nil, nil, err
		}
		it.Participants = parts
	}
	if req.LeadTimes != nil {
		it.LeadTimes = schedule.NormalizeLeadTimes(*req.LeadTimes)
	}
	if req.Recurrence != nil {
		if err := req.Recurrence.Validate(); err != nil {
			return nil, nil, err
		}
		it.Recurrence = *req.Recurrence
	}
	if req.RecurrenceEndAt != nil {
		it.RecurrenceEndAt = *req.RecurrenceEndAt
	}
	if req.WhenText != nil {
		tz := req.Timezone
		if tz == "" {
			tz = cfg.Timezone
		}
		occ, err := s.parser.Parse(*req.WhenText, now, tz)
		if err != nil {
			return nil, nil, fmt.Errorf("parse %q: %w", *req.WhenText, err)
		}
		it.OccurrenceAt = occ
	}

	// Re-check the fired set against the edited item: a lead whose fire
	// instant moved back into the future delivers again, and leads no
	// longer listed are dropped.
	kept := it.FiredLeadTimes[:0]
	for _, lead := range it.FiredLeadTimes {
		if slices.Contains(it.LeadTimes, lead) && !it.FireAt(lead).After(now) {
			kept = append(kept, lead)
		}
	}
	it.FiredLeadTimes = kept

	conflicts := s.Conflicts(ctx, it.ScopeID, it.OccurrenceAt, it.ID)

	if err := s.store.Update(ctx, it); err != nil {
		return nil, nil, fmt.Errorf("persist edit: %w", err)
	}
	s.disarmItem(it.ID)
	s.armItem(ctx, it)
	s.publish("item.updated", ItemEvent{ItemID: it.ID, ScopeID: it.ScopeID, Title: it.Title, At: it.OccurrenceAt})
	return it, conflicts, nil
}

// Delete soft-deletes into the undo cache, then removes the row. The
// snapshot keeps fired state so a restore does not re-send reminders.
func (s *Service) Delete(ctx context.Context, id int64) error {
	unlock := s.lockItem(id)
	defer unlock()

	it, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	s.undo.Remember(it)
	if err := s.store.Delete(ctx, id); err != nil {
		s.undo.Forget(id)
		return err
	}
	s.disarmItem(id)
	s.publish("item.deleted", ItemEvent{ItemID: it.ID, ScopeID: it.ScopeID, Title: it.Title, At: it.OccurrenceAt})
	s.log.Info("item deleted", logx.Int64("item", id), logx.String("title", it.Title))
	return nil
}

// Restore re-inserts a recently deleted item, preferring its original id
// and falling back to a fresh one only if the id was somehow taken.
// Returns ErrUndoExpired once the undo window has passed.
func (s *Service) Restore(ctx context.Context, id int64) (*schedule.Item, error) {
	it, ok := s.undo.Recall(id)
	if !ok {
		return nil, ErrUndoExpired
	}
	if err := s.store.Insert(ctx, it); err != nil {
		if !errors.Is(err, storage.ErrIDTaken) {
			return nil, fmt.Errorf("restore item: %w", err)
		}
		it.ID = 0
		if err := s.store.Insert(ctx, it); err != nil {
			return nil, fmt.Errorf("restore item: %w", err)
		}
	}
	s.armItem(ctx, it)
	s.publish("item.restored", ItemEvent{ItemID: it.ID, ScopeID: it.ScopeID, Title: it.Title, At: it.OccurrenceAt})
	s.log.Info("item restored", logx.Int64("item", it.ID), logx.String("title", it.Title))
	return it, nil
}

// RestoreLast restores the most recent still-recallable delete in a scope.
func (s *Service) RestoreLast(ctx context.Context, scopeID int64) (*schedule.Item, error) {
	id, ok := s.undo.Latest(scopeID)
	if !ok {
		return nil, ErrUndoExpired
	}
	return s.Restore(ctx, id)
}

// Get fetches one item.
func (s *Service) Get(ctx context.Context, id int64) (*schedule.Item, error) {
	return s.store.GetByID(ctx, id)
}

// ListUpcoming returns the scope's future items, soonest first.
func (s *Service) ListUpcoming(ctx context.Context, scopeID int64) ([]*schedule.Item, error) {
	items, err := s.store.ListByScope(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := items[:0]
	for _, it := range items {
		if it.OccurrenceAt.After(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

func parseParticipantRefs(refs []string) ([]schedule.Participant, error) {
	ps := make([]schedule.Participant, 0, len(refs))
	for _, r := range refs {
		p, err := schedule.ParseParticipant(r)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return schedule.DedupParticipants(ps), nil
}
