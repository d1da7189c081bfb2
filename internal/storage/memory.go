package storage

import (
	"context"
	"sort"
	"sync"

	"remibot/internal/schedule"
)

// memStore keeps everything in a map. It honors the same id contract as
// the sqlite backend: nextID only ever moves forward, so a deleted id is
// never assigned again.
type memStore struct {
	mu     sync.Mutex
	items  map[int64]*schedule.Item
	nextID int64
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{items: make(map[int64]*schedule.Item), nextID: 1}
}

func (s *memStore) Insert(_ context.Context, it *schedule.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.ID == 0 {
		it.ID = s.nextID
		s.nextID++
	} else {
		if _, ok := s.items[it.ID]; ok {
			return ErrIDTaken
		}
		if it.ID >= s.nextID {
			s.nextID = it.ID + 1
		}
	}
	s.items[it.ID] = it.Clone()
	return nil
}

func (s *memStore) GetByID(_ context.Context, id int64) (*schedule.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.Clone(), nil
}

func (s *memStore) ListByScope(_ context.Context, scopeID int64) ([]*schedule.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schedule.Item
	for _, it := range s.items {
		if it.ScopeID == scopeID {
			out = append(out, it.Clone())
		}
	}
	sortItems(out)
	return out, nil
}

func (s *memStore) ListAll(_ context.Context) ([]*schedule.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schedule.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	sortItems(out)
	return out, nil
}

func (s *memStore) Update(_ context.Context, it *schedule.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.ID]; !ok {
		return ErrNotFound
	}
	s.items[it.ID] = it.Clone()
	return nil
}

func (s *memStore) MarkFired(_ context.Context, id int64, leadMinutes int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if it.HasFired(leadMinutes) {
		return false, nil
	}
	it.FiredLeadTimes = append(it.FiredLeadTimes, leadMinutes)
	return true, nil
}

func (s *memStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *memStore) Close() error { return nil }

func sortItems(out []*schedule.Item) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurrenceAt.Equal(out[j].OccurrenceAt) {
			return out[i].OccurrenceAt.Before(out[j].OccurrenceAt)
		}
		return out[i].ID < out[j].ID
	})
}
