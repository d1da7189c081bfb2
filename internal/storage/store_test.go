package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"remibot/internal/recurrence"
	"remibot/internal/schedule"
	"remibot/internal/transport"
	logx "remibot/pkg/logx"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "meet.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemory()}
}

func sampleItem(occ time.Time) *schedule.Item {
	return &schedule.Item{
		ScopeID:      100,
		Title:        "standup",
		OccurrenceAt: occ,
		Participants: []schedule.Participant{
			{Kind: schedule.ParticipantUser, ID: 42},
			{Kind: schedule.ParticipantRole, ID: 7},
		},
		NotifyTarget: transport.ChatTarget{ChatID: -100123, ThreadID: 5},
		LeadTimes:    []int{60, 15},
		Recurrence:   recurrence.Rule{Kind: recurrence.KindDaily},
		CreatedAt:    occ.Add(-24 * time.Hour),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	occ := time.Date(2025, 11, 3, 1, 0, 0, 0, time.UTC)

	for name, st := range openBackends(t) {
		it := sampleItem(occ)
		it.RecurrenceEndAt = occ.AddDate(0, 1, 0)
		if err := st.Insert(ctx, it); err != nil {
			t.Fatalf("%s: insert: %v", name, err)
		}
		if it.ID == 0 {
			t.Fatalf("%s: insert did not assign an id", name)
		}

		got, err := st.GetByID(ctx, it.ID)
		if err != nil {
			t.Fatalf("%s: get: %v", name, err)
		}
		if got.Title != "standup" || got.ScopeID != 100 {
			t.Errorf("%s: got %q scope %d", name, got.Title, got.ScopeID)
		}
		if !got.OccurrenceAt.Equal(occ) {
			t.Errorf("%s: occurrence = %v, want %v", name, got.OccurrenceAt, occ)
		}
		if !got.RecurrenceEndAt.Equal(it.RecurrenceEndAt) {
			t.Errorf("%s: end = %v, want %v", name, got.RecurrenceEndAt, it.RecurrenceEndAt)
		}
		if got.Recurrence.Kind != recurrence.KindDaily {
			t.Errorf("%s: rule = %v", name, got.Recurrence)
		}
		if len(got.Participants) != 2 || got.Participants[0].String() != "user:42" {
			t.Errorf("%s: participants = %v", name, got.Participants)
		}
		if got.NotifyTarget.ChatID != -100123 || got.NotifyTarget.ThreadID != 5 {
			t.Errorf("%s: target = %+v", name, got.NotifyTarget)
		}
	}
}

func TestStoreIDsNeverReused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	occ := time.Date(2025, 11, 3, 1, 0, 0, 0, time.UTC)

	for name, st := range openBackends(t) {
		a := sampleItem(occ)
		if err := st.Insert(ctx, a); err != nil {
			t.Fatalf("%s: insert: %v", name, err)
		}
		if err := st.Delete(ctx, a.ID); err != nil {
			t.Fatalf("%s: delete: %v", name, err)
		}
		b := sampleItem(occ.Add(time.Hour))
		if err := st.Insert(ctx, b); err != nil {
			t.Fatalf("%s: insert: %v", name, err)
		}
		if b.ID <= a.ID {
			t.Errorf("%s: id %d assigned after deleting %d", name, b.ID, a.ID)
		}
	}
}

func TestStoreInsertExplicitID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	occ := time.Date(2025, 11, 3, 1, 0, 0, 0, time.UTC)

	for name, st := range openBackends(t) {
		a := sampleItem(occ)
		a.ID = 37
		if err := st.Insert(ctx, a); err != nil {
			t.Fatalf("%s: insert explicit: %v", name, err)
		}
		dup := sampleItem(occ)
		dup.ID = 37
		if err := st.Insert(ctx, dup); !errors.Is(err, ErrIDTaken) {
			t.Errorf("%s: duplicate insert err = %v, want ErrIDTaken", name, err)
		}
		// Fresh ids keep climbing past the explicit one.
		c := sampleItem(occ)
		if err := st.Insert(ctx, c); err != nil {
			t.Fatalf("%s: insert: %v", name, err)
		}
		if c.ID <= 37 {
			t.Errorf("%s: fresh id %d not above explicit 37", name, c.ID)
		}
	}
}

func TestStoreMarkFired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	occ := time.Date(2025, 11, 3, 1, 0, 0, 0, time.UTC)

	for name, st := range openBackends(t) {
		it := sampleItem(occ)
		if err := st.Insert(ctx, it); err != nil {
			t.Fatalf("%s: insert: %v", name, err)
		}
		ok, err := st.MarkFired(ctx, it.ID, 60)
		if err != nil || !ok {
			t.Fatalf("%s: first mark = %v, %v", name, ok, err)
		}
		ok, err = st.MarkFired(ctx, it.ID, 60)
		if err != nil || ok {
			t.Fatalf("%s: second mark = %v, %v; want no-op", name, ok, err)
		}
		ok, err = st.MarkFired(ctx, it.ID, 15)
		if err != nil || !ok {
			t.Fatalf("%s: mark 15 = %v, %v", name, ok, err)
		}
		got, err := st.GetByID(ctx, it.ID)
		if err != nil {
			t.Fatalf("%s: get: %v", name, err)
		}
		if len(got.FiredLeadTimes) != 2 {
			t.Errorf("%s: fired = %v", name, got.FiredLeadTimes)
		}
		if _, err := st.MarkFired(ctx, 9999, 15); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: mark missing err = %v", name, err)
		}
	}
}

func TestStoreListOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Date(2025, 11, 3, 1, 0, 0, 0, time.UTC)

	for name, st := range openBackends(t) {
		times := []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour)}
		for i, occ := range times {
			it := sampleItem(occ)
			if i == 0 {
				it.ScopeID = 200
			}
			if err := st.Insert(ctx, it); err != nil {
				t.Fatalf("%s: insert: %v", name, err)
			}
		}
		all, err := st.ListAll(ctx)
		if err != nil {
			t.Fatalf("%s: list all: %v", name, err)
		}
		if len(all) != 3 {
			t.Fatalf("%s: list all n = %d", name, len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].OccurrenceAt.Before(all[i-1].OccurrenceAt) {
				t.Errorf("%s: list all out of order at %d", name, i)
			}
		}
		scoped, err := st.ListByScope(ctx, 100)
		if err != nil {
			t.Fatalf("%s: list scope: %v", name, err)
		}
		if len(scoped) != 2 {
			t.Errorf("%s: scope 100 n = %d", name, len(scoped))
		}
	}
}

func TestStoreUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	occ := time.Date(2025, 11, 3, 1, 0, 0, 0, time.UTC)

	for name, st := range openBackends(t) {
		it := sampleItem(occ)
		if err := st.Insert(ctx, it); err != nil {
			t.Fatalf("%s: insert: %v", name, err)
		}
		it.Title = "retro"
		it.OccurrenceAt = occ.Add(30 * time.Minute)
		it.FiredLeadTimes = []int{60}
		if err := st.Update(ctx, it); err != nil {
			t.Fatalf("%s: update: %v", name, err)
		}
		got, err := st.GetByID(ctx, it.ID)
		if err != nil {
			t.Fatalf("%s: get: %v", name, err)
		}
		if got.Title != "retro" || !got.OccurrenceAt.Equal(it.OccurrenceAt) || len(got.FiredLeadTimes) != 1 {
			t.Errorf("%s: after update got %+v", name, got)
		}

		missing := sampleItem(occ)
		missing.ID = 424242
		if err := st.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: update missing err = %v", name, err)
		}
	}
}

func TestMinutesCodec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in  []int
		out string
	}{
		{nil, ""},
		{[]int{15}, "15"},
		{[]int{60, 15, 5}, "60,15,5"},
	}
	for _, tc := range cases {
		if got := encodeMinutes(tc.in); got != tc.out {
			t.Errorf("encode(%v) = %q, want %q", tc.in, got, tc.out)
		}
		back, err := decodeMinutes(tc.out)
		if err != nil {
			t.Fatalf("decode(%q): %v", tc.out, err)
		}
		if len(back) != len(tc.in) {
			t.Errorf("decode(%q) = %v", tc.out, back)
		}
	}
	if _, err := decodeMinutes("60,x"); err == nil {
		t.Error("decode accepted garbage")
	}
}
