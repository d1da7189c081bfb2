package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remibot/internal/recurrence"
	"remibot/internal/schedule"
	"remibot/internal/storage"
	kit "remibot/internal/transport"
	"remibot/internal/undo"
	logx "remibot/pkg/logx"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
	fail error
}

func (f *fakeNotifier) Send(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// 2025-11-03 is a Monday; 01:00Z is 10:00 in Seoul.
var testNow = time.Date(2025, 11, 3, 1, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Service, storage.Store, *fakeNotifier, *testClock) {
	t.Helper()
	tc := &testClock{t: testNow}
	st := storage.NewMemory()
	fn := &fakeNotifier{}
	svc := New(Config{Timezone: "Asia/Seoul"}, Deps{
		Store:    st,
		Undo:     undo.New(undo.DefaultWindow, tc.now, logx.Nop()),
		Notifier: fn,
		Log:      logx.Nop(),
		Now:      tc.now,
	})
	return svc, st, fn, tc
}

func mustCreate(t *testing.T, svc *Service, req CreateRequest) *schedule.Item {
	t.Helper()
	it, _, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return it
}

func TestCreateParsesAndPersists(t *testing.T) {
	t.Parallel()
	svc, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	it := mustCreate(t, svc, CreateRequest{
		ScopeID:      1,
		Title:        "design review",
		WhenText:     "2025-11-05 14:00",
		Participants: []string{"user:42", "role:7", "user:42"},
		NotifyTarget: kit.ChatTarget{ChatID: 5},
	})

	want := time.Date(2025, 11, 5, 5, 0, 0, 0, time.UTC) // 14:00 Seoul
	if !it.OccurrenceAt.Equal(want) {
		t.Errorf("occurrence = %v, want %v", it.OccurrenceAt, want)
	}
	if len(it.LeadTimes) != 1 || it.LeadTimes[0] != schedule.DefaultLeadMinutes {
		t.Errorf("lead times = %v, want default", it.LeadTimes)
	}
	if len(it.Participants) != 2 {
		t.Errorf("participants not deduplicated: %v", it.Participants)
	}
	if _, err := st.GetByID(ctx, it.ID); err != nil {
		t.Errorf("item not persisted: %v", err)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()
	svc, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []CreateRequest{
		{ScopeID: 1, Title: "", WhenText: "2025-11-05 14:00"},
		{ScopeID: 1, Title: "x", WhenText: "not a date at all"},
		{ScopeID: 1, Title: "x", WhenText: "2025-11-05 14:00", Participants: []string{"nope"}},
	}
	for i, req := range cases {
		if _, _, err := svc.Create(ctx, req); err == nil {
			t.Errorf("case %d: create accepted bad input", i)
		}
	}
	all, _ := st.ListAll(ctx)
	if len(all) != 0 {
		t.Errorf("validation failure persisted %d items", len(all))
	}
}

func TestConflictsBothDirections(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestEngine(t)

	a := mustCreate(t, svc, CreateRequest{ScopeID: 1, Title: "a", WhenText: "2025-11-05 14:00"})
	_, conflicts, err := svc.Create(context.Background(), CreateRequest{
		ScopeID: 1, Title: "b", WhenText: "2025-11-05 14:20",
	})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ItemID != a.ID {
		t.Fatalf("conflicts = %+v, want item %d", conflicts, a.ID)
	}

	// And the reverse lookup sees b from a's slot.
	back := svc.Conflicts(context.Background(), 1, a.OccurrenceAt, a.ID)
	if len(back) != 1 || back[0].Title != "b" {
		t.Errorf("reverse conflicts = %+v", back)
	}

	// Other scopes and far-away times never conflict.
	if c := svc.Conflicts(context.Background(), 2, a.OccurrenceAt, 0); len(c) != 0 {
		t.Errorf("cross-scope conflicts = %+v", c)
	}
	_, conflicts, err = svc.Create(context.Background(), CreateRequest{
		ScopeID: 1, Title: "c", WhenText: "2025-11-05 15:00",
	})
	if err != nil || len(conflicts) != 0 {
		t.Errorf("31-minute gap flagged: %+v, %v", conflicts, err)
	}
}

func TestFireIdempotent(t *testing.T) {
	t.Parallel()
	svc, st, fn, _ := newTestEngine(t)
	ctx := context.Background()

	it := mustCreate(t, svc, CreateRequest{
		ScopeID: 1, Title: "standup", WhenText: "2025-11-03 10:10", LeadTimes: []int{15},
	})

	svc.fireLead(ctx, it.ID, 15)
	svc.fireLead(ctx, it.ID, 15)

	if fn.count() != 1 {
		t.Errorf("sent %d notifications, want 1", fn.count())
	}
	got, _ := st.GetByID(ctx, it.ID)
	if len(got.FiredLeadTimes) != 1 || got.FiredLeadTimes[0] != 15 {
		t.Errorf("fired = %v", got.FiredLeadTimes)
	}
}

func TestFireStaleTriggerNoops(t *testing.T) {
	t.Parallel()
	svc, _, fn, _ := newTestEngine(t)
	svc.fireLead(context.Background(), 9999, 15)
	if fn.count() != 0 {
		t.Error("stale trigger sent a notification")
	}
}

func TestSweepFiresDueAndRetriesFailures(t *testing.T) {
	t.Parallel()
	svc, st, fn, _ := newTestEngine(t)
	ctx := context.Background()

	// Occurrence 10 minutes out with a 15-minute lead: already due.
	it := mustCreate(t, svc, CreateRequest{
		ScopeID: 1, Title: "standup", WhenText: "2025-11-03 10:10", LeadTimes: []int{15},
	})
	// Far-future item must not fire.
	far := mustCreate(t, svc, CreateRequest{
		ScopeID: 1, Title: "later", WhenText: "2025-11-20 10:00", LeadTimes: []int{15},
	})

	fn.fail = errors.New("network down")
	svc.Sweep(ctx)
	got, _ := st.GetByID(ctx, it.ID)
	if len(got.FiredLeadTimes) != 0 {
		t.Fatalf("failed send marked fired: %v", got.FiredLeadTimes)
	}

	fn.fail = nil
	svc.Sweep(ctx)
	got, _ = st.GetByID(ctx, it.ID)
	if len(got.FiredLeadTimes) != 1 {
		t.Fatalf("retry did not fire: %v", got.FiredLeadTimes)
	}
	if fn.count() != 1 {
		t.Errorf("sent %d, want 1", fn.count())
	}
	gotFar, _ := st.GetByID(ctx, far.ID)
	if len(gotFar.FiredLeadTimes) != 0 {
		t.Errorf("future item fired early: %v", gotFar.FiredLeadTimes)
	}

	// Third sweep stays quiet.
	svc.Sweep(ctx)
	if fn.count() != 1 {
		t.Errorf("repeat sweep re-sent: %d", fn.count())
	}
}

func TestAdvanceDaily(t *testing.T) {
	t.Parallel()
	svc, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Elapsed daily meeting (Seoul 09:00 = 00:00Z today), fully fired.
	it := &schedule.Item{
		ScopeID:        1,
		Title:          "standup",
		OccurrenceAt:   time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
		LeadTimes:      []int{15},
		FiredLeadTimes: []int{15},
		Recurrence:     recurrence.Rule{Kind: recurrence.KindDaily},
		CreatedAt:      testNow.Add(-48 * time.Hour),
	}
	if err := st.Insert(ctx, it); err != nil {
		t.Fatal(err)
	}

	svc.advance(ctx, it.ID)

	if _, err := st.GetByID(ctx, it.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("elapsed item still present: %v", err)
	}
	all, _ := st.ListAll(ctx)
	if len(all) != 1 {
		t.Fatalf("items after advance = %d", len(all))
	}
	repl := all[0]
	if repl.ID == it.ID {
		t.Error("replacement reused the old id")
	}
	wantNext := time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC) // next day 09:00 Seoul
	if !repl.OccurrenceAt.Equal(wantNext) {
		t.Errorf("next occurrence = %v, want %v", repl.OccurrenceAt, wantNext)
	}
	if len(repl.FiredLeadTimes) != 0 {
		t.Errorf("fired set carried over: %v", repl.FiredLeadTimes)
	}
	if repl.Title != "standup" || len(repl.LeadTimes) != 1 {
		t.Errorf("replacement lost fields: %+v", repl)
	}
}

func TestAdvanceWaitsForAllFired(t *testing.T) {
	t.Parallel()
	svc, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	it := &schedule.Item{
		ScopeID:        1,
		Title:          "standup",
		OccurrenceAt:   time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
		LeadTimes:      []int{60, 15},
		FiredLeadTimes: []int{60},
		Recurrence:     recurrence.Rule{Kind: recurrence.KindDaily},
	}
	if err := st.Insert(ctx, it); err != nil {
		t.Fatal(err)
	}

	svc.advance(ctx, it.ID)

	if _, err := st.GetByID(ctx, it.ID); err != nil {
		t.Errorf("partially-fired item was advanced: %v", err)
	}
	all, _ := st.ListAll(ctx)
	if len(all) != 1 {
		t.Errorf("items = %d, want 1", len(all))
	}
}

func TestAdvanceStopsAtEndBound(t *testing.T) {
	t.Parallel()
	svc, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	it := &schedule.Item{
		ScopeID:         1,
		Title:           "standup",
		OccurrenceAt:    time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
		LeadTimes:       []int{15},
		FiredLeadTimes:  []int{15},
		Recurrence:      recurrence.Rule{Kind: recurrence.KindDaily},
		RecurrenceEndAt: time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC), // next == bound
	}
	if err := st.Insert(ctx, it); err != nil {
		t.Fatal(err)
	}

	svc.advance(ctx, it.ID)

	all, _ := st.ListAll(ctx)
	if len(all) != 0 {
		t.Errorf("series past end bound produced items: %+v", all)
	}
	if st := svc.Snapshot(); st.Ended != 1 {
		t.Errorf("ended counter = %d", st.Ended)
	}
}

func TestSweepAdvancesThroughFullCycle(t *testing.T) {
	t.Parallel()
	svc, st, fn, tc := newTestEngine(t)
	ctx := context.Background()

	// Weekly Monday meeting later today (Seoul 11:00 = 02:00Z).
	it := mustCreate(t, svc, CreateRequest{
		ScopeID:    1,
		Title:      "weekly sync",
		WhenText:   "2025-11-03 11:00",
		LeadTimes:  []int{15},
		Recurrence: recurrence.Rule{Kind: recurrence.KindWeekly, Weekday: time.Monday},
	})

	// Advance past the occurrence: sweep fires the lead, then replaces.
	tc.advance(90 * time.Minute) // 02:30Z
	svc.Sweep(ctx)
	if fn.count() != 1 {
		t.Fatalf("sent = %d, want 1", fn.count())
	}

	all, _ := st.ListAll(ctx)
	if len(all) != 1 {
		t.Fatalf("items = %d, want 1", len(all))
	}
	repl := all[0]
	if repl.ID == it.ID {
		t.Fatal("sweep did not replace the elapsed item")
	}
	wantNext := time.Date(2025, 11, 10, 2, 0, 0, 0, time.UTC) // next Monday 11:00 Seoul
	if !repl.OccurrenceAt.Equal(wantNext) {
		t.Errorf("next = %v, want %v", repl.OccurrenceAt, wantNext)
	}
}

func TestDeleteRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	svc, st, _, tc := newTestEngine(t)
	ctx := context.Background()

	it := mustCreate(t, svc, CreateRequest{
		ScopeID: 1, Title: "retro", WhenText: "2025-11-05 14:00",
		Participants: []string{"user:42"}, LeadTimes: []int{60, 15},
	})
	if _, err := st.MarkFired(ctx, it.ID, 60); err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, it.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetByID(ctx, it.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("item still in store after delete")
	}

	tc.advance(3 * time.Minute)
	got, err := svc.Restore(ctx, it.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got.ID != it.ID {
		t.Errorf("restore changed id: %d -> %d", it.ID, got.ID)
	}
	if got.Title != "retro" || !got.OccurrenceAt.Equal(it.OccurrenceAt) {
		t.Errorf("restore lost fields: %+v", got)
	}
	if len(got.FiredLeadTimes) != 1 || got.FiredLeadTimes[0] != 60 {
		t.Errorf("restore lost fired state: %v", got.FiredLeadTimes)
	}
}

func TestRestoreAfterWindow(t *testing.T) {
	t.Parallel()
	svc, _, _, tc := newTestEngine(t)
	ctx := context.Background()

	it := mustCreate(t, svc, CreateRequest{ScopeID: 1, Title: "retro", WhenText: "2025-11-05 14:00"})
	if err := svc.Delete(ctx, it.ID); err != nil {
		t.Fatal(err)
	}

	tc.advance(6 * time.Minute)
	if _, err := svc.Restore(ctx, it.ID); !errors.Is(err, ErrUndoExpired) {
		t.Errorf("restore err = %v, want ErrUndoExpired", err)
	}
}

func TestRestoreLast(t *testing.T) {
	t.Parallel()
	svc, _, _, tc := newTestEngine(t)
	ctx := context.Background()

	a := mustCreate(t, svc, CreateRequest{ScopeID: 1, Title: "a", WhenText: "2025-11-05 14:00"})
	b := mustCreate(t, svc, CreateRequest{ScopeID: 1, Title: "b", WhenText: "2025-11-06 14:00"})
	_ = svc.Delete(ctx, a.ID)
	tc.advance(time.Minute)
	_ = svc.Delete(ctx, b.ID)

	got, err := svc.RestoreLast(ctx, 1)
	if err != nil {
		t.Fatalf("restore last: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("restored %d, want most recent %d", got.ID, b.ID)
	}
}

func TestUpdateMovesOccurrence(t *testing.T) {
	t.Parallel()
	svc, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	it := mustCreate(t, svc, CreateRequest{
		ScopeID: 1, Title: "planning", WhenText: "2025-11-03 10:10", LeadTimes: []int{60, 15},
	})
	// The 60-minute lead has already fired for the near occurrence.
	if _, err := st.MarkFired(ctx, it.ID, 60); err != nil {
		t.Fatal(err)
	}

	when := "2025-11-07 10:00"
	title := "sprint planning"
	got, _, err := svc.Update(ctx, it.ID, UpdateRequest{Title: &title, WhenText: &when})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	want := time.Date(2025, 11, 7, 1, 0, 0, 0, time.UTC)
	if !got.OccurrenceAt.Equal(want) {
		t.Errorf("occurrence = %v, want %v", got.OccurrenceAt, want)
	}
	if got.Title != "sprint planning" {
		t.Errorf("title = %q", got.Title)
	}
	// Moving days ahead puts every fire instant back in the future, so the
	// fired set resets and reminders deliver again.
	if len(got.FiredLeadTimes) != 0 {
		t.Errorf("fired set survived a forward move: %v", got.FiredLeadTimes)
	}
}

func TestListUpcoming(t *testing.T) {
	t.Parallel()
	svc, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	past := &schedule.Item{ScopeID: 1, Title: "done", OccurrenceAt: testNow.Add(-time.Hour), LeadTimes: []int{15}}
	if err := st.Insert(ctx, past); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, svc, CreateRequest{ScopeID: 1, Title: "soon", WhenText: "2025-11-05 14:00"})
	mustCreate(t, svc, CreateRequest{ScopeID: 1, Title: "sooner", WhenText: "2025-11-04 14:00"})
	mustCreate(t, svc, CreateRequest{ScopeID: 2, Title: "elsewhere", WhenText: "2025-11-04 14:00"})

	got, err := svc.ListUpcoming(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("n = %d, want 2", len(got))
	}
	if got[0].Title != "sooner" || got[1].Title != "soon" {
		t.Errorf("order = [%s, %s]", got[0].Title, got[1].Title)
	}
}

// blockingNotifier parks Send until released, so a test can hold a fire
// mid-flight.
type blockingNotifier struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingNotifier) Send(_ context.Context, _ kit.ChatTarget, _ string, _ *kit.SendOptions) error {
	b.started <- struct{}{}
	<-b.release
	return nil
}

func TestRearmedTimerSurvivesStaleCallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tc := &testClock{t: testNow}
	st := storage.NewMemory()
	bn := &blockingNotifier{started: make(chan struct{}, 1), release: make(chan struct{})}
	svc := New(Config{Timezone: "Asia/Seoul", PerItemTimers: true}, Deps{
		Store:    st,
		Undo:     undo.New(undo.DefaultWindow, tc.now, logx.Nop()),
		Notifier: bn,
		Log:      logx.Nop(),
		Now:      tc.now,
	})

	it := &schedule.Item{
		ScopeID:      1,
		Title:        "standup",
		OccurrenceAt: testNow.Add(15*time.Minute + 30*time.Millisecond),
		LeadTimes:    []int{15},
		NotifyTarget: kit.ChatTarget{ChatID: 7},
		CreatedAt:    testNow,
	}
	if err := st.Insert(ctx, it); err != nil {
		t.Fatalf("insert: %v", err)
	}
	svc.armItem(ctx, it)

	// The timer fires ~30ms in and blocks inside Send.
	select {
	case <-bn.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	// Swap in a newer timer for the same slot while the old callback is
	// still in flight, the way an edit re-arming the item would.
	key := timerKey{itemID: it.ID, lead: 15}
	replacement := time.AfterFunc(time.Hour, func() {})
	defer replacement.Stop()
	svc.tmu.Lock()
	svc.timers[key] = replacement
	svc.tmu.Unlock()

	close(bn.release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := st.GetByID(ctx, it.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.HasFired(15) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lead never marked fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give the stale callback time to run its map cleanup.
	time.Sleep(50 * time.Millisecond)

	svc.tmu.Lock()
	cur := svc.timers[key]
	svc.tmu.Unlock()
	if cur != replacement {
		t.Fatal("stale timer callback evicted the re-armed timer entry")
	}
	svc.disarmItem(it.ID)
}
