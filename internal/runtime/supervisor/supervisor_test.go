package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitDone(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("supervisor did not drain in time")
	}
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	boom := errors.New("boom")

	s.Go("failing", func(context.Context) error { return boom })
	s.Go("clean", func(context.Context) error { return nil })
	waitDone(t, s)

	if err := s.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want wrapped boom", err)
	}
	if c := s.Counters(); c.Started != 2 || c.Active != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestCancelOnErrorCancelsSiblings(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("watcher", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failing", func(context.Context) error { return errors.New("fatal") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled after first error")
	}
	waitDone(t, s)
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	s.Go("panicking", func(context.Context) error { panic("kaboom") })
	waitDone(t, s)

	err := s.Err()
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Err() = %v, want recorded panic", err)
	}
}

func TestContextCancelIsCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Cancel()
	waitDone(t, s)

	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v after clean cancellation", err)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	waitDone(t, s)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v, restarts should not publish by default", err)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var runs atomic.Int32
	s.GoRestart("hopeless", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
		WithPublishFirstError(true),
	)

	waitDone(t, s)
	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if s.Err() == nil {
		t.Fatal("first error not published")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	b := backoff{min: 10 * time.Millisecond, max: 40 * time.Millisecond}

	prevBase := time.Duration(0)
	for i := 0; i < 5; i++ {
		wait := b.next()
		if wait < b.cur || wait > b.cur+b.cur/5 {
			t.Fatalf("step %d: wait %v outside [%v, %v+20%%]", i, wait, b.cur, b.cur)
		}
		if b.cur < prevBase {
			t.Fatalf("step %d: base shrank %v -> %v", i, prevBase, b.cur)
		}
		prevBase = b.cur
	}
	if b.cur != 40*time.Millisecond {
		t.Fatalf("base = %v, want capped at 40ms", b.cur)
	}

	b.reset()
	if got := b.next(); got < 10*time.Millisecond || got > 12*time.Millisecond {
		t.Fatalf("after reset, next = %v, want ~10ms", got)
	}
}
