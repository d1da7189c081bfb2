package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: "reminder.fired", Data: 7})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "reminder.fired" {
				t.Fatalf("type = %q", e.Type)
			}
			if e.Time.IsZero() {
				t.Fatal("publish did not stamp a time")
			}
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishKeepsExplicitTime(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	at := time.Date(2025, 11, 3, 1, 0, 0, 0, time.UTC)
	b.Publish(Event{Type: "series.advanced", Time: at})

	if e := <-ch; !e.Time.Equal(at) {
		t.Fatalf("time = %v, want %v", e.Time, at)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(2)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "item.updated"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if n := len(ch); n != 2 {
		t.Fatalf("buffered = %d, want 2 (rest dropped)", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: "item.deleted"})
	if n := len(ch); n != 0 {
		t.Fatalf("received %d events after unsubscribe", n)
	}
}
