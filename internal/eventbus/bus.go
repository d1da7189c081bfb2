// Package eventbus carries operational signals between components without
// coupling them: the engine publishes reminder and series lifecycle events
// ("reminder.fired", "reminder.failed", "series.advanced", "series.ended",
// "item.deleted", "item.restored"), the notifier publishes delivery events,
// and the app layer subscribes for debug logging.
package eventbus

import (
	"sync"
	"time"
)

// Event is a fire-and-forget signal. Publish never blocks; subscribers that
// fall behind lose events rather than stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{}
}

type memBus struct {
	mu     sync.Mutex
	subs   []subscriber
	nextID int
}

type subscriber struct {
	id int
	ch chan Event
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	targets := make([]chan Event, len(b.subs))
	for i, s := range b.subs {
		targets[i] = s.ch
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- e:
		default: // subscriber full, drop
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, ch: ch})
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(id) })
	}
}

// remove detaches the subscriber but leaves its channel open: a concurrent
// Publish may still hold a reference to it, and an unreceived buffered event
// is harmless once nobody reads the channel.
func (b *memBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}
