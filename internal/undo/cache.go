// Package undo holds soft-deleted meetings for a short grace window so a
// delete can be taken back. Entries live only in process memory; a restart
// makes every pending undo permanent.
package undo

import (
	"sync"
	"time"

	"remibot/internal/schedule"
	logx "remibot/pkg/logx"
)

// DefaultWindow is how long a deleted item stays recallable.
const DefaultWindow = 5 * time.Minute

type entry struct {
	item      *schedule.Item
	deletedAt time.Time
}

// Cache is a TTL map keyed by the deleted item's original id.
type Cache struct {
	mu      sync.Mutex
	entries map[int64]entry
	window  time.Duration
	now     func() time.Time
	log     logx.Logger
}

// New builds a cache with the given recall window; window <= 0 uses
// DefaultWindow. now may be nil (wall clock).
func New(window time.Duration, now func() time.Time, log logx.Logger) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		entries: make(map[int64]entry),
		window:  window,
		now:     now,
		log:     log,
	}
}

// Window reports the configured recall window.
func (c *Cache) Window() time.Duration { return c.window }

// Remember stores a snapshot of it, stamped with the current time.
// A second delete of the same id overwrites the earlier snapshot and
// restarts its window.
func (c *Cache) Remember(it *schedule.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[it.ID] = entry{item: it.Clone(), deletedAt: c.now()}
}

// Recall removes and returns the snapshot for id. It returns ok=false if
// the id was never remembered or its window has expired; expired entries
// are dropped on the way out.
func (c *Cache) Recall(id int64) (*schedule.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	delete(c.entries, id)
	if c.now().Sub(e.deletedAt) > c.window {
		return nil, false
	}
	return e.item, true
}

// Latest returns the id of the most recently deleted still-recallable item
// in the given scope, for "undo the last delete" without an explicit id.
func (c *Cache) Latest(scopeID int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		bestID int64
		bestAt time.Time
		found  bool
	)
	now := c.now()
	for id, e := range c.entries {
		if e.item.ScopeID != scopeID || now.Sub(e.deletedAt) > c.window {
			continue
		}
		if !found || e.deletedAt.After(bestAt) {
			bestID, bestAt, found = id, e.deletedAt, true
		}
	}
	return bestID, found
}

// Forget drops the snapshot for id if present.
func (c *Cache) Forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Sweep evicts every expired entry and reports how many were dropped.
// The engine calls it from the minute ticker.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for id, e := range c.entries {
		if now.Sub(e.deletedAt) > c.window {
			delete(c.entries, id)
			n++
		}
	}
	if n > 0 {
		c.log.Debug("undo entries expired", logx.Int("count", n))
	}
	return n
}

// Len reports the number of held snapshots, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
