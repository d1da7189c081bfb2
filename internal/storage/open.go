package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"remibot/internal/schedule"
	logx "remibot/pkg/logx"
)

var (
	// ErrNotFound is returned when no item exists with the given id.
	ErrNotFound = errors.New("storage: item not found")
	// ErrIDTaken is returned by Insert when an explicit id is already in use.
	ErrIDTaken = errors.New("storage: id already in use")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local store, nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the engine.
//
// Items are stored whole; Update replaces every mutable column. Ids are
// assigned by Insert when the item's ID is zero and are monotonically
// increasing, never reused, even across delete and restart.
type Store interface {
	// Insert persists a new item. When it.ID is zero a fresh id is
	// assigned and written back into the item. A non-zero ID inserts
	// under that exact id and fails with ErrIDTaken on collision.
	Insert(ctx context.Context, it *schedule.Item) error

	GetByID(ctx context.Context, id int64) (*schedule.Item, error)

	// ListByScope returns every item for one chat scope ordered by
	// occurrence time ascending, then id.
	ListByScope(ctx context.Context, scopeID int64) ([]*schedule.Item, error)

	// ListAll returns every stored item ordered by occurrence time
	// ascending, then id. The engine uses it for the periodic sweep
	// and the startup recovery pass.
	ListAll(ctx context.Context) ([]*schedule.Item, error)

	// Update replaces the stored row for it.ID.
	Update(ctx context.Context, it *schedule.Item) error

	// MarkFired appends leadMinutes to the item's fired set if it is
	// not already present. It reports whether the append happened;
	// (false, nil) means some other writer got there first.
	MarkFired(ctx context.Context, id int64, leadMinutes int) (bool, error)

	Delete(ctx context.Context, id int64) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
