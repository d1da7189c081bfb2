// Package engine is the scheduling core: it owns the minute sweep, the
// per-reminder timers, series advancement and the schedule operations
// exposed to the command surface. Everything time-related goes through the
// injected clock so tests can pin "now".
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remibot/internal/clock"
	"remibot/internal/dateparse"
	"remibot/internal/eventbus"
	"remibot/internal/recurrence"
	"remibot/internal/schedule"
	"remibot/internal/storage"
	kit "remibot/internal/transport"
	"remibot/internal/undo"
	logx "remibot/pkg/logx"
)

// Notifier is the outbound delivery capability the engine fires through.
type Notifier interface {
	Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error
}

// Config holds the live-reloadable engine settings.
type Config struct {
	// Timezone is the default civil timezone for parsing, recurrence and
	// rendering. Scope-specific overrides may arrive later; today one
	// default covers the deployment.
	Timezone string

	DefaultLeadMinutes int

	// ConflictWindow is the symmetric proximity window for double-booking
	// warnings.
	ConflictWindow time.Duration

	// PerItemTimers enables best-effort time.AfterFunc triggers per
	// reminder. The minute sweep alone is sufficient for correctness;
	// timers only make delivery punctual within the minute.
	PerItemTimers bool

	// Renderer overrides message rendering; nil uses the default.
	Renderer Renderer
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = "Asia/Seoul"
	}
	if c.DefaultLeadMinutes <= 0 {
		c.DefaultLeadMinutes = schedule.DefaultLeadMinutes
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = 30 * time.Minute
	}
	if c.Renderer == nil {
		c.Renderer = RenderReminder
	}
}

type timerKey struct {
	itemID int64
	lead   int
}

// Stats is a point-in-time operational snapshot.
type Stats struct {
	ArmedTimers   int
	LastSweepAt   time.Time
	LastSweepTook time.Duration
	Fired         uint64
	Failed        uint64
	Advanced      uint64
	Ended         uint64
}

// Service wires the clock, parser, recurrence engine, store, undo cache and
// notifier into one scheduling core. Safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store  storage.Store
	clk    *clock.Clock
	parser *dateparse.Parser
	rec    *recurrence.Engine
	undo   *undo.Cache
	notify Notifier
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	c       *cron.Cron
	runCtx  context.Context
	stopRun context.CancelFunc

	tmu    sync.Mutex
	timers map[timerKey]*time.Timer

	lmu   sync.Mutex
	locks map[int64]*sync.Mutex

	smu   sync.Mutex
	stats Stats
}

type Deps struct {
	Store    storage.Store
	Clock    *clock.Clock
	Undo     *undo.Cache
	Notifier Notifier
	Bus      eventbus.Bus
	Log      logx.Logger

	// Now overrides the wall clock in tests.
	Now func() time.Time
}

func New(cfg Config, d Deps) *Service {
	cfg.normalize()
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.New(cfg.Timezone, log)
	}
	ud := d.Undo
	if ud == nil {
		ud = undo.New(undo.DefaultWindow, now, log)
	}
	return &Service{
		cfg:    cfg,
		store:  d.Store,
		clk:    clk,
		parser: dateparse.New(clk),
		rec:    recurrence.NewEngine(clk),
		undo:   ud,
		notify: d.Notifier,
		bus:    d.Bus,
		log:    log,
		now:    now,
		timers: map[timerKey]*time.Timer{},
		locks:  map[int64]*sync.Mutex{},
	}
}

// Undo exposes the undo cache (the command surface reads its window for
// user-facing hints).
func (s *Service) Undo() *undo.Cache { return s.undo }

// Apply installs new settings. A timezone change restarts the ticker in the
// new location; other fields take effect on the next operation.
func (s *Service) Apply(cfg Config) {
	cfg.normalize()
	s.mu.Lock()
	oldTZ := s.cfg.Timezone
	running := s.c != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && oldTZ != cfg.Timezone {
		s.restartTicker()
	}
}

// Start launches the minute ticker, runs one immediate recovery sweep so
// reminders that came due while the process was down fire promptly, and
// arms per-item timers. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.stopRun = cancel
	loc := s.clk.Location(s.cfg.Timezone)
	c := cron.New(cron.WithLocation(loc))
	_, _ = c.AddFunc("@every 1m", func() { s.Sweep(runCtx) })
	s.c = c
	s.mu.Unlock()

	c.Start()
	s.log.Info("engine started", logx.String("tz", loc.String()))

	// Recovery pass before the first tick.
	s.Sweep(runCtx)
	s.armAll(runCtx)
}

// Stop halts the ticker and every armed timer. In-flight fires finish on
// their own; their idempotency checks make a torn stop harmless.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	cancel := s.stopRun
	s.c = nil
	s.runCtx = nil
	s.stopRun = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[timerKey]*time.Timer{}
	s.tmu.Unlock()

	s.log.Info("engine stopped")
}

func (s *Service) restartTicker() {
	s.mu.Lock()
	c := s.c
	runCtx := s.runCtx
	loc := s.clk.Location(s.cfg.Timezone)
	if c == nil || runCtx == nil {
		s.mu.Unlock()
		return
	}
	nc := cron.New(cron.WithLocation(loc))
	_, _ = nc.AddFunc("@every 1m", func() { s.Sweep(runCtx) })
	s.c = nc
	s.mu.Unlock()

	<-c.Stop().Done()
	nc.Start()
	s.log.Info("ticker restarted", logx.String("tz", loc.String()))
}

// Snapshot returns current counters for the status surface.
func (s *Service) Snapshot() Stats {
	s.tmu.Lock()
	armed := len(s.timers)
	s.tmu.Unlock()
	s.smu.Lock()
	st := s.stats
	s.smu.Unlock()
	st.ArmedTimers = armed
	return st
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// lockItem serializes the fire/advance/edit paths per item id.
func (s *Service) lockItem(id int64) func() {
	s.lmu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.lmu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
