// Package notifier delivers rendered reminder messages to chat.
//
// Delivery is deliberately synchronous: the engine marks a lead time as
// fired only after Send returns nil, and a failed send is simply retried
// by the next minute sweep. There is therefore no retry logic here, only
// rate limiting and a per-send timeout.
package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"remibot/internal/eventbus"
	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrStopped = errors.New("notifier stopped")

// Config controls delivery pacing.
type Config struct {
	RatePerSec  int
	SendTimeout time.Duration
	HistorySize int
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// DeliveryEvent is emitted on the event bus after each send attempt.
type DeliveryEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Service wraps a transport sender with rate limiting and a short
// in-memory send history. Safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  kit.Sender
	log     logx.Logger
	bus     eventbus.Bus
	stopped bool

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply swaps in new pacing settings; in-flight sends keep the snapshot
// they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Stop blocks further sends. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Send delivers text to the target, blocking for the rate limiter and the
// configured per-send timeout. A nil error means the message reached the
// transport.
func (s *Service) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	lim := s.limiter
	sender := s.sender
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if sender == nil {
		return errors.New("notifier: no sender configured")
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	_, err := sender.SendText(callCtx, to, text, opt)
	cancel()

	now := time.Now()
	ev := DeliveryEvent{ChatID: to.ChatID, ThreadID: to.ThreadID, At: now}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("send failed",
			logx.Int64("chat", to.ChatID), logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "notifier.failed", Time: now, Data: ev})
		}
		return err
	}
	s.appendHistory(text)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "notifier.sent", Time: now, Data: ev})
	}
	return nil
}

// Snapshot returns a copy of the recent send history, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(text string) {
	s.mu.Lock()
	keep := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > keep {
		s.history = s.history[len(s.history)-keep:]
	}
	s.hmu.Unlock()
}
