package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "remibot/internal/transport"
)

const (
	chatLineLimit  = 3500
	chatValueLimit = 600
)

// chatSink forwards selected zerolog lines to an operator chat through the
// transport sender. It never blocks the logging path: delivery goes through
// a bounded queue and a single worker goroutine, and full-queue lines drop.
type chatSink struct {
	sender kit.Sender
	queue  chan chatLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type chatLine struct {
	to   kit.ChatTarget
	text string
}

func newChatSink(sender kit.Sender) *chatSink {
	return &chatSink{
		sender:   sender,
		queue:    make(chan chatLine, 256),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (c *chatSink) setTarget(chatID int64, threadID int) {
	c.mu.Lock()
	c.chatID = chatID
	if threadID != 0 {
		c.threadID = threadID
	}
	c.mu.Unlock()
}

func (c *chatSink) configure(cfg TelegramConfig) {
	c.mu.Lock()
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		c.threadID = cfg.ThreadID
	}
	c.mu.Unlock()

	if cfg.Enabled {
		c.start()
	}
}

func (c *chatSink) start() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.deliverLoop(ctx)
	})
}

func (c *chatSink) stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *chatSink) deliverLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.queue:
			if c.sender == nil {
				continue
			}
			_, _ = c.sender.SendText(ctx, line.to, line.text, &kit.SendOptions{DisablePreview: true})
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to := kit.ChatTarget{ChatID: c.chatID, ThreadID: c.threadID}
	min := c.minLevel
	lim := c.limiter
	c.mu.Unlock()

	switch {
	case to.ChatID == 0 || c.sender == nil:
		return len(p), nil
	case level < min:
		return len(p), nil
	case !lim.Allow():
		return len(p), nil
	}

	text := renderChatLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatLine{to: to, text: text}:
	default: // queue full, drop
	}
	return len(p), nil
}

// renderChatLine turns one zerolog JSON line into readable chat text:
// "[LEVEL] message" followed by the remaining fields, one per line.
func renderChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))

	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, chatLineLimit)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), chatValueLimit))
	}

	return clip(b.String(), chatLineLimit)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
