package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "remibot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig controls the optional chat sink: log lines at or above
// MinLevel are forwarded to an operator chat, rate-limited so a log storm
// cannot flood it.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the configured sinks and supports live reconfiguration via
// Apply. Loggers handed out by it keep following the current sink set.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	logFile *os.File

	rootv atomic.Value // zerolog.Logger
	chat  *chatSink
}

// New builds the service, installs the initial sinks, and returns the
// service together with a root Logger bound to it.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{
		cfg:  cfg,
		chat: newChatSink(sender),
	}
	// Console-only root until Apply finishes, so nothing logs into the void
	// if sink setup itself wants to complain.
	s.rootv.Store(consoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel)))
	s.Apply(cfg)

	return s, Logger{src: s}
}

func (s *Service) root() zerolog.Logger {
	zl, ok := s.rootv.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// SetChatTarget points the Telegram sink at a chat. Call before enabling the
// sink via Apply, or the first lines have nowhere to go.
func (s *Service) SetChatTarget(chatID int64, threadID int) {
	s.chat.setTarget(chatID, threadID)
}

// Apply swaps sinks and levels at runtime. Safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.chat.configure(cfg.Telegram)

	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		if f := s.openLogFile(cfg.File.Path); f != nil {
			s.logFile = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		writers = append(writers, s.chat)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(Stdout()))
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	s.rootv.Store(zl)
}

func (s *Service) openLogFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./remibot.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		// The root may be mid-swap, so report on stderr directly.
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	return f
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.logFile
	s.logFile = nil
	s.mu.Unlock()

	s.chat.stop()
	if f != nil {
		_ = f.Close()
	}
	return nil
}

func consoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(consoleWriter(Stdout())).Level(lvl).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// Stdout returns the stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the stderr sink.
func Stderr() io.Writer { return os.Stderr }
