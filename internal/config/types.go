package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration (JSON or YAML). All durations are Go
// duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Engine   EngineConfig   `json:"engine"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig  `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into a chat thread.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// EngineConfig holds the scheduling core settings. Everything here is
// hot-reloadable; a timezone change restarts the minute ticker in the new
// location.
type EngineConfig struct {
	// Timezone is the default civil timezone (IANA name). Unknown names
	// degrade to a fixed +09:00 offset at runtime.
	Timezone           string `json:"timezone,omitempty"`
	DefaultLeadMinutes int    `json:"default_lead_minutes,omitempty"`
	ConflictWindow     string `json:"conflict_window,omitempty"` // default "30m"
	UndoWindow         string `json:"undo_window,omitempty"`     // default "5m"
	PerItemTimers      *bool  `json:"per_item_timers,omitempty"` // default true
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "memory"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Validate checks everything that can be checked without I/O. It is used
// both at startup and as the reload gate, so a bad edit never reaches the
// running services.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.conflict_window", c.Engine.ConflictWindow); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.undo_window", c.Engine.UndoWindow); err != nil {
		return err
	}
	if c.Engine.DefaultLeadMinutes < 0 {
		return errors.New("engine.default_lead_minutes must be >= 0")
	}
	if _, err := ParseDurationField("notifier.send_timeout", c.Notifier.SendTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", d)
	}
	if driverNeedsPath(c.Storage.Driver) && strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required for sqlite")
	}
	return nil
}

func driverNeedsPath(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "memory":
		return false
	default:
		return true
	}
}

// PerItemTimersEnabled resolves the tri-state flag (nil means enabled).
func (e EngineConfig) PerItemTimersEnabled() bool {
	return e.PerItemTimers == nil || *e.PerItemTimers
}

// ConflictWindowDuration resolves the window with its 30-minute default.
func (e EngineConfig) ConflictWindowDuration() time.Duration {
	d, err := ParseDurationOrDefault("engine.conflict_window", e.ConflictWindow, 30*time.Minute)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// UndoWindowDuration resolves the undo window with its 5-minute default.
func (e EngineConfig) UndoWindowDuration() time.Duration {
	d, err := ParseDurationOrDefault("engine.undo_window", e.UndoWindow, 5*time.Minute)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}
