package logx

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	kit "remibot/internal/transport"
)

func bufferLogger(buf *bytes.Buffer, lvl zerolog.Level) Logger {
	zl := zerolog.New(buf).Level(lvl)
	return Logger{src: &fixedSource{zl: zl}}
}

func TestLoggerEmit(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := bufferLogger(&buf, zerolog.DebugLevel)

	log.Info("standup reminder sent", String("comp", "engine"), Int("lead_min", 15))

	out := buf.String()
	for _, want := range []string{`"standup reminder sent"`, `"comp":"engine"`, `"lead_min":15`, `"level":"info"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %s:\n%s", want, out)
		}
	}
}

func TestLoggerLevelGate(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := bufferLogger(&buf, zerolog.WarnLevel)

	log.Debug("below the gate")
	log.Info("also below")
	if buf.Len() != 0 {
		t.Fatalf("sub-warn lines written: %s", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn line missing: %s", buf.String())
	}

	if log.Enabled(LevelDebug) {
		t.Fatal("Enabled(debug) = true at warn gate")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("Enabled(error) = false at warn gate")
	}
}

func TestLoggerWithAccumulates(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := bufferLogger(&buf, zerolog.DebugLevel).With(String("comp", "notifier"))

	log.With(Int64("chat", 42)).Info("delivered")

	out := buf.String()
	if !strings.Contains(out, `"comp":"notifier"`) || !strings.Contains(out, `"chat":42`) {
		t.Fatalf("bound fields missing: %s", out)
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value not IsZero")
	}
	zero.Error("into the void", Err(nil))

	nop := Nop()
	if nop.IsZero() {
		t.Fatal("Nop() reported IsZero")
	}
	nop.With(String("k", "v")).Warn("dropped")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{" Warn ", zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

type captureSender struct {
	sent []string
}

func (c *captureSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.sent = append(c.sent, text)
	return kit.MessageRef{}, nil
}

func (c *captureSender) Stop(context.Context) error { return nil }

func TestChatSinkFiltersAndEnqueues(t *testing.T) {
	t.Parallel()
	sink := newChatSink(&captureSender{})
	sink.configure(TelegramConfig{MinLevel: "error", RatePerSec: 100})

	line := []byte(`{"level":"error","message":"sweep list failed","err":"disk gone"}` + "\n")

	// No target set yet: dropped.
	if _, err := sink.WriteLevel(zerolog.ErrorLevel, line); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(sink.queue) != 0 {
		t.Fatal("line enqueued without a chat target")
	}

	sink.setTarget(99, 3)

	// Below min level: dropped.
	if _, err := sink.WriteLevel(zerolog.WarnLevel, line); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(sink.queue) != 0 {
		t.Fatal("sub-minimum line enqueued")
	}

	if _, err := sink.WriteLevel(zerolog.ErrorLevel, line); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(sink.queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(sink.queue))
	}
	got := <-sink.queue
	if got.to.ChatID != 99 || got.to.ThreadID != 3 {
		t.Fatalf("target = %+v", got.to)
	}
	if !strings.HasPrefix(got.text, "[ERROR] sweep list failed") {
		t.Fatalf("text = %q", got.text)
	}
	if !strings.Contains(got.text, "- err=disk gone") {
		t.Fatalf("field line missing: %q", got.text)
	}
}

func TestRenderChatLineFallsBackToRaw(t *testing.T) {
	t.Parallel()
	if got := renderChatLine([]byte("  not json at all \n")); got != "not json at all" {
		t.Fatalf("raw fallback = %q", got)
	}
}

func TestClip(t *testing.T) {
	t.Parallel()
	if got := clip("short", 100); got != "short" {
		t.Fatalf("clip(short) = %q", got)
	}
	long := strings.Repeat("x", 50)
	got := clip(long, 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("clip(long, 20) = %q", got)
	}
}
