package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSONIncludesAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("step", "phase", "extend")

	out := buf.String()
	if !strings.Contains(out, `"phase":"extend"`) {
		t.Fatalf("expected phase attr in output, got: %s", out)
	}
	if !strings.Contains(out, `"level":"INFO"`) {
		t.Fatalf("expected level INFO in output, got: %s", out)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	log.Debug("dropped too")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected warn message, got: %s", buf.String())
	}
}

func TestDiscardWritesNothing(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("nothing")
	log.With("k", "v").Info("still nothing")
}

func TestSetupSelectsFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"hello"`},
		{"text", "msg=hello"},
		{"pretty", "hello"},
		{"", "hello"},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		Setup(&buf, tc.format, "info").Info("hello")
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("format %q: expected %q in %q", tc.format, tc.want, buf.String())
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}

func TestPrettyHandlerGroupsAndAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	l := slog.New(h.WithAttrs([]slog.Attr{slog.String("run_id", "r1")}).WithGroup("cache").WithGroup("layer"))
	l.Info("advance", "filled", 7)

	out := buf.String()
	if !strings.Contains(out, "run_id=r1") {
		t.Fatalf("expected handler attr, got: %s", out)
	}
	if !strings.Contains(out, "cache.layer.filled=7") {
		t.Fatalf("expected nested group prefix, got: %s", out)
	}
	if h.WithGroup("") != h {
		t.Fatal("empty group should return the same handler")
	}
}

func TestPrettyHandlerFormatsValues(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := slog.New(NewPrettyHandler(&buf, nil))
	l.Info("timing", "prompt", "hello world", "mode", "replay", "took", 1500*time.Microsecond)

	out := buf.String()
	if !strings.Contains(out, `prompt="hello world"`) {
		t.Fatalf("expected quoted string, got: %s", out)
	}
	if !strings.Contains(out, "mode=replay") {
		t.Fatalf("expected unquoted simple string, got: %s", out)
	}
	if !strings.Contains(out, "took=1.5ms") {
		t.Fatalf("expected rounded duration, got: %s", out)
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"simple", false},
		{"has space", true},
		{"a=b", true},
		{`has"quote`, true},
		{"", true},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.want {
			t.Errorf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
