package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestInitWriterText(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitWriter(&buf, "info", "text")
	For("table").Info("table ready", Key(7))

	out := buf.String()
	if !strings.Contains(out, "msg=\"table ready\"") {
		t.Fatalf("text output missing message: %q", out)
	}
	if !strings.Contains(out, "component=table") || !strings.Contains(out, "key=7") {
		t.Fatalf("text output missing attrs: %q", out)
	}
}

func TestInitWriterJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitWriter(&buf, "debug", " JSON ")
	For("server").Debug("dispatch", Version(3))

	out := buf.String()
	if !strings.HasPrefix(out, "{") {
		t.Fatalf("expected JSON output, got %q", out)
	}
	if !strings.Contains(out, `"version":3`) {
		t.Fatalf("JSON output missing version attr: %q", out)
	}
	SetLevel(slog.LevelInfo)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"  Error  ", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		parseLevel(tt.input)
		if level.Level() != tt.want {
			t.Errorf("parseLevel(%q): got %v, want %v", tt.input, level.Level(), tt.want)
		}
	}
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", " warn ", "warning", "error"} {
		if !ValidLevel(s) {
			t.Errorf("ValidLevel(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"trace", "fatal", "verbose"} {
		if ValidLevel(s) {
			t.Errorf("ValidLevel(%q) = true, want false", s)
		}
	}
}

func TestSetLevel(t *testing.T) {
	SetLevel(slog.LevelWarn)
	if level.Level() != slog.LevelWarn {
		t.Errorf("SetLevel(Warn): got %v", level.Level())
	}
	SetLevel(slog.LevelInfo)
}

func TestDynamicHandlerEnabled(t *testing.T) {
	SetLevel(slog.LevelWarn)
	defer SetLevel(slog.LevelInfo)

	h := &dynamicHandler{}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should not be enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}

func TestDynamicHandlerWithAttrs(t *testing.T) {
	h := &dynamicHandler{attrs: []slog.Attr{slog.String("component", "test")}}

	if h.WithAttrs(nil) != h {
		t.Error("WithAttrs(nil) should return same handler")
	}
	h2, ok := h.WithAttrs([]slog.Attr{slog.String("root", "/tmp")}).(*dynamicHandler)
	if !ok {
		t.Fatal("WithAttrs should return *dynamicHandler")
	}
	if len(h2.attrs) != 2 || len(h.attrs) != 1 {
		t.Errorf("attrs not merged into a copy: parent=%d child=%d", len(h.attrs), len(h2.attrs))
	}
	if h.WithGroup("grp") != h {
		t.Error("WithGroup should return same handler")
	}
}

func TestCaptureForTest(t *testing.T) {
	c := CaptureForTest()
	defer c.Restore()

	slog.Info("hello")
	slog.Warn("warning message")
	slog.Debug("debug detail")

	if len(c.Records()) != 3 {
		t.Fatalf("expected 3 records, got %d", len(c.Records()))
	}
	if !c.Has(slog.LevelInfo, "hello") {
		t.Error("should have info 'hello'")
	}
	if c.Has(slog.LevelError, "hello") {
		t.Error("should not match error level")
	}
	if c.Count(slog.LevelWarn) != 1 {
		t.Errorf("expected 1 warn, got %d", c.Count(slog.LevelWarn))
	}
}

func TestCaptureHasAttr(t *testing.T) {
	c := CaptureForTest()
	defer c.Restore()

	For("table").With("root", "/data").Warn("skipping corrupt version file", Key(42))

	if !c.HasAttr(slog.LevelWarn, "corrupt", "key", "42") {
		t.Error("expected key=42 attribute")
	}
	if !c.HasAttr(slog.LevelWarn, "corrupt", "root", "/data") {
		t.Error("expected root attribute bound via With")
	}
	if !c.HasAttr(slog.LevelWarn, "corrupt", "component", "table") {
		t.Error("expected component attribute")
	}
	if c.HasAttr(slog.LevelWarn, "corrupt", "key", "43") {
		t.Error("should not match a different key")
	}
}

func TestCaptureRestore(t *testing.T) {
	prev := slog.Default()
	c := CaptureForTest()
	c.Restore()

	if slog.Default() != prev {
		t.Error("default logger not restored")
	}
}

func TestCaptureHandlerWithAttrsAndGroup(t *testing.T) {
	h := &captureHandler{capture: &Capture{}}

	ch2, ok := h.WithAttrs([]slog.Attr{slog.String("k", "v")}).(*captureHandler)
	if !ok {
		t.Fatal("WithAttrs should return *captureHandler")
	}
	if len(ch2.attrs) != 1 {
		t.Errorf("expected 1 attr, got %d", len(ch2.attrs))
	}

	ch3, ok := h.WithGroup("mygroup").(*captureHandler)
	if !ok {
		t.Fatal("WithGroup should return *captureHandler")
	}
	if ch3.group != "mygroup" {
		t.Errorf("expected group 'mygroup', got %q", ch3.group)
	}
}
