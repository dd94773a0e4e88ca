package recorderlog

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWriterLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "debug").Named("ingest").With(String("camera", "builtin"))

	l.Info("Frame dropped", Int("permits", 2), Duration("age", 1500*time.Millisecond), Error(errors.New("busy now")))

	out := buf.String()
	for _, want := range []string{"INFO", "name=ingest", `msg="Frame dropped"`, "camera=builtin", "permits=2", "age=1.5s", `error="busy now"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "warn")

	l.Debug("hidden")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}
	l.Warn("shown")
	if !strings.Contains(buf.String(), "WARN") {
		t.Fatalf("expected warn line, got %q", buf.String())
	}
}

func TestNamedChains(t *testing.T) {
	var buf bytes.Buffer
	NewWriterLogger(&buf, "info").Named("recorder").Named("circular").Info("x")
	if !strings.Contains(buf.String(), "name=recorder.circular") {
		t.Fatalf("unexpected name in %q", buf.String())
	}
}

func TestReplaceGlobalIgnoresNil(t *testing.T) {
	prev := L()
	ReplaceGlobal(nil)
	if L() != prev {
		t.Fatalf("nil replacement must be ignored")
	}
}

func TestNewZapLoggerRejectsBadInput(t *testing.T) {
	if _, err := NewZapLogger("loud", "json"); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := NewZapLogger("info", "xml"); err == nil {
		t.Fatalf("expected format error")
	}
	l, err := NewZapLogger("debug", "console")
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	l.Named("test").With(Bool("ok", true)).Debug("hello", Any("m", map[string]int{"a": 1}))
	if Zap(l) == nil {
		t.Fatalf("expected underlying zap logger")
	}
}
