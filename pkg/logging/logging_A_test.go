package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWritesToWriter(t *testing.T) { // A
	t.Parallel()
	var buf bytes.Buffer
	l := New(Options{Level: slog.LevelInfo, NoColor: true, Writer: &buf})

	l.Info("frame sent", "frameId", 7)
	l.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "frame sent") {
		t.Fatalf("missing message: %q", out)
	}
	if !strings.Contains(out, "frameId=7") {
		t.Fatalf("missing attribute: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked at info level: %q", out)
	}
}

func TestLevelFor(t *testing.T) { // A
	t.Parallel()
	if LevelFor(true) != slog.LevelDebug {
		t.Error("debug flag should map to LevelDebug")
	}
	if LevelFor(false) != slog.LevelInfo {
		t.Error("no debug flag should map to LevelInfo")
	}
}

func TestOrDefault(t *testing.T) { // A
	t.Parallel()
	if OrDefault(nil) == nil {
		t.Fatal("OrDefault(nil) returned nil")
	}
	l := New(Options{NoColor: true, Writer: &bytes.Buffer{}})
	if OrDefault(l) != l {
		t.Fatal("OrDefault should return the given logger")
	}
}
