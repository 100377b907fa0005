package log

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, LevelWarn)

	Debug("debug line")
	Info("info line")
	Warn("warn line", "unit", "u1")
	Error("error line", errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Fatalf("lines below WARN were written:\n%s", out)
	}
	if !strings.Contains(out, "[WARN] warn line unit=u1") {
		t.Fatalf("missing warn line:\n%s", out)
	}
	if !strings.Contains(out, "[ERROR] error line err=boom") {
		t.Fatalf("missing error line:\n%s", out)
	}
}

func TestKeyValueFormatting(t *testing.T) {
	buf := capture(t, LevelDebug)

	Info("feed synced", "label", "Airbnb stay", "events", 3, "dangling")

	out := buf.String()
	if !strings.Contains(out, `label="Airbnb stay" events=3`) {
		t.Fatalf("unexpected kv rendering: %s", out)
	}
	if strings.Contains(out, "dangling") {
		t.Fatalf("odd trailing key should be dropped: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": LevelDebug, " Info ": LevelInfo, "warning": LevelWarn, "ERROR": LevelError}
	for in, want := range cases {
		if got, ok := ParseLevel(in); !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v", in, got, ok, want)
		}
	}
	if got, ok := ParseLevel("loud"); ok || got != LevelInfo {
		t.Fatalf("ParseLevel(loud) = %v,%v", got, ok)
	}
}
