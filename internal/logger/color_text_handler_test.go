package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// The text handler quotes the message because of the embedded escape bytes,
// so the ANSI sequence appears in \x1b form in the rendered line.
func TestColorTextHandler_LevelPrefix(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(NewColorTextHandler(&buf, nil, false))
	lg.Info("Hello")
	out := buf.String()
	if !strings.Contains(out, `\x1b[32mINFO\x1b[0m`) {
		t.Fatalf("expected colored INFO prefix, got %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("expected time attribute stripped, got %q", out)
	}
}

func TestColorTextHandler_ShowTime(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(NewColorTextHandler(&buf, nil, true))
	lg.Warn("Careful")
	out := buf.String()
	if !strings.Contains(out, "time=") {
		t.Fatalf("expected time attribute, got %q", out)
	}
	if !strings.Contains(out, `\x1b[33mWARN\x1b[0m`) {
		t.Fatalf("expected colored WARN prefix, got %q", out)
	}
}

func TestColorTextHandler_WithAttrsKeepsColor(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(NewColorTextHandler(&buf, nil, false)).With("session", "abc")
	lg.Error("Boom")
	out := buf.String()
	if !strings.Contains(out, `\x1b[31mERROR\x1b[0m`) {
		t.Fatalf("expected colored ERROR prefix after With, got %q", out)
	}
	if !strings.Contains(out, "session=abc") {
		t.Fatalf("expected attached attr, got %q", out)
	}
}
