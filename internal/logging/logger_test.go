package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"logshipper/internal/config"
)

// TestColorLineWriter_HighlightsLevelAndTokens verifies level and token coloring.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_HighlightsLevelAndTokens(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `level=INFO msg="hello" peer=10.20.30.40 retries=3`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	rendered := dst.String()
	if !strings.HasPrefix(rendered, ansiBlue) {
		t.Fatalf("expected INFO line base color")
	}
	if !strings.Contains(rendered, ansiGreen+`"hello"`+ansiReset+ansiBlue) {
		t.Fatalf("expected quoted string token color")
	}
	if !strings.Contains(rendered, ansiCyan+`10.20.30.40`+ansiReset+ansiBlue) {
		t.Fatalf("expected IP token color")
	}
	if !strings.Contains(rendered, ansiYellow+`3`+ansiReset+ansiBlue) {
		t.Fatalf("expected number token color")
	}
	if !strings.HasSuffix(rendered, ansiReset) {
		t.Fatalf("expected trailing reset sequence")
	}
}

// TestColorLineWriter_NoLevelColor verifies passthrough for unknown levels.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_NoLevelColor(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `msg="plain" value=42`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := dst.String(); got != line {
		t.Fatalf("expected passthrough line, got %q", got)
	}
}

// TestNew_FileSinkWritesJSON verifies file sink output and level filtering.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_FileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shipper.log")
	logger, closeFn, err := New(config.LogConfig{
		File: config.LogSinkConfig{Enabled: true, Level: "warn", Format: "json", Path: path},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info("skipped")
	logger.Warn("chunk queued", slog.Int("records", 3))
	closeFn()
	closeFn()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(raw)
	if strings.Contains(text, "skipped") {
		t.Fatalf("info line must be filtered: %s", text)
	}
	if !strings.Contains(text, `"msg":"chunk queued"`) || !strings.Contains(text, `"records":3`) {
		t.Fatalf("unexpected json line: %s", text)
	}
}

// TestNew_RejectsUnknownLevel verifies sink option validation.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Console: config.LogSinkConfig{Enabled: true, Level: "loud"}})
	if err == nil {
		t.Fatalf("expected level error")
	}
}

// TestColorLineWriter_KeepsNewline verifies reset is placed before the newline.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_KeepsNewline(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := "level=ERROR msg=\"a=b c\" status=500\n"
	n, err := writer.Write([]byte(line))
	if err != nil || n != len(line) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	rendered := dst.String()
	if !strings.HasSuffix(rendered, ansiReset+"\n") {
		t.Fatalf("expected reset before newline: %q", rendered)
	}
	if !strings.Contains(rendered, ansiGreen+`"a=b c"`+ansiReset+ansiRed) {
		t.Fatalf("quoted value with separators must stay one token: %q", rendered)
	}
}
