package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"logshipper/internal/config"
)

const (
	ansiReset   = "\x1b[0m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
	ansiGray    = "\x1b[90m"
)

// New builds a slog logger with enabled console and file sinks.
// Params: cfg log section with sink options.
// Returns: logger, close function releasing file sinks, init error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	handlers := make([]slog.Handler, 0, 2)
	closers := make([]io.Closer, 0, 1)

	if cfg.Console.Enabled {
		handler, err := newHandler(&colorLineWriter{dst: os.Stderr}, os.Stderr, cfg.Console)
		if err != nil {
			return nil, nil, fmt.Errorf("console sink: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		if dir := filepath.Dir(cfg.File.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log dir %q: %w", dir, err)
			}
		}
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.File.Path, err)
		}
		handler, err := newHandler(file, file, cfg.File)
		if err != nil {
			_ = file.Close()
			return nil, nil, fmt.Errorf("file sink: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, file)
	}

	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			for _, closer := range closers {
				_ = closer.Close()
			}
		})
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closeFn, nil
	}
	return slog.New(fanoutHandler(handlers)), closeFn, nil
}

// newHandler creates one sink handler.
// Params: line writer for text format; raw writer for json; sink options.
// Returns: handler or error on unknown level/format.
func newHandler(line io.Writer, raw io.Writer, sink config.LogSinkConfig) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "", "line":
		return slog.NewTextHandler(line, opts), nil
	case "json":
		return slog.NewJSONHandler(raw, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

// fanoutHandler forwards each record to every sink.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for idx, handler := range h {
		out[idx] = handler.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for idx, handler := range h {
		out[idx] = handler.WithGroup(name)
	}
	return out
}

// colorLineWriter colors text handler lines by level and highlights values.
// Params: dst receives colored output.
// Returns: io.Writer implementation.
type colorLineWriter struct {
	mu  sync.Mutex
	dst io.Writer
}

// Write colors one rendered log line.
// Params: p is one text handler line, with or without trailing newline.
// Returns: len(p) on success to satisfy slog handler accounting.
func (w *colorLineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := string(p)
	newline := strings.HasSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\n")

	base := levelColor(line)
	if base == "" {
		if _, err := io.WriteString(w.dst, string(p)); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	var builder strings.Builder
	builder.Grow(len(line) + 64)
	builder.WriteString(base)
	colorizeValues(&builder, line, base)
	builder.WriteString(ansiReset)
	if newline {
		builder.WriteByte('\n')
	}

	if _, err := io.WriteString(w.dst, builder.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// levelColor returns base color by level=... attribute.
func levelColor(line string) string {
	idx := strings.Index(line, "level=")
	if idx < 0 {
		return ""
	}
	rest := line[idx+len("level="):]
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		rest = rest[:end]
	}

	switch {
	case strings.HasPrefix(rest, "DEBUG"):
		return ansiGray
	case strings.HasPrefix(rest, "INFO"):
		return ansiBlue
	case strings.HasPrefix(rest, "WARN"):
		return ansiMagenta
	case strings.HasPrefix(rest, "ERROR"):
		return ansiRed
	default:
		return ""
	}
}

// colorizeValues walks key=value pairs and highlights quoted strings, IPs and numbers.
func colorizeValues(builder *strings.Builder, line string, base string) {
	pos := 0
	for pos < len(line) {
		eq := strings.IndexByte(line[pos:], '=')
		if eq < 0 {
			builder.WriteString(line[pos:])
			return
		}
		builder.WriteString(line[pos : pos+eq+1])
		pos += eq + 1

		end := valueEnd(line, pos)
		value := line[pos:end]
		if color := valueColor(value); color != "" {
			builder.WriteString(color)
			builder.WriteString(value)
			builder.WriteString(ansiReset)
			builder.WriteString(base)
		} else {
			builder.WriteString(value)
		}
		pos = end
	}
}

// valueEnd finds the end of a quoted or bare value starting at pos.
func valueEnd(line string, pos int) int {
	if pos < len(line) && line[pos] == '"' {
		for idx := pos + 1; idx < len(line); idx++ {
			switch line[idx] {
			case '\\':
				idx++
			case '"':
				return idx + 1
			}
		}
		return len(line)
	}
	if end := strings.IndexByte(line[pos:], ' '); end >= 0 {
		return pos + end
	}
	return len(line)
}

func valueColor(value string) string {
	if value == "" {
		return ""
	}
	if value[0] == '"' {
		return ansiGreen
	}
	if isIPValue(value) {
		return ansiCyan
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return ansiYellow
	}
	return ""
}

func isIPValue(value string) bool {
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	if !strings.ContainsAny(value, ".:") {
		return false
	}
	return net.ParseIP(value) != nil
}
