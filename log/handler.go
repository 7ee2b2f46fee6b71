package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// formatterHandler adapts a LogFormatter (TextFormatter, JSONFormatter,
// ColorFormatter) to slog.Handler, so callers that want one of those
// presentations (e.g. dhtnode's interactive console output) can still go
// through the same Logger/Module API as the default JSON-to-stderr path.
type formatterHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	formatter LogFormatter
	attrs     []slog.Attr
	groups    []string
}

// NewWithFormatter creates a Logger that renders each record through f
// (spec.md's ambient logging stack carries no mandated wire format; this
// lets dhtnode offer a human-readable console mode alongside the default
// structured JSON one).
func NewWithFormatter(level slog.Level, f LogFormatter, w io.Writer) *Logger {
	h := &formatterHandler{mu: &sync.Mutex{}, w: w, level: level, formatter: f}
	return &Logger{inner: slog.New(h)}
}

func (h *formatterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *formatterHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]interface{}, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[h.qualify(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[h.qualify(a.Key)] = a.Value.Any()
		return true
	})

	entry := LogEntry{
		Timestamp: r.Time,
		Level:     slogLevelToLogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
	}

	line := h.formatter.Format(entry)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *formatterHandler) qualify(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	return prefix + key
}

func (h *formatterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *formatterHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

func slogLevelToLogLevel(l slog.Level) LogLevel {
	switch {
	case l < slog.LevelInfo:
		return DEBUG
	case l < slog.LevelWarn:
		return INFO
	case l < slog.LevelError:
		return WARN
	default:
		return ERROR
	}
}

var _ slog.Handler = (*formatterHandler)(nil)
