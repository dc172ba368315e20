// Package logging configures the process-wide structured logger.
//
// All output goes to stderr because stdout carries the tool protocol when the
// server runs over stdio. Recent records are kept in a bounded in-memory ring
// so status reporting can show them.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultLogHistory = 200

var (
	mu     sync.Mutex
	logger *slog.Logger
	sink   = newLogSink(defaultLogHistory)
)

// Entry represents a captured log record.
type Entry struct {
	Time       time.Time              `json:"time"`
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Options controls logger construction.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// Configure replaces the process logger. An empty level falls back to the
// LOG_LEVEL environment variable.
func Configure(opts Options) *slog.Logger {
	level := ParseLevel(opts.Level)
	if opts.Level == "" {
		level = ParseLevel(os.Getenv("LOG_LEVEL"))
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		base = slog.NewJSONHandler(out, handlerOpts)
	} else {
		base = slog.NewTextHandler(out, handlerOpts)
	}

	l := slog.New(&capturingHandler{handler: base, sink: sink})
	mu.Lock()
	logger = l
	mu.Unlock()
	return l
}

// Logger returns the process logger, configuring it from LOG_LEVEL on first use.
func Logger() *slog.Logger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l != nil {
		return l
	}
	return Configure(Options{})
}

// Component returns the process logger tagged with a component attribute.
func Component(name string) *slog.Logger {
	return Logger().With("component", name)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Entries returns up to limit of the most recent captured entries, oldest first.
// A limit <= 0 returns everything retained.
func Entries(limit int) []Entry {
	return sink.entries(limit)
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type capturingHandler struct {
	handler slog.Handler
	sink    *logSink
	attrs   []slog.Attr
}

func (h *capturingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *capturingHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.handler.Handle(ctx, record)
	h.sink.capture(record, h.attrs)
	return err
}

func (h *capturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &capturingHandler{handler: h.handler.WithAttrs(attrs), sink: h.sink, attrs: merged}
}

func (h *capturingHandler) WithGroup(name string) slog.Handler {
	return &capturingHandler{handler: h.handler.WithGroup(name), sink: h.sink, attrs: h.attrs}
}

type logSink struct {
	mu      sync.RWMutex
	max     int
	history []Entry
}

func newLogSink(max int) *logSink {
	if max <= 0 {
		max = defaultLogHistory
	}
	return &logSink{max: max}
}

func (s *logSink) capture(record slog.Record, inherited []slog.Attr) {
	entry := buildEntry(record, inherited)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	if len(s.history) > s.max {
		s.history = s.history[len(s.history)-s.max:]
	}
}

func (s *logSink) entries(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if n == 0 {
		return nil
	}
	start := 0
	if limit > 0 && limit < n {
		start = n - limit
	}
	out := make([]Entry, n-start)
	copy(out, s.history[start:])
	return out
}

func buildEntry(record slog.Record, inherited []slog.Attr) Entry {
	entry := Entry{
		Time:    record.Time.UTC(),
		Level:   strings.ToLower(record.Level.String()),
		Message: record.Message,
	}
	if record.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	add := func(a slog.Attr) {
		if a.Key == "component" {
			entry.Component = a.Value.String()
			return
		}
		if entry.Attributes == nil {
			entry.Attributes = make(map[string]interface{})
		}
		entry.Attributes[a.Key] = valueToAny(a.Value)
	}
	for _, a := range inherited {
		add(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})
	return entry
}

func valueToAny(v slog.Value) interface{} {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindBool:
		return v.Bool()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC()
	default:
		return v.Resolve().String()
	}
}
