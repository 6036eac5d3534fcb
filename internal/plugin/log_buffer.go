package plugin

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry is a single plugin log record.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Plugin    string         `json:"plugin"`
	Level     string         `json:"level"` // debug, info, warn, error
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a ring buffer of recent plugin logs shared by all plugins.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	head    int
	count   int
}

const defaultLogBufferSize = 1000

// NewLogBuffer creates a buffer holding at most maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = defaultLogBufferSize
	}
	return &LogBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Add appends an entry, evicting the oldest when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.maxSize
	if b.count < b.maxSize {
		b.count++
	}
}

// Recent returns up to n entries for plugin, newest first. An empty plugin
// matches every entry; n <= 0 means no limit.
func (b *LogBuffer) Recent(plugin string, n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []LogEntry{}
	for i := 0; i < b.count; i++ {
		if n > 0 && len(result) == n {
			break
		}
		idx := (b.head - 1 - i + b.maxSize) % b.maxSize
		if plugin == "" || b.entries[idx].Plugin == plugin {
			result = append(result, b.entries[idx])
		}
	}
	return result
}

// Count returns the number of buffered entries.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// bufferHandler tees records into a LogBuffer before passing them on.
type bufferHandler struct {
	next   slog.Handler
	buf    *LogBuffer
	plugin string
	attrs  []slog.Attr
	group  string
}

func newBufferHandler(next slog.Handler, buf *LogBuffer, plugin string) *bufferHandler {
	return &bufferHandler{next: next, buf: buf, plugin: plugin}
}

func (h *bufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// Buffer everything from info up even when the daemon log is quieter.
	return level >= slog.LevelInfo || h.next.Enabled(ctx, level)
}

func (h *bufferHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[h.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})
	if len(fields) == 0 {
		fields = nil
	}
	h.buf.Add(LogEntry{
		Timestamp: r.Time,
		Plugin:    h.plugin,
		Level:     strings.ToLower(r.Level.String()),
		Message:   r.Message,
		Fields:    fields,
	})

	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *bufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	qualified := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		qualified[i] = slog.Attr{Key: h.key(a.Key), Value: a.Value}
	}
	return &bufferHandler{
		next:   h.next.WithAttrs(attrs),
		buf:    h.buf,
		plugin: h.plugin,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), qualified...),
		group:  h.group,
	}
}

func (h *bufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &bufferHandler{
		next:   h.next.WithGroup(name),
		buf:    h.buf,
		plugin: h.plugin,
		attrs:  h.attrs,
		group:  h.key(name),
	}
}

func (h *bufferHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}
