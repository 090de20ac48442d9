// Package trace keeps a bounded in-memory ring of recent log entries so a
// remote caller can inspect server activity without access to stderr.
package trace

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time
	Level   string
	Message string
	Fields  map[string]interface{}
}

// Status summarizes the buffer.
type Status struct {
	Count    int
	Capacity int
	Dropped  int64
}

// Buffer is a fixed-capacity ring of Entries. Unlike the notification
// queues, reads are non-destructive: Tail returns a copy and the ring keeps
// its contents.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	count   int
	dropped int64
}

// NewBuffer creates a ring holding up to capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 512
	}
	return &Buffer{entries: make([]Entry, capacity)}
}

// Append records an entry, overwriting the oldest when full.
func (b *Buffer) Append(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.entries) {
		b.dropped++
	} else {
		b.count++
	}
	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
}

// Tail returns up to max of the most recent entries, oldest first.
func (b *Buffer) Tail(max int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]Entry, 0, n)
	start := b.next - n
	if start < 0 {
		start += len(b.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.entries[(start+i)%len(b.entries)])
	}
	return out
}

// Status reports the buffer's fill level and overwrite count.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{Count: b.count, Capacity: len(b.entries), Dropped: b.dropped}
}

// Hook adapts a Buffer into a logrus hook so every log line the server
// emits is also captured in the ring.
type Hook struct {
	buffer *Buffer
}

// NewHook wraps a buffer for logger.AddHook.
func NewHook(buffer *Buffer) *Hook {
	return &Hook{buffer: buffer}
}

// Levels implements logrus.Hook.
func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *Hook) Fire(entry *logrus.Entry) error {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	h.buffer.Append(Entry{
		Time:    entry.Time,
		Level:   entry.Level.String(),
		Message: entry.Message,
		Fields:  fields,
	})
	return nil
}
