// Package logtest captures log records in tests.
package logtest

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/surrealdb/postsync/pkg/logger"
)

// Entry is one captured log record.
type Entry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Recorder is a slog.Handler that keeps every record in memory.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	attrs   []slog.Attr
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

// Logger returns a logger.Logger writing into r.
func (r *Recorder) Logger() logger.Logger {
	return logger.New(r)
}

func (r *Recorder) Enabled(context.Context, slog.Level) bool {
	return true
}

func (r *Recorder) Handle(_ context.Context, record slog.Record) error {
	attrs := make(map[string]any, record.NumAttrs()+len(r.attrs))
	for _, a := range r.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, Entry{Level: record.Level, Message: record.Message, Attrs: attrs})
	return nil
}

func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(r.attrs)+len(attrs))
	merged = append(merged, r.attrs...)
	merged = append(merged, attrs...)
	return &Recorder{mu: r.mu, entries: r.entries, attrs: merged}
}

func (r *Recorder) WithGroup(string) slog.Handler {
	return r
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Count returns how many entries at level contain substr in their message.
func (r *Recorder) Count(level slog.Level, substr string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}
