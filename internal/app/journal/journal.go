// Package journal keeps the most recent log lines for the UI log feed.
package journal

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/CallDub/internal/domain"
)

const DefaultCapacity = 500

// Journal is a zerolog hook holding a bounded ring of entries.
type Journal struct {
	mu      sync.Mutex
	buf     []domain.LogEntry
	start   int
	n       int
	minimum zerolog.Level
	now     func() time.Time
}

func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		buf:     make([]domain.LogEntry, capacity),
		minimum: zerolog.InfoLevel,
		now:     time.Now,
	}
}

// SetLevel sets the lowest level kept. Info by default.
func (j *Journal) SetLevel(l zerolog.Level) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.minimum = l
}

// Run implements zerolog.Hook.
func (j *Journal) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if msg == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if level < j.minimum || level == zerolog.NoLevel {
		return
	}
	j.append(domain.LogEntry{
		Message:   msg,
		Level:     level.String(),
		Timestamp: j.now().UnixMilli(),
	})
}

func (j *Journal) append(e domain.LogEntry) {
	idx := (j.start + j.n) % len(j.buf)
	j.buf[idx] = e
	if j.n < len(j.buf) {
		j.n++
		return
	}
	j.start = (j.start + 1) % len(j.buf)
}

// Entries returns the kept entries, oldest first.
func (j *Journal) Entries() []domain.LogEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.LogEntry, 0, j.n)
	for i := 0; i < j.n; i++ {
		out = append(out, j.buf[(j.start+i)%len(j.buf)])
	}
	return out
}

// Text renders the entries as "[time] message" lines for copying.
func (j *Journal) Text() string {
	var sb strings.Builder
	for _, e := range j.Entries() {
		sb.WriteString("[")
		sb.WriteString(time.UnixMilli(e.Timestamp).Format("15:04:05"))
		sb.WriteString("] ")
		sb.WriteString(e.Message)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	clear(j.buf)
	j.start, j.n = 0, 0
}
