// Package diag provides the daemon's in-memory diagnostic log: a
// fixed-capacity ring buffer of timestamped entries, adapted from the
// teacher's internal/p2p diag ring buffer and internal/util.RingBuffer.
// Entries are readable in-process through Snapshot; no CLI verb exposes
// them.
package diag

import (
	"fmt"
	"time"

	"github.com/hidaemon/hid/internal/util"
)

const defaultCapacity = 256

// Entry is one timestamped diagnostic line.
type Entry struct {
	Time time.Time
	Text string
}

// Log is a concurrency-safe ring buffer of diagnostic entries.
type Log struct {
	buf *util.RingBuffer[Entry]
	now func() time.Time
}

// New creates a diagnostic log with the default capacity.
func New() *Log {
	return &Log{buf: util.NewRingBuffer[Entry](defaultCapacity), now: time.Now}
}

// Printf appends a formatted entry, timestamped at the call.
func (l *Log) Printf(format string, args ...any) {
	l.buf.Push(Entry{Time: l.now(), Text: fmt.Sprintf(format, args...)})
}

// Snapshot returns a copy of the current entries, oldest first.
func (l *Log) Snapshot() []Entry {
	return l.buf.Snapshot()
}
