package aqualink

import (
	"sync"
	"time"
)

// traceEntry is one recorded bus event: the §4.9.9 `(seq, ts, event, data)`
// tuple.
type traceEntry struct {
	Seq  int64
	At   time.Time
	Type BusEventType
	Data any
}

// traceBuffer is a fixed-capacity ring buffer of recent bus events, enabled
// via Options.DebugTrace for post-mortem debugging of a guild's player
// lifecycle without needing to reproduce the failure live.
type traceBuffer struct {
	mu       sync.Mutex
	entries  []traceEntry
	next     int
	size     int
	capacity int
	seq      int64
	sink     func(traceEntry)
}

// newTraceBuffer allocates a ring buffer holding up to capacity entries.
// capacity <= 0 defaults to 1000. sink, if non-nil, is additionally
// notified of every recorded entry (Options.TraceSink, §6).
func newTraceBuffer(capacity int, sink func(traceEntry)) *traceBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &traceBuffer{
		entries:  make([]traceEntry, capacity),
		capacity: capacity,
		sink:     sink,
	}
}

// record appends e, overwriting the oldest entry once the buffer is full.
func (t *traceBuffer) record(e Event) {
	t.mu.Lock()
	t.seq++
	entry := traceEntry{Seq: t.seq, At: time.Now(), Type: e.Type, Data: e.Data}
	t.entries[t.next] = entry
	t.next = (t.next + 1) % t.capacity
	if t.size < t.capacity {
		t.size++
	}
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(entry)
	}
}

// Snapshot returns the recorded entries in chronological order, oldest
// first.
func (t *traceBuffer) Snapshot() []traceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]traceEntry, 0, t.size)
	if t.size < t.capacity {
		out = append(out, t.entries[:t.size]...)
		return out
	}
	out = append(out, t.entries[t.next:]...)
	out = append(out, t.entries[:t.next]...)
	return out
}

// Trace returns the Orchestrator's tracing ring buffer snapshot, or nil if
// DebugTrace was not enabled.
func (o *Orchestrator) Trace() []traceEntry {
	o.mu.RLock()
	tb := o.trace
	o.mu.RUnlock()
	if tb == nil {
		return nil
	}
	return tb.Snapshot()
}
