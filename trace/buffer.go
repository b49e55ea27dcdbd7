// Package trace keeps a bounded, per-connection record of protocol traffic
// for diagnostics.
//
// Every connection owns a fixed-size ring. When the ring is full the oldest
// record is evicted and counted as skipped, so a consumer that falls behind
// learns how much it missed instead of stalling the connection.
package trace

import (
	"fmt"
	"time"
)

// DefaultCapacity is the number of records kept per connection.
const DefaultCapacity = 5000

// Direction says where a record came from.
type Direction int

const (
	// Received is a line read from the server.
	Received Direction = iota
	// Sent is a line written to the server.
	Sent
	// Info is an informational record about the connection itself.
	Info
)

func (d Direction) String() string {
	switch d {
	case Received:
		return "<<<"
	case Sent:
		return ">>>"
	case Info:
		return "***"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Record is one traced line.
type Record struct {
	Time      time.Time
	Direction Direction
	Text      string
	// Truncated is set when Text was cut to the log's line limit.
	Truncated bool
}

// String formats the record the way the monitor prints it.
func (r Record) String() string {
	s := r.Time.Format("15:04:05.000") + " " + r.Direction.String() + " " + r.Text
	if r.Truncated {
		s += " [...]"
	}
	return s
}

// Buffer is a fixed-capacity ring of records. It is not safe for
// concurrent use; Log serializes access.
type Buffer struct {
	recs    []Record
	head    int // index of the oldest record
	size    int
	skipped uint64
}

// NewBuffer creates a ring holding at most capacity records.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{recs: make([]Record, capacity)}
}

// Append adds r, evicting the oldest record when the ring is full.
func (b *Buffer) Append(r Record) {
	if b.size == len(b.recs) {
		b.recs[b.head] = r
		b.head = (b.head + 1) % len(b.recs)
		b.skipped++
		return
	}
	b.recs[(b.head+b.size)%len(b.recs)] = r
	b.size++
}

// Len returns the number of records held.
func (b *Buffer) Len() int { return b.size }

// Cap returns the ring capacity.
func (b *Buffer) Cap() int { return len(b.recs) }

// Skipped returns how many records were evicted since the last Drain.
func (b *Buffer) Skipped() uint64 { return b.skipped }

// Drain returns the held records oldest first together with the number of
// records evicted since the previous drain, and empties the buffer.
func (b *Buffer) Drain() ([]Record, uint64) {
	out := make([]Record, b.size)
	for i := 0; i < b.size; i++ {
		j := (b.head + i) % len(b.recs)
		out[i] = b.recs[j]
		b.recs[j] = Record{}
	}
	skipped := b.skipped
	b.head, b.size, b.skipped = 0, 0, 0
	return out, skipped
}
