package trace

import (
	"sync"
	"time"
)

// DefaultFlushDelay is how long the flusher waits after the first append of
// a burst before handing records to the sink.
const DefaultFlushDelay = 300 * time.Millisecond

// Sink receives drained records for one connection.
type Sink func(conn uint, recs []Record, skipped uint64)

// Flusher coalesces bursts of appends into one sink call per connection.
// The first append after a flush arms a single-shot timer; later appends
// while it is armed only add records.
type Flusher struct {
	log   *Log
	delay time.Duration
	sink  Sink

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewFlusher attaches a flusher to log. A non-positive delay selects
// DefaultFlushDelay.
func NewFlusher(log *Log, delay time.Duration, sink Sink) *Flusher {
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	f := &Flusher{log: log, delay: delay, sink: sink}
	log.setOnAppend(f.arm)
	return f
}

func (f *Flusher) arm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.timer != nil {
		return
	}
	f.timer = time.AfterFunc(f.delay, f.fire)
}

func (f *Flusher) fire() {
	f.mu.Lock()
	f.timer = nil
	stopped := f.stopped
	f.mu.Unlock()
	if !stopped {
		f.Flush()
	}
}

// Flush drains every connection buffer into the sink now.
func (f *Flusher) Flush() {
	for _, conn := range f.log.Conns() {
		recs, skipped := f.log.Drain(conn)
		if len(recs) == 0 && skipped == 0 {
			continue
		}
		f.sink(conn, recs, skipped)
	}
}

// Stop disarms the timer and detaches from the log. Records still buffered
// are flushed once.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()

	f.log.setOnAppend(nil)
	f.Flush()
}
