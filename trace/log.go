package trace

import (
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

// Log holds one Buffer per connection. It is safe for concurrent use: the
// transport reader goroutines append while the flusher drains.
type Log struct {
	mu       sync.Mutex
	bufs     map[uint]*Buffer
	capacity int
	maxLine  int
	now      func() time.Time
	onAppend func()
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithCapacity sets the per-connection ring capacity.
func WithCapacity(n int) LogOption {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithMaxLine sets the length above which record text is truncated.
// 0 disables truncation.
func WithMaxLine(n int) LogOption {
	return func(l *Log) { l.maxLine = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// NewLog creates an empty log.
func NewLog(opts ...LogOption) *Log {
	l := &Log{
		bufs:     make(map[uint]*Buffer),
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records text for conn. Text longer than the line limit is cut at
// a rune boundary and the record marked truncated.
func (l *Log) Append(conn uint, dir Direction, text string, truncated bool) {
	if l.maxLine > 0 && len(text) > l.maxLine {
		n := l.maxLine
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		text = text[:n]
		truncated = true
	}
	rec := Record{Time: l.now(), Direction: dir, Text: text, Truncated: truncated}

	l.mu.Lock()
	buf, ok := l.bufs[conn]
	if !ok {
		buf = NewBuffer(l.capacity)
		l.bufs[conn] = buf
	}
	buf.Append(rec)
	hook := l.onAppend
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Info records an informational line for conn.
func (l *Log) Info(conn uint, text string) {
	l.Append(conn, Info, text, false)
}

// Drain empties the buffer of conn.
func (l *Log) Drain(conn uint) ([]Record, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.bufs[conn]
	if !ok {
		return nil, 0
	}
	return buf.Drain()
}

// Conns returns the connections that have a buffer, in ascending order.
func (l *Log) Conns() []uint {
	l.mu.Lock()
	ids := make([]uint, 0, len(l.bufs))
	for id := range l.bufs {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Forget drops the buffer of a connection that went away.
func (l *Log) Forget(conn uint) {
	l.mu.Lock()
	delete(l.bufs, conn)
	l.mu.Unlock()
}

func (l *Log) setOnAppend(fn func()) {
	l.mu.Lock()
	l.onAppend = fn
	l.mu.Unlock()
}
