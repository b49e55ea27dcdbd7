package model

import (
	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/task"
	"github.com/meszmate/imap-engine/trace"
)

// Result is the outcome of a requested operation.
type Result struct {
	Task  task.Info
	Value any
	Err   error
}

// Observer receives notifications from the model. Every handler is
// optional and is called on the dispatch goroutine, so handlers must not
// block and must not call Model methods that wait for the loop.
type Observer struct {
	// TaskChanged fires on every task state transition.
	TaskChanged func(info task.Info)
	// Finished fires once when an operation requested through the Model
	// API reaches a terminal state. Internal dependencies do not report.
	Finished func(r Result)

	ConnectionState func(conn uint, from, to imap.ConnState)
	// Alert carries the text of an [ALERT] response code.
	Alert           func(conn uint, text string)
	ConnectionError func(conn uint, text string)
	NetworkPolicy   func(p imap.NetworkPolicy)
	TrustRequest    func(req TrustRequest)
	// CacheError fires once, when the durable cache fails and the model
	// continues on memory.
	CacheError func(err error)
	Trace      func(conn uint, recs []trace.Record, skipped uint64)
}

func (o *Observer) taskChanged(info task.Info) {
	if o.TaskChanged != nil {
		o.TaskChanged(info)
	}
}

func (o *Observer) finished(r Result) {
	if o.Finished != nil {
		o.Finished(r)
	}
}

func (o *Observer) connectionState(conn uint, from, to imap.ConnState) {
	if o.ConnectionState != nil {
		o.ConnectionState(conn, from, to)
	}
}

func (o *Observer) alert(conn uint, text string) {
	if o.Alert != nil {
		o.Alert(conn, text)
	}
}

func (o *Observer) connectionError(conn uint, text string) {
	if o.ConnectionError != nil {
		o.ConnectionError(conn, text)
	}
}

func (o *Observer) networkPolicy(p imap.NetworkPolicy) {
	if o.NetworkPolicy != nil {
		o.NetworkPolicy(p)
	}
}

func (o *Observer) trustRequest(req TrustRequest) {
	if o.TrustRequest != nil {
		o.TrustRequest(req)
	}
}

func (o *Observer) cacheError(err error) {
	if o.CacheError != nil {
		o.CacheError(err)
	}
}

func (o *Observer) trace(conn uint, recs []trace.Record, skipped uint64) {
	if o.Trace != nil {
		o.Trace(conn, recs, skipped)
	}
}
