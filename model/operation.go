package model

import (
	"context"
	"sync"

	"github.com/meszmate/imap-engine/task"
)

// Operation is the handle of a request made through the Model API.
type Operation struct {
	done chan struct{}
	once sync.Once

	id     task.ID
	result any
	err    error
}

func newOperation() *Operation {
	return &Operation{done: make(chan struct{})}
}

// Done is closed once the operation finished.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait blocks until the operation finished or ctx is done.
func (o *Operation) Wait(ctx context.Context) (any, error) {
	select {
	case <-o.done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the value the task produced, nil until Done is closed.
func (o *Operation) Result() any {
	select {
	case <-o.done:
		return o.result
	default:
		return nil
	}
}

// Err returns why the operation failed, nil while it runs or on success.
func (o *Operation) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Task returns the ID of the task behind the operation, 0 if it was never
// registered.
func (o *Operation) Task() task.ID {
	select {
	case <-o.done:
		return o.id
	default:
		return 0
	}
}

func (o *Operation) finish(result any, err error) {
	o.once.Do(func() {
		o.result, o.err = result, err
		close(o.done)
	})
}
