package worker

import (
	"context"
	"sync"
)

// Future is the completion handle of an asynchronous operation
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewFuture returns an incomplete future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future that is already complete with err
func Completed(err error) *Future {
	f := NewFuture()
	f.Complete(err)
	return f
}

// Go runs fn on a new goroutine and completes the future with its result
func Go(fn func() error) *Future {
	f := NewFuture()
	go func() { f.Complete(fn()) }()
	return f
}

// Complete records the result. Only the first call has an effect.
func (f *Future) Complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the operation completed
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until completion or ctx is done, as the package level Wait
// does. Cancelling ctx abandons the wait, not the operation.
func (f *Future) Wait(ctx context.Context) error {
	if err := Wait(ctx, f.done); err != nil {
		return err
	}
	return f.err
}

// Err returns the result, or nil while the operation is still running
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}
