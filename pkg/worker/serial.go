// Package worker provides the executors depkit runs user code on: Serial, a
// single-writer FIFO actor; Pool, a bounded worker pool; and Future, a
// cancellable completion handle for asynchronous operations.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work run on a Serial executor. The context it receives
// is marked so Within can tell that the caller is running on that executor.
type Task func(ctx context.Context)

type serialKey struct{}

// Serial runs tasks one at a time in submission order. The queue is
// unbounded and a goroutine exists only while work is pending, so idle
// executors cost nothing.
type Serial struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   []Task
	running bool
	stopped bool
	wg      sync.WaitGroup
	wake    chan struct{}

	depth   atomic.Int64
	onDepth func(int)
	onPanic func(any)
}

// SerialOption configures a Serial executor
type SerialOption func(*Serial)

// WithLogger sets the logger used for recovered panics
func WithLogger(logger *slog.Logger) SerialOption {
	return func(s *Serial) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDepthObserver is called with the queue depth after every change
func WithDepthObserver(fn func(depth int)) SerialOption {
	return func(s *Serial) { s.onDepth = fn }
}

// WithPanicHandler is called after a task panic has been recovered and logged
func WithPanicHandler(fn func(recovered any)) SerialOption {
	return func(s *Serial) { s.onPanic = fn }
}

// NewSerial creates an idle serial executor
func NewSerial(name string, opts ...SerialOption) *Serial {
	s := &Serial{name: name, logger: slog.Default(), wake: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the executor name
func (s *Serial) Name() string { return s.name }

// Len returns the number of tasks waiting to run
func (s *Serial) Len() int { return int(s.depth.Load()) }

// Within reports whether ctx belongs to a task currently running on s
func (s *Serial) Within(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(serialKey{}).(*Serial)
	return owner == s
}

// Submit queues a task. It never blocks.
func (s *Serial) Submit(task Task) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.queue = append(s.queue, task)
	s.observe(s.depth.Add(1))
	if !s.running {
		s.running = true
		s.wg.Add(1)
		go s.drain()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// SubmitWait queues a task and blocks until it ran or ctx is done. Called
// from a task already running on s it runs task inline. Otherwise the wait
// behaves like Wait.
func (s *Serial) SubmitWait(ctx context.Context, task Task) error {
	if s.Within(ctx) {
		s.run(ctx, task)
		return nil
	}
	done := make(chan struct{})
	if err := s.Submit(func(tctx context.Context) {
		defer close(done)
		task(tctx)
	}); err != nil {
		return err
	}
	return Wait(ctx, done)
}

// Wait blocks until done is closed or ctx is done. When ctx belongs to a
// task running on a Serial, the tasks queued behind it on that executor are
// run inline while waiting. Two executors waiting on work queued on each
// other therefore both make progress.
func Wait(ctx context.Context, done <-chan struct{}) error {
	var owner *Serial
	if ctx != nil {
		owner, _ = ctx.Value(serialKey{}).(*Serial)
	}
	if owner == nil {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	tctx := context.WithValue(context.Background(), serialKey{}, owner)
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if task := owner.take(); task != nil {
			owner.run(tctx, task)
			continue
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-owner.wake:
		}
	}
}

// take pops the next queued task, or returns nil when the queue is empty
func (s *Serial) take() Task {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	task := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.mu.Unlock()

	s.observe(s.depth.Add(-1))
	return task
}

func (s *Serial) drain() {
	defer s.wg.Done()
	ctx := context.WithValue(context.Background(), serialKey{}, s)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.queue = nil
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		// A task waiting inside run may have emptied the queue meanwhile
		if task := s.take(); task != nil {
			s.run(ctx, task)
		}
	}
}

func (s *Serial) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", "executor", s.name, "panic", fmt.Sprint(r))
			if s.onPanic != nil {
				s.onPanic(r)
			}
		}
	}()
	task(ctx)
}

func (s *Serial) observe(depth int64) {
	if s.onDepth != nil {
		s.onDepth(int(depth))
	}
}

// Stop refuses new tasks and waits up to timeout for queued ones to finish.
// It must not be called from a task running on s.
func (s *Serial) Stop(timeout time.Duration) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}
