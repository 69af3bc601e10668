// Package events fans events out to subscribers. Each subscriber owns a FIFO
// mailbox drained by its own serial executor, so one slow subscriber never
// delays another and every subscriber sees events in publish order.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/metric"
	"github.com/c360/depkit/pkg/worker"
)

// Handler receives one event. ctx is marked with the subscriber's executor;
// pass it on to any call that may publish synchronously back to the same
// subscriber.
type Handler[E any] func(ctx context.Context, event E)

// Selector decides whether a subscriber receives an event and may rewrite it
// for that subscriber. A nil Selector accepts every event unchanged.
type Selector[E any] func(event E) (E, bool)

// Option configures a Dispatcher
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metric.Metrics
}

// WithLogger sets the dispatcher logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records queue depth, deliveries and panics
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Dispatcher delivers events of type E
type Dispatcher[E any] struct {
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.Mutex
	subs   atomic.Pointer[[]*Subscription[E]]
	closed bool
}

// Subscription is a registered handler
type Subscription[E any] struct {
	id       string
	name     string
	handler  Handler[E]
	selector Selector[E]
	exec     *worker.Serial
	d        *Dispatcher[E]
	closed   atomic.Bool
}

// NewDispatcher creates a dispatcher
func NewDispatcher[E any](name string, opts ...Option) *Dispatcher[E] {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	d := &Dispatcher[E]{
		name:    name,
		logger:  o.logger.With("component", "dispatcher", "dispatcher", name),
		metrics: o.metrics,
	}
	empty := []*Subscription[E]{}
	d.subs.Store(&empty)
	return d
}

// Subscribe adds a handler. name labels logs and metrics and need not be unique.
func (d *Dispatcher[E]) Subscribe(name string, handler Handler[E], selector Selector[E]) (*Subscription[E], error) {
	if handler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil handler"), "Dispatcher", "Subscribe", "handler check")
	}

	s := &Subscription[E]{
		id:       uuid.NewString(),
		name:     name,
		handler:  handler,
		selector: selector,
		d:        d,
	}
	s.exec = worker.NewSerial(name,
		worker.WithLogger(d.logger),
		worker.WithDepthObserver(func(depth int) { d.metrics.RecordQueueDepth(name, depth) }),
	)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.WrapState(errors.ErrShuttingDown, "Dispatcher", "Subscribe", "closed check")
	}
	current := *d.subs.Load()
	next := make([]*Subscription[E], len(current), len(current)+1)
	copy(next, current)
	next = append(next, s)
	d.subs.Store(&next)
	return s, nil
}

// ID returns the unique subscription id
func (s *Subscription[E]) ID() string { return s.id }

// Name returns the subscriber name
func (s *Subscription[E]) Name() string { return s.name }

// Pending returns the number of events waiting in the mailbox
func (s *Subscription[E]) Pending() int { return s.exec.Len() }

// Within reports whether ctx belongs to a handler call of this subscription
func (s *Subscription[E]) Within(ctx context.Context) bool { return s.exec.Within(ctx) }

// Inject queues event for this subscriber only, bypassing the selector. It
// keeps mailbox order with published events.
func (s *Subscription[E]) Inject(event E) error {
	if s.closed.Load() {
		return errors.WrapState(worker.ErrStopped, "Subscription", "Inject", "closed check")
	}
	return s.exec.Submit(func(tctx context.Context) { s.deliver(tctx, event) })
}

// Enqueue runs fn on the subscription's mailbox after the events already
// queued. It is used to wait for a subscriber to catch up.
func (s *Subscription[E]) Enqueue(fn worker.Task) error {
	if s.closed.Load() {
		return errors.WrapState(worker.ErrStopped, "Subscription", "Enqueue", "closed check")
	}
	return s.exec.Submit(fn)
}

// Close removes the subscription. Events still in the mailbox are dropped.
// It is safe to call from the subscription's own handler.
func (s *Subscription[E]) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.d.remove(s)
	s.d.metrics.ForgetSubscriber(s.name)
}

func (d *Dispatcher[E]) remove(target *Subscription[E]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := *d.subs.Load()
	next := make([]*Subscription[E], 0, len(current))
	for _, s := range current {
		if s != target {
			next = append(next, s)
		}
	}
	d.subs.Store(&next)
}

// Len returns the number of subscriptions
func (d *Dispatcher[E]) Len() int {
	return len(*d.subs.Load())
}

func (s *Subscription[E]) accept(event E) (E, bool) {
	if s.closed.Load() {
		return event, false
	}
	if s.selector == nil {
		return event, true
	}
	return s.selector(event)
}

func (s *Subscription[E]) deliver(ctx context.Context, event E) {
	if s.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.d.logger.Error("Listener panicked",
				"subscriber", s.name, "subscription", s.id, "panic", fmt.Sprint(r))
			s.d.metrics.RecordListenerPanic()
		}
	}()
	s.handler(ctx, event)
	s.d.metrics.RecordDelivered(s.name)
}

// Publish queues event for every accepting subscriber and returns without
// waiting for delivery.
func (d *Dispatcher[E]) Publish(event E) {
	for _, s := range *d.subs.Load() {
		ev, ok := s.accept(event)
		if !ok {
			continue
		}
		if err := s.exec.Submit(func(tctx context.Context) { s.deliver(tctx, ev) }); err != nil {
			d.logger.Debug("Dropped event for stopped subscriber", "subscriber", s.name)
		}
	}
}

// PublishSync delivers event to every accepting subscriber and waits until
// each has handled it, after any events queued before it. A subscriber whose
// handler is the caller (ctx came from its handler) is invoked inline. While
// a handler waits, events queued behind it in its own mailbox are delivered
// nested, so handlers of different subscribers may publish synchronously at
// the same time. Cancelling ctx stops the wait, not the delivery.
func (d *Dispatcher[E]) PublishSync(ctx context.Context, event E) error {
	var pending []chan struct{}
	for _, s := range *d.subs.Load() {
		ev, ok := s.accept(event)
		if !ok {
			continue
		}
		if s.exec.Within(ctx) {
			s.deliver(ctx, ev)
			continue
		}
		done := make(chan struct{})
		if err := s.exec.Submit(func(tctx context.Context) {
			defer close(done)
			s.deliver(tctx, ev)
		}); err != nil {
			continue
		}
		pending = append(pending, done)
	}

	for _, done := range pending {
		if err := worker.Wait(ctx, done); err != nil {
			return errors.WrapTransient(err, "Dispatcher", "PublishSync", "wait for delivery")
		}
	}
	return nil
}

// Close removes all subscriptions and waits up to timeout for in-flight
// handlers to return.
func (d *Dispatcher[E]) Close(timeout time.Duration) error {
	d.mu.Lock()
	d.closed = true
	subs := *d.subs.Load()
	empty := []*Subscription[E]{}
	d.subs.Store(&empty)
	d.mu.Unlock()

	deadline := time.Now().Add(timeout)
	var firstErr error
	for _, s := range subs {
		s.closed.Store(true)
		d.metrics.ForgetSubscriber(s.name)
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if err := s.exec.Stop(remaining); err != nil && firstErr == nil {
			firstErr = errors.WrapTransient(err, "Dispatcher", "Close", fmt.Sprintf("stop subscriber %s", s.name))
		}
	}
	return firstErr
}
