package registry

import (
	"context"
	"fmt"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/events"
	"github.com/c360/depkit/filter"
)

// ListenerOption narrows the events a listener receives
type ListenerOption func(*listenerConfig)

type listenerConfig struct {
	name   string
	iface  string
	filter string
}

// WithInterface limits events to records publishing iface
func WithInterface(iface string) ListenerOption {
	return func(c *listenerConfig) { c.iface = iface }
}

// WithFilter limits events to records whose properties match expr
func WithFilter(expr string) ListenerOption {
	return func(c *listenerConfig) { c.filter = expr }
}

// WithName labels the listener in logs and metrics
func WithName(name string) ListenerOption {
	return func(c *listenerConfig) { c.name = name }
}

// ListenerHandle removes a listener
type ListenerHandle struct {
	sub *events.Subscription[Event]
}

// Remove stops delivery to the listener. Queued events are dropped.
func (h *ListenerHandle) Remove() { h.sub.Close() }

// AddListener subscribes l to service events. A malformed filter is rejected
// with a validation error. Listeners are called on their own goroutine, one
// event at a time, in the order the events occurred.
func (r *Registry) AddListener(l Listener, opts ...ListenerOption) (*ListenerHandle, error) {
	if l == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil listener: %w", errors.ErrInvalidValue),
			"Registry", "AddListener", "listener validation")
	}
	cfg := &listenerConfig{name: "listener"}
	for _, opt := range opts {
		opt(cfg)
	}

	sub, err := r.subscribe(cfg, func(ctx context.Context, ev Event) { l.ServiceChanged(ctx, ev) })
	if err != nil {
		return nil, err
	}
	return &ListenerHandle{sub: sub}, nil
}

func (r *Registry) subscribe(cfg *listenerConfig, handler events.Handler[Event]) (*events.Subscription[Event], error) {
	var f filter.Filter
	if cfg.filter != "" {
		compiled, err := r.compiler.Compile(cfg.filter)
		if err != nil {
			return nil, err
		}
		f = compiled
	}
	return r.dispatcher.Subscribe(cfg.name, handler, selector(cfg.iface, f))
}

// selector applies interface and filter scoping. A Modified event is passed
// on when the new properties match, and turned into ModifiedEndMatch when
// only the old ones did.
func selector(iface string, f filter.Filter) events.Selector[Event] {
	return func(ev Event) (Event, bool) {
		if iface != "" && !ev.Record.Provides(iface) {
			return ev, false
		}
		if f == nil {
			return ev, true
		}
		if ev.Type != Modified {
			return ev, f.Match(ev.Properties)
		}
		if f.Match(ev.Properties) {
			return ev, true
		}
		if ev.OldProperties != nil && f.Match(ev.OldProperties) {
			ev.Type = ModifiedEndMatch
			return ev, true
		}
		return ev, false
	}
}
