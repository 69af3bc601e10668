package configadmin

import (
	"context"
	"fmt"
	"sort"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/events"
	"github.com/c360/depkit/properties"
)

// ManagedService receives the configuration of one pid. props is nil when
// there is no configuration, both at registration and after a delete. Each
// call gets its own copy.
type ManagedService interface {
	Updated(ctx context.Context, props *properties.Store) error
}

// ManagedServiceFunc adapts a function to ManagedService
type ManagedServiceFunc func(ctx context.Context, props *properties.Store) error

// Updated implements ManagedService
func (f ManagedServiceFunc) Updated(ctx context.Context, props *properties.Store) error {
	return f(ctx, props)
}

// ManagedFactory receives the configuration instances of one factory pid
type ManagedFactory interface {
	Updated(ctx context.Context, pid string, props *properties.Store) error
	Deleted(ctx context.Context, pid string)
}

// Handle ends a managed registration
type Handle struct {
	sub *events.Subscription[Event]
}

// Close stops callbacks. Queued callbacks are dropped.
func (h *Handle) Close() { h.sub.Close() }

// Flush waits until every callback queued before the call has run
func (h *Handle) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := h.sub.Enqueue(func(context.Context) { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Handle", "Flush", "wait for callbacks")
	}
}

func copyProps(r properties.Reader) *properties.Store {
	if r == nil {
		return nil
	}
	s, err := properties.CopyOf(r)
	if err != nil {
		return nil
	}
	return s
}

// RegisterManaged delivers the configuration pid to ms, starting with the
// current one
func (a *Admin) RegisterManaged(pid string, ms ManagedService) (*Handle, error) {
	if err := validatePID("RegisterManaged", pid); err != nil {
		return nil, err
	}
	if ms == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil managed service: %w", errors.ErrInvalidValue),
			"Admin", "RegisterManaged", "consumer validation")
	}

	handler := func(ctx context.Context, ev Event) {
		if err := ms.Updated(ctx, copyProps(ev.Properties)); err != nil {
			a.callbackFailed("managed_service", pid, err)
		}
	}
	selector := func(ev Event) (Event, bool) { return ev, ev.PID == pid }

	a.mu.Lock()
	defer a.mu.Unlock()
	sub, err := a.dispatcher.Subscribe("managed:"+pid, handler, selector)
	if err != nil {
		return nil, err
	}
	initial := Event{Type: Deleted, PID: pid}
	if cfg, ok := a.configs[pid]; ok {
		initial = Event{Type: Updated, PID: pid, FactoryPID: cfg.factoryPID,
			Properties: properties.ReadOnly(cfg.props), ChangeCount: cfg.changes}
	}
	if err := sub.Inject(initial); err != nil {
		sub.Close()
		return nil, err
	}
	return &Handle{sub: sub}, nil
}

// RegisterManagedFactory delivers every instance of factoryPID to mf,
// starting with the existing ones in pid order
func (a *Admin) RegisterManagedFactory(factoryPID string, mf ManagedFactory) (*Handle, error) {
	if err := validatePID("RegisterManagedFactory", factoryPID); err != nil {
		return nil, err
	}
	if mf == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil managed factory: %w", errors.ErrInvalidValue),
			"Admin", "RegisterManagedFactory", "consumer validation")
	}

	handler := func(ctx context.Context, ev Event) {
		if ev.Type == Deleted {
			mf.Deleted(ctx, ev.PID)
			return
		}
		if err := mf.Updated(ctx, ev.PID, copyProps(ev.Properties)); err != nil {
			a.callbackFailed("managed_factory", ev.PID, err)
		}
	}
	selector := func(ev Event) (Event, bool) { return ev, ev.FactoryPID == factoryPID }

	a.mu.Lock()
	defer a.mu.Unlock()
	sub, err := a.dispatcher.Subscribe("factory:"+factoryPID, handler, selector)
	if err != nil {
		return nil, err
	}
	var existing []*configuration
	for _, cfg := range a.configs {
		if cfg.factoryPID == factoryPID {
			existing = append(existing, cfg)
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].pid < existing[j].pid })
	for _, cfg := range existing {
		ev := Event{Type: Updated, PID: cfg.pid, FactoryPID: factoryPID,
			Properties: properties.ReadOnly(cfg.props), ChangeCount: cfg.changes}
		if err := sub.Inject(ev); err != nil {
			sub.Close()
			return nil, err
		}
	}
	return &Handle{sub: sub}, nil
}

func (a *Admin) callbackFailed(callback, pid string, err error) {
	a.metrics.RecordCallbackFailure(callback)
	a.logger.Error("Configuration callback failed",
		"callback", callback, "pid", pid,
		"error", errors.WrapCallback(err, "Admin", "deliver", callback))
}
