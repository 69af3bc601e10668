// Package registry is the service registry: a table from interface names to
// ranked provider records with property filters, change events and
// point-in-time snapshots.
//
// Records of one interface are kept in a view sorted by descending rank and
// ascending id, replaced with compare-and-swap on every change. Mutations of
// a single record are serialized by that record's lock; registry-level
// structures are only ever locked before a record lock, never inside one.
//
// Registered and Modified events are delivered asynchronously. Unregistering
// is delivered synchronously: Unregister returns only after every interested
// listener has handled it and the record has been removed.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/events"
	"github.com/c360/depkit/filter"
	"github.com/c360/depkit/metric"
	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/ranking"
)

// Static describes a service to register
type Static struct {
	Interfaces []string
	Instance   any
	Properties properties.Reader
	// Owner names the component or artifact responsible for the service
	Owner string
}

// Registry is the service registry. The zero value is not usable; call New.
type Registry struct {
	logger     *slog.Logger
	metrics    *metric.Metrics
	compiler   *filter.Compiler
	dispatcher *events.Dispatcher[Event]

	nextID atomic.Int64

	// mu guards the records and buckets maps
	mu      sync.RWMutex
	records map[int64]*Record
	buckets map[string]*bucket
}

// Option configures a Registry
type Option func(*config)

type config struct {
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry metric.MetricsRegistrar
}

// WithLogger sets the registry logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithMetrics enables registry and dispatch metrics. The registrar receives
// the filter cache metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *config) {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
			c.registry = registry
		}
	}
}

// New creates an empty registry
func New(opts ...Option) (*Registry, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	compiler, err := filter.NewCompiler(filter.DefaultCacheSize, cfg.registry)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "New", "create filter compiler")
	}

	logger := cfg.logger.With("component", "registry")
	return &Registry{
		logger:     logger,
		metrics:    cfg.metrics,
		compiler:   compiler,
		dispatcher: events.NewDispatcher[Event]("registry", events.WithLogger(logger), events.WithMetrics(cfg.metrics)),
		records:    make(map[int64]*Record),
		buckets:    make(map[string]*bucket),
	}, nil
}

// Compile parses a filter through the registry's filter cache
func (r *Registry) Compile(expr string) (filter.Filter, error) {
	return r.compiler.Compile(expr)
}

// Register adds a service and returns the handle used to update or remove it
func (r *Registry) Register(_ context.Context, s Static) (*Registration, error) {
	if len(s.Interfaces) == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("no interfaces: %w", errors.ErrInvalidValue),
			"Registry", "Register", "interface validation")
	}
	for _, iface := range s.Interfaces {
		if iface == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("empty interface name: %w", errors.ErrInvalidValue),
				"Registry", "Register", "interface validation")
		}
	}
	if s.Instance == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil instance: %w", errors.ErrInvalidValue),
			"Registry", "Register", "instance validation")
	}

	props, err := properties.CopyOf(s.Properties)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Register", "property validation")
	}

	ifaces := dedupe(s.Interfaces)
	id := r.nextID.Add(1)
	rec := &Record{
		id:         id,
		interfaces: ifaces,
		instance:   s.Instance,
		owner:      s.Owner,
	}
	setReserved(props, rec)
	rec.props.Store(props)
	rec.rank.Store(rankOf(props))

	r.mu.Lock()
	for _, iface := range ifaces {
		b, ok := r.buckets[iface]
		if !ok {
			b = newBucket()
			r.buckets[iface] = b
		}
		rec.buckets = append(rec.buckets, b)
		b.insert(rec)
	}
	r.records[id] = rec
	count := len(r.records)
	r.mu.Unlock()

	r.metrics.RecordServiceCount(count)
	r.logger.Debug("Service registered", "service_id", id, "interfaces", ifaces, "owner", s.Owner)

	r.emit(Event{Type: Registered, Record: rec, Properties: rec.Properties()})
	return &Registration{rec: rec, reg: r}, nil
}

func setReserved(props *properties.Store, rec *Record) {
	// Both values are valid property types, Put cannot fail here
	_, _ = props.Put(PropServiceID, rec.id)
	_, _ = props.Put(PropObjectClass, slices.Clone(rec.interfaces))
}

func (r *Registry) emit(ev Event) {
	r.metrics.RecordServiceEvent(ev.Type.String())
	r.dispatcher.Publish(ev)
}

func (r *Registry) setProperties(_ context.Context, rec *Record, props properties.Reader) error {
	next, err := properties.CopyOf(props)
	if err != nil {
		return errors.Wrap(err, "Registration", "SetProperties", "property validation")
	}
	setReserved(next, rec)

	// Collection lock first, record lock second; Snapshot takes the write
	// side to see no update half applied.
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec.updateMu.Lock()
	defer rec.updateMu.Unlock()

	if rec.unregistering.Load() {
		return errors.WrapState(errors.ErrAlreadyUnregistered, "Registration", "SetProperties", "state check")
	}

	old := rec.props.Load()
	rec.props.Store(next)
	newRank := rankOf(next)
	if rec.rank.Swap(newRank) != newRank {
		for _, b := range rec.buckets {
			b.resort()
		}
	}

	r.emit(Event{
		Type:          Modified,
		Record:        rec,
		Properties:    properties.ReadOnly(next),
		OldProperties: properties.ReadOnly(old),
	})
	return nil
}

func (r *Registry) unregister(ctx context.Context, rec *Record) error {
	rec.updateMu.Lock()
	if rec.unregistering.Load() {
		rec.updateMu.Unlock()
		return errors.WrapState(errors.ErrAlreadyUnregistered, "Registration", "Unregister", "state check")
	}
	rec.unregistering.Store(true)
	rec.updateMu.Unlock()

	r.metrics.RecordServiceEvent(Unregistering.String())
	dispatchErr := r.dispatcher.PublishSync(ctx, Event{
		Type:       Unregistering,
		Record:     rec,
		Properties: rec.Properties(),
	})

	r.mu.Lock()
	delete(r.records, rec.id)
	for _, b := range rec.buckets {
		b.remove(rec)
	}
	count := len(r.records)
	r.mu.Unlock()
	rec.removed.Store(true)

	r.metrics.RecordServiceCount(count)
	r.logger.Debug("Service unregistered", "service_id", rec.id, "owner", rec.owner)

	if dispatchErr != nil {
		// The record is gone either way; report that some listeners may not
		// have finished handling the event.
		return errors.Wrap(dispatchErr, "Registration", "Unregister", "notify listeners")
	}
	return nil
}

// UnregisterOwner removes every service of owner, highest rank first, and
// returns how many were removed
func (r *Registry) UnregisterOwner(ctx context.Context, owner string) (int, error) {
	r.mu.RLock()
	var owned []*Record
	for _, rec := range r.records {
		if rec.owner == owner && !rec.unregistering.Load() {
			owned = append(owned, rec)
		}
	}
	r.mu.RUnlock()

	owned = sortByRank(owned)
	removed := 0
	var firstErr error
	for _, rec := range owned {
		err := r.unregister(ctx, rec)
		switch {
		case err == nil:
			removed++
		case errors.IsState(err):
			// Raced with the owner's own Unregister
		default:
			removed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return removed, firstErr
}

// Get returns a record by id. A record being unregistered is still returned
// until its Unregistering event has been handled.
func (r *Registry) Get(id int64) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Count returns the number of registered services
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Lookup returns the records publishing iface that match filterExpr, highest
// rank first. An empty iface selects every record; an empty filter matches
// everything.
func (r *Registry) Lookup(iface, filterExpr string) ([]*Record, error) {
	f, err := r.compiler.Compile(filterExpr)
	if err != nil {
		return nil, err
	}
	return r.LookupFilter(iface, f), nil
}

// LookupFilter is Lookup with a compiled filter
func (r *Registry) LookupFilter(iface string, f filter.Filter) []*Record {
	var candidates []*Record
	if iface == "" {
		r.mu.RLock()
		candidates = make([]*Record, 0, len(r.records))
		for _, rec := range r.records {
			candidates = append(candidates, rec)
		}
		r.mu.RUnlock()
		candidates = sortByRank(candidates)
	} else {
		r.mu.RLock()
		b, ok := r.buckets[iface]
		r.mu.RUnlock()
		if !ok {
			return nil
		}
		candidates = b.load()
	}

	var out []*Record
	for _, rec := range candidates {
		if rec.removed.Load() {
			continue
		}
		if f == nil || f.Match(rec.props.Load()) {
			out = append(out, rec)
		}
	}
	return out
}

// Best returns the highest ranked match, if any
func (r *Registry) Best(iface, filterExpr string) (*Record, error) {
	recs, err := r.Lookup(iface, filterExpr)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Close stops event delivery, waiting for in-flight listener calls
func (r *Registry) Close(ctx context.Context) error {
	timeout := defaultCloseTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = timeUntil(deadline)
	}
	return r.dispatcher.Close(timeout)
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

var _ ranking.Ref = (*Record)(nil)
