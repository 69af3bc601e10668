package registry

import (
	"context"
	"sync"

	"github.com/c360/depkit/events"
)

// TrackerHandler is notified as records enter, change within, and leave the
// tracked set. Calls for one tracker are serialized.
type TrackerHandler interface {
	Added(ctx context.Context, rec *Record)
	Modified(ctx context.Context, rec *Record)
	Removed(ctx context.Context, rec *Record)
}

// TrackerFuncs adapts functions to TrackerHandler. Nil functions are skipped.
type TrackerFuncs struct {
	OnAdded    func(ctx context.Context, rec *Record)
	OnModified func(ctx context.Context, rec *Record)
	OnRemoved  func(ctx context.Context, rec *Record)
}

// Added implements TrackerHandler
func (f TrackerFuncs) Added(ctx context.Context, rec *Record) {
	if f.OnAdded != nil {
		f.OnAdded(ctx, rec)
	}
}

// Modified implements TrackerHandler
func (f TrackerFuncs) Modified(ctx context.Context, rec *Record) {
	if f.OnModified != nil {
		f.OnModified(ctx, rec)
	}
}

// Removed implements TrackerHandler
func (f TrackerFuncs) Removed(ctx context.Context, rec *Record) {
	if f.OnRemoved != nil {
		f.OnRemoved(ctx, rec)
	}
}

// Tracker maintains the set of records matching an interface and filter,
// starting with the records present when it was opened.
type Tracker struct {
	handler TrackerHandler
	sub     *events.Subscription[Event]

	mu      sync.Mutex
	tracked map[int64]*Record
}

// Track opens a tracker. Existing matches are reported through Added on the
// tracker's goroutine before any later event.
func (r *Registry) Track(name, iface, filterExpr string, h TrackerHandler) (*Tracker, error) {
	t := &Tracker{handler: h, tracked: make(map[int64]*Record)}

	cfg := &listenerConfig{name: name, iface: iface, filter: filterExpr}
	sub, err := r.subscribe(cfg, t.handle)
	if err != nil {
		return nil, err
	}
	t.sub = sub

	// Subscribed first, looked up second: a record registered in between is
	// seen twice and deduplicated by id.
	f, err := r.compiler.Compile(filterExpr)
	if err != nil {
		sub.Close()
		return nil, err
	}
	for _, rec := range r.LookupFilter(iface, f) {
		if err := sub.Inject(Event{Type: Registered, Record: rec, Properties: rec.Properties()}); err != nil {
			sub.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *Tracker) handle(ctx context.Context, ev Event) {
	rec := ev.Record
	t.mu.Lock()
	_, known := t.tracked[rec.id]

	switch ev.Type {
	case Registered, Modified:
		if rec.Unregistering() {
			// An injected event can trail the record's Unregistering
			t.mu.Unlock()
			return
		}
		t.tracked[rec.id] = rec
		t.mu.Unlock()
		if !known {
			t.handler.Added(ctx, rec)
		} else if ev.Type == Modified {
			t.handler.Modified(ctx, rec)
		}
	case ModifiedEndMatch, Unregistering:
		delete(t.tracked, rec.id)
		t.mu.Unlock()
		if known {
			t.handler.Removed(ctx, rec)
		}
	default:
		t.mu.Unlock()
	}
}

// Records returns the tracked records, highest rank first
func (t *Tracker) Records() []*Record {
	t.mu.Lock()
	recs := make([]*Record, 0, len(t.tracked))
	for _, rec := range t.tracked {
		recs = append(recs, rec)
	}
	t.mu.Unlock()
	return sortByRank(recs)
}

// Len returns the number of tracked records
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// Close stops tracking. Removed is not called for the remaining records.
func (t *Tracker) Close() {
	t.sub.Close()
}
