package depgraph

import (
	"context"
	"slices"

	"github.com/c360/depkit/ranking"
	"github.com/c360/depkit/registry"
)

// changeSink applies dependency changes on the owning component's executor
type changeSink interface {
	changed(fn func(ctx context.Context))
	changedNow(ctx context.Context, fn func(ctx context.Context))
}

// dependency is the actor-owned view of one DependencySpec. The tracker hands
// changes to the component, matched is read and written on the component executor.
type dependency struct {
	spec     DependencySpec
	filter   string
	tracker  *registry.Tracker
	matched  map[int64]*registry.Record
	instance bool
}

func newDependency(spec DependencySpec, filterExpr string, instance bool) *dependency {
	return &dependency{
		spec:     spec,
		filter:   filterExpr,
		matched:  make(map[int64]*registry.Record),
		instance: instance,
	}
}

// open starts tracking. Additions and modifications are handed to submit.
// Removals go to remove, which returns only once the component has applied
// them, so Unregister never returns while the record is still bound.
func (d *dependency) open(reg *registry.Registry, owner string, c changeSink) error {
	handler := registry.TrackerFuncs{
		OnAdded: func(_ context.Context, rec *registry.Record) {
			c.changed(func(context.Context) { d.matched[rec.ID()] = rec })
		},
		OnModified: func(_ context.Context, rec *registry.Record) {
			c.changed(func(context.Context) { d.matched[rec.ID()] = rec })
		},
		OnRemoved: func(ctx context.Context, rec *registry.Record) {
			c.changedNow(ctx, func(context.Context) { delete(d.matched, rec.ID()) })
		},
	}
	tracker, err := reg.Track(owner+"/"+d.spec.Name, d.spec.Interface, d.filter, handler)
	if err != nil {
		return err
	}
	d.tracker = tracker
	return nil
}

// seed adds the current matches so the dependency can be judged before the
// tracker has caught up
func (d *dependency) seed(reg *registry.Registry) error {
	recs, err := reg.Lookup(d.spec.Interface, d.filter)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		d.matched[rec.ID()] = rec
	}
	return nil
}

func (d *dependency) close() {
	if d.tracker != nil {
		d.tracker.Close()
		d.tracker = nil
	}
}

// candidates drops records that are going away and returns the rest, best
// first
func (d *dependency) candidates() []*registry.Record {
	type keyed struct {
		rec *registry.Record
		key ranking.Key
	}
	ks := make([]keyed, 0, len(d.matched))
	for id, rec := range d.matched {
		if rec.Removed() || rec.Unregistering() {
			delete(d.matched, id)
			continue
		}
		ks = append(ks, keyed{rec: rec, key: ranking.Key{ID: rec.ID(), Priority: rec.Rank()}})
	}
	slices.SortFunc(ks, func(a, b keyed) int { return ranking.Descending(a.key, b.key) })

	out := make([]*registry.Record, len(ks))
	for i := range ks {
		out[i] = ks[i].rec
	}
	return out
}

// selected returns the records the dependency binds
func (d *dependency) selected() []*registry.Record {
	recs := d.candidates()
	if !d.spec.Cardinality.Multiple() && len(recs) > 1 {
		recs = recs[:1]
	}
	return recs
}

func (d *dependency) satisfied() bool {
	return !d.spec.Cardinality.Required() || len(d.candidates()) > 0
}

func (d *dependency) bindings() []Binding {
	recs := d.selected()
	out := make([]Binding, len(recs))
	for i, rec := range recs {
		out[i] = newBinding(d.spec, rec)
	}
	return out
}

func (d *dependency) dto() DependencyDTO {
	recs := d.selected()
	ids := make([]int64, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID()
	}
	return DependencyDTO{
		Name:          d.spec.Name,
		Interface:     d.spec.Interface,
		Filter:        d.filter,
		Cardinality:   d.spec.Cardinality,
		Satisfied:     !d.spec.Cardinality.Required() || len(recs) > 0,
		Bound:         ids,
		InstanceBound: d.instance,
	}
}
