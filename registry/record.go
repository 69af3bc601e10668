package registry

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/ranking"
)

// Reserved property keys maintained by the registry
const (
	PropServiceID   = "service.id"
	PropObjectClass = "objectClass"
	PropRanking     = "service.ranking"
)

// Record is a registered service. Identity, interfaces, instance and owner are
// fixed at registration; properties and rank change only through the owning
// Registration.
type Record struct {
	id         int64
	interfaces []string
	instance   any
	owner      string

	props atomic.Pointer[properties.Store]
	rank  atomic.Int64

	// updateMu serializes property updates and unregistration of this record
	updateMu      sync.Mutex
	unregistering atomic.Bool
	removed       atomic.Bool

	// buckets are the per-interface views this record is listed in. Fixed at
	// registration so updates never touch the registry-level lock.
	buckets []*bucket
}

// ID returns the service id
func (r *Record) ID() int64 { return r.id }

// ServiceID implements ranking.Ref
func (r *Record) ServiceID() int64 { return r.id }

// Rank implements ranking.Ref
func (r *Record) Rank() int { return int(r.rank.Load()) }

// Interfaces returns the published interface names
func (r *Record) Interfaces() []string { return slices.Clone(r.interfaces) }

// Provides reports whether the record publishes iface
func (r *Record) Provides(iface string) bool { return slices.Contains(r.interfaces, iface) }

// Instance returns the service object
func (r *Record) Instance() any { return r.instance }

// Owner returns the owner name given at registration. The registry keeps the
// name only and holds no reference to the owner's lifetime.
func (r *Record) Owner() string { return r.owner }

// Properties returns a read-only view of the current properties
func (r *Record) Properties() properties.Reader {
	return properties.ReadOnly(r.props.Load())
}

// Unregistering reports whether unregistration has begun
func (r *Record) Unregistering() bool { return r.unregistering.Load() }

// Removed reports whether unregistration has completed
func (r *Record) Removed() bool { return r.removed.Load() }

// Active reports whether the record is registered and not being removed
func (r *Record) Active() bool { return !r.unregistering.Load() }

func (r *Record) String() string {
	return properties.Format(r.props.Load())
}

func rankOf(p properties.Reader) int64 {
	n, ok := properties.Int(p, PropRanking)
	if !ok {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return n
}

// bucket holds the records of one interface sorted by descending rank. The
// view is replaced wholesale with compare-and-swap so readers never lock.
type bucket struct {
	view atomic.Pointer[[]*Record]
}

func newBucket() *bucket {
	b := &bucket{}
	empty := []*Record{}
	b.view.Store(&empty)
	return b
}

func (b *bucket) load() []*Record {
	return *b.view.Load()
}

func (b *bucket) update(fn func([]*Record) []*Record) {
	for {
		old := b.view.Load()
		next := fn(slices.Clone(*old))
		if b.view.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (b *bucket) insert(rec *Record) {
	b.update(func(recs []*Record) []*Record {
		return sortByRank(append(recs, rec))
	})
}

func (b *bucket) remove(rec *Record) {
	b.update(func(recs []*Record) []*Record {
		return slices.DeleteFunc(recs, func(r *Record) bool { return r == rec })
	})
}

func (b *bucket) resort() {
	b.update(sortByRank)
}

// sortByRank orders records by ranks read once up front, so a concurrent rank
// change cannot produce an inconsistent comparison during the sort.
func sortByRank(recs []*Record) []*Record {
	type keyed struct {
		rec *Record
		key ranking.Key
	}
	ks := make([]keyed, len(recs))
	for i, r := range recs {
		ks[i] = keyed{rec: r, key: ranking.Key{ID: r.id, Priority: r.Rank()}}
	}
	slices.SortFunc(ks, func(a, b keyed) int { return ranking.Descending(a.key, b.key) })
	for i := range ks {
		recs[i] = ks[i].rec
	}
	return recs
}
