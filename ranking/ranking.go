// Package ranking defines the two total orders used to choose between
// competing providers.
//
// Descending puts the highest rank first and breaks ties toward the lowest
// (oldest) service id. Ascending puts the lowest rank first and breaks ties
// toward the highest (newest) service id, so in a low-to-high processing
// chain the most recently registered provider wins among equals. The two
// tie-breaks are deliberately not mirror images of each other.
package ranking

import "sort"

// Ref is anything that can be ranked
type Ref interface {
	ServiceID() int64
	Rank() int
}

// Descending returns a negative number when a sorts before b in
// highest-rank-first order, positive when after and 0 only when both refer to
// the same service id.
func Descending(a, b Ref) int {
	ida, idb := a.ServiceID(), b.ServiceID()
	if ida == idb {
		return 0
	}
	ra, rb := a.Rank(), b.Rank()
	if ra != rb {
		if ra > rb {
			return -1
		}
		return 1
	}
	if ida < idb {
		return -1
	}
	return 1
}

// Ascending returns a negative number when a sorts before b in
// lowest-rank-first order with newer ids winning ties.
func Ascending(a, b Ref) int {
	ida, idb := a.ServiceID(), b.ServiceID()
	if ida == idb {
		return 0
	}
	ra, rb := a.Rank(), b.Rank()
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if ida > idb {
		return -1
	}
	return 1
}

// Key is a plain Ref, useful for snapshotting a rank that may change
type Key struct {
	ID       int64
	Priority int
}

// ServiceID implements Ref
func (k Key) ServiceID() int64 { return k.ID }

// Rank implements Ref
func (k Key) Rank() int { return k.Priority }

// SortDescending sorts refs in place, highest rank first
func SortDescending[T Ref](refs []T) {
	sort.SliceStable(refs, func(i, j int) bool { return Descending(refs[i], refs[j]) < 0 })
}

// SortAscending sorts refs in place, lowest rank first
func SortAscending[T Ref](refs []T) {
	sort.SliceStable(refs, func(i, j int) bool { return Ascending(refs[i], refs[j]) < 0 })
}

// Best returns the first ref in descending order, or false for an empty slice
func Best[T Ref](refs []T) (T, bool) {
	var best T
	if len(refs) == 0 {
		return best, false
	}
	best = refs[0]
	for _, r := range refs[1:] {
		if Descending(r, best) < 0 {
			best = r
		}
	}
	return best, true
}
