// Package properties implements the attribute map attached to services and
// configurations: keys are case-insensitive for lookup but keep the case they
// were first inserted with, values are restricted to scalars and homogeneous
// slices of scalars, and iteration follows the case-insensitive key order.
package properties

import (
	"fmt"
	"sort"
	"strings"

	"github.com/c360/depkit/errors"
)

// Reader is the read side of a property set
type Reader interface {
	// Get looks a key up case-insensitively
	Get(key string) (any, bool)
	// Keys returns the keys in their original case, in sort order
	Keys() []string
	Len() int
	// Range calls fn for each entry in key order until fn returns false
	Range(fn func(key string, value any) bool)
}

// Properties is a mutable property set
type Properties interface {
	Reader
	// Put stores value under key and returns the previous value, if any
	Put(key string, value any) (any, error)
	Remove(key string) (any, bool)
}

type entry struct {
	key   string
	value any
}

// Store is the standard Properties implementation. It is not safe for
// concurrent mutation; publish a Copy or a ReadOnly view instead of sharing a
// Store that is still being written.
type Store struct {
	entries []entry
}

// New returns an empty store
func New() *Store {
	return &Store{}
}

// FromMap builds a store from m. Two keys of m that differ only in case are
// rejected since their relative order is undefined.
func FromMap(m map[string]any) (*Store, error) {
	s := &Store{entries: make([]entry, 0, len(m))}
	for k, v := range m {
		if _, exists := s.Get(k); exists {
			return nil, errors.WrapInvalid(
				fmt.Errorf("keys differ only in case: %q: %w", k, errors.ErrDuplicateEntry),
				"Store", "FromMap", "key check")
		}
		if _, err := s.Put(k, v); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustFromMap is FromMap for literals in tests and static tables
func MustFromMap(m map[string]any) *Store {
	s, err := FromMap(m)
	if err != nil {
		panic(err)
	}
	return s
}

// search returns the index of key, or the insertion point and false
func (s *Store) search(key string) (int, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return Compare(s.entries[i].key, key) >= 0
	})
	return i, i < len(s.entries) && Compare(s.entries[i].key, key) == 0
}

// Put validates and stores value. Writing a key that already exists under a
// different case replaces the value and keeps the original spelling.
func (s *Store) Put(key string, value any) (any, error) {
	if key == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidKey, "Store", "Put", "key validation")
	}
	normalized, err := Normalize(value)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", key, err)
	}

	i, found := s.search(key)
	if found {
		previous := s.entries[i].value
		s.entries[i].value = normalized
		return previous, nil
	}

	s.entries = append(s.entries, entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = entry{key: key, value: normalized}
	return nil, nil
}

// Get looks key up case-insensitively. The empty key is never present.
func (s *Store) Get(key string) (any, bool) {
	if key == "" {
		return nil, false
	}
	if i, found := s.search(key); found {
		return s.entries[i].value, true
	}
	return nil, false
}

// Remove deletes key and returns the removed value
func (s *Store) Remove(key string) (any, bool) {
	i, found := s.search(key)
	if !found {
		return nil, false
	}
	previous := s.entries[i].value
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return previous, true
}

// Len returns the number of entries
func (s *Store) Len() int {
	return len(s.entries)
}

// Keys returns the keys in original case and sort order
func (s *Store) Keys() []string {
	keys := make([]string, len(s.entries))
	for i, e := range s.entries {
		keys[i] = e.key
	}
	return keys
}

// Range visits entries in key order
func (s *Store) Range(fn func(key string, value any) bool) {
	for _, e := range s.entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Copy returns a deep copy that shares no slices with s
func (s *Store) Copy() *Store {
	out := &Store{entries: make([]entry, len(s.entries))}
	for i, e := range s.entries {
		out.entries[i] = entry{key: e.key, value: cloneValue(e.value)}
	}
	return out
}

// Map returns the entries as a plain map keyed by original case
func (s *Store) Map() map[string]any {
	return ToMap(s)
}

// Equal reports whether s and other hold the same keys, compared
// case-insensitively, mapped to equal values
func (s *Store) Equal(other Reader) bool {
	return Equal(s, other)
}

func (s *Store) String() string {
	return Format(s)
}

// CopyOf deep-copies any Reader into a new Store. Values are normalized again
// so a foreign Reader cannot smuggle in unsupported types.
func CopyOf(r Reader) (*Store, error) {
	switch t := r.(type) {
	case nil:
		return New(), nil
	case *Store:
		return t.Copy(), nil
	case readOnly:
		return CopyOf(t.r)
	}

	out := New()
	var err error
	r.Range(func(k string, v any) bool {
		_, err = out.Put(k, v)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Equal compares two property sets. Mismatched value types compare unequal.
func Equal(a, b Reader) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Len() != b.Len() {
		return false
	}
	equal := true
	a.Range(func(k string, v any) bool {
		other, ok := b.Get(k)
		if !ok || !ValuesEqual(v, other) {
			equal = false
		}
		return equal
	})
	return equal
}

// ToMap flattens r into a map keyed by original case
func ToMap(r Reader) map[string]any {
	m := make(map[string]any, r.Len())
	r.Range(func(k string, v any) bool {
		m[k] = cloneValue(v)
		return true
	})
	return m
}

// Format renders r as {Key=value, ...} in key order
func Format(r Reader) string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	r.Range(func(k string, v any) bool {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s=%v", k, v)
		return true
	})
	b.WriteByte('}')
	return b.String()
}

// readOnly forwards reads and silently ignores writes
type readOnly struct {
	r Reader
}

// ReadOnly wraps r so Put and Remove become no-ops. They report no previous
// value and no error.
func ReadOnly(r Reader) Properties {
	if ro, ok := r.(readOnly); ok {
		return ro
	}
	if r == nil {
		r = New()
	}
	return readOnly{r: r}
}

func (ro readOnly) Get(key string) (any, bool) { return ro.r.Get(key) }
func (ro readOnly) Keys() []string { return ro.r.Keys() }
func (ro readOnly) Len() int { return ro.r.Len() }
func (ro readOnly) Range(fn func(string, any) bool) { ro.r.Range(fn) }
func (ro readOnly) Put(string, any) (any, error) { return nil, nil }
func (ro readOnly) Remove(string) (any, bool) { return nil, false }
func (ro readOnly) String() string { return Format(ro.r) }
