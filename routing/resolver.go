package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/ranking"
)

// Handler is a routable target. Init is called when the handler becomes the
// active entry for a pattern and Destroy when it stops being active, whether
// it was shadowed or removed. A shadowed handler that is reactivated gets
// Init again.
type Handler interface {
	Init() error
	Destroy()
}

// Reason explains why an entry is not active
type Reason string

const (
	// ReasonShadowed means a higher-ranked entry holds the same pattern
	ReasonShadowed Reason = "SHADOWED_BY_OTHER_SERVICE"
	// ReasonInitFailed means the handler's Init returned an error
	ReasonInitFailed Reason = "EXCEPTION_ON_INIT"
	// ReasonNoContext means no context with the requested name exists
	ReasonNoContext Reason = "NO_SERVLET_CONTEXT_MATCHING"
)

// Entry is a handler offered for one pattern
type Entry struct {
	Pattern   string
	ServiceID int64
	Rank      int
	Handler   Handler
}

type entry struct {
	Entry
	pattern Pattern
	failed  error
}

func (e *entry) key() ranking.Key { return ranking.Key{ID: e.ServiceID, Priority: e.Rank} }

// slot holds every entry for one canonical pattern, best first
type slot struct {
	entries []*entry
	active  *entry
}

// Match is the result of a successful Resolve
type Match struct {
	Handler   Handler
	Pattern   string
	ServiceID int64
	// Context is the name of the context the match was found in
	Context string
	// MatchedPath is the part of the path covered by the pattern, PathInfo
	// the remainder
	MatchedPath string
	PathInfo    string
}

// table is an immutable routing table built from the active entries
type table struct {
	prefixes   []*entry // KindPath and KindWildcard, longest prefix first
	extensions []*entry
	fallback   *entry
}

// Resolver maps paths to exactly one active handler per pattern. Mutations
// are serialized and run handler lifecycle callbacks; Resolve reads an
// immutable table and never blocks on them.
type Resolver struct {
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot // by canonical pattern
	table atomic.Pointer[table]
}

// NewResolver creates an empty resolver
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		logger: logger.With("component", "resolver"),
		slots:  make(map[string]*slot),
	}
	r.table.Store(&table{})
	return r
}

// Add offers an entry. If it outranks the pattern's active entry and its Init
// succeeds it becomes active and the previous one is destroyed; otherwise it
// is kept shadowed, or failed when Init returned an error. An existing
// (pattern, service id) pair is rejected.
func (r *Resolver) Add(e Entry) error {
	if e.Handler == nil {
		return errors.WrapInvalid(fmt.Errorf("nil handler: %w", errors.ErrInvalidValue),
			"Resolver", "Add", "handler validation")
	}
	pt, err := ParsePattern(e.Pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := pt.Canonical()
	s, ok := r.slots[key]
	if !ok {
		s = &slot{}
		r.slots[key] = s
	}
	for _, existing := range s.entries {
		if existing.ServiceID == e.ServiceID {
			return errors.WrapInvalid(
				fmt.Errorf("pattern %q service %d: %w", e.Pattern, e.ServiceID, errors.ErrDuplicateEntry),
				"Resolver", "Add", "duplicate check")
		}
	}

	ne := &entry{Entry: e, pattern: pt}
	s.entries = append(s.entries, ne)
	sort.SliceStable(s.entries, func(i, j int) bool {
		return ranking.Descending(s.entries[i].key(), s.entries[j].key()) < 0
	})

	if s.active == nil || ranking.Descending(ne.key(), s.active.key()) < 0 {
		if err := r.init(ne); err == nil {
			if s.active != nil {
				r.destroy(s.active)
			}
			s.active = ne
		}
	}
	r.rebuild()
	return nil
}

// Remove withdraws an entry. Removing the active entry promotes the best
// remaining entry that initializes successfully. It reports whether the entry
// existed.
func (r *Resolver) Remove(pattern string, serviceID int64) bool {
	pt, err := ParsePattern(pattern)
	if err != nil {
		return false
	}
	key := pt.Canonical()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[key]
	if !ok {
		return false
	}
	idx := -1
	for i, e := range s.entries {
		if e.ServiceID == serviceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	removed := s.entries[idx]
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)

	if s.active == removed {
		s.active = nil
		r.destroy(removed)
		r.promote(s)
	}
	if len(s.entries) == 0 {
		delete(r.slots, key)
	}
	r.rebuild()
	return true
}

// promote activates the first candidate whose Init succeeds. Entries that
// failed before stay failed.
func (r *Resolver) promote(s *slot) {
	for _, candidate := range s.entries {
		if candidate.failed != nil {
			continue
		}
		if err := r.init(candidate); err == nil {
			s.active = candidate
			return
		}
	}
}

func (r *Resolver) init(e *entry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.WrapCallback(fmt.Errorf("panic: %v: %w", rec, errors.ErrCallbackPanic),
				"Resolver", "init", "handler init")
		}
		if err != nil {
			e.failed = err
			r.logger.Error("Handler init failed",
				"pattern", e.Pattern, "service_id", e.ServiceID, "error", err)
		}
	}()
	if initErr := e.Handler.Init(); initErr != nil {
		return errors.WrapCallback(initErr, "Resolver", "init", "handler init")
	}
	return nil
}

func (r *Resolver) destroy(e *entry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Handler destroy panicked",
				"pattern", e.Pattern, "service_id", e.ServiceID, "panic", fmt.Sprint(rec))
		}
	}()
	e.Handler.Destroy()
}

func (r *Resolver) rebuild() {
	t := &table{}
	for _, s := range r.slots {
		if s.active == nil {
			continue
		}
		switch s.active.pattern.Kind {
		case KindPath, KindWildcard:
			t.prefixes = append(t.prefixes, s.active)
		case KindExtension:
			t.extensions = append(t.extensions, s.active)
		case KindDefault:
			t.fallback = s.active
		}
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		a, b := t.prefixes[i], t.prefixes[j]
		if len(a.pattern.Prefix) != len(b.pattern.Prefix) {
			return len(a.pattern.Prefix) > len(b.pattern.Prefix)
		}
		// Same prefix: the exact path pattern wins over the wildcard
		if a.pattern.Kind != b.pattern.Kind {
			return a.pattern.Kind == KindPath
		}
		return ranking.Descending(a.key(), b.key()) < 0
	})
	sort.Slice(t.extensions, func(i, j int) bool {
		return ranking.Descending(t.extensions[i].key(), t.extensions[j].key()) < 0
	})
	r.table.Store(t)
}

// Resolve finds the handler for p: the longest matching path prefix, then an
// extension match, then the default. A miss is reported with false.
func (r *Resolver) Resolve(p string) (Match, bool) {
	if p == "" {
		p = "/"
	}
	t := r.table.Load()

	for _, e := range t.prefixes {
		if matchPrefix(e.pattern.Prefix, p) {
			return newMatch(e, p), true
		}
	}
	for _, e := range t.extensions {
		if matchExtension(e.pattern.Ext, p) {
			return newMatch(e, p), true
		}
	}
	if t.fallback != nil {
		return newMatch(t.fallback, p), true
	}
	return Match{}, false
}

func newMatch(e *entry, p string) Match {
	matched, rest := e.pattern.split(p)
	return Match{
		Handler:     e.Handler,
		Pattern:     e.Pattern,
		ServiceID:   e.ServiceID,
		MatchedPath: matched,
		PathInfo:    rest,
	}
}

// EntryDTO is the diagnostic view of one entry
type EntryDTO struct {
	Pattern   string `json:"pattern"`
	ServiceID int64  `json:"service_id"`
	Rank      int    `json:"rank"`
	Active    bool   `json:"active"`
	Reason    Reason `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Entries lists every entry, active or not, sorted by canonical pattern then
// rank
func (r *Resolver) Entries() []EntryDTO {
	r.mu.Lock()
	defer r.mu.Unlock()

	patterns := make([]string, 0, len(r.slots))
	for p := range r.slots {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	var out []EntryDTO
	for _, p := range patterns {
		s := r.slots[p]
		for _, e := range s.entries {
			dto := EntryDTO{Pattern: e.Pattern, ServiceID: e.ServiceID, Rank: e.Rank}
			switch {
			case e == s.active:
				dto.Active = true
			case e.failed != nil:
				dto.Reason = ReasonInitFailed
				dto.Error = e.failed.Error()
			default:
				dto.Reason = ReasonShadowed
			}
			out = append(out, dto)
		}
	}
	return out
}

// Close destroys every active handler and empties the resolver
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		if s.active != nil {
			r.destroy(s.active)
		}
	}
	r.slots = make(map[string]*slot)
	r.rebuild()
}
