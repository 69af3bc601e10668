package routing

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/metric"
)

// DefaultContext is the name of the context that exists from the start
const DefaultContext = "default"

// ContextInfo identifies an isolation context mounted at Path
type ContextInfo struct {
	Name      string
	Path      string
	Rank      int
	ServiceID int64
}

// CompareContexts orders contexts for resolution: longer mount path first,
// then higher rank, then service id. Ids are ascending, except that two
// non-positive ids compare in reverse so that 0 precedes -1.
func CompareContexts(a, b ContextInfo) int {
	if a.ServiceID == b.ServiceID {
		return 0
	}
	if len(a.Path) != len(b.Path) {
		if len(a.Path) > len(b.Path) {
			return -1
		}
		return 1
	}
	if a.Rank != b.Rank {
		if a.Rank > b.Rank {
			return -1
		}
		return 1
	}
	order := 1
	if a.ServiceID <= 0 && b.ServiceID <= 0 {
		order = -1
	}
	if a.ServiceID < b.ServiceID {
		return -order
	}
	return order
}

// byRank orders contexts that share a name: higher rank, then lower id
func byRank(a, b ContextInfo) bool {
	if a.Rank != b.Rank {
		return a.Rank > b.Rank
	}
	return a.ServiceID < b.ServiceID
}

type runtimeContext struct {
	info     ContextInfo
	resolver *Resolver
}

// ContextRegistry keeps one Resolver per active context. Several contexts may
// share a name; the best ranked is active and the others are shadowed. Entries
// name their context and wait, reported as NO_SERVLET_CONTEXT_MATCHING, while
// no context of that name exists.
type ContextRegistry struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.Mutex
	contexts map[int64]ContextInfo
	active   map[string]*runtimeContext
	// entries holds every entry offered, by context name
	entries map[string][]Entry

	ordered atomic.Pointer[[]*runtimeContext]
}

// ContextOption configures a ContextRegistry
type ContextOption func(*ContextRegistry)

// WithContextLogger sets the logger
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(c *ContextRegistry) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithContextMetrics records resolution hits and misses
func WithContextMetrics(m *metric.Metrics) ContextOption {
	return func(c *ContextRegistry) { c.metrics = m }
}

// NewContextRegistry creates a registry holding only the default context,
// mounted at "/" with the lowest possible rank and service id 0.
func NewContextRegistry(opts ...ContextOption) *ContextRegistry {
	c := &ContextRegistry{
		logger:   slog.Default(),
		contexts: make(map[int64]ContextInfo),
		active:   make(map[string]*runtimeContext),
		entries:  make(map[string][]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "routing")

	empty := []*runtimeContext{}
	c.ordered.Store(&empty)

	c.mu.Lock()
	c.contexts[0] = ContextInfo{Name: DefaultContext, Path: "/", Rank: math.MinInt32, ServiceID: 0}
	c.refresh(DefaultContext)
	c.mu.Unlock()
	return c
}

func normalizeMount(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

// AddContext registers a context. Service ids must be unique.
func (c *ContextRegistry) AddContext(info ContextInfo) error {
	if info.Name == "" {
		return errors.WrapInvalid(fmt.Errorf("empty context name: %w", errors.ErrInvalidValue),
			"ContextRegistry", "AddContext", "name validation")
	}
	if info.Path == "" {
		info.Path = "/"
	}
	if !strings.HasPrefix(info.Path, "/") {
		return errors.WrapInvalid(fmt.Errorf("context path %q: %w", info.Path, errors.ErrInvalidValue),
			"ContextRegistry", "AddContext", "path validation")
	}
	info.Path = normalizeMount(info.Path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.contexts[info.ServiceID]; exists {
		return errors.WrapInvalid(fmt.Errorf("context service %d: %w", info.ServiceID, errors.ErrDuplicateEntry),
			"ContextRegistry", "AddContext", "duplicate check")
	}
	c.contexts[info.ServiceID] = info
	c.refresh(info.Name)
	return nil
}

// RemoveContext withdraws a context. A shadowed context of the same name
// takes over its entries.
func (c *ContextRegistry) RemoveContext(serviceID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.contexts[serviceID]
	if !ok {
		return false
	}
	delete(c.contexts, serviceID)
	c.refresh(info.Name)
	return true
}

// refresh recomputes which context serves name. Switching contexts destroys
// the old resolver's handlers and initializes them again under the new one.
func (c *ContextRegistry) refresh(name string) {
	var best *ContextInfo
	for _, info := range c.contexts {
		if info.Name != name {
			continue
		}
		if best == nil || byRank(info, *best) {
			candidate := info
			best = &candidate
		}
	}

	current := c.active[name]
	if current != nil && best != nil && current.info == *best {
		return
	}
	if current != nil {
		current.resolver.Close()
		delete(c.active, name)
	}
	if best != nil {
		rc := &runtimeContext{info: *best, resolver: NewResolver(c.logger)}
		for _, e := range c.entries[name] {
			if err := rc.resolver.Add(e); err != nil {
				c.logger.Warn("Entry rejected by context",
					"context", name, "pattern", e.Pattern, "service_id", e.ServiceID, "error", err)
			}
		}
		c.active[name] = rc
	}
	c.reorder()
}

func (c *ContextRegistry) reorder() {
	ordered := make([]*runtimeContext, 0, len(c.active))
	for _, rc := range c.active {
		ordered = append(ordered, rc)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return CompareContexts(ordered[i].info, ordered[j].info) < 0
	})
	c.ordered.Store(&ordered)
}

// AddEntry offers e to the context called contextName ("" means default)
func (c *ContextRegistry) AddEntry(contextName string, e Entry) error {
	if contextName == "" {
		contextName = DefaultContext
	}
	pt, err := ParsePattern(e.Pattern)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.entries[contextName] {
		if existing.ServiceID == e.ServiceID && sameRoute(existing.Pattern, pt) {
			return errors.WrapInvalid(
				fmt.Errorf("pattern %q service %d: %w", e.Pattern, e.ServiceID, errors.ErrDuplicateEntry),
				"ContextRegistry", "AddEntry", "duplicate check")
		}
	}
	if rc := c.active[contextName]; rc != nil {
		if err := rc.resolver.Add(e); err != nil {
			return err
		}
	}
	c.entries[contextName] = append(c.entries[contextName], e)
	return nil
}

// RemoveEntry withdraws an entry. It reports whether the entry existed.
func (c *ContextRegistry) RemoveEntry(contextName, pattern string, serviceID int64) bool {
	if contextName == "" {
		contextName = DefaultContext
	}
	pt, err := ParsePattern(pattern)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.entries[contextName]
	for i, e := range list {
		if e.ServiceID == serviceID && sameRoute(e.Pattern, pt) {
			c.entries[contextName] = append(list[:i], list[i+1:]...)
			if len(c.entries[contextName]) == 0 {
				delete(c.entries, contextName)
			}
			if rc := c.active[contextName]; rc != nil {
				rc.resolver.Remove(pattern, serviceID)
			}
			return true
		}
	}
	return false
}

// Resolve routes p through the contexts in CompareContexts order. The first
// context whose mount path covers p and that resolves the remainder wins.
func (c *ContextRegistry) Resolve(p string) (Match, bool) {
	if p == "" {
		p = "/"
	}
	for _, rc := range *c.ordered.Load() {
		mount := rc.info.Path
		rel := p
		if mount != "/" {
			if !matchPrefix(mount, p) {
				continue
			}
			rel = p[len(mount):]
		}
		if m, ok := rc.resolver.Resolve(rel); ok {
			m.Context = rc.info.Name
			if mount != "/" {
				m.MatchedPath = mount + m.MatchedPath
			}
			c.metrics.RecordResolution(true)
			return m, true
		}
	}
	c.metrics.RecordResolution(false)
	return Match{}, false
}

// ContextDTO is the diagnostic view of a context
type ContextDTO struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Rank      int        `json:"rank"`
	ServiceID int64      `json:"service_id"`
	Active    bool       `json:"active"`
	Reason    Reason     `json:"reason,omitempty"`
	Entries   []EntryDTO `json:"entries,omitempty"`
}

// RoutingSnapshot lists contexts in resolution order followed by shadowed
// contexts, plus entries waiting for a missing context
type RoutingSnapshot struct {
	TakenAt  time.Time    `json:"taken_at"`
	Contexts []ContextDTO `json:"contexts"`
	Orphans  []EntryDTO   `json:"orphans,omitempty"`
}

// Snapshot describes the routing state without changing it
func (c *ContextRegistry) Snapshot() RoutingSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := RoutingSnapshot{TakenAt: time.Now()}
	for _, rc := range *c.ordered.Load() {
		info := rc.info
		snap.Contexts = append(snap.Contexts, ContextDTO{
			Name: info.Name, Path: info.Path, Rank: info.Rank, ServiceID: info.ServiceID,
			Active: true, Entries: rc.resolver.Entries(),
		})
	}

	var shadowed []ContextInfo
	for _, info := range c.contexts {
		if rc := c.active[info.Name]; rc == nil || rc.info != info {
			shadowed = append(shadowed, info)
		}
	}
	sort.Slice(shadowed, func(i, j int) bool { return CompareContexts(shadowed[i], shadowed[j]) < 0 })
	for _, info := range shadowed {
		snap.Contexts = append(snap.Contexts, ContextDTO{
			Name: info.Name, Path: info.Path, Rank: info.Rank, ServiceID: info.ServiceID,
			Reason: ReasonShadowed,
		})
	}

	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		if c.active[name] == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		for _, e := range c.entries[name] {
			snap.Orphans = append(snap.Orphans, EntryDTO{
				Pattern: e.Pattern, ServiceID: e.ServiceID, Rank: e.Rank, Reason: ReasonNoContext,
			})
		}
	}
	return snap
}

// Close destroys all active handlers
func (c *ContextRegistry) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, rc := range c.active {
		rc.resolver.Close()
		delete(c.active, name)
	}
	c.reorder()
}
