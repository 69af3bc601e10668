// Package depgraph is the dependency graph: components declare the services
// they depend on and the graph drives each one through its lifecycle as
// providers come and go.
//
// Every component runs on its own serial executor. Registry trackers and
// configuration callbacks only queue work there, so one component's
// callbacks never overlap while independent components progress in
// parallel. Registry changes therefore reach a component shortly after the
// registry call that caused them returns; WaitForState observes the result.
package depgraph

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/depkit/configadmin"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/events"
	"github.com/c360/depkit/metric"
	"github.com/c360/depkit/pkg/worker"
	"github.com/c360/depkit/registry"
)

const defaultShutdownTimeout = 10 * time.Second

// StateChange is published on every component transition, and when a
// callback failure leaves the state unchanged
type StateChange struct {
	Component string    `json:"component"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Option configures a Graph
type Option func(*Graph)

// WithLogger sets the graph logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records transitions, callback failures and activation times
func WithMetrics(m *metric.Metrics) Option {
	return func(g *Graph) { g.metrics = m }
}

// WithConfigAdmin enables Definition.ConfigPID
func WithConfigAdmin(admin *configadmin.Admin) Option {
	return func(g *Graph) { g.admin = admin }
}

// Graph holds the components bound against one registry
type Graph struct {
	registry   *registry.Registry
	admin      *configadmin.Admin
	logger     *slog.Logger
	metrics    *metric.Metrics
	dispatcher *events.Dispatcher[StateChange]

	mu         sync.RWMutex
	components map[string]*component
	closed     bool
}

// New creates an empty graph
func New(reg *registry.Registry, opts ...Option) *Graph {
	g := &Graph{
		registry:   reg,
		logger:     slog.Default(),
		components: make(map[string]*component),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "depgraph")
	g.dispatcher = events.NewDispatcher[StateChange]("depgraph",
		events.WithLogger(g.logger), events.WithMetrics(g.metrics))
	return g
}

// Add validates def and adds it in WAITING_FOR_REQUIRED. Invalid
// definitions and filters are rejected here; everything after happens on
// the component's executor.
func (g *Graph) Add(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	if def.ConfigPID != "" && g.admin == nil {
		return invalid("Add", "component %q has a config pid but the graph has no config admin", def.Name)
	}
	return g.add(def, "")
}

func (g *Graph) add(def Definition, parent string) error {
	c := newComponent(g, def, parent)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.WrapState(errors.ErrShuttingDown, "Graph", "Add", "closed check")
	}
	if _, dup := g.components[def.Name]; dup {
		g.mu.Unlock()
		return errors.WrapInvalid(errors.ErrDuplicateEntry, "Graph", "Add", "name check")
	}
	g.components[def.Name] = c
	g.mu.Unlock()

	// Trackers are opened from the executor's first task so that no tracker
	// event can overtake the initial transition
	var openErr error
	err := c.exec.SubmitWait(context.Background(), func(ctx context.Context) {
		c.transition(StateWaitingForRequired)
		if openErr = c.open(); openErr != nil {
			c.transition(StateInactive)
			c.removed = true
			return
		}
		c.evaluate(ctx)
		c.publishView()
	})
	if err == nil {
		err = openErr
	}
	if err != nil {
		g.detach(def.Name, c)
		return err
	}
	g.logger.Debug("Component added", "name", def.Name, "parent", parent)
	return nil
}

func (g *Graph) detach(name string, c *component) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.components[name]; !ok || current != c {
		return false
	}
	delete(g.components, name)
	return true
}

func (g *Graph) lookup(name string) (*component, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.components[name]
	return c, ok
}

// RemoveAsync starts removing the component and returns the future of its
// teardown
func (g *Graph) RemoveAsync(name string) *worker.Future {
	c, ok := g.lookup(name)
	if !ok || !g.detach(name, c) {
		return worker.Completed(errors.WrapState(errors.ErrNotFound, "Graph", "Remove", "component lookup"))
	}
	return c.remove()
}

// Remove removes the component, running Stop and Destroy if needed, and
// waits for the teardown. Called from one of the component's own callbacks
// it returns at once and the teardown follows the callback.
func (g *Graph) Remove(ctx context.Context, name string) error {
	c, ok := g.lookup(name)
	if !ok {
		return errors.WrapState(errors.ErrNotFound, "Graph", "Remove", "component lookup")
	}
	f := g.RemoveAsync(name)
	if c.exec.Within(ctx) {
		return nil
	}
	return f.Wait(ctx)
}

// RemoveOwner removes every top-level component owned by owner
func (g *Graph) RemoveOwner(ctx context.Context, owner string) (int, error) {
	var names []string
	g.mu.RLock()
	for name, c := range g.components {
		if c.def.Owner == owner && c.parent == "" {
			names = append(names, name)
		}
	}
	g.mu.RUnlock()
	sort.Strings(names)

	removed := 0
	for _, name := range names {
		if err := g.Remove(ctx, name); err != nil {
			if errors.IsState(err) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Shutdown refuses further Adds and removes every component in parallel
func (g *Graph) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	var names []string
	for name, c := range g.components {
		if c.parent == "" {
			names = append(names, name)
		}
	}
	g.mu.Unlock()

	eg, ectx := errgroup.WithContext(ctx)
	for _, name := range names {
		eg.Go(func() error {
			if err := g.RemoveAsync(name).Wait(ectx); err != nil && !errors.IsState(err) {
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "Graph", "Shutdown", "remove components")
	}

	timeout := defaultShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return g.dispatcher.Close(timeout)
}

// Retrigger re-evaluates the components left waiting by a callback failure.
// An empty owner selects every component. It returns how many were failed.
func (g *Graph) Retrigger(owner string) int {
	g.mu.RLock()
	var comps []*component
	for _, c := range g.components {
		if owner == "" || c.def.Owner == owner {
			comps = append(comps, c)
		}
	}
	g.mu.RUnlock()

	n := 0
	for _, c := range comps {
		if !c.failed.Load() {
			continue
		}
		n++
		c.submit(func(ctx context.Context) {
			c.failed.Store(false)
			c.evaluate(ctx)
		})
	}
	return n
}

// State returns the current state of a component
func (g *Graph) State(name string) (State, bool) {
	c, ok := g.lookup(name)
	if !ok {
		return StateInactive, false
	}
	return State(c.current.Load()), true
}

// WaitForState blocks until the component reaches want or ctx is done.
// StateInactive is reached when the component is unknown.
func (g *Graph) WaitForState(ctx context.Context, name string, want State) error {
	reached := make(chan struct{}, 1)
	sub, err := g.Subscribe("wait:"+name, func(_ context.Context, ev StateChange) {
		select {
		case reached <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		if state, _ := g.State(name); state == want {
			return nil
		}
		select {
		case <-reached:
		case <-ctx.Done():
			state, _ := g.State(name)
			return errors.WrapTransient(ctx.Err(), "Graph", "WaitForState",
				"wait for "+want.String()+" (at "+state.String()+")")
		}
	}
}

// Subscribe delivers every StateChange to handler
func (g *Graph) Subscribe(name string, handler events.Handler[StateChange]) (*events.Subscription[StateChange], error) {
	return g.dispatcher.Subscribe(name, handler, nil)
}

// Len returns the number of components, children included
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.components)
}
