// Package artifact turns install, update and uninstall notifications for
// opaque artifact locations into dependency graph re-evaluation. Contents
// are never interpreted; a location is only the owner name components and
// services were registered under.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/depkit/depgraph"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/events"
	"github.com/c360/depkit/metric"
	"github.com/c360/depkit/registry"
)

// Kind is the kind of artifact notification
type Kind int

const (
	Installed Kind = iota
	Updated
	Uninstalled
)

func (k Kind) String() string {
	switch k {
	case Installed:
		return "installed"
	case Updated:
		return "updated"
	case Uninstalled:
		return "uninstalled"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind in JSON
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseKind accepts the verb or past tense form, e.g. "install" or "installed"
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "install", "installed":
		return Installed, nil
	case "update", "updated":
		return Updated, nil
	case "uninstall", "uninstalled":
		return Uninstalled, nil
	}
	return 0, errors.WrapInvalid(fmt.Errorf("unknown artifact kind %q: %w", s, errors.ErrInvalidValue),
		"artifact", "ParseKind", "kind validation")
}

// Event reports a processed notification
type Event struct {
	Kind       Kind      `json:"kind"`
	Location   string    `json:"location"`
	Retriggers int       `json:"retriggers,omitempty"`
	Removed    int       `json:"removed,omitempty"`
	At         time.Time `json:"at"`
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics enables dispatch metrics for artifact events
func WithMetrics(m *metric.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker records installed locations and applies notifications to the
// graph and registry
type Tracker struct {
	graph      *depgraph.Graph
	registry   *registry.Registry
	logger     *slog.Logger
	metrics    *metric.Metrics
	dispatcher *events.Dispatcher[Event]

	mu        sync.Mutex
	installed map[string]time.Time
}

// NewTracker creates a tracker
func NewTracker(g *depgraph.Graph, reg *registry.Registry, opts ...Option) *Tracker {
	t := &Tracker{
		graph:     g,
		registry:  reg,
		logger:    slog.Default(),
		installed: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "artifact")
	t.dispatcher = events.NewDispatcher[Event]("artifact",
		events.WithLogger(t.logger), events.WithMetrics(t.metrics))
	return t
}

func validateLocation(method, location string) error {
	if strings.TrimSpace(location) == "" {
		return errors.WrapInvalid(fmt.Errorf("empty location: %w", errors.ErrInvalidValue),
			"Tracker", method, "location validation")
	}
	return nil
}

// Handle applies a notification of the given kind
func (t *Tracker) Handle(ctx context.Context, kind Kind, location string) error {
	switch kind {
	case Installed:
		return t.Install(ctx, location)
	case Updated:
		return t.Update(ctx, location)
	case Uninstalled:
		return t.Uninstall(ctx, location)
	}
	return errors.WrapInvalid(fmt.Errorf("kind %d: %w", int(kind), errors.ErrInvalidValue),
		"Tracker", "Handle", "kind validation")
}

// Install records location and re-evaluates failed components
func (t *Tracker) Install(_ context.Context, location string) error {
	if err := validateLocation("Install", location); err != nil {
		return err
	}
	t.mu.Lock()
	t.installed[location] = time.Now()
	t.mu.Unlock()

	n := t.graph.Retrigger("")
	t.logger.Info("Artifact installed", "location", location, "retriggered", n)
	t.dispatcher.Publish(Event{Kind: Installed, Location: location, Retriggers: n, At: time.Now()})
	return nil
}

// Update re-evaluates failed components. An update of an unknown location
// installs it.
func (t *Tracker) Update(_ context.Context, location string) error {
	if err := validateLocation("Update", location); err != nil {
		return err
	}
	t.mu.Lock()
	t.installed[location] = time.Now()
	t.mu.Unlock()

	// Any failed component may have been waiting on what the artifact brings
	n := t.graph.Retrigger("")
	t.logger.Info("Artifact updated", "location", location, "retriggered", n)
	t.dispatcher.Publish(Event{Kind: Updated, Location: location, Retriggers: n, At: time.Now()})
	return nil
}

// Uninstall removes the components and services owned by location. An
// unknown location is a state error.
func (t *Tracker) Uninstall(ctx context.Context, location string) error {
	if err := validateLocation("Uninstall", location); err != nil {
		return err
	}
	t.mu.Lock()
	if _, ok := t.installed[location]; !ok {
		t.mu.Unlock()
		return errors.WrapState(fmt.Errorf("location %q: %w", location, errors.ErrNotFound),
			"Tracker", "Uninstall", "location lookup")
	}
	delete(t.installed, location)
	t.mu.Unlock()

	components, err := t.graph.RemoveOwner(ctx, location)
	if err != nil {
		return errors.Wrap(err, "Tracker", "Uninstall", "remove components")
	}
	services, err := t.registry.UnregisterOwner(ctx, location)
	if err != nil {
		return errors.Wrap(err, "Tracker", "Uninstall", "unregister services")
	}

	t.logger.Info("Artifact uninstalled", "location", location,
		"components", components, "services", services)
	t.dispatcher.Publish(Event{Kind: Uninstalled, Location: location, Removed: components + services, At: time.Now()})
	return nil
}

// Installed returns the installed locations in order
func (t *Tracker) Installed() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.installed))
	for loc := range t.installed {
		out = append(out, loc)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Subscribe delivers every processed notification to handler
func (t *Tracker) Subscribe(name string, handler events.Handler[Event]) (*events.Subscription[Event], error) {
	return t.dispatcher.Subscribe(name, handler, nil)
}

// Close stops event delivery
func (t *Tracker) Close(timeout time.Duration) error {
	return t.dispatcher.Close(timeout)
}
