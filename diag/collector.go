package diag

import (
	"time"

	"github.com/c360/depkit/configadmin"
	"github.com/c360/depkit/depgraph"
	"github.com/c360/depkit/health"
	"github.com/c360/depkit/registry"
	"github.com/c360/depkit/routing"
)

// Snapshot is the combined diagnostic document. The sections are taken one
// after another, not at one instant: each is consistent in itself and carries
// its own taken_at where it has one. TakenAt is when the last section was
// done, so a change between two sections can show in one and not the other.
type Snapshot struct {
	TakenAt        time.Time                `json:"taken_at"`
	Services       registry.Snapshot        `json:"services"`
	Components     depgraph.Snapshot        `json:"components"`
	Routes         *routing.RoutingSnapshot `json:"routes,omitempty"`
	Configurations []configadmin.ConfigDTO  `json:"configurations,omitempty"`
	Health         health.Status            `json:"health"`
}

// Collector gathers snapshots. Only the registry is required.
type Collector struct {
	registry *registry.Registry
	graph    *depgraph.Graph
	contexts *routing.ContextRegistry
	admin    *configadmin.Admin
	name     string
}

// CollectorOption configures a Collector
type CollectorOption func(*Collector)

// WithGraph adds component snapshots
func WithGraph(g *depgraph.Graph) CollectorOption {
	return func(c *Collector) { c.graph = g }
}

// WithRouting adds routing snapshots
func WithRouting(contexts *routing.ContextRegistry) CollectorOption {
	return func(c *Collector) { c.contexts = contexts }
}

// WithConfigAdmin adds stored configurations
func WithConfigAdmin(admin *configadmin.Admin) CollectorOption {
	return func(c *Collector) { c.admin = admin }
}

// WithSystemName names the health aggregate
func WithSystemName(name string) CollectorOption {
	return func(c *Collector) {
		if name != "" {
			c.name = name
		}
	}
}

// NewCollector creates a collector over reg
func NewCollector(reg *registry.Registry, opts ...CollectorOption) *Collector {
	c := &Collector{registry: reg, name: "depkit"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Services returns the registry snapshot
func (c *Collector) Services() registry.Snapshot {
	return c.registry.Snapshot()
}

// Components returns the graph snapshot, empty without a graph
func (c *Collector) Components() depgraph.Snapshot {
	if c.graph == nil {
		return depgraph.Snapshot{TakenAt: time.Now(), Components: []depgraph.ComponentDTO{}}
	}
	return c.graph.Snapshot()
}

// Component returns one component
func (c *Collector) Component(name string) (depgraph.ComponentDTO, bool) {
	if c.graph == nil {
		return depgraph.ComponentDTO{}, false
	}
	return c.graph.Component(name)
}

// Routes returns the routing snapshot, or nil without routing
func (c *Collector) Routes() *routing.RoutingSnapshot {
	if c.contexts == nil {
		return nil
	}
	snap := c.contexts.Snapshot()
	return &snap
}

// Configurations lists stored configurations, or nil without an admin
func (c *Collector) Configurations() []configadmin.ConfigDTO {
	if c.admin == nil {
		return nil
	}
	return c.admin.List()
}

// Health aggregates the health of every component
func (c *Collector) Health() health.Status {
	return c.health(c.Components())
}

func (c *Collector) health(snap depgraph.Snapshot) health.Status {
	subs := make([]health.Status, 0, len(snap.Components))
	for _, comp := range snap.Components {
		subs = append(subs, health.FromComponent(comp))
	}
	return health.Aggregate(c.name, subs)
}

// Snapshot takes every part in turn
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Services:       c.Services(),
		Components:     c.Components(),
		Routes:         c.Routes(),
		Configurations: c.Configurations(),
	}
	snap.Health = c.health(snap.Components)
	snap.TakenAt = time.Now()
	return snap
}
