package diag

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/configadmin"
	"github.com/c360/depkit/depgraph"
	"github.com/c360/depkit/health"
	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
	"github.com/c360/depkit/routing"
)

type fixture struct {
	reg      *registry.Registry
	graph    *depgraph.Graph
	contexts *routing.ContextRegistry
	admin    *configadmin.Admin
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.New()
	require.NoError(t, err)
	admin := configadmin.New()
	g := depgraph.New(reg, depgraph.WithConfigAdmin(admin))
	contexts := routing.NewContextRegistry()
	t.Cleanup(func() {
		_ = g.Shutdown(context.Background())
		_ = admin.Close(time.Second)
		contexts.Close()
		_ = reg.Close(context.Background())
	})
	return &fixture{reg: reg, graph: g, contexts: contexts, admin: admin}
}

func (f *fixture) collector() *Collector {
	return NewCollector(f.reg,
		WithGraph(f.graph),
		WithRouting(f.contexts),
		WithConfigAdmin(f.admin),
		WithSystemName("test"))
}

func (f *fixture) register(t *testing.T, iface string, props map[string]any) *registry.Registration {
	t.Helper()
	r, err := f.reg.Register(context.Background(), registry.Static{
		Interfaces: []string{iface},
		Instance:   iface,
		Properties: properties.MustFromMap(props),
		Owner:      "bundle-a",
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) addConsumer(t *testing.T, name, iface string) {
	t.Helper()
	require.NoError(t, f.graph.Add(depgraph.Definition{
		Name:  name,
		Owner: "bundle-a",
		Dependencies: []depgraph.DependencySpec{
			{Name: "dep", Interface: iface, Cardinality: depgraph.RequiredSingle},
		},
		Factory: func(*depgraph.Context) (any, error) { return struct{}{}, nil },
	}))
}

type componentRow struct {
	Name  string
	State depgraph.State
}

func rows(snap depgraph.Snapshot) []componentRow {
	out := make([]componentRow, 0, len(snap.Components))
	for _, c := range snap.Components {
		out = append(out, componentRow{Name: c.Name, State: c.State})
	}
	return out
}

func TestCollector_Snapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "org.example.Log", map[string]any{"target": "stdout"})
	f.addConsumer(t, "consumer", "org.example.Log")
	f.addConsumer(t, "waiting", "org.example.Missing")
	require.NoError(t, f.graph.WaitForState(ctx, "consumer", depgraph.StateTrackingOptional))
	require.NoError(t, f.admin.UpdateMap(ctx, "org.example.cfg", map[string]any{"port": 8080}))
	require.NoError(t, f.contexts.AddContext(routing.ContextInfo{Name: "api", Path: "/api", ServiceID: 100}))

	snap := f.collector().Snapshot()
	assert.False(t, snap.TakenAt.IsZero())
	require.NotNil(t, snap.Routes)
	sections := []time.Time{snap.Services.TakenAt, snap.Components.TakenAt, snap.Routes.TakenAt}
	for i, at := range sections {
		assert.False(t, at.IsZero())
		assert.False(t, at.After(snap.TakenAt), "sections are taken before the document is done")
		if i > 0 {
			assert.False(t, at.Before(sections[i-1]), "sections are taken in order")
		}
	}

	require.Len(t, snap.Services.Services, 1)
	assert.Equal(t, []string{"org.example.Log"}, snap.Services.Services[0].Interfaces)
	assert.Equal(t, "stdout", snap.Services.Services[0].Properties["target"])

	want := []componentRow{
		{Name: "consumer", State: depgraph.StateTrackingOptional},
		{Name: "waiting", State: depgraph.StateWaitingForRequired},
	}
	if diff := cmp.Diff(want, rows(snap.Components)); diff != "" {
		t.Errorf("components mismatch (-want +got):\n%s", diff)
	}

	require.NotNil(t, snap.Routes)
	var names []string
	for _, c := range snap.Routes.Contexts {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "api")
	assert.Contains(t, names, routing.DefaultContext)

	require.Len(t, snap.Configurations, 1)
	assert.Equal(t, "org.example.cfg", snap.Configurations[0].PID)

	assert.Equal(t, "test", snap.Health.Component)
	assert.Equal(t, health.LevelUnhealthy, snap.Health.Status, "a waiting component makes the aggregate unhealthy")
	require.Len(t, snap.Health.SubStatuses, 2)
	assert.True(t, snap.Health.SubStatuses[0].IsHealthy())
}

func TestCollector_RegistryOnly(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	defer func() { _ = reg.Close(context.Background()) }()

	c := NewCollector(reg)
	snap := c.Snapshot()
	assert.Empty(t, snap.Services.Services)
	assert.Empty(t, snap.Components.Components)
	assert.Nil(t, snap.Routes)
	assert.Nil(t, snap.Configurations)
	assert.True(t, snap.Health.IsHealthy())

	_, ok := c.Component("anything")
	assert.False(t, ok)
}
