package depgraph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

const sourceIface = "org.example.Source"

type wrapped struct {
	lifecycle
	target any
}

func TestGraph_AdapterCreatesOneChildPerProvider(t *testing.T) {
	g, reg := newGraph(t)
	def := Definition{
		Name:  "wrapper",
		Owner: "bundle-a",
		Dependencies: []DependencySpec{
			{Name: "source", Interface: sourceIface, Policy: PolicyAdapter{}},
		},
		Factory: func(ctx *Context) (any, error) {
			return &wrapped{target: ctx.Bindings().Instance("source")}, nil
		},
		Provides: []Service{{Interfaces: []string{"org.example.Wrapped"}}},
	}
	require.NoError(t, g.Add(def))
	state, _ := g.State("wrapper")
	assert.Equal(t, StateWaitingForRequired, state)

	a := provide(t, reg, sourceIface, 0, "source-a")
	b := provide(t, reg, sourceIface, 0, "source-b")
	childA := childName("wrapper", a.ID())
	childB := childName("wrapper", b.ID())

	require.Eventually(t, func() bool {
		sa, okA := g.State(childA)
		sb, okB := g.State(childB)
		return okA && okB && sa == StateTrackingOptional && sb == StateTrackingOptional
	}, 3*time.Second, 10*time.Millisecond)
	waitFor(t, g, "wrapper", StateTrackingOptional)

	recs, err := reg.Lookup("org.example.Wrapped", "")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	targets := []any{recs[0].Instance().(*wrapped).target, recs[1].Instance().(*wrapped).target}
	assert.ElementsMatch(t, []any{"source-a", "source-b"}, targets)

	view, _ := g.Component(childA)
	assert.Equal(t, "wrapper", view.Parent)
	parent, _ := g.Component("wrapper")
	assert.ElementsMatch(t, []string{childA, childB}, parent.Children)

	require.NoError(t, a.Unregister(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := g.State(childA)
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
	state, _ = g.State("wrapper")
	assert.Equal(t, StateTrackingOptional, state)

	require.NoError(t, b.Unregister(context.Background()))
	waitFor(t, g, "wrapper", StateWaitingForRequired)
	require.Eventually(t, func() bool { return g.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestGraph_AdapterChildrenKeepOtherDependencies(t *testing.T) {
	g, reg := newGraph(t)
	def := Definition{
		Name: "wrapper",
		Dependencies: []DependencySpec{
			{Name: "source", Interface: sourceIface, Policy: PolicyAdapter{}},
			requires("log", logIface),
		},
		Factory: func(*Context) (any, error) { return &lifecycle{}, nil },
	}
	require.NoError(t, g.Add(def))
	src := provide(t, reg, sourceIface, 0, "source-a")
	child := childName("wrapper", src.ID())

	waitFor(t, g, child, StateWaitingForRequired)
	provide(t, reg, logIface, 0, "stdout")
	waitFor(t, g, child, StateTrackingOptional)
}

func TestGraph_RemovingAdapterRemovesChildren(t *testing.T) {
	g, reg := newGraph(t)
	p := &lifecycle{}
	def := Definition{
		Name:         "wrapper",
		Dependencies: []DependencySpec{{Name: "source", Interface: sourceIface, Policy: PolicyAdapter{}}},
		Factory:      func(*Context) (any, error) { return p, nil },
	}
	require.NoError(t, g.Add(def))
	src := provide(t, reg, sourceIface, 0, "source-a")
	waitFor(t, g, childName("wrapper", src.ID()), StateTrackingOptional)

	require.NoError(t, g.Remove(context.Background(), "wrapper"))
	assert.Zero(t, g.Len())
	assert.Equal(t, 1, p.count("stop"))
	assert.Equal(t, 1, p.count("destroy"))
}

type prefixer interface{ Prefix() string }

type plainLogger struct{}

func (plainLogger) Prefix() string { return "" }

type timestamped struct{ next prefixer }

func (t timestamped) Prefix() string { return "[ts]" + t.next.Prefix() }

func TestGraph_AspectSitsInFrontOfTheOriginal(t *testing.T) {
	g, reg := newGraph(t)
	def := Definition{
		Name: "timestamps",
		Dependencies: []DependencySpec{
			{Name: "next", Interface: logIface, Policy: PolicyAspect{Rank: 10}},
		},
		Factory: func(ctx *Context) (any, error) {
			next, ok := ctx.Bindings().Instance("next").(prefixer)
			if !ok {
				return nil, fmt.Errorf("no logger bound")
			}
			return timestamped{next: next}, nil
		},
	}
	require.NoError(t, g.Add(def))

	original, err := reg.Register(context.Background(), registry.Static{
		Interfaces: []string{logIface},
		Instance:   plainLogger{},
		Properties: properties.MustFromMap(map[string]any{"target": "stdout"}),
	})
	require.NoError(t, err)
	waitFor(t, g, childName("timestamps", original.ID()), StateTrackingOptional)

	best, err := reg.Best(logIface, "")
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.NotEqual(t, original.ID(), best.ID())
	assert.Equal(t, 10, best.Rank())
	of, _ := properties.Int(best.Properties(), PropAspectOf)
	assert.Equal(t, original.ID(), of)
	target, _ := properties.String(best.Properties(), "target")
	assert.Equal(t, "stdout", target, "the aspect carries the original properties")
	assert.Equal(t, "[ts]", best.Instance().(prefixer).Prefix())

	// The aspect's own registration does not get an aspect of its own
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, g.Len())

	// A consumer of the interface binds the aspect
	p := &lifecycle{}
	require.NoError(t, g.Add(definition("consumer", p, requires("log", logIface))))
	waitFor(t, g, "consumer", StateTrackingOptional)
	bound, _ := p.startedWith().One("log")
	assert.Equal(t, best.ID(), bound.ServiceID)
}

func TestGraph_PointerAspectPolicy(t *testing.T) {
	g, reg := newGraph(t)
	def := Definition{
		Name:         "aspect",
		Dependencies: []DependencySpec{{Name: "next", Interface: logIface, Policy: &PolicyAspect{Rank: 5}}},
		Factory:      func(*Context) (any, error) { return plainLogger{}, nil },
	}
	require.NoError(t, g.Add(def))
	original := provide(t, reg, logIface, 0, "stdout")
	waitFor(t, g, childName("aspect", original.ID()), StateTrackingOptional)

	recs, err := reg.Lookup(logIface, fmt.Sprintf("(aspect.of=%d)", original.ID()))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 5, recs[0].Rank())
}
