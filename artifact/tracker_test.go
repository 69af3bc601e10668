package artifact

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/depgraph"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

const location = "file:///opt/bundles/store-1.2.jar"

type flaky struct {
	mu    sync.Mutex
	fails int
}

func (f *flaky) Start(*depgraph.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return fmt.Errorf("class not found")
	}
	return nil
}

func setup(t *testing.T) (*Tracker, *depgraph.Graph, *registry.Registry) {
	t.Helper()
	reg, err := registry.New()
	require.NoError(t, err)
	g := depgraph.New(reg)
	tr := NewTracker(g, reg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = tr.Close(time.Second)
		_ = g.Shutdown(ctx)
		_ = reg.Close(ctx)
	})
	return tr, g, reg
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"install": Installed, "UPDATED": Updated, " uninstall ": Uninstalled} {
		got, err := ParseKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseKind("explode")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, "uninstalled", Uninstalled.String())
}

func TestTracker_InstallRetriggersFailedComponents(t *testing.T) {
	tr, g, _ := setup(t)
	ctx := context.Background()

	f := &flaky{fails: 1}
	require.NoError(t, g.Add(depgraph.Definition{
		Name:    "store",
		Owner:   location,
		Factory: func(*depgraph.Context) (any, error) { return f, nil },
	}))
	require.Eventually(t, func() bool {
		view, _ := g.Component("store")
		return view.Failed
	}, 3*time.Second, 10*time.Millisecond)

	var mu sync.Mutex
	var seen []Event
	sub, err := tr.Subscribe("test", func(_ context.Context, ev Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Install(ctx, location))
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, g.WaitForState(wctx, "store", depgraph.StateTrackingOptional))
	assert.Equal(t, []string{location}, tr.Installed())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, Installed, seen[0].Kind)
	assert.Equal(t, 1, seen[0].Retriggers)
	mu.Unlock()
}

func TestTracker_UpdateInstallsUnknownLocation(t *testing.T) {
	tr, _, _ := setup(t)
	require.NoError(t, tr.Update(context.Background(), location))
	assert.Equal(t, []string{location}, tr.Installed())
}

func TestTracker_UninstallRemovesOwnedComponentsAndServices(t *testing.T) {
	tr, g, reg := setup(t)
	ctx := context.Background()
	require.NoError(t, tr.Install(ctx, location))

	require.NoError(t, g.Add(depgraph.Definition{
		Name:     "store",
		Owner:    location,
		Factory:  func(*depgraph.Context) (any, error) { return struct{}{}, nil },
		Provides: []depgraph.Service{{Interfaces: []string{"org.example.Store"}}},
	}))
	_, err := reg.Register(ctx, registry.Static{
		Interfaces: []string{"org.example.Codec"},
		Instance:   "json",
		Properties: properties.New(),
		Owner:      location,
	})
	require.NoError(t, err)
	keep, err := reg.Register(ctx, registry.Static{
		Interfaces: []string{"org.example.Codec"},
		Instance:   "xml",
		Properties: properties.New(),
		Owner:      "elsewhere",
	})
	require.NoError(t, err)

	require.NoError(t, tr.Uninstall(ctx, location))
	_, ok := g.State("store")
	assert.False(t, ok)
	recs, err := reg.Lookup("org.example.Store", "")
	require.NoError(t, err)
	assert.Empty(t, recs)
	recs, err = reg.Lookup("org.example.Codec", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, keep.ID(), recs[0].ID())
	assert.Empty(t, tr.Installed())

	err = tr.Uninstall(ctx, location)
	require.Error(t, err)
	assert.True(t, errors.IsState(err))
}

func TestTracker_HandleAndValidation(t *testing.T) {
	tr, _, _ := setup(t)
	ctx := context.Background()

	err := tr.Install(ctx, " ")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	require.NoError(t, tr.Handle(ctx, Installed, location))
	require.NoError(t, tr.Handle(ctx, Uninstalled, location))
	assert.True(t, errors.IsInvalid(tr.Handle(ctx, Kind(7), location)))
}
