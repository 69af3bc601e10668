package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/metric"
	"github.com/c360/depkit/properties"
)

const greeter = "org.example.Greeter"

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func register(t *testing.T, r *Registry, rank int, extra map[string]any) *Registration {
	t.Helper()
	m := map[string]any{PropRanking: rank}
	for k, v := range extra {
		m[k] = v
	}
	reg, err := r.Register(context.Background(), Static{
		Interfaces: []string{greeter},
		Instance:   fmt.Sprintf("greeter-%d", rank),
		Properties: properties.MustFromMap(m),
		Owner:      "test",
	})
	require.NoError(t, err)
	return reg
}

func ids(recs []*Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) ServiceChanged(_ context.Context, ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func TestRegister_AssignsMonotonicIDsAndReservedProperties(t *testing.T) {
	r := newRegistry(t)

	a := register(t, r, 0, map[string]any{PropServiceID: int64(999), "objectClass": "spoofed"})
	b := register(t, r, 0, nil)
	assert.Less(t, a.ID(), b.ID())

	id, ok := properties.Int(a.Record().Properties(), PropServiceID)
	require.True(t, ok)
	assert.Equal(t, a.ID(), id)
	assert.Equal(t, []string{greeter}, properties.Strings(a.Record().Properties(), "OBJECTCLASS"))

	require.NoError(t, a.Unregister(context.Background()))
	c := register(t, r, 0, nil)
	assert.Greater(t, c.ID(), b.ID(), "ids are never reused")
}

func TestRegister_Validation(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		name   string
		static Static
	}{
		{"no interfaces", Static{Instance: 1}},
		{"empty interface", Static{Interfaces: []string{""}, Instance: 1}},
		{"nil instance", Static{Interfaces: []string{greeter}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), test.static)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
	assert.Equal(t, 0, r.Count())
}

func TestLookup_OrderedByRankThenID(t *testing.T) {
	r := newRegistry(t)

	low := register(t, r, -1, nil)
	midOld := register(t, r, 5, nil)
	high := register(t, r, 10, nil)
	midNew := register(t, r, 5, nil)

	recs, err := r.Lookup(greeter, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{high.ID(), midOld.ID(), midNew.ID(), low.ID()}, ids(recs))

	all, err := r.Lookup("", "")
	require.NoError(t, err)
	assert.Equal(t, ids(recs), ids(all))

	none, err := r.Lookup("org.example.Unknown", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLookup_Filter(t *testing.T) {
	r := newRegistry(t)
	en := register(t, r, 0, map[string]any{"lang": "en"})
	register(t, r, 0, map[string]any{"lang": "fr"})

	recs, err := r.Lookup(greeter, "(lang=en)")
	require.NoError(t, err)
	assert.Equal(t, []int64{en.ID()}, ids(recs))

	_, err = r.Lookup(greeter, "(lang=en")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrInvalidFilter)
}

func TestSetProperties_ResortsAndKeepsIdentity(t *testing.T) {
	r := newRegistry(t)
	a := register(t, r, 1, nil)
	b := register(t, r, 2, nil)

	require.NoError(t, a.SetProperties(context.Background(),
		properties.MustFromMap(map[string]any{PropRanking: 3, PropServiceID: int64(42)})))

	recs, err := r.Lookup(greeter, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID(), b.ID()}, ids(recs))

	id, _ := properties.Int(a.Record().Properties(), PropServiceID)
	assert.Equal(t, a.ID(), id)
	assert.Equal(t, 3, a.Record().Rank())
}

func TestEvents_ModifiedCarriesOldProperties(t *testing.T) {
	r := newRegistry(t)
	log := &eventLog{}
	_, err := r.AddListener(log, WithInterface(greeter))
	require.NoError(t, err)

	reg := register(t, r, 0, map[string]any{"color": "red"})
	require.NoError(t, reg.SetProperties(context.Background(), properties.MustFromMap(map[string]any{"color": "blue"})))
	require.NoError(t, reg.Unregister(context.Background()))

	// Unregistering is synchronous, so every earlier event has been handled
	assert.Equal(t, []EventType{Registered, Modified, Unregistering}, log.types())

	modified := log.events[1]
	oldColor, _ := properties.String(modified.OldProperties, "color")
	newColor, _ := properties.String(modified.Properties, "color")
	assert.Equal(t, "red", oldColor)
	assert.Equal(t, "blue", newColor)
}

func TestEvents_FilteredListenerGetsModifiedEndMatch(t *testing.T) {
	r := newRegistry(t)
	log := &eventLog{}
	_, err := r.AddListener(log, WithFilter("(color=red)"))
	require.NoError(t, err)

	reg := register(t, r, 0, map[string]any{"color": "red"})
	require.NoError(t, reg.SetProperties(context.Background(), properties.MustFromMap(map[string]any{"color": "blue"})))
	require.NoError(t, reg.SetProperties(context.Background(), properties.MustFromMap(map[string]any{"color": "green"})))
	require.NoError(t, reg.SetProperties(context.Background(), properties.MustFromMap(map[string]any{"color": "red"})))
	require.NoError(t, reg.Unregister(context.Background()))

	assert.Equal(t, []EventType{Registered, ModifiedEndMatch, Modified, Unregistering}, log.types())
}

func TestAddListener_BadFilter(t *testing.T) {
	r := newRegistry(t)
	_, err := r.AddListener(&eventLog{}, WithFilter("nope"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = r.AddListener(nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister_ListenerCanStillGetRecord(t *testing.T) {
	r := newRegistry(t)
	reg := register(t, r, 0, nil)

	var sawDuring, removedDuring bool
	_, err := r.AddListener(ListenerFunc(func(_ context.Context, ev Event) {
		if ev.Type == Unregistering {
			_, sawDuring = r.Get(ev.Record.ID())
			removedDuring = ev.Record.Removed()
		}
	}))
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(context.Background()))
	assert.True(t, sawDuring)
	assert.False(t, removedDuring)

	_, ok := r.Get(reg.ID())
	assert.False(t, ok, "record is gone once Unregister returns")
	assert.True(t, reg.Record().Removed())
	recs, _ := r.Lookup(greeter, "")
	assert.Empty(t, recs)
}

func TestUnregister_Twice(t *testing.T) {
	r := newRegistry(t)
	reg := register(t, r, 0, nil)

	require.NoError(t, reg.Unregister(context.Background()))
	err := reg.Unregister(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsState(err))
	assert.ErrorIs(t, err, errors.ErrAlreadyUnregistered)

	err = reg.SetProperties(context.Background(), properties.New())
	assert.True(t, errors.IsState(err))
}

func TestUnregister_FromOwnListenerDoesNotDeadlock(t *testing.T) {
	r := newRegistry(t)
	first := register(t, r, 0, nil)
	second := register(t, r, 0, nil)

	_, err := r.AddListener(ListenerFunc(func(ctx context.Context, ev Event) {
		if ev.Type == Unregistering && ev.Record.ID() == first.ID() {
			// Cascading removal from inside a synchronous delivery
			_ = second.Unregister(ctx)
		}
	}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- first.Unregister(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unregister deadlocked")
	}
	assert.Equal(t, 0, r.Count())
}

func TestUnregister_CascadingFromTwoListeners(t *testing.T) {
	r := newRegistry(t)
	first := register(t, r, 0, nil)
	second := register(t, r, 1, nil)
	third := register(t, r, 2, nil)

	var arrived sync.WaitGroup
	arrived.Add(2)
	cascade := func(next *Registration) Listener {
		return ListenerFunc(func(ctx context.Context, ev Event) {
			if ev.Type != Unregistering || ev.Record.ID() != first.ID() {
				return
			}
			// Both listeners are inside the same synchronous delivery
			arrived.Done()
			arrived.Wait()
			assert.NoError(t, next.Unregister(ctx))
		})
	}
	a, b := &eventLog{}, &eventLog{}
	_, err := r.AddListener(cascade(second))
	require.NoError(t, err)
	_, err = r.AddListener(cascade(third))
	require.NoError(t, err)
	_, err = r.AddListener(a)
	require.NoError(t, err)
	_, err = r.AddListener(b)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- first.Unregister(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cascading unregistrations from two listeners deadlocked")
	}
	assert.Equal(t, 0, r.Count())
	assert.True(t, second.Record().Removed())
	assert.True(t, third.Record().Removed())
	for _, l := range []*eventLog{a, b} {
		assert.Equal(t, []EventType{Unregistering, Unregistering, Unregistering}, l.types())
	}
}

func TestUnregisterOwner_HighestRankFirst(t *testing.T) {
	r := newRegistry(t)
	low := register(t, r, 1, nil)
	high := register(t, r, 9, nil)
	_, err := r.Register(context.Background(), Static{Interfaces: []string{greeter}, Instance: "other", Owner: "someone-else"})
	require.NoError(t, err)

	var order []int64
	var mu sync.Mutex
	_, err = r.AddListener(ListenerFunc(func(_ context.Context, ev Event) {
		if ev.Type == Unregistering {
			mu.Lock()
			order = append(order, ev.Record.ID())
			mu.Unlock()
		}
	}))
	require.NoError(t, err)

	n, err := r.UnregisterOwner(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{high.ID(), low.ID()}, order)
	assert.Equal(t, 1, r.Count())
}

func TestConcurrentRegistration(t *testing.T) {
	r := newRegistry(t)

	var wg sync.WaitGroup
	regs := make(chan *Registration, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			reg, err := r.Register(context.Background(), Static{
				Interfaces: []string{greeter},
				Instance:   rank,
				Properties: properties.MustFromMap(map[string]any{PropRanking: rank % 7}),
			})
			if err == nil {
				regs <- reg
			}
		}(i)
	}
	wg.Wait()
	close(regs)

	var half []*Registration
	for reg := range regs {
		half = append(half, reg)
	}
	require.Len(t, half, 100)

	for _, reg := range half[:50] {
		wg.Add(1)
		go func(reg *Registration) {
			defer wg.Done()
			_ = reg.SetProperties(context.Background(), properties.MustFromMap(map[string]any{PropRanking: 100}))
		}(reg)
	}
	for _, reg := range half[50:] {
		wg.Add(1)
		go func(reg *Registration) {
			defer wg.Done()
			_ = reg.Unregister(context.Background())
		}(reg)
	}
	wg.Wait()

	recs, err := r.Lookup(greeter, "")
	require.NoError(t, err)
	require.Len(t, recs, 50)
	for i := 1; i < len(recs); i++ {
		assert.Less(t, recs[i-1].ID(), recs[i].ID(), "equal ranks sort by id")
	}
}

func TestTracker_DeduplicatesAndTracks(t *testing.T) {
	r := newRegistry(t)
	existing := register(t, r, 0, map[string]any{"lang": "en"})

	var mu sync.Mutex
	added, removed := map[int64]int{}, map[int64]int{}
	tracker, err := r.Track("test", greeter, "(lang=en)", TrackerFuncs{
		OnAdded: func(_ context.Context, rec *Record) {
			mu.Lock()
			added[rec.ID()]++
			mu.Unlock()
		},
		OnRemoved: func(_ context.Context, rec *Record) {
			mu.Lock()
			removed[rec.ID()]++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer tracker.Close()

	later := register(t, r, 5, map[string]any{"lang": "en"})
	register(t, r, 0, map[string]any{"lang": "fr"})

	require.Eventually(t, func() bool { return tracker.Len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{later.ID(), existing.ID()}, ids(tracker.Records()))

	require.NoError(t, existing.SetProperties(context.Background(), properties.MustFromMap(map[string]any{"lang": "de"})))
	require.NoError(t, later.Unregister(context.Background()))
	require.Eventually(t, func() bool { return tracker.Len() == 0 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int64]int{existing.ID(): 1, later.ID(): 1}, added)
	assert.Equal(t, map[int64]int{existing.ID(): 1, later.ID(): 1}, removed)
}

func TestSnapshot(t *testing.T) {
	r := newRegistry(t)
	a := register(t, r, 1, map[string]any{"k": "v"})
	b := register(t, r, 2, nil)

	snap := r.Snapshot()
	require.Len(t, snap.Services, 2)
	assert.Equal(t, b.ID(), snap.Services[0].ID)
	assert.Equal(t, a.ID(), snap.Services[1].ID)
	assert.Equal(t, "v", snap.Services[1].Properties["k"])
	assert.Equal(t, "test", snap.Services[1].Owner)

	// Mutating the snapshot leaves the registry untouched
	snap.Services[1].Properties["k"] = "changed"
	v, _ := properties.String(a.Record().Properties(), "k")
	assert.Equal(t, "v", v)
}

func TestMetrics(t *testing.T) {
	mr := metric.NewMetricsRegistry()
	r, err := New(WithMetrics(mr))
	require.NoError(t, err)

	reg := register(t, r, 0, nil)
	m := mr.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryServices))
	require.NoError(t, reg.Unregister(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RegistryServices))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryEvents.WithLabelValues("REGISTERED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryEvents.WithLabelValues("UNREGISTERING")))
}
