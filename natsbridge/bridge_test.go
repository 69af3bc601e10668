package natsbridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/artifact"
	"github.com/c360/depkit/depgraph"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

type sent struct {
	subject string
	data    []byte
}

type fakeSink struct {
	mu       sync.Mutex
	messages []sent
}

func (f *fakeSink) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sent{subject: subject, data: data})
	return nil
}

func (f *fakeSink) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.subject
	}
	return out
}

func (f *fakeSink) find(subject string) (sent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.subject == subject {
			return m, true
		}
	}
	return sent{}, false
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return reg
}

func TestPublisher_MirrorsServiceEvents(t *testing.T) {
	reg := newRegistry(t)
	sink := &fakeSink{}
	// One worker keeps the published order equal to the event order
	p, err := NewPublisher(sink, WithPrefix("test"), WithPool(1, 16))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), reg, nil))
	t.Cleanup(func() { _ = p.Stop(time.Second) })

	ctx := context.Background()
	r, err := reg.Register(ctx, registry.Static{
		Interfaces: []string{"org.example.Log"},
		Instance:   "stdout",
		Properties: properties.MustFromMap(map[string]any{"target": "stdout"}),
		Owner:      "bundle-a",
	})
	require.NoError(t, err)
	require.NoError(t, r.SetProperties(ctx, properties.MustFromMap(map[string]any{"target": "stderr"})))
	require.NoError(t, r.Unregister(ctx))

	require.Eventually(t, func() bool { return len(sink.subjects()) == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"test.events.registered", "test.events.modified", "test.events.unregistering"}, sink.subjects())

	msg, ok := sink.find("test.events.modified")
	require.True(t, ok)
	var ev ServiceEvent
	require.NoError(t, json.Unmarshal(msg.data, &ev))
	assert.Equal(t, "modified", ev.Type)
	assert.Equal(t, r.ID(), ev.ServiceID)
	assert.Equal(t, []string{"org.example.Log"}, ev.Interfaces)
	assert.Equal(t, "bundle-a", ev.Owner)
	assert.Equal(t, "stderr", ev.Properties["target"])
}

func TestPublisher_MirrorsComponentStates(t *testing.T) {
	reg := newRegistry(t)
	g := depgraph.New(reg)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })

	sink := &fakeSink{}
	p, err := NewPublisher(sink, WithScope("org.example.none", ""))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), reg, g))
	t.Cleanup(func() { _ = p.Stop(time.Second) })

	require.NoError(t, g.Add(depgraph.Definition{
		Name:    "c",
		Factory: func(*depgraph.Context) (any, error) { return struct{}{}, nil },
	}))
	require.Eventually(t, func() bool {
		_, ok := sink.find("depkit.components.tracking_optional")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	msg, _ := sink.find("depkit.components.tracking_optional")
	var ev struct {
		Component string `json:"component"`
		To        string `json:"to"`
	}
	require.NoError(t, json.Unmarshal(msg.data, &ev))
	assert.Equal(t, "c", ev.Component)
	assert.Equal(t, "TRACKING_OPTIONAL", ev.To)
	for _, subject := range sink.subjects() {
		assert.NotContains(t, subject, ".events.", "services outside the scope are not mirrored")
	}
}

func TestPublisher_Lifecycle(t *testing.T) {
	_, err := NewPublisher(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	reg := newRegistry(t)
	p, err := NewPublisher(&fakeSink{})
	require.NoError(t, err)
	require.NoError(t, p.Stop(time.Second), "stopping an unstarted publisher is a no-op")
	require.NoError(t, p.Start(context.Background(), reg, nil))
	err = p.Start(context.Background(), reg, nil)
	require.Error(t, err)
	assert.True(t, errors.IsState(err))
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, "depkit.events.registered", p.Subject("events", "REGISTERED"))
}

func TestArtifactSubscriber_HandleMessage(t *testing.T) {
	reg := newRegistry(t)
	g := depgraph.New(reg)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	tracker := artifact.NewTracker(g, reg)
	t.Cleanup(func() { _ = tracker.Close(time.Second) })

	s := NewArtifactSubscriber(nil, tracker, "", nil)
	assert.Equal(t, "depkit.artifacts.*", s.Subject())
	ctx := context.Background()

	require.NoError(t, s.HandleMessage(ctx, "depkit.artifacts.install", []byte(`{"location":"file:///a.jar"}`)))
	require.NoError(t, s.HandleMessage(ctx, "depkit.artifacts.install", []byte(" file:///b.jar\n")))
	assert.Equal(t, []string{"file:///a.jar", "file:///b.jar"}, tracker.Installed())

	require.NoError(t, s.HandleMessage(ctx, "depkit.artifacts.uninstall", []byte("file:///a.jar")))
	assert.Equal(t, []string{"file:///b.jar"}, tracker.Installed())

	err := s.HandleMessage(ctx, "depkit.artifacts.uninstall", []byte("file:///a.jar"))
	assert.True(t, errors.IsState(err))
	err = s.HandleMessage(ctx, "depkit.artifacts.explode", []byte("file:///a.jar"))
	assert.True(t, errors.IsInvalid(err))
	err = s.HandleMessage(ctx, "depkit.artifacts.install", []byte(`{"location":`))
	assert.True(t, errors.IsInvalid(err))
	err = s.HandleMessage(ctx, "depkit.artifacts.install", []byte(`{}`))
	assert.True(t, errors.IsInvalid(err), "an empty location is rejected by the tracker")
}
