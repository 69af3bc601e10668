package routing

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

type httpHandler struct {
	fakeHandler
	body string
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m, _ := MatchFrom(r.Context())
	_, _ = io.WriteString(w, h.body+" "+m.PathInfo)
}

func newWhiteboard(t *testing.T) (*registry.Registry, *ContextRegistry) {
	t.Helper()
	reg, err := registry.New()
	require.NoError(t, err)
	contexts := NewContextRegistry()
	wb, err := NewWhiteboard(reg, contexts, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		wb.Close()
		_ = reg.Close(context.Background())
		contexts.Close()
	})
	return reg, contexts
}

func publish(t *testing.T, reg *registry.Registry, iface string, instance any, props map[string]any) *registry.Registration {
	t.Helper()
	g, err := reg.Register(context.Background(), registry.Static{
		Interfaces: []string{iface},
		Instance:   instance,
		Properties: properties.MustFromMap(props),
		Owner:      "test",
	})
	require.NoError(t, err)
	return g
}

func eventuallyResolves(t *testing.T, c *ContextRegistry, p, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		m, ok := c.Resolve(p)
		if want == "" {
			return !ok
		}
		if !ok {
			return false
		}
		switch h := m.Handler.(type) {
		case *fakeHandler:
			return h.name == want
		case *httpHandler:
			return h.body == want
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWhiteboard_RankedHandlers(t *testing.T) {
	reg, contexts := newWhiteboard(t)

	publish(t, reg, HandlerInterface, newHandler("low"), map[string]any{
		PropPattern: "/foo", registry.PropRanking: 0,
	})
	high := publish(t, reg, HandlerInterface, newHandler("high"), map[string]any{
		PropPattern: "/foo", registry.PropRanking: 10,
	})
	eventuallyResolves(t, contexts, "/foo/bar", "high")

	require.NoError(t, high.Unregister(context.Background()))
	eventuallyResolves(t, contexts, "/foo/bar", "low")
}

func TestWhiteboard_MultiplePatternsAndModify(t *testing.T) {
	reg, contexts := newWhiteboard(t)

	g := publish(t, reg, HandlerInterface, newHandler("multi"), map[string]any{
		PropPattern: []string{"/a", "*.txt"},
	})
	eventuallyResolves(t, contexts, "/a/x", "multi")
	eventuallyResolves(t, contexts, "/b/readme.txt", "multi")

	require.NoError(t, g.SetProperties(context.Background(), properties.MustFromMap(map[string]any{
		PropPattern: "/b",
	})))
	eventuallyResolves(t, contexts, "/b/readme.txt", "multi")
	eventuallyResolves(t, contexts, "/a/x", "")
}

func TestWhiteboard_ContextServices(t *testing.T) {
	reg, contexts := newWhiteboard(t)

	publish(t, reg, HandlerInterface, newHandler("orders"), map[string]any{
		PropPattern: "/orders", PropContext: "shop",
	})
	eventuallyResolves(t, contexts, "/shop/orders", "")

	ctx := publish(t, reg, ContextInterface, struct{}{}, map[string]any{
		PropContextName: "shop", PropContextPath: "/shop",
	})
	eventuallyResolves(t, contexts, "/shop/orders", "orders")

	require.NoError(t, ctx.Unregister(context.Background()))
	eventuallyResolves(t, contexts, "/shop/orders", "")
}

func TestWhiteboard_IgnoresNonHandlers(t *testing.T) {
	reg, contexts := newWhiteboard(t)
	publish(t, reg, HandlerInterface, "not a handler", map[string]any{PropPattern: "/x"})
	publish(t, reg, HandlerInterface, newHandler("y"), map[string]any{PropPattern: "/y"})
	eventuallyResolves(t, contexts, "/y", "y")
	_, ok := contexts.Resolve("/x")
	assert.False(t, ok)
}

func TestMux(t *testing.T) {
	reg, contexts := newWhiteboard(t)
	publish(t, reg, HandlerInterface, &httpHandler{body: "hello"}, map[string]any{PropPattern: "/hello"})
	publish(t, reg, HandlerInterface, newHandler("plain"), map[string]any{PropPattern: "/plain"})
	eventuallyResolves(t, contexts, "/hello", "hello")
	eventuallyResolves(t, contexts, "/plain", "plain")

	srv := httptest.NewServer(NewMux(contexts, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/hello/world")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello /world", string(body))

	resp, err = http.Get(srv.URL + "/plain")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
