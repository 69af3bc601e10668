package routing

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/metric"
)

func TestCompareContexts_Symmetric(t *testing.T) {
	infos := []ContextInfo{
		{Path: "/", Rank: 0, ServiceID: 0},
		{Path: "/", Rank: 0, ServiceID: -1},
		{Path: "/", Rank: 0, ServiceID: -5},
		{Path: "/", Rank: 0, ServiceID: 1},
		{Path: "/", Rank: 0, ServiceID: 7},
		{Path: "/", Rank: 3, ServiceID: -2},
		{Path: "/", Rank: math.MinInt32, ServiceID: 4},
		{Path: "/a", Rank: 0, ServiceID: 2},
		{Path: "/a/b", Rank: -3, ServiceID: 3},
	}
	for _, a := range infos {
		for _, b := range infos {
			assert.Equal(t, CompareContexts(a, b), -CompareContexts(b, a), "%+v vs %+v", a, b)
			for _, c := range infos {
				if CompareContexts(a, b) < 0 && CompareContexts(b, c) < 0 {
					assert.Negative(t, CompareContexts(a, c), "transitivity %+v %+v %+v", a, b, c)
				}
			}
		}
	}

	assert.Negative(t, CompareContexts(infos[7], infos[0]), "longer mount path first")
	assert.Negative(t, CompareContexts(infos[5], infos[0]), "higher rank first")
	assert.Negative(t, CompareContexts(infos[3], infos[4]), "positive ids ascending")
	assert.Negative(t, CompareContexts(infos[0], infos[1]), "non-positive ids reversed")
}

func TestContextRegistry_DefaultContext(t *testing.T) {
	c := NewContextRegistry()
	h := newHandler("root")
	require.NoError(t, c.AddEntry("", Entry{Pattern: "/foo", ServiceID: 1, Handler: h}))
	m, ok := c.Resolve("/foo/bar")
	require.True(t, ok)
	assert.Equal(t, DefaultContext, m.Context)
	assert.Equal(t, "/bar", m.PathInfo)

	err := c.AddEntry(DefaultContext, Entry{Pattern: "/foo", ServiceID: 1, Handler: h})
	assert.True(t, errors.Is(err, errors.ErrDuplicateEntry))
}

func TestContextRegistry_MountAndOrphans(t *testing.T) {
	c := NewContextRegistry()
	shop := newHandler("shop")

	require.NoError(t, c.AddEntry("shop", Entry{Pattern: "/cart", ServiceID: 10, Handler: shop}))
	_, ok := c.Resolve("/shop/cart")
	assert.False(t, ok)

	snap := c.Snapshot()
	require.Len(t, snap.Orphans, 1)
	assert.Equal(t, ReasonNoContext, snap.Orphans[0].Reason)
	inits, _ := shop.counts()
	assert.Zero(t, inits)

	require.NoError(t, c.AddContext(ContextInfo{Name: "shop", Path: "/shop/", ServiceID: 20}))
	m, ok := c.Resolve("/shop/cart/items")
	require.True(t, ok)
	assert.Equal(t, "shop", m.Context)
	assert.Equal(t, "/shop/cart", m.MatchedPath)
	assert.Equal(t, "/items", m.PathInfo)
	assert.Empty(t, c.Snapshot().Orphans)

	assert.True(t, c.RemoveContext(20))
	_, destroys := shop.counts()
	assert.Equal(t, 1, destroys)
	assert.False(t, c.RemoveContext(20))
	assert.Len(t, c.Snapshot().Orphans, 1)
}

func TestContextRegistry_SameNameShadowing(t *testing.T) {
	c := NewContextRegistry()
	require.NoError(t, c.AddContext(ContextInfo{Name: "app", Path: "/v1", Rank: 0, ServiceID: 5}))
	require.NoError(t, c.AddEntry("app", Entry{Pattern: "/status", ServiceID: 6, Handler: newHandler("status")}))

	_, ok := c.Resolve("/v1/status")
	require.True(t, ok)

	// A better ranked context with the same name takes the entries over
	require.NoError(t, c.AddContext(ContextInfo{Name: "app", Path: "/v2", Rank: 5, ServiceID: 7}))
	_, ok = c.Resolve("/v1/status")
	assert.False(t, ok)
	_, ok = c.Resolve("/v2/status")
	assert.True(t, ok)

	snap := c.Snapshot()
	var shadowed []ContextDTO
	for _, dto := range snap.Contexts {
		if !dto.Active {
			shadowed = append(shadowed, dto)
		}
	}
	require.Len(t, shadowed, 1)
	assert.Equal(t, int64(5), shadowed[0].ServiceID)
	assert.Equal(t, ReasonShadowed, shadowed[0].Reason)

	require.True(t, c.RemoveContext(7))
	_, ok = c.Resolve("/v1/status")
	assert.True(t, ok)

	err := c.AddContext(ContextInfo{Name: "app", Path: "/v3", ServiceID: 5})
	assert.True(t, errors.Is(err, errors.ErrDuplicateEntry))
	assert.True(t, errors.IsInvalid(c.AddContext(ContextInfo{Path: "/x", ServiceID: 50})))
	assert.True(t, errors.IsInvalid(c.AddContext(ContextInfo{Name: "x", Path: "x", ServiceID: 51})))
}

func TestContextRegistry_LongerMountWins(t *testing.T) {
	c := NewContextRegistry()
	require.NoError(t, c.AddEntry("", Entry{Pattern: "/", ServiceID: 1, Handler: newHandler("root")}))
	require.NoError(t, c.AddContext(ContextInfo{Name: "api", Path: "/api", ServiceID: 2}))
	require.NoError(t, c.AddEntry("api", Entry{Pattern: "/users", ServiceID: 3, Handler: newHandler("users")}))

	assert.Equal(t, "users", resolveName(t, c, "/api/users/1"))
	// The api context has no match, so resolution falls through to the default
	assert.Equal(t, "root", resolveName(t, c, "/api/other"))
	assert.Equal(t, "root", resolveName(t, c, "/elsewhere"))
}

func TestContextRegistry_Metrics(t *testing.T) {
	m := metric.NewMetrics()
	c := NewContextRegistry(WithContextMetrics(m))
	require.NoError(t, c.AddEntry("", Entry{Pattern: "/hit", ServiceID: 1, Handler: newHandler("h")}))

	_, _ = c.Resolve("/hit")
	_, _ = c.Resolve("/miss")
	_, _ = c.Resolve("/miss")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoutingResolutions.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoutingResolutions.WithLabelValues("miss")))
}

func TestContextRegistry_Close(t *testing.T) {
	c := NewContextRegistry()
	h := newHandler("h")
	require.NoError(t, c.AddEntry("", Entry{Pattern: "/h", ServiceID: 1, Handler: h}))
	c.Close()
	_, destroys := h.counts()
	assert.Equal(t, 1, destroys)
	_, ok := c.Resolve("/h")
	assert.False(t, ok)
}
