package routing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/errors"
)

type fakeHandler struct {
	name    string
	initErr error

	mu       sync.Mutex
	inits    int
	destroys int
}

func (h *fakeHandler) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inits++
	return h.initErr
}

func (h *fakeHandler) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroys++
}

func (h *fakeHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inits, h.destroys
}

func newHandler(name string) *fakeHandler { return &fakeHandler{name: name} }

func resolveName(t *testing.T, r interface{ Resolve(string) (Match, bool) }, p string) string {
	t.Helper()
	m, ok := r.Resolve(p)
	if !ok {
		return ""
	}
	return m.Handler.(*fakeHandler).name
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		raw    string
		kind   PatternKind
		prefix string
		ext    string
		bad    bool
	}{
		{raw: "/", kind: KindDefault},
		{raw: "/*", kind: KindDefault},
		{raw: "/foo", kind: KindPath, prefix: "/foo"},
		{raw: "/foo/", kind: KindPath, prefix: "/foo"},
		{raw: "/foo/bar/*", kind: KindWildcard, prefix: "/foo/bar"},
		{raw: "*.jsp", kind: KindExtension, ext: "jsp"},
		{raw: "", bad: true},
		{raw: "foo", bad: true},
		{raw: "/a/*/b", bad: true},
		{raw: "*.", bad: true},
		{raw: "//x", bad: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p, err := ParsePattern(tt.raw)
			if tt.bad {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind)
			assert.Equal(t, tt.prefix, p.Prefix)
			assert.Equal(t, tt.ext, p.Ext)
		})
	}
}

func TestResolver_EmptyIsNotFound(t *testing.T) {
	r := NewResolver(nil)
	_, ok := r.Resolve("/anything")
	assert.False(t, ok)
}

func TestResolver_RankedPatternPromotion(t *testing.T) {
	r := NewResolver(nil)
	high, low := newHandler("high"), newHandler("low")

	require.NoError(t, r.Add(Entry{Pattern: "/foo", ServiceID: 2, Rank: 0, Handler: low}))
	require.NoError(t, r.Add(Entry{Pattern: "/foo", ServiceID: 3, Rank: 10, Handler: high}))

	m, ok := r.Resolve("/foo/bar")
	require.True(t, ok)
	assert.Equal(t, "high", m.Handler.(*fakeHandler).name)
	assert.Equal(t, "/foo", m.Pattern)
	assert.Equal(t, "/foo", m.MatchedPath)
	assert.Equal(t, "/bar", m.PathInfo)

	require.True(t, r.Remove("/foo", 3))
	assert.Equal(t, "low", resolveName(t, r, "/foo/bar"))
}

func TestResolver_ShadowingIdempotence(t *testing.T) {
	r := NewResolver(nil)
	a, b := newHandler("a"), newHandler("b")

	require.NoError(t, r.Add(Entry{Pattern: "/p", ServiceID: 1, Rank: 0, Handler: a}))
	require.NoError(t, r.Add(Entry{Pattern: "/p", ServiceID: 2, Rank: 5, Handler: b}))
	assert.Equal(t, "b", resolveName(t, r, "/p"))

	inits, destroys := a.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, destroys, "shadowed handler is paused")

	require.True(t, r.Remove("/p", 2))
	assert.Equal(t, "a", resolveName(t, r, "/p"))
	inits, _ = a.counts()
	assert.Equal(t, 2, inits, "reactivated exactly once")

	_, bDestroys := b.counts()
	assert.Equal(t, 1, bDestroys)

	// Removing a shadowed entry leaves routing untouched
	c := newHandler("c")
	require.NoError(t, r.Add(Entry{Pattern: "/p", ServiceID: 9, Rank: -1, Handler: c}))
	cInits, _ := c.counts()
	assert.Zero(t, cInits)
	require.True(t, r.Remove("/p", 9))
	assert.Equal(t, "a", resolveName(t, r, "/p"))
	_, aDestroys := a.counts()
	assert.Equal(t, 1, aDestroys)
}

func TestResolver_TieBreaksOnServiceID(t *testing.T) {
	r := NewResolver(nil)
	require.NoError(t, r.Add(Entry{Pattern: "/x", ServiceID: 7, Rank: 1, Handler: newHandler("newer")}))
	require.NoError(t, r.Add(Entry{Pattern: "/x", ServiceID: 4, Rank: 1, Handler: newHandler("older")}))
	assert.Equal(t, "older", resolveName(t, r, "/x"))
}

func TestResolver_RejectsDuplicate(t *testing.T) {
	r := NewResolver(nil)
	require.NoError(t, r.Add(Entry{Pattern: "/x", ServiceID: 1, Handler: newHandler("a")}))
	err := r.Add(Entry{Pattern: "/x", ServiceID: 1, Handler: newHandler("b")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateEntry))

	err = r.Add(Entry{Pattern: "/y", ServiceID: 1})
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, r.Remove("/x", 2))
	assert.False(t, r.Remove("/nope", 1))
}

func TestResolver_InitFailure(t *testing.T) {
	r := NewResolver(nil)
	good := newHandler("good")
	bad := &fakeHandler{name: "bad", initErr: fmt.Errorf("boom")}

	require.NoError(t, r.Add(Entry{Pattern: "/svc", ServiceID: 1, Rank: 0, Handler: good}))
	require.NoError(t, r.Add(Entry{Pattern: "/svc", ServiceID: 2, Rank: 10, Handler: bad}))

	assert.Equal(t, "good", resolveName(t, r, "/svc"), "failed entry does not displace the active one")
	_, goodDestroys := good.counts()
	assert.Zero(t, goodDestroys)

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].ServiceID)
	assert.Equal(t, ReasonInitFailed, entries[0].Reason)
	assert.Contains(t, entries[0].Error, "boom")
	assert.True(t, entries[1].Active)

	// A failed candidate is skipped on promotion
	require.True(t, r.Remove("/svc", 1))
	_, ok := r.Resolve("/svc")
	assert.False(t, ok)
	badInits, _ := bad.counts()
	assert.Equal(t, 1, badInits)
}

type panicHandler struct{}

func (panicHandler) Init() error { panic("init exploded") }
func (panicHandler) Destroy()    {}

func TestResolver_InitPanicIsContained(t *testing.T) {
	r := NewResolver(nil)
	require.NoError(t, r.Add(Entry{Pattern: "/p", ServiceID: 1, Handler: panicHandler{}}))
	_, ok := r.Resolve("/p")
	assert.False(t, ok)
	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ReasonInitFailed, entries[0].Reason)
}

func TestResolver_Precedence(t *testing.T) {
	r := NewResolver(nil)
	require.NoError(t, r.Add(Entry{Pattern: "/", ServiceID: 1, Handler: newHandler("default")}))
	require.NoError(t, r.Add(Entry{Pattern: "*.jsp", ServiceID: 2, Handler: newHandler("jsp")}))
	require.NoError(t, r.Add(Entry{Pattern: "/app", ServiceID: 3, Handler: newHandler("app")}))
	require.NoError(t, r.Add(Entry{Pattern: "/app/admin/*", ServiceID: 4, Handler: newHandler("admin")}))
	require.NoError(t, r.Add(Entry{Pattern: "/app/admin", ServiceID: 5, Handler: newHandler("admin-exact")}))

	tests := []struct {
		path string
		want string
	}{
		{"/", "default"},
		{"", "default"},
		{"/other", "default"},
		{"/page.jsp", "jsp"},
		{"/app/page.jsp", "app"},
		{"/app", "app"},
		{"/application", "default"},
		{"/app/admin", "admin-exact"},
		{"/app/admin/users", "admin-exact"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveName(t, r, tt.path))
		})
	}

	require.True(t, r.Remove("/app/admin", 5))
	assert.Equal(t, "admin", resolveName(t, r, "/app/admin/users"))
}

func TestResolver_EquivalentSpellingsShareARoute(t *testing.T) {
	tests := []struct {
		name, high, low, path string
	}{
		{"trailing slash", "/foo", "/foo/", "/foo/bar"},
		{"default", "/", "/*", "/anything"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(nil)
			high, low := newHandler("high"), newHandler("low")
			require.NoError(t, r.Add(Entry{Pattern: tt.high, ServiceID: 1, Rank: 10, Handler: high}))
			require.NoError(t, r.Add(Entry{Pattern: tt.low, ServiceID: 2, Rank: 0, Handler: low}))

			assert.Equal(t, "high", resolveName(t, r, tt.path))
			inits, _ := low.counts()
			assert.Zero(t, inits, "the lower ranked spelling is never initialized")

			active := 0
			for _, e := range r.Entries() {
				if e.Active {
					active++
					continue
				}
				assert.Equal(t, ReasonShadowed, e.Reason)
				assert.Equal(t, tt.low, e.Pattern)
			}
			assert.Equal(t, 1, active)

			// Removing by either spelling reaches the entry
			require.True(t, r.Remove(tt.low, 1))
			assert.Equal(t, "low", resolveName(t, r, tt.path))
			inits, _ = low.counts()
			assert.Equal(t, 1, inits)
		})
	}

	p, err := ParsePattern("/foo/")
	require.NoError(t, err)
	assert.Equal(t, "/foo", p.Canonical())
}

func TestResolver_Close(t *testing.T) {
	r := NewResolver(nil)
	h := newHandler("h")
	require.NoError(t, r.Add(Entry{Pattern: "/h", ServiceID: 1, Handler: h}))
	r.Close()
	_, destroys := h.counts()
	assert.Equal(t, 1, destroys)
	assert.Empty(t, r.Entries())
}
