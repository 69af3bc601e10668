package filter

import (
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/metric"
	"github.com/c360/depkit/pkg/cache"
)

// DefaultCacheSize is the number of compiled filters a Compiler keeps
const DefaultCacheSize = 512

// Compiler parses filters and caches the result by expression text. The
// registry compiles every listener and dependency filter through one.
type Compiler struct {
	cache cache.Cache[Filter]
}

// NewCompiler creates a compiler caching up to size filters. A nil registry
// disables cache metrics.
func NewCompiler(size int, registry metric.MetricsRegistrar) (*Compiler, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := cache.NewLRU[Filter](size, cache.WithMetrics[Filter](registry, "filter_compiler"))
	if errors.IsInvalid(err) && registry != nil {
		// Another compiler already exports its cache on this registry
		c, err = cache.NewLRU[Filter](size)
	}
	if err != nil {
		return nil, err
	}
	return &Compiler{cache: c}, nil
}

// Compile returns the cached filter for expr, parsing it on a miss. Invalid
// expressions are not cached.
func (c *Compiler) Compile(expr string) (Filter, error) {
	if f, ok := c.cache.Get(expr); ok {
		return f, nil
	}
	f, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	c.cache.Set(expr, f)
	return f, nil
}

// Stats exposes the cache statistics
func (c *Compiler) Stats() *cache.Statistics {
	return c.cache.Stats()
}
