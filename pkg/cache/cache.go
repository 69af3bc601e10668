// Package cache provides a bounded, concurrency-safe LRU cache with always-on
// statistics and optional Prometheus export.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/metric"
)

// Cache is a bounded key/value cache keyed by string.
type Cache[V any] interface {
	// Get returns the value and whether it was present
	Get(key string) (V, bool)
	// Set stores a value and reports whether an entry was evicted to make room
	Set(key string, value V) bool
	// Delete removes a key and reports whether it was present
	Delete(key string) bool
	Clear()
	Size() int
	Keys() []string
	Stats() *Statistics
}

// EvictCallback is called with the key and value of an evicted entry
type EvictCallback[V any] func(key string, value V)

// Option configures a cache
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metricsReg    metric.MetricsRegistrar
	metricsPrefix string
	evictCallback EvictCallback[V]
}

// WithMetrics exports cache statistics through registry, labelled with prefix.
// A nil registry or empty prefix leaves metrics off.
func WithMetrics[V any](registry metric.MetricsRegistrar, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets the function called when an entry is evicted
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

type entry[V any] struct {
	key   string
	value V
}

type lruCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	stats   *Statistics
	metrics *cacheMetrics
	onEvict EvictCallback[V]
}

// NewLRU creates an LRU cache holding at most maxSize entries
func NewLRU[V any](maxSize int, opts ...Option[V]) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("max size must be positive, got %d: %w", maxSize, errors.ErrInvalidConfig),
			"cache", "NewLRU", "size validation")
	}

	options := &cacheOptions[V]{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	c := &lruCache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
		stats:   NewStatistics(),
		onEvict: options.evictCallback,
	}

	if options.metricsReg != nil {
		m, err := newCacheMetrics(options.metricsReg, options.metricsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "cache", "NewLRU", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

func (c *lruCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		c.stats.Hit()
		c.metrics.hit()
		return el.Value.(*entry[V]).value, true
	}
	c.stats.Miss()
	c.metrics.miss()
	var zero V
	return zero, false
}

func (c *lruCache[V]) Set(key string, value V) bool {
	c.mu.Lock()

	c.stats.Set()
	c.metrics.set()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry[V]).value = value
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return false
	}

	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value})

	var evicted *entry[V]
	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		evicted = oldest.Value.(*entry[V])
		delete(c.items, evicted.key)
		c.stats.Eviction()
		c.metrics.eviction()
	}
	c.metrics.resize(c.order.Len())
	callback := c.onEvict
	c.mu.Unlock()

	// Callback runs outside the lock so it may use the cache
	if evicted != nil && callback != nil {
		callback(evicted.key, evicted.value)
	}
	return evicted != nil
}

func (c *lruCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, key)
	c.stats.Delete()
	c.metrics.resize(c.order.Len())
	return true
}

func (c *lruCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
	c.metrics.resize(0)
}

func (c *lruCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns keys from most to least recently used
func (c *lruCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

func (c *lruCache[V]) Stats() *Statistics {
	return c.stats
}
