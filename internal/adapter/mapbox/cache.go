package mapbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"github.com/paulmach/orb"
)

// Resolver derives a region code for a point.
type Resolver interface {
	ResolveRegion(ctx context.Context, point orb.Point) (string, error)
}

// cellPrecision rounds lookups to roughly 1km cells. Adjacent buildings share
// a region, so a baseline load costs one API call per cell instead of one per
// footprint.
const cellPrecision = 2

// CachedResolver wraps a Resolver with an in-memory LRU cache.
type CachedResolver struct {
	inner   Resolver
	cache   *lruCache
	metrics *observability.Metrics
}

// NewCachedResolver creates a cache decorator around a resolver.
func NewCachedResolver(inner Resolver, maxEntries int, metrics *observability.Metrics) *CachedResolver {
	return &CachedResolver{
		inner:   inner,
		cache:   newLRUCache(maxEntries),
		metrics: metrics,
	}
}

func (c *CachedResolver) ResolveRegion(ctx context.Context, point orb.Point) (string, error) {
	key := fmt.Sprintf("%.*f,%.*f", cellPrecision, point.Lon(), cellPrecision, point.Lat())
	if region, ok := c.cache.get(key); ok {
		c.metrics.RegionCache.WithLabelValues("hit").Inc()
		return region, nil
	}
	c.metrics.RegionCache.WithLabelValues("miss").Inc()

	region, err := c.inner.ResolveRegion(ctx, point)
	if err != nil {
		return "", err
	}
	// Only cache non-empty results so transient "not found" responses can be retried.
	if region != "" {
		c.cache.put(key, region)
	}
	return region, nil
}

// lruCache is a thread-safe LRU cache of region codes.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value string
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
