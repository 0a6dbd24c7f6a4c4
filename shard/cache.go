package shard

import (
	"container/list"
	"context"
	"sync"

	"github.com/rdrr/loader/metrics"
)

// DefaultCapacity is the default number of shards the cache holds; §4.2
// notes 2-4 entries suffices for sequential tensor reads that typically
// hit one or two shards.
const DefaultCapacity = 4

type cacheEntry struct {
	index int
	data  []byte
}

// Cache is a small bounded LRU sitting in front of a Source, keyed by
// shard index (§4.2). It is safe for concurrent use. IntegrityChecker's
// one-time parallel scan reads its Source directly, not through a Cache.
type Cache struct {
	source   Source
	capacity int
	metrics  metrics.Sink

	mu      sync.Mutex
	ll      *list.List // front = most-recently-used
	byIndex map[int]*list.Element
}

// NewCache wraps source with a bounded LRU of the given capacity. A
// capacity <= 0 uses DefaultCapacity. Metrics are disabled until
// SetMetrics is called.
func NewCache(source Source, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		source:   source,
		capacity: capacity,
		metrics:  metrics.New(nil),
		ll:       list.New(),
		byIndex:  make(map[int]*list.Element),
	}
}

// SetMetrics attaches a metrics sink for hit/miss/eviction counters.
func (c *Cache) SetMetrics(m metrics.Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Fetch returns the bytes of shard index, consulting the cache first.
func (c *Cache) Fetch(ctx context.Context, index int) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.byIndex[index]; ok {
		c.ll.MoveToFront(el)
		data := el.Value.(*cacheEntry).data
		c.metrics.IncShardCacheHit()
		c.mu.Unlock()
		return data, nil
	}
	c.metrics.IncShardCacheMiss()
	c.mu.Unlock()

	data, err := c.source.Fetch(ctx, index)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have raced us to fill this entry; prefer the
	// existing one to keep a single shared buffer per shard.
	if el, ok := c.byIndex[index]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*cacheEntry).data, nil
	}

	// Source.Fetch returns a view into backing storage the caller does
	// not own (source.go); normalize into a freshly owned []byte exactly
	// once here, at the cache boundary, or a Source that reuses its
	// buffer (e.g. a pooled mmap) will silently corrupt every cached
	// shard once it's overwritten out from under us.
	owned := append([]byte(nil), data...)
	el := c.ll.PushFront(&cacheEntry{index: index, data: owned})
	c.byIndex[index] = el
	if c.ll.Len() > c.capacity {
		c.evictLRU()
	}
	return owned, nil
}

func (c *Cache) evictLRU() {
	back := c.ll.Back()
	if back == nil {
		return
	}
	c.ll.Remove(back)
	delete(c.byIndex, back.Value.(*cacheEntry).index)
	c.metrics.IncShardCacheEviction()
}

// Clear drops every cached entry. Must be called on unload(): a stale
// entry surviving across model loads causes silent corruption, since a
// shard index from a new manifest has no relation to the old one (§4.2).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.byIndex = make(map[int]*list.Element)
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
