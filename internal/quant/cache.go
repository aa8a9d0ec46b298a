package quant

import (
	"container/list"
	"sync"
	"time"
)

// Cache is an LRU map with per-entry TTL. Reads expire entries in place, so
// a hit is always fresh; writes evict the least recently used entry beyond
// capacity.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	entries  map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key     string
	value   interface{}
	expires time.Time
}

func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the cached value and whether it was present and unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Set stores a value, refreshing its TTL and recency.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheEntry{
		key:     key,
		value:   value,
		expires: time.Now().Add(c.ttl),
	})
	c.entries[key] = elem

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
		c.evictions++
	}
}

// Delete removes a key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Sweep drops every expired entry. The maintenance scheduler calls this so
// idle entries do not pin memory between reads.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*cacheEntry)
		if now.After(entry.expires) {
			c.order.Remove(elem)
			delete(c.entries, entry.key)
			removed++
		}
		elem = prev
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit/miss/eviction counters and the current size.
func (c *Cache) Stats() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int64{
		"size":      int64(c.order.Len()),
		"capacity":  int64(c.capacity),
		"hits":      c.hits,
		"misses":    c.misses,
		"evictions": c.evictions,
	}
}

// CacheSet bundles the per-concern caches one pipeline instance owns.
type CacheSet struct {
	Klines     *Cache
	Indicators *Cache
	Snapshots  *Cache
}

func NewCacheSet(size int, ttl time.Duration) *CacheSet {
	return &CacheSet{
		Klines:     NewCache(size, ttl),
		Indicators: NewCache(size/2+1, 120*time.Second),
		Snapshots:  NewCache(size/2+1, 60*time.Second),
	}
}

// SweepAll sweeps every cache and reports the total removed.
func (s *CacheSet) SweepAll() int {
	return s.Klines.Sweep() + s.Indicators.Sweep() + s.Snapshots.Sweep()
}
