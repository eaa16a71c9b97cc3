// Package cache provides a bounded LRU with per-entry expiry.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Size      int
	Capacity  int
	Evictions int64
	Expired   int64
}

// Cache is a threadsafe LRU whose entries expire ttl after they were set.
// A zero ttl keeps entries until they are evicted. Expired entries are
// dropped lazily on access and by Purge.
type Cache[V any] struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	capacity int
	ttl      time.Duration
	now      func() time.Time
	stats    Stats
}

type entry[V any] struct {
	key    string
	value  V
	expire time.Time
}

// New returns a cache holding at most capacity entries. A non-positive
// capacity selects 1024.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache[V]{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (c *Cache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the value of key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	ele, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	ent := ele.Value.(*entry[V])
	if c.expired(ent) {
		c.remove(ele)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	return ent.value, true
}

// Set inserts or replaces key, evicting the least recently used entry when
// the cache is full.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expire time.Time
	if c.ttl > 0 {
		expire = c.now().Add(c.ttl)
	}
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry[V])
		ent.value, ent.expire = value, expire
		return
	}
	if c.ll.Len() >= c.capacity {
		if oldest := c.ll.Back(); oldest != nil {
			c.remove(oldest)
			c.stats.Evictions++
		}
	}
	c.items[key] = c.ll.PushFront(&entry[V]{key: key, value: value, expire: expire})
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.remove(ele)
	}
}

// DeletePrefix removes every key starting with prefix. An empty prefix
// clears the cache.
func (c *Cache[V]) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prefix == "" {
		c.ll.Init()
		c.items = make(map[string]*list.Element)
		return
	}
	for key, ele := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.remove(ele)
		}
	}
}

// Purge drops every expired entry and returns how many were removed.
func (c *Cache[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ele := range c.items {
		if c.expired(ele.Value.(*entry[V])) {
			c.remove(ele)
			n++
		}
	}
	c.stats.Expired += int64(n)
	return n
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}

// Len returns the number of entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[V]) expired(ent *entry[V]) bool {
	return c.ttl > 0 && !c.now().Before(ent.expire)
}

func (c *Cache[V]) remove(ele *list.Element) {
	c.ll.Remove(ele)
	delete(c.items, ele.Value.(*entry[V]).key)
}
