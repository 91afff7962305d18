// Package cache provides the bounded result cache shared by every tool
// execution in a session. Entries are keyed by task fingerprint so that two
// modules asking for the same tool run against the same target reuse one
// result instead of spawning the tool twice.
//
// The cache is FIFO-bounded: once MaxEntries is reached the oldest inserted
// entry is evicted. All access goes through a single mutex per instance.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/naviyanka/lleo/pkg/defaults"
)

// Entry is a cached value plus its insertion time.
type Entry[V any] struct {
	Key        string
	Value      V
	InsertedAt time.Time
}

// Config controls cache bounds.
type Config struct {
	// MaxEntries bounds the cache. Values <= 0 use defaults.CacheSize.
	MaxEntries int

	// TTL expires entries after insertion. Zero disables expiry.
	TTL time.Duration
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Cache is a FIFO-bounded map safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	order   *list.List // front = oldest insertion
	entries map[string]*list.Element
	limit   int
	ttl     time.Duration
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// New creates a cache with the given bounds.
func New[V any](cfg Config) *Cache[V] {
	limit := cfg.MaxEntries
	if limit <= 0 {
		limit = defaults.CacheSize
	}
	return &Cache[V]{
		order:   list.New(),
		entries: make(map[string]*list.Element, limit),
		limit:   limit,
		ttl:     cfg.TTL,
		now:     time.Now,
	}
}

// Get returns the live entry for key.
func (c *Cache[V]) Get(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return Entry[V]{}, false
	}
	e := el.Value.(*Entry[V])
	if c.ttl > 0 && c.now().Sub(e.InsertedAt) > c.ttl {
		c.removeLocked(el)
		c.expired.Add(1)
		c.misses.Add(1)
		return Entry[V]{}, false
	}
	c.hits.Add(1)
	return *e, true
}

// Put stores value under key. Replacing an existing key keeps its place in
// the eviction order but refreshes the insertion time used for TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*Entry[V])
		e.Value = value
		e.InsertedAt = now
		return
	}

	for c.order.Len() >= c.limit {
		c.removeLocked(c.order.Front())
		c.evictions.Add(1)
	}
	c.entries[key] = c.order.PushBack(&Entry[V]{Key: key, Value: value, InsertedAt: now})
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of stored entries, including any not yet found expired.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear drops every entry. Sessions call this when they end.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.entries)
}

// Keys returns the stored keys from oldest to newest.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Entry[V]).Key)
	}
	return keys
}

// Stats returns current counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Capacity:  c.limit,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}

func (c *Cache[V]) removeLocked(el *list.Element) {
	e := c.order.Remove(el).(*Entry[V])
	delete(c.entries, e.Key)
}
