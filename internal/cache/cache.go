// Package cache implements ConfigCache: a bounded, per-entry-TTL cache
// of policy snapshots keyed by (kind, client id), evicting the
// oldest-inserted entry (FIFO by creation time, not LRU, since recency
// of use tells us nothing about how fresh a policy snapshot is) once at
// capacity.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/estuary/federator/internal/metrics"
)

// Kind distinguishes producer snapshots from consumer snapshots sharing
// one cache instance.
type Kind int

const (
	Producer Kind = iota
	Consumer
)

// String names kind for metrics labels.
func (k Kind) String() string {
	switch k {
	case Producer:
		return "producer"
	case Consumer:
		return "consumer"
	default:
		return "unknown"
	}
}

type key struct {
	kind Kind
	id   string
}

type entry struct {
	key       key
	value     any
	expiresAt time.Time
	elem      *list.Element
}

// Stats mirrors the cache's `stats()` contract.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// Cache is a concurrent-safe, bounded, TTL+FIFO policy snapshot cache.
// Every operation, Get included, takes the same single mutex, so
// concurrent readers do block each other.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	entries    map[key]*entry
	order      *list.List // front = oldest inserted

	hits, misses, evictions uint64
}

// New constructs a Cache bounded to capacity entries with defaultTTL
// applied to every Put.
func New(capacity int, defaultTTL time.Duration) *Cache {
	return &Cache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		entries:    make(map[key]*entry),
		order:      list.New(),
	}
}

// Get returns a cached, non-expired snapshot, or ok=false on a miss.
// An expired entry found on read is evicted immediately.
func (c *Cache) Get(kind Kind, id string) (value any, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var k = key{kind, id}
	e, found := c.entries[k]
	if !found {
		c.misses++
		metrics.CacheMisses.WithLabelValues(kind.String()).Inc()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		c.misses++
		metrics.CacheMisses.WithLabelValues(kind.String()).Inc()
		return nil, false
	}
	c.hits++
	metrics.CacheHits.WithLabelValues(kind.String()).Inc()
	return e.value, true
}

// Put installs value under (kind, id) with expiry = now + defaultTTL.
// If the cache is at capacity, the oldest-inserted entry across all
// kinds is evicted first.
func (c *Cache) Put(kind Kind, id string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var k = key{kind, id}
	if old, found := c.entries[k]; found {
		c.removeLocked(old)
	}

	for len(c.entries) >= c.capacity && c.capacity > 0 {
		var front = c.order.Front()
		if front == nil {
			break
		}
		var evicted = front.Value.(*entry)
		c.removeLocked(evicted)
		c.evictions++
		metrics.CacheEvictions.WithLabelValues(evicted.key.kind.String()).Inc()
	}

	var e = &entry{key: k, value: value, expiresAt: time.Now().Add(c.defaultTTL)}
	e.elem = c.order.PushBack(e)
	c.entries[k] = e
}

// Clear removes every entry of the given kind.
func (c *Cache) Clear(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if k.kind == kind {
			c.removeLocked(e)
		}
	}
}

// ClearAll removes every entry.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[key]*entry)
	c.order.Init()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// removeLocked removes e from both the map and the FIFO list. Caller
// must hold c.mu.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	if e.elem != nil {
		c.order.Remove(e.elem)
	}
}
