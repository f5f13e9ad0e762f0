// Package cache provides caching and advisory locking for Kestrel.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sweepEvery is the number of lock and counter operations between sweeps
// of expired locks and counters.
const sweepEvery = 256

// Stats describes the in-process cache.
type Stats struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Locks    int    `json:"locks"`
	Counters int    `json:"counters"`
}

// LRUCache is an in-process LRU cache with TTLs, windowed counters and
// advisory locks. It backs the community tier and is L1 of the two-phase cache.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
	counters map[string]*expiring
	locks    map[string]*expiring

	hits, misses uint64
	ops          int
	now          func() time.Time
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// expiring is a counter value or a lock token that lapses at expiresAt.
type expiring struct {
	count     int64
	token     string
	expiresAt time.Time
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*expiring),
		locks:    make(map[string]*expiring),
		now:      time.Now,
	}
}

// Get returns the value for key, or nil on a miss or an expired entry.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, nil
	}
	entry := elem.Value.(*cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.remove(elem)
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, nil
}

// Set stores value under key for ttl, evicting the least recently used entries.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.capacity {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes key.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.remove(elem)
	}
	return nil
}

// IncrementCounter adds one to the counter at key. A counter that does not
// exist or whose window has lapsed restarts at 1.
func (c *LRUCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.maybeSweep(now)

	if ctr, ok := c.counters[key]; ok && now.Before(ctr.expiresAt) {
		ctr.count++
		return ctr.count, nil
	}
	c.counters[key] = &expiring{count: 1, expiresAt: now.Add(window)}
	return 1, nil
}

// AcquireLock takes the advisory lock at key for ttl. It returns false when
// another holder's lock has not expired.
func (c *LRUCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.maybeSweep(now)

	if held, ok := c.locks[key]; ok && now.Before(held.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	c.locks[key] = &expiring{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

// ReleaseLock releases the lock at key if token still owns it.
func (c *LRUCache) ReleaseLock(ctx context.Context, key string, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if held, ok := c.locks[key]; ok && held.token == token {
		delete(c.locks, key)
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry, counter and lock.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order = list.New()
	c.counters = make(map[string]*expiring)
	c.locks = make(map[string]*expiring)
	return nil
}

// Stats returns a snapshot of cache usage.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:  c.order.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		Locks:    len(c.locks),
		Counters: len(c.counters),
	}
}

func (c *LRUCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*cacheEntry).key)
}

// maybeSweep drops lapsed locks and counters. Batch claims and policy locks
// are keyed per day and per policy, so without it the maps only grow.
func (c *LRUCache) maybeSweep(now time.Time) {
	c.ops++
	if c.ops < sweepEvery {
		return
	}
	c.ops = 0
	for k, v := range c.locks {
		if !now.Before(v.expiresAt) {
			delete(c.locks, k)
		}
	}
	for k, v := range c.counters {
		if !now.Before(v.expiresAt) {
			delete(c.counters, k)
		}
	}
}
