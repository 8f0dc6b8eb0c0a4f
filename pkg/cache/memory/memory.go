// Package memory is the in-process L1 layer of the directory cache.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"bank-ledger/pkg/cache"
)

// MemoryCache is an in-memory cache.Layer with TTL expiry and LRU eviction.
// It is safe for concurrent use.
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	recency *list.List // front is most recently used
	config  MemoryCacheConfig

	evictions uint64
	expired   uint64

	ticker    *time.Ticker
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryCacheConfig holds configuration for the memory cache
type MemoryCacheConfig struct {
	// Name is the cache layer identifier
	Name string

	// MaxSize is the maximum number of entries (0 = unlimited)
	MaxSize int

	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration

	// CleanupInterval is how often expired entries are swept.
	CleanupInterval time.Duration
}

// NewMemoryCache creates a cache and starts its sweeper goroutine.
// Close stops it.
func NewMemoryCache(config MemoryCacheConfig) *MemoryCache {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	c := &MemoryCache{
		items:   make(map[string]*list.Element),
		recency: list.New(),
		config:  config,
		ticker:  time.NewTicker(config.CleanupInterval),
		stop:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.sweep()
	return c
}

// Get returns a copy of the value stored under key.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, cache.ErrKeyNotFound
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.remove(el)
		c.expired++
		return nil, cache.ErrKeyNotFound
	}

	c.recency.MoveToFront(el)
	return append([]byte(nil), e.value...), nil
}

// Set stores a copy of value. A zero ttl uses the configured default.
// When the cache is full the least recently used entry is evicted.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	e := &entry{
		key:       key,
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value = e
		c.recency.MoveToFront(el)
		return nil
	}

	if c.config.MaxSize > 0 && len(c.items) >= c.config.MaxSize {
		if oldest := c.recency.Back(); oldest != nil {
			c.remove(oldest)
			c.evictions++
		}
	}
	c.items[key] = c.recency.PushFront(e)
	return nil
}

// Delete removes key. Missing keys are not an error.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	c.mu.Unlock()
	return nil
}

// remove must be called with mu held.
func (c *MemoryCache) remove(el *list.Element) {
	c.recency.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

// Name returns the cache layer name.
func (c *MemoryCache) Name() string {
	return c.config.Name
}

// Close stops the sweeper and drops every entry. It is safe to call twice.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		c.ticker.Stop()
		close(c.stop)
		c.wg.Wait()

		c.mu.Lock()
		c.items = make(map[string]*list.Element)
		c.recency.Init()
		c.mu.Unlock()
	})
	return nil
}

func (c *MemoryCache) sweep() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ticker.C:
			c.removeExpired(time.Now())
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) removeExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.recency.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			c.remove(el)
			c.expired++
		}
		el = prev
	}
}

// MemoryCacheStats describes the cache contents.
type MemoryCacheStats struct {
	Size      int
	MaxSize   int
	Evictions uint64
	Expired   uint64
}

// Stats returns current cache statistics.
func (c *MemoryCache) Stats() MemoryCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return MemoryCacheStats{
		Size:      len(c.items),
		MaxSize:   c.config.MaxSize,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}
