package cache

import (
	"sync"
	"time"
)

// Cache is an in-memory TTL cache used for recent market data snapshots and
// condition lookups. When full it evicts the least recently accessed entry.
type Cache struct {
	items    map[string]*item
	mu       sync.RWMutex
	maxSize  int
	ttl      time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

type item struct {
	value      interface{}
	expiration time.Time
	accessed   time.Time
}

// Stats reports cache occupancy.
type Stats struct {
	ItemCount int `json:"item_count"`
	MaxSize   int `json:"max_size"`
}

// New creates a cache with the given default TTL and size ceiling. A
// background janitor removes expired entries every ttl.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	c := &Cache{
		items:    make(map[string]*item),
		maxSize:  maxSize,
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get returns the cached value for key, or false when missing or expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(it.expiration) {
		delete(c.items, key)
		return nil, false
	}
	it.accessed = time.Now()
	return it.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with an explicit TTL.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	now := time.Now()
	c.items[key] = &item{
		value:      value,
		expiration: now.Add(ttl),
		accessed:   now,
	}
}

// Delete removes key from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// GetStats returns occupancy counters.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{ItemCount: len(c.items), MaxSize: c.maxSize}
}

// Close stops the janitor.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, it := range c.items {
		if first || it.accessed.Before(oldest) {
			oldestKey = key
			oldest = it.accessed
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, it := range c.items {
				if now.After(it.expiration) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
