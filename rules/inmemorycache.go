package rules

import (
	"sync"
	"time"
)

// InMemoryRulesCache is the in-process RulesCache.
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	snapshot *Snapshot
	config   CacheConfig
	now      func() time.Time
	mu       sync.RWMutex
}

// NewInMemoryRulesCache creates an empty cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		config: config,
		now:    time.Now,
	}
}

// Get returns the snapshot unless it is missing or past its TTL
func (c *InMemoryRulesCache) Get() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.freshLocked() {
		return nil
	}
	return c.snapshot
}

// Set builds and stores a snapshot of rules
func (c *InMemoryRulesCache) Set(rules []*Rule) {
	snap := newSnapshot(rules, c.now())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snap
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot = nil
}

// IsValid returns true if the cache holds a fresh snapshot
func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.freshLocked()
}

func (c *InMemoryRulesCache) freshLocked() bool {
	if c.snapshot == nil {
		return false
	}
	if c.config.TTL > 0 && c.now().Sub(c.snapshot.CachedAt) > c.config.TTL {
		return false
	}
	return true
}
