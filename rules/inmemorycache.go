package rules

import (
	"sync"
	"time"
)

// InMemoryRulesCache is a simple in-memory implementation of RulesCache.
// Rules are grouped by trigger and kept in dispatch order.
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	byTrigger  map[Trigger][]*Rule
	cachedAt   time.Time
	config     CacheConfig
	mu         sync.RWMutex
	isValid    bool
	generation uint64
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{config: config}
}

// Get retrieves cached rules for trigger
func (c *InMemoryRulesCache) Get(trigger Trigger) ([]*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.validLocked() {
		return nil, false
	}

	cached := c.byTrigger[trigger]
	out := make([]*Rule, len(cached))
	for i, r := range cached {
		out[i] = r.Clone()
	}
	return out, true
}

// Generation returns the current invalidation generation
func (c *InMemoryRulesCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.generation
}

// Set stores a snapshot of rules in the cache. A snapshot loaded before the
// latest Invalidate is discarded.
func (c *InMemoryRulesCache) Set(generation uint64, rules []*Rule) bool {
	grouped := make(map[Trigger][]*Rule)
	for _, r := range rules {
		grouped[r.Trigger] = append(grouped[r.Trigger], r.Clone())
	}
	for _, list := range grouped {
		sortByPriority(list)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		return false
	}
	c.byTrigger = grouped
	c.cachedAt = time.Now()
	c.isValid = true
	return true
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.byTrigger = nil
	c.generation++
}

// IsValid returns true if cache contains valid data
func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.validLocked()
}

func (c *InMemoryRulesCache) validLocked() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 {
		return time.Since(c.cachedAt) <= c.config.TTL
	}
	return true
}
