package rules

import "time"

// RulesCache holds the snapshot of enabled rules used by the dispatcher.
// This allows swapping between in-memory, Redis, or other caching implementations.
type RulesCache interface {
	// Get returns cached rules for a trigger and whether the cache was valid.
	// A valid cache with no rules for the trigger returns (nil, true).
	Get(trigger Trigger) ([]*Rule, bool)

	// Generation returns a token that changes on every Invalidate. Read it
	// before loading rules from the store and pass it to Set.
	Generation() uint64

	// Set replaces the cached snapshot with the given rules unless the cache
	// was invalidated after generation was read. It reports whether the
	// snapshot was stored.
	Set(generation uint64, rules []*Rule) bool

	// Invalidate clears the cache, forcing a reload on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only); multi-node
	// deployments sharing one database need a TTL to pick up peers' edits.
	TTL time.Duration
}

// DefaultCacheConfig returns the single-node defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
