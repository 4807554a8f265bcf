package rules

import "time"

// TreeCache caches validated rule trees per owner.
// This allows swapping between in-memory or shared caching implementations
type TreeCache interface {
	// Get retrieves a cached tree, returns nil on cache miss or expiry
	Get(owner Owner) *Tree

	// Set stores a tree in the cache
	Set(owner Owner, tree *Tree)

	// Invalidate drops one owner's tree, forcing a reload on next Get
	Invalidate(owner Owner)

	// InvalidateAll drops every cached tree
	InvalidateAll()

	// IsValid returns true if the cache holds a live tree for owner
	IsValid(owner Owner) bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration

	// MaxEntries bounds the number of cached trees; 0 means unbounded.
	// When full, the whole cache is dropped.
	MaxEntries int
}

// DefaultCacheConfig returns the defaults for tree caching: trees stay cached
// until a mutation invalidates them, and are reloaded at least every ten
// minutes to pick up edits made by other processes.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:        10 * time.Minute,
		MaxEntries: 10000,
	}
}
