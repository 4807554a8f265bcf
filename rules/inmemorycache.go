package rules

import (
	"sync"
	"time"
)

type cachedTree struct {
	tree     *Tree
	cachedAt time.Time
}

// InMemoryTreeCache is a simple in-memory implementation of TreeCache
// Thread-safe for concurrent access
type InMemoryTreeCache struct {
	trees  map[Owner]cachedTree
	config CacheConfig
	now    func() time.Time
	mu     sync.RWMutex
}

// NewInMemoryTreeCache creates a new in-memory tree cache
func NewInMemoryTreeCache(config CacheConfig) *InMemoryTreeCache {
	return &InMemoryTreeCache{
		trees:  make(map[Owner]cachedTree),
		config: config,
		now:    time.Now,
	}
}

// Get retrieves a cached tree
// Returns nil if absent or expired
func (c *InMemoryTreeCache) Get(owner Owner) *Tree {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.trees[owner]
	if !ok || c.expired(entry) {
		return nil
	}
	return entry.tree
}

// Set stores a tree in the cache
func (c *InMemoryTreeCache) Set(owner Owner, tree *Tree) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.MaxEntries > 0 && len(c.trees) >= c.config.MaxEntries {
		if _, exists := c.trees[owner]; !exists {
			c.trees = make(map[Owner]cachedTree)
		}
	}
	c.trees[owner] = cachedTree{tree: tree, cachedAt: c.now()}
}

// Invalidate drops one owner's tree
func (c *InMemoryTreeCache) Invalidate(owner Owner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.trees, owner)
}

// InvalidateAll clears the cache
func (c *InMemoryTreeCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trees = make(map[Owner]cachedTree)
}

// IsValid returns true if the cache holds a live tree for owner
func (c *InMemoryTreeCache) IsValid(owner Owner) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.trees[owner]
	return ok && !c.expired(entry)
}

func (c *InMemoryTreeCache) expired(entry cachedTree) bool {
	return c.config.TTL > 0 && c.now().Sub(entry.cachedAt) > c.config.TTL
}
