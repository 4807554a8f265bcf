package rules

import (
	"testing"
	"time"
)

// TestTreeCacheInterfaceExists verifies InMemoryTreeCache implements TreeCache
func TestTreeCacheInterfaceExists(t *testing.T) {
	var _ TreeCache = (*InMemoryTreeCache)(nil)
}

// TestInMemoryTreeCacheSetGet verifies basic caching and invalidation
func TestInMemoryTreeCacheSetGet(t *testing.T) {
	cache := NewInMemoryTreeCache(DefaultCacheConfig())
	tree := mustTree(t, rule("a", "", 0, "", OpAlwaysTrue, ""))

	if cache.Get(testOwner) != nil {
		t.Fatal("Empty cache should miss")
	}

	cache.Set(testOwner, tree)
	if cache.Get(testOwner) != tree {
		t.Error("Get() should return the cached tree")
	}
	if !cache.IsValid(testOwner) {
		t.Error("IsValid() should be true after Set()")
	}

	cache.Invalidate(testOwner)
	if cache.Get(testOwner) != nil {
		t.Error("Get() should miss after Invalidate()")
	}
}

// TestInMemoryTreeCacheTTL verifies entries expire after the TTL
func TestInMemoryTreeCacheTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewInMemoryTreeCache(CacheConfig{TTL: time.Minute})
	cache.now = func() time.Time { return now }

	cache.Set(testOwner, mustTree(t))
	now = now.Add(30 * time.Second)
	if cache.Get(testOwner) == nil {
		t.Error("Entry should still be valid before TTL")
	}

	now = now.Add(time.Minute)
	if cache.Get(testOwner) != nil {
		t.Error("Entry should expire after TTL")
	}
	if cache.IsValid(testOwner) {
		t.Error("IsValid() should be false after TTL")
	}
}

// TestInMemoryTreeCacheMaxEntries verifies a full cache is reset
func TestInMemoryTreeCacheMaxEntries(t *testing.T) {
	cache := NewInMemoryTreeCache(CacheConfig{MaxEntries: 2})
	first := MonitoringOwner("i1")
	second := MonitoringOwner("i2")
	third := MonitoringOwner("i3")

	cache.Set(first, &Tree{owner: first})
	cache.Set(second, &Tree{owner: second})
	cache.Set(second, &Tree{owner: second})
	if !cache.IsValid(first) {
		t.Fatal("Replacing an entry should not reset the cache")
	}

	cache.Set(third, &Tree{owner: third})
	if cache.IsValid(first) || cache.IsValid(second) {
		t.Error("Older entries should be dropped when the cache is full")
	}
	if !cache.IsValid(third) {
		t.Error("New entry should be cached")
	}

	cache.InvalidateAll()
	if cache.IsValid(third) {
		t.Error("InvalidateAll() should drop every entry")
	}
}
