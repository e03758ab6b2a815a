package vm

import (
	lru "github.com/hashicorp/golang-lru"
)

// methodCache memoizes call target resolution, keyed by
// "class#name:descriptor" of the class the lookup starts from. It is
// purged whenever classes or bridges change.
type methodCache struct {
	entries *lru.Cache

	hits   uint64
	misses uint64
}

// newMethodCache creates a cache of the given size. A size <= 0 disables
// caching.
func newMethodCache(size int) *methodCache {
	mc := &methodCache{}
	if size > 0 {
		c, err := lru.New(size)
		if err == nil {
			mc.entries = c
		}
	}
	return mc
}

func (mc *methodCache) get(key string) (*CompiledMethod, bool) {
	if mc.entries == nil {
		return nil, false
	}
	if v, ok := mc.entries.Get(key); ok {
		mc.hits++
		return v.(*CompiledMethod), true
	}
	mc.misses++
	return nil, false
}

func (mc *methodCache) add(key string, m *CompiledMethod) {
	if mc.entries != nil {
		mc.entries.Add(key, m)
	}
}

func (mc *methodCache) purge() {
	if mc.entries != nil {
		mc.entries.Purge()
	}
}

// CacheStats reports method cache hits, misses and current entries.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// MethodCacheStats returns the resolved-method cache statistics.
func (vm *VM) MethodCacheStats() CacheStats {
	s := CacheStats{Hits: vm.cache.hits, Misses: vm.cache.misses}
	if vm.cache.entries != nil {
		s.Entries = vm.cache.entries.Len()
	}
	return s
}
