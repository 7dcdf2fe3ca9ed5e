package heap

import (
	"unsafe"

	"github.com/jalloc/jalloc/metadata"
)

// CacheSize is the per-class depth of the thread cache.
const CacheSize = 32

type classCache struct {
	blocks [CacheSize]unsafe.Pointer
	count  int
}

// threadCache holds recently freed user pointers, keyed by size class, in
// LIFO order so the hottest block is reused first. The underlying pool still
// owns every slot; the cache records free-list membership only, and the
// header's free flag stays set while a block sits here so double frees are
// detectable.
type threadCache struct {
	caches [metadata.SizeClasses]classCache
}

// Get pops the most recently cached pointer for the class, or nil.
func (c *threadCache) Get(sizeClass uint8) unsafe.Pointer {
	cache := &c.caches[sizeClass]
	if cache.count == 0 {
		return nil
	}

	cache.count--
	ptr := cache.blocks[cache.count]
	cache.blocks[cache.count] = nil
	return ptr
}

// Put pushes a freed user pointer. Returns false when the class is at
// capacity, signaling the caller to fall through to pool deallocation.
func (c *threadCache) Put(ptr unsafe.Pointer, sizeClass uint8) bool {
	cache := &c.caches[sizeClass]
	if cache.count >= CacheSize {
		return false
	}

	cache.blocks[cache.count] = ptr
	cache.count++
	return true
}

// Clear drops every cached pointer. The blocks remain in their pools.
func (c *threadCache) Clear() {
	for i := range c.caches {
		cache := &c.caches[i]
		for j := 0; j < cache.count; j++ {
			cache.blocks[j] = nil
		}
		cache.count = 0
	}
}
