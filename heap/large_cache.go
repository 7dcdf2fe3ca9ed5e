package heap

import (
	"math/bits"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/jalloc/jalloc"
	"github.com/jalloc/jalloc/internal/vm"
	"github.com/jalloc/jalloc/metadata"
)

const (
	// LargeCacheBuckets is the number of size buckets; bucket i covers block
	// sizes in [MinCacheBlock<<i, MinCacheBlock<<(i+1)), with the top bucket
	// clamped to MaxCacheBlock
	LargeCacheBuckets = 8
	// BucketSlots is the number of blocks each bucket retains
	BucketSlots = 4
	// MinCacheBlock and MaxCacheBlock bound the block sizes the cache admits
	MinCacheBlock = 4 * 1024
	MaxCacheBlock = 16 * 1024 * 1024
	// MaxCacheBytes bounds the total payload bytes held across all buckets
	MaxCacheBytes = 64 * 1024 * 1024
	// MaxSizeRatio is the reuse tolerance: a cached block satisfies a request
	// when its size is within [request, request*MaxSizeRatio], and eviction
	// only replaces a block when the incoming size is within the same ratio
	// of the evicted one
	MaxSizeRatio = 1.25
)

var cacheEpoch = time.Now()

// cacheTimestamp returns a monotonic reading for last-use ordering. Go does
// not expose a cycle counter, so the steady clock stands in.
func cacheTimestamp() int64 {
	return int64(time.Since(cacheEpoch))
}

type cacheEntry struct {
	ptr     atomic.Uintptr
	size    int
	lastUse int64
}

type sizeBucket struct {
	count   atomic.Int32
	entries [BucketSlots]cacheEntry
}

// largeBlockCache retains recently freed page-multiple blocks so that a
// following large allocation of a close-enough size can skip the OS mapper.
// Entries are claimed and replaced through pointer compare-and-swap.
type largeBlockCache struct {
	buckets     [LargeCacheBuckets]sizeBucket
	totalCached atomic.Int64
}

func bucketIndex(size int) int {
	if size <= MinCacheBlock {
		return 0
	}

	index := bits.Len64(uint64(size)>>12) - 1
	if index >= LargeCacheBuckets {
		index = LargeCacheBuckets - 1
	}
	return index
}

// GetCachedBlock claims and returns a cached block whose size lies within
// [size, size*MaxSizeRatio], or nil. Scan order is bucket-entry order, so
// size ties resolve to the first match.
func (c *largeBlockCache) GetCachedBlock(size int) unsafe.Pointer {
	if size < MinCacheBlock || size > MaxCacheBlock {
		return nil
	}

	bucket := &c.buckets[bucketIndex(size)]
	maxSize := int(float64(size) * MaxSizeRatio)

	for i := 0; i < BucketSlots; i++ {
		entry := &bucket.entries[i]
		addr := entry.ptr.Load()

		if addr != 0 && entry.size >= size && entry.size <= maxSize {
			if entry.ptr.CompareAndSwap(addr, 0) {
				bucket.count.Add(-1)
				c.totalCached.Add(-int64(entry.size))
				return unsafe.Pointer(addr)
			}
		}
	}

	return nil
}

// CacheBlock offers a freed block to the cache. Returns true when the cache
// took ownership. A full bucket evicts its least recently used entry, but
// only when the incoming block is within MaxSizeRatio of the one it would
// replace; an evicted block is unmapped.
func (c *largeBlockCache) CacheBlock(ptr unsafe.Pointer, size int) bool {
	if size < MinCacheBlock || size > MaxCacheBlock {
		return false
	}

	if c.totalCached.Load()+int64(size) > MaxCacheBytes {
		return false
	}

	bucket := &c.buckets[bucketIndex(size)]

	for i := 0; i < BucketSlots; i++ {
		entry := &bucket.entries[i]
		if entry.ptr.CompareAndSwap(0, uintptr(ptr)) {
			entry.size = size
			entry.lastUse = cacheTimestamp()
			bucket.count.Add(1)
			c.totalCached.Add(int64(size))
			return true
		}
	}

	// Bucket is full; find the stalest entry, ties broken by smaller index.
	oldestIndex := 0
	oldestTime := int64(-1)
	for i := 0; i < BucketSlots; i++ {
		entry := &bucket.entries[i]
		if entry.ptr.Load() == 0 {
			continue
		}
		if oldestTime < 0 || entry.lastUse < oldestTime {
			oldestTime = entry.lastUse
			oldestIndex = i
		}
	}

	oldest := &bucket.entries[oldestIndex]
	previous := oldest.ptr.Load()
	if previous == 0 || size > int(float64(oldest.size)*MaxSizeRatio) {
		return false
	}

	if !oldest.ptr.CompareAndSwap(previous, uintptr(ptr)) {
		return false
	}

	evictedSize := oldest.size
	c.totalCached.Add(-int64(evictedSize))
	oldest.size = size
	oldest.lastUse = cacheTimestamp()
	c.totalCached.Add(int64(size))

	unmapLargeBlock(unsafe.Pointer(previous), evictedSize)
	return true
}

// Clear unmaps every cached block and zeroes the accounting.
func (c *largeBlockCache) Clear() {
	for b := 0; b < LargeCacheBuckets; b++ {
		bucket := &c.buckets[b]
		for i := 0; i < BucketSlots; i++ {
			entry := &bucket.entries[i]
			addr := entry.ptr.Swap(0)
			if addr != 0 {
				unmapLargeBlock(unsafe.Pointer(addr), entry.size)
			}
			entry.size = 0
			entry.lastUse = 0
		}
		bucket.count.Store(0)
	}

	c.totalCached.Store(0)
}

// Validate cross-checks the byte accounting against the live entries.
func (c *largeBlockCache) Validate() error {
	var total int64
	for b := 0; b < LargeCacheBuckets; b++ {
		bucket := &c.buckets[b]
		live := int32(0)
		for i := 0; i < BucketSlots; i++ {
			entry := &bucket.entries[i]
			if entry.ptr.Load() != 0 {
				live++
				total += int64(entry.size)
			}
		}
		if count := bucket.count.Load(); count != live {
			return errors.Errorf("bucket %d reports %d entries but holds %d", b, count, live)
		}
	}

	if cached := c.totalCached.Load(); cached != total {
		return errors.Errorf("cache reports %d bytes but entries hold %d", cached, total)
	}

	return nil
}

// AddStatistics counts cached blocks as pool storage held by the thread.
func (c *largeBlockCache) AddStatistics(stats *jalloc.Statistics) {
	for b := 0; b < LargeCacheBuckets; b++ {
		bucket := &c.buckets[b]
		for i := 0; i < BucketSlots; i++ {
			entry := &bucket.entries[i]
			if entry.ptr.Load() != 0 {
				stats.PoolCount++
				stats.PoolBytes += mappedLength(entry.size)
			}
		}
	}
}

// mappedLength is the true length of the mapping backing a large block of
// the given payload size: the header prefix plus payload, rounded up to a
// page multiple, never less than one page.
func mappedLength(size int) int {
	total := size + metadata.HeaderSize
	if total <= metadata.PageSize {
		return metadata.PageSize
	}
	return jalloc.AlignUp(total, metadata.PageSize)
}

// unmapLargeBlock releases the mapping behind a large block's user pointer.
func unmapLargeBlock(userPtr unsafe.Pointer, size int) {
	base := unsafe.Add(userPtr, -metadata.HeaderSize)
	_ = vm.Unmap(base, mappedLength(size))
}
