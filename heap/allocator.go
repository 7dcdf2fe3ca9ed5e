package heap

import (
	"math/bits"
	"unsafe"

	"golang.org/x/exp/slog"

	"github.com/jalloc/jalloc"
	"github.com/jalloc/jalloc/internal/utils"
	"github.com/jalloc/jalloc/internal/vm"
	"github.com/jalloc/jalloc/metadata"
)

// Allocator is the coordinator for one thread's heap: it classifies request
// sizes into the tiny, small, medium, and large tiers and routes them to the
// tier's backing structure. An Allocator is intended to be thread-confined;
// the internal mutex (disabled with AllocatorCreateExternallySynchronized)
// exists so that registry teardown and accidental sharing stay safe rather
// than to make concurrent use fast.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	mutex       utils.OptionalMutex

	threadCache threadCache
	largeCache  largeBlockCache
	poolMgr     *poolManager
	tinyPools   [metadata.TinyClasses]*metadata.TinyPool
}

// Allocate returns a block of at least size bytes, aligned to the cache
// line, or nil when size is zero or beyond the representable maximum, or
// when every backing tier is exhausted.
func (a *Allocator) Allocate(size int) unsafe.Pointer {
	a.logger.Debug("Allocator::Allocate", slog.Int("size", size))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	ptr, _ := a.allocate(size)
	return ptr
}

// allocate dispatches by tier. The second return value reports whether the
// block came from a fresh anonymous mapping and is therefore already
// zero-filled.
func (a *Allocator) allocate(size int) (unsafe.Pointer, bool) {
	if size <= 0 || size > metadata.MaxAllocSize {
		return nil, false
	}

	if size <= metadata.TinyLargeThreshold {
		return a.allocateTiny(size), false
	}

	if size >= metadata.PageSize {
		return a.allocateLarge(size)
	}

	sizeClass := metadata.ClassForSize(size)
	if size > metadata.ClassCapacity(sizeClass) {
		// The top medium class cannot carry a header plus this payload inside
		// one pool page.
		return a.allocateLarge(size)
	}

	if size <= metadata.SmallLargeThreshold {
		return a.allocateSmall(size, sizeClass), false
	}

	return a.allocateMedium(size, sizeClass), false
}

func (a *Allocator) allocateTiny(size int) unsafe.Pointer {
	sizeClass := uint8((size - 1) >> 3)
	if sizeClass >= metadata.TinyClasses {
		return nil
	}

	pool := a.tinyPools[sizeClass]
	if pool == nil {
		var err error
		pool, err = metadata.NewTinyPool(sizeClass)
		if err != nil {
			a.logger.Debug("Allocator::allocateTiny failed to map a pool",
				slog.Int("sizeClass", int(sizeClass)),
				slog.Any("error", err))
			return nil
		}
		a.tinyPools[sizeClass] = pool
	}

	slot := pool.AllocateTiny(sizeClass)
	if slot == nil {
		return nil
	}

	header := metadata.HeaderAt(slot)
	header.Init(size, sizeClass, false, nil, nil)

	return header.UserPointer()
}

func (a *Allocator) allocateSmall(size int, sizeClass uint8) unsafe.Pointer {
	return a.allocatePooled(size, sizeClass)
}

func (a *Allocator) allocateMedium(size int, sizeClass uint8) unsafe.Pointer {
	return a.allocatePooled(size, sizeClass)
}

func (a *Allocator) allocatePooled(size int, sizeClass uint8) unsafe.Pointer {
	cached := a.threadCache.Get(sizeClass)
	if cached != nil {
		header := metadata.FromUserPointer(cached)
		if header.IsValid() {
			header.Encode(size, sizeClass, false)
			return cached
		}
		// A corrupted cache entry is dropped on the floor rather than handed
		// out; fall through to the pool.
	}

	slot := a.poolMgr.Allocate(sizeClass)
	if slot == nil {
		return nil
	}

	header := metadata.HeaderAt(slot)
	header.Init(size, sizeClass, false, nil, nil)

	pool := a.poolMgr.PoolForAddress(uintptr(slot))
	if pool != nil {
		pool.LinkPhysical(header)
	}

	return header.UserPointer()
}

func (a *Allocator) allocateLarge(size int) (unsafe.Pointer, bool) {
	cached := a.largeCache.GetCachedBlock(size)
	if cached != nil {
		header := metadata.FromUserPointer(cached)
		header.SetFree(false)
		return cached, false
	}

	length := mappedLength(size)
	base, err := vm.Map(length)
	if err != nil {
		a.logger.Debug("Allocator::allocateLarge map refused",
			slog.Int("size", size),
			slog.Any("error", err))
		return nil, false
	}

	header := metadata.HeaderAt(base)
	header.Init(size, metadata.LargeClass, false, nil, nil)
	header.SetMemoryMapped(true)

	return header.UserPointer(), true
}

// Deallocate returns a block to the allocator. Null, misaligned, corrupted,
// and double-freed pointers are silent no-ops: the allocator is the memory
// provider of last resort and prefers safety over failure reporting.
func (a *Allocator) Deallocate(ptr unsafe.Pointer) {
	a.logger.Debug("Allocator::Deallocate")

	if ptr == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.deallocate(ptr)
}

func (a *Allocator) deallocate(ptr unsafe.Pointer) {
	if !metadata.IsAligned(ptr) {
		return
	}

	// A legitimate user pointer always sits at least one header past its
	// page base, so a page-boundary pointer cannot have come from us.
	if uintptr(ptr)%metadata.PageSize == 0 {
		return
	}

	header := metadata.FromUserPointer(ptr)
	if !header.IsValid() {
		return
	}

	sizeClass := header.SizeClass()
	if sizeClass >= metadata.SizeClasses && sizeClass != metadata.LargeClass {
		return
	}

	if header.IsFree() {
		return
	}

	if sizeClass < metadata.TinyClasses {
		pool := a.tinyPools[sizeClass]
		if pool != nil && pool.Contains(unsafe.Pointer(header)) {
			header.SetFree(true)
			pool.DeallocateTiny(unsafe.Pointer(header), sizeClass)
		}
		return
	}

	if sizeClass == metadata.LargeClass {
		size := header.Size()
		header.SetFree(true)
		if a.largeCache.CacheBlock(ptr, size) {
			return
		}

		unmapLargeBlock(ptr, size)
		return
	}

	if a.threadCache.Put(ptr, sizeClass) {
		header.SetFree(true)
		return
	}

	header.SetFree(true)
	pool := a.poolMgr.PoolForAddress(uintptr(unsafe.Pointer(header)))
	if pool != nil && pool.TryCoalesce(header) {
		pool.ReturnMemory()
	}

	a.poolMgr.Deallocate(unsafe.Pointer(header), sizeClass)
}

// Reallocate resizes a block, in place when the block's slot or mapping can
// already hold newSize, moving it otherwise. A nil ptr allocates; a zero
// newSize deallocates and returns nil. When the block moves, the old block
// is freed only after a successful copy.
func (a *Allocator) Reallocate(ptr unsafe.Pointer, newSize int) unsafe.Pointer {
	a.logger.Debug("Allocator::Reallocate", slog.Int("newSize", newSize))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.reallocate(ptr, newSize)
}

func (a *Allocator) reallocate(ptr unsafe.Pointer, newSize int) unsafe.Pointer {
	if ptr == nil {
		newPtr, _ := a.allocate(newSize)
		return newPtr
	}

	if !metadata.IsAligned(ptr) {
		return nil
	}

	if newSize == 0 {
		a.deallocate(ptr)
		return nil
	}

	header := metadata.FromUserPointer(ptr)
	if !header.IsValid() {
		return nil
	}

	// Resizing a block that has already been freed would resurrect it behind
	// the caches' backs.
	if header.IsFree() {
		return nil
	}

	oldSize := header.Size()
	oldClass := header.SizeClass()

	if oldClass < metadata.SizeClasses {
		if newSize <= metadata.ClassCapacity(oldClass) {
			if newSize > oldSize {
				header.Encode(newSize, oldClass, false)
			}
			return ptr
		}
	} else if oldClass == metadata.LargeClass {
		capacity := mappedLength(oldSize) - metadata.HeaderSize
		if newSize <= capacity {
			if newSize > oldSize {
				header.Encode(newSize, metadata.LargeClass, false)
				header.SetMemoryMapped(true)
			}
			return ptr
		}
	}

	if header.IsMemoryMapped() && vm.SupportsRemap {
		oldLength := mappedLength(oldSize)
		newLength := mappedLength(newSize)

		newBase, err := vm.Remap(unsafe.Pointer(header), oldLength, newLength)
		if err == nil {
			newHeader := metadata.HeaderAt(newBase)
			newHeader.Init(newSize, metadata.LargeClass, false, nil, nil)
			newHeader.SetMemoryMapped(true)
			return newHeader.UserPointer()
		}
	}

	newPtr, _ := a.allocate(newSize)
	if newPtr == nil {
		return nil
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	copy(byteSlice(newPtr, copySize), byteSlice(ptr, copySize))

	a.deallocate(ptr)
	return newPtr
}

// Callocate allocates a zero-filled block of count*size bytes, returning nil
// on multiplication overflow. Fresh anonymous mappings skip the explicit
// clear; on platforms where page advice guarantees zero-fill, large interior
// spans are dropped page-wise instead of written.
func (a *Allocator) Callocate(count, size int) unsafe.Pointer {
	a.logger.Debug("Allocator::Callocate",
		slog.Int("count", count),
		slog.Int("size", size))

	if count <= 0 || size <= 0 {
		return nil
	}

	overflow, total := bits.Mul64(uint64(count), uint64(size))
	if overflow != 0 || total > metadata.MaxAllocSize {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	ptr, freshMapping := a.allocate(int(total))
	if ptr == nil {
		return nil
	}

	if !freshMapping {
		a.zeroBlock(ptr, int(total))
	}

	return ptr
}

func (a *Allocator) zeroBlock(ptr unsafe.Pointer, total int) {
	header := metadata.FromUserPointer(ptr)

	if total >= metadata.PageSize && vm.SupportsZeroAdvise && header.IsMemoryMapped() {
		start := uintptr(ptr)
		pageStart := jalloc.AlignUpPtr(start, metadata.PageSize)
		pageEnd := jalloc.AlignDownPtr(start+uintptr(total), metadata.PageSize)

		if pageEnd > pageStart {
			err := vm.AdviseDontNeed(unsafe.Pointer(pageStart), int(pageEnd-pageStart))
			if err == nil {
				zeroRange(ptr, int(pageStart-start))
				zeroRange(unsafe.Pointer(pageEnd), int(start+uintptr(total)-pageEnd))
				return
			}
		}
	}

	zeroRange(ptr, total)
}

// Cleanup releases everything this allocator holds that no live block needs:
// both caches are emptied, cached large regions are unmapped, tiny pools are
// destroyed, and empty pools are released. Pools still holding live blocks
// are deliberately leaked.
func (a *Allocator) Cleanup() {
	a.logger.Debug("Allocator::Cleanup")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.largeCache.Clear()
	a.threadCache.Clear()

	for sizeClass := range a.tinyPools {
		pool := a.tinyPools[sizeClass]
		if pool != nil {
			err := pool.Destroy()
			if err != nil {
				a.logger.Debug("Allocator::Cleanup tiny pool unmap failed",
					slog.Int("sizeClass", sizeClass),
					slog.Any("error", err))
			}
			a.tinyPools[sizeClass] = nil
		}
	}

	a.poolMgr.Destroy()
}

// Validate runs internal consistency checks across every tier.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.poolMgr.Validate()
	if err != nil {
		return err
	}

	return a.largeCache.Validate()
}

// CalculateStatistics sums current usage across every tier into stats.
func (a *Allocator) CalculateStatistics(stats *jalloc.Statistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.Clear()
	for sizeClass, pool := range a.tinyPools {
		if pool != nil {
			pool.AddStatistics(uint8(sizeClass), stats)
		}
	}
	a.poolMgr.AddStatistics(stats)
	a.largeCache.AddStatistics(stats)
}

func byteSlice(ptr unsafe.Pointer, length int) []byte {
	return unsafe.Slice((*byte)(ptr), length)
}

func zeroRange(ptr unsafe.Pointer, length int) {
	if length <= 0 {
		return
	}

	region := byteSlice(ptr, length)
	for i := range region {
		region[i] = 0
	}
}
