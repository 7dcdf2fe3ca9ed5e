package heap_test

import (
	"encoding/json"
	"math"
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/jalloc/jalloc/heap"
	"github.com/jalloc/jalloc/metadata"
)

func createAllocator(t *testing.T) *heap.Allocator {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout))
	allocator := heap.New(logger, heap.CreateOptions{})
	t.Cleanup(allocator.Cleanup)

	return allocator
}

func blockBytes(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}

func TestAllocateRejectsInvalidSizes(t *testing.T) {
	allocator := createAllocator(t)

	require.Nil(t, allocator.Allocate(0))
	require.Nil(t, allocator.Allocate(-5))
	require.Nil(t, allocator.Allocate(metadata.MaxAllocSize+1))
}

func TestAllocateReturnsAlignedWritableBlocks(t *testing.T) {
	allocator := createAllocator(t)

	for _, size := range []int{1, 8, 48, 64, 65, 200, 256, 300, 1000, 3000, 4096, 100_000} {
		ptr := allocator.Allocate(size)
		require.NotNil(t, ptr, "size %d", size)
		require.Zero(t, uintptr(ptr)%metadata.Alignment, "size %d", size)

		region := blockBytes(ptr, size)
		for i := range region {
			region[i] = byte(i)
		}

		allocator.Deallocate(ptr)
	}

	require.NoError(t, allocator.Validate())
}

func TestTinyRoundTripReusesSlot(t *testing.T) {
	allocator := createAllocator(t)

	ptr := allocator.Allocate(32)
	require.NotNil(t, ptr)

	region := blockBytes(ptr, 32)
	for i := range region {
		region[i] = byte(i)
	}

	allocator.Deallocate(ptr)

	reused := allocator.Allocate(32)
	require.Equal(t, ptr, reused)
}

func TestSmallRoundTripHitsThreadCache(t *testing.T) {
	allocator := createAllocator(t)

	ptr := allocator.Allocate(100)
	require.NotNil(t, ptr)
	allocator.Deallocate(ptr)

	// The freed block comes back off the top of the LIFO cache
	require.Equal(t, ptr, allocator.Allocate(100))
}

func TestCallocateZeroes(t *testing.T) {
	allocator := createAllocator(t)

	ptr := allocator.Callocate(1, 200)
	require.NotNil(t, ptr)

	region := blockBytes(ptr, 200)
	for i := range region {
		require.Zero(t, region[i], "byte %d", i)
	}
}

func TestCallocateZeroesRecycledBlocks(t *testing.T) {
	allocator := createAllocator(t)

	dirty := allocator.Allocate(120)
	require.NotNil(t, dirty)
	region := blockBytes(dirty, 120)
	for i := range region {
		region[i] = 0xFF
	}
	allocator.Deallocate(dirty)

	clean := allocator.Callocate(1, 120)
	require.Equal(t, dirty, clean)

	region = blockBytes(clean, 120)
	for i := range region {
		require.Zero(t, region[i], "byte %d", i)
	}
}

func TestCallocateZeroesLargeBlocks(t *testing.T) {
	allocator := createAllocator(t)

	const size = 2 << 20
	dirty := allocator.Allocate(size)
	require.NotNil(t, dirty)
	region := blockBytes(dirty, size)
	for i := range region {
		region[i] = 0xAB
	}
	allocator.Deallocate(dirty)

	// The dirty block comes back out of the large cache and must be cleared
	clean := allocator.Callocate(1, size)
	require.NotNil(t, clean)

	region = blockBytes(clean, size)
	for i := 0; i < size; i += 509 {
		require.Zero(t, region[i], "byte %d", i)
	}
	require.Zero(t, region[size-1])
}

func TestCallocateOverflow(t *testing.T) {
	allocator := createAllocator(t)

	require.Nil(t, allocator.Callocate(math.MaxInt64/2, 4))
	require.Nil(t, allocator.Callocate(0, 8))
	require.Nil(t, allocator.Callocate(8, 0))
}

func TestReallocateInPlaceWithinTinyCapacity(t *testing.T) {
	allocator := createAllocator(t)

	ptr := allocator.Allocate(48)
	require.NotNil(t, ptr)

	// The tiny slot holds 64 payload bytes behind the header
	require.Equal(t, ptr, allocator.Reallocate(ptr, 56))
	require.Equal(t, ptr, allocator.Reallocate(ptr, 64))
}

func TestReallocateMovesAndPreservesContents(t *testing.T) {
	allocator := createAllocator(t)

	ptr := allocator.Allocate(48)
	require.NotNil(t, ptr)

	region := blockBytes(ptr, 48)
	for i := range region {
		region[i] = byte(i + 1)
	}

	grown := allocator.Reallocate(ptr, 200)
	require.NotNil(t, grown)
	require.NotEqual(t, ptr, grown)

	grownRegion := blockBytes(grown, 200)
	for i := 0; i < 48; i++ {
		require.Equal(t, byte(i+1), grownRegion[i], "byte %d", i)
	}
}

func TestReallocateNilAndZero(t *testing.T) {
	allocator := createAllocator(t)

	ptr := allocator.Reallocate(nil, 100)
	require.NotNil(t, ptr)

	require.Nil(t, allocator.Reallocate(ptr, 0))
}

func TestReallocateGrowsMappedBlock(t *testing.T) {
	allocator := createAllocator(t)

	const oldSize = 2 << 20
	const newSize = 3 << 20

	ptr := allocator.Allocate(oldSize)
	require.NotNil(t, ptr)

	region := blockBytes(ptr, oldSize)
	for i := 0; i < oldSize; i += 4096 {
		region[i] = byte(i >> 12)
	}

	grown := allocator.Reallocate(ptr, newSize)
	require.NotNil(t, grown)

	grownRegion := blockBytes(grown, newSize)
	for i := 0; i < oldSize; i += 4096 {
		require.Equal(t, byte(i>>12), grownRegion[i], "byte %d", i)
	}
}

func TestLargeCacheRoundTrip(t *testing.T) {
	allocator := createAllocator(t)

	ptr := allocator.Allocate(8 << 20)
	require.NotNil(t, ptr)
	allocator.Deallocate(ptr)

	// Same-size reallocation is served straight from the large cache
	require.Equal(t, ptr, allocator.Allocate(8<<20))
}

func TestLargeCacheToleranceBound(t *testing.T) {
	allocator := createAllocator(t)

	ptr := allocator.Allocate(8 << 20)
	require.NotNil(t, ptr)
	allocator.Deallocate(ptr)

	// A 16 MiB request exceeds the 1.25x reuse tolerance of the cached 8 MiB
	// block and must come from a fresh mapping
	bigger := allocator.Allocate(16 << 20)
	require.NotNil(t, bigger)
	require.NotEqual(t, ptr, bigger)

	allocator.Deallocate(bigger)
}

func TestDeallocateWildPointerIsNoOp(t *testing.T) {
	allocator := createAllocator(t)

	before := allocator.Allocate(64)
	require.NotNil(t, before)

	allocator.Deallocate(nil)
	allocator.Deallocate(unsafe.Pointer(uintptr(0xDEAD)))

	require.NoError(t, allocator.Validate())

	after := allocator.Allocate(64)
	require.NotNil(t, after)
}

func TestDoubleFreeIsNoOp(t *testing.T) {
	allocator := createAllocator(t)

	ptr := allocator.Allocate(100)
	require.NotNil(t, ptr)

	allocator.Deallocate(ptr)
	allocator.Deallocate(ptr)

	require.NoError(t, allocator.Validate())
	require.Equal(t, ptr, allocator.Allocate(100))
}

func TestReallocateRejectsForeignPointer(t *testing.T) {
	allocator := createAllocator(t)

	require.Nil(t, allocator.Reallocate(unsafe.Pointer(uintptr(0xDEAD)), 100))
}

func TestSmallFreeOverflowCoalesces(t *testing.T) {
	allocator := createAllocator(t)

	// 104-byte class: 15 slots per pool, so 40 live blocks span three pools
	const count = 40
	var ptrs []unsafe.Pointer
	for i := 0; i < count; i++ {
		ptr := allocator.Allocate(104)
		require.NotNil(t, ptr, "allocation %d", i)
		ptrs = append(ptrs, ptr)
	}

	for _, ptr := range ptrs {
		allocator.Deallocate(ptr)
	}

	// The first 32 frees fill the thread cache; the rest overflow into the
	// pool path, where physically adjacent free neighbors merge
	merged := metadata.FromUserPointer(ptrs[32])
	require.True(t, merged.IsValid())
	require.True(t, merged.IsFree())
	require.True(t, merged.IsCoalesced())
	require.Greater(t, merged.Size(), 104+metadata.HeaderSize)

	require.NoError(t, allocator.Validate())
}

func TestPoolFleetGrowthDenialReturnsNil(t *testing.T) {
	allocator := createAllocator(t)

	// The 3000-byte class fits one block per page, so the fleet cap of 8
	// pools is also the live-block cap
	var ptrs []unsafe.Pointer
	for {
		ptr := allocator.Allocate(3000)
		if ptr == nil {
			break
		}
		ptrs = append(ptrs, ptr)
	}

	require.Len(t, ptrs, 8)

	for _, ptr := range ptrs {
		allocator.Deallocate(ptr)
	}
}

func TestCleanupLeavesAllocatorUsable(t *testing.T) {
	allocator := createAllocator(t)

	small := allocator.Allocate(100)
	large := allocator.Allocate(8 << 20)
	require.NotNil(t, small)
	require.NotNil(t, large)

	allocator.Deallocate(small)
	allocator.Deallocate(large)

	allocator.Cleanup()

	require.NoError(t, allocator.Validate())
	require.NotNil(t, allocator.Allocate(100))
	require.NotNil(t, allocator.Allocate(8<<20))
}

func TestAllocatorDistinctBlocks(t *testing.T) {
	allocator := createAllocator(t)

	seen := map[uintptr]bool{}
	for i := 0; i < 100; i++ {
		ptr := allocator.Allocate(100)
		require.NotNil(t, ptr, "allocation %d", i)
		require.False(t, seen[uintptr(ptr)], "allocation %d returned a live pointer", i)
		seen[uintptr(ptr)] = true
	}
}

func TestBuildStatsString(t *testing.T) {
	allocator := createAllocator(t)

	require.NotNil(t, allocator.Allocate(32))
	require.NotNil(t, allocator.Allocate(300))
	big := allocator.Allocate(8 << 20)
	require.NotNil(t, big)
	allocator.Deallocate(big)

	statsJson := allocator.BuildStatsString(true)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(statsJson), &parsed))
	require.Contains(t, parsed, "Total")
	require.Contains(t, parsed, "SizeClasses")
	require.Contains(t, parsed, "LargeBlockCache")
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "AllocatorCreateExternallySynchronized",
		heap.AllocatorCreateExternallySynchronized.String())
	require.Equal(t, "", heap.CreateFlags(0).String())
}
