package metadata

import (
	"math/bits"

	"github.com/jalloc/jalloc"
)

const (
	// CacheLineSize can be 32 or 64, and is the alignment guaranteed for every
	// user pointer handed out by the allocator
	CacheLineSize = 64
	PageSize      = 4096
	Alignment     = CacheLineSize

	SizeClasses = 32
	TinyClasses = 8

	TinyLargeThreshold  = 64
	SmallLargeThreshold = 256
	// LargeThreshold is carried as a named tunable; no code path reads it.
	// Every request of PageSize bytes or more already takes the mapped path.
	LargeThreshold = 1024 * 1024

	// MaxAllocSize is the largest request the packed header's size field can
	// represent
	MaxAllocSize = 1 << 47

	// LargeClass is the sentinel size-class for directly-mapped blocks
	LargeClass uint8 = 255

	// UsableRegion is the number of slot bytes in a pool page once the bitmap
	// prefix is accounted for
	UsableRegion = PageSize - BitmapReserved
)

// SizeClass describes one entry of the size-class table: the nominal block
// size the class serves, the stride of its pool slots, how many slots fit in
// one pool page, and the per-slot slack left over.
type SizeClass struct {
	Size     int
	SlotSize int
	Blocks   int
	Slack    int
}

// Classes is the size-class table, derived once at startup. Classes never
// change after initialization and pools never migrate between classes.
var Classes [SizeClasses]SizeClass

func init() {
	for i := 0; i < SizeClasses; i++ {
		size := nominalClassSize(i)
		alignment := AlignmentForSize(size)
		slot := jalloc.AlignUp(size+HeaderSize, alignment)
		if slot > UsableRegion {
			// The top medium class cannot carry a full header plus payload in
			// one page; its capacity is clipped to what the page can hold and
			// oversized requests spill to the mapped path.
			slot = UsableRegion
			size = slot - HeaderSize
		}

		Classes[i] = SizeClass{
			Size:     size,
			SlotSize: slot,
			Blocks:   UsableRegion / slot,
			Slack:    slot - size,
		}
	}
}

// nominalClassSize maps a class index to the largest payload the class is
// expected to serve. Tiny and small classes advance in 8-byte steps; the
// medium classes 8..11 double, since ClassForSize derives them from
// floor(log2(n-1)) and each must cover everything up to the next power of
// two.
func nominalClassSize(class int) int {
	if class >= TinyClasses && class <= 11 {
		return 1 << (class + 1)
	}

	return (class + 1) << 3
}

// AlignmentForSize returns the natural alignment for a block of the provided
// size: the cache line for anything that fits in one, the page for
// page-or-larger blocks, and the next power of two otherwise.
func AlignmentForSize(size int) uint {
	if size <= CacheLineSize {
		return CacheLineSize
	}

	if size >= PageSize {
		return PageSize
	}

	return uint(jalloc.NextPow2(size))
}

// ClassForSize routes a request size to its size class: 8-byte granularity
// through the small threshold, floor(log2(n-1)) beyond it. The caller must
// ensure size > 0.
func ClassForSize(size int) uint8 {
	if size <= SmallLargeThreshold {
		return uint8((size - 1) >> 3)
	}

	return uint8(bits.Len64(uint64(size-1)) - 1)
}

// ClassCapacity is the number of payload bytes a slot of the provided class
// can physically hold. Reallocations at or below this capacity stay in place.
func ClassCapacity(class uint8) int {
	if class < TinyClasses {
		slot := jalloc.AlignUp(int(class+1)<<3+HeaderSize, Alignment)
		return slot - HeaderSize
	}

	return Classes[class].SlotSize - HeaderSize
}
