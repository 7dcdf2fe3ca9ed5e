package metadata

import (
	"unsafe"
)

const (
	// HeaderMagic is written to every live header at init time and checked on
	// every validation
	HeaderMagic uint64 = 0xDEADBEEF12345678

	sizeMask  uint64 = 0x0000FFFFFFFFFFFF
	classMask uint64 = 0x00FF000000000000

	// The packed word carries a second, in-word magic nibble in bits 56..60 so
	// that a stray write over just the first word is still detectable.
	magicMask  uint64 = 0x1F00000000000000
	magicValue uint64 = 0x0A00000000000000

	coalescedFlag uint64 = 1 << 61
	mmapFlag      uint64 = 1 << 62
	freeFlag      uint64 = 1 << 63

	classShift = 48
)

// BlockHeader sits in the cache line immediately before every user pointer
// the allocator hands out. The packed data word encodes the block size
// (bits 0..47), the size class (48..55), a magic nibble (56..60), and the
// coalesced/memory-mapped/free flags (61..63). prevPhysical and nextPhysical
// are navigation links to the physically adjacent headers within the same
// pool; the pool owns every header and the links carry no ownership.
type BlockHeader struct {
	data         uint64
	magic        uint64
	prevPhysical *BlockHeader
	nextPhysical *BlockHeader

	_ [CacheLineSize - 32]byte
}

// HeaderSize is the prefix cost of every block, padded to the cache line so
// that user pointers inherit the slot's alignment.
const HeaderSize = int(unsafe.Sizeof(BlockHeader{}))

// HeaderAt reinterprets the memory at ptr as a BlockHeader. The caller is
// responsible for ensuring ptr actually points at header-sized storage.
func HeaderAt(ptr unsafe.Pointer) *BlockHeader {
	return (*BlockHeader)(ptr)
}

// FromUserPointer returns the header governing the provided user pointer.
func FromUserPointer(userPtr unsafe.Pointer) *BlockHeader {
	return (*BlockHeader)(unsafe.Add(userPtr, -HeaderSize))
}

// UserPointer returns the address of the first payload byte of this block.
func (h *BlockHeader) UserPointer() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), HeaderSize)
}

// Init writes a complete header: magic, packed word, and physical links.
// A size beyond MaxAllocSize zeroes the header instead, leaving it invalid.
func (h *BlockHeader) Init(size int, sizeClass uint8, free bool, prev, next *BlockHeader) {
	if size > MaxAllocSize {
		h.magic = 0
		h.data = 0
		h.prevPhysical = nil
		h.nextPhysical = nil
		return
	}

	h.magic = HeaderMagic
	h.Encode(size, sizeClass, free)
	h.prevPhysical = prev
	h.nextPhysical = next
}

// Encode rewrites the packed word, preserving the magic nibble.
func (h *BlockHeader) Encode(size int, sizeClass uint8, free bool) {
	data := uint64(size)&sizeMask |
		uint64(sizeClass)<<classShift |
		magicValue
	if free {
		data |= freeFlag
	}
	h.data = data
}

// IsValid reports whether the header carries both magic markers, a
// representable size, and a size class the allocator could have assigned.
// This is a defense-in-depth heuristic, not a security guarantee: a
// deliberately crafted header passes.
func (h *BlockHeader) IsValid() bool {
	if h.magic != HeaderMagic || h.data&magicMask != magicValue {
		return false
	}

	sizeClass := h.SizeClass()
	return h.Size() <= MaxAllocSize &&
		(sizeClass < SizeClasses || sizeClass == LargeClass)
}

func (h *BlockHeader) SetFree(free bool) {
	if free {
		h.data |= freeFlag
	} else {
		h.data &^= freeFlag
	}
}

func (h *BlockHeader) SetMemoryMapped(mapped bool) {
	if mapped {
		h.data |= mmapFlag
	} else {
		h.data &^= mmapFlag
	}
}

func (h *BlockHeader) SetCoalesced(coalesced bool) {
	if coalesced {
		h.data |= coalescedFlag
	} else {
		h.data &^= coalescedFlag
	}
}

func (h *BlockHeader) Size() int {
	return int(h.data & sizeMask)
}

func (h *BlockHeader) SizeClass() uint8 {
	return uint8((h.data & classMask) >> classShift)
}

func (h *BlockHeader) IsFree() bool {
	return h.data&freeFlag != 0
}

func (h *BlockHeader) IsMemoryMapped() bool {
	return h.data&mmapFlag != 0
}

func (h *BlockHeader) IsCoalesced() bool {
	return h.data&coalescedFlag != 0
}

// PrevPhysical and NextPhysical expose the physical-neighbor navigation
// links. They are maintained by the pool that owns this header.
func (h *BlockHeader) PrevPhysical() *BlockHeader { return h.prevPhysical }
func (h *BlockHeader) NextPhysical() *BlockHeader { return h.nextPhysical }

func (h *BlockHeader) SetPhysicalLinks(prev, next *BlockHeader) {
	h.prevPhysical = prev
	h.nextPhysical = next
}

// IsBaseAligned reports whether ptr sits on a cache-line boundary.
func IsBaseAligned(ptr unsafe.Pointer) bool {
	return uintptr(ptr)&(Alignment-1) == 0
}

// IsAligned is the primary guard for foreign pointers entering the free and
// reallocate paths: the user pointer and its header must both be cache-line
// aligned, the magic must match, and the user pointer must satisfy the
// block's natural alignment. Every tier parks the payload exactly one header
// past an aligned boundary, so the natural-alignment clause is capped at the
// cache line the allocator actually guarantees.
//
// This does not catch perfectly-aligned corrupted pointers or maliciously
// crafted headers.
func IsAligned(userPtr unsafe.Pointer) bool {
	if uintptr(userPtr) < uintptr(HeaderSize) {
		return false
	}

	if !IsBaseAligned(userPtr) {
		return false
	}

	header := FromUserPointer(userPtr)
	if !IsBaseAligned(unsafe.Pointer(header)) {
		return false
	}

	if header.magic != HeaderMagic {
		return false
	}

	sizeAlignment := AlignmentForSize(header.Size())
	if sizeAlignment > Alignment {
		sizeAlignment = Alignment
	}

	return uintptr(userPtr)&uintptr(sizeAlignment-1) == 0
}

// TryCoalesce folds this block together with its free physical neighbors.
// Tiny and memory-mapped blocks never participate. A neighbor is only
// folded when the eligible callback accepts it: a block can carry the free
// flag while its slot is still spoken for (parked in a thread cache), and
// the owner of the slot state decides. A successful merge inherits the
// earliest header's class, absorbs the dead header into the payload, and
// stitches the surrounding physical links. Returns true if at least one
// merge happened.
func (h *BlockHeader) TryCoalesce(eligible func(*BlockHeader) bool) bool {
	if h.IsMemoryMapped() || h.SizeClass() < TinyClasses {
		return false
	}

	coalesced := false

	next := h.nextPhysical
	if next != nil && next.IsFree() && !next.IsMemoryMapped() && next.SizeClass() >= TinyClasses && eligible(next) {
		combinedSize := h.Size() + next.Size() + HeaderSize
		h.nextPhysical = next.nextPhysical
		if h.nextPhysical != nil {
			h.nextPhysical.prevPhysical = h
		}
		next.invalidate()

		h.Encode(combinedSize, h.SizeClass(), true)
		h.SetCoalesced(true)
		coalesced = true
	}

	prev := h.prevPhysical
	if prev != nil && prev.IsFree() && !prev.IsMemoryMapped() && prev.SizeClass() >= TinyClasses && eligible(prev) {
		combinedSize := h.Size() + prev.Size() + HeaderSize
		prev.nextPhysical = h.nextPhysical
		if h.nextPhysical != nil {
			h.nextPhysical.prevPhysical = prev
		}

		prev.Encode(combinedSize, prev.SizeClass(), true)
		prev.SetCoalesced(true)
		h.invalidate()
		coalesced = true
	}

	return coalesced
}

// invalidate wipes a header that has been merged away so pool scans no
// longer see it as a chain member.
func (h *BlockHeader) invalidate() {
	h.data = 0
	h.magic = 0
	h.prevPhysical = nil
	h.nextPhysical = nil
}
