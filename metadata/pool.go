package metadata

import (
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/jalloc/jalloc"
	"github.com/jalloc/jalloc/internal/vm"
)

const (
	// MinReturnSize is the smallest number of free bytes a pool must hold
	// before its pages are offered back to the OS
	MinReturnSize = 64 * 1024
	// memUsageThreshold is the maximum fraction of the usable region that may
	// still be live when pages are offered back
	memUsageThreshold = 0.2
)

// Pool is a page-aligned mapped region dedicated to a single size class. The
// first cache line holds the slot bitmap; the rest is carved into SlotSize
// strides. The pool manager uniquely owns each pool, and a pool never
// migrates between classes.
type Pool struct {
	base       unsafe.Pointer
	sizeClass  *SizeClass
	classIndex uint8
}

// NewPool maps a fresh page for the provided class and prepares its bitmap.
func NewPool(classIndex uint8) (*Pool, error) {
	if classIndex >= SizeClasses {
		return nil, errors.Errorf("invalid size class %d", classIndex)
	}

	base, err := vm.Map(PageSize)
	if err != nil {
		return nil, err
	}

	pool := &Pool{
		base:       base,
		sizeClass:  &Classes[classIndex],
		classIndex: classIndex,
	}
	pool.bitmap().Reset(pool.sizeClass.Blocks)

	return pool, nil
}

func (p *Pool) bitmap() *Bitmap {
	return (*Bitmap)(p.base)
}

func (p *Pool) region() unsafe.Pointer {
	return unsafe.Add(p.base, BitmapReserved)
}

// Base returns the page-aligned address of the pool's mapped region.
func (p *Pool) Base() uintptr {
	return uintptr(p.base)
}

// Class returns the size class this pool serves.
func (p *Pool) Class() uint8 {
	return p.classIndex
}

// Contains reports whether ptr falls inside this pool's page.
func (p *Pool) Contains(ptr unsafe.Pointer) bool {
	addr := uintptr(ptr)
	return addr >= uintptr(p.base) && addr < uintptr(p.base)+PageSize
}

// Allocate claims a free slot and returns its base address, or nil when the
// pool is full. The caller writes the block header at the returned address.
func (p *Pool) Allocate() unsafe.Pointer {
	sc := p.sizeClass
	index := p.bitmap().FindFreeBlock(sc.Size, sc.SlotSize, sc.Blocks)
	if index == NoSlot {
		return nil
	}

	if BitmapReserved+(index+1)*sc.SlotSize > PageSize {
		// The bitmap should never hand out a spilling slot; treat it as full.
		return nil
	}

	return unsafe.Add(p.region(), index*sc.SlotSize)
}

// Deallocate returns the slot holding ptr to the free set. ptr must be a
// slot base previously returned from Allocate.
func (p *Pool) Deallocate(ptr unsafe.Pointer) {
	offset := uintptr(ptr) - uintptr(p.region())
	index := int(offset) / p.sizeClass.SlotSize
	if index < 0 || index >= p.sizeClass.Blocks {
		return
	}

	p.bitmap().MarkFree(index)
}

// IsCompletelyFree reports whether no slot of this pool is allocated.
func (p *Pool) IsCompletelyFree() bool {
	return p.bitmap().IsCompletelyFree(p.sizeClass.Blocks)
}

// Destroy unmaps the pool's page. The pool must not be used afterward.
func (p *Pool) Destroy() error {
	if p.base == nil {
		return nil
	}

	err := vm.Unmap(p.base, PageSize)
	p.base = nil
	return err
}

// HeaderAtSlot returns the header stored at the given slot index, whether or
// not it has ever been initialized.
func (p *Pool) HeaderAtSlot(index int) *BlockHeader {
	return HeaderAt(unsafe.Add(p.region(), index*p.sizeClass.SlotSize))
}

// LinkPhysical stitches a freshly written header into the pool's physical
// chain. Neighbors are the nearest slots in either direction that carry a
// live header; slots that were never initialized or were merged away are
// skipped.
func (p *Pool) LinkPhysical(header *BlockHeader) {
	offset := uintptr(unsafe.Pointer(header)) - uintptr(p.region())
	index := int(offset) / p.sizeClass.SlotSize

	var prev, next *BlockHeader
	for i := index - 1; i >= 0; i-- {
		candidate := p.HeaderAtSlot(i)
		if candidate.IsValid() {
			prev = candidate
			break
		}
	}
	for i := index + 1; i < p.sizeClass.Blocks; i++ {
		candidate := p.HeaderAtSlot(i)
		if candidate.IsValid() {
			next = candidate
			break
		}
	}

	header.SetPhysicalLinks(prev, next)
	if prev != nil {
		prev.SetPhysicalLinks(prev.PrevPhysical(), header)
	}
	if next != nil {
		next.SetPhysicalLinks(header, next.NextPhysical())
	}
}

// TryCoalesce merges the freed header with its free physical neighbors. A
// neighbor only qualifies when its slot has actually been returned to the
// bitmap: a block parked in a thread cache carries the free flag but its
// slot is still claimed, and folding it would corrupt the cache.
func (p *Pool) TryCoalesce(header *BlockHeader) bool {
	return header.TryCoalesce(p.slotReturned)
}

func (p *Pool) slotReturned(header *BlockHeader) bool {
	offset := uintptr(unsafe.Pointer(header)) - uintptr(p.region())
	index := int(offset) / p.sizeClass.SlotSize
	if index < 0 || index >= p.sizeClass.Blocks {
		return false
	}

	return p.bitmap().IsSlotFree(index)
}

// firstHeader locates the head of the physical chain, if any header has been
// written into the pool yet.
func (p *Pool) firstHeader() *BlockHeader {
	for i := 0; i < p.sizeClass.Blocks; i++ {
		candidate := p.HeaderAtSlot(i)
		if candidate.IsValid() {
			return candidate
		}
	}

	return nil
}

// ReturnMemory sums the free bytes held by the pool's physical chain and,
// when the pool is mostly idle (at least MinReturnSize bytes free and no
// more than 20% of the usable region live), advises the OS to reclaim the
// interior pages of every coalesced free block. The virtual range stays
// mapped.
func (p *Pool) ReturnMemory() {
	freeSpace := 0
	for current := p.firstHeader(); current != nil; current = current.NextPhysical() {
		if current.IsFree() {
			freeSpace += current.Size()
		}
	}

	if freeSpace < MinReturnSize ||
		float64(freeSpace)/float64(UsableRegion) < 1.0-memUsageThreshold {
		return
	}

	for current := p.firstHeader(); current != nil; current = current.NextPhysical() {
		if !current.IsFree() || !current.IsCoalesced() {
			continue
		}

		blockStart := uintptr(current.UserPointer())
		pageStart := jalloc.AlignUpPtr(blockStart, PageSize)
		pageEnd := jalloc.AlignDownPtr(blockStart+uintptr(current.Size()), PageSize)

		if pageEnd > pageStart {
			_ = vm.AdviseDontNeed(unsafe.Pointer(pageStart), int(pageEnd-pageStart))
		}
	}
}

// Validate runs internal consistency checks on the pool's physical chain.
func (p *Pool) Validate() error {
	var previous *BlockHeader
	for current := p.firstHeader(); current != nil; current = current.NextPhysical() {
		if !p.Contains(unsafe.Pointer(current)) {
			return errors.Errorf("physical chain escaped the pool at %x", uintptr(unsafe.Pointer(current)))
		}

		if current.PrevPhysical() != previous {
			return errors.Errorf("block at %x has a broken back reference", uintptr(unsafe.Pointer(current)))
		}

		if !current.IsValid() {
			return errors.Errorf("block at %x is linked but invalid", uintptr(unsafe.Pointer(current)))
		}

		if current.SizeClass() != p.classIndex {
			return errors.Errorf("block at %x belongs to class %d but the pool serves class %d",
				uintptr(unsafe.Pointer(current)), current.SizeClass(), p.classIndex)
		}

		previous = current
	}

	return nil
}

// AddDetailedStatistics sums the pool's block statistics into stats.
func (p *Pool) AddDetailedStatistics(stats *jalloc.DetailedStatistics) {
	stats.PoolCount++
	stats.PoolBytes += PageSize

	for current := p.firstHeader(); current != nil; current = current.NextPhysical() {
		if current.IsFree() {
			stats.AddFreeRange(current.Size())
		} else {
			stats.AddAllocation(current.Size())
		}
	}
}

// AddStatistics sums the pool's block statistics into stats.
func (p *Pool) AddStatistics(stats *jalloc.Statistics) {
	stats.PoolCount++
	stats.PoolBytes += PageSize

	for current := p.firstHeader(); current != nil; current = current.NextPhysical() {
		if !current.IsFree() {
			stats.AllocationCount++
			stats.AllocationBytes += current.Size()
		}
	}
}
