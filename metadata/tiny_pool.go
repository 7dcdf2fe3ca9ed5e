package metadata

import (
	"unsafe"

	"github.com/jalloc/jalloc"
	"github.com/jalloc/jalloc/internal/vm"
)

// TinyPool is a page-aligned region dedicated to a single tiny class
// (payloads of 8..64 bytes in 8-byte steps). Layout matches Pool, with the
// bitmap prefix followed by slots, but slot geometry is derived from the
// class index directly rather than the table, and tiny blocks never
// coalesce.
type TinyPool struct {
	base unsafe.Pointer
}

// TinyClassSize returns the payload size served by a tiny class.
func TinyClassSize(class uint8) int {
	return int(class+1) << 3
}

func tinySlotSize(class uint8) int {
	return jalloc.AlignUp(TinyClassSize(class)+HeaderSize, Alignment)
}

func tinyBlocks(class uint8) int {
	return UsableRegion / tinySlotSize(class)
}

// NewTinyPool maps a fresh page for the provided tiny class.
func NewTinyPool(class uint8) (*TinyPool, error) {
	base, err := vm.Map(PageSize)
	if err != nil {
		return nil, err
	}

	pool := &TinyPool{base: base}
	pool.bitmap().Reset(tinyBlocks(class))

	return pool, nil
}

func (p *TinyPool) bitmap() *Bitmap {
	return (*Bitmap)(p.base)
}

func (p *TinyPool) region() unsafe.Pointer {
	return unsafe.Add(p.base, BitmapReserved)
}

// Contains reports whether ptr falls inside this pool's page.
func (p *TinyPool) Contains(ptr unsafe.Pointer) bool {
	addr := uintptr(ptr)
	return addr >= uintptr(p.base) && addr < uintptr(p.base)+PageSize
}

// AllocateTiny claims a slot for the provided class and returns its base
// address, rejecting any index whose slot would spill past the usable
// region. The caller writes the block header at the returned address.
func (p *TinyPool) AllocateTiny(class uint8) unsafe.Pointer {
	size := TinyClassSize(class)
	slotSize := tinySlotSize(class)
	maxBlocks := UsableRegion / slotSize

	index := p.bitmap().FindFreeBlock(size, slotSize, maxBlocks)
	if index == NoSlot {
		return nil
	}

	if (index+1)*slotSize > UsableRegion {
		return nil
	}

	return unsafe.Add(p.region(), index*slotSize)
}

// DeallocateTiny returns the slot holding ptr to the free set. ptr must be a
// slot base previously returned from AllocateTiny.
func (p *TinyPool) DeallocateTiny(ptr unsafe.Pointer, class uint8) {
	slotSize := tinySlotSize(class)
	offset := uintptr(ptr) - uintptr(p.region())
	index := int(offset) / slotSize

	if index*slotSize < UsableRegion {
		p.bitmap().MarkFree(index)
	}
}

// IsCompletelyFree reports whether no slot of this pool is allocated.
func (p *TinyPool) IsCompletelyFree(class uint8) bool {
	return p.bitmap().IsCompletelyFree(tinyBlocks(class))
}

// Destroy unmaps the pool's page. The pool must not be used afterward.
func (p *TinyPool) Destroy() error {
	if p.base == nil {
		return nil
	}

	err := vm.Unmap(p.base, PageSize)
	p.base = nil
	return err
}

// AddStatistics sums the pool's usage for the provided class into stats.
func (p *TinyPool) AddStatistics(class uint8, stats *jalloc.Statistics) {
	stats.PoolCount++
	stats.PoolBytes += PageSize

	blocks := tinyBlocks(class)
	used := blocks - p.bitmap().FreeCount(blocks)
	stats.AllocationCount += used
	stats.AllocationBytes += used * TinyClassSize(class)
}
