//go:build !linux && !darwin

package vm

import (
	"sync"
	"unsafe"

	"github.com/jalloc/jalloc"
)

const (
	SupportsRemap      = false
	SupportsZeroAdvise = false
)

const fallbackPageSize = 4096

// Hosts without a usable mmap surface fall back to page-aligned slices carved
// from the Go heap. The registry pins each region until Unmap so the garbage
// collector cannot reclaim memory the allocator still hands out.
var fallbackRegions = struct {
	mutex   sync.Mutex
	regions map[uintptr][]byte
}{
	regions: map[uintptr][]byte{},
}

func osMap(length int) (unsafe.Pointer, error) {
	backing := make([]byte, length+fallbackPageSize)
	base := jalloc.AlignUpPtr(uintptr(unsafe.Pointer(&backing[0])), fallbackPageSize)
	ptr := unsafe.Pointer(base)

	fallbackRegions.mutex.Lock()
	fallbackRegions.regions[base] = backing
	fallbackRegions.mutex.Unlock()

	return ptr, nil
}

func osUnmap(ptr unsafe.Pointer, length int) error {
	fallbackRegions.mutex.Lock()
	delete(fallbackRegions.regions, uintptr(ptr))
	fallbackRegions.mutex.Unlock()

	return nil
}

func osAdviseDontNeed(ptr unsafe.Pointer, length int) error {
	return nil
}

func osRemap(ptr unsafe.Pointer, oldLength, newLength int) (unsafe.Pointer, error) {
	return nil, jalloc.RemapUnsupportedError
}
