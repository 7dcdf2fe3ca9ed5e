// Package vm wraps the platform virtual-memory primitives the allocator
// consumes: anonymous page mapping, unmapping, page-release advice, and
// (where the platform has one) in-place remapping.
package vm

import "unsafe"

// Map reserves length bytes of anonymous, readable+writable memory. The
// returned region is at least page-aligned and zero-filled.
func Map(length int) (unsafe.Pointer, error) {
	return osMap(length)
}

// Unmap releases a region previously returned by Map or Remap. length must be
// the mapped length.
func Unmap(ptr unsafe.Pointer, length int) error {
	return osUnmap(ptr, length)
}

// AdviseDontNeed releases the physical pages backing [ptr, ptr+length) while
// keeping the virtual range mapped. Subsequent touches demand-fault fresh
// pages.
func AdviseDontNeed(ptr unsafe.Pointer, length int) error {
	return osAdviseDontNeed(ptr, length)
}

// Remap grows or shrinks a mapped region, moving it if the platform must.
// Returns RemapUnsupportedError on platforms without an mremap equivalent.
func Remap(ptr unsafe.Pointer, oldLength, newLength int) (unsafe.Pointer, error) {
	return osRemap(ptr, oldLength, newLength)
}

func regionBytes(ptr unsafe.Pointer, length int) []byte {
	return unsafe.Slice((*byte)(ptr), length)
}
