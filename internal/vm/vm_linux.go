package vm

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const (
	// SupportsRemap reports whether Remap can resize a mapping in place.
	SupportsRemap = true
	// SupportsZeroAdvise reports whether AdviseDontNeed guarantees that the
	// advised pages read back as zero. True for anonymous private mappings
	// under MADV_DONTNEED.
	SupportsZeroAdvise = true
)

func osMap(length int) (unsafe.Pointer, error) {
	data, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d anonymous bytes", length)
	}

	return unsafe.Pointer(&data[0]), nil
}

func osUnmap(ptr unsafe.Pointer, length int) error {
	err := unix.Munmap(regionBytes(ptr, length))
	if err != nil {
		return errors.Wrapf(err, "failed to unmap %d bytes at %x", length, uintptr(ptr))
	}

	return nil
}

func osAdviseDontNeed(ptr unsafe.Pointer, length int) error {
	err := unix.Madvise(regionBytes(ptr, length), unix.MADV_DONTNEED)
	if err != nil {
		return errors.Wrapf(err, "failed to advise %d bytes at %x", length, uintptr(ptr))
	}

	return nil
}

func osRemap(ptr unsafe.Pointer, oldLength, newLength int) (unsafe.Pointer, error) {
	data, err := unix.Mremap(regionBytes(ptr, oldLength), newLength, unix.MREMAP_MAYMOVE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to remap %d bytes at %x to %d bytes", oldLength, uintptr(ptr), newLength)
	}

	return unsafe.Pointer(&data[0]), nil
}
