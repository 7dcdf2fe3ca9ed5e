package vm

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/jalloc/jalloc"
)

const (
	SupportsRemap = false
	// MADV_FREE leaves stale contents readable until the kernel reclaims the
	// pages, so callers cannot rely on zero-fill after advice.
	SupportsZeroAdvise = false
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
	err := unix.Madvise(regionBytes(ptr, length), unix.MADV_FREE)
	if err != nil {
		return errors.Wrapf(err, "failed to advise %d bytes at %x", length, uintptr(ptr))
	}

	return nil
}

func osRemap(ptr unsafe.Pointer, oldLength, newLength int) (unsafe.Pointer, error) {
	return nil, jalloc.RemapUnsupportedError
}
