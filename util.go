package jalloc

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignUpPtr and AlignDownPtr are the pointer-arithmetic siblings of AlignUp
// and AlignDown, for call sites that round raw addresses rather than sizes.
func AlignUpPtr(value uintptr, alignment uintptr) uintptr {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDownPtr(value uintptr, alignment uintptr) uintptr {
	return value &^ (alignment - 1)
}

// NextPow2 returns the smallest power of two that is >= value. value must be
// positive and representable.
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}
	v := uint64(value - 1)
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return int(v + 1)
}
