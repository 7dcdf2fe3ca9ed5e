package vm_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/jalloc/jalloc/internal/vm"
)

func TestMapRoundTrip(t *testing.T) {
	const length = 8192

	region, err := vm.Map(length)
	require.NoError(t, err)
	require.NotNil(t, region)
	require.Zero(t, uintptr(region)%4096)

	data := unsafe.Slice((*byte)(region), length)
	for i := range data {
		require.Zero(t, data[i], "fresh mappings must be zero-filled")
	}

	data[0] = 0xAA
	data[length-1] = 0xBB
	require.Equal(t, byte(0xAA), data[0])
	require.Equal(t, byte(0xBB), data[length-1])

	require.NoError(t, vm.Unmap(region, length))
}

func TestAdviseDontNeed(t *testing.T) {
	const length = 16384

	region, err := vm.Map(length)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, vm.Unmap(region, length))
	}()

	data := unsafe.Slice((*byte)(region), length)
	for i := range data {
		data[i] = 0xCC
	}

	require.NoError(t, vm.AdviseDontNeed(region, length))

	if vm.SupportsZeroAdvise {
		for i := 0; i < length; i += 512 {
			require.Zero(t, data[i], "byte %d must demand-fault to zero", i)
		}
	}
}

func TestRemapPreservesContents(t *testing.T) {
	if !vm.SupportsRemap {
		t.Skip("platform cannot remap in place")
	}

	const oldLength = 8192
	const newLength = 16384

	region, err := vm.Map(oldLength)
	require.NoError(t, err)

	data := unsafe.Slice((*byte)(region), oldLength)
	for i := range data {
		data[i] = byte(i)
	}

	grown, err := vm.Remap(region, oldLength, newLength)
	require.NoError(t, err)

	grownData := unsafe.Slice((*byte)(grown), newLength)
	for i := 0; i < oldLength; i++ {
		require.Equal(t, byte(i), grownData[i], "byte %d", i)
	}

	require.NoError(t, vm.Unmap(grown, newLength))
}
