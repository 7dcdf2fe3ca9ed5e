package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestThreadCacheLIFO(t *testing.T) {
	var cache threadCache
	backing := make([]byte, 16)

	first := unsafe.Pointer(&backing[0])
	second := unsafe.Pointer(&backing[8])

	require.True(t, cache.Put(first, 12))
	require.True(t, cache.Put(second, 12))

	require.Equal(t, second, cache.Get(12))
	require.Equal(t, first, cache.Get(12))
	require.Nil(t, cache.Get(12))
}

func TestThreadCacheClassIsolation(t *testing.T) {
	var cache threadCache
	backing := make([]byte, 8)
	ptr := unsafe.Pointer(&backing[0])

	require.True(t, cache.Put(ptr, 9))
	require.Nil(t, cache.Get(10))
	require.Equal(t, ptr, cache.Get(9))
}

func TestThreadCacheOverflowSignalsFailure(t *testing.T) {
	var cache threadCache
	backing := make([]byte, CacheSize+1)

	for i := 0; i < CacheSize; i++ {
		require.True(t, cache.Put(unsafe.Pointer(&backing[i]), 15))
	}

	require.False(t, cache.Put(unsafe.Pointer(&backing[CacheSize]), 15))
}

func TestThreadCacheClear(t *testing.T) {
	var cache threadCache
	backing := make([]byte, 8)

	require.True(t, cache.Put(unsafe.Pointer(&backing[0]), 20))
	cache.Clear()
	require.Nil(t, cache.Get(20))
}
