package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jalloc/jalloc/metadata"
)

func TestClassForSizeBoundaries(t *testing.T) {
	require.Equal(t, uint8(0), metadata.ClassForSize(1))
	require.Equal(t, uint8(0), metadata.ClassForSize(8))
	require.Equal(t, uint8(1), metadata.ClassForSize(9))
	require.Equal(t, uint8(7), metadata.ClassForSize(64))
	require.Equal(t, uint8(8), metadata.ClassForSize(65))
	require.Equal(t, uint8(24), metadata.ClassForSize(200))
	require.Equal(t, uint8(31), metadata.ClassForSize(256))

	// Above the small threshold the class comes from floor(log2(n-1))
	require.Equal(t, uint8(8), metadata.ClassForSize(257))
	require.Equal(t, uint8(8), metadata.ClassForSize(512))
	require.Equal(t, uint8(9), metadata.ClassForSize(513))
	require.Equal(t, uint8(9), metadata.ClassForSize(1024))
	require.Equal(t, uint8(10), metadata.ClassForSize(2048))
	require.Equal(t, uint8(11), metadata.ClassForSize(4095))
}

func TestAlignmentForSize(t *testing.T) {
	require.Equal(t, uint(64), metadata.AlignmentForSize(1))
	require.Equal(t, uint(64), metadata.AlignmentForSize(64))
	require.Equal(t, uint(128), metadata.AlignmentForSize(65))
	require.Equal(t, uint(128), metadata.AlignmentForSize(128))
	require.Equal(t, uint(256), metadata.AlignmentForSize(200))
	require.Equal(t, uint(2048), metadata.AlignmentForSize(2048))
	require.Equal(t, uint(4096), metadata.AlignmentForSize(4096))
	require.Equal(t, uint(4096), metadata.AlignmentForSize(1<<20))
}

func TestClassTableGeometry(t *testing.T) {
	for i := 0; i < metadata.SizeClasses; i++ {
		sc := metadata.Classes[i]

		require.Greater(t, sc.Size, 0, "class %d", i)
		require.GreaterOrEqual(t, sc.Blocks, 1, "class %d", i)
		require.Zero(t, sc.SlotSize%metadata.Alignment, "class %d slot must be cache-line granular", i)
		require.LessOrEqual(t, sc.SlotSize*sc.Blocks, metadata.UsableRegion, "class %d overflows the page", i)
		require.GreaterOrEqual(t, sc.SlotSize, sc.Size, "class %d", i)
		require.Equal(t, sc.Slack, sc.SlotSize-sc.Size, "class %d", i)

		// Every slot must hold a header plus the class's full payload
		require.GreaterOrEqual(t, sc.SlotSize-metadata.HeaderSize, sc.Size, "class %d cannot carry its own payload", i)
	}
}

func TestTinyClassCapacity(t *testing.T) {
	// All tiny slots round up to two cache lines, so capacity is uniform
	for class := uint8(0); class < metadata.TinyClasses; class++ {
		require.Equal(t, 64, metadata.ClassCapacity(class), "class %d", class)
	}
}

func TestMediumClassesCoverTheirRange(t *testing.T) {
	for n := 257; n < metadata.PageSize; n++ {
		class := metadata.ClassForSize(n)
		require.Less(t, class, uint8(metadata.SizeClasses), "size %d", n)

		capacity := metadata.ClassCapacity(class)
		if n <= capacity {
			require.GreaterOrEqual(t, capacity, n, "size %d", n)
		} else {
			// The top of the medium range spills to the mapped path; the
			// only sizes allowed to do that are the ones a single page
			// physically cannot hold behind a header and a bitmap.
			require.Greater(t, n+metadata.HeaderSize, metadata.UsableRegion, "size %d should fit a pool", n)
		}
	}
}
