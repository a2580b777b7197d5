package memalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestBumpOverLocalComposition mirrors the original implementation's
// test_local_bump_alloc: a BumpAllocator whose base is a LocalAllocator,
// proving the Allocator interface composes as the package's design
// describes.
func TestBumpOverLocalComposition(t *testing.T) {
	local := newTestLocal()
	defer local.Close()

	bump := NewBumpAllocator(NewBumpConfig(local).WithMinAllocSize(1 << 16))

	var slices []Slice
	for i := 0; i < 200; i++ {
		s, err := bump.Allocate(Layout{Size: 64, Align: 8})
		require.NoError(t, err)
		slices = append(slices, s)
	}

	for i := range slices {
		for j := i + 1; j < len(slices); j++ {
			require.True(t, disjoint(slices[i], slices[j]))
		}
	}

	bump.Close()
}

// TestValidatingOverBumpOverLocalComposition stacks all three layers and
// drives enough traffic that the bump allocator must take several 4 KiB
// backing blocks from the local allocator, exercising the full
// validating-over-bump-over-local stack.
func TestValidatingOverBumpOverLocalComposition(t *testing.T) {
	local := newTestLocal()
	defer local.Close()

	bump := NewBumpAllocator(NewBumpConfig(local).WithMinAllocSize(1 << 12))
	v := NewValidatingAllocator(bump)

	for i := 0; i < 500; i++ {
		_, err := v.Allocate(Layout{Size: 96, Align: 16})
		require.NoError(t, err)
	}
}
