package memalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemPageAllocatorRoundsUpAndAligns(t *testing.T) {
	var pa SystemPageAllocator

	p := pa.AllocPage(1)
	require.GreaterOrEqual(t, p.Len, uintptr(1))
	require.Equal(t, uintptr(0), p.Ptr%osPageSize)
	require.Equal(t, uintptr(0), p.Len%hugePageSize)

	pa.DeallocPage(p)
}

func TestSystemPageAllocatorLargerRequest(t *testing.T) {
	var pa SystemPageAllocator

	const want = 5 << 20 // not a multiple of hugePageSize
	p := pa.AllocPage(want)
	require.GreaterOrEqual(t, p.Len, uintptr(want))
	require.Equal(t, uintptr(0), p.Len%hugePageSize)

	pa.DeallocPage(p)
}

func TestAsAllocatorRoundTrip(t *testing.T) {
	a := AsAllocator(SystemPageAllocator{})

	s, err := a.Allocate(Layout{Size: 4 << 20, Align: osPageSize})
	require.NoError(t, err)
	require.GreaterOrEqual(t, s.Len, uintptr(4<<20))

	a.Deallocate(s.Ptr, Layout{Size: s.Len, Align: osPageSize})
}

func TestAsAllocatorZeroSize(t *testing.T) {
	a := AsAllocator(SystemPageAllocator{})

	s, err := a.Allocate(Layout{Size: 0, Align: 8})
	require.NoError(t, err)
	require.Equal(t, uintptr(0), s.Len)

	a.Deallocate(s.Ptr, Layout{Size: 0, Align: 8})
}

func TestAsAllocatorRejectsGrow(t *testing.T) {
	a := AsAllocator(SystemPageAllocator{})

	s, err := a.Allocate(Layout{Size: 4 << 20, Align: osPageSize})
	require.NoError(t, err)
	defer a.Deallocate(s.Ptr, Layout{Size: s.Len, Align: osPageSize})

	_, err = a.Grow(s.Ptr, Layout{Size: s.Len, Align: osPageSize}, Layout{Size: s.Len + 1, Align: osPageSize})
	require.Error(t, err)
}
