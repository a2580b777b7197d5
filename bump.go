package memalloc

import (
	"math"
	"sync"
)

// BumpConfig configures a BumpAllocator. The zero value is not valid; use
// NewBumpConfig to obtain one with the documented defaults applied.
type BumpConfig struct {
	baseAlloc    Allocator
	errorAfter   uintptr
	minAllocSize uintptr
}

// NewBumpConfig returns a BumpConfig backed by base, with ErrorAfter
// unbounded and MinAllocSize defaulted to 16 MiB.
func NewBumpConfig(base Allocator) *BumpConfig {
	return &BumpConfig{
		baseAlloc:    base,
		errorAfter:   math.MaxUint,
		minAllocSize: 16 << 20,
	}
}

// WithErrorAfter fails allocation once cumulative backing bytes obtained
// from the base allocator reach n.
func (c *BumpConfig) WithErrorAfter(n uintptr) *BumpConfig {
	c.errorAfter = n
	return c
}

// WithMinAllocSize sets the minimum size of a backing block requested from
// the base allocator.
func (c *BumpConfig) WithMinAllocSize(n uintptr) *BumpConfig {
	c.minAllocSize = n
	return c
}

// BumpAllocator is a linear arena: it consumes a backing Allocator block
// by block and never frees individual allocations. Deallocate is a no-op;
// reclaiming memory means dropping (Close-ing) the whole allocator.
//
// Not safe for concurrent use against the same instance; a single mutex
// serializes all operations. Allocate and Close keep it held while they
// call into baseAlloc, so re-entrant use from within baseAlloc's own call
// chain deadlocks rather than corrupting state, and is a programming error.
type BumpAllocator struct {
	mu sync.Mutex

	baseAlloc    Allocator
	errorAfter   uintptr
	minAllocSize uintptr

	totalAllocSize uintptr
	blocks         []Slice
	current        Slice
}

var _ Allocator = (*BumpAllocator)(nil)

// NewBumpAllocator constructs a BumpAllocator from cfg.
func NewBumpAllocator(cfg *BumpConfig) *BumpAllocator {
	return &BumpAllocator{
		baseAlloc:    cfg.baseAlloc,
		errorAfter:   cfg.errorAfter,
		minAllocSize: cfg.minAllocSize,
	}
}

func sentinelPtr(align uintptr) uintptr {
	if align == 0 {
		return 1
	}
	return align
}

// Allocate implements Allocator.
func (a *BumpAllocator) Allocate(layout Layout) (r Slice, err error) {
	if trace {
		defer func() { traceLog("BumpAllocator.Allocate(%+v) -> %+v, %v\n", layout, r, err) }()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.totalAllocSize >= a.errorAfter {
		return Slice{}, allocErr("Allocate", errLimitExceeded)
	}

	if layout.Align > MaxAlign {
		return Slice{}, allocErr("Allocate", errAlignTooLarge)
	}

	if layout.Size == 0 {
		return Slice{Ptr: sentinelPtr(layout.Align), Len: 0}, nil
	}

	pad := AlignOffset(a.current.Ptr, layout.Align)
	if a.current.Len >= pad+layout.Size {
		ptr := a.current.Ptr + pad
		a.current.Ptr += pad + layout.Size
		a.current.Len -= pad + layout.Size
		return Slice{Ptr: ptr, Len: layout.Size}, nil
	}

	blockSize := roundUpMultiple(layout.Size, a.minAllocSize)
	block, err := a.baseAlloc.Allocate(Layout{Size: blockSize, Align: osPageSize})
	if err != nil {
		return Slice{}, allocErr("Allocate", err)
	}

	a.totalAllocSize += block.Len
	a.blocks = append(a.blocks, block)

	a.current = Slice{Ptr: block.Ptr + layout.Size, Len: block.Len - layout.Size}

	return Slice{Ptr: block.Ptr, Len: layout.Size}, nil
}

// Deallocate implements Allocator. It is always a no-op: a bump allocator
// never frees individual allocations.
func (a *BumpAllocator) Deallocate(ptr uintptr, layout Layout) {
	if trace {
		traceLog("BumpAllocator.Deallocate(%#x, %+v)\n", ptr, layout)
	}
}

// Grow implements Allocator. It extends in place only when ptr names the
// most recent allocation (i.e. ends exactly at the current block's
// cursor) and the current block has enough remaining length; otherwise it
// fails and the caller is expected to fall back to allocate+copy.
func (a *BumpAllocator) Grow(ptr uintptr, old, new Layout) (r Slice, err error) {
	if trace {
		defer func() { traceLog("BumpAllocator.Grow(%#x, %+v, %+v) -> %+v, %v\n", ptr, old, new, r, err) }()
	}

	if new.Align > old.Align {
		return Slice{}, allocErr("Grow", errGrowAlignGrows)
	}

	if new.Size == 0 {
		return Slice{Ptr: sentinelPtr(new.Align), Len: 0}, nil
	}

	if new.Size <= old.Size {
		return Slice{}, allocErr("Grow", errGrowNotLarger)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	need := new.Size - old.Size
	if a.current.Ptr == ptr+old.Size && a.current.Len >= need {
		a.current.Ptr += need
		a.current.Len -= need
		return Slice{Ptr: ptr, Len: new.Size}, nil
	}

	return Slice{}, allocErr("Grow", errNotInPlace)
}

// Shrink implements Allocator. A bump allocator cannot reclaim the
// trailing bytes of an allocation in place, so shrink is reported as an
// in-place success that simply reports the smaller length: the bytes
// beyond new.Size become unreachable arena slack, exactly like the
// abandoned padding on a new-block rollover.
func (a *BumpAllocator) Shrink(ptr uintptr, old, new Layout) (Slice, error) {
	if trace {
		traceLog("BumpAllocator.Shrink(%#x, %+v, %+v)\n", ptr, old, new)
	}

	if new.Size > old.Size {
		return Slice{}, allocErr("Shrink", errShrinkNotSmaller)
	}

	return Slice{Ptr: ptr, Len: new.Size}, nil
}

// Close releases every backing block back to the base allocator. The
// BumpAllocator must not be used afterward.
func (a *BumpAllocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, b := range a.blocks {
		a.baseAlloc.Deallocate(b.Ptr, Layout{Size: b.Len, Align: osPageSize})
	}
	a.blocks = nil
	a.current = Slice{}
	a.totalAllocSize = 0
}

// roundUpMultiple rounds n up to the next multiple of m (m need not be a
// power of two, unlike AlignUp).
func roundUpMultiple(n, m uintptr) uintptr {
	if m == 0 {
		return n
	}
	if rem := n % m; rem != 0 {
		return n + (m - rem)
	}
	return n
}
