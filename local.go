package memalloc

import (
	"math"
	"sync"
)

// LocalConfig configures a LocalAllocator. Use NewLocalConfig to obtain one
// with the documented defaults applied.
type LocalConfig struct {
	pageAlloc   PageAllocator
	freeAfter   uintptr
	errorAfter  uintptr
	minPageSize uintptr
}

// NewLocalConfig returns a LocalConfig backed by pageAlloc, with FreeAfter
// defaulted to 512 MiB, ErrorAfter unbounded, and MinPageSize defaulted to
// 128 MiB.
func NewLocalConfig(pageAlloc PageAllocator) *LocalConfig {
	return &LocalConfig{
		pageAlloc:   pageAlloc,
		freeAfter:   512 << 20,
		errorAfter:  math.MaxUint,
		minPageSize: 128 << 20,
	}
}

// WithFreeAfter sets the owned-bytes threshold above which empty pages are
// released back to the page allocator.
func (c *LocalConfig) WithFreeAfter(n uintptr) *LocalConfig {
	c.freeAfter = n
	return c
}

// WithErrorAfter fails allocation once owned page bytes have reached n.
// The check is made before a request, not against its outcome: the page
// whose acquisition first carries owned bytes past n is still obtained.
func (c *LocalConfig) WithErrorAfter(n uintptr) *LocalConfig {
	c.errorAfter = n
	return c
}

// WithMinPageSize sets the minimum size of a page requested from the page
// allocator.
func (c *LocalConfig) WithMinPageSize(n uintptr) *LocalConfig {
	c.minPageSize = n
	return c
}

// LocalAllocator carves sub-allocations out of pages obtained from a
// PageAllocator, tracking free ranges per page, coalescing adjacent free
// ranges on deallocation, and releasing pages that become entirely free
// once total owned bytes exceed FreeAfter.
//
// Not safe for concurrent use against the same instance. A single mutex
// serializes all operations; Allocate, Deallocate and Close keep it held
// while they call out to pageAlloc, so re-entrant use from within
// pageAlloc's own call chain deadlocks and is a programming error.
type LocalAllocator struct {
	mu sync.Mutex

	pageAlloc   PageAllocator
	freeAfter   uintptr
	errorAfter  uintptr
	minPageSize uintptr

	// pages[i] is an owned page; freeList[i] holds its free ranges.
	pages    []Slice
	freeList [][]Slice

	totalPageSize uintptr

	// liveSize maps a live allocation's start address to the size the
	// free list accounted for it. Deallocate and Grow use this recorded
	// size rather than the size the caller passes in; allocations are
	// carved at exactly the requested size, so the two agree for a
	// caller that passes back its own layout.
	liveSize map[uintptr]uintptr
}

var _ Allocator = (*LocalAllocator)(nil)

// NewLocalAllocator constructs a LocalAllocator from cfg.
func NewLocalAllocator(cfg *LocalConfig) *LocalAllocator {
	return &LocalAllocator{
		pageAlloc:   cfg.pageAlloc,
		freeAfter:   cfg.freeAfter,
		errorAfter:  cfg.errorAfter,
		minPageSize: cfg.minPageSize,
		liveSize:    make(map[uintptr]uintptr),
	}
}

// Allocate implements Allocator.
func (a *LocalAllocator) Allocate(layout Layout) (r Slice, err error) {
	if trace {
		defer func() { traceLog("LocalAllocator.Allocate(%+v) -> %+v, %v\n", layout, r, err) }()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocateLocked(layout)
}

func (a *LocalAllocator) allocateLocked(layout Layout) (Slice, error) {
	if a.totalPageSize >= a.errorAfter {
		return Slice{}, allocErr("Allocate", errLimitExceeded)
	}

	if layout.Align > MaxAlign {
		return Slice{}, allocErr("Allocate", errAlignTooLarge)
	}

	if layout.Size == 0 {
		return Slice{Ptr: sentinelPtr(layout.Align), Len: 0}, nil
	}

	if s, ok := a.tryAllocInExistingPages(layout); ok {
		a.liveSize[s.Ptr] = s.Len
		return s, nil
	}

	pageSize := layout.Size
	if a.minPageSize > pageSize {
		pageSize = a.minPageSize
	}
	page := a.pageAlloc.AllocPage(pageSize)
	a.totalPageSize += page.Len
	a.pages = append(a.pages, page)
	a.freeList = append(a.freeList, []Slice{page})

	s, ok := a.tryAllocInExistingPages(layout)
	if !ok {
		// Cannot happen: a freshly appended page is at least
		// layout.Size long and is aligned to osPageSize >= layout.Align
		// (MaxAlign is capped at osPageSize), so the first-fit search
		// over it must succeed.
		panic("memalloc: LocalAllocator: newly allocated page did not fit the request")
	}
	a.liveSize[s.Ptr] = s.Len

	return s, nil
}

// tryAllocInExistingPages performs the first-fit search over every page's
// free-range list, splitting off the leading pad and trailing remainder
// of the chosen range.
func (a *LocalAllocator) tryAllocInExistingPages(layout Layout) (Slice, bool) {
	for pageIdx, ranges := range a.freeList {
		for i, fr := range ranges {
			pad := AlignOffset(fr.Ptr, layout.Align)
			need := pad + layout.Size
			if fr.Len < need {
				continue
			}

			ranges = swapRemove(ranges, i)
			if pad > 0 {
				ranges = append(ranges, Slice{Ptr: fr.Ptr, Len: pad})
			}
			if fr.Len > need {
				ranges = append(ranges, Slice{Ptr: fr.Ptr + need, Len: fr.Len - need})
			}
			a.freeList[pageIdx] = ranges

			return Slice{Ptr: fr.Ptr + pad, Len: layout.Size}, true
		}
	}
	return Slice{}, false
}

// Deallocate implements Allocator.
func (a *LocalAllocator) Deallocate(ptr uintptr, layout Layout) {
	if trace {
		traceLog("LocalAllocator.Deallocate(%#x, %+v)\n", ptr, layout)
	}

	if layout.Size == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.deallocateLocked(ptr, layout.Size)
}

func (a *LocalAllocator) deallocateLocked(ptr uintptr, callerSize uintptr) {
	_ = callerSize
	size, ok := a.liveSize[ptr]
	if !ok {
		panic("memalloc: LocalAllocator: deallocate of unknown allocation")
	}
	delete(a.liveSize, ptr)

	endAddr := ptr + size

	for pageIdx, page := range a.pages {
		if !(ptr >= page.Ptr && page.end() >= endAddr) {
			continue
		}

		ranges := a.freeList[pageIdx]
		merged := Slice{Ptr: ptr, Len: size}

		i := 0
		found := false
		for i < len(ranges) {
			fr := ranges[i]
			switch {
			case fr.Ptr == merged.end():
				merged.Len += fr.Len
				ranges = swapRemove(ranges, i)
			case fr.end() == merged.Ptr:
				merged.Ptr = fr.Ptr
				merged.Len += fr.Len
				ranges = swapRemove(ranges, i)
			default:
				i++
				continue
			}
			if found {
				i = len(ranges) // at most two neighbors; stop once both merged
				break
			}
			found = true
		}

		ranges = append(ranges, merged)
		a.freeList[pageIdx] = ranges

		a.releasePagesIfNeeded()
		return
	}

	panic("memalloc: LocalAllocator: deallocate address not within any owned page")
}

// releasePagesIfNeeded implements the page-release policy: once owned
// bytes exceed freeAfter, any page whose sole free range spans it exactly
// is handed back to the page allocator.
func (a *LocalAllocator) releasePagesIfNeeded() {
	if a.totalPageSize <= a.freeAfter {
		return
	}

	i := 0
	for i < len(a.pages) {
		ranges := a.freeList[i]
		page := a.pages[i]
		if len(ranges) == 1 && ranges[0].Ptr == page.Ptr && ranges[0].Len == page.Len {
			a.pages = swapRemove(a.pages, i)
			a.freeList = swapRemoveRanges(a.freeList, i)
			a.totalPageSize -= page.Len
			a.pageAlloc.DeallocPage(page)
			continue
		}
		i++
	}
}

// Grow implements Allocator.
func (a *LocalAllocator) Grow(ptr uintptr, old, new Layout) (r Slice, err error) {
	if trace {
		defer func() { traceLog("LocalAllocator.Grow(%#x, %+v, %+v) -> %+v, %v\n", ptr, old, new, r, err) }()
	}

	if new.Align > old.Align {
		return Slice{}, allocErr("Grow", errGrowAlignGrows)
	}
	if new.Size <= old.Size {
		return Slice{}, allocErr("Grow", errGrowNotLarger)
	}

	a.mu.Lock()

	if old.Size == 0 {
		a.mu.Unlock()
		return a.Allocate(new)
	}

	trueOldSize, ok := a.liveSize[ptr]
	if !ok {
		a.mu.Unlock()
		panic("memalloc: LocalAllocator: grow of unknown allocation")
	}
	delete(a.liveSize, ptr)

	endAddr := ptr + trueOldSize
	need := new.Size - trueOldSize

	for pageIdx, ranges := range a.freeList {
		for i, fr := range ranges {
			if fr.Ptr != endAddr {
				continue
			}
			switch {
			case fr.Len > need:
				ranges[i] = Slice{Ptr: fr.Ptr + need, Len: fr.Len - need}
				a.liveSize[ptr] = new.Size
				a.mu.Unlock()
				return Slice{Ptr: ptr, Len: new.Size}, nil
			case fr.Len == need:
				a.freeList[pageIdx] = swapRemove(ranges, i)
				a.liveSize[ptr] = new.Size
				a.mu.Unlock()
				return Slice{Ptr: ptr, Len: new.Size}, nil
			default:
				goto noInPlace
			}
		}
	}

noInPlace:
	a.liveSize[ptr] = trueOldSize
	a.mu.Unlock()

	newSlice, err := a.Allocate(new)
	if err != nil {
		return Slice{}, err
	}

	copy(newSlice.Bytes(), unsafeBytes(ptr, trueOldSize))
	a.Deallocate(ptr, Layout{Size: trueOldSize, Align: old.Align})

	return newSlice, nil
}

// Shrink implements Allocator. No in-place shrink path is implemented (the
// freed tail would need its own coalescing pass identical to Deallocate's,
// which the package's spec explicitly allows skipping); it falls back to
// allocate-smaller, copy, free-old.
func (a *LocalAllocator) Shrink(ptr uintptr, old, new Layout) (Slice, error) {
	if trace {
		traceLog("LocalAllocator.Shrink(%#x, %+v, %+v)\n", ptr, old, new)
	}

	if new.Size > old.Size {
		return Slice{}, allocErr("Shrink", errShrinkNotSmaller)
	}

	if new.Size == old.Size {
		return Slice{Ptr: ptr, Len: new.Size}, nil
	}

	newSlice, err := a.Allocate(new)
	if err != nil {
		return Slice{}, err
	}

	copy(newSlice.Bytes(), unsafeBytes(ptr, new.Size))
	a.Deallocate(ptr, old)

	return newSlice, nil
}

// Close releases every owned page back to the page allocator. Any live
// allocations are invalidated; the caller is responsible for lifetime
// correctness, per the package's resource model.
func (a *LocalAllocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, page := range a.pages {
		a.pageAlloc.DeallocPage(page)
	}
	a.pages = nil
	a.freeList = nil
	a.totalPageSize = 0
	a.liveSize = make(map[uintptr]uintptr)
}

func swapRemove(s []Slice, i int) []Slice {
	last := len(s) - 1
	s[i] = s[last]
	return s[:last]
}

func swapRemoveRanges(s [][]Slice, i int) [][]Slice {
	last := len(s) - 1
	s[i] = s[last]
	return s[:last]
}
