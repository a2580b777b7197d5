// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memalloc implements a layered, user-space memory allocation
// library: a page allocator backed by the OS, a local free-list allocator
// carved out of pages, and a bump (arena) allocator on top of either. A
// validating wrapper enforces the allocator contract in tests and in
// debug builds.
//
// None of the allocators in this package are safe for concurrent use by
// multiple goroutines against the same instance.
package memalloc

import (
	"fmt"
	"os"
)

// trace enables a per-call diagnostic dump to stderr, in the same vein as
// the debug hooks littered through the teacher implementation this package
// grew out of. Off by default; flip to true locally when chasing a bad
// allocator interaction.
const trace = false

func traceLog(format string, args ...interface{}) {
	if !trace {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}

// Slice names a contiguous byte range by address and length. The address is
// kept as an opaque uintptr for bookkeeping; it becomes a pointer only when
// handed to a caller at the package boundary.
type Slice struct {
	Ptr uintptr
	Len uintptr
}

// end returns the address one past the last byte of s.
func (s Slice) end() uintptr { return s.Ptr + s.Len }

// Bytes views s as a []byte of length s.Len. The caller must not retain the
// slice past the lifetime of the underlying allocation.
func (s Slice) Bytes() []byte {
	if s.Len == 0 {
		return nil
	}
	return unsafeBytes(s.Ptr, s.Len)
}

// Layout describes an allocation request: a size in bytes and an alignment,
// which must be a power of two no greater than 4096.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// MaxAlign is the largest alignment any allocator in this package accepts.
const MaxAlign = 4096

// AllocError reports a recoverable allocation failure: the backing source
// was exhausted, a configured limit was hit, or the request itself was
// unsupported (e.g. alignment above MaxAlign, or a grow that does not
// increase size).
type AllocError struct {
	Op  string
	Err error
}

func (e *AllocError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("memalloc: %s failed", e.Op)
	}
	return fmt.Sprintf("memalloc: %s failed: %v", e.Op, e.Err)
}

func (e *AllocError) Unwrap() error { return e.Err }

func allocErr(op string, err error) *AllocError { return &AllocError{Op: op, Err: err} }

var (
	errAlignTooLarge  = fmt.Errorf("alignment exceeds %d bytes", MaxAlign)
	errLimitExceeded  = fmt.Errorf("configured size limit exceeded")
	errGrowNotLarger  = fmt.Errorf("grow requires new_size > old_size")
	errGrowAlignGrows = fmt.Errorf("grow must not increase alignment")
)

var (
	errShrinkNotSmaller = fmt.Errorf("shrink requires new_size <= old_size")
	errNotInPlace       = fmt.Errorf("allocation cannot be resized in place")
)

// Allocator is the generic contract implemented by every allocator in this
// package: Allocate, Deallocate, Grow and Shrink on (address, size,
// alignment) triples. A successful Allocate/Grow/Shrink returns a Slice
// whose address is aligned to the requested alignment and whose length
// equals the requested size exactly, not merely at least that size. A
// PageAllocator is the one exception: AsAllocator's adapter returns pages
// at OS granularity, so it must never be wrapped directly in a
// ValidatingAllocator.
type Allocator interface {
	// Allocate returns size bytes aligned to align, or an AllocError.
	Allocate(layout Layout) (Slice, error)
	// Deallocate releases a Slice previously returned by this allocator
	// for the same layout. Passing an address this allocator did not
	// produce is a programming error.
	Deallocate(ptr uintptr, layout Layout)
	// Grow extends ptr's allocation from old to new, preserving the
	// first old.Size bytes. new.Size must exceed old.Size and
	// new.Align must not exceed old.Align.
	Grow(ptr uintptr, old, new Layout) (Slice, error)
	// Shrink reduces ptr's allocation from old to new. new.Size must be
	// no greater than old.Size.
	Shrink(ptr uintptr, old, new Layout) (Slice, error)
}

// AlignUp returns the smallest multiple of a that is not less than x. a
// must be a power of two; AlignUp panics otherwise.
func AlignUp(x, a uintptr) uintptr {
	if !isPow2(a) {
		panic("memalloc: AlignUp: alignment is not a power of two")
	}
	return (x + a - 1) &^ (a - 1)
}

// AlignOffset returns the number of bytes that must be added to x to reach
// the next multiple of a (zero if x is already aligned). a must be a power
// of two; AlignOffset panics otherwise.
func AlignOffset(x, a uintptr) uintptr {
	if !isPow2(a) {
		panic("memalloc: AlignOffset: alignment is not a power of two")
	}
	return AlignUp(x, a) - x
}

// isPow2 reports whether n is a nonzero power of two.
func isPow2(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}
