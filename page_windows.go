// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package memalloc

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// SystemPageAllocator obtains pages directly from the OS via VirtualAlloc,
// rounding every request up to a multiple of hugePageSize. Large-page
// (huge page) backing is attempted first and is best-effort: it silently
// falls back to a normal VirtualAlloc when the process lacks
// SeLockMemoryPrivilege or the platform's large-page minimum doesn't
// divide the request evenly.
//
// The zero value is ready to use.
type SystemPageAllocator struct{}

var _ PageAllocator = SystemPageAllocator{}

// AllocPage implements PageAllocator.
func (SystemPageAllocator) AllocPage(size uintptr) Slice {
	allocSize := AlignUp(size, hugePageSize)

	if addr := tryLargePageAlloc(allocSize); addr != 0 {
		return Slice{Ptr: addr, Len: allocSize}
	}

	addr, err := windows.VirtualAlloc(0, allocSize, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memalloc: AllocPage: VirtualAlloc(%d) failed: %v\naborting.\n", allocSize, err)
		os.Exit(1)
	}

	return Slice{Ptr: addr, Len: allocSize}
}

// tryLargePageAlloc attempts a huge-page-backed mapping; it returns 0 on
// any failure so the caller can fall back to a regular allocation. This is
// a pure hint: callers must not treat a 0 return as fatal.
func tryLargePageAlloc(size uintptr) uintptr {
	minSize := windows.GetLargePageMinimum()
	if minSize == 0 || size%minSize != 0 {
		return 0
	}

	addr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE|windows.MEM_LARGE_PAGES, windows.PAGE_READWRITE)
	if err != nil {
		traceLog("memalloc: AllocPage: large-page VirtualAlloc hint failed: %v\n", err)
		return 0
	}

	return addr
}

// DeallocPage implements PageAllocator.
func (SystemPageAllocator) DeallocPage(page Slice) {
	if err := windows.VirtualFree(page.Ptr, 0, windows.MEM_RELEASE); err != nil {
		fmt.Fprintf(os.Stderr, "memalloc: DeallocPage: VirtualFree failed: %v\naborting.\n", err)
		os.Exit(1)
	}
}
