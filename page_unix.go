// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || linux || openbsd || netbsd || solaris

package memalloc

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SystemPageAllocator obtains pages directly from the OS via mmap,
// rounding every request up to a multiple of hugePageSize and hinting the
// kernel to back the mapping with transparent huge pages where possible.
// The hint is best-effort: a failing madvise is traced and otherwise
// ignored, never surfaced as an error.
//
// The zero value is ready to use.
type SystemPageAllocator struct{}

var _ PageAllocator = SystemPageAllocator{}

// AllocPage implements PageAllocator.
func (SystemPageAllocator) AllocPage(size uintptr) Slice {
	allocSize := AlignUp(size, hugePageSize)

	b, err := unix.Mmap(-1, 0, int(allocSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memalloc: AllocPage: mmap(%d) failed: %v\naborting.\n", allocSize, err)
		os.Exit(1)
	}

	addr := uintptr(unsafe.Pointer(&b[0]))
	if addr&(osPageSize-1) != 0 {
		panic("memalloc: mmap returned a non-page-aligned address")
	}

	if err := unix.Madvise(b, unix.MADV_HUGEPAGE); err != nil {
		traceLog("memalloc: AllocPage: madvise(MADV_HUGEPAGE) hint failed: %v\n", err)
	}

	return Slice{Ptr: addr, Len: allocSize}
}

// DeallocPage implements PageAllocator.
func (SystemPageAllocator) DeallocPage(page Slice) {
	b := unsafeBytes(page.Ptr, page.Len)
	if err := unix.Munmap(b); err != nil {
		fmt.Fprintf(os.Stderr, "memalloc: DeallocPage: munmap failed: %v\naborting.\n", err)
		os.Exit(1)
	}
}
