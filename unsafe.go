package memalloc

import "unsafe"

// unsafeBytes builds a []byte view over the n bytes starting at addr. The
// caller is responsible for addr+n staying within a live allocation for as
// long as the returned slice is used.
func unsafeBytes(addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
}
