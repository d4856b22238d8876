//go:build windows
// +build windows

package patch

import "unsafe"

// WriteRegion memsets [addr, addr+regionSize) to NOP (0x90), then copies
// patch starting at addr (spec §4.9 step (e)). Permission over the region
// must already include WRITE, which Begin guarantees for the duration of
// a Session.
func WriteRegion(addr uintptr, regionSize int, patch []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), regionSize)
	for i := range dst {
		dst[i] = 0x90
	}
	copy(dst, patch)
}

// ReadRegion copies size bytes starting at addr into a fresh slice, used
// to take the backup snapshot before the first install (spec §4.7).
func ReadRegion(addr uintptr, size int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	out := make([]byte, size)
	copy(out, src)
	return out
}
