//go:build windows
// +build windows

package funchook

import "unsafe"

func unsafeBytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func unsafePointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}
