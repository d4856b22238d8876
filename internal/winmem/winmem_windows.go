//go:build windows
// +build windows

// Package winmem implements the OS memory services the hook engine sits
// on (spec §4.11): page-sized reservation placed within ±2 GiB of a hint
// address, permission changes scoped to a region, and page-alignment
// helpers. It wraps golang.org/x/sys/windows one thin function at a time,
// rather than building a general memory-mapping abstraction.
package winmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/nilstride/funchook/internal/hookerr"
)

const reach = uintptr(1)<<31 - 1

var (
	sysInfoOnce sync.Once
	pageSize    uintptr
	granularity uintptr
)

func loadSystemInfo() {
	sysInfoOnce.Do(func() {
		var si windows.SystemInfo
		windows.GetSystemInfo(&si)
		pageSize = uintptr(si.PageSize)
		granularity = uintptr(si.AllocationGranularity)
	})
}

// PageSize returns the OS page size.
func PageSize() uintptr {
	loadSystemInfo()
	return pageSize
}

// AllocationGranularity returns the step between candidate addresses when
// probing for a reservation (64KiB on every current Windows release, but
// queried rather than hardcoded).
func AllocationGranularity() uintptr {
	loadSystemInfo()
	return granularity
}

// AlignUp rounds addr up to the next multiple of align.
func AlignUp(addr, align uintptr) uintptr {
	if align == 0 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to a multiple of align.
func AlignDown(addr, align uintptr) uintptr {
	if align == 0 {
		return addr
	}
	return addr &^ (align - 1)
}

// Pool implements codealloc.PagePool against real Windows virtual memory.
type Pool struct{}

// NewPool returns a Pool backed by VirtualAlloc/VirtualProtect/VirtualFree.
func NewPool() *Pool { return &Pool{} }

// Reserve commits a size-byte, read/write/execute region as close to hint
// as the address space allows, per spec §4.11: probe candidate addresses
// within [hint-2^31+1, hint+2^31-1], stepping by the allocation
// granularity, until one succeeds; fall back to a hint-less allocation if
// the whole range is exhausted.
func (p *Pool) Reserve(hint, size uintptr) (uintptr, error) {
	granule := AllocationGranularity()
	size = AlignUp(size, PageSize())

	lo := uintptr(0)
	if hint > reach {
		lo = hint - reach
	}
	hi := hint + reach
	if hi < hint {
		hi = ^uintptr(0)
	}
	lo = AlignUp(lo, granule)
	hi = AlignDown(hi, granule)

	for addr := AlignDown(hint, granule); addr >= lo && addr <= hi; {
		if base, err := reserveAt(addr, size); err == nil {
			return base, nil
		}
		next := addr + granule
		if next <= addr || next > hi {
			break
		}
		addr = next
	}
	// Retry stepping downward from the hint, in case upward probing
	// exhausted the range without finding a free region.
	for addr := AlignDown(hint, granule); addr >= lo; {
		if base, err := reserveAt(addr, size); err == nil {
			return base, nil
		}
		if addr < granule {
			break
		}
		addr -= granule
	}

	base, err := reserveAt(0, size)
	if err != nil {
		return 0, fmt.Errorf("%w: VirtualAlloc: %v", hookerr.ErrOutOfMemory, err)
	}
	return base, nil
}

func reserveAt(addr, size uintptr) (uintptr, error) {
	base, err := windows.VirtualAlloc(addr, size, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, err
	}
	return base, nil
}

// Release returns a previously reserved region to the OS.
func (p *Pool) Release(base, size uintptr) error {
	if err := windows.VirtualFree(base, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("%w: VirtualFree: %v", hookerr.ErrOutOfMemory, err)
	}
	return nil
}

// Protect changes the protection of [addr, addr+size) to prot (a
// windows.PAGE_* constant), returning the previous protection so callers
// can restore it.
func Protect(addr, size uintptr, prot uint32) (uint32, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, size, prot, &old); err != nil {
		return 0, fmt.Errorf("%w: VirtualProtect: %v", hookerr.ErrPermissionFailure, err)
	}
	return old, nil
}
