// Package codealloc keeps a sorted collection of equal-sized executable
// blocks ("stubs", spec §2 Code allocator, §4.10), each carved out of a
// page-sized allocation placed within ±2 GiB of a caller-supplied hint so
// 32-bit relative displacements can still reach it.
package codealloc

import (
	"fmt"
	"sync"

	"github.com/nilstride/funchook/internal/hookerr"
)

// reach is the maximum distance (in either direction) a 32-bit relative
// displacement can reach: 2^31 - 1.
const reach = uintptr(1)<<31 - 1

// PagePool is the OS memory service this allocator drives (spec §4.11):
// reserve/commit a page-sized, executable-capable region near a hint
// address, and release it when no longer needed. Implemented for real by
// internal/winmem; tests supply an in-process fake.
type PagePool interface {
	// Reserve allocates a size-byte region whose address lies within
	// [hint-2^31+1, hint+2^31-1] whenever the address space allows it,
	// and marks it read/write/execute. Returns the base address.
	Reserve(hint uintptr, size uintptr) (uintptr, error)
	// Release returns a previously reserved region to the OS.
	Release(base uintptr, size uintptr) error
}

type page struct {
	base     uintptr
	slotSize uintptr
	slots    []uintptr // every slot address on this page, in order
	used     map[uintptr]bool
}

func (p *page) freeCount() int {
	n := 0
	for _, s := range p.slots {
		if !p.used[s] {
			n++
		}
	}
	return n
}

// Allocator is the process-wide stub allocator. One instance is shared
// across all hook records (spec §5). Alloc, Free and the counting methods
// each hold an internal mutex for their duration.
type Allocator struct {
	pool     PagePool
	pageSize uintptr
	slotSize uintptr

	mu     sync.Mutex
	pages  []*page
	free   freeList
	bySlot map[uintptr]*page
}

// New creates an allocator that carves pageSize-byte pages (obtained from
// pool) into slotSize-byte stub slots.
func New(pool PagePool, pageSize, slotSize uintptr) *Allocator {
	return &Allocator{
		pool:     pool,
		pageSize: pageSize,
		slotSize: slotSize,
		bySlot:   make(map[uintptr]*page),
	}
}

func rangeAround(hint uintptr) (lo, hi uintptr) {
	if hint > reach {
		lo = hint - reach
	} else {
		lo = 0
	}
	if hint > ^uintptr(0)-reach {
		hi = ^uintptr(0)
	} else {
		hi = hint + reach
	}
	return lo, hi
}

// Alloc returns a free slot address within ±2 GiB of hint, allocating a new
// backing page if none of the currently free slots qualify. If the new page
// itself lies out of range, its first slot is returned anyway.
func (a *Allocator) Alloc(hint uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	lo, hi := rangeAround(hint)
	if addr, ok := a.free.firstInRange(lo, hi); ok {
		a.free.remove(addr)
		a.bySlot[addr].used[addr] = true
		return addr, nil
	}

	base, err := a.pool.Reserve(hint, a.pageSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", hookerr.ErrOutOfMemory, err)
	}

	slotsPerPage := int(a.pageSize / a.slotSize)
	if slotsPerPage == 0 {
		return 0, fmt.Errorf("%w: slot size %d exceeds page size %d", hookerr.ErrOutOfMemory, a.slotSize, a.pageSize)
	}
	p := &page{base: base, slotSize: a.slotSize, used: make(map[uintptr]bool)}
	for i := 0; i < slotsPerPage; i++ {
		addr := base + uintptr(i)*a.slotSize
		p.slots = append(p.slots, addr)
		a.bySlot[addr] = p
	}
	a.pages = append(a.pages, p)

	// The new page may not land within [lo, hi] if the address space near
	// hint is exhausted — placement is "within ±2GiB ... whenever that is
	// geometrically possible," not guaranteed. Either way, offer its slots to
	// the free list and retry the range query once.
	for _, addr := range p.slots {
		a.free.insert(addr)
	}

	if addr, ok := a.free.firstInRange(lo, hi); ok {
		a.free.remove(addr)
		p.used[addr] = true
		return addr, nil
	}

	// No slot on the freshly reserved page falls in range; hand back the
	// first slot anyway rather than fail outright — a caller this far out
	// of range has no nearer option, and spec §4.10 only promises
	// best-effort proximity.
	addr := p.slots[0]
	a.free.remove(addr)
	p.used[addr] = true
	return addr, nil
}

// Free releases a slot back to the allocator. If its owning page becomes
// fully free, the page is swept and returned to the pool (spec §4.10:
// "Free releases a slot; an empty-page sweep returns pages whose every
// slot is free back to the page manager").
func (a *Allocator) Free(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.bySlot[addr]
	if !ok || !p.used[addr] {
		return fmt.Errorf("codealloc: address %#x is not an allocated slot", addr)
	}
	p.used[addr] = false
	a.free.insert(addr)

	if p.freeCount() == len(p.slots) {
		return a.sweepLocked(p)
	}
	return nil
}

func (a *Allocator) sweepLocked(p *page) error {
	for _, addr := range p.slots {
		a.free.remove(addr)
		delete(a.bySlot, addr)
	}
	for i, pg := range a.pages {
		if pg == p {
			a.pages = append(a.pages[:i], a.pages[i+1:]...)
			break
		}
	}
	return a.pool.Release(p.base, a.pageSize)
}

// FreeSlotCount reports how many slots are currently free, for tests and
// diagnostics.
func (a *Allocator) FreeSlotCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.len()
}

// PageCount reports how many backing pages are currently held.
func (a *Allocator) PageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages)
}
