//go:build windows
// +build windows

package funchook

import (
	"fmt"

	"github.com/nilstride/funchook/internal/hookerr"
	"github.com/nilstride/funchook/internal/patch"
	"github.com/nilstride/funchook/internal/reloc"
	"github.com/nilstride/funchook/internal/stub"
)

// SymbolResolver is the external collaborator spec §6 names: it maps a
// symbol name (optionally scoped to a module) to its address.
// internal/symresolve provides a default implementation backed by the
// Windows loader.
type SymbolResolver interface {
	Resolve(symbol, moduleHint string) (uintptr, error)
}

// Create implements spec §4.1 Create: resolves the effective entry point,
// pre-builds the trampoline, but does not patch live code.
func Create(functionPtr, replacementPtr uintptr) (*Hook, error) {
	entry := resolveEntry(functionPtr)

	alloc := acquireAllocator()
	stubAddr, err := alloc.Alloc(entry)
	if err != nil {
		releaseRefOnly()
		return nil, err
	}

	h, err := finishCreate(entry, replacementPtr, stubAddr)
	if err != nil {
		alloc.Free(stubAddr)
		releaseRefOnly()
		return nil, err
	}
	return h, nil
}

// CreateByName implements spec §6 create_by_name: resolves symbol via
// resolver (scoped to moduleHint), then delegates to Create.
func CreateByName(resolver SymbolResolver, symbol, moduleHint string, replacementPtr uintptr) (*Hook, error) {
	addr, err := resolver.Resolve(symbol, moduleHint)
	if err != nil {
		return nil, err
	}
	return Create(addr, replacementPtr)
}

func finishCreate(entry, replacementPtr, stubAddr uintptr) (*Hook, error) {
	p, err := buildPlan(entry, replacementPtr, stubAddr)
	if err != nil {
		return nil, err
	}

	windowStart := entry
	windowEnd := entry + uintptr(p.movedSize)
	relocated, err := reloc.Relocate(p.instructions, windowStart, windowEnd, stubAddr, mode64)
	if err != nil {
		return nil, err
	}

	resumeTarget := entry + uintptr(p.movedSize)
	img, err := stub.Build(stubAddr, mode64, relocated, resumeTarget, replacementPtr)
	if err != nil {
		return nil, err
	}
	patch.WriteRegion(stubAddr, len(img), img)

	h := &Hook{
		functionEntry:    entry,
		replacementEntry: replacementPtr,
		stubAddr:         stubAddr,
		stubSize:         stub.SlotSize(mode64),
		overwriteSize:    p.overwriteSize,
		actualMovedSize:  p.movedSize,
		patchTarget:      p.patchTarget,
		proxyAddr:        p.proxyAddr,
		proxySize:        p.proxySize,
		hotpatchable:     p.hotpatchable,
	}
	h.snapshotBackup()
	return h, nil
}

// Trampoline returns the stub's base address: callable with the original
// function's signature, it behaves like calling the unhooked function
// (spec §4.1). Undefined before the first Install, per spec.
func (h *Hook) Trampoline() uintptr { return h.stubAddr }

// Destroy implements spec §4.1 Destroy: Remove if installed, restore any
// borrowed deadzone, release the stub, relinquish the allocator's
// reference.
func (h *Hook) Destroy() error {
	if err := h.Remove(); err != nil {
		return err
	}
	if err := releaseAllocator(h.stubAddr); err != nil {
		return fmt.Errorf("%w: releasing stub: %v", hookerr.ErrOutOfMemory, err)
	}
	return nil
}
