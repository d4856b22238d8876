//go:build windows
// +build windows

// Package funchook implements in-process function hooking (detouring)
// for x86/x86-64 native code on Windows: given the address of a target
// function and a replacement, it installs a redirection so calls reaching
// the target transparently divert to the replacement, while the
// replacement may still invoke the original behavior through a generated
// trampoline.
package funchook

import (
	"sync"
	"sync/atomic"

	"github.com/nilstride/funchook/internal/codealloc"
	"github.com/nilstride/funchook/internal/stub"
	"github.com/nilstride/funchook/internal/winmem"
)

// Hook is one hook record (spec §3 "Hook record"): created when the user
// requests a hook, mutated only by Install/Remove, destroyed explicitly.
// Callers must serialize Install/Remove calls on the same *Hook (spec
// §5); no internal mutex enforces this, matching spec.md's statement that
// these calls are rare and caller-serialized.
type Hook struct {
	functionEntry    uintptr
	replacementEntry uintptr

	stubAddr uintptr
	stubSize uintptr

	overwriteSize   int
	actualMovedSize int
	patchTarget     uintptr

	backupPrologue []byte

	proxyAddr   uintptr
	proxySize   int
	proxyBackup []byte

	installed    bool
	hotpatchable bool
}

// FunctionEntry returns the resolved entry point the hook was created
// against (after following any forwarding-jump chain).
func (h *Hook) FunctionEntry() uintptr { return h.functionEntry }

// Installed reports whether the hook's jump is currently live.
func (h *Hook) Installed() bool { return h.installed }

// Hotpatchable reports whether the overwrite fits within a single
// original instruction (spec §3, §8 "Hotpatchable IP safety").
func (h *Hook) Hotpatchable() bool { return h.hotpatchable }

// process-wide stub allocator (spec §5 "Shared resources"): created on
// first Create under sync.Once and kept for the life of the process; it
// is not torn down when the live hook count returns to zero. liveHooks
// counts live records (Create and Destroy adjust it), and the allocator
// returns each page to the OS as soon as every slot on it is freed.
var (
	allocOnce sync.Once
	allocator *codealloc.Allocator
	liveHooks int32
)

func sharedAllocator() *codealloc.Allocator {
	allocOnce.Do(func() {
		allocator = codealloc.New(winmem.NewPool(), winmem.PageSize(), stub.SlotSize(mode64))
	})
	return allocator
}

func acquireAllocator() *codealloc.Allocator {
	atomic.AddInt32(&liveHooks, 1)
	return sharedAllocator()
}

func releaseAllocator(stubAddr uintptr) error {
	err := allocator.Free(stubAddr)
	atomic.AddInt32(&liveHooks, -1)
	// The allocator itself is left constructed (sync.Once never resets),
	// even when this was the last live hook. A process that creates hooks
	// again reuses it.
	return err
}

// releaseRefOnly undoes the refcount bump acquireAllocator made, for the
// Create failure paths that never obtained a stub to free.
func releaseRefOnly() { atomic.AddInt32(&liveHooks, -1) }
