//go:build windows
// +build windows

package funchook

import (
	"syscall"
	"testing"

	"golang.org/x/sys/windows"
)

// allocExec writes code into a fresh RWX page and returns its address.
// Used to build small synthetic "functions" that exercise Create/Install/
// Remove against real, addressable, executable memory — the Go encoding
// of spec §8's end-to-end scenarios, since this module has nothing like
// cgo available to compile a real C helper for the test suite to target.
func allocExec(t *testing.T, code []byte) uintptr {
	t.Helper()
	addr, err := windows.VirtualAlloc(0, uintptr(len(code)), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		t.Fatalf("VirtualAlloc: %v", err)
	}
	dst := unsafeBytes(addr, len(code))
	copy(dst, code)
	return addr
}

func callInt(addr uintptr) int64 {
	r, _, _ := syscall.SyscallN(addr)
	return int64(r)
}

// f returns 42: mov eax, 42; ret
var fReturns42 = []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}

// r returns 99: mov eax, 99; ret
var replacementReturns99 = []byte{0xB8, 0x63, 0x00, 0x00, 0x00, 0xC3}

func TestCreateInstallRemoveRoundTrip(t *testing.T) {
	f := allocExec(t, fReturns42)
	r := allocExec(t, replacementReturns99)

	before := callInt(f)
	if before != 42 {
		t.Fatalf("sanity check: f() = %d, want 42", before)
	}

	h, err := Create(f, r)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Destroy()

	if err := h.Install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	if got := callInt(f); got != 99 {
		t.Errorf("after install, f() = %d, want 99", got)
	}

	// Idempotence: a second Install is a no-op.
	if err := h.Install(); err != nil {
		t.Fatalf("second install: %v", err)
	}

	if err := h.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := callInt(f); got != 42 {
		t.Errorf("after remove, f() = %d, want 42", got)
	}

	// Idempotence: a second Remove is a no-op.
	if err := h.Remove(); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestTrampolineInvokesOriginal(t *testing.T) {
	f := allocExec(t, fReturns42)
	r := allocExec(t, replacementReturns99)

	h, err := Create(f, r)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Destroy()

	if err := h.Install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	defer h.Remove()

	if got := callInt(h.Trampoline()); got != 42 {
		t.Errorf("trampoline() = %d, want 42 (original behavior)", got)
	}
}

func TestResolveEntryFollowsForwardingJump(t *testing.T) {
	target := allocExec(t, fReturns42)

	// A one-instruction forwarding thunk: jmp rel32 to target.
	thunk, err := windows.VirtualAlloc(0, 5, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		t.Fatalf("VirtualAlloc: %v", err)
	}
	rel := int32(int64(target) - int64(thunk+5))
	code := []byte{0xE9, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
	copy(unsafeBytes(thunk, 5), code)

	got := resolveEntry(thunk)
	if got != target {
		t.Errorf("resolveEntry(%#x) = %#x, want %#x", thunk, got, target)
	}
}
