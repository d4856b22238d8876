//go:build windows
// +build windows

package funchook

import (
	"github.com/nilstride/funchook/internal/encoder"
	"github.com/nilstride/funchook/internal/patch"
)

// Install implements spec §4.9: patches live code so the first
// overwriteSize bytes at function_entry become a jump to patch_target.
// Idempotent — a second call is a no-op and returns nil.
func (h *Hook) Install() error {
	if h.installed {
		return nil
	}

	lo, size := h.patchRegion()
	sess, err := patch.Begin(lo, size, h.hotpatchable)
	if err != nil {
		return err
	}
	defer sess.End()

	if err := sess.RewriteIPs(h.functionEntry, uintptr(h.actualMovedSize), h.stubAddr); err != nil {
		return err
	}

	patch.WriteRegion(h.functionEntry, h.actualMovedSize, h.entryPatchBytes())
	if h.proxyAddr != 0 {
		patch.WriteRegion(h.proxyAddr, h.proxySize, h.proxyPatchBytes())
	}

	h.installed = true
	return nil
}

// Remove implements spec §4.9: restores backup_prologue (and any borrowed
// deadzone). Idempotent, and never reports failure to the caller per
// spec §7 ("remove never returns failure to the user").
func (h *Hook) Remove() error {
	if !h.installed {
		return nil
	}

	lo, size := h.patchRegion()
	sess, err := patch.Begin(lo, size, h.hotpatchable)
	if err != nil {
		return nil
	}
	defer sess.End()

	patch.WriteRegion(h.functionEntry, h.actualMovedSize, h.backupPrologue)
	if h.proxyAddr != 0 {
		patch.WriteRegion(h.proxyAddr, h.proxySize, h.proxyBackup)
	}

	h.installed = false
	return nil
}

// patchRegion returns the smallest [addr, addr+size) span covering both
// the function-entry overwrite and any borrowed deadzone, for permission
// elevation (spec §4.9 step (a)).
func (h *Hook) patchRegion() (uintptr, uintptr) {
	lo := h.functionEntry
	hi := h.functionEntry + uintptr(h.actualMovedSize)
	if h.proxyAddr != 0 {
		if h.proxyAddr < lo {
			lo = h.proxyAddr
		}
		if phi := h.proxyAddr + uintptr(h.proxySize); phi > hi {
			hi = phi
		}
	}
	return lo, hi - lo
}

// entryPatchBytes renders the jump written at function_entry, matching
// overwriteSize (spec §4.3: 2, 5 or 14 bytes).
func (h *Hook) entryPatchBytes() []byte {
	w := encoder.NewWriter()
	switch h.overwriteSize {
	case encoder.SJmpSize:
		rel := int64(h.patchTarget) - int64(h.functionEntry+uintptr(encoder.SJmpSize))
		w.SJmp(int8(rel))
	case encoder.JmpSize:
		rel := int64(h.patchTarget) - int64(h.functionEntry+uintptr(encoder.JmpSize))
		w.Jmp(int32(rel))
	case encoder.LJmpSize:
		w.LJmp(uint64(h.patchTarget))
	}
	return w.Bytes()
}

// proxyPatchBytes renders the jump written into the borrowed deadzone,
// targeting the true replacement (spec §4.3 step 2 first bullet).
func (h *Hook) proxyPatchBytes() []byte {
	w := encoder.NewWriter()
	if h.proxySize == encoder.LJmpSize {
		w.LJmp(uint64(h.replacementEntry))
	} else {
		rel := int64(h.replacementEntry) - int64(h.proxyAddr+uintptr(encoder.JmpSize))
		w.Jmp(int32(rel))
	}
	return w.Bytes()
}
