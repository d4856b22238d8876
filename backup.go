//go:build windows
// +build windows

package funchook

import "github.com/nilstride/funchook/internal/patch"

// snapshotBackup implements spec §4.7: record backup_prologue as the
// current bytes at functionEntry over [functionEntry,
// functionEntry+actualMovedSize), and, when proxying through a deadzone,
// the bytes that rewrite will overwrite there too.
func (h *Hook) snapshotBackup() {
	h.backupPrologue = patch.ReadRegion(h.functionEntry, h.actualMovedSize)
	if h.proxyAddr != 0 {
		h.proxyBackup = patch.ReadRegion(h.proxyAddr, h.proxySize)
	}
}
