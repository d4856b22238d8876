// Package deadzone locates runs of inert padding bytes (NOP/INT3) near a
// hook target that can host an intermediate jump, shrinking the function
// entry overwrite to 2 bytes (spec §3 Deadzone, §4.8).
package deadzone

import (
	"github.com/nilstride/funchook/internal/disasm"
)

// inert reports whether b is one of the two byte values a deadzone is built
// from: NOP (0x90) or INT3 (0xCC).
func inert(b byte) bool { return b == 0x90 || b == 0xCC }

// Zone is a contiguous run of inert bytes.
type Zone struct {
	Start uintptr
	Size  int
}

// ScanBackward implements the prefix-scan pass of §4.8: walk backward from
// entry-1, never crossing the page boundary containing entry, counting
// consecutive inert bytes. Resolving the corresponding open question
// (§9), the scan also stops after max(minSize, 127) bytes even if the
// page boundary has not been reached, whichever comes first.
//
// readByte fetches a single byte at an address; pageSize is the system page
// size used to compute the page boundary.
func ScanBackward(entry uintptr, minSize int, pageSize uintptr, readByte func(uintptr) (byte, bool)) (Zone, bool) {
	pageStart := entry &^ (pageSize - 1)
	limit := minSize
	if limit < 127 {
		limit = 127
	}

	count := 0
	addr := entry
	for count < limit {
		if addr == 0 {
			break
		}
		addr--
		if addr < pageStart {
			break
		}
		b, ok := readByte(addr)
		if !ok || !inert(b) {
			break
		}
		count++
	}

	if count < minSize {
		return Zone{}, false
	}
	return Zone{Start: entry - uintptr(count), Size: count}, true
}

// ScanForward implements the forward-scan pass of §4.8: disassemble
// forward from entry up to 127 bytes, looking for a run of NOP/INT3
// instructions whose combined size reaches minSize.
func ScanForward(entry uintptr, minSize int, mode64 bool, read disasm.ReadFunc) (Zone, bool) {
	const horizon = 127
	cur := disasm.NewCursor(entry, mode64, read)

	var zoneStart uintptr
	zoneSize := 0
	scanned := 0

	for scanned < horizon {
		in, err := cur.Next()
		if err != nil {
			break
		}
		if in.Mnemonic == "nop" || in.Mnemonic == "int3" {
			if zoneSize == 0 {
				zoneStart = in.Address
			}
			zoneSize += in.Length
			if zoneSize >= minSize {
				return Zone{Start: zoneStart, Size: zoneSize}, true
			}
		} else {
			zoneSize = 0
		}
		scanned += in.Length
	}
	return Zone{}, false
}

// Find runs the backward pass then the forward pass, returning the first
// qualifying zone, per §4.8 ("return the first qualifying zone").
func Find(entry uintptr, minSize int, pageSize uintptr, mode64 bool, readByte func(uintptr) (byte, bool), read disasm.ReadFunc) (Zone, bool) {
	if z, ok := ScanBackward(entry, minSize, pageSize, readByte); ok {
		return z, true
	}
	return ScanForward(entry, minSize, mode64, read)
}
