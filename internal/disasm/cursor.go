// Package disasm is a thin adapter over a byte-at-a-time x86/x64 decoder,
// exposing per-instruction size, mnemonic, prefixes and operand list. It is
// intentionally not a general assembler/disassembler: it decodes just far
// enough to classify an instruction for relocation (§4.4) and to walk
// forwarding jump thunks (§4.2).
package disasm

import "fmt"

// ReadFunc reads up to len(p) bytes starting at addr into p, returning the
// number of bytes actually read. Implementations may return fewer bytes
// than requested near the end of a readable region (mapping the semantics
// of ReadProcessMemory against the last page of an allocation), but must
// return at least one instruction's worth of bytes whenever possible.
type ReadFunc func(addr uintptr, p []byte) (int, error)

// Cursor is a restartable decode position: it owns no buffer, only an
// address and a way to fetch bytes from it, an "iterator on a byte
// stream" rather than a decode-the-whole-buffer-up-front API (§9).
type Cursor struct {
	read   ReadFunc
	addr   uintptr
	mode64 bool
}

// NewCursor creates a cursor that decodes starting at addr using read to
// fetch instruction bytes on demand.
func NewCursor(addr uintptr, mode64 bool, read ReadFunc) *Cursor {
	return &Cursor{read: read, addr: addr, mode64: mode64}
}

// Seek repositions the cursor without touching any buffer.
func (c *Cursor) Seek(addr uintptr) { c.addr = addr }

// Addr returns the cursor's current address.
func (c *Cursor) Addr() uintptr { return c.addr }

// Next decodes the instruction at the cursor's current address and
// advances the cursor past it.
func (c *Cursor) Next() (Instruction, error) {
	buf := make([]byte, maxInstructionLength)
	n, err := c.read(c.addr, buf)
	if err != nil {
		return Instruction{}, fmt.Errorf("reading instruction bytes at %#x: %w", c.addr, err)
	}
	in, err := decodeOne(buf[:n], c.addr, c.mode64)
	if err != nil {
		return Instruction{}, err
	}
	c.addr = in.NextIP()
	return in, nil
}

// BytesReader adapts a plain byte slice (representing memory starting at
// base) into a ReadFunc, for decoding against synthetic buffers in tests
// and against a process's own backup-prologue snapshots.
func BytesReader(base uintptr, mem []byte) ReadFunc {
	return func(addr uintptr, p []byte) (int, error) {
		if addr < base || addr >= base+uintptr(len(mem)) {
			return 0, fmt.Errorf("address %#x outside buffer [%#x, %#x)", addr, base, base+uintptr(len(mem)))
		}
		off := int(addr - base)
		n := copy(p, mem[off:])
		return n, nil
	}
}

// FromBytes decodes a single instruction from the start of code, as if
// code were located at addr. Used by tests and by entry-point resolution,
// which already holds the relevant bytes in hand.
func FromBytes(code []byte, addr uintptr, mode64 bool) (Instruction, error) {
	n := len(code)
	if n > maxInstructionLength {
		n = maxInstructionLength
	}
	return decodeOne(code[:n], addr, mode64)
}
