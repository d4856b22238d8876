// Package encoder emits the small, closed vocabulary of x86/x64
// instructions the hook engine needs to stitch together jumps, trailers
// and relocated call targets (spec §4.5). It is not a general assembler:
// each instruction family gets its own packed builder method, the same
// one-family-per-function shape a hand-rolled jmp/push/ret/mov encoder
// takes, rather than a class hierarchy of encodable operand types.
package encoder

import "github.com/nilstride/funchook/internal/hookcfg"

// Writer accumulates emitted instruction bytes into an in-memory buffer.
// Every emitted field is little-endian, matching the wire-format invariant
// in spec §6.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) u32(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// NOP emits a single-byte 0x90 NOP. Used both as explicit padding and, in
// bulk, to pre-fill a stub's prologue area (§4.6) so any thread diverted
// into the padding slides forward harmlessly.
func (w *Writer) NOP() {
	hookcfg.Logf("nop:")
	w.byte(0x90)
}

// NOPs emits n consecutive NOP bytes.
func (w *Writer) NOPs(n int) {
	for i := 0; i < n; i++ {
		w.NOP()
	}
}

// Ret emits a bare RET (0xC3), used as a trailer sentinel inside LJmp.
func (w *Writer) Ret() {
	hookcfg.Logf("ret:")
	w.byte(0xC3)
}

// Int3 emits a single INT3 (0xCC) byte, the other inert byte value a
// deadzone scan recognizes (spec §3 Deadzone).
func (w *Writer) Int3() {
	w.byte(0xCC)
}

// SJmp emits a short (8-bit displacement) unconditional jump: EB rel8. The
// displacement is relative to the byte immediately following this
// instruction. Used to hop over NOP padding, or as the 2-byte overwrite
// into a nearby deadzone.
func (w *Writer) SJmp(rel8 int8) {
	hookcfg.Logf("jmp short %d:", rel8)
	w.byte(0xEB)
	w.byte(byte(rel8))
}

// Jmp emits a near jump with a 32-bit displacement: E9 rel32.
func (w *Writer) Jmp(rel32 int32) {
	hookcfg.Logf("jmp near %d:", rel32)
	w.byte(0xE9)
	w.u32(uint32(rel32))
}

// PushU32 emits PUSH imm32 (68 imm32), used to synthesize the low half of
// an absolute target or a CALL return address.
func (w *Writer) PushU32(v uint32) {
	hookcfg.Logf("push %#x:", v)
	w.byte(0x68)
	w.u32(v)
}

// LJmp emits the 14-byte absolute jump idiom used throughout the stub and
// relocator (§4.5): push the low 32 bits of target, patch-in the high 32
// bits directly onto the stack slot created by the push, then RET into the
// reassembled 64-bit address.
//
//	68 lo          ; push lo32
//	C7 44 24 04 hi ; mov dword [rsp+4], hi32
//	C3             ; ret
func (w *Writer) LJmp(target uint64) {
	hookcfg.Logf("ljmp %#x:", target)
	lo := uint32(target)
	hi := uint32(target >> 32)
	w.byte(0x68)
	w.u32(lo)
	w.byte(0xC7)
	w.byte(0x44)
	w.byte(0x24)
	w.byte(0x04)
	w.u32(hi)
	w.byte(0xC3)
}

// Jcc emits a near conditional jump with a 32-bit displacement:
// 0F (80+cond) rel32. cond is the low nibble condition code from the
// decoded Jcc (disasm.Instruction.CondCode) being widened.
func (w *Writer) Jcc(cond byte, rel32 int32) {
	hookcfg.Logf("jcc %#x %d:", cond, rel32)
	w.byte(0x0F)
	w.byte(0x80 | (cond & 0x0F))
	w.u32(uint32(rel32))
}

// SJcc emits a short conditional jump with an 8-bit displacement:
// (70+cond) rel8. cond is the low nibble condition code from the decoded
// Jcc (disasm.Instruction.CondCode). Used in the far-absolute Jcc idiom
// (§4.4), where the conditional branch itself stays short and only skips
// over the unconditional jump that reaches the absolute target.
func (w *Writer) SJcc(cond byte, rel8 int8) {
	hookcfg.Logf("jcc short %#x %d:", cond, rel8)
	w.byte(0x70 | (cond & 0x0F))
	w.byte(byte(rel8))
}

// SJccSize is the fixed encoded size of SJcc, in bytes.
const SJccSize = 1 + 1

// PushReturnAddress reconstructs a full 64-bit value on the stack without
// transferring control, by pushing its low 32 bits and then patching the
// high 32 bits into the stack slot the push just created. This is the
// non-jumping half of the LJmp idiom, used when a relocated CALL needs its
// original (wide) return address materialized ahead of an absolute jump to
// its target (§4.4 absolute-call materialization).
//
//	68 lo          ; push lo32
//	C7 44 24 04 hi ; mov dword [rsp+4], hi32
func (w *Writer) PushReturnAddress(addr uint64) {
	hookcfg.Logf("push64 %#x:", addr)
	lo := uint32(addr)
	hi := uint32(addr >> 32)
	w.byte(0x68)
	w.u32(lo)
	w.byte(0xC7)
	w.byte(0x44)
	w.byte(0x24)
	w.byte(0x04)
	w.u32(hi)
}

// LJmpSize is the fixed encoded size of LJmp, in bytes.
const LJmpSize = 1 + 4 + 4 + 4 + 1

// JmpSize is the fixed encoded size of Jmp, in bytes.
const JmpSize = 1 + 4

// SJmpSize is the fixed encoded size of SJmp, in bytes.
const SJmpSize = 1 + 1
