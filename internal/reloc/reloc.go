// Package reloc implements the code relocator (spec §4.4): given the
// disassembled instructions forming a hook's overwrite window, it emits an
// equivalent instruction stream into a destination buffer such that every
// branch or RIP-relative reference still resolves to the same absolute
// target despite the move.
//
// Relocation runs in two passes over the window's instructions. Pass one
// classifies each instruction into one of the cases below and, from that,
// its emitted size — which is enough to compute every instruction's final
// destination address without yet knowing the exact bytes. Pass two walks
// the window again with that address table in hand and emits bytes,
// patching in the now-known displacements. From the caller's point of
// view Relocate is still one atomic, all-or-nothing operation — "source
// cursor and destination cursor advance in lockstep" one level up — it
// just internally needs the address table before it can finalize
// byte-for-byte output for branches that target a later instruction in
// the same window (e.g. a forward CALL into the window).
package reloc

import (
	"fmt"

	"github.com/nilstride/funchook/internal/disasm"
	"github.com/nilstride/funchook/internal/encoder"
	"github.com/nilstride/funchook/internal/hookerr"
)

const reach32 = int64(1)<<31 - 1

type caseKind int

const (
	caseVerbatim caseKind = iota
	caseNearPatch
	caseWidenJmpShort
	caseWidenJcc
	caseLoopFamily
	caseCallIntoWindow
	caseAbsoluteJmp
	caseAbsoluteCall
	caseAbsoluteJcc
	caseRIPFixup
)

type planned struct {
	in       disasm.Instruction
	kind     caseKind
	size     int
	newAddr  uintptr
}

// Relocate relocates instrs (the whole instructions forming the overwrite
// window, in address order) into a buffer that will live at destBase, for
// a window spanning [windowStart, windowEnd). mode64 selects 64-bit-only
// behaviors (absolute-jump materialization, RIP-relative fixups).
func Relocate(instrs []disasm.Instruction, windowStart, windowEnd, destBase uintptr, mode64 bool) ([]byte, error) {
	plans := make([]planned, len(instrs))
	offset := uintptr(0)

	for i, in := range instrs {
		kind, size, err := classify(in, windowStart, windowEnd, destBase+offset, mode64)
		if err != nil {
			return nil, err
		}
		plans[i] = planned{in: in, kind: kind, size: size, newAddr: destBase + offset}
		offset += uintptr(size)
	}

	out := make([]byte, 0, offset)
	for i := range plans {
		b, err := emit(plans[i], plans, instrs, destBase, mode64)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func inWindow(addr, start, end uintptr) bool { return addr >= start && addr < end }

func fitsRel32(disp int64) bool { return disp >= -reach32-1 && disp <= reach32 }

// classify decides which relocation strategy applies to in, and the number
// of bytes it will occupy in the destination. newAddr is this
// instruction's own destination address (already known, since earlier
// instructions in the window were sized first).
func classify(in disasm.Instruction, windowStart, windowEnd, newAddr uintptr, mode64 bool) (caseKind, int, error) {
	if in.IsPositionIndependent() {
		return caseVerbatim, in.Length, nil
	}

	if rip := in.RIPOperand(); rip != -1 {
		// RIP-relative memory operand: copy verbatim, patch the
		// displacement in pass two. The new displacement is
		// (original target) - (new next_ip); since the instruction's
		// own length doesn't change, new next_ip = newAddr + in.Length.
		target := in.Operands[rip].Disp + int64(in.NextIP())
		newDisp := target - int64(newAddr+uintptr(in.Length))
		if !fitsRel32(newDisp) {
			return 0, 0, fmt.Errorf("%w: RIP-relative displacement %d does not fit after relocation", hookerr.ErrUnrelocatableInstruction, newDisp)
		}
		return caseRIPFixup, in.Length, nil
	}

	if in.RelDispBytes == 0 {
		return caseVerbatim, in.Length, nil
	}

	target := in.Target()
	inside := inWindow(target, windowStart, windowEnd)

	if in.IsCall && !in.IsIndirectBranch {
		if inside {
			if target <= in.Address {
				return 0, 0, fmt.Errorf("%w: call at %#x targets %#x inside the moved window with non-positive displacement", hookerr.ErrUnrelocatableInstruction, in.Address, target)
			}
			// PUSH imm32 (original return address) + JMP rel32 to the
			// relocated internal target (§4.4 special case).
			return caseCallIntoWindow, 5 + encoder.JmpSize, nil
		}
		// External call target: plain rel32 patch if it still fits,
		// else (64-bit only) materialize an absolute call.
		newDisp := int64(target) - int64(newAddr+5)
		if fitsRel32(newDisp) {
			return caseNearPatch, in.Length, nil
		}
		if !mode64 {
			return 0, 0, fmt.Errorf("%w: call displacement %d exceeds 32-bit range on x86", hookerr.ErrUnrelocatableInstruction, newDisp)
		}
		return caseAbsoluteCall, 5 + 8 + encoder.LJmpSize, nil
	}

	if in.IsLoopFamily {
		// loop/jcxz rel8: no 32-bit encoded counterpart exists, always
		// widen via the skip-past-short-jump idiom (§4.4).
		return caseLoopFamily, 2 + encoder.SJmpSize + encoder.JmpSize, nil
	}

	if in.IsJump && !in.IsIndirectBranch {
		if in.IsShort {
			return caseWidenJmpShort, encoder.JmpSize, nil
		}
		newDisp := int64(target) - int64(newAddr+5)
		if inside || fitsRel32(newDisp) {
			return caseNearPatch, in.Length, nil
		}
		if !mode64 {
			return 0, 0, fmt.Errorf("%w: jmp displacement %d exceeds 32-bit range on x86", hookerr.ErrUnrelocatableInstruction, newDisp)
		}
		return caseAbsoluteJmp, encoder.LJmpSize, nil
	}

	if in.IsConditional {
		newNextIPIfWidened := newAddr + 6
		newDisp := int64(target) - int64(newNextIPIfWidened)
		if inside || fitsRel32(newDisp) {
			return caseWidenJcc, 6, nil
		}
		if !mode64 {
			return 0, 0, fmt.Errorf("%w: jcc displacement %d exceeds 32-bit range on x86", hookerr.ErrUnrelocatableInstruction, newDisp)
		}
		// Short Jcc (skip past the short jmp) + short jmp (skip past the
		// absolute trailer) + absolute jmp — §4.4's far-Jcc idiom keeps the
		// conditional branch itself in its compact 8-bit form rather than
		// widening it to the 32-bit encoding used elsewhere.
		return caseAbsoluteJcc, encoder.SJccSize + encoder.SJmpSize + encoder.LJmpSize, nil
	}

	return 0, 0, fmt.Errorf("%w: unclassified relative operand on %q at %#x", hookerr.ErrUnrelocatableInstruction, in.Mnemonic, in.Address)
}

// resolveNewAddr finds the relocated address of the original instruction
// that starts at addr, among the instructions in this same window.
func resolveNewAddr(addr uintptr, plans []planned) (uintptr, bool) {
	for _, p := range plans {
		if p.in.Address == addr {
			return p.newAddr, true
		}
	}
	return 0, false
}

func emit(p planned, plans []planned, instrs []disasm.Instruction, destBase uintptr, mode64 bool) ([]byte, error) {
	switch p.kind {
	case caseVerbatim:
		return append([]byte(nil), p.in.Bytes...), nil

	case caseRIPFixup:
		rip := p.in.RIPOperand()
		op := p.in.Operands[rip]
		target := op.Disp + int64(p.in.NextIP())
		newDisp := target - int64(p.newAddr+uintptr(p.in.Length))
		b := append([]byte(nil), p.in.Bytes...)
		putI32At(b, op.DispAt, int32(newDisp))
		return b, nil

	case caseNearPatch:
		target := p.in.Target()
		newNextIP := p.newAddr + uintptr(p.in.Length)
		var newDisp int64
		if newAddr, ok := resolveNewAddr(target, plans); ok {
			newDisp = int64(newAddr) - int64(newNextIP)
		} else {
			newDisp = int64(target) - int64(newNextIP)
		}
		b := append([]byte(nil), p.in.Bytes...)
		putI32At(b, p.in.RelDispAt, int32(newDisp))
		return b, nil

	case caseWidenJmpShort:
		target := p.in.Target()
		w := encoder.NewWriter()
		newNextIP := p.newAddr + uintptr(encoder.JmpSize)
		rel := resolveDisp(target, plans, newNextIP)
		w.Jmp(int32(rel))
		return w.Bytes(), nil

	case caseWidenJcc:
		target := p.in.Target()
		w := encoder.NewWriter()
		newNextIP := p.newAddr + 6
		rel := resolveDisp(target, plans, newNextIP)
		w.Jcc(p.in.CondCode, int32(rel))
		return w.Bytes(), nil

	case caseLoopFamily:
		// [loop rel8 -> skip past the short jmp] [jmp rel8 +5] [jmp rel32 target]
		target := p.in.Target()
		total := 2 + encoder.SJmpSize + encoder.JmpSize
		newNextIP := p.newAddr + uintptr(total)
		rel := resolveDisp(target, plans, newNextIP)

		out := make([]byte, 0, total)
		out = append(out, p.in.Bytes[:p.in.RelDispAt]...)
		out = append(out, byte(int8(encoder.SJmpSize))) // skip over the next JMP rel8
		w := encoder.NewWriter()
		w.SJmp(int8(encoder.JmpSize)) // skip over the following JMP rel32
		w.Jmp(int32(rel))
		out = append(out, w.Bytes()...)
		return out, nil

	case caseCallIntoWindow:
		retAddr := p.in.NextIP()
		target := p.in.Target()
		total := 5 + encoder.JmpSize
		newNextIP := p.newAddr + uintptr(total)
		rel := resolveDisp(target, plans, newNextIP)

		w := encoder.NewWriter()
		w.PushU32(uint32(retAddr))
		w.Jmp(int32(rel))
		return w.Bytes(), nil

	case caseAbsoluteJmp:
		target := p.in.Target()
		newAddr, ok := resolveNewAddr(target, plans)
		if !ok {
			newAddr = target
		}
		w := encoder.NewWriter()
		w.LJmp(uint64(newAddr))
		return w.Bytes(), nil

	case caseAbsoluteCall:
		target := p.in.Target()
		retAddr := p.newAddr + uintptr(5+8+encoder.LJmpSize)
		w := encoder.NewWriter()
		w.PushReturnAddress(uint64(retAddr))
		w.LJmp(uint64(target))
		return w.Bytes(), nil

	case caseAbsoluteJcc:
		// [Jcc rel8 -> skip past the short jmp] [jmp rel8 +14] [absolute jmp]
		target := p.in.Target()
		w := encoder.NewWriter()
		w.SJcc(p.in.CondCode, int8(encoder.SJmpSize)) // skip over the next JMP rel8
		w.SJmp(int8(encoder.LJmpSize))                // skip over the absolute trailer
		w.LJmp(uint64(target))
		return w.Bytes(), nil
	}

	return nil, fmt.Errorf("reloc: unhandled case %d for instruction at %#x", p.kind, p.in.Address)
}

// resolveDisp computes the displacement from newNextIP to target, using
// the relocated address of target if it falls inside this window,
// otherwise target's own (unmoved) address.
func resolveDisp(target uintptr, plans []planned, newNextIP uintptr) int64 {
	if newAddr, ok := resolveNewAddr(target, plans); ok {
		return int64(newAddr) - int64(newNextIP)
	}
	return int64(target) - int64(newNextIP)
}

func putI32At(b []byte, at int, v int32) {
	b[at] = byte(v)
	b[at+1] = byte(v >> 8)
	b[at+2] = byte(v >> 16)
	b[at+3] = byte(v >> 24)
}
