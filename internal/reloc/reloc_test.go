package reloc

import (
	"testing"

	"github.com/nilstride/funchook/internal/disasm"
)

func decode(t *testing.T, code []byte, addr uintptr, mode64 bool) disasm.Instruction {
	t.Helper()
	in, err := disasm.FromBytes(code, addr, mode64)
	if err != nil {
		t.Fatalf("decode %x: %v", code, err)
	}
	return in
}

func TestRelocatePositionIndependentInstructionCopiesVerbatim(t *testing.T) {
	// push rbp; mov rbp, rsp
	in1 := decode(t, []byte{0x55}, 0x1000, true)
	in2 := decode(t, []byte{0x48, 0x89, 0xE5}, 0x1001, true)

	out, err := Relocate([]disasm.Instruction{in1, in2}, 0x1000, 0x1004, 0x9000, true)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	want := []byte{0x55, 0x48, 0x89, 0xE5}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, out[i], want[i])
		}
	}
}

func TestRelocateExternalNearCallPatchesDisplacement(t *testing.T) {
	// call rel32 at 0x1000 targeting 0x500000 (well outside the window)
	target := uintptr(0x500000)
	disp := int32(int64(target) - int64(0x1000+5))
	code := []byte{0xE8, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	in := decode(t, code, 0x1000, true)

	destBase := uintptr(0x9000)
	out, err := Relocate([]disasm.Instruction{in}, 0x1000, 0x1005, destBase, true)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if len(out) != 5 || out[0] != 0xE8 {
		t.Fatalf("expected a 5-byte call rel32, got % x", out)
	}
	newDisp := int32(out[1]) | int32(out[2])<<8 | int32(out[3])<<16 | int32(out[4])<<24
	gotTarget := destBase + 5 + uintptr(newDisp)
	if gotTarget != target {
		t.Errorf("patched call targets %#x, want %#x", gotTarget, target)
	}
}

func TestRelocateShortJmpWidensToNear(t *testing.T) {
	// jmp rel8 +0x10 at 0x1000
	in := decode(t, []byte{0xEB, 0x10}, 0x1000, true)
	destBase := uintptr(0x9000)

	out, err := Relocate([]disasm.Instruction{in}, 0x1000, 0x1002, destBase, true)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if len(out) != 5 || out[0] != 0xE9 {
		t.Fatalf("expected widened 5-byte jmp rel32, got % x", out)
	}
	newDisp := int32(out[1]) | int32(out[2])<<8 | int32(out[3])<<16 | int32(out[4])<<24
	gotTarget := destBase + 5 + uintptr(newDisp)
	wantTarget := uintptr(0x1000 + 2 + 0x10)
	if gotTarget != wantTarget {
		t.Errorf("widened jmp targets %#x, want %#x", gotTarget, wantTarget)
	}
}

func TestRelocateCallIntoWindowUsesPushJmpIdiom(t *testing.T) {
	// At 0x1000: call rel32 +5, landing exactly on the instruction at 0x1005
	// (which lies inside the same window: [0x1000, 0x1009)).
	callTarget := uintptr(0x1005) // second instruction's start, see below
	disp := int32(int64(callTarget) - int64(0x1000+5))
	callCode := []byte{0xE8, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	in1 := decode(t, callCode, 0x1000, true)

	// A no-op instruction living at the call's target, inside the window.
	in2 := decode(t, []byte{0x90}, 0x1005, true)
	in3 := decode(t, []byte{0x90}, 0x1006, true)
	in4 := decode(t, []byte{0x90}, 0x1007, true)
	in5 := decode(t, []byte{0x90}, 0x1008, true)

	destBase := uintptr(0x9000)
	out, err := Relocate([]disasm.Instruction{in1, in2, in3, in4, in5}, 0x1000, 0x1009, destBase, true)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if out[0] != 0x68 {
		t.Fatalf("expected PUSH imm32 (0x68) as the call-into-window idiom's first byte, got %#x", out[0])
	}
	retAddr := uint32(out[1]) | uint32(out[2])<<8 | uint32(out[3])<<16 | uint32(out[4])<<24
	if uintptr(retAddr) != in1.NextIP() {
		t.Errorf("pushed return address = %#x, want %#x", retAddr, in1.NextIP())
	}
	if out[5] != 0xE9 {
		t.Fatalf("expected JMP rel32 (0xE9) following the push, got %#x", out[5])
	}
}

func TestRelocateCallIntoWindowWithNegativeDisplacementFails(t *testing.T) {
	// call rel32 targeting an address inside the window but before the
	// call itself: not supported (§4.4).
	disp := int32(int64(0x1000) - int64(0x1005+5))
	code := []byte{0xE8, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	in := decode(t, code, 0x1005, true)
	in0 := decode(t, []byte{0x90}, 0x1000, true)

	_, err := Relocate([]disasm.Instruction{in0, in}, 0x1000, 0x100A, 0x9000, true)
	if err == nil {
		t.Fatalf("expected an error for a backward call into the window")
	}
}

func TestRelocateLoopFamilyUsesSkipIdiom(t *testing.T) {
	// loop rel8 +0x10 at 0x1000
	in := decode(t, []byte{0xE2, 0x10}, 0x1000, true)
	destBase := uintptr(0x9000)

	out, err := Relocate([]disasm.Instruction{in}, 0x1000, 0x1002, destBase, true)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if len(out) != 9 {
		t.Fatalf("expected 9-byte loop idiom, got %d bytes (% x)", len(out), out)
	}
	if out[0] != 0xE2 {
		t.Errorf("expected original loop opcode preserved, got %#x", out[0])
	}
	if int8(out[1]) != 2 {
		t.Errorf("loop displacement = %d, want 2 (skip past the short jmp)", int8(out[1]))
	}
	if out[2] != 0xEB {
		t.Errorf("expected short jmp at offset 2, got %#x", out[2])
	}
	if out[4] != 0xE9 {
		t.Errorf("expected near jmp at offset 4, got %#x", out[4])
	}
}

func TestRelocateConditionalShortJccWidens(t *testing.T) {
	// je rel8 +0x10 at 0x1000 (0x74)
	in := decode(t, []byte{0x74, 0x10}, 0x1000, true)
	destBase := uintptr(0x9000)

	out, err := Relocate([]disasm.Instruction{in}, 0x1000, 0x1002, destBase, true)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if len(out) != 6 || out[0] != 0x0F || out[1] != 0x84 {
		t.Fatalf("expected widened 0F 84 rel32, got % x", out)
	}
	newDisp := int32(out[2]) | int32(out[3])<<8 | int32(out[4])<<16 | int32(out[5])<<24
	gotTarget := destBase + 6 + uintptr(newDisp)
	wantTarget := uintptr(0x1000 + 2 + 0x10)
	if gotTarget != wantTarget {
		t.Errorf("widened jcc targets %#x, want %#x", gotTarget, wantTarget)
	}
}

func TestRelocateRIPRelativeOperandPatchesDisplacement(t *testing.T) {
	// mov rax, [rip+0x1000] at 0x1000: 48 8B 05 00 10 00 00
	in := decode(t, []byte{0x48, 0x8B, 0x05, 0x00, 0x10, 0x00, 0x00}, 0x1000, true)
	destBase := uintptr(0x500000)

	out, err := Relocate([]disasm.Instruction{in}, 0x1000, 0x1007, destBase, true)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if len(out) != 7 {
		t.Fatalf("expected 7-byte instruction preserved, got %d", len(out))
	}
	newDisp := int32(out[3]) | int32(out[4])<<8 | int32(out[5])<<16 | int32(out[6])<<24
	wantTarget := uintptr(0x1000 + 7 + 0x1000)
	gotTarget := destBase + 7 + uintptr(newDisp)
	if gotTarget != wantTarget {
		t.Errorf("patched RIP target = %#x, want %#x", gotTarget, wantTarget)
	}
}

func TestRelocateAbsoluteJmpMaterializesFarTarget(t *testing.T) {
	// jmp rel32 +0x2000 at 0x1000, target 0x3005 — ordinary and reachable
	// from its own original address, but destBase below is chosen so far
	// away that the recomputed displacement can't fit a 32-bit patch.
	target := uintptr(0x3005)
	disp := int32(int64(target) - int64(0x1000+5))
	code := []byte{0xE9, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	in := decode(t, code, 0x1000, true)

	destBase := uintptr(0x100000000000)
	out, err := Relocate([]disasm.Instruction{in}, 0x1000, 0x1005, destBase, true)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if len(out) != 14 || out[0] != 0x68 || out[13] != 0xC3 {
		t.Fatalf("expected a 14-byte LJmp absolute idiom, got % x", out)
	}
	lo := uint32(out[1]) | uint32(out[2])<<8 | uint32(out[3])<<16 | uint32(out[4])<<24
	hi := uint32(out[9]) | uint32(out[10])<<8 | uint32(out[11])<<16 | uint32(out[12])<<24
	got := uintptr(uint64(lo) | uint64(hi)<<32)
	if got != target {
		t.Errorf("materialized absolute jmp targets %#x, want %#x", got, target)
	}
}

func TestRelocateAbsoluteCallMaterializesFarTargetWithReturnAddress(t *testing.T) {
	// call rel32 +0x3000 at 0x1000, target 0x4005 — far enough from the
	// chosen destBase to force absolute materialization on 64-bit.
	target := uintptr(0x4005)
	disp := int32(int64(target) - int64(0x1000+5))
	code := []byte{0xE8, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	in := decode(t, code, 0x1000, true)

	destBase := uintptr(0x100000000000)
	out, err := Relocate([]disasm.Instruction{in}, 0x1000, 0x1005, destBase, true)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if len(out) != 27 {
		t.Fatalf("expected the 27-byte push-return-address + LJmp idiom, got %d bytes (% x)", len(out), out)
	}
	if out[0] != 0x68 || out[13] != 0x68 || out[26] != 0xC3 {
		t.Fatalf("unexpected idiom shape: % x", out)
	}
	retLo := uint32(out[1]) | uint32(out[2])<<8 | uint32(out[3])<<16 | uint32(out[4])<<24
	retHi := uint32(out[9]) | uint32(out[10])<<8 | uint32(out[11])<<16 | uint32(out[12])<<24
	gotRet := uintptr(uint64(retLo) | uint64(retHi)<<32)
	wantRet := destBase + 27
	if gotRet != wantRet {
		t.Errorf("pushed return address = %#x, want %#x", gotRet, wantRet)
	}
	tgtLo := uint32(out[14]) | uint32(out[15])<<8 | uint32(out[16])<<16 | uint32(out[17])<<24
	tgtHi := uint32(out[22]) | uint32(out[23])<<8 | uint32(out[24])<<16 | uint32(out[25])<<24
	gotTarget := uintptr(uint64(tgtLo) | uint64(tgtHi)<<32)
	if gotTarget != target {
		t.Errorf("materialized absolute call targets %#x, want %#x", gotTarget, target)
	}
}

func TestRelocateAbsoluteJccSizeMatchesEmissionAndPreservesSubsequentDisplacement(t *testing.T) {
	// je rel8 +0x10 at 0x1000, followed in the same window by a
	// RIP-relative instruction at 0x1002 whose target lies 0x7FFF0000 bytes
	// further up. destBase (3 GiB) is chosen far enough from the jcc's
	// target that it must materialize as the 18-byte
	// short-Jcc/short-jmp/LJmp idiom (§4.4) rather than the 6-byte widened
	// 0F8x form, while the RIP-relative target stays within int32 reach of
	// the destination. If classify's declared size for that idiom ever diverges
	// from what emit actually writes, the RIP-relative instruction right
	// after it lands at the wrong byte offset and its patched
	// displacement resolves to the wrong absolute address — exactly the
	// corruption this test is built to catch.
	in1 := decode(t, []byte{0x74, 0x10}, 0x1000, true)
	in2 := decode(t, []byte{0x48, 0x8B, 0x05, 0x00, 0x00, 0xFF, 0x7F}, 0x1002, true)

	destBase := uintptr(0xC0000000)
	out, err := Relocate([]disasm.Instruction{in1, in2}, 0x1000, 0x1009, destBase, true)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}

	const jccIdiomSize = 18
	if len(out) != jccIdiomSize+7 {
		t.Fatalf("total emitted length = %d, want %d (18-byte jcc idiom + 7-byte rip-relative mov)", len(out), jccIdiomSize+7)
	}
	if out[0]&0xF0 != 0x70 || out[2] != 0xEB || out[4] != 0x68 {
		t.Fatalf("unexpected jcc-idiom shape: % x", out[:jccIdiomSize])
	}

	// in2's actual position in out, not an assumed constant: this is what
	// makes the assertion below catch a size miscalculation rather than
	// just restating it.
	in2Bytes := out[len(out)-7:]
	newDisp := int32(in2Bytes[3]) | int32(in2Bytes[4])<<8 | int32(in2Bytes[5])<<16 | int32(in2Bytes[6])<<24
	in2NewAddr := destBase + uintptr(len(out)-7)
	gotTarget := in2NewAddr + 7 + uintptr(newDisp)
	wantTarget := uintptr(0x1002 + 7 + 0x7FFF0000) // original NextIP + rip disp
	if gotTarget != wantTarget {
		t.Errorf("rip-relative instruction after the far jcc resolves to %#x, want %#x", gotTarget, wantTarget)
	}
}

func TestRelocateUnreachableAbsoluteCallOn32BitFails(t *testing.T) {
	// call rel32 with a displacement that exceeds int32 range once patched.
	disp := int32(0x7FFFFFF0)
	code := []byte{0xE8, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	in := decode(t, code, 0x1000, false)

	// Destination far enough away that the recomputed displacement
	// overflows int32 range.
	_, err := Relocate([]disasm.Instruction{in}, 0x1000, 0x1005, 0x0, false)
	if err == nil {
		t.Fatalf("expected an error materializing an absolute call on 32-bit")
	}
}
