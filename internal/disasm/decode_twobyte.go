package disasm

import (
	"fmt"

	"github.com/nilstride/funchook/internal/hookerr"
)

// sseModRMOnly is the set of 0x0F opcodes this engine treats as "ModRM,
// memory or register operand, no immediate" — predominantly SSE/AVX move
// and arithmetic instructions. Function prologues saved by modern
// compilers frequently spill/restore XMM registers and load constants
// through RIP-relative memory operands encoded this way (MOVSD/MOVAPS
// against a `[rip+disp32]` operand is the common shape a real prologue
// hits that this decoder must still handle correctly).
var sseModRMOnly = map[byte]string{
	0x10: "movups", 0x11: "movups",
	0x12: "movlps", 0x13: "movlps",
	0x28: "movaps", 0x29: "movaps",
	0x2A: "cvtsi2ss", 0x2C: "cvttss2si", 0x2D: "cvtss2si",
	0x2E: "ucomiss", 0x2F: "comiss",
	0x51: "sqrtps", 0x54: "andps", 0x57: "xorps",
	0x58: "addps", 0x59: "mulps", 0x5A: "cvtps2pd", 0x5C: "subps", 0x5E: "divps",
	0x6E: "movd", 0x6F: "movdqa",
	0x7E: "movd", 0x7F: "movdqa",
	0xD6: "movq",
	0xEF: "pxor",
}

// sseModRMImm8 are 0x0F opcodes whose ModRM form also carries an 8-bit
// immediate.
var sseModRMImm8 = map[byte]string{
	0x70: "pshufd",
	0xA4: "shld",
	0xAC: "shrd",
}

// decodeTwoByte handles 0x0F-prefixed opcodes.
func decodeTwoByte(in *Instruction, buf []byte, pos int, op2 byte) (int, error) {
	switch {
	case op2 >= 0x80 && op2 <= 0x8F:
		in.Mnemonic = "jcc"
		in.IsConditional = true
		in.CondCode = op2 - 0x80
		return readRel(in, buf, pos, 4)
	case op2 >= 0x90 && op2 <= 0x9F:
		in.Mnemonic = "setcc"
		return decodeGroupModRMOnly(in, buf, pos)
	case op2 >= 0x40 && op2 <= 0x4F:
		in.Mnemonic = "cmovcc"
		return appendModRMMemOrReg(in, buf, pos, 0)
	}

	if name, ok := sseModRMOnly[op2]; ok {
		in.Mnemonic = name
		return decodeGroupModRMOnly(in, buf, pos)
	}
	if name, ok := sseModRMImm8[op2]; ok {
		in.Mnemonic = name
		p, err := decodeGroupModRMOnly(in, buf, pos)
		if err != nil {
			return pos, err
		}
		return readImm(in, buf, p, 1)
	}

	switch op2 {
	case 0x05:
		in.Mnemonic = "syscall"
		return pos, nil
	case 0x0B:
		in.Mnemonic = "ud2"
		return pos, nil
	case 0x1E, 0x1F:
		in.Mnemonic = "nop"
		return decodeGroupModRMOnly(in, buf, pos)
	case 0x31:
		in.Mnemonic = "rdtsc"
		return pos, nil
	case 0xA2:
		in.Mnemonic = "cpuid"
		return pos, nil
	case 0xA3:
		in.Mnemonic = "bt"
		return appendModRMMemOrReg(in, buf, pos, 0)
	case 0xAF:
		in.Mnemonic = "imul"
		return appendModRMMemOrReg(in, buf, pos, 0)
	case 0xB6, 0xB7:
		in.Mnemonic = "movzx"
		return appendModRMMemOrReg(in, buf, pos, 0)
	case 0xBA:
		in.Mnemonic = "btgroup"
		p, err := decodeGroupModRMOnly(in, buf, pos)
		if err != nil {
			return pos, err
		}
		return readImm(in, buf, p, 1)
	case 0xBE, 0xBF:
		in.Mnemonic = "movsx"
		return appendModRMMemOrReg(in, buf, pos, 0)
	}

	return pos, fmt.Errorf("%w: unsupported two-byte opcode 0F %#02x at %#x", hookerr.ErrDecodeFailure, op2, in.Address)
}
