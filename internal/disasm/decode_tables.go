package disasm

import (
	"fmt"

	"github.com/nilstride/funchook/internal/hookerr"
)

// aluMnemonics are the eight ALU opcode families sharing the 0x00-0x3D
// encoding grid (ADD, OR, ADC, SBB, AND, SUB, XOR, CMP), each occupying six
// consecutive opcodes: Eb,Gb / Ev,Gv / Gb,Eb / Gv,Ev / AL,Ib / eAX,Iz.
var aluMnemonics = [8]string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp"}

// group1Mnemonics index the ModRM.reg field for opcodes 0x80/0x81/0x83.
var group1Mnemonics = [8]string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp"}

// group2Mnemonics index the ModRM.reg field for the shift/rotate opcodes
// 0xC0/0xC1/0xD0-0xD3.
var group2Mnemonics = [8]string{"rol", "ror", "rcl", "rcr", "shl", "shr", "sal", "sar"}

// decodeOneByte handles every single-byte (non-0x0F) opcode this engine
// needs to classify. Unrecognized opcodes fail with DecodeFailure rather
// than guessing a length — the planner (§4.3) treats that as fatal: a
// failure to decode any instruction in the overwrite window fails the
// whole hook creation.
func decodeOneByte(in *Instruction, buf []byte, pos int, op byte) (int, error) {
	if aluForm(op) >= 0 {
		return decodeALUForm(in, buf, pos, op)
	}

	switch {
	case op >= 0x50 && op <= 0x57:
		in.Mnemonic = "push"
		in.Operands = []Operand{{Type: OperandReg, Reg: regExt(op-0x50, in.Prefixes.RexB())}}
		return pos, nil
	case op >= 0x58 && op <= 0x5F:
		in.Mnemonic = "pop"
		in.Operands = []Operand{{Type: OperandReg, Reg: regExt(op-0x58, in.Prefixes.RexB())}}
		return pos, nil
	case op >= 0x70 && op <= 0x7F:
		in.Mnemonic = "jcc"
		in.IsConditional = true
		in.IsShort = true
		in.CondCode = op - 0x70
		return readRel(in, buf, pos, 1)
	case op >= 0xB0 && op <= 0xB7:
		in.Mnemonic = "mov"
		in.Operands = []Operand{{Type: OperandReg, Reg: regExt(op-0xB0, in.Prefixes.RexB())}}
		return readImm(in, buf, pos, 1)
	case op >= 0xB8 && op <= 0xBF:
		in.Mnemonic = "mov"
		in.Operands = []Operand{{Type: OperandReg, Reg: regExt(op-0xB8, in.Prefixes.RexB())}}
		n := 4
		if in.Prefixes.RexW() {
			n = 8
		} else if in.Prefixes.Opr66 {
			n = 2
		}
		return readImm(in, buf, pos, n)
	}

	switch op {
	case 0x68:
		in.Mnemonic = "push"
		return readImm(in, buf, pos, immSizeZ(in.Prefixes))
	case 0x6A:
		in.Mnemonic = "push"
		return readImm(in, buf, pos, 1)
	case 0x69:
		in.Mnemonic = "imul"
		p, err := appendModRMMemOrReg(in, buf, pos, 0)
		if err != nil {
			return pos, err
		}
		return readImm(in, buf, p, immSizeZ(in.Prefixes))
	case 0x6B:
		in.Mnemonic = "imul"
		p, err := appendModRMMemOrReg(in, buf, pos, 0)
		if err != nil {
			return pos, err
		}
		return readImm(in, buf, p, 1)
	case 0x80:
		return decodeGroup1(in, buf, pos, 1, group1Mnemonics[:])
	case 0x81:
		return decodeGroup1(in, buf, pos, immSizeZ(in.Prefixes), group1Mnemonics[:])
	case 0x83:
		return decodeGroup1(in, buf, pos, 1, group1Mnemonics[:])
	case 0x84, 0x85:
		in.Mnemonic = "test"
		return appendModRMMemOrReg(in, buf, pos, 0)
	case 0x88, 0x89, 0x8A, 0x8B:
		in.Mnemonic = "mov"
		return appendModRMMemOrReg(in, buf, pos, 0)
	case 0x8D:
		in.Mnemonic = "lea"
		return appendModRMMemOrReg(in, buf, pos, 0)
	case 0x8F:
		in.Mnemonic = "pop"
		return appendModRMMemOrReg(in, buf, pos, 0)
	case 0x90:
		in.Mnemonic = "nop"
		return pos, nil
	case 0x91, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97:
		in.Mnemonic = "xchg"
		return pos, nil
	case 0x98, 0x99, 0x9C, 0x9D:
		in.Mnemonic = "misc"
		return pos, nil
	case 0xA8:
		in.Mnemonic = "test"
		return readImm(in, buf, pos, 1)
	case 0xA9:
		in.Mnemonic = "test"
		return readImm(in, buf, pos, immSizeZ(in.Prefixes))
	case 0xC0, 0xC1:
		n := 1
		p, err := decodeGroupModRMOnly(in, buf, pos)
		if err != nil {
			return pos, err
		}
		in.Mnemonic = group2Mnemonics[(in.ModRM>>3)&7]
		return readImm(in, buf, p, n)
	case 0xC2:
		in.Mnemonic = "ret"
		return readImm(in, buf, pos, 2)
	case 0xC3:
		in.Mnemonic = "ret"
		return pos, nil
	case 0xC6:
		return decodeGroup11(in, buf, pos, 1)
	case 0xC7:
		return decodeGroup11(in, buf, pos, immSizeZ(in.Prefixes))
	case 0xC9:
		in.Mnemonic = "leave"
		return pos, nil
	case 0xCC:
		in.Mnemonic = "int3"
		return pos, nil
	case 0xD0, 0xD1, 0xD2, 0xD3:
		p, err := decodeGroupModRMOnly(in, buf, pos)
		if err != nil {
			return pos, err
		}
		in.Mnemonic = group2Mnemonics[(in.ModRM>>3)&7]
		return p, nil
	case 0xE0, 0xE1, 0xE2, 0xE3:
		in.Mnemonic = "loop"
		in.IsLoopFamily = true
		in.IsShort = true
		return readRel(in, buf, pos, 1)
	case 0xE8:
		in.Mnemonic = "call"
		in.IsCall = true
		return readRel(in, buf, pos, 4)
	case 0xE9:
		in.Mnemonic = "jmp"
		in.IsJump = true
		return readRel(in, buf, pos, 4)
	case 0xEB:
		in.Mnemonic = "jmp"
		in.IsJump = true
		in.IsShort = true
		return readRel(in, buf, pos, 1)
	case 0xF4:
		in.Mnemonic = "hlt"
		return pos, nil
	case 0xF6:
		return decodeGroup3(in, buf, pos, 1)
	case 0xF7:
		return decodeGroup3(in, buf, pos, immSizeZ(in.Prefixes))
	case 0xFE:
		in.Mnemonic = "incdec"
		return decodeGroupModRMOnly(in, buf, pos)
	case 0xFF:
		return decodeGroup5(in, buf, pos)
	}

	return pos, fmt.Errorf("%w: unsupported opcode %#02x at %#x", hookerr.ErrDecodeFailure, op, in.Address)
}

// aluForm classifies op as one of the six forms within an ALU opcode
// family, returning -1 for opcodes outside 0x00-0x3D (or the segment
// push/pop / ASCII-adjust bytes interleaved in that range, which this
// engine does not need to support).
func aluForm(op byte) int {
	if op > 0x3D {
		return -1
	}
	family := op / 8
	form := op % 8
	if family > 7 || form > 5 {
		return -1
	}
	return int(form)
}

func decodeALUForm(in *Instruction, buf []byte, pos int, op byte) (int, error) {
	family := aluMnemonics[op/8]
	in.Mnemonic = family
	switch op % 8 {
	case 0, 1, 2, 3:
		return appendModRMMemOrReg(in, buf, pos, 0)
	case 4:
		return readImm(in, buf, pos, 1)
	case 5:
		return readImm(in, buf, pos, immSizeZ(in.Prefixes))
	}
	return pos, fmt.Errorf("%w: unreachable ALU form", hookerr.ErrDecodeFailure)
}

func decodeGroup1(in *Instruction, buf []byte, pos, immBytes int, names []string) (int, error) {
	p, err := decodeGroupModRMOnly(in, buf, pos)
	if err != nil {
		return pos, err
	}
	in.Mnemonic = names[(in.ModRM>>3)&7]
	return readImm(in, buf, p, immBytes)
}

func decodeGroup11(in *Instruction, buf []byte, pos, immBytes int) (int, error) {
	p, err := decodeGroupModRMOnly(in, buf, pos)
	if err != nil {
		return pos, err
	}
	in.Mnemonic = "mov"
	return readImm(in, buf, p, immBytes)
}

// decodeGroup3 handles 0xF6/0xF7 (TEST/NOT/NEG/MUL/IMUL/DIV/IDIV): only the
// TEST forms (reg field 0 or 1) carry an immediate.
func decodeGroup3(in *Instruction, buf []byte, pos, immBytes int) (int, error) {
	p, err := decodeGroupModRMOnly(in, buf, pos)
	if err != nil {
		return pos, err
	}
	reg := (in.ModRM >> 3) & 7
	names := [8]string{"test", "test", "not", "neg", "mul", "imul", "div", "idiv"}
	in.Mnemonic = names[reg]
	if reg == 0 || reg == 1 {
		return readImm(in, buf, p, immBytes)
	}
	return p, nil
}

// decodeGroup5 handles 0xFF (INC/DEC/CALL/CALLF/JMP/JMPF/PUSH via ModRM).
// The indirect call/jmp forms (reg field 2-5) carry no relative
// displacement but may carry a RIP-relative memory operand.
func decodeGroup5(in *Instruction, buf []byte, pos int) (int, error) {
	p, err := decodeGroupModRMOnly(in, buf, pos)
	if err != nil {
		return pos, err
	}
	reg := (in.ModRM >> 3) & 7
	names := [8]string{"inc", "dec", "call", "callf", "jmp", "jmpf", "push", "?"}
	in.Mnemonic = names[reg]
	if reg == 2 || reg == 3 {
		in.IsIndirectBranch = true
		in.IsCall = true
	} else if reg == 4 || reg == 5 {
		in.IsIndirectBranch = true
		in.IsJump = true
	}
	return p, nil
}

// decodeGroupModRMOnly decodes a ModRM (and any SIB/displacement) for the
// opcode-group instructions, recording the raw ModRM byte on the
// instruction (the group mnemonic tables index it) and appending a single
// operand (the r/m side; the reg field selects the mnemonic, not an
// operand).
func decodeGroupModRMOnly(in *Instruction, buf []byte, pos int) (int, error) {
	if pos >= len(buf) {
		return pos, fmt.Errorf("%w: missing ModRM byte", hookerr.ErrDecodeFailure)
	}
	in.ModRM = buf[pos]
	mm, newPos, err := decodeModRM(buf, pos, in.Prefixes, in.Mode64)
	if err != nil {
		return pos, err
	}
	in.HasModRM = true
	in.Operands = append(in.Operands, mm.toOperand())
	return newPos, nil
}

func readImm(in *Instruction, buf []byte, pos, n int) (int, error) {
	if n == 0 {
		return pos, nil
	}
	v, newPos, err := readUint(buf, pos, n)
	if err != nil {
		return pos, err
	}
	in.Operands = append(in.Operands, Operand{Type: OperandImm, Imm: signExtend(v, n)})
	return newPos, nil
}

func readRel(in *Instruction, buf []byte, pos, n int) (int, error) {
	v, newPos, err := readUint(buf, pos, n)
	if err != nil {
		return pos, err
	}
	in.RelDisp = int32(signExtend(v, n))
	in.RelDispAt = pos
	in.RelDispBytes = n
	in.Operands = append(in.Operands, Operand{Type: OperandJIMM, Disp: int64(in.RelDisp), DispAt: pos, DispBytes: n})
	return newPos, nil
}

func regExt(base byte, rexB bool) int8 {
	r := int8(base)
	if rexB {
		r += 8
	}
	return r
}
