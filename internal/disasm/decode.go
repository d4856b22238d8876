package disasm

import (
	"fmt"

	"github.com/nilstride/funchook/internal/hookerr"
)

// maxInstructionLength bounds how many bytes one decode attempt ever
// consumes — 15 is the documented x86/x64 architectural maximum.
const maxInstructionLength = 15

// decodeOne decodes a single instruction from buf (which must start at the
// instruction's first byte and extend at least maxInstructionLength bytes,
// or to the end of a readable region) located at virtual address addr.
//
// This is a length/classification decoder in the spirit of the sliver lito
// disassembler and the original FuncHooker Disassembler.cpp: it is built to
// answer "how long is this instruction, and does it carry a relative
// branch displacement or a RIP-relative memory operand" rather than to
// produce a full symbolic disassembly.
func decodeOne(buf []byte, addr uintptr, mode64 bool) (Instruction, error) {
	pos := 0
	var pfx Prefixes

prefixLoop:
	for pos < len(buf) {
		b := buf[pos]
		switch b {
		case 0xF0:
			pfx.Lock = true
			pos++
		case 0xF2:
			pfx.Repne = true
			pos++
		case 0xF3:
			pfx.Rep = true
			pos++
		case 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
			pfx.Seg = b
			pos++
		case 0x66:
			pfx.Opr66 = true
			pos++
		case 0x67:
			pfx.Adr67 = true
			pos++
		default:
			if mode64 && b >= 0x40 && b <= 0x4F {
				pfx.REX = b
				pos++
			}
			break prefixLoop
		}
	}

	if pos >= len(buf) {
		return Instruction{}, fmt.Errorf("%w: truncated prefix stream at %#x", hookerr.ErrDecodeFailure, addr)
	}

	op1 := buf[pos]
	pos++
	twoByte := false
	op2 := byte(0)
	if op1 == 0x0F {
		twoByte = true
		if pos >= len(buf) {
			return Instruction{}, fmt.Errorf("%w: truncated two-byte opcode at %#x", hookerr.ErrDecodeFailure, addr)
		}
		op2 = buf[pos]
		pos++
	}

	in := Instruction{Address: addr, Mode64: mode64, Prefixes: pfx}

	var err error
	if twoByte {
		pos, err = decodeTwoByte(&in, buf, pos, op2)
	} else {
		pos, err = decodeOneByte(&in, buf, pos, op1)
	}
	if err != nil {
		return Instruction{}, err
	}
	if pos > len(buf) || pos > maxInstructionLength+16 {
		return Instruction{}, fmt.Errorf("%w: decode overran buffer at %#x", hookerr.ErrDecodeFailure, addr)
	}

	in.Bytes = append([]byte(nil), buf[:pos]...)
	in.Length = pos
	return in, nil
}

// immSizeZ is the size in bytes of an "Iz" immediate: 16-bit under the
// operand-size override, else 32-bit. REX.W never widens an Iz immediate
// except for the 0xB8+r family, handled separately.
func immSizeZ(pfx Prefixes) int {
	if pfx.Opr66 {
		return 2
	}
	return 4
}

func signExtend(v uint64, bytes int) int64 {
	switch bytes {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func readUint(buf []byte, pos, n int) (uint64, int, error) {
	if pos+n > len(buf) {
		return 0, pos, fmt.Errorf("%w: truncated operand", hookerr.ErrDecodeFailure)
	}
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(buf[pos+i]) << (8 * i)
	}
	return v, pos + n, nil
}

// modRMResult carries everything decodeModRM extracted, including where (if
// anywhere) a displacement lives so the relocator can patch it in place.
type modRMResult struct {
	reg     int8
	isReg   bool // mod == 3: rm names a register, no memory operand
	rm      int8 // register number when isReg
	base    int8 // -1 if none
	index   int8 // -1 if none
	scale   uint8
	disp    int64
	dispAt  int
	dispLen int
	ripRel  bool
}

// decodeModRM parses a ModRM byte (and any SIB/displacement it implies)
// starting at pos. It returns the new cursor position.
func decodeModRM(buf []byte, pos int, pfx Prefixes, mode64 bool) (modRMResult, int, error) {
	if pos >= len(buf) {
		return modRMResult{}, pos, fmt.Errorf("%w: missing ModRM byte", hookerr.ErrDecodeFailure)
	}
	modrm := buf[pos]
	pos++

	mod := modrm >> 6
	reg := int8((modrm >> 3) & 7)
	rm := int8(modrm & 7)
	if pfx.RexR() {
		reg += 8
	}

	res := modRMResult{reg: reg, base: -1, index: -1}

	if mod == 3 {
		rmExt := rm
		if pfx.RexB() {
			rmExt += 8
		}
		res.isReg = true
		res.rm = rmExt
		return res, pos, nil
	}

	if mode64 && pfx.Adr67 {
		return modRMResult{}, pos, fmt.Errorf("%w: 32-bit address-size override in long mode unsupported", hookerr.ErrDecodeFailure)
	}
	if !mode64 && pfx.Adr67 {
		return modRMResult{}, pos, fmt.Errorf("%w: 16-bit addressing unsupported", hookerr.ErrDecodeFailure)
	}

	if rm == 4 {
		// SIB byte present.
		if pos >= len(buf) {
			return modRMResult{}, pos, fmt.Errorf("%w: missing SIB byte", hookerr.ErrDecodeFailure)
		}
		sib := buf[pos]
		pos++
		scale := uint8(1) << (sib >> 6)
		index := int8((sib >> 3) & 7)
		base := int8(sib & 7)

		hasIndex := true
		if index == 4 && !pfx.RexX() {
			hasIndex = false
		} else if pfx.RexX() {
			index += 8
		}
		if hasIndex {
			res.index = index
			res.scale = scale
		}

		if base == 5 && mod == 0 {
			v, newPos, err := readUint(buf, pos, 4)
			if err != nil {
				return modRMResult{}, pos, err
			}
			res.disp = signExtend(v, 4)
			res.dispAt = pos
			res.dispLen = 4
			pos = newPos
			// no base register in this form
		} else {
			if pfx.RexB() {
				base += 8
			}
			res.base = base
			switch mod {
			case 1:
				v, newPos, err := readUint(buf, pos, 1)
				if err != nil {
					return modRMResult{}, pos, err
				}
				res.disp = signExtend(v, 1)
				res.dispAt = pos
				res.dispLen = 1
				pos = newPos
			case 2:
				v, newPos, err := readUint(buf, pos, 4)
				if err != nil {
					return modRMResult{}, pos, err
				}
				res.disp = signExtend(v, 4)
				res.dispAt = pos
				res.dispLen = 4
				pos = newPos
			}
		}
		return res, pos, nil
	}

	if mod == 0 && rm == 5 {
		// RIP-relative in 64-bit mode; absolute disp32 in 32-bit mode.
		v, newPos, err := readUint(buf, pos, 4)
		if err != nil {
			return modRMResult{}, pos, err
		}
		res.disp = signExtend(v, 4)
		res.dispAt = pos
		res.dispLen = 4
		res.ripRel = mode64
		pos = newPos
		return res, pos, nil
	}

	rmExt := rm
	if pfx.RexB() {
		rmExt += 8
	}
	res.base = rmExt
	switch mod {
	case 1:
		v, newPos, err := readUint(buf, pos, 1)
		if err != nil {
			return modRMResult{}, pos, err
		}
		res.disp = signExtend(v, 1)
		res.dispAt = pos
		res.dispLen = 1
		pos = newPos
	case 2:
		v, newPos, err := readUint(buf, pos, 4)
		if err != nil {
			return modRMResult{}, pos, err
		}
		res.disp = signExtend(v, 4)
		res.dispAt = pos
		res.dispLen = 4
		pos = newPos
	}
	return res, pos, nil
}

func (r modRMResult) toOperand() Operand {
	if r.isReg {
		return Operand{Type: OperandReg, Reg: r.rm}
	}
	return Operand{
		Type:        OperandMem,
		Base:        r.base,
		Index:       r.index,
		Scale:       r.scale,
		Disp:        r.disp,
		DispBytes:   r.dispLen,
		DispAt:      r.dispAt,
		RIPRelative: r.ripRel,
	}
}

func appendModRMMemOrReg(in *Instruction, buf []byte, pos int, gReg int8) (int, error) {
	mm, newPos, err := decodeModRM(buf, pos, in.Prefixes, in.Mode64)
	if err != nil {
		return pos, err
	}
	in.HasModRM = true
	in.Operands = append(in.Operands, Operand{Type: OperandReg, Reg: gReg}, mm.toOperand())
	return newPos, nil
}
