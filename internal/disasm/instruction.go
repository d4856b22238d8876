package disasm

// Prefixes holds the prefix bytes recognized while decoding one
// instruction. Field layout follows the grouping used by the sliver lito
// decoder's InstructionProperties (segment/rep/lock/operand-size/
// address-size/REX), kept as named booleans rather than a bitmask for
// readability.
type Prefixes struct {
	Seg   byte // non-zero segment override byte (0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65), else 0
	Opr66 bool // operand-size override
	Adr67 bool // address-size override
	Lock  bool
	Rep   bool // 0xF3
	Repne bool // 0xF2
	REX   byte // raw REX byte, 0 if absent
}

// HasREX reports whether a REX prefix was present (64-bit mode only).
func (p Prefixes) HasREX() bool { return p.REX != 0 }

// RexW, RexR, RexX, RexB decode the four REX bits.
func (p Prefixes) RexW() bool { return p.REX&0x08 != 0 }
func (p Prefixes) RexR() bool { return p.REX&0x04 != 0 }
func (p Prefixes) RexX() bool { return p.REX&0x02 != 0 }
func (p Prefixes) RexB() bool { return p.REX&0x01 != 0 }

// Instruction is one decoded instruction: its address, raw bytes, mnemonic
// tag and operand list, plus the classification fields the code relocator
// needs (§4.4): whether it is a relative branch/call, whether
// it is conditional, and where its relative displacement sits in the byte
// stream so it can be patched in place without re-decoding.
type Instruction struct {
	Address uintptr
	Bytes   []byte // the full encoded instruction, as read from memory
	Length  int

	Mnemonic string
	Prefixes Prefixes

	HasModRM bool
	ModRM    byte
	HasSIB   bool
	SIB      byte

	Operands []Operand

	Mode64 bool

	// Control-flow classification, valid when RelDispBytes > 0.
	IsCall       bool
	IsJump       bool // unconditional jmp
	IsConditional bool
	IsShort      bool // rel8 form (conditional or unconditional)
	IsLoopFamily bool // LOOP/LOOPE/LOOPNE/JCXZ/JECXZ/JRCXZ: no rel32 encoding exists
	CondCode     byte // 0x0-0xF Jcc condition, valid when IsConditional

	RelDisp       int32 // the encoded relative displacement
	RelDispAt     int   // byte offset of the displacement within Bytes
	RelDispBytes  int   // 0 (no relative operand), 1 or 4

	// IsIndirectBranch marks `jmp/call r/m` forms (0xFF /4, /2, /3, /5) —
	// these carry no relative displacement to relocate, but a RIP-relative
	// memory operand inside them still needs the RIP-relative fixup.
	IsIndirectBranch bool
}

// NextIP returns the address of the instruction immediately following this
// one, used as the base for relative-displacement arithmetic.
func (in Instruction) NextIP() uintptr {
	return in.Address + uintptr(in.Length)
}

// Target returns the absolute address a relative branch/call refers to,
// valid only when RelDispBytes > 0.
func (in Instruction) Target() uintptr {
	return in.NextIP() + uintptr(int64(in.RelDisp))
}

// RIPOperand returns the operand index of a RIP-relative memory operand, or
// -1 if none is present.
func (in Instruction) RIPOperand() int {
	for i, op := range in.Operands {
		if op.Type == OperandMem && op.RIPRelative {
			return i
		}
	}
	return -1
}

// IsPositionIndependent reports whether the instruction carries no
// relative-encoded operand at all (neither a relative branch displacement
// nor a RIP-relative memory reference) — the "copy bytes verbatim" case of
// §4.4.
func (in Instruction) IsPositionIndependent() bool {
	return in.RelDispBytes == 0 && in.RIPOperand() == -1
}
