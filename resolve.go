//go:build windows
// +build windows

package funchook

import (
	"github.com/nilstride/funchook/internal/disasm"
	"github.com/nilstride/funchook/internal/patch"
)

// resolveEntry implements spec §4.2: many exported symbols are a
// one-instruction forwarding jump (IAT stubs, linker thunks). Follow
// unconditional direct jumps iteratively until an instruction that is not
// one is reached; that instruction's address is the true entry. The
// traversal never writes memory, only reads and decodes live,
// already-mapped bytes.
func resolveEntry(addr uintptr) uintptr {
	for {
		buf := patch.ReadRegion(addr, 15)
		in, err := disasm.FromBytes(buf, addr, mode64)
		if err != nil {
			return addr
		}

		next, ok := chaseTarget(in)
		if !ok {
			return addr
		}
		addr = next
	}
}

// chaseTarget returns the next address to examine if in is an
// unconditional direct jump, and false otherwise (spec §4.2: "a jump with
// a PTR-type operand resolves to (segment<<4)+offset; a JIMM operand
// resolves to next_ip+displacement; other jump operand types terminate
// the chase").
func chaseTarget(in disasm.Instruction) (uintptr, bool) {
	if !in.IsJump || in.IsConditional || in.IsIndirectBranch {
		return 0, false
	}
	for _, op := range in.Operands {
		if op.Type == disasm.OperandPTR {
			return uintptr(uint32(op.Segment)<<4) + uintptr(op.Offset), true
		}
	}
	if in.RelDispBytes > 0 {
		return in.Target(), true
	}
	return 0, false
}
