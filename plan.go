//go:build windows
// +build windows

package funchook

import (
	"fmt"

	"github.com/nilstride/funchook/internal/deadzone"
	"github.com/nilstride/funchook/internal/disasm"
	"github.com/nilstride/funchook/internal/encoder"
	"github.com/nilstride/funchook/internal/hookcfg"
	"github.com/nilstride/funchook/internal/hookerr"
	"github.com/nilstride/funchook/internal/stub"
	"github.com/nilstride/funchook/internal/winmem"
)

const reach = int64(1)<<31 - 1

func withinReach(a, b uintptr) bool {
	var d int64
	if a > b {
		d = int64(a - b)
	} else {
		d = int64(b - a)
	}
	return d <= reach
}

// plan is the outcome of spec §4.3: how many bytes to overwrite at
// function_entry, where the patch jump lands, and whether the hook
// qualifies as hotpatchable.
type plan struct {
	overwriteSize int
	patchTarget   uintptr
	proxyAddr     uintptr // non-zero when patchTarget is a borrowed deadzone
	proxySize     int
	hotpatchable  bool
	instructions  []disasm.Instruction
	movedSize     int
}

// buildPlan implements spec §4.3 steps 1-3.
func buildPlan(functionEntry, replacementEntry, stubBase uintptr) (*plan, error) {
	p := &plan{}

	injectionReach := withinReach(replacementEntry, functionEntry)
	stubReach := withinReach(stubBase, functionEntry)

	// The deadzone must be wide enough to hold whatever jump width we'd
	// ultimately write into it, and close enough that a 2-byte short jump
	// from function_entry still reaches it (§4.3 step 2, first bullet).
	proxyWidth := encoder.JmpSize
	if !injectionReach {
		if !mode64 {
			proxyWidth = 0 // no absolute-jump form on 32-bit; deadzone path unusable
		} else {
			proxyWidth = encoder.LJmpSize
		}
	}

	zone, haveZone := deadzone.Zone{}, false
	if proxyWidth > 0 {
		deadzoneMin := hookcfg.DeadzoneMin(proxyWidth)
		if z, ok := findDeadzone(functionEntry, deadzoneMin); ok {
			rel := int64(z.Start) - int64(functionEntry+uintptr(encoder.SJmpSize))
			if rel >= -128 && rel <= 127 {
				zone, haveZone = z, true
			}
		}
	}

	if haveZone {
		p.overwriteSize = encoder.SJmpSize
		p.proxyAddr = zone.Start
		p.proxySize = proxyWidth
		p.patchTarget = zone.Start // caller writes the proxyWidth-byte jump here
	} else if injectionReach {
		p.overwriteSize = encoder.JmpSize
		p.patchTarget = replacementEntry
	} else if mode64 && stubReach {
		p.overwriteSize = encoder.JmpSize
		p.patchTarget = stubBase + uintptr(stub.ReplacementTrailerOffset()) // the stub's second (replacement) trailer proxies the rest
	} else if mode64 {
		p.overwriteSize = encoder.LJmpSize
		p.patchTarget = replacementEntry
	} else {
		return nil, fmt.Errorf("%w: function at %#x is unreachable from both replacement and stub", hookerr.ErrUnrelocatableInstruction, functionEntry)
	}

	instrs, movedSize, err := decodeWindow(functionEntry, p.overwriteSize)
	if err != nil {
		return nil, err
	}
	p.instructions = instrs
	p.movedSize = movedSize
	if len(instrs) > 0 && instrs[0].Length >= p.overwriteSize {
		p.hotpatchable = true
	}

	return p, nil
}

func findDeadzone(functionEntry uintptr, minSize int) (deadzone.Zone, bool) {
	pageSize := winmem.PageSize()
	readByte := func(addr uintptr) (byte, bool) {
		defer func() { recover() }()
		b := *(*byte)(unsafePointer(addr))
		return b, true
	}
	read := func(addr uintptr, buf []byte) (int, error) {
		copy(buf, unsafeBytes(addr, len(buf)))
		return len(buf), nil
	}
	return deadzone.Find(functionEntry, minSize, pageSize, mode64, readByte, read)
}

// decodeWindow disassembles forward from functionEntry, accumulating whole
// instructions until the accumulated size covers overwriteSize (spec
// §4.3 step 3).
func decodeWindow(functionEntry uintptr, overwriteSize int) ([]disasm.Instruction, int, error) {
	cur := disasm.NewCursor(functionEntry, mode64, func(addr uintptr, p []byte) (int, error) {
		copy(p, unsafeBytes(addr, len(p)))
		return len(p), nil
	})

	var instrs []disasm.Instruction
	total := 0
	for total < overwriteSize {
		in, err := cur.Next()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: decoding prologue at %#x: %v", hookerr.ErrDecodeFailure, functionEntry+uintptr(total), err)
		}
		instrs = append(instrs, in)
		total += in.Length
	}
	return instrs, total, nil
}
