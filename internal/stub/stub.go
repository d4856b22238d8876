// Package stub builds the trampoline stub image: a fixed-capacity
// relocated-prologue area followed by one or two trailing long-jump
// trailers (spec §3 Stub, §4.6).
package stub

import (
	"fmt"

	"github.com/nilstride/funchook/internal/encoder"
)

// PrologueCapacity64 is the worst-case size of a re-encoded prologue on
// 64-bit: a 2-byte short Jcc can at most be widened into the 18-byte
// "short Jcc, short jmp, absolute trailer" idiom (§4.4), and
// the overwrite window itself can be at most 14 bytes, so a handful of
// worst-case widenings still fits comfortably under this cap.
const PrologueCapacity64 = 126

// PrologueCapacity32 bounds the 32-bit prologue area. 32-bit hooks only
// ever need a 5-byte overwrite window (there is no 14-byte form), so the
// worst-case widened prologue is considerably smaller.
const PrologueCapacity32 = 48

// PrologueCapacity returns the prologue-area size for the given mode.
func PrologueCapacity(mode64 bool) int {
	if mode64 {
		return PrologueCapacity64
	}
	return PrologueCapacity32
}

// SlotSize is the fixed footprint of one stub, used as the code
// allocator's slot size (spec §4.10).
func SlotSize(mode64 bool) uintptr {
	if mode64 {
		return uintptr(PrologueCapacity64 + 2*encoder.LJmpSize)
	}
	return uintptr(PrologueCapacity32 + encoder.JmpSize)
}

// ResumeTrailerOffset is the byte offset, within the stub, of the trailer
// jump that resumes original execution past the overwrite window.
func ResumeTrailerOffset(mode64 bool) int { return PrologueCapacity(mode64) }

// ReplacementTrailerOffset is the byte offset of the second trailer
// (64-bit only), proxying to the replacement function when the hook site
// can only afford a 5-byte jump (§4.3 case 3).
func ReplacementTrailerOffset() int { return PrologueCapacity64 + encoder.LJmpSize }

// Build renders the full stub image for a slot allocated at stubBase.
// relocated is the already-relocated prologue bytes (see internal/reloc);
// resumeTarget is the address just past the last moved instruction
// (function_entry plus the moved size); replacementTarget is the
// hook's replacement entry (used for the 64-bit second trailer).
func Build(stubBase uintptr, mode64 bool, relocated []byte, resumeTarget, replacementTarget uintptr) ([]byte, error) {
	cap := PrologueCapacity(mode64)
	if len(relocated) > cap {
		return nil, fmt.Errorf("stub: relocated prologue is %d bytes, exceeds %d-byte capacity", len(relocated), cap)
	}

	img := make([]byte, SlotSize(mode64))
	for i := 0; i < cap; i++ {
		img[i] = 0x90
	}
	copy(img, relocated)

	// §4.6: bridge the gap between the end of the relocated prologue and
	// the trailer with a short jump, so the common (non-diverted) path
	// doesn't walk through the NOP padding one byte at a time.
	gap := cap - len(relocated)
	if gap >= encoder.SJmpSize {
		rel := gap - encoder.SJmpSize
		if rel >= -128 && rel <= 127 {
			img[len(relocated)] = 0xEB
			img[len(relocated)+1] = byte(int8(rel))
		}
	}

	w := encoder.NewWriter()
	if mode64 {
		w.LJmp(uint64(resumeTarget))
		w.LJmp(uint64(replacementTarget))
	} else {
		trailerAddr := stubBase + uintptr(cap)
		rel := int64(resumeTarget) - int64(trailerAddr+encoder.JmpSize)
		if rel < -(1<<31) || rel > (1<<31)-1 {
			return nil, fmt.Errorf("stub: 32-bit resume trailer displacement %d out of range", rel)
		}
		w.Jmp(int32(rel))
	}
	copy(img[cap:], w.Bytes())

	return img, nil
}
