package stub

import (
	"testing"

	"github.com/nilstride/funchook/internal/encoder"
)

func TestBuildPlacesRelocatedBytesAtStart(t *testing.T) {
	relocated := []byte{0x55, 0x48, 0x89, 0xE5} // push rbp; mov rbp,rsp
	img, err := Build(0x10000, true, relocated, 0x20000, 0x30000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(img) != int(SlotSize(true)) {
		t.Fatalf("image size = %d, want %d", len(img), SlotSize(true))
	}
	for i, b := range relocated {
		if img[i] != b {
			t.Errorf("byte %d = %#x, want %#x", i, img[i], b)
		}
	}
}

func TestBuildBridgesGapWithShortJump(t *testing.T) {
	relocated := []byte{0x90} // one byte, leaves a large NOP gap
	img, err := Build(0x10000, true, relocated, 0x20000, 0x30000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if img[1] != 0xEB {
		t.Fatalf("expected SJmp opcode at offset 1, got %#x", img[1])
	}
	wantRel := int8(PrologueCapacity64 - 1 - encoder.SJmpSize)
	if int8(img[2]) != wantRel {
		t.Errorf("rel = %d, want %d", int8(img[2]), wantRel)
	}
}

func TestBuildWritesBothTrailersOn64Bit(t *testing.T) {
	img, err := Build(0x10000, true, nil, 0x20000, 0x30000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	resumeOff := ResumeTrailerOffset(true)
	replOff := ReplacementTrailerOffset()
	if img[resumeOff] != 0x68 {
		t.Errorf("expected first trailer to start with PUSH (0x68), got %#x", img[resumeOff])
	}
	if img[replOff] != 0x68 {
		t.Errorf("expected second trailer to start with PUSH (0x68), got %#x", img[replOff])
	}
}

func TestBuildWritesSingleTrailerOn32Bit(t *testing.T) {
	stubBase := uintptr(0x10000)
	resumeTarget := uintptr(0x10050)
	img, err := Build(stubBase, false, nil, resumeTarget, 0x30000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(img) != int(SlotSize(false)) {
		t.Fatalf("image size = %d, want %d", len(img), SlotSize(false))
	}
	off := ResumeTrailerOffset(false)
	if img[off] != 0xE9 {
		t.Fatalf("expected near JMP (0xE9) at offset %d, got %#x", off, img[off])
	}
}

func TestBuildRejectsOversizedPrologue(t *testing.T) {
	big := make([]byte, PrologueCapacity64+1)
	if _, err := Build(0x10000, true, big, 0x20000, 0x30000); err == nil {
		t.Fatalf("expected error for oversized relocated prologue")
	}
}
