package asm_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/asm/asmtest"
	"github.com/tinyrange/rasm/internal/diag"
)

func TestFinalizeTrimsTrailingUninitializedSpace(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	data := m.Section(".data", "adrw", asmtest.Loc(1))
	m.Append(data, asm.NewData(asmtest.Loc(2), []byte{1, 2, 3}))
	m.Append(data, asm.NewSpace(asmtest.Loc(3), 64, 1, nil, true))

	asmtest.Assemble(t, m)

	if got, want := data.Size, uint64(67); got != want {
		t.Fatalf("size=%d, want %d", got, want)
	}
	if got, want := data.FileSize, uint64(3); got != want {
		t.Fatalf("file size=%d, want %d", got, want)
	}
}

func TestFinalizeAlignmentFill(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	m.Append(text, asm.NewData(asmtest.Loc(2), []byte{0xc3}))
	m.Append(text, asm.NewAlign(asmtest.Loc(3), 4, []byte{0x90}))
	m.Append(text, asm.NewData(asmtest.Loc(4), []byte{0xcc}))

	asmtest.Assemble(t, m)

	img := asmtest.SectionBytes(t, m, text)
	if want := []byte{0xc3, 0x90, 0x90, 0x90, 0xcc}; !bytes.Equal(img, want) {
		t.Fatalf("image=% x, want % x", img, want)
	}
}

func TestFinalizeDataInUninitializedSection(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	bss := m.Section(".bss", "aurw", asmtest.Loc(1))
	m.Append(bss, asm.NewSpace(asmtest.Loc(2), 8, 1, nil, true))
	m.Append(bss, asm.NewData(asmtest.Loc(3), []byte{0, 0}))
	m.Append(bss, asm.NewData(asmtest.Loc(4), []byte{1}))

	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got, want := m.Diag.ErrorCount(), 1; got != want {
		t.Fatalf("errors=%d, want %d", got, want)
	}
	if bss.FileSize != 0 {
		t.Fatalf("file size=%d, want 0", bss.FileSize)
	}
}

func TestFinalizeSpaceRelocationsRepeat(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	data := m.Section(".data", "adrw", asmtest.Loc(1))
	sp := asm.NewSpace(asmtest.Loc(2), 3, 4, nil, false)
	sp.Space.Relocs = []asm.Reloc{{Kind: asm.RelocAbs, Sym: m.Ref("table"), Size: 32, Mask: asm.NoMask}}
	m.Append(data, sp)

	asmtest.Assemble(t, m)

	relocs := asmtest.RelocsOf(data)
	if got, want := len(relocs), 3; got != want {
		t.Fatalf("relocs=%d, want %d", got, want)
	}
	for i, r := range relocs {
		if got, want := r.ByteOffset, uint64(4*i); got != want {
			t.Fatalf("reloc %d offset=%d, want %d", i, got, want)
		}
	}
}

func TestFinalizeAssert(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	m.Append(text, asm.NewData(asmtest.Loc(2), []byte{1, 2, 3}))
	m.Append(text, asm.NewAssert(asmtest.Loc(3), "aligned", func(addr uint64) bool { return addr%4 == 0 }))
	m.Append(text, asm.NewPrint(asmtest.Loc(4), "reached end"))

	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got, want := m.Diag.ErrorCount(), 1; got != want {
		t.Fatalf("errors=%d, want %d", got, want)
	}
}

func TestFinalizeOverlappingRelocsIsInternal(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	data := m.Section(".data", "adrw", asmtest.Loc(1))
	sym := m.Ref("x")
	m.Append(data, asm.NewData(asmtest.Loc(2), make([]byte, 4),
		asm.Reloc{Kind: asm.RelocAbs, Sym: sym, Size: 16},
		asm.Reloc{Kind: asm.RelocAbs, Sym: sym, BitOffset: 8, Size: 16},
	))
	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	err := m.Finalize()
	var ie *diag.InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("Finalize error=%v, want internal error", err)
	}
}

func TestFinalizeDropsUnallocatedSections(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	layout := m.Section("layout", "aurw", asmtest.Loc(1))
	m.MarkUnallocated(layout)
	m.Append(layout, asm.NewSpace(asmtest.Loc(2), 4, 1, nil, true))
	field := m.DefineLabel(layout, "field", asmtest.Loc(3))
	m.Append(layout, asm.NewSpace(asmtest.Loc(4), 2, 1, nil, true))
	text := m.Section(".text", "acrx", asmtest.Loc(5))
	m.Append(text, asm.NewData(asmtest.Loc(6), []byte{0x4e, 0x75}))

	asmtest.Assemble(t, m)

	if got, want := len(m.Sections), 1; got != want {
		t.Fatalf("sections=%d, want %d", got, want)
	}
	if text.Index != 0 {
		t.Fatalf("text index=%d, want 0", text.Index)
	}
	if !field.IsAbsolute() || field.Value != 4 {
		t.Fatalf("field=%#x absolute=%v, want 4 absolute", field.Value, field.IsAbsolute())
	}
}

func TestFinalizeTwiceIsInternal(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	asmtest.Assemble(t, m)
	var ie *diag.InternalError
	if err := m.Finalize(); !errors.As(err, &ie) {
		t.Fatalf("second Finalize error=%v, want internal error", err)
	}
}
