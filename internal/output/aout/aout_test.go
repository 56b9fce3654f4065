package aout_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/rasm/internal/arch"
	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/asm/asmtest"
	"github.com/tinyrange/rasm/internal/output"
	"github.com/tinyrange/rasm/internal/output/aout"
)

type file struct {
	hdr    aout.Header
	text   []byte
	data   []byte
	trel   [][2]uint32
	drel   [][2]uint32
	syms   []aout.Nlist
	strtab []byte
}

func (f *file) name(strx uint32) string {
	s := f.strtab[strx-4:]
	return string(s[:bytes.IndexByte(s, 0)])
}

func parse(t *testing.T, out []byte, order binary.ByteOrder) *file {
	t.Helper()
	r := bytes.NewReader(out)
	f := &file{}
	read := func(v any) {
		if err := binary.Read(r, order, v); err != nil {
			t.Fatalf("decode a.out: %v", err)
		}
	}
	read(&f.hdr)
	f.text = make([]byte, f.hdr.Text)
	read(f.text)
	f.data = make([]byte, f.hdr.Data)
	read(f.data)
	f.trel = make([][2]uint32, f.hdr.Trsize/aout.RelocSize)
	read(f.trel)
	f.drel = make([][2]uint32, f.hdr.Drsize/aout.RelocSize)
	read(f.drel)
	f.syms = make([]aout.Nlist, f.hdr.Syms/aout.NlistSize)
	read(f.syms)
	var size uint32
	read(&size)
	f.strtab = make([]byte, size-4)
	read(f.strtab)
	if r.Len() != 0 {
		t.Fatalf("%d trailing bytes", r.Len())
	}
	return f
}

func emit(t *testing.T, m *asm.Module, target *arch.Descriptor, opts aout.Options) []byte {
	t.Helper()
	asmtest.Assemble(t, m)
	f := aout.New()
	f.Options = opts
	out, err := output.Run(f, m, target)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out
}

func TestObjectLayoutLittleEndian(t *testing.T) {
	m := asmtest.NewModule(t, arch.I386.ModuleConfig(asm.Config{}))
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	m.Export("start", false, asmtest.Loc(2))
	m.DefineLabel(text, "start", asmtest.Loc(2))
	m.Append(text, asm.NewData(asmtest.Loc(3), []byte{0x90}))
	m.Append(text, asm.NewInstruction(asmtest.Loc(4), "br", nil, &asmtest.Branch{Target: m.Ref("puts")}))
	data := m.Section(".data", "adrw", asmtest.Loc(5))
	v, err := arch.I386.Value(asmtest.Loc(6), 4, m.Ref("start"), 2, asm.RelocAbs)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	m.Append(data, v)
	bss := m.Section(".bss", "aurw", asmtest.Loc(7))
	m.Append(bss, asm.NewSpace(asmtest.Loc(8), 4, 1, nil, true))
	m.DefineLabel(bss, "buf", asmtest.Loc(9))
	m.Append(bss, asm.NewSpace(asmtest.Loc(10), 12, 1, nil, true))

	f := parse(t, emit(t, m, arch.I386, aout.Options{}), binary.LittleEndian)

	if got, want := f.hdr.Midmag, uint32(134<<16|0o407); got != want {
		t.Fatalf("midmag=%#x, want %#x", got, want)
	}
	if f.hdr.Text != 8 || f.hdr.Data != 4 || f.hdr.Bss != 16 {
		t.Fatalf("text/data/bss=%d/%d/%d, want 8/4/16", f.hdr.Text, f.hdr.Data, f.hdr.Bss)
	}
	if got, want := f.text[:6], []byte{0x90, 0x02, 0xfa, 0xff, 0xff, 0xff}; !bytes.Equal(got, want) {
		t.Fatalf("text=% x, want % x", got, want)
	}
	if got, want := f.data, []byte{2, 0, 0, 0}; !bytes.Equal(got, want) {
		t.Fatalf("data=% x, want % x", got, want)
	}

	if got, want := len(f.trel), 1; got != want {
		t.Fatalf("text relocations=%d, want %d", got, want)
	}
	if got, want := f.trel[0], [2]uint32{2, 0x0d000001}; got != want {
		t.Fatalf("text relocation=%#x, want %#x", got, want)
	}
	info := aout.UnpackInfo(f.trel[0][1], false)
	if !info.PCRel || !info.Extern || info.Length != 2 || info.Symnum != 1 {
		t.Fatalf("text relocation info=%+v", info)
	}
	if got, want := len(f.drel), 1; got != want {
		t.Fatalf("data relocations=%d, want %d", got, want)
	}
	info = aout.UnpackInfo(f.drel[0][1], false)
	if info.Extern || info.PCRel || info.Symnum != aout.N_TEXT || info.Length != 2 {
		t.Fatalf("data relocation info=%+v", info)
	}

	want := []struct {
		name  string
		typ   uint8
		value uint32
	}{
		{"start", aout.N_TEXT | aout.N_EXT, 0},
		{"puts", aout.N_UNDF | aout.N_EXT, 0},
		{"buf", aout.N_BSS, 8 + 4 + 4},
	}
	if got := len(f.syms); got != len(want) {
		t.Fatalf("symbols=%d, want %d", got, len(want))
	}
	for i, w := range want {
		s := f.syms[i]
		if got := f.name(s.Strx); got != w.name {
			t.Fatalf("symbol %d name=%q, want %q", i, got, w.name)
		}
		if s.Type != w.typ || s.Value != w.value {
			t.Fatalf("%s type=%#x value=%#x, want %#x %#x", w.name, s.Type, s.Value, w.typ, w.value)
		}
	}
}

func TestObjectBigEndian(t *testing.T) {
	m := asmtest.NewModule(t, arch.M68k.ModuleConfig(asm.Config{}))
	data := m.Section(".data", "adrw", asmtest.Loc(1))
	v, err := arch.M68k.Value(asmtest.Loc(2), 4, m.Ref("ext"), 8, asm.RelocAbs)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	m.Append(data, v)

	f := parse(t, emit(t, m, arch.M68k, aout.Options{MID: 2}), binary.BigEndian)

	if got, want := f.hdr.Midmag, uint32(2<<16|0o407); got != want {
		t.Fatalf("midmag=%#x, want %#x", got, want)
	}
	if got, want := f.data, []byte{0, 0, 0, 8}; !bytes.Equal(got, want) {
		t.Fatalf("data=% x, want % x", got, want)
	}
	if got, want := f.drel[0], [2]uint32{0, 0x50}; got != want {
		t.Fatalf("relocation=%#x, want %#x", got, want)
	}
}

func TestInfoPacking(t *testing.T) {
	tests := []struct {
		info aout.Info
		be   bool
		want uint32
	}{
		{aout.Info{Symnum: 3, Length: 1}, false, 0x02000003},
		{aout.Info{Symnum: 3, Length: 1}, true, 0x00000320},
		{aout.Info{Symnum: 0x123456, PCRel: true, Length: 2, Extern: true, BaseRel: true}, false, 0x1d123456},
		{aout.Info{Symnum: 0x123456, PCRel: true, Length: 2, Extern: true, BaseRel: true}, true, 0x123456d8},
	}
	for _, tt := range tests {
		if got := tt.info.Pack(tt.be); got != tt.want {
			t.Fatalf("Pack(%+v, be=%v)=%#x, want %#x", tt.info, tt.be, got, tt.want)
		}
		if got := aout.UnpackInfo(tt.want, tt.be); got != tt.info {
			t.Fatalf("UnpackInfo(%#x, be=%v)=%+v, want %+v", tt.want, tt.be, got, tt.info)
		}
	}
}

func TestSupports(t *testing.T) {
	f := aout.New()
	if err := f.Supports(arch.Z80); err == nil {
		t.Fatalf("z80 accepted")
	}
	if err := f.Supports(arch.PPC); err == nil {
		t.Fatalf("ppc accepted without a machine id")
	}
	f.Options.MID = 7
	if err := f.Supports(arch.PPC); err != nil {
		t.Fatalf("ppc with -mid: %v", err)
	}
}

func TestHalvesAreUnsupported(t *testing.T) {
	m := asmtest.NewModule(t, arch.M68k.ModuleConfig(asm.Config{}))
	data := m.Section(".data", "adrw", asmtest.Loc(1))
	m.Append(data, arch.M68k.Half(asmtest.Loc(2), m.Ref("ext"), 0, true))
	asmtest.Assemble(t, m)

	if _, err := output.Run(aout.New(), m, arch.M68k); err == nil {
		t.Fatalf("Run accepted a 16-bit high half relocation")
	}
	if got, want := m.Diag.ErrorCount(), 1; got != want {
		t.Fatalf("errors=%d, want %d", got, want)
	}
}
