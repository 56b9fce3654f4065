package arch

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/asm/asmtest"
)

type prog struct {
	t   *testing.T
	d   *Descriptor
	m   *asm.Module
	sec *asm.Section
	n   int
}

func newProg(t *testing.T, d *Descriptor) *prog {
	t.Helper()
	m := asmtest.NewModule(t, d.ModuleConfig(asm.Config{}))
	return &prog{t: t, d: d, m: m, sec: m.Section(".text", "acrx", asmtest.Loc(0))}
}

func (p *prog) line() int {
	p.n++
	return p.n
}

func (p *prog) insn(text string) *asm.Atom {
	p.t.Helper()
	mnemonic, rest, _ := strings.Cut(text, " ")
	var ops []string
	if rest != "" {
		for _, op := range strings.Split(rest, ",") {
			ops = append(ops, strings.TrimSpace(op))
		}
	}
	enc, err := p.d.Instruction(p.m, mnemonic, ops)
	if err != nil {
		p.t.Fatalf("%s: %v", text, err)
	}
	return p.m.Append(p.sec, asm.NewInstruction(asmtest.Loc(p.line()), mnemonic, ops, enc))
}

func (p *prog) label(name string) *asm.Symbol {
	return p.m.DefineLabel(p.sec, name, asmtest.Loc(p.line()))
}

func (p *prog) pad(n uint64) {
	p.m.Append(p.sec, asm.NewSpace(asmtest.Loc(p.line()), n, 1, nil, false))
}

func (p *prog) assemble() []byte {
	p.t.Helper()
	asmtest.Assemble(p.t, p.m)
	return asmtest.SectionBytes(p.t, p.m, p.sec)
}

func TestLookup(t *testing.T) {
	d, err := Lookup("M68K")
	if err != nil || d != M68k {
		t.Fatalf("Lookup(M68K)=%v,%v", d, err)
	}
	if _, err := Lookup("vax"); err == nil {
		t.Fatalf("Lookup(vax) succeeded")
	}
	if got := M68k.ModuleConfig(asm.Config{}); !got.BigEndian || got.AddrBytes != 4 {
		t.Fatalf("m68k config=%+v", got)
	}
	if _, err := Z80.Instruction(asmtest.NewModule(t, asm.Config{}), "ldir", nil); err == nil {
		t.Fatalf("unknown z80 instruction accepted")
	}
}

func TestM68kBranchForms(t *testing.T) {
	p := newProg(t, M68k)
	p.label("top")
	short := p.insn("bne top")
	word := p.insn("bra next")
	p.label("next")
	p.pad(300)
	long := p.insn("beq.l top")
	back := p.insn("bra top")
	ext := p.insn("bsr printf")
	img := p.assemble()

	if short.LastSize != 2 || !bytes.Equal(img[0:2], []byte{0x66, 0xfe}) {
		t.Fatalf("bne top=% x (size %d)", img[0:2], short.LastSize)
	}
	// a zero short displacement selects the word form
	if word.LastSize != 4 || !bytes.Equal(img[2:6], []byte{0x60, 0x00, 0x00, 0x02}) {
		t.Fatalf("bra next=% x (size %d)", img[2:6], word.LastSize)
	}
	if long.LastSize != 6 || !bytes.Equal(img[306:312], []byte{0x67, 0xff, 0xff, 0xff, 0xfe, 0xcc}) {
		t.Fatalf("beq.l top=% x (size %d)", img[306:312], long.LastSize)
	}
	if back.LastSize != 4 || !bytes.Equal(img[312:316], []byte{0x60, 0x00, 0xfe, 0xc6}) {
		t.Fatalf("bra top=% x (size %d)", img[312:316], back.LastSize)
	}
	if ext.LastSize != 4 || !bytes.Equal(img[316:320], []byte{0x61, 0x00, 0x00, 0x00}) {
		t.Fatalf("bsr printf=% x (size %d)", img[316:320], ext.LastSize)
	}
	relocs := ext.Relocs()
	if len(relocs) != 1 {
		t.Fatalf("bsr relocs=%v", relocs)
	}
	if r := relocs[0]; r.Kind != asm.RelocPC || r.Sym.Name != "printf" || r.ByteOffset != 2 || r.Size != 16 || r.Addend != 0 {
		t.Fatalf("bsr reloc=%v", r)
	}
}

func TestM68kShortBranchOutOfRange(t *testing.T) {
	p := newProg(t, M68k)
	p.label("top")
	p.pad(200)
	p.insn("bra.s top")
	if err := p.m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := p.m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got, want := p.m.Diag.ErrorCount(), 1; got != want {
		t.Fatalf("errors=%d, want %d", got, want)
	}
}

func TestX86Jumps(t *testing.T) {
	p := newProg(t, I386)
	p.label("loop")
	p.insn("jne loop")
	p.insn("jmp done")
	p.pad(200)
	p.label("done")
	far := p.insn("je loop")
	call := p.insn("call puts")
	img := p.assemble()

	if !bytes.Equal(img[0:2], []byte{0x75, 0xfe}) {
		t.Fatalf("jne loop=% x", img[0:2])
	}
	if !bytes.Equal(img[2:7], []byte{0xe9, 200, 0, 0, 0}) {
		t.Fatalf("jmp done=% x", img[2:7])
	}
	if far.LastSize != 6 || !bytes.Equal(img[207:213], []byte{0x0f, 0x84, 0x2b, 0xff, 0xff, 0xff}) {
		t.Fatalf("je loop=% x", img[207:213])
	}
	if !bytes.Equal(img[213:218], []byte{0xe8, 0, 0, 0, 0}) {
		t.Fatalf("call puts=% x", img[213:218])
	}
	if r := call.Relocs()[0]; r.ByteOffset != 1 || r.Addend != -4 || r.Size != 32 || r.Kind != asm.RelocPC {
		t.Fatalf("call reloc=%v", r)
	}
}

func TestX86JumpsDisassemble(t *testing.T) {
	p := newProg(t, I386)
	p.label("top")
	p.insn("jg top")
	p.insn("jmp.n top")
	code := p.assemble()

	lines := asmtest.Disassemble(t, code, "i386", false)
	asmtest.VerifyExpectations(t, lines, []asmtest.Expectation{
		{Mnemonic: "jg", Contains: []string{"0x0"}},
		{Mnemonic: "jmp", Contains: []string{"0x0"}},
	})
}

func TestZ80JumpRelaxation(t *testing.T) {
	p := newProg(t, Z80)
	p.label("top")
	p.insn("jp nz, top")
	p.insn("jp po, top")
	p.insn("call out")
	p.insn("jr c, top")
	img := p.assemble()

	want := []byte{
		0x20, 0xfe, // jr nz, top
		0xe2, 0x00, 0x00, // jp po, top
		0xcd, 0x00, 0x00, // call out
		0x38, 0xf6, // jr c, top
	}
	if !bytes.Equal(img, want) {
		t.Fatalf("code=% x, want % x", img, want)
	}
	relocs := asmtest.RelocsOf(p.sec)
	if len(relocs) != 2 {
		t.Fatalf("relocs=%v, want two absolute relocations", relocs)
	}
	if r := relocs[0]; r.Sym.Name != "top" || r.ByteOffset != 3 || r.Size != 16 || r.Kind != asm.RelocAbs {
		t.Fatalf("jp po reloc=%v", r)
	}
	if r := relocs[1]; r.Sym.Name != "out" || r.ByteOffset != 6 {
		t.Fatalf("call reloc=%v", r)
	}
}

func TestZ80AbsoluteTargetWithOrigin(t *testing.T) {
	p := newProg(t, Z80)
	p.m.SetOrigin(p.sec, 0x8000)
	p.pad(0x100)
	p.insn("jp 0x1234")
	p.insn("jp start")
	p.label("start")
	img := p.assemble()

	if want := []byte{0xc3, 0x34, 0x12}; !bytes.Equal(img[0x100:0x103], want) {
		t.Fatalf("jp 0x1234=% x, want % x", img[0x100:0x103], want)
	}
	if want := []byte{0x18, 0x00}; !bytes.Equal(img[0x103:0x105], want) {
		t.Fatalf("jp start=% x, want % x", img[0x103:0x105], want)
	}
}

func Test6502BranchInversion(t *testing.T) {
	p := newProg(t, M6502)
	p.m.SetOrigin(p.sec, 0xc000)
	p.label("top")
	near := p.insn("bne top")
	p.pad(200)
	far := p.insn("beq top")
	p.insn("jsr top")
	img := p.assemble()

	if near.LastSize != 2 || !bytes.Equal(img[0:2], []byte{0xd0, 0xfe}) {
		t.Fatalf("bne top=% x", img[0:2])
	}
	if far.LastSize != 5 || !bytes.Equal(img[202:207], []byte{0xd0, 0x03, 0x4c, 0x00, 0xc0}) {
		t.Fatalf("beq top=% x", img[202:207])
	}
	if !bytes.Equal(img[207:210], []byte{0x20, 0x00, 0xc0}) {
		t.Fatalf("jsr top=% x", img[207:210])
	}
}

func TestARMCalls(t *testing.T) {
	p := newProg(t, ARM)
	p.label("fn")
	p.insn("bl fn")
	ext := p.insn("bl printf")
	thumb := p.insn("bl.t printf")
	img := p.assemble()

	if want := []byte{0xfe, 0xff, 0xff, 0xeb}; !bytes.Equal(img[0:4], want) {
		t.Fatalf("bl fn=% x, want % x", img[0:4], want)
	}
	if r := ext.Relocs()[0]; r.Mask != 0x3fffffc || r.Size != 24 || r.Addend != -8 {
		t.Fatalf("bl reloc=%v", r)
	}
	relocs := thumb.Relocs()
	if len(relocs) != 2 || relocs[0].Mask != 0x7ff000 || relocs[1].BitOffset != 16 || relocs[1].Mask != 0xffe {
		t.Fatalf("bl.t relocs=%v", relocs)
	}
	if want := []byte{0x00, 0xf0, 0x00, 0xf8}; !bytes.Equal(img[8:12], want) {
		t.Fatalf("bl.t printf=% x, want % x", img[8:12], want)
	}
}

func TestPPCBranches(t *testing.T) {
	p := newProg(t, PPC)
	p.label("top")
	p.pad(8)
	p.insn("b top")
	p.insn("bne top")
	ext := p.insn("bl memcpy")
	img := p.assemble()

	if want := []byte{0x4b, 0xff, 0xff, 0xf8}; !bytes.Equal(img[8:12], want) {
		t.Fatalf("b top=% x, want % x", img[8:12], want)
	}
	if want := []byte{0x40, 0x82, 0xff, 0xf4}; !bytes.Equal(img[12:16], want) {
		t.Fatalf("bne top=% x, want % x", img[12:16], want)
	}
	if want := []byte{0x48, 0x00, 0x00, 0x01}; !bytes.Equal(img[16:20], want) {
		t.Fatalf("bl memcpy=% x, want % x", img[16:20], want)
	}
	if r := ext.Relocs()[0]; r.BitOffset != 6 || r.Size != 24 || r.Mask != 0x3fffffc {
		t.Fatalf("bl reloc=%v", r)
	}
}

func TestValueHelpers(t *testing.T) {
	m := asmtest.NewModule(t, M68k.ModuleConfig(asm.Config{}))
	a, err := M68k.Value(asmtest.Loc(1), 4, nil, 0x12345678, asm.RelocAbs)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if want := []byte{0x12, 0x34, 0x56, 0x78}; !bytes.Equal(a.Data.Bytes, want) {
		t.Fatalf("bytes=% x, want % x", a.Data.Bytes, want)
	}
	if _, err := M68k.Value(asmtest.Loc(2), 1, nil, 300, asm.RelocAbs); err == nil {
		t.Fatalf("300 accepted as a byte")
	}
	if _, err := M68k.Value(asmtest.Loc(3), 2, nil, 4, asm.RelocPC); err == nil {
		t.Fatalf("pc-relative constant accepted")
	}
	hi := M68k.Half(asmtest.Loc(4), m.Ref("x"), 8, true)
	if r := hi.Relocs()[0]; r.Mask != 0xffff0000 || r.Size != 16 || r.Addend != 8 {
		t.Fatalf("high half reloc=%v", r)
	}
}

func TestParseTarget(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	for _, tc := range []struct {
		in     string
		name   string
		addend int64
		err    bool
	}{
		{"foo", "foo", 0, false},
		{"foo+4", "foo", 4, false},
		{"foo - 0x10", "foo", -16, false},
		{"0x400", "", 0x400, false},
		{"-2", "", -2, false},
		{"foo+bar", "", 0, true},
		{"", "", 0, true},
		{"9lives", "", 0, true},
	} {
		got, err := parseTarget(m, tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("parseTarget(%q) succeeded", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseTarget(%q): %v", tc.in, err)
		}
		name := ""
		if got.sym != nil {
			name = got.sym.Name
		}
		if name != tc.name || got.addend != tc.addend {
			t.Fatalf("parseTarget(%q)=%s%+d, want %s%+d", tc.in, name, got.addend, tc.name, tc.addend)
		}
	}
}
