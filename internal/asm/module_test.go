package asm_test

import (
	"testing"

	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/asm/asmtest"
)

func TestSectionReuse(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	a := m.Section(".text", "acrx", asmtest.Loc(1))
	b := m.Section(".text", "acrx", asmtest.Loc(2))
	if a != b {
		t.Fatalf("same name and attributes created two sections")
	}
	m.Section(".text", "adrw", asmtest.Loc(3))
	if got, want := m.Diag.ErrorCount(), 1; got != want {
		t.Fatalf("errors=%d, want %d", got, want)
	}
}

func TestUnnamedSections(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{UnnamedSections: true})
	code := m.Section("CODE", "acrx", asmtest.Loc(1))
	more := m.Section("other", "acrx", asmtest.Loc(2))
	bss := m.Section("zero", "aurw", asmtest.Loc(3))
	if code != more {
		t.Fatalf("sections with equal attributes were not merged")
	}
	if code.Name != ".text" || bss.Name != ".bss" {
		t.Fatalf("names=%q,%q, want .text,.bss", code.Name, bss.Name)
	}
}

func TestParseAttr(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want asm.Attr
		err  bool
	}{
		{"acr", asm.AttrAlloc | asm.AttrCode | asm.AttrExec | asm.AttrRead, false},
		{"aurw", asm.AttrAlloc | asm.AttrUninit | asm.AttrRead | asm.AttrWrite, false},
		{"adrwC", asm.AttrAlloc | asm.AttrData | asm.AttrRead | asm.AttrWrite | asm.AttrChip, false},
		{"aCF", 0, true},
		{"aq", 0, true},
	} {
		got, err := asm.ParseAttr(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("ParseAttr(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseAttr(%q)=%v,%v, want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestSymbolRules(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))

	m.DefineLabel(text, "start", asmtest.Loc(2))
	m.DefineLabel(text, "start", asmtest.Loc(3))

	m.Import("printf", asmtest.Loc(4))
	m.DefineLabel(text, "printf", asmtest.Loc(5))

	m.Local("hidden", asmtest.Loc(6))
	m.Export("hidden", false, asmtest.Loc(7))

	c := m.Common("buf", 256, 0, asmtest.Loc(8))
	if got, want := c.Align, uint64(4); got != want {
		t.Fatalf("common align=%d, want %d", got, want)
	}
	m.DefineLabel(text, "buf", asmtest.Loc(9))

	if got, want := m.Diag.ErrorCount(), 4; got != want {
		t.Fatalf("errors=%d, want %d: %v", got, want, m.Diag.Errors())
	}

	abs := m.SetAbsolute("SCREEN", 0x400, asmtest.Loc(10))
	if !abs.IsDefined() || !abs.IsAbsolute() {
		t.Fatalf("SCREEN defined=%v absolute=%v", abs.IsDefined(), abs.IsAbsolute())
	}
}

func TestRefCreatesUndefinedImport(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	sym := m.Ref("later")
	if sym.Kind != asm.ImportSymbol || sym.IsDefined() {
		t.Fatalf("kind=%v defined=%v, want undefined import", sym.Kind, sym.IsDefined())
	}
	if m.Ref("later") != sym {
		t.Fatalf("Ref returned a new symbol for the same name")
	}
}
