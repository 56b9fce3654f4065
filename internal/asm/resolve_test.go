package asm_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/asm/asmtest"
	"github.com/tinyrange/rasm/internal/diag"
)

func TestResolveRelaxesForwardBranch(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	target := m.Ref("next")
	br := m.Append(text, asm.NewInstruction(asmtest.Loc(2), "br", nil, &asmtest.Branch{Target: target}))
	m.Append(text, asm.NewSpace(asmtest.Loc(3), 16, 1, []byte{0x90}, false))
	m.DefineLabel(text, "next", asmtest.Loc(4))

	asmtest.Assemble(t, m)

	if got, want := br.LastSize, uint64(2); got != want {
		t.Fatalf("branch size=%d, want %d", got, want)
	}
	if got, want := target.Value, uint64(18); got != want {
		t.Fatalf("next=%#x, want %#x", got, want)
	}
	img := asmtest.SectionBytes(t, m, text)
	if got, want := img[:2], []byte{0x01, 16}; string(got) != string(want) {
		t.Fatalf("branch bytes=% x, want % x", got, want)
	}
}

func TestResolveGrowsOutOfRangeBranch(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	back := m.DefineLabel(text, "back", asmtest.Loc(2))
	m.Append(text, asm.NewSpace(asmtest.Loc(3), 200, 1, nil, false))
	br := m.Append(text, asm.NewInstruction(asmtest.Loc(4), "br", nil, &asmtest.Branch{Target: back}))

	asmtest.Assemble(t, m)

	if got, want := br.LastSize, uint64(5); got != want {
		t.Fatalf("branch size=%d, want %d", got, want)
	}
	img := asmtest.SectionBytes(t, m, text)
	disp := int32(uint32(img[201]) | uint32(img[202])<<8 | uint32(img[203])<<16 | uint32(img[204])<<24)
	if got, want := disp, int32(-205); got != want {
		t.Fatalf("disp=%d, want %d", got, want)
	}
}

func TestResolveIsFixedPoint(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	var atoms []*asm.Atom
	for i := 0; i < 40; i++ {
		target := m.Ref("end")
		if i%2 == 0 {
			target = m.Ref("start")
		}
		if i == 0 {
			m.DefineLabel(text, "start", asmtest.Loc(1))
		}
		atoms = append(atoms, m.Append(text, asm.NewInstruction(asmtest.Loc(2+i), "br", nil, &asmtest.Branch{Target: target})))
	}
	m.DefineLabel(text, "end", asmtest.Loc(50))

	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	sizes := make([]uint64, len(atoms))
	for i, a := range atoms {
		sizes[i] = a.LastSize
	}
	size := text.Size

	passes, err := m.ResolveSection(text)
	if err != nil {
		t.Fatalf("ResolveSection: %v", err)
	}
	if passes != 1 {
		t.Fatalf("re-resolving took %d passes, want 1", passes)
	}
	if text.Size != size {
		t.Fatalf("size changed from %d to %d", size, text.Size)
	}
	for i, a := range atoms {
		if a.LastSize != sizes[i] {
			t.Fatalf("atom %d size changed from %d to %d", i, sizes[i], a.LastSize)
		}
	}

	// every label equals the start of the following atom
	var pc uint64
	for _, a := range text.Atoms {
		if a.Addr != pc {
			t.Fatalf("atom at %#x, want %#x", a.Addr, pc)
		}
		if a.Kind == asm.LabelAtom && a.Label.Value != pc {
			t.Fatalf("label %s=%#x, want %#x", a.Label.Name, a.Label.Value, pc)
		}
		pc += a.LastSize
	}
}

func TestResolveSafeModeStopsOscillation(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{FastPasses: 4, MaxPasses: 100})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	osc := &asmtest.Oscillator{Target: m.Ref("after")}
	a := m.Append(text, asm.NewInstruction(asmtest.Loc(2), "osc", nil, osc))
	m.DefineLabel(text, "after", asmtest.Loc(3))

	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := a.LastSize, uint64(4); got != want {
		t.Fatalf("size=%d, want %d", got, want)
	}
	if text.Passes >= 100 {
		t.Fatalf("passes=%d, expected convergence before the budget", text.Passes)
	}
	if osc.Calls < 8 {
		t.Fatalf("encoder sized %d times, expected the fast phase to run out", osc.Calls)
	}
}

func TestResolveWarnsAboutSuspiciousAtoms(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{FastPasses: 1, MaxPasses: 50, SuspiciousChanges: 3})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	m.Append(text, asm.NewInstruction(asmtest.Loc(2), "grow", nil, &asmtest.Runaway{}))

	err := m.Resolve()
	if !errors.Is(err, asm.ErrPassBudget) {
		t.Fatalf("Resolve error=%v, want %v", err, asm.ErrPassBudget)
	}
	if !text.Has(asm.SecResolveWarn) {
		t.Fatalf("section not flagged after repeated safe mode changes")
	}
	if m.Diag.WarningCount() != 1 {
		t.Fatalf("warnings=%d, want 1", m.Diag.WarningCount())
	}
	if !m.Diag.HasErrors() {
		t.Fatalf("pass budget was not reported as an error")
	}
}

func TestResolveFailureIsSectionScoped(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{MaxPasses: 20})
	bad := m.Section("bad", "acrx", asmtest.Loc(1))
	m.Append(bad, asm.NewInstruction(asmtest.Loc(2), "grow", nil, &asmtest.Runaway{}))
	good := m.Section("good", "adrw", asmtest.Loc(3))
	m.Append(good, asm.NewData(asmtest.Loc(4), []byte{1, 2, 3}))

	if err := m.Resolve(); !errors.Is(err, asm.ErrPassBudget) {
		t.Fatalf("Resolve error=%v, want %v", err, asm.ErrPassBudget)
	}
	if got, want := good.Size, uint64(3); got != want {
		t.Fatalf("good size=%d, want %d", got, want)
	}
}

func TestResolveInstructionError(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	m.Append(text, asm.NewInstruction(asmtest.Loc(7), "bad", nil, asmtest.Failing{Err: errors.New("no such operand")}))
	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := m.Diag.ErrorCount(), 1; got != want {
		t.Fatalf("errors=%d, want %d", got, want)
	}
	diags := m.Diag.Diagnostics()
	if got, want := diags[0].Loc.Line, 7; got != want {
		t.Fatalf("error line=%d, want %d", got, want)
	}
}

func TestResolveOrgBlock(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	m.Append(text, asm.NewData(asmtest.Loc(2), []byte{1, 2, 3, 4}))
	m.Append(text, asm.NewOrg(asmtest.Loc(3), 0x8000))
	inside := m.DefineLabel(text, "inside", asmtest.Loc(4))
	m.Append(text, asm.NewData(asmtest.Loc(5), []byte{5, 6}))
	m.Append(text, asm.NewOrgEnd(asmtest.Loc(6)))
	after := m.DefineLabel(text, "after", asmtest.Loc(7))
	m.Append(text, asm.NewData(asmtest.Loc(8), []byte{7}))

	asmtest.Assemble(t, m)

	if got, want := inside.Value, uint64(0x8000); got != want {
		t.Fatalf("inside=%#x, want %#x", got, want)
	}
	if !inside.IsAbsolute() {
		t.Fatalf("label inside org block is not absolute")
	}
	if got, want := after.Value, uint64(6); got != want {
		t.Fatalf("after=%#x, want %#x", got, want)
	}
	if after.IsAbsolute() {
		t.Fatalf("label after org block is absolute")
	}
	if got, want := text.Size, uint64(7); got != want {
		t.Fatalf("size=%d, want %d", got, want)
	}
	img := asmtest.SectionBytes(t, m, text)
	if got, want := img, []byte{1, 2, 3, 4, 5, 6, 7}; string(got) != string(want) {
		t.Fatalf("image=% x, want % x", got, want)
	}
}

func TestResolveUnterminatedOrg(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	m.Append(text, asm.NewData(asmtest.Loc(2), []byte{1, 2}))
	m.Append(text, asm.NewOrg(asmtest.Loc(3), 0x100))
	m.Append(text, asm.NewData(asmtest.Loc(4), []byte{3, 4, 5}))

	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := text.Size, uint64(5); got != want {
		t.Fatalf("size=%d, want %d", got, want)
	}
	if text.Has(asm.SecAbsolute) {
		t.Fatalf("section still flagged absolute after resolution")
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	errs := m.Diag.Diagnostics()
	if len(errs) != 1 || errs[0].Loc.Line != 3 || !strings.Contains(errs[0].Message, "not closed") {
		t.Fatalf("diagnostics=%v, want the open org at line 3", errs)
	}
}

func TestResolveNestedOrgIsInternal(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	m.Append(text, asm.NewOrg(asmtest.Loc(2), 0x100))
	m.Append(text, asm.NewOrg(asmtest.Loc(3), 0x200))

	err := m.Resolve()
	var ie *diag.InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("Resolve error=%v, want internal error", err)
	}
}

func TestResolveCrossSectionDependency(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	code := m.Section("code", "acrx", asmtest.Loc(1))
	m.SetOrigin(code, 0x1000)
	far := m.Section("far", "acrx", asmtest.Loc(2))
	m.SetOrigin(far, 0x1010)

	target := m.Ref("target")
	br := m.Append(code, asm.NewInstruction(asmtest.Loc(3), "br", nil, &asmtest.Branch{Target: target}))
	m.Append(far, asm.NewSpace(asmtest.Loc(4), 0x200, 1, nil, false))
	m.DefineLabel(far, "target", asmtest.Loc(5))

	asmtest.Assemble(t, m)

	if got, want := target.Value, uint64(0x1210); got != want {
		t.Fatalf("target=%#x, want %#x", got, want)
	}
	if got, want := br.LastSize, uint64(5); got != want {
		t.Fatalf("branch size=%d, want %d", got, want)
	}
	if deps := far.Dependents(); len(deps) != 1 || deps[0] != code.Index {
		t.Fatalf("dependents of far=%v, want [%d]", deps, code.Index)
	}
	img := asmtest.SectionBytes(t, m, code)
	disp := int32(uint32(img[1]) | uint32(img[2])<<8 | uint32(img[3])<<16 | uint32(img[4])<<24)
	if got, want := disp, int32(0x1210-0x1005); got != want {
		t.Fatalf("disp=%#x, want %#x", got, want)
	}
}

func TestResolveExternalBranchKeepsRelocation(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	text := m.Section(".text", "acrx", asmtest.Loc(1))
	ext := m.Import("puts", asmtest.Loc(1))
	m.Append(text, asm.NewInstruction(asmtest.Loc(2), "br", nil, &asmtest.Branch{Target: ext}))

	asmtest.Assemble(t, m)

	relocs := asmtest.RelocsOf(text)
	if len(relocs) != 1 {
		t.Fatalf("relocs=%v, want one", relocs)
	}
	r := relocs[0]
	if r.Kind != asm.RelocPC || r.Sym != ext || r.ByteOffset != 1 || r.Addend != -4 {
		t.Fatalf("reloc=%v", r)
	}
}

func TestResolveProgressHook(t *testing.T) {
	m := asmtest.NewModule(t, asm.Config{})
	a := m.Section("a", "adrw", asmtest.Loc(1))
	b := m.Section("b", "adrw", asmtest.Loc(2))
	m.Append(a, asm.NewData(asmtest.Loc(3), []byte{1}))
	m.Append(b, asm.NewData(asmtest.Loc(4), []byte{2}))

	var seen []string
	m.OnSectionResolved = func(sec *asm.Section) { seen = append(seen, sec.Name) }
	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := len(seen), 2; got != want || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("resolved=%v, want [a b]", seen)
	}
}
