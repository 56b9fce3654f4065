package asm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rasm/internal/diag"
)

// ErrPassBudget is returned when a section does not reach a fixed point
// within the configured number of passes.
var ErrPassBudget = errors.New("resolver pass budget exhausted")

// Phase is the resolver's convergence mode for one section.
type Phase int

const (
	// FastPhase lets every atom resize freely.
	FastPhase Phase = iota
	// SafeMode changes at most one atom per pass and never lets a changed
	// atom shrink again.
	SafeMode
)

func (p Phase) String() string {
	if p == SafeMode {
		return "safe"
	}
	return "fast"
}

type resolveState struct {
	phase     Phase
	fastLimit int
}

// Resolve computes addresses and sizes for every section until no section
// is left marked for re-resolution. A section that exhausts its pass budget
// is reported and skipped; the others are still resolved.
func (m *Module) Resolve() (err error) {
	defer diag.Recover(&err)

	for _, sec := range m.Sections {
		sec.pending = true
	}
	failed := make(map[*Section]bool)
	var errs []error
	budget := m.Config.MaxPasses * (len(m.Sections) + 1)

	for rounds := 0; ; rounds++ {
		sec := m.nextPending()
		if sec == nil {
			break
		}
		if rounds >= budget {
			return fmt.Errorf("%w: sections keep invalidating each other", ErrPassBudget)
		}
		sec.pending = false
		if failed[sec] {
			continue
		}

		passes, rerr := m.ResolveSection(sec)
		if rerr != nil {
			failed[sec] = true
			m.Diag.Errorf(sec.Loc, "%v", rerr)
			errs = append(errs, rerr)
			continue
		}
		if m.OnSectionResolved != nil {
			m.OnSectionResolved(sec)
		}
		if passes > 1 {
			for _, idx := range sec.dependents.members() {
				dep := m.Sections[idx]
				if !dep.pending {
					m.Logger.Debug("re-marking dependent section", "section", dep.Name, "changed", sec.Name)
				}
				dep.pending = true
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Module) nextPending() *Section {
	for _, sec := range m.Sections {
		if sec.pending {
			return sec
		}
	}
	return nil
}

// ResolveSection runs resolver passes over one section until a fixed point
// is reached. It returns the number of passes used.
func (m *Module) ResolveSection(sec *Section) (int, error) {
	cfg := m.Config
	st := resolveState{phase: FastPhase, fastLimit: cfg.FastPasses}
	for _, a := range sec.Atoms {
		a.pinned = false
		a.safeChanges = 0
	}

	for pass := 1; pass <= cfg.MaxPasses; pass++ {
		done, grew := m.resolvePass(sec, &st)
		if done {
			sec.Passes = pass
			m.Logger.Debug("section resolved", "section", sec.Name, "passes", pass, "phase", st.phase, "size", sec.Size)
			return pass, nil
		}
		if st.phase != FastPhase {
			continue
		}
		if !grew && st.fastLimit < cfg.MaxPasses {
			st.fastLimit++
		}
		if pass >= st.fastLimit {
			st.phase = SafeMode
			m.Logger.Debug("resolver switching to safe mode", "section", sec.Name, "pass", pass)
		}
	}
	sec.Passes = cfg.MaxPasses
	return cfg.MaxPasses, fmt.Errorf("section %q: %w after %d passes", sec.Name, ErrPassBudget, cfg.MaxPasses)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	if r := v % align; r != 0 {
		return v + align - r
	}
	return v
}

// resolvePass walks the atoms once. done is false when any label address or
// atom size changed. grew reports whether an atom became larger.
func (m *Module) resolvePass(sec *Section, st *resolveState) (done, grew bool) {
	done = true
	pc := sec.Origin
	// physical address = logical pc + delta
	var delta uint64
	var org *Atom
	changedOne := false
	sec.Flags &^= SecAbsolute

	for _, a := range sec.Atoms {
		pc = alignUp(pc, a.Align)
		a.Addr = pc
		a.Offset = pc + delta - sec.Origin
		a.inOrg = org != nil

		switch a.Kind {
		case OrgAtom:
			if org != nil {
				diag.Internal("section %q: org block at %s opened inside block from %s",
					sec.Name, diag.FormatLocation(a.Loc), diag.FormatLocation(org.Loc))
			}
			org = a
			delta = pc - a.OrgAddr
			pc = a.OrgAddr
			sec.Flags |= SecAbsolute
			continue
		case OrgEndAtom:
			if org == nil {
				diag.Internal("section %q: org end at %s without org block", sec.Name, diag.FormatLocation(a.Loc))
			}
			pc += delta
			delta = 0
			org = nil
			sec.Flags &^= SecAbsolute
			continue
		case LabelAtom:
			sym := a.Label
			if org != nil || sec.Has(SecUnallocated) {
				sym.Flags |= SymAbsolute
			} else {
				sym.Flags &^= SymAbsolute
			}
			if sym.Value != pc || sym.Section != sec {
				sym.Value = pc
				sym.Section = sec
				done = false
			}
			continue
		}

		size := m.atomSize(sec, a, pc)
		if size != a.LastSize {
			switch {
			case st.phase == FastPhase:
				if size > a.LastSize {
					grew = true
				}
				a.LastSize = size
				a.Changes++
			case !changedOne:
				changedOne = true
				a.LastSize = size
				a.Changes++
				a.pinned = true
				a.safeChanges++
				if a.safeChanges == m.Config.SuspiciousChanges {
					sec.Flags |= SecResolveWarn
					m.Diag.Warnf(a.Loc, "%s atom changed size %d times while resolving section %q",
						a.Kind, a.safeChanges, sec.Name)
				}
			}
			done = false
		}
		pc += a.LastSize
	}

	if org != nil {
		// an org block left open runs to the end of the section
		pc += delta
		sec.Flags &^= SecAbsolute
	}
	sec.PC = pc
	sec.Size = pc - sec.Origin
	return done, grew
}

// atomSize computes the size of a at trial address pc.
func (m *Module) atomSize(sec *Section, a *Atom, pc uint64) uint64 {
	var size uint64
	switch a.Kind {
	case DataAtom:
		size = uint64(len(a.Data.Bytes))
	case SpaceAtom:
		size = a.Space.Count * a.Space.Width
	case InstructionAtom:
		if a.failed {
			return a.LastSize
		}
		min := uint64(0)
		if a.pinned {
			min = a.LastSize
		}
		ctx := &EncodeContext{Module: m, Section: sec, Atom: a, PC: pc, MinSize: min, InOrg: a.inOrg}
		n, err := a.Inst.Encoder.Size(ctx)
		if err != nil {
			a.failed = true
			m.Diag.Errorf(a.Loc, "%s: %v", a.Inst.Mnemonic, err)
			return a.LastSize
		}
		size = n
	case AlignAtom, PrintAtom, AssertAtom:
		return 0
	default:
		diag.Internal("atom kind %s has no size", a.Kind)
	}
	if a.pinned && size < a.LastSize {
		size = a.LastSize
	}
	return size
}
