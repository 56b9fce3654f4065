package asm

import (
	"fmt"

	"github.com/tinyrange/rasm/internal/diag"
)

// Finalize converts every resolved atom into concrete content. Instructions
// are encoded at their final address, space with relocations is expanded
// into data, and print and assert markers are evaluated. Unallocated
// sections are dropped after their labels have been made absolute.
func (m *Module) Finalize() (err error) {
	defer diag.Recover(&err)

	if m.finalized {
		diag.Internal("module finalized twice")
	}
	m.dropUnallocated()

	for _, sec := range m.Sections {
		var org *Atom
		for _, a := range sec.Atoms {
			switch a.Kind {
			case OrgAtom:
				org = a
			case OrgEndAtom:
				org = nil
			}
			m.finalizeAtom(sec, a)
		}
		if org != nil {
			m.Diag.Errorf(org.Loc, "org block in section %q is not closed", sec.Name)
		}
		m.computeFileSize(sec)
	}
	m.finalized = true
	return nil
}

func (m *Module) finalizeAtom(sec *Section, a *Atom) {
	switch a.Kind {
	case InstructionAtom:
		if a.failed {
			return
		}
		ctx := &EncodeContext{Module: m, Section: sec, Atom: a, PC: a.Addr, MinSize: a.LastSize, InOrg: a.inOrg}
		blk, err := a.Inst.Encoder.Encode(ctx)
		if err != nil {
			m.Diag.Errorf(a.Loc, "%s: %v", a.Inst.Mnemonic, err)
			blk = &DataBlock{}
		}
		if uint64(len(blk.Bytes)) > a.LastSize {
			diag.Internal("%s at %s encoded to %d bytes, resolved size is %d",
				a.Inst.Mnemonic, diag.FormatLocation(a.Loc), len(blk.Bytes), a.LastSize)
		}
		for uint64(len(blk.Bytes)) < a.LastSize {
			blk.Bytes = append(blk.Bytes, 0)
		}
		a.Kind = DataAtom
		a.Data = blk
		a.Inst = nil
	case SpaceAtom:
		if len(a.Space.Relocs) == 0 {
			break
		}
		if a.Space.Uninit {
			m.Diag.Errorf(a.Loc, "uninitialized space cannot carry relocations")
			a.Space.Relocs = nil
			break
		}
		a.Data = &DataBlock{Bytes: a.Space.expand()}
		for i := uint64(0); i < a.Space.Count; i++ {
			for _, r := range a.Space.Relocs {
				r.ByteOffset += i * a.Space.Width
				a.Data.Relocs = append(a.Data.Relocs, r)
			}
		}
		a.Kind = DataAtom
		a.Space = nil
	case PrintAtom:
		m.Logger.Info(a.Message, "section", sec.Name, "addr", fmt.Sprintf("%#x", a.Addr))
	case AssertAtom:
		if a.Check != nil && !a.Check(a.Addr) {
			m.Diag.Errorf(a.Loc, "assertion failed: %s", a.Message)
		}
	}

	if a.Kind == DataAtom {
		if err := validateRelocs(a.Data.Relocs, uint64(len(a.Data.Bytes))); err != nil {
			diag.Internal("%s: %v", diag.FormatLocation(a.Loc), err)
		}
	}
}

// computeFileSize sets FileSize to the end of the last atom that occupies
// file space. Trailing uninitialized space is trimmed from the file image.
func (m *Module) computeFileSize(sec *Section) {
	sec.FileSize = 0
	for _, a := range sec.Atoms {
		size := a.LastSize
		if a.Kind == DataAtom {
			size = uint64(len(a.Data.Bytes))
		}
		if size == 0 || a.IsUninitialized() {
			continue
		}
		if sec.IsUninitialized() {
			if !isZero(a.Bytes()) || len(a.Relocs()) > 0 {
				m.Diag.Errorf(a.Loc, "initialized data in uninitialized section %q", sec.Name)
			}
			continue
		}
		if end := a.Offset + size; end > sec.FileSize {
			sec.FileSize = end
		}
	}
	if sec.IsUninitialized() {
		sec.FileSize = 0
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// MarkUnallocated turns sec into an offset section whose labels are
// absolute values. It is dropped before emission.
func (m *Module) MarkUnallocated(sec *Section) {
	sec.Flags |= SecUnallocated
}

func (m *Module) dropUnallocated() {
	kept := m.Sections[:0]
	for _, sec := range m.Sections {
		if !sec.Has(SecUnallocated) {
			sec.Index = len(kept)
			kept = append(kept, sec)
			continue
		}
		for _, a := range sec.Atoms {
			if a.Kind == LabelAtom {
				a.Label.Flags |= SymAbsolute
			}
			if a.Kind == DataAtom || (a.Kind == SpaceAtom && !a.Space.Uninit) {
				m.Diag.Warnf(a.Loc, "content of unallocated section %q is discarded", sec.Name)
			}
		}
		m.Logger.Debug("dropping unallocated section", "section", sec.Name)
	}
	m.Sections = kept
}

// Image returns the file content of sec with alignment padding filled in
// and no relocations applied. Its length is FileSize.
func (m *Module) Image(sec *Section) []byte {
	img := make([]byte, sec.FileSize)
	prevEnd := uint64(0)
	for _, a := range sec.Atoms {
		if a.Offset > prevEnd && len(a.Fill) > 0 {
			fillPadding(img, prevEnd, a.Offset, a.Fill)
		}
		data := a.Bytes()
		if a.Offset < uint64(len(img)) {
			copy(img[a.Offset:], data)
		}
		if end := a.Offset + uint64(len(data)); end > prevEnd {
			prevEnd = end
		}
		if a.Kind == SpaceAtom || a.Kind == DataAtom {
			if end := a.Offset + a.LastSize; end > prevEnd {
				prevEnd = end
			}
		}
	}
	return img
}

func fillPadding(img []byte, from, to uint64, fill []byte) {
	if to > uint64(len(img)) {
		to = uint64(len(img))
	}
	for i := from; i < to; i++ {
		img[i] = fill[(i-from)%uint64(len(fill))]
	}
}
