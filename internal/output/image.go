package output

import (
	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/diag"
	"github.com/tinyrange/rasm/internal/reloc"
)

// Image is the file content of one section with every relocation that is
// known at assembly time already applied.
type Image struct {
	Section *asm.Section
	Bytes   []byte
	// Relocs are the entries that still need a relocation record.
	Relocs []reloc.Entry
}

// BuildImage translates the relocations of sec with t and applies the
// resolved ones. Unsupported relocations are reported to the module's
// diagnostics and left out of the image.
func BuildImage(m *asm.Module, sec *asm.Section, t *reloc.Table) *Image {
	img := &Image{Section: sec, Bytes: m.Image(sec)}
	entries, err := reloc.Translate(m, sec, t)
	if err != nil {
		m.Logger.Debug("relocation translation incomplete", "section", sec.Name, "err", err)
	}
	for _, e := range entries {
		if !e.Resolved {
			img.Relocs = append(img.Relocs, e)
			continue
		}
		img.Store(m, &e, e.Value())
	}
	return img
}

// Store writes value into the fields of e, reporting values that do not
// fit.
func (img *Image) Store(m *asm.Module, e *reloc.Entry, value uint64) {
	if end := e.End(); end > uint64(len(img.Bytes)) {
		diag.Internal("relocation at %#x ends at %#x past section %q of %d bytes",
			e.Offset, end, img.Section.Name, len(img.Bytes))
	}
	if !reloc.Fits(e.Mask(), value) {
		m.Diag.Errorf(e.Atom.Loc, "value %#x does not fit %s field with mask %#x in section %q",
			value, e.Kind, e.Mask(), img.Section.Name)
		return
	}
	e.Apply(img.Bytes, value, m.Config.BigEndian)
}

// SectionAlign returns the strictest alignment requested by sec or any of
// its atoms.
func SectionAlign(sec *asm.Section) uint64 {
	align := max(sec.Align, 1)
	for _, a := range sec.Atoms {
		align = max(align, a.Align)
	}
	return align
}

// Sections returns the sections worth emitting. Empty sections are
// dropped unless keepEmpty is set or a label lives in them.
func Sections(m *asm.Module, keepEmpty bool) []*asm.Section {
	var out []*asm.Section
	for _, sec := range m.Sections {
		if keepEmpty || sec.Size > 0 || hasLabels(sec) {
			out = append(out, sec)
			continue
		}
		m.Logger.Debug("dropping empty section", "section", sec.Name)
	}
	return out
}

func hasLabels(sec *asm.Section) bool {
	for _, a := range sec.Atoms {
		if a.Kind == asm.LabelAtom {
			return true
		}
	}
	return false
}

// AlignUp rounds v up to a multiple of align.
func AlignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
