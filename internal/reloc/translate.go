package reloc

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rasm/internal/asm"
)

// ErrUnsupported reports descriptors the output format cannot represent.
var ErrUnsupported = errors.New("unsupported relocation")

// Class tells how a relocation's symbol is resolved.
type Class uint8

const (
	// Absolute symbols have a value fixed at assembly time.
	Absolute Class = iota
	// Local symbols are labels inside this object's own sections.
	Local
	// External symbols are imports and commons resolved by the linker.
	External
)

func (c Class) String() string {
	switch c {
	case Absolute:
		return "absolute"
	case Local:
		return "local"
	}
	return "external"
}

// Classify returns the class of a relocation target.
func Classify(sym *asm.Symbol) Class {
	switch {
	case sym == nil || sym.IsAbsolute():
		return Absolute
	case sym.IsLocal():
		return Local
	}
	return External
}

// Entry is one translated relocation.
type Entry struct {
	Atom  *asm.Atom
	Kind  asm.RelocKind
	Class Class
	Sym   *asm.Symbol
	// Addend is the descriptor addend; the symbol value is not folded in.
	Addend int64
	// Offset is the section file offset of the relocated unit and Addr its
	// logical address.
	Offset uint64
	Addr   uint64
	// Parts are the consumed descriptors with section relative offsets.
	Parts []asm.Reloc
	// Rule is nil for resolved entries.
	Rule *Rule
	// Resolved entries are fully computed at assembly time and need no
	// relocation record.
	Resolved bool
}

// PCRelative reports whether the value is relative to the field address.
func (e *Entry) PCRelative() bool {
	return e.Kind.IsPCRelative()
}

// Mask is the union of the parts' masks.
func (e *Entry) Mask() uint64 {
	var m uint64
	for _, p := range e.Parts {
		m |= p.EffectiveMask()
	}
	return m
}

// End returns the section offset just past the relocated unit.
func (e *Entry) End() uint64 {
	if e.Rule != nil {
		return e.Offset + uint64(e.Rule.Bytes)
	}
	var end uint64
	for _, p := range e.Parts {
		end = max(end, p.ByteOffset+p.UnitBytes())
	}
	return end
}

// Value computes the resolved value of the entry using the assembly time
// addresses of the target and the field.
func (e *Entry) Value() uint64 {
	v := uint64(e.Addend)
	if e.Sym != nil {
		v += e.Sym.Value
	}
	if e.PCRelative() {
		v -= e.Addr
	}
	return v
}

// Apply stores value into the parts of the entry. img is the section
// image the part offsets refer to.
func (e *Entry) Apply(img []byte, value uint64, bigEndian bool) {
	for _, p := range e.Parts {
		p.Apply(img, value, bigEndian)
	}
}

// Unsupported is a descriptor no rule of the table matched.
type Unsupported struct {
	Atom  *asm.Atom
	Reloc asm.Reloc
}

// resolvable reports whether r can be computed without a relocation record.
func resolvable(sec *asm.Section, r asm.Reloc) bool {
	sym := r.Sym
	class := Classify(sym)
	if !r.Kind.IsPCRelative() {
		return class == Absolute && (r.Kind == asm.RelocAbs || r.Kind == asm.RelocUAbs)
	}
	if r.Kind != asm.RelocPC && r.Kind != asm.RelocLocalPC {
		return false
	}
	switch class {
	case Local:
		if sym.Section == sec {
			return true
		}
		return sec.Has(asm.SecOrigin) && sym.Section.Has(asm.SecOrigin)
	case Absolute:
		return sec.Has(asm.SecOrigin)
	}
	return false
}

// Translate matches the descriptor chains of every finalized atom of sec
// against t. Descriptors no rule matches are reported together once the
// whole section has been walked, and the returned error wraps
// ErrUnsupported. Entries for the rest of the section are still returned.
func Translate(m *asm.Module, sec *asm.Section, t *Table) ([]Entry, error) {
	var entries []Entry
	var bad []Unsupported

	for _, a := range sec.Atoms {
		chain := a.Relocs()
		if len(chain) == 0 {
			continue
		}
		used := make([]bool, len(chain))
		for i, r := range chain {
			if used[i] {
				continue
			}
			used[i] = true
			e := Entry{
				Atom:   a,
				Kind:   r.Kind,
				Class:  Classify(r.Sym),
				Sym:    r.Sym,
				Addend: r.Addend,
			}
			if resolvable(sec, r) {
				e.Resolved = true
				e.Offset = a.Offset + r.ByteOffset
				e.Addr = a.Addr + r.ByteOffset
				e.Parts = []asm.Reloc{shift(r, a.Offset)}
				entries = append(entries, e)
				continue
			}
			rule, partner, base, ok := t.Match(chain, i, used)
			if !ok {
				bad = append(bad, Unsupported{Atom: a, Reloc: r})
				continue
			}
			e.Rule = rule
			e.Offset = a.Offset + base/8
			e.Addr = a.Addr + base/8
			e.Parts = []asm.Reloc{shift(r, a.Offset)}
			if partner >= 0 {
				used[partner] = true
				e.Parts = append(e.Parts, shift(chain[partner], a.Offset))
			}
			entries = append(entries, e)
		}
	}

	if len(bad) == 0 {
		return entries, nil
	}
	for _, u := range bad {
		name := "<none>"
		if u.Reloc.Sym != nil {
			name = u.Reloc.Sym.Name
		}
		m.Diag.Errorf(u.Atom.Loc, "%v for %s: %s reference to %q (%d bits at bit %d, mask %#x)",
			ErrUnsupported, t.Format, u.Reloc.Kind, name, u.Reloc.Size, u.Reloc.BitOffset, u.Reloc.EffectiveMask())
	}
	return entries, fmt.Errorf("section %q: %d %w(s) for %s", sec.Name, len(bad), ErrUnsupported, t.Format)
}

func shift(r asm.Reloc, off uint64) asm.Reloc {
	r.ByteOffset += off
	return r
}
