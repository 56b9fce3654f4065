package asm

import (
	"fmt"

	"github.com/pattyshack/gt/parseutil"
)

type AtomKind uint8

const (
	LabelAtom AtomKind = iota
	DataAtom
	SpaceAtom
	InstructionAtom
	OrgAtom
	OrgEndAtom
	AlignAtom
	PrintAtom
	AssertAtom
)

var atomKindNames = [...]string{
	LabelAtom:       "label",
	DataAtom:        "data",
	SpaceAtom:       "space",
	InstructionAtom: "instruction",
	OrgAtom:         "org",
	OrgEndAtom:      "orgend",
	AlignAtom:       "align",
	PrintAtom:       "print",
	AssertAtom:      "assert",
}

func (k AtomKind) String() string {
	if int(k) < len(atomKindNames) {
		return atomKindNames[k]
	}
	return fmt.Sprintf("atom(%d)", uint8(k))
}

// Atom is one fragment of a section.
type Atom struct {
	Kind    AtomKind
	Section *Section
	Loc     parseutil.Location
	// Align is applied to the program counter before the atom.
	Align uint64
	// Fill is the pattern used for alignment padding before the atom.
	Fill []byte

	LastSize uint64
	Changes  int

	// Addr is the logical address and Offset the physical section offset of
	// the atom's first byte. Both are final only after resolution.
	Addr   uint64
	Offset uint64

	Label   *Symbol
	Data    *DataBlock
	Space   *SpaceBlock
	Inst    *Instruction
	OrgAddr uint64
	Message string
	Check   func(addr uint64) bool

	pinned      bool
	safeChanges int
	failed      bool
	inOrg       bool
}

type DataBlock struct {
	Bytes  []byte
	Relocs []Reloc
}

// SpaceBlock repeats Fill Count times. Each element is Width bytes; Relocs
// describe fields of one element and repeat with it.
type SpaceBlock struct {
	Count  uint64
	Width  uint64
	Fill   []byte
	Uninit bool
	Relocs []Reloc
}

// Instruction is an architecture owned payload that is sized and encoded by
// its Encoder.
type Instruction struct {
	Mnemonic string
	Operands []string
	Encoder  Encoder
}

// Encoder sizes and encodes one instruction.
//
// Size may be called many times with different trial addresses. Encode is
// called once after resolution; it must return exactly ctx.MinSize bytes or
// fewer when it cannot honor the size, in which case the atom is padded.
type Encoder interface {
	Size(ctx *EncodeContext) (uint64, error)
	Encode(ctx *EncodeContext) (*DataBlock, error)
}

// EncodeContext gives encoders access to the module while an atom is being
// sized or encoded.
type EncodeContext struct {
	Module  *Module
	Section *Section
	Atom    *Atom
	// PC is the trial address of the atom.
	PC uint64
	// MinSize is the smallest size the resolver will accept.
	MinSize uint64
	// InOrg is set when the atom sits inside an org block, so PC is an
	// absolute address.
	InOrg bool
}

// Address resolves sym to an address when it is known at assembly time.
// References to labels of other placed sections record a layout dependency.
func (c *EncodeContext) Address(sym *Symbol) (uint64, bool) {
	switch {
	case sym == nil:
		return 0, false
	case sym.Kind == ExprSymbol:
		return sym.Value, true
	case sym.Kind != LabelSymbol || sym.Section == nil:
		return 0, false
	case sym.Has(SymAbsolute):
		return sym.Value, true
	case sym.Section == c.Section:
		return sym.Value, true
	case sym.Section.Has(SecOrigin) && c.Section.Has(SecOrigin):
		c.Module.Depend(c.Section, sym.Section)
		return sym.Value, true
	}
	return 0, false
}

// Distance returns sym+addend-from when both addresses are comparable at
// assembly time: the target is in the same section, or the atom itself sits
// at a known address and the target address is known.
func (c *EncodeContext) Distance(sym *Symbol, addend int64, from uint64) (int64, bool) {
	if c.SameSection(sym) && !c.InOrg {
		return int64(sym.Value) + addend - int64(from), true
	}
	if !c.Section.Has(SecOrigin) && !c.InOrg {
		return 0, false
	}
	addr, ok := c.Address(sym)
	if !ok || c.SameSection(sym) {
		return 0, false
	}
	return int64(addr) + addend - int64(from), true
}

// SameSection reports whether sym is a relocatable label of the atom's own
// section.
func (c *EncodeContext) SameSection(sym *Symbol) bool {
	return sym != nil && sym.Kind == LabelSymbol && sym.Section == c.Section && !sym.Has(SymAbsolute)
}

func NewData(loc parseutil.Location, data []byte, relocs ...Reloc) *Atom {
	return &Atom{
		Kind: DataAtom,
		Loc:  loc,
		Data: &DataBlock{Bytes: data, Relocs: relocs},
	}
}

func NewSpace(loc parseutil.Location, count, width uint64, fill []byte, uninit bool) *Atom {
	if width == 0 {
		width = 1
	}
	return &Atom{
		Kind:  SpaceAtom,
		Loc:   loc,
		Space: &SpaceBlock{Count: count, Width: width, Fill: fill, Uninit: uninit},
	}
}

func NewInstruction(loc parseutil.Location, mnemonic string, operands []string, enc Encoder) *Atom {
	return &Atom{
		Kind: InstructionAtom,
		Loc:  loc,
		Inst: &Instruction{Mnemonic: mnemonic, Operands: operands, Encoder: enc},
	}
}

func NewAlign(loc parseutil.Location, align uint64, fill []byte) *Atom {
	return &Atom{Kind: AlignAtom, Loc: loc, Align: align, Fill: fill}
}

func NewOrg(loc parseutil.Location, addr uint64) *Atom {
	return &Atom{Kind: OrgAtom, Loc: loc, OrgAddr: addr}
}

func NewOrgEnd(loc parseutil.Location) *Atom {
	return &Atom{Kind: OrgEndAtom, Loc: loc}
}

func NewPrint(loc parseutil.Location, msg string) *Atom {
	return &Atom{Kind: PrintAtom, Loc: loc, Message: msg}
}

func NewAssert(loc parseutil.Location, msg string, check func(addr uint64) bool) *Atom {
	return &Atom{Kind: AssertAtom, Loc: loc, Message: msg, Check: check}
}

// Relocs returns the descriptors attached to a data atom.
func (a *Atom) Relocs() []Reloc {
	if a.Data == nil {
		return nil
	}
	return a.Data.Relocs
}

// Bytes returns the concrete content of a finalized atom. Uninitialized
// space has no content.
func (a *Atom) Bytes() []byte {
	switch a.Kind {
	case DataAtom:
		return a.Data.Bytes
	case SpaceAtom:
		if a.Space.Uninit {
			return nil
		}
		return a.Space.expand()
	}
	return nil
}

// IsUninitialized reports whether the atom occupies no file space.
func (a *Atom) IsUninitialized() bool {
	return a.Kind == SpaceAtom && a.Space.Uninit
}

func (s *SpaceBlock) element() []byte {
	el := make([]byte, s.Width)
	if len(s.Fill) > 0 {
		for i := range el {
			el[i] = s.Fill[i%len(s.Fill)]
		}
	}
	return el
}

func (s *SpaceBlock) expand() []byte {
	el := s.element()
	out := make([]byte, 0, s.Count*s.Width)
	for i := uint64(0); i < s.Count; i++ {
		out = append(out, el...)
	}
	return out
}
