package asm

import (
	"fmt"

	"github.com/pattyshack/gt/parseutil"
)

type SymbolKind uint8

const (
	// LabelSymbol is bound to a position inside one section.
	LabelSymbol SymbolKind = iota
	// ImportSymbol is resolved by the linker.
	ImportSymbol
	// ExprSymbol carries an absolute value.
	ExprSymbol
)

func (k SymbolKind) String() string {
	switch k {
	case LabelSymbol:
		return "label"
	case ImportSymbol:
		return "import"
	case ExprSymbol:
		return "expression"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type SymbolFlags uint16

const (
	SymExport SymbolFlags = 1 << iota
	SymWeak
	SymLocal
	SymCommon
	// SymAbsolute marks labels whose address was fixed by an org block or an
	// unallocated section. They are never relocated.
	SymAbsolute
	// SymDeclared marks imports that were declared explicitly rather than
	// created by a forward reference.
	SymDeclared
)

type SymbolType uint8

const (
	TypeNone SymbolType = iota
	TypeObject
	TypeFunc
)

type Symbol struct {
	Name    string
	Kind    SymbolKind
	Flags   SymbolFlags
	Type    SymbolType
	Section *Section
	// Value is the address of a label (including the section origin) or the
	// value of an expression symbol.
	Value uint64
	Size  uint64
	Align uint64
	Loc   parseutil.Location

	defined bool
}

func (s *Symbol) Has(f SymbolFlags) bool {
	return s.Flags&f != 0
}

// IsDefined reports whether the symbol has a definition in this module.
func (s *Symbol) IsDefined() bool {
	return s.defined
}

// IsLocal reports whether the symbol resolves to a relocatable address
// inside this module's own sections.
func (s *Symbol) IsLocal() bool {
	return s.Kind == LabelSymbol && s.Section != nil && !s.Has(SymCommon|SymAbsolute)
}

// IsExternal reports whether the symbol requires linker resolution.
func (s *Symbol) IsExternal() bool {
	return s.Kind == ImportSymbol || s.Has(SymCommon)
}

// IsAbsolute reports whether the symbol has a fixed value that needs no
// relocation.
func (s *Symbol) IsAbsolute() bool {
	return s.Kind == ExprSymbol || (s.Kind == LabelSymbol && s.Has(SymAbsolute))
}

// IsGlobal reports whether the symbol is visible to the linker.
func (s *Symbol) IsGlobal() bool {
	return s.Has(SymExport|SymWeak|SymCommon) || s.Kind == ImportSymbol
}

// Offset returns the label's address relative to its section origin.
func (s *Symbol) Offset() uint64 {
	if s.Section == nil {
		return s.Value
	}
	return s.Value - s.Section.Origin
}

// SymbolTable is the module-wide symbol registry. Symbols are owned by the
// table and keep their index for the lifetime of the module.
type SymbolTable struct {
	syms  []*Symbol
	index map[string]int
}

func (t *SymbolTable) Lookup(name string) *Symbol {
	if idx, ok := t.index[name]; ok {
		return t.syms[idx]
	}
	return nil
}

// Get returns the named symbol, creating an undefined import when it does
// not exist yet.
func (t *SymbolTable) Get(name string) *Symbol {
	if sym := t.Lookup(name); sym != nil {
		return sym
	}
	if t.index == nil {
		t.index = make(map[string]int)
	}
	sym := &Symbol{Name: name, Kind: ImportSymbol}
	t.index[name] = len(t.syms)
	t.syms = append(t.syms, sym)
	return sym
}

// All returns the symbols in creation order.
func (t *SymbolTable) All() []*Symbol {
	return append([]*Symbol(nil), t.syms...)
}

func (t *SymbolTable) Len() int {
	return len(t.syms)
}
