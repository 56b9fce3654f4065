package asm

import (
	"log/slog"

	"github.com/pattyshack/gt/parseutil"

	"github.com/tinyrange/rasm/internal/diag"
)

const (
	DefaultMaxPasses         = 1000
	DefaultFastPasses        = 200
	DefaultSuspiciousChanges = 10
)

// Config controls the module's target properties and resolver policy.
type Config struct {
	BigEndian bool
	// AddrBytes is the size of a target address in bytes.
	AddrBytes int

	MaxPasses         int
	FastPasses        int
	SuspiciousChanges int

	// UnnamedSections de-duplicates sections by attributes alone.
	UnnamedSections bool
}

func (c Config) withDefaults() Config {
	if c.AddrBytes == 0 {
		c.AddrBytes = 4
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = DefaultMaxPasses
	}
	if c.FastPasses <= 0 {
		c.FastPasses = DefaultFastPasses
	}
	if c.FastPasses > c.MaxPasses {
		c.FastPasses = c.MaxPasses
	}
	if c.SuspiciousChanges <= 0 {
		c.SuspiciousChanges = DefaultSuspiciousChanges
	}
	return c
}

// Module is the assembly state shared by the resolver, the relocation
// translator and the emitters.
type Module struct {
	Config   Config
	Sections []*Section
	Symbols  SymbolTable
	Diag     *diag.Reporter
	Logger   *slog.Logger

	// SourceName names the primary input. Emitters use it for file symbols.
	SourceName string

	// OnSectionResolved is called each time a section converges.
	OnSectionResolved func(sec *Section)

	finalized bool
}

func NewModule(cfg Config, rep *diag.Reporter, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	if rep == nil {
		rep = diag.NewReporter(logger)
	}
	return &Module{
		Config: cfg.withDefaults(),
		Diag:   rep,
		Logger: logger,
	}
}

// Section returns the section matching name and attributes, creating it on
// first use. Malformed attributes are reported and the section is created
// with read/write data attributes.
func (m *Module) Section(name, attrs string, loc parseutil.Location) *Section {
	attr, err := ParseAttr(attrs)
	if err != nil {
		m.Diag.Errorf(loc, "%v", err)
		attr = AttrAlloc | AttrRead | AttrWrite
	}
	for _, s := range m.Sections {
		if s.Attr != attr {
			if !m.Config.UnnamedSections && s.Name == name {
				m.Diag.Errorf(loc, "section %q reopened with attributes %q, was %q", name, attr, s.Attr)
				return s
			}
			continue
		}
		if m.Config.UnnamedSections || s.Name == name {
			return s
		}
	}
	if m.Config.UnnamedSections {
		name = defaultSectionName(attr)
	}
	sec := &Section{
		Name:  name,
		Attr:  attr,
		Align: 1,
		Index: len(m.Sections),
		Loc:   loc,
	}
	m.Sections = append(m.Sections, sec)
	return sec
}

func defaultSectionName(attr Attr) string {
	switch {
	case attr.Has(AttrExec | AttrCode):
		return ".text"
	case attr.Has(AttrUninit):
		return ".bss"
	default:
		return ".data"
	}
}

// SectionByName finds a section without creating one.
func (m *Module) SectionByName(name string) *Section {
	for _, s := range m.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SetOrigin places the section at a fixed address.
func (m *Module) SetOrigin(sec *Section, origin uint64) {
	sec.Origin = origin
	sec.PC = origin
	sec.Flags |= SecOrigin
}

// Append adds an atom to the end of a section.
func (m *Module) Append(sec *Section, a *Atom) *Atom {
	if m.finalized {
		diag.Internal("atom appended to %s after finalization", sec.Name)
	}
	return sec.Append(a)
}

// DefineLabel binds name to the current end of sec.
func (m *Module) DefineLabel(sec *Section, name string, loc parseutil.Location) *Symbol {
	sym := m.Symbols.Get(name)
	switch {
	case sym.defined:
		m.Diag.Errorf(loc, "symbol %q redefined (previous definition at %s)", name, diag.FormatLocation(sym.Loc))
		return sym
	case sym.Has(SymCommon):
		m.Diag.Errorf(loc, "common symbol %q cannot be defined as a label", name)
		return sym
	case sym.Kind == ImportSymbol && sym.Has(SymDeclared):
		m.Diag.Errorf(loc, "imported symbol %q cannot be defined", name)
		return sym
	case sym.Kind != ImportSymbol:
		diag.Internal("symbol %q: transition from %s to label", name, sym.Kind)
	}
	sym.Kind = LabelSymbol
	sym.Section = sec
	sym.Value = sec.Origin
	sym.Loc = loc
	sym.defined = true
	if sec.Has(SecUnallocated) {
		sym.Flags |= SymAbsolute
	}
	m.Append(sec, &Atom{Kind: LabelAtom, Loc: loc, Label: sym})
	return sym
}

// Import declares an external symbol.
func (m *Module) Import(name string, loc parseutil.Location) *Symbol {
	sym := m.Symbols.Get(name)
	if sym.defined {
		m.Diag.Errorf(loc, "symbol %q is defined and cannot be imported", name)
		return sym
	}
	sym.Flags |= SymDeclared
	if sym.Loc.FileName == "" {
		sym.Loc = loc
	}
	return sym
}

// Export makes a symbol visible to the linker.
func (m *Module) Export(name string, weak bool, loc parseutil.Location) *Symbol {
	sym := m.Symbols.Get(name)
	if sym.Has(SymLocal) {
		m.Diag.Errorf(loc, "local symbol %q cannot be exported", name)
		return sym
	}
	if weak {
		sym.Flags |= SymWeak
	} else {
		sym.Flags |= SymExport
	}
	return sym
}

// Local forces a symbol to stay out of the global symbol table.
func (m *Module) Local(name string, loc parseutil.Location) *Symbol {
	sym := m.Symbols.Get(name)
	if sym.Has(SymExport | SymWeak | SymCommon) {
		m.Diag.Errorf(loc, "global symbol %q cannot be made local", name)
		return sym
	}
	sym.Flags |= SymLocal
	return sym
}

// Common declares a common symbol with a size and alignment. Its address is
// decided by the linker.
func (m *Module) Common(name string, size, align uint64, loc parseutil.Location) *Symbol {
	sym := m.Symbols.Get(name)
	if sym.defined {
		m.Diag.Errorf(loc, "symbol %q is defined and cannot be common", name)
		return sym
	}
	sym.Flags |= SymCommon | SymDeclared
	sym.Size = size
	if align == 0 {
		align = uint64(m.Config.AddrBytes)
	}
	sym.Align = align
	sym.Loc = loc
	return sym
}

// SetAbsolute defines name as an absolute expression symbol.
func (m *Module) SetAbsolute(name string, value uint64, loc parseutil.Location) *Symbol {
	sym := m.Symbols.Get(name)
	if sym.defined && sym.Kind != ExprSymbol {
		m.Diag.Errorf(loc, "symbol %q redefined as an absolute value", name)
		return sym
	}
	if sym.Has(SymCommon) || sym.Has(SymDeclared) && sym.Kind == ImportSymbol {
		m.Diag.Errorf(loc, "external symbol %q cannot be given a value", name)
		return sym
	}
	sym.Kind = ExprSymbol
	sym.Value = value
	sym.Loc = loc
	sym.defined = true
	return sym
}

// Ref returns the named symbol for use in an expression, creating an
// undefined import on first reference.
func (m *Module) Ref(name string) *Symbol {
	return m.Symbols.Get(name)
}

// Depend records that from must be re-resolved when on changes.
func (m *Module) Depend(from, on *Section) {
	if from == nil || on == nil || from == on {
		return
	}
	if !on.dependents.has(from.Index) {
		m.Logger.Debug("section dependency", "section", from.Name, "on", on.Name)
	}
	on.dependents.add(from.Index)
}

// Finalized reports whether Finalize completed.
func (m *Module) Finalized() bool {
	return m.finalized
}
