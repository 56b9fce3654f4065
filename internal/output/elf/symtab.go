package elf

import (
	"debug/elf"
	"path/filepath"

	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/output"
)

// symbol is a class independent symbol table entry.
type symbol struct {
	name  uint32
	value uint64
	size  uint64
	bind  elf.SymBind
	typ   elf.SymType
	shndx elf.SectionIndex
	sym   *asm.Symbol
}

func (s symbol) info() uint8 {
	return elf.ST_INFO(s.bind, s.typ)
}

func symType(sym *asm.Symbol) elf.SymType {
	switch sym.Type {
	case asm.TypeObject:
		return elf.STT_OBJECT
	case asm.TypeFunc:
		return elf.STT_FUNC
	}
	return elf.STT_NOTYPE
}

func symBind(sym *asm.Symbol) elf.SymBind {
	if sym.Has(asm.SymWeak) {
		return elf.STB_WEAK
	}
	if sym.IsGlobal() {
		return elf.STB_GLOBAL
	}
	return elf.STB_LOCAL
}

// buildSymbols fills the symbol table. Locals come first as ELF requires;
// firstGlobal ends up as the index of the first non-local entry.
func (e *emitter) buildSymbols(m *asm.Module, referenced map[*asm.Symbol]bool) {
	e.strtab = output.NewStringTable()
	e.symbols = []symbol{{}}
	e.symIndex = make(map[*asm.Symbol]uint32)

	if m.SourceName != "" {
		e.symbols = append(e.symbols, symbol{
			name:  e.strtab.Add(filepath.Base(m.SourceName)),
			bind:  elf.STB_LOCAL,
			typ:   elf.STT_FILE,
			shndx: elf.SHN_ABS,
		})
	}
	for _, ps := range e.sections {
		ps.symIndex = uint32(len(e.symbols))
		e.symbols = append(e.symbols, symbol{
			bind:  elf.STB_LOCAL,
			typ:   elf.STT_SECTION,
			shndx: elf.SectionIndex(ps.index),
		})
	}

	all := m.Symbols.All()
	for _, sym := range all {
		if sym.IsGlobal() {
			continue
		}
		switch {
		case sym.Kind == asm.LabelSymbol && sym.IsDefined():
			if e.opts.NoLocals && !(sym.IsAbsolute() && referenced[sym]) {
				continue
			}
			e.add(sym, elf.STB_LOCAL)
		case sym.Kind == asm.ExprSymbol:
			if e.opts.NoLocals && !referenced[sym] {
				continue
			}
			e.add(sym, elf.STB_LOCAL)
		}
	}
	e.firstGlobal = uint32(len(e.symbols))

	for _, sym := range all {
		if !sym.IsGlobal() {
			continue
		}
		if sym.Kind == asm.ImportSymbol && !sym.Has(asm.SymCommon|asm.SymExport|asm.SymWeak|asm.SymDeclared) && !referenced[sym] {
			continue
		}
		e.add(sym, symBind(sym))
	}
}

func (e *emitter) add(sym *asm.Symbol, bind elf.SymBind) {
	s := symbol{
		name: e.strtab.Add(sym.Name),
		bind: bind,
		typ:  symType(sym),
		size: sym.Size,
		sym:  sym,
	}
	switch {
	case sym.Has(asm.SymCommon):
		s.shndx = elf.SHN_COMMON
		s.value = sym.Align
		s.typ = elf.STT_OBJECT
	case sym.Kind == asm.ImportSymbol:
		s.shndx = elf.SHN_UNDEF
	case sym.IsAbsolute():
		s.shndx = elf.SHN_ABS
		s.value = sym.Value
	default:
		ps := e.bySection[sym.Section]
		if ps == nil {
			// label of a dropped empty section
			return
		}
		s.shndx = elf.SectionIndex(ps.index)
		s.value = sym.Offset()
	}
	e.symIndex[sym] = uint32(len(e.symbols))
	e.symbols = append(e.symbols, s)
}

// referenced collects the symbols named by relocation records.
func referenced(images []*output.Image) map[*asm.Symbol]bool {
	out := make(map[*asm.Symbol]bool)
	for _, img := range images {
		for _, r := range img.Relocs {
			if r.Sym != nil {
				out[r.Sym] = true
			}
		}
	}
	return out
}
