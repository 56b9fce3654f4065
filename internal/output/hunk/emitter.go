package hunk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/output"
	"github.com/tinyrange/rasm/internal/reloc"
)

type extRef struct {
	sym     *asm.Symbol
	typ     uint8
	offsets []uint32
}

type patch struct {
	ent   *reloc.Entry
	value uint64
}

type hunk struct {
	sec      *asm.Section
	img      *output.Image
	index    uint32
	typ      uint32
	memFlags uint32
	// memLongs is the memory size and fileLongs the number of content
	// longwords written to the file.
	memLongs  uint32
	fileLongs uint32
	data      []byte

	// relocs maps a reloc hunk type to target hunk index to offsets.
	relocs  map[uint32]map[uint32][]uint32
	exts    []*extRef
	defs    []*asm.Symbol
	abs     []*asm.Symbol
	commons []*asm.Symbol
	labels  []*asm.Symbol
	patches []patch
}

func (h *hunk) addReloc(typ, target, off uint32) {
	if h.relocs == nil {
		h.relocs = make(map[uint32]map[uint32][]uint32)
	}
	if h.relocs[typ] == nil {
		h.relocs[typ] = make(map[uint32][]uint32)
	}
	h.relocs[typ][target] = append(h.relocs[typ][target], off)
}

func (h *hunk) addExt(sym *asm.Symbol, typ uint8, off uint32) {
	for _, x := range h.exts {
		if x.sym == sym && x.typ == typ {
			x.offsets = append(x.offsets, off)
			return
		}
	}
	h.exts = append(h.exts, &extRef{sym: sym, typ: typ, offsets: []uint32{off}})
}

type emitter struct {
	exe  bool
	opts Options

	unit  string
	hunks []*hunk
	bySec map[*asm.Section]*hunk
}

func hunkType(sec *asm.Section) uint32 {
	switch {
	case sec.IsUninitialized():
		return HUNK_BSS
	case sec.IsCode():
		return HUNK_CODE
	}
	return HUNK_DATA
}

func memFlags(sec *asm.Section) uint32 {
	switch {
	case sec.Attr.Has(asm.AttrChip):
		return MEMF_CHIP
	case sec.Attr.Has(asm.AttrFast):
		return MEMF_FAST
	}
	return 0
}

func longs(n uint64) uint32 {
	return uint32((n + 3) / 4)
}

func (e *emitter) Layout(job *output.Job) error {
	m := job.Module
	e.bySec = make(map[*asm.Section]*hunk)
	if m.SourceName != "" {
		e.unit = filepath.Base(m.SourceName)
	}
	for i, sec := range output.Sections(m, e.opts.KeepEmpty) {
		if sec.Has(asm.SecOrigin) {
			m.Diag.Warnf(sec.Loc, "hunk output ignores the origin of section %q", sec.Name)
		}
		h := &hunk{
			sec:      sec,
			index:    uint32(i),
			typ:      hunkType(sec),
			memFlags: memFlags(sec),
			memLongs: longs(sec.Size),
			img:      output.BuildImage(m, sec, table),
		}
		e.hunks = append(e.hunks, h)
		e.bySec[sec] = h
	}
	if e.exe && len(e.hunks) == 0 {
		return fmt.Errorf("executable has no sections")
	}

	for _, h := range e.hunks {
		for i := range h.img.Relocs {
			e.translate(m, h, &h.img.Relocs[i])
		}
	}
	e.collectSymbols(m)

	for _, h := range e.hunks {
		h.fileLongs = h.memLongs
		if h.typ == HUNK_BSS {
			h.fileLongs = 0
			continue
		}
		// Stored addends count as content for the trailing zero trim.
		for _, p := range h.patches {
			h.img.Store(m, p.ent, p.value)
		}
		if e.exe && e.opts.DataBSS && h.typ == HUNK_DATA {
			h.fileLongs = longs(uint64(len(trimZero(h.img.Bytes))))
		}
	}
	job.Logger.Debug("hunk layout", "hunks", len(e.hunks), "executable", e.exe)
	return nil
}

// translate sorts one relocation into a reloc hunk or a HUNK_EXT
// reference and records the value stored in its field.
func (e *emitter) translate(m *asm.Module, h *hunk, ent *reloc.Entry) {
	rt := relocTypes[ent.Rule.Type]
	off := uint32(ent.Offset)
	switch ent.Class {
	case reloc.Local:
		target := e.bySec[ent.Sym.Section]
		if rt.hunk == 0 || (e.exe && rt.hunk != HUNK_RELOC32) {
			m.Diag.Errorf(ent.Atom.Loc, "%v for %s: %s reference to %q in another hunk",
				reloc.ErrUnsupported, e.name(), ent.Rule.Name, ent.Sym.Name)
			return
		}
		h.addReloc(rt.hunk, target.index, off)
		v := ent.Sym.Offset() + uint64(ent.Addend)
		if ent.PCRelative() {
			v -= ent.Offset
		}
		h.patches = append(h.patches, patch{ent, v})
	case reloc.External:
		if e.exe {
			m.Diag.Errorf(ent.Atom.Loc, "undefined symbol %q in executable", ent.Sym.Name)
			return
		}
		h.addExt(ent.Sym, rt.ext, off)
		h.patches = append(h.patches, patch{ent, uint64(ent.Addend)})
	default:
		m.Diag.Errorf(ent.Atom.Loc, "%v for %s: %s reference to an absolute address",
			reloc.ErrUnsupported, e.name(), ent.Rule.Name)
	}
}

func (e *emitter) name() string {
	if e.exe {
		return "hunkexe"
	}
	return "hunk"
}

func (e *emitter) collectSymbols(m *asm.Module) {
	for _, sym := range m.Symbols.All() {
		switch {
		case sym.Has(asm.SymCommon):
			if e.exe {
				m.Diag.Errorf(sym.Loc, "common symbol %q in executable", sym.Name)
				continue
			}
			if !e.commonRefs(sym) && len(e.hunks) > 0 {
				e.hunks[0].commons = append(e.hunks[0].commons, sym)
			}
		case sym.Kind == asm.ImportSymbol:
		case sym.Kind == asm.ExprSymbol || sym.Has(asm.SymAbsolute):
			if sym.Has(asm.SymExport|asm.SymWeak) && !e.exe && len(e.hunks) > 0 {
				e.hunks[0].abs = append(e.hunks[0].abs, sym)
			}
		case sym.Kind == asm.LabelSymbol && sym.IsDefined():
			h := e.bySec[sym.Section]
			if h == nil {
				continue
			}
			h.labels = append(h.labels, sym)
			if sym.Has(asm.SymExport|asm.SymWeak) && !e.exe {
				h.defs = append(h.defs, sym)
			}
		}
	}
}

// commonRefs turns the references to a common symbol into EXT_COMMON
// entries of the referencing hunks. It reports whether any were found.
func (e *emitter) commonRefs(sym *asm.Symbol) bool {
	found := false
	for _, h := range e.hunks {
		for _, x := range h.exts {
			if x.sym == sym && x.typ == EXT_REF32 {
				x.typ = EXT_COMMON
				found = true
			}
		}
	}
	return found
}

func trimZero(b []byte) []byte {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return b[:n]
}

func (e *emitter) Construct(job *output.Job) error {
	for _, h := range e.hunks {
		if h.typ == HUNK_BSS {
			continue
		}
		h.data = make([]byte, h.fileLongs*4)
		copy(h.data, h.img.Bytes)
	}
	return nil
}

// writer emits big-endian longwords.
type writer struct {
	buf *bytes.Buffer
}

func (w writer) long(v uint32) {
	w.buf.Write(binary.BigEndian.AppendUint32(nil, v))
}

func (w writer) word(v uint16) {
	w.buf.Write(binary.BigEndian.AppendUint16(nil, v))
}

// name writes s padded to whole longwords, preceded by the longword count
// or'ed with flags.
func (w writer) name(s string, flags uint32) {
	n := longs(uint64(len(s)))
	w.long(flags | n)
	b := make([]byte, n*4)
	copy(b, s)
	w.buf.Write(b)
}

func (e *emitter) Write(job *output.Job, buf *bytes.Buffer) error {
	w := writer{buf}
	if e.exe {
		w.long(HUNK_HEADER)
		w.long(0)
		w.long(uint32(len(e.hunks)))
		w.long(0)
		w.long(uint32(len(e.hunks) - 1))
		for _, h := range e.hunks {
			w.long(h.memLongs | h.memFlags)
		}
	} else {
		w.long(HUNK_UNIT)
		w.name(e.unit, 0)
	}

	for _, h := range e.hunks {
		if !e.exe {
			w.long(HUNK_NAME)
			w.name(h.sec.Name, 0)
		}
		w.long(h.typ)
		if h.typ == HUNK_BSS {
			w.long(h.memLongs | h.memFlags)
		} else {
			w.long(h.fileLongs | h.memFlags)
			buf.Write(h.data)
		}
		e.writeRelocs(w, h)
		if !e.exe {
			e.writeExt(w, h)
		}
		if !e.opts.NoSym && len(h.labels) > 0 {
			w.long(HUNK_SYMBOL)
			for _, sym := range h.labels {
				w.name(sym.Name, 0)
				w.long(uint32(sym.Offset()))
			}
			w.long(0)
		}
		w.long(HUNK_END)
	}
	return nil
}

func sortedKeys(m map[uint32][]uint32) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// shortOK reports whether every offset and hunk index fits 16 bits.
func shortOK(groups map[uint32][]uint32) bool {
	for target, offs := range groups {
		if target > 0xffff || len(offs) > 0xffff {
			return false
		}
		for _, off := range offs {
			if off > 0xffff {
				return false
			}
		}
	}
	return true
}

func (e *emitter) writeRelocs(w writer, h *hunk) {
	types := make([]uint32, 0, len(h.relocs))
	for typ := range h.relocs {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, typ := range types {
		groups := h.relocs[typ]
		if e.exe && typ == HUNK_RELOC32 && !e.opts.Kick1 && shortOK(groups) {
			w.long(HUNK_RELOC32SHORT)
			words := 0
			for _, target := range sortedKeys(groups) {
				offs := groups[target]
				w.word(uint16(len(offs)))
				w.word(uint16(target))
				for _, off := range offs {
					w.word(uint16(off))
				}
				words += 2 + len(offs)
			}
			w.word(0)
			words++
			if words%2 != 0 {
				w.word(0)
			}
			continue
		}
		w.long(typ)
		for _, target := range sortedKeys(groups) {
			offs := groups[target]
			w.long(uint32(len(offs)))
			w.long(target)
			for _, off := range offs {
				w.long(off)
			}
		}
		w.long(0)
	}
}

func (e *emitter) writeExt(w writer, h *hunk) {
	if len(h.exts) == 0 && len(h.defs) == 0 && len(h.abs) == 0 && len(h.commons) == 0 {
		return
	}
	w.long(HUNK_EXT)
	for _, sym := range h.defs {
		w.name(sym.Name, EXT_DEF<<24)
		w.long(uint32(sym.Offset()))
	}
	for _, sym := range h.abs {
		w.name(sym.Name, EXT_ABS<<24)
		w.long(uint32(sym.Value))
	}
	for _, x := range h.exts {
		w.name(x.sym.Name, uint32(x.typ)<<24)
		if x.typ == EXT_COMMON {
			w.long(uint32(x.sym.Size))
		}
		w.long(uint32(len(x.offsets)))
		for _, off := range x.offsets {
			w.long(off)
		}
	}
	for _, sym := range h.commons {
		w.name(sym.Name, EXT_COMMON<<24)
		w.long(uint32(sym.Size))
		w.long(0)
	}
	w.long(0)
}
