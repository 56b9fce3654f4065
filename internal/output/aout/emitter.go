package aout

import (
	"bytes"
	"encoding/binary"

	"github.com/tinyrange/rasm/internal/arch"
	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/output"
	"github.com/tinyrange/rasm/internal/reloc"
)

type segment int

const (
	segText segment = iota
	segData
	segBss
)

var segTypes = [...]uint8{segText: N_TEXT, segData: N_DATA, segBss: N_BSS}

func classify(sec *asm.Section) segment {
	switch {
	case sec.IsUninitialized():
		return segBss
	case sec.IsCode():
		return segText
	}
	return segData
}

type placed struct {
	sec *asm.Section
	img *output.Image
	seg segment
	// addr is the a.out address of the section start: text starts at 0,
	// data follows text and bss follows data.
	addr uint64
	// off is the section start inside its segment.
	off uint64
}

type relocRecord struct {
	addr uint32
	info Info
}

type emitter struct {
	target *arch.Descriptor
	mid    uint32
	order  binary.ByteOrder

	sections  []*placed
	bySection map[*asm.Section]*placed
	segSize   [3]uint64

	syms     []Nlist
	symIndex map[*asm.Symbol]uint32
	strtab   *output.StringTable

	relocs  [2][]relocRecord
	segData [2][]byte
}

func (e *emitter) Layout(job *output.Job) error {
	m := job.Module
	e.bySection = make(map[*asm.Section]*placed)
	for _, sec := range output.Sections(m, false) {
		p := &placed{sec: sec, seg: classify(sec), img: output.BuildImage(m, sec, table)}
		if sec.Has(asm.SecOrigin) {
			m.Diag.Warnf(sec.Loc, "a.out ignores the origin of section %q", sec.Name)
		}
		size := e.segSize[p.seg]
		p.off = output.AlignUp(size, output.SectionAlign(sec))
		e.segSize[p.seg] = p.off + sec.Size
		e.sections = append(e.sections, p)
		e.bySection[sec] = p
	}
	for seg := range e.segSize {
		e.segSize[seg] = output.AlignUp(e.segSize[seg], 4)
	}
	for _, p := range e.sections {
		p.addr = p.off
		if p.seg >= segData {
			p.addr += e.segSize[segText]
		}
		if p.seg == segBss {
			p.addr += e.segSize[segData]
		}
	}
	e.buildSymbols(m)
	for _, p := range e.sections {
		if p.seg == segBss {
			continue
		}
		for i := range p.img.Relocs {
			e.relocs[p.seg] = append(e.relocs[p.seg], e.record(p, &p.img.Relocs[i]))
		}
	}
	job.Logger.Debug("a.out layout", "text", e.segSize[segText], "data", e.segSize[segData],
		"bss", e.segSize[segBss], "symbols", len(e.syms))
	return nil
}

func (e *emitter) symAddr(sym *asm.Symbol) uint64 {
	return e.bySection[sym.Section].addr + sym.Offset()
}

func (e *emitter) buildSymbols(m *asm.Module) {
	e.strtab = output.NewPrefixedStringTable(4)
	e.symIndex = make(map[*asm.Symbol]uint32)
	used := make(map[*asm.Symbol]bool)
	for _, p := range e.sections {
		for _, r := range p.img.Relocs {
			if r.Sym != nil {
				used[r.Sym] = true
			}
		}
	}

	for _, sym := range m.Symbols.All() {
		n := Nlist{}
		switch {
		case sym.Has(asm.SymCommon):
			n.Type = N_UNDF | N_EXT
			n.Value = uint32(sym.Size)
		case sym.Kind == asm.ImportSymbol:
			if !sym.Has(asm.SymDeclared) && !used[sym] {
				continue
			}
			n.Type = N_UNDF | N_EXT
		case sym.IsAbsolute():
			n.Type = N_ABS
			n.Value = uint32(sym.Value)
		default:
			p := e.bySection[sym.Section]
			if p == nil {
				continue
			}
			n.Type = segTypes[p.seg]
			n.Value = uint32(e.symAddr(sym))
		}
		if sym.Has(asm.SymWeak) {
			m.Diag.Warnf(sym.Loc, "a.out has no weak binding, %q is exported as global", sym.Name)
		}
		if sym.Has(asm.SymExport | asm.SymWeak) {
			n.Type |= N_EXT
		}
		n.Strx = e.strtab.Add(sym.Name)
		e.symIndex[sym] = uint32(len(e.syms))
		e.syms = append(e.syms, n)
	}
}

// record builds the relocation record for ent. Local and absolute targets
// are relocated against their segment; their address is stored in the
// field during construction.
func (e *emitter) record(p *placed, ent *reloc.Entry) relocRecord {
	info := Info{
		Length:  ent.Rule.Type & 3,
		PCRel:   ent.Rule.Type&typePCRel != 0,
		BaseRel: ent.Rule.Type&typeBaseRel != 0,
	}
	switch ent.Class {
	case reloc.External:
		info.Extern = true
		info.Symnum = e.symIndex[ent.Sym]
	case reloc.Local:
		info.Symnum = uint32(segTypes[e.bySection[ent.Sym.Section].seg])
	default:
		info.Symnum = N_ABS
	}
	return relocRecord{addr: uint32(p.off + ent.Offset), info: info}
}

// stored is the value written into the field of ent.
func (e *emitter) stored(p *placed, ent *reloc.Entry) uint64 {
	v := uint64(ent.Addend)
	switch ent.Class {
	case reloc.Local:
		v += e.symAddr(ent.Sym)
	case reloc.Absolute:
		if ent.Sym != nil {
			v += ent.Sym.Value
		}
	}
	if ent.PCRelative() {
		v -= p.addr + ent.Offset
	}
	return v
}

func (e *emitter) Construct(job *output.Job) error {
	m := job.Module
	for seg := segText; seg <= segData; seg++ {
		e.segData[seg] = make([]byte, e.segSize[seg])
	}
	for _, p := range e.sections {
		if p.seg == segBss {
			continue
		}
		for i := range p.img.Relocs {
			ent := &p.img.Relocs[i]
			p.img.Store(m, ent, e.stored(p, ent))
		}
		copy(e.segData[p.seg][p.off:], p.img.Bytes)
	}
	return nil
}

func (e *emitter) Write(job *output.Job, buf *bytes.Buffer) error {
	be := e.target.BigEndian
	hdr := Header{
		Midmag: Midmag(0, e.mid, OMAGIC),
		Text:   uint32(e.segSize[segText]),
		Data:   uint32(e.segSize[segData]),
		Bss:    uint32(e.segSize[segBss]),
		Syms:   uint32(len(e.syms) * NlistSize),
		Trsize: uint32(len(e.relocs[segText]) * RelocSize),
		Drsize: uint32(len(e.relocs[segData]) * RelocSize),
	}
	binary.Write(buf, e.order, hdr)
	buf.Write(e.segData[segText])
	buf.Write(e.segData[segData])
	for seg := segText; seg <= segData; seg++ {
		for _, r := range e.relocs[seg] {
			binary.Write(buf, e.order, [2]uint32{r.addr, r.info.Pack(be)})
		}
	}
	for _, n := range e.syms {
		binary.Write(buf, e.order, n)
	}
	binary.Write(buf, e.order, e.strtab.Size())
	buf.Write(e.strtab.Bytes())
	return nil
}
