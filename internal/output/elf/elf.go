// Package elf writes relocatable ELF32 and ELF64 objects.
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"flag"
	"fmt"
	"math"

	"github.com/tinyrange/rasm/internal/arch"
	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/output"
	"github.com/tinyrange/rasm/internal/reloc"
)

// ARM EABI version 5.
const armEABI5 = 0x05000000

// Options controls the emitted object.
type Options struct {
	// KeepEmpty keeps sections without content or labels.
	KeepEmpty bool
	// NoLocals omits local labels from the symbol table.
	NoLocals bool
}

type Format struct {
	Options Options
}

func New() *Format {
	return &Format{}
}

func (f *Format) Name() string { return "elf" }

func (f *Format) Description() string {
	return "ELF relocatable object (ELF32 or ELF64 by target)"
}

func (f *Format) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&f.Options.KeepEmpty, "keepempty", f.Options.KeepEmpty, "keep empty sections")
	fs.BoolVar(&f.Options.NoLocals, "nolocals", f.Options.NoLocals, "do not write local labels to the symbol table")
}

func (f *Format) Supports(target *arch.Descriptor) error {
	if target.ELFMachine == elf.EM_NONE {
		return fmt.Errorf("elf: no ELF machine for cpu %s", target.Name)
	}
	if _, ok := Table(target.ELFMachine); !ok {
		return fmt.Errorf("elf: no relocation table for %s", target.ELFMachine)
	}
	return nil
}

func (f *Format) NewEmitter(target *arch.Descriptor) output.Emitter {
	e := &emitter{opts: f.Options, target: target, class: target.ELFClass, rela: target.ELFRela}
	e.order = binary.ByteOrder(binary.LittleEndian)
	if target.BigEndian {
		e.order = binary.BigEndian
	}
	return e
}

type progSection struct {
	sec   *asm.Section
	img   *output.Image
	index uint16
	// symIndex is the index of the section symbol.
	symIndex uint32
	off      uint64
	size     uint64
	data     []byte

	relocs   []record
	relIndex uint16
	relOff   uint64
	relData  []byte
}

// record is a class independent relocation record.
type record struct {
	off    uint64
	sym    uint32
	typ    uint32
	addend int64
}

type header struct {
	name      uint32
	typ       elf.SectionType
	flags     elf.SectionFlag
	addr      uint64
	off       uint64
	size      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

type emitter struct {
	opts   Options
	target *arch.Descriptor
	class  elf.Class
	order  binary.ByteOrder
	rela   bool

	sections  []*progSection
	bySection map[*asm.Section]*progSection

	symbols     []symbol
	symIndex    map[*asm.Symbol]uint32
	firstGlobal uint32
	strtab      *output.StringTable
	shstrtab    *output.StringTable

	symtabIndex, strtabIndex, shstrtabIndex uint16
	symtabOff, strtabOff, shstrtabOff      uint64
	symtabData                             []byte
	headers                                []header
	shoff                                  uint64
}

func (e *emitter) is64() bool {
	return e.class == elf.ELFCLASS64
}

func (e *emitter) wordAlign() uint64 {
	if e.is64() {
		return 8
	}
	return 4
}

func (e *emitter) ehsize() uint64 {
	if e.is64() {
		return 64
	}
	return 52
}

func (e *emitter) shentsize() uint64 {
	if e.is64() {
		return 64
	}
	return 40
}

func (e *emitter) symentsize() uint64 {
	if e.is64() {
		return 24
	}
	return 16
}

func (e *emitter) relentsize() uint64 {
	switch {
	case e.is64() && e.rela:
		return 24
	case e.is64():
		return 16
	case e.rela:
		return 12
	}
	return 8
}

func (e *emitter) Layout(job *output.Job) error {
	m := job.Module
	table, _ := Table(e.target.ELFMachine)

	e.bySection = make(map[*asm.Section]*progSection)
	var images []*output.Image
	for i, sec := range output.Sections(m, e.opts.KeepEmpty) {
		ps := &progSection{sec: sec, index: uint16(i + 1), img: output.BuildImage(m, sec, table)}
		e.sections = append(e.sections, ps)
		e.bySection[sec] = ps
		images = append(images, ps.img)
	}
	e.buildSymbols(m, referenced(images))

	for _, ps := range e.sections {
		for i := range ps.img.Relocs {
			ps.relocs = append(ps.relocs, e.record(m, &ps.img.Relocs[i]))
		}
	}

	// section header indices follow the program sections
	next := uint16(len(e.sections) + 1)
	for _, ps := range e.sections {
		if len(ps.relocs) > 0 {
			ps.relIndex = next
			next++
		}
	}
	e.symtabIndex, e.strtabIndex, e.shstrtabIndex = next, next+1, next+2
	e.buildHeaders()

	off := e.ehsize()
	for _, ps := range e.sections {
		ps.size = ps.sec.Size
		if ps.sec.IsUninitialized() {
			ps.off = off
			continue
		}
		off = output.AlignUp(off, output.SectionAlign(ps.sec))
		ps.off = off
		off += ps.size
	}
	for _, ps := range e.sections {
		if ps.relIndex == 0 {
			continue
		}
		off = output.AlignUp(off, e.wordAlign())
		ps.relOff = off
		off += uint64(len(ps.relocs)) * e.relentsize()
	}
	off = output.AlignUp(off, e.wordAlign())
	e.symtabOff = off
	off += uint64(len(e.symbols)) * e.symentsize()
	e.strtabOff = off
	off += uint64(e.strtab.Size())
	e.shstrtabOff = off
	off += uint64(e.shstrtab.Size())
	e.shoff = output.AlignUp(off, e.wordAlign())

	e.patchHeaders()
	job.Logger.Debug("elf layout", "sections", len(e.headers), "symbols", len(e.symbols), "shoff", e.shoff)
	return nil
}

// record converts a translated entry into a relocation record. References
// to local labels go through the section symbol with the label's offset
// folded into the addend.
func (e *emitter) record(m *asm.Module, ent *reloc.Entry) record {
	r := record{off: ent.Offset, typ: ent.Rule.Type, addend: ent.Addend}
	sym := ent.Sym
	switch {
	case sym == nil:
	case ent.Class == reloc.Local && !sym.IsGlobal():
		r.sym = e.bySection[sym.Section].symIndex
		r.addend += int64(sym.Offset())
	default:
		idx, ok := e.symIndex[sym]
		if !ok {
			m.Diag.Errorf(ent.Atom.Loc, "relocation against %q, which has no symbol table entry", sym.Name)
		}
		r.sym = idx
	}
	if !e.is64() && (r.addend < math.MinInt32 || r.addend > math.MaxInt32) {
		m.Diag.Errorf(ent.Atom.Loc, "addend %d of %s relocation does not fit 32 bits", r.addend, ent.Rule.Name)
	}
	return r
}

func (e *emitter) buildHeaders() {
	e.shstrtab = output.NewStringTable()
	e.headers = []header{{}}
	for _, ps := range e.sections {
		h := header{
			name:      e.shstrtab.Add(ps.sec.Name),
			typ:       elf.SHT_PROGBITS,
			addralign: output.SectionAlign(ps.sec),
		}
		if ps.sec.IsUninitialized() {
			h.typ = elf.SHT_NOBITS
		}
		h.flags = elf.SHF_ALLOC
		if ps.sec.Attr.Has(asm.AttrWrite) {
			h.flags |= elf.SHF_WRITE
		}
		if ps.sec.IsCode() {
			h.flags |= elf.SHF_EXECINSTR
		}
		if ps.sec.Has(asm.SecOrigin) {
			h.addr = ps.sec.Origin
		}
		e.headers = append(e.headers, h)
	}
	prefix, typ := ".rel", elf.SHT_REL
	if e.rela {
		prefix, typ = ".rela", elf.SHT_RELA
	}
	for _, ps := range e.sections {
		if ps.relIndex == 0 {
			continue
		}
		e.headers = append(e.headers, header{
			name:      e.shstrtab.Add(prefix + ps.sec.Name),
			typ:       typ,
			flags:     elf.SHF_INFO_LINK,
			link:      uint32(e.symtabIndex),
			info:      uint32(ps.index),
			addralign: e.wordAlign(),
			entsize:   e.relentsize(),
		})
	}
	e.headers = append(e.headers,
		header{
			name:      e.shstrtab.Add(".symtab"),
			typ:       elf.SHT_SYMTAB,
			link:      uint32(e.strtabIndex),
			info:      e.firstGlobal,
			addralign: e.wordAlign(),
			entsize:   e.symentsize(),
		},
		header{name: e.shstrtab.Add(".strtab"), typ: elf.SHT_STRTAB, addralign: 1},
		header{name: e.shstrtab.Add(".shstrtab"), typ: elf.SHT_STRTAB, addralign: 1},
	)
}

func (e *emitter) patchHeaders() {
	for _, ps := range e.sections {
		h := &e.headers[ps.index]
		h.off, h.size = ps.off, ps.size
		if ps.relIndex != 0 {
			rh := &e.headers[ps.relIndex]
			rh.off = ps.relOff
			rh.size = uint64(len(ps.relocs)) * e.relentsize()
		}
	}
	st := &e.headers[e.symtabIndex]
	st.off, st.size = e.symtabOff, uint64(len(e.symbols))*e.symentsize()
	str := &e.headers[e.strtabIndex]
	str.off, str.size = e.strtabOff, uint64(e.strtab.Size())
	sh := &e.headers[e.shstrtabIndex]
	sh.off, sh.size = e.shstrtabOff, uint64(e.shstrtab.Size())
}

// Construct produces the section contents and tables. REL targets carry the
// addend in the relocated field; RELA fields hold zero.
func (e *emitter) Construct(job *output.Job) error {
	m := job.Module
	for _, ps := range e.sections {
		if ps.sec.IsUninitialized() {
			continue
		}
		for i := range ps.img.Relocs {
			ent := &ps.img.Relocs[i]
			var stored int64
			if !e.rela {
				stored = ps.relocs[i].addend
			}
			ps.img.Store(m, ent, uint64(stored))
		}
		ps.data = make([]byte, ps.size)
		copy(ps.data, ps.img.Bytes)

		var buf bytes.Buffer
		for _, r := range ps.relocs {
			e.writeRecord(&buf, r)
		}
		ps.relData = buf.Bytes()
	}

	var buf bytes.Buffer
	for _, s := range e.symbols {
		e.writeSymbol(&buf, s)
	}
	e.symtabData = buf.Bytes()
	return nil
}

func (e *emitter) writeRecord(buf *bytes.Buffer, r record) {
	switch {
	case e.is64() && e.rela:
		binary.Write(buf, e.order, elf.Rela64{Off: r.off, Info: elf.R_INFO(r.sym, r.typ), Addend: r.addend})
	case e.is64():
		binary.Write(buf, e.order, elf.Rel64{Off: r.off, Info: elf.R_INFO(r.sym, r.typ)})
	case e.rela:
		binary.Write(buf, e.order, elf.Rela32{Off: uint32(r.off), Info: elf.R_INFO32(r.sym, r.typ), Addend: int32(r.addend)})
	default:
		binary.Write(buf, e.order, elf.Rel32{Off: uint32(r.off), Info: elf.R_INFO32(r.sym, r.typ)})
	}
}

func (e *emitter) writeSymbol(buf *bytes.Buffer, s symbol) {
	if e.is64() {
		binary.Write(buf, e.order, elf.Sym64{
			Name: s.name, Info: s.info(), Shndx: uint16(s.shndx), Value: s.value, Size: s.size,
		})
		return
	}
	binary.Write(buf, e.order, elf.Sym32{
		Name: s.name, Value: uint32(s.value), Size: uint32(s.size), Info: s.info(), Shndx: uint16(s.shndx),
	})
}

func (e *emitter) ident() [elf.EI_NIDENT]byte {
	var id [elf.EI_NIDENT]byte
	copy(id[:], elf.ELFMAG)
	id[elf.EI_CLASS] = byte(e.class)
	id[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if e.target.BigEndian {
		id[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	id[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	id[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	return id
}

func (e *emitter) flags() uint32 {
	if e.target.ELFMachine == elf.EM_ARM {
		return armEABI5
	}
	return 0
}

func (e *emitter) Write(job *output.Job, buf *bytes.Buffer) error {
	if e.is64() {
		binary.Write(buf, e.order, elf.Header64{
			Ident:     e.ident(),
			Type:      uint16(elf.ET_REL),
			Machine:   uint16(e.target.ELFMachine),
			Version:   uint32(elf.EV_CURRENT),
			Shoff:     e.shoff,
			Flags:     e.flags(),
			Ehsize:    uint16(e.ehsize()),
			Shentsize: uint16(e.shentsize()),
			Shnum:     uint16(len(e.headers)),
			Shstrndx:  e.shstrtabIndex,
		})
	} else {
		binary.Write(buf, e.order, elf.Header32{
			Ident:     e.ident(),
			Type:      uint16(elf.ET_REL),
			Machine:   uint16(e.target.ELFMachine),
			Version:   uint32(elf.EV_CURRENT),
			Shoff:     uint32(e.shoff),
			Flags:     e.flags(),
			Ehsize:    uint16(e.ehsize()),
			Shentsize: uint16(e.shentsize()),
			Shnum:     uint16(len(e.headers)),
			Shstrndx:  e.shstrtabIndex,
		})
	}

	for _, ps := range e.sections {
		if ps.sec.IsUninitialized() {
			continue
		}
		if err := pad(buf, ps.off); err != nil {
			return fmt.Errorf("section %s: %w", ps.sec.Name, err)
		}
		buf.Write(ps.data)
	}
	for _, ps := range e.sections {
		if ps.relIndex == 0 {
			continue
		}
		if err := pad(buf, ps.relOff); err != nil {
			return fmt.Errorf("relocations of %s: %w", ps.sec.Name, err)
		}
		buf.Write(ps.relData)
	}
	if err := pad(buf, e.symtabOff); err != nil {
		return fmt.Errorf("symbol table: %w", err)
	}
	buf.Write(e.symtabData)
	buf.Write(e.strtab.Bytes())
	buf.Write(e.shstrtab.Bytes())
	if err := pad(buf, e.shoff); err != nil {
		return fmt.Errorf("section headers: %w", err)
	}
	for _, h := range e.headers {
		e.writeHeader(buf, h)
	}
	return nil
}

func (e *emitter) writeHeader(buf *bytes.Buffer, h header) {
	if e.is64() {
		binary.Write(buf, e.order, elf.Section64{
			Name: h.name, Type: uint32(h.typ), Flags: uint64(h.flags), Addr: h.addr, Off: h.off,
			Size: h.size, Link: h.link, Info: h.info, Addralign: h.addralign, Entsize: h.entsize,
		})
		return
	}
	binary.Write(buf, e.order, elf.Section32{
		Name: h.name, Type: uint32(h.typ), Flags: uint32(h.flags), Addr: uint32(h.addr), Off: uint32(h.off),
		Size: uint32(h.size), Link: h.link, Info: h.info, Addralign: uint32(h.addralign), Entsize: uint32(h.entsize),
	})
}

// pad zero fills buf up to off.
func pad(buf *bytes.Buffer, off uint64) error {
	if uint64(buf.Len()) > off {
		return fmt.Errorf("layout overlap: at %#x, want %#x", buf.Len(), off)
	}
	buf.Write(make([]byte, off-uint64(buf.Len())))
	return nil
}
