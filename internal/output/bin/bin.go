// Package bin writes a raw memory image of all sections.
package bin

import (
	"bytes"
	"flag"
	"fmt"
	"sort"

	"github.com/tinyrange/rasm/internal/arch"
	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/output"
	"github.com/tinyrange/rasm/internal/reloc"
)

type Format struct {
	// Fill is the byte used for gaps between sections.
	Fill uint
}

func New() *Format {
	return &Format{}
}

func (f *Format) Name() string { return "bin" }

func (f *Format) Description() string {
	return "raw binary image, sections placed at their origin"
}

func (f *Format) RegisterFlags(fs *flag.FlagSet) {
	fs.UintVar(&f.Fill, "fill", f.Fill, "byte value for gaps between sections")
}

func (f *Format) Supports(*arch.Descriptor) error {
	if f.Fill > 0xff {
		return fmt.Errorf("bin: fill value %#x is not a byte", f.Fill)
	}
	return nil
}

func (f *Format) NewEmitter(*arch.Descriptor) output.Emitter {
	return &emitter{fill: byte(f.Fill)}
}

type placed struct {
	sec  *asm.Section
	addr uint64
	img  []byte
}

type emitter struct {
	fill     byte
	sections []*placed
	byAddr   map[*asm.Section]uint64
	start    uint64
	end      uint64
}

// Layout places sections with an origin at their address and the others
// after the highest section placed so far, in definition order. The image
// starts at the lowest address.
func (e *emitter) Layout(job *output.Job) error {
	m := job.Module
	e.byAddr = make(map[*asm.Section]uint64)
	var next uint64
	for _, sec := range output.Sections(m, false) {
		addr := sec.Origin
		if !sec.Has(asm.SecOrigin) {
			addr = output.AlignUp(next, output.SectionAlign(sec))
		}
		p := &placed{sec: sec, addr: addr}
		e.sections = append(e.sections, p)
		e.byAddr[sec] = addr
		next = max(next, addr+sec.Size)
	}
	sort.SliceStable(e.sections, func(i, j int) bool { return e.sections[i].addr < e.sections[j].addr })

	for i, p := range e.sections {
		if i == 0 {
			e.start = p.addr
		}
		if i > 0 {
			prev := e.sections[i-1]
			if p.addr < prev.addr+prev.sec.Size {
				m.Diag.Errorf(p.sec.Loc, "section %q at %#x overlaps %q (%#x-%#x)",
					p.sec.Name, p.addr, prev.sec.Name, prev.addr, prev.addr+prev.sec.Size)
			}
		}
		e.end = max(e.end, p.addr+p.sec.FileSize)
	}
	job.Logger.Debug("bin layout", "start", fmt.Sprintf("%#x", e.start), "end", fmt.Sprintf("%#x", e.end))
	return nil
}

// address returns the image address of sym.
func (e *emitter) address(sym *asm.Symbol) uint64 {
	return e.byAddr[sym.Section] + sym.Offset()
}

func (e *emitter) Construct(job *output.Job) error {
	m := job.Module
	for _, p := range e.sections {
		p.img = m.Image(p.sec)
		for _, a := range p.sec.Atoms {
			for _, r := range a.Relocs() {
				e.apply(m, p, a, r)
			}
		}
	}
	return nil
}

func (e *emitter) apply(m *asm.Module, p *placed, a *asm.Atom, r asm.Reloc) {
	var v uint64
	switch reloc.Classify(r.Sym) {
	case reloc.Local:
		v = e.address(r.Sym)
	case reloc.Absolute:
		if r.Sym != nil {
			v = r.Sym.Value
		}
	default:
		m.Diag.Errorf(a.Loc, "%v for bin: %s reference to external symbol %q",
			reloc.ErrUnsupported, r.Kind, r.Sym.Name)
		return
	}
	switch {
	case r.Kind == asm.RelocAbs || r.Kind == asm.RelocUAbs:
	case r.Kind == asm.RelocPC || r.Kind == asm.RelocLocalPC:
		v -= p.addr + a.Offset + r.ByteOffset
	default:
		m.Diag.Errorf(a.Loc, "%v for bin: %s reference", reloc.ErrUnsupported, r.Kind)
		return
	}
	v += uint64(r.Addend)
	if !reloc.Fits(r.EffectiveMask(), v) {
		m.Diag.Errorf(a.Loc, "value %#x does not fit %d-bit field with mask %#x", v, r.Size, r.EffectiveMask())
		return
	}
	r.Apply(p.img[a.Offset:], v, m.Config.BigEndian)
}

func (e *emitter) Write(job *output.Job, buf *bytes.Buffer) error {
	if len(e.sections) == 0 {
		return nil
	}
	out := make([]byte, e.end-e.start)
	if e.fill != 0 {
		for i := range out {
			out[i] = e.fill
		}
	}
	for _, p := range e.sections {
		if p.sec.IsUninitialized() {
			continue
		}
		off := p.addr - e.start
		copy(out[off:], p.img)
		// space reserved but not initialized inside the image is zero
		for i := off + uint64(len(p.img)); i < min(off+p.sec.Size, uint64(len(out))); i++ {
			out[i] = 0
		}
	}
	buf.Write(out)
	return nil
}
