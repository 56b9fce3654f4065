// Package aout writes classic a.out (OMAGIC) relocatable objects.
package aout

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math/bits"

	"github.com/tinyrange/rasm/internal/arch"
	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/output"
	"github.com/tinyrange/rasm/internal/reloc"
)

const (
	OMAGIC = 0o407

	HeaderSize = 32
	NlistSize  = 12
	RelocSize  = 8
)

// Symbol types.
const (
	N_UNDF = 0x0
	N_ABS  = 0x2
	N_TEXT = 0x4
	N_DATA = 0x6
	N_BSS  = 0x8
	N_EXT  = 0x1
)

// Header is the exec header. Every field is stored in target byte order.
type Header struct {
	Midmag uint32
	Text   uint32
	Data   uint32
	Bss    uint32
	Syms   uint32
	Entry  uint32
	Trsize uint32
	Drsize uint32
}

// Midmag packs flags, machine id and magic number.
func Midmag(flags, mid, magic uint32) uint32 {
	return flags<<26 | (mid&0x3ff)<<16 | magic&0xffff
}

// Nlist is one symbol table entry.
type Nlist struct {
	Strx  uint32
	Type  uint8
	Other uint8
	Desc  uint16
	Value uint32
}

// Info is the unpacked second word of a relocation record.
type Info struct {
	Symnum  uint32
	PCRel   bool
	Length  uint32
	Extern  bool
	BaseRel bool
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Pack encodes the bitfields the way a compiler for the target lays them
// out: from the low bit on little-endian targets and from the high bit on
// big-endian ones.
func (i Info) Pack(bigEndian bool) uint32 {
	if bigEndian {
		return i.Symnum<<8 | b2u(i.PCRel)<<7 | (i.Length&3)<<5 | b2u(i.Extern)<<4 | b2u(i.BaseRel)<<3
	}
	return i.Symnum&0xffffff | b2u(i.PCRel)<<24 | (i.Length&3)<<25 | b2u(i.Extern)<<27 | b2u(i.BaseRel)<<28
}

// UnpackInfo is the inverse of Info.Pack.
func UnpackInfo(v uint32, bigEndian bool) Info {
	if bigEndian {
		return Info{
			Symnum:  v >> 8,
			PCRel:   v>>7&1 != 0,
			Length:  v >> 5 & 3,
			Extern:  v>>4&1 != 0,
			BaseRel: v>>3&1 != 0,
		}
	}
	return Info{
		Symnum:  v & 0xffffff,
		PCRel:   v>>24&1 != 0,
		Length:  v >> 25 & 3,
		Extern:  v>>27&1 != 0,
		BaseRel: v>>28&1 != 0,
	}
}

// Rule types carry the length in the low two bits.
const (
	typePCRel   = 1 << 2
	typeBaseRel = 1 << 3
)

func rule(kind asm.RelocKind, size uint32, flags uint32, name string) reloc.Rule {
	return reloc.Rule{
		Kind:    kind,
		Pattern: reloc.Pattern{Size: size, Mask: asm.NoMask},
		Type:    uint32(bits.Len32(size/8)-1) | flags,
		Name:    name,
		Bytes:   int(size / 8),
	}
}

var table = &reloc.Table{Format: "a.out", Rules: []reloc.Rule{
	rule(asm.RelocAbs, 8, 0, "8"),
	rule(asm.RelocAbs, 16, 0, "16"),
	rule(asm.RelocAbs, 32, 0, "32"),
	rule(asm.RelocPC, 8, typePCRel, "PC8"),
	rule(asm.RelocPC, 16, typePCRel, "PC16"),
	rule(asm.RelocPC, 32, typePCRel, "PC32"),
	rule(asm.RelocGOT, 16, typeBaseRel, "BASEREL16"),
	rule(asm.RelocGOT, 32, typeBaseRel, "BASEREL32"),
}}

// Options controls the emitted object.
type Options struct {
	// MID overrides the target's machine id when non-zero.
	MID uint
}

type Format struct {
	Options Options
}

func New() *Format {
	return &Format{}
}

func (f *Format) Name() string { return "aout" }

func (f *Format) Description() string {
	return "a.out OMAGIC object with text, data and bss"
}

func (f *Format) RegisterFlags(fs *flag.FlagSet) {
	fs.UintVar(&f.Options.MID, "mid", f.Options.MID, "a.out machine id (0 selects the cpu default)")
}

func (f *Format) Supports(target *arch.Descriptor) error {
	if target.AddrBytes != 4 {
		return fmt.Errorf("aout: cpu %s has %d-byte addresses, need 4", target.Name, target.AddrBytes)
	}
	if f.Options.MID == 0 && target.AoutMID == 0 {
		return fmt.Errorf("aout: no machine id for cpu %s, use -mid", target.Name)
	}
	if f.Options.MID > 0x3ff {
		return fmt.Errorf("aout: machine id %d does not fit 10 bits", f.Options.MID)
	}
	return nil
}

func (f *Format) NewEmitter(target *arch.Descriptor) output.Emitter {
	mid := uint32(f.Options.MID)
	if mid == 0 {
		mid = target.AoutMID
	}
	e := &emitter{target: target, mid: mid, order: binary.ByteOrder(binary.LittleEndian)}
	if target.BigEndian {
		e.order = binary.BigEndian
	}
	return e
}
