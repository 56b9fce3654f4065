package asm

import (
	"fmt"
	"math/bits"
)

// RelocKind describes the relationship between a reference and its target,
// independent of any object format.
type RelocKind uint8

const (
	RelocNone RelocKind = iota
	RelocAbs
	RelocPC
	RelocGOT
	RelocGOTPC
	RelocGOTOff
	RelocGlobDat
	RelocPLT
	RelocPLTPC
	RelocPLTOff
	// RelocSD is relative to the small data base register.
	RelocSD
	RelocUAbs
	RelocLocalPC
	RelocLoadRel
	RelocCopy
	RelocJmpSlot
	RelocSecOff
)

var relocKindNames = [...]string{
	RelocNone:     "none",
	RelocAbs:      "abs",
	RelocPC:       "pc",
	RelocGOT:      "got",
	RelocGOTPC:    "gotpc",
	RelocGOTOff:   "gotoff",
	RelocGlobDat:  "globdat",
	RelocPLT:      "plt",
	RelocPLTPC:    "pltpc",
	RelocPLTOff:   "pltoff",
	RelocSD:       "sd",
	RelocUAbs:     "uabs",
	RelocLocalPC:  "localpc",
	RelocLoadRel:  "loadrel",
	RelocCopy:     "copy",
	RelocJmpSlot:  "jmpslot",
	RelocSecOff:   "secoff",
}

func (k RelocKind) String() string {
	if int(k) < len(relocKindNames) {
		return relocKindNames[k]
	}
	return fmt.Sprintf("reloc(%d)", uint8(k))
}

// ParseRelocKind is the inverse of RelocKind.String.
func ParseRelocKind(s string) (RelocKind, bool) {
	for i, name := range relocKindNames {
		if name == s {
			return RelocKind(i), true
		}
	}
	return RelocNone, false
}

// IsPCRelative reports whether the kind is computed relative to the
// address of the relocated field.
func (k RelocKind) IsPCRelative() bool {
	switch k {
	case RelocPC, RelocGOTPC, RelocPLTPC, RelocLocalPC:
		return true
	}
	return false
}

// NoMask selects the whole value.
const NoMask = ^uint64(0)

// Reloc is the generic relocation descriptor. The value of the expression
// Sym+Addend (minus the field address for pc-relative kinds) is masked with
// Mask, shifted down by the number of trailing zero bits of Mask and stored
// into Size bits starting BitOffset bits into the data at ByteOffset.
//
// Bit offsets count from the least significant bit of the first byte on
// little-endian targets and from the most significant bit of the first
// byte on big-endian targets.
type Reloc struct {
	Kind       RelocKind
	Sym        *Symbol
	Addend     int64
	ByteOffset uint64
	BitOffset  uint32
	Size       uint32
	Mask       uint64
}

func lowBits(n uint32) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return 1<<n - 1
}

// EffectiveMask returns the mask with NoMask (or zero) expanded to the
// field width.
func (r Reloc) EffectiveMask() uint64 {
	if r.Mask == NoMask || r.Mask == 0 {
		return lowBits(r.Size)
	}
	return r.Mask
}

// Shift is the number of low value bits dropped before insertion.
func (r Reloc) Shift() uint32 {
	return uint32(bits.TrailingZeros64(r.EffectiveMask()))
}

// Field returns the bits of value that are stored in the field.
func (r Reloc) Field(value uint64) uint64 {
	return ((value & r.EffectiveMask()) >> r.Shift()) & lowBits(r.Size)
}

// Contribution returns the part of the value a stored field represents.
func (r Reloc) Contribution(field uint64) uint64 {
	return (field & lowBits(r.Size)) << r.Shift()
}

// UnitBytes is the number of bytes spanned by the field.
func (r Reloc) UnitBytes() uint64 {
	return uint64(r.BitOffset+r.Size+7) / 8
}

// Apply stores the field for value into data, which starts at the atom's
// first byte.
func (r Reloc) Apply(data []byte, value uint64, bigEndian bool) {
	InsertBits(data[r.ByteOffset:], r.BitOffset, r.Size, r.Field(value), bigEndian)
}

// Extract reads the stored field back from data.
func (r Reloc) Extract(data []byte, bigEndian bool) uint64 {
	return ExtractBits(data[r.ByteOffset:], r.BitOffset, r.Size, bigEndian)
}

func (r Reloc) String() string {
	name := "<nil>"
	if r.Sym != nil {
		name = r.Sym.Name
	}
	return fmt.Sprintf("%s %s%+d @%d bit %d width %d mask %#x",
		r.Kind, name, r.Addend, r.ByteOffset, r.BitOffset, r.Size, r.EffectiveMask())
}

func bitPos(bitOffset, i uint32, bigEndian bool) (byteIdx int, shift uint) {
	p := bitOffset + i
	if bigEndian {
		return int(p / 8), uint(7 - p%8)
	}
	return int(p / 8), uint(p % 8)
}

// InsertBits writes the low size bits of v into data starting at bitOffset.
func InsertBits(data []byte, bitOffset, size uint32, v uint64, bigEndian bool) {
	for i := uint32(0); i < size; i++ {
		var bit uint64
		if bigEndian {
			bit = (v >> (size - 1 - i)) & 1
		} else {
			bit = (v >> i) & 1
		}
		idx, shift := bitPos(bitOffset, i, bigEndian)
		data[idx] = data[idx]&^(1<<shift) | byte(bit)<<shift
	}
}

// ExtractBits reads size bits from data starting at bitOffset.
func ExtractBits(data []byte, bitOffset, size uint32, bigEndian bool) uint64 {
	var v uint64
	for i := uint32(0); i < size; i++ {
		idx, shift := bitPos(bitOffset, i, bigEndian)
		bit := uint64(data[idx]>>shift) & 1
		if bigEndian {
			v |= bit << (size - 1 - i)
		} else {
			v |= bit << i
		}
	}
	return v
}

// validateRelocs checks the descriptor contract for one atom: fields lie
// inside the atom and fields sharing a byte offset do not overlap.
func validateRelocs(relocs []Reloc, size uint64) error {
	for i, r := range relocs {
		if r.Size == 0 || r.Size > 64 {
			return fmt.Errorf("relocation %d: invalid width %d", i, r.Size)
		}
		if r.ByteOffset+r.UnitBytes() > size {
			return fmt.Errorf("relocation %d: field at byte %d bit %d width %d exceeds atom size %d",
				i, r.ByteOffset, r.BitOffset, r.Size, size)
		}
		for j := 0; j < i; j++ {
			o := relocs[j]
			if o.ByteOffset != r.ByteOffset {
				continue
			}
			if r.BitOffset < o.BitOffset+o.Size && o.BitOffset < r.BitOffset+r.Size {
				return fmt.Errorf("relocations %d and %d overlap at byte %d", j, i, r.ByteOffset)
			}
		}
	}
	return nil
}
