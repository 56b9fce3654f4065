package arch

import (
	"encoding/binary"
	"fmt"

	"github.com/pattyshack/gt/parseutil"

	"github.com/tinyrange/rasm/internal/asm"
)

func (d *Descriptor) order() binary.ByteOrder {
	if d.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// PutUint stores the low size bytes of v in target byte order.
func (d *Descriptor) PutUint(buf []byte, size int, v uint64) {
	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		d.order().PutUint16(buf, uint16(v))
	case 4:
		d.order().PutUint32(buf, uint32(v))
	case 8:
		d.order().PutUint64(buf, v)
	default:
		panic(fmt.Sprintf("arch: PutUint size %d", size))
	}
}

// Value builds a data atom of size bytes holding sym+addend. A nil sym
// stores the constant addend.
func (d *Descriptor) Value(loc parseutil.Location, size int, sym *asm.Symbol, addend int64, kind asm.RelocKind) (*asm.Atom, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("unsupported data size %d", size)
	}
	buf := make([]byte, size)
	if sym == nil {
		if kind != asm.RelocAbs && kind != asm.RelocNone {
			return nil, fmt.Errorf("%s value needs a symbol", kind)
		}
		if size < 8 && !fitsSigned(addend, uint(size*8)+1) {
			return nil, fmt.Errorf("value %d does not fit in %d bytes", addend, size)
		}
		d.PutUint(buf, size, uint64(addend))
		return asm.NewData(loc, buf), nil
	}
	r := asm.Reloc{
		Kind:   kind,
		Sym:    sym,
		Addend: addend,
		Size:   uint32(size * 8),
		Mask:   asm.NoMask,
	}
	return asm.NewData(loc, buf, r), nil
}

// Half builds a 16-bit data atom holding the high or low half of the
// 32-bit value sym+addend.
func (d *Descriptor) Half(loc parseutil.Location, sym *asm.Symbol, addend int64, high bool) *asm.Atom {
	mask := uint64(0xffff)
	if high {
		mask = 0xffff0000
	}
	r := asm.Reloc{Kind: asm.RelocAbs, Sym: sym, Addend: addend, Size: 16, Mask: mask}
	return asm.NewData(loc, make([]byte, 2), r)
}
