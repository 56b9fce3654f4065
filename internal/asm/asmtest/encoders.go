package asmtest

import (
	"fmt"

	"github.com/tinyrange/rasm/internal/asm"
)

// Fixed always encodes to the same bytes.
type Fixed []byte

func (f Fixed) Size(*asm.EncodeContext) (uint64, error) { return uint64(len(f)), nil }

func (f Fixed) Encode(*asm.EncodeContext) (*asm.DataBlock, error) {
	return &asm.DataBlock{Bytes: append([]byte(nil), f...)}, nil
}

// Branch is a generic pc-relative branch: 2 bytes (0x01, disp8) when the
// target is known and within int8 range of the next instruction, otherwise
// 5 bytes (0x02, disp32 little-endian) with a relocation for unknown
// targets.
type Branch struct {
	Target *asm.Symbol
}

func (b *Branch) disp(ctx *asm.EncodeContext, size uint64) (int64, bool) {
	return ctx.Distance(b.Target, 0, ctx.PC+size)
}

func (b *Branch) Size(ctx *asm.EncodeContext) (uint64, error) {
	if ctx.MinSize > 2 {
		return 5, nil
	}
	if d, ok := b.disp(ctx, 2); ok && d >= -128 && d <= 127 {
		return 2, nil
	}
	return 5, nil
}

func (b *Branch) Encode(ctx *asm.EncodeContext) (*asm.DataBlock, error) {
	size, _ := b.Size(ctx)
	d, ok := b.disp(ctx, size)
	if size == 2 {
		return &asm.DataBlock{Bytes: []byte{0x01, byte(int8(d))}}, nil
	}
	buf := []byte{0x02, 0, 0, 0, 0}
	if !ok {
		return &asm.DataBlock{Bytes: buf, Relocs: []asm.Reloc{{
			Kind: asm.RelocPC, Sym: b.Target, Addend: -4, ByteOffset: 1, Size: 32, Mask: asm.NoMask,
		}}}, nil
	}
	v := uint32(int32(d))
	buf[1], buf[2], buf[3], buf[4] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return &asm.DataBlock{Bytes: buf}, nil
}

// Oscillator wants 3 bytes when its target is at an even address and 4
// bytes otherwise. Placed directly before its own target at an even
// address it never settles unless the resolver stops it from shrinking.
type Oscillator struct {
	Target *asm.Symbol
	Calls  int
}

func (o *Oscillator) Size(ctx *asm.EncodeContext) (uint64, error) {
	o.Calls++
	addr, ok := ctx.Address(o.Target)
	if ok && addr%2 == 0 {
		return 3, nil
	}
	return 4, nil
}

func (o *Oscillator) Encode(ctx *asm.EncodeContext) (*asm.DataBlock, error) {
	return &asm.DataBlock{Bytes: make([]byte, ctx.MinSize)}, nil
}

// Runaway grows by one byte every time it is sized.
type Runaway struct {
	n uint64
}

func (r *Runaway) Size(*asm.EncodeContext) (uint64, error) {
	r.n++
	return r.n, nil
}

func (r *Runaway) Encode(ctx *asm.EncodeContext) (*asm.DataBlock, error) {
	return &asm.DataBlock{Bytes: make([]byte, ctx.MinSize)}, nil
}

// Failing reports err from Size.
type Failing struct {
	Err error
}

func (f Failing) Size(*asm.EncodeContext) (uint64, error) { return 0, f.Err }

func (f Failing) Encode(*asm.EncodeContext) (*asm.DataBlock, error) {
	return nil, fmt.Errorf("encode after failed size: %w", f.Err)
}
