package arch

import (
	"fmt"

	"github.com/tinyrange/rasm/internal/asm"
)

// armCall is BL in ARM state (bl) or the Thumb BL instruction pair (bl.t).
type armCall struct {
	thumb  bool
	target target
}

func newARMCall(m *asm.Module, mnemonic string, operands []string) (asm.Encoder, error) {
	if err := expectOperands(mnemonic, operands, 1); err != nil {
		return nil, err
	}
	t, err := parseTarget(m, operands[0])
	if err != nil {
		return nil, err
	}
	return &armCall{thumb: mnemonic == "bl.t", target: t}, nil
}

func (c *armCall) Size(*asm.EncodeContext) (uint64, error) {
	return 4, nil
}

func (c *armCall) Encode(ctx *asm.EncodeContext) (*asm.DataBlock, error) {
	if c.thumb {
		return c.encodeThumb(ctx)
	}
	buf := make([]byte, 4)
	blk := &asm.DataBlock{Bytes: buf}
	insn := uint32(0xEB000000)
	// the pc reads two instructions ahead
	disp, ok := c.target.distance(ctx, ctx.PC+8)
	switch {
	case !ok && c.target.sym == nil:
		return nil, fmt.Errorf("absolute call target %#x from relocatable section", c.target.addend)
	case !ok:
		blk.Relocs = append(blk.Relocs, c.target.reloc(asm.RelocPC, 0, 0, 24, 0x3fffffc, -8))
	case disp&3 != 0 || !fitsSigned(disp, 26):
		return nil, fmt.Errorf("call displacement %d out of range", disp)
	default:
		insn |= uint32(disp>>2) & 0xffffff
	}
	ARM.PutUint(buf, 4, uint64(insn))
	return blk, nil
}

func (c *armCall) encodeThumb(ctx *asm.EncodeContext) (*asm.DataBlock, error) {
	buf := make([]byte, 4)
	blk := &asm.DataBlock{Bytes: buf}
	hi, lo := uint16(0xF000), uint16(0xF800)
	disp, ok := c.target.distance(ctx, ctx.PC+4)
	switch {
	case !ok && c.target.sym == nil:
		return nil, fmt.Errorf("absolute call target %#x from relocatable section", c.target.addend)
	case !ok:
		blk.Relocs = append(blk.Relocs,
			c.target.reloc(asm.RelocPC, 0, 0, 11, 0x7ff000, -4),
			c.target.reloc(asm.RelocPC, 0, 16, 11, 0xffe, -4))
	case disp&1 != 0 || !fitsSigned(disp, 23):
		return nil, fmt.Errorf("thumb call displacement %d out of range", disp)
	default:
		hi |= uint16(disp>>12) & 0x7ff
		lo |= uint16(disp>>1) & 0x7ff
	}
	ARM.PutUint(buf[0:], 2, uint64(hi))
	ARM.PutUint(buf[2:], 2, uint64(lo))
	return blk, nil
}
