package arch

import (
	"fmt"
	"strings"

	"github.com/tinyrange/rasm/internal/asm"
)

var z80Conds = map[string]byte{
	"nz": 0, "z": 1, "nc": 2, "c": 3, "po": 4, "pe": 5, "p": 6, "m": 7,
}

// z80Jump covers jp, jr and call. jp relaxes to jr when the condition
// allows it and the target is within reach.
type z80Jump struct {
	mnemonic string
	cond     byte
	hasCond  bool
	target   target
}

func newZ80Jump(m *asm.Module, mnemonic string, operands []string) (asm.Encoder, error) {
	j := &z80Jump{mnemonic: mnemonic}
	switch len(operands) {
	case 1:
	case 2:
		cc, ok := z80Conds[strings.ToLower(strings.TrimSpace(operands[0]))]
		if !ok {
			return nil, fmt.Errorf("unknown condition %q", operands[0])
		}
		if mnemonic == "jr" && cc > 3 {
			return nil, fmt.Errorf("jr cannot test %s", operands[0])
		}
		j.cond, j.hasCond = cc, true
		operands = operands[1:]
	default:
		return nil, fmt.Errorf("%s expects a target and an optional condition", mnemonic)
	}
	t, err := parseTarget(m, operands[0])
	if err != nil {
		return nil, err
	}
	j.target = t
	return j, nil
}

func (j *z80Jump) canRelax() bool {
	return j.mnemonic == "jp" && (!j.hasCond || j.cond <= 3)
}

func (j *z80Jump) Size(ctx *asm.EncodeContext) (uint64, error) {
	switch {
	case j.mnemonic == "jr":
		return 2, nil
	case !j.canRelax() || ctx.MinSize > 2:
		return 3, nil
	}
	if disp, ok := j.target.distance(ctx, ctx.PC+2); ok && fitsSigned(disp, 8) {
		return 2, nil
	}
	return 3, nil
}

func (j *z80Jump) Encode(ctx *asm.EncodeContext) (*asm.DataBlock, error) {
	size, err := j.Size(ctx)
	if err != nil {
		return nil, err
	}
	if size == 2 {
		op := byte(0x18)
		if j.hasCond {
			op = 0x20 | j.cond<<3
		}
		blk := &asm.DataBlock{Bytes: []byte{op, 0}}
		disp, ok := j.target.distance(ctx, ctx.PC+2)
		switch {
		case !ok && j.target.sym == nil:
			return nil, fmt.Errorf("absolute jr target %#x from relocatable section", j.target.addend)
		case !ok:
			blk.Relocs = append(blk.Relocs, j.target.reloc(asm.RelocPC, 1, 0, 8, asm.NoMask, -1))
		case !fitsSigned(disp, 8):
			return nil, fmt.Errorf("relative jump displacement %d out of range", disp)
		default:
			blk.Bytes[1] = byte(int8(disp))
		}
		return blk, nil
	}

	var op byte
	switch {
	case j.mnemonic == "call" && j.hasCond:
		op = 0xC4 | j.cond<<3
	case j.mnemonic == "call":
		op = 0xCD
	case j.hasCond:
		op = 0xC2 | j.cond<<3
	default:
		op = 0xC3
	}
	blk := &asm.DataBlock{Bytes: []byte{op, 0, 0}}
	if addr, ok := j.target.address(ctx); ok {
		if addr > 0xffff {
			return nil, fmt.Errorf("target address %#x out of range", addr)
		}
		Z80.PutUint(blk.Bytes[1:], 2, addr)
		return blk, nil
	}
	blk.Relocs = append(blk.Relocs, j.target.reloc(asm.RelocAbs, 1, 0, 16, asm.NoMask, 0))
	return blk, nil
}
