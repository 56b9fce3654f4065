package arch

import (
	"fmt"
	"sort"

	"github.com/tinyrange/rasm/internal/asm"
)

// ppcConds maps the simplified branch mnemonics on cr0 to BO and BI.
var ppcConds = map[string][2]uint32{
	"blt": {12, 0}, "bge": {4, 0},
	"bgt": {12, 1}, "ble": {4, 1},
	"beq": {12, 2}, "bne": {4, 2},
}

func ppcBranchMnemonics() []string {
	out := []string{"b", "bl"}
	for name := range ppcConds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ppcBranch is an I-form b/bl with a 24 bit word displacement or a B-form
// conditional branch with a 14 bit one.
type ppcBranch struct {
	insn   uint32
	cond   bool
	target target
}

func newPPCBranch(m *asm.Module, mnemonic string, operands []string) (asm.Encoder, error) {
	b := &ppcBranch{}
	switch mnemonic {
	case "b":
		b.insn = 18 << 26
	case "bl":
		b.insn = 18<<26 | 1
	default:
		bo, ok := ppcConds[mnemonic]
		if !ok {
			return nil, fmt.Errorf("unknown branch %q", mnemonic)
		}
		b.insn = 16<<26 | bo[0]<<21 | bo[1]<<16
		b.cond = true
	}
	if err := expectOperands(mnemonic, operands, 1); err != nil {
		return nil, err
	}
	t, err := parseTarget(m, operands[0])
	if err != nil {
		return nil, err
	}
	b.target = t
	return b, nil
}

func (b *ppcBranch) Size(*asm.EncodeContext) (uint64, error) {
	return 4, nil
}

func (b *ppcBranch) Encode(ctx *asm.EncodeContext) (*asm.DataBlock, error) {
	buf := make([]byte, 4)
	blk := &asm.DataBlock{Bytes: buf}
	bits, mask, off := uint(26), uint32(0x3fffffc), uint32(6)
	if b.cond {
		bits, mask, off = 16, 0xfffc, 16
	}
	insn := b.insn
	disp, ok := b.target.distance(ctx, ctx.PC)
	switch {
	case !ok && b.target.sym == nil:
		return nil, fmt.Errorf("absolute branch target %#x from relocatable section", b.target.addend)
	case !ok:
		blk.Relocs = append(blk.Relocs, b.target.reloc(asm.RelocPC, 0, off, uint32(bits-2), uint64(mask), 0))
	case disp&3 != 0 || !fitsSigned(disp, bits):
		return nil, fmt.Errorf("branch displacement %d out of range", disp)
	default:
		insn |= uint32(disp) & mask
	}
	PPC.PutUint(buf, 4, uint64(insn))
	return blk, nil
}
