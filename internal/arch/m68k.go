package arch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tinyrange/rasm/internal/asm"
)

var m68kBranchOps = map[string]uint16{
	"bra": 0x6000, "bsr": 0x6100,
	"bhi": 0x6200, "bls": 0x6300,
	"bcc": 0x6400, "bhs": 0x6400,
	"bcs": 0x6500, "blo": 0x6500,
	"bne": 0x6600, "beq": 0x6700,
	"bvc": 0x6800, "bvs": 0x6900,
	"bpl": 0x6a00, "bmi": 0x6b00,
	"bge": 0x6c00, "blt": 0x6d00,
	"bgt": 0x6e00, "ble": 0x6f00,
}

func m68kBranchMnemonics() []string {
	out := make([]string, 0, len(m68kBranchOps))
	for name := range m68kBranchOps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// m68kBranch is Bcc/BRA/BSR with an 8, 16 or 32 bit displacement relative
// to the address after the opcode word. Without a size suffix the shortest
// form that reaches the target is chosen.
type m68kBranch struct {
	op     uint16
	forced uint64
	target target
}

func newM68kBranch(m *asm.Module, mnemonic string, operands []string) (asm.Encoder, error) {
	base, suffix, _ := strings.Cut(mnemonic, ".")
	op, ok := m68kBranchOps[base]
	if !ok {
		return nil, fmt.Errorf("unknown branch %q", mnemonic)
	}
	b := &m68kBranch{op: op}
	switch suffix {
	case "":
	case "s", "b":
		b.forced = 2
	case "w":
		b.forced = 4
	case "l":
		b.forced = 6
	default:
		return nil, fmt.Errorf("bad size suffix %q", suffix)
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

func m68kShortOK(disp int64) bool {
	// 0x00 and 0xff in the low byte select the word and long forms
	return fitsSigned(disp, 8) && disp != 0 && disp != -1
}

func (b *m68kBranch) Size(ctx *asm.EncodeContext) (uint64, error) {
	if b.forced != 0 {
		return b.forced, nil
	}
	disp, known := b.target.distance(ctx, ctx.PC+2)
	size := uint64(4)
	switch {
	case !known:
	case m68kShortOK(disp):
		size = 2
	case !fitsSigned(disp, 16):
		size = 6
	}
	return max(size, ctx.MinSize), nil
}

func (b *m68kBranch) Encode(ctx *asm.EncodeContext) (*asm.DataBlock, error) {
	size, err := b.Size(ctx)
	if err != nil {
		return nil, err
	}
	disp, known := b.target.distance(ctx, ctx.PC+2)
	if !known && b.target.sym == nil {
		return nil, fmt.Errorf("absolute branch target %#x from relocatable section", b.target.addend)
	}
	buf := make([]byte, size)
	blk := &asm.DataBlock{Bytes: buf}
	op := b.op
	switch size {
	case 2:
		if !known {
			// field at pc+1, displacement relative to pc+2
			blk.Relocs = append(blk.Relocs, b.target.reloc(asm.RelocPC, 1, 0, 8, asm.NoMask, -1))
		} else if !m68kShortOK(disp) {
			return nil, fmt.Errorf("short branch displacement %d out of range", disp)
		}
		op |= uint16(uint8(disp))
		buf[0], buf[1] = byte(op>>8), byte(op)
	case 4:
		buf[0], buf[1] = byte(op>>8), byte(op)
		if !known {
			blk.Relocs = append(blk.Relocs, b.target.reloc(asm.RelocPC, 2, 0, 16, asm.NoMask, 0))
			break
		}
		if !fitsSigned(disp, 16) {
			return nil, fmt.Errorf("word branch displacement %d out of range", disp)
		}
		buf[2], buf[3] = byte(disp>>8), byte(disp)
	case 6:
		op |= 0xff
		buf[0], buf[1] = byte(op>>8), byte(op)
		if !known {
			blk.Relocs = append(blk.Relocs, b.target.reloc(asm.RelocPC, 2, 0, 32, asm.NoMask, 0))
			break
		}
		if !fitsSigned(disp, 32) {
			return nil, fmt.Errorf("long branch displacement %d out of range", disp)
		}
		M68k.PutUint(buf[2:], 4, uint64(disp))
	default:
		return nil, fmt.Errorf("cannot encode %d byte branch", size)
	}
	return blk, nil
}
