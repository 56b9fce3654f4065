package arch

import (
	"fmt"
	"sort"

	"github.com/tinyrange/rasm/internal/asm"
)

var m6502Branches = map[string]byte{
	"bpl": 0x10, "bmi": 0x30,
	"bvc": 0x50, "bvs": 0x70,
	"bcc": 0x90, "bcs": 0xB0,
	"bne": 0xD0, "beq": 0xF0,
}

func m6502BranchMnemonics() []string {
	out := []string{"jmp", "jsr"}
	for name := range m6502Branches {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// m6502Branch is a relative branch. Out of range or unresolved branches
// become the inverted branch over an absolute jmp.
type m6502Branch struct {
	op     byte
	jump   bool
	target target
}

func new6502Branch(m *asm.Module, mnemonic string, operands []string) (asm.Encoder, error) {
	b := &m6502Branch{}
	switch mnemonic {
	case "jmp":
		b.op, b.jump = 0x4C, true
	case "jsr":
		b.op, b.jump = 0x20, true
	default:
		op, ok := m6502Branches[mnemonic]
		if !ok {
			return nil, fmt.Errorf("unknown branch %q", mnemonic)
		}
		b.op = op
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

func (b *m6502Branch) Size(ctx *asm.EncodeContext) (uint64, error) {
	if b.jump {
		return 3, nil
	}
	if ctx.MinSize > 2 {
		return 5, nil
	}
	if disp, ok := b.target.distance(ctx, ctx.PC+2); ok && fitsSigned(disp, 8) {
		return 2, nil
	}
	return 5, nil
}

func (b *m6502Branch) absolute(ctx *asm.EncodeContext, buf []byte, pos uint64) []asm.Reloc {
	if addr, ok := b.target.address(ctx); ok && addr <= 0xffff {
		M6502.PutUint(buf[pos:], 2, addr)
		return nil
	}
	return []asm.Reloc{b.target.reloc(asm.RelocAbs, pos, 0, 16, asm.NoMask, 0)}
}

func (b *m6502Branch) Encode(ctx *asm.EncodeContext) (*asm.DataBlock, error) {
	size, err := b.Size(ctx)
	if err != nil {
		return nil, err
	}
	switch size {
	case 2:
		disp, ok := b.target.distance(ctx, ctx.PC+2)
		if !ok || !fitsSigned(disp, 8) {
			return nil, fmt.Errorf("branch displacement out of range")
		}
		return &asm.DataBlock{Bytes: []byte{b.op, byte(int8(disp))}}, nil
	case 3:
		buf := []byte{b.op, 0, 0}
		return &asm.DataBlock{Bytes: buf, Relocs: b.absolute(ctx, buf, 1)}, nil
	}
	// inverted condition skips the 3 byte jmp
	buf := []byte{b.op ^ 0x20, 3, 0x4C, 0, 0}
	return &asm.DataBlock{Bytes: buf, Relocs: b.absolute(ctx, buf, 3)}, nil
}
