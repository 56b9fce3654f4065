package arch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tinyrange/rasm/internal/asm"
)

// jumpKind selects the condition of a conditional jump. jumpAlways and
// jumpCall have no condition code.
type jumpKind int

const (
	jumpAlways jumpKind = -1
	jumpCall   jumpKind = -2
)

var x86Jumps = map[string]jumpKind{
	"jmp": jumpAlways, "call": jumpCall,
	"jo": 0x0, "jno": 0x1,
	"jb": 0x2, "jc": 0x2, "jnae": 0x2,
	"jae": 0x3, "jnb": 0x3, "jnc": 0x3,
	"je": 0x4, "jz": 0x4,
	"jne": 0x5, "jnz": 0x5,
	"jbe": 0x6, "jna": 0x6,
	"ja": 0x7, "jnbe": 0x7,
	"js": 0x8, "jns": 0x9,
	"jp": 0xa, "jpe": 0xa,
	"jnp": 0xb, "jpo": 0xb,
	"jl": 0xc, "jnge": 0xc,
	"jge": 0xd, "jnl": 0xd,
	"jle": 0xe, "jng": 0xe,
	"jg": 0xf, "jnle": 0xf,
}

func x86JumpMnemonics() []string {
	out := make([]string, 0, len(x86Jumps))
	for name := range x86Jumps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// x86Jump is JMP, Jcc or CALL with a rel8 or rel32 displacement. The
// displacement is relative to the end of the instruction.
type x86Jump struct {
	kind   jumpKind
	forced uint64
	target target
}

func newX86Jump(m *asm.Module, mnemonic string, operands []string) (asm.Encoder, error) {
	base, suffix, _ := strings.Cut(mnemonic, ".")
	kind, ok := x86Jumps[base]
	if !ok {
		return nil, fmt.Errorf("unknown jump %q", mnemonic)
	}
	j := &x86Jump{kind: kind}
	switch suffix {
	case "":
	case "s":
		if kind == jumpCall {
			return nil, fmt.Errorf("call has no short form")
		}
		j.forced = 2
	case "n":
		j.forced = j.nearSize()
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
	j.target = t
	return j, nil
}

func (j *x86Jump) nearSize() uint64 {
	if j.kind >= 0 {
		return 6
	}
	return 5
}

func (j *x86Jump) Size(ctx *asm.EncodeContext) (uint64, error) {
	if j.forced != 0 {
		return j.forced, nil
	}
	if j.kind == jumpCall || ctx.MinSize > 2 {
		return j.nearSize(), nil
	}
	if disp, ok := j.target.distance(ctx, ctx.PC+2); ok && fitsSigned(disp, 8) {
		return 2, nil
	}
	return j.nearSize(), nil
}

func (j *x86Jump) Encode(ctx *asm.EncodeContext) (*asm.DataBlock, error) {
	size, err := j.Size(ctx)
	if err != nil {
		return nil, err
	}
	disp, known := j.target.distance(ctx, ctx.PC+size)
	if !known && j.target.sym == nil {
		return nil, fmt.Errorf("absolute jump target %#x from relocatable section", j.target.addend)
	}

	if size == 2 {
		if !known || !fitsSigned(disp, 8) {
			return nil, fmt.Errorf("short jump displacement out of range")
		}
		op := byte(0xEB)
		if j.kind >= 0 {
			op = 0x70 | byte(j.kind)
		}
		return &asm.DataBlock{Bytes: []byte{op, byte(int8(disp))}}, nil
	}

	var buf []byte
	switch j.kind {
	case jumpAlways:
		buf = []byte{0xE9}
	case jumpCall:
		buf = []byte{0xE8}
	default:
		buf = []byte{0x0F, 0x80 | byte(j.kind)}
	}
	pos := uint64(len(buf))
	buf = append(buf, 0, 0, 0, 0)
	blk := &asm.DataBlock{Bytes: buf}
	if !known {
		// rel32 is relative to the end of the field
		blk.Relocs = append(blk.Relocs, j.target.reloc(asm.RelocPC, pos, 0, 32, asm.NoMask, -4))
		return blk, nil
	}
	if !fitsSigned(disp, 32) {
		return nil, fmt.Errorf("jump displacement %d out of range", disp)
	}
	I386.PutUint(buf[pos:], 4, uint64(disp))
	return blk, nil
}
