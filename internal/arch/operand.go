package arch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/rasm/internal/asm"
)

// target is a branch or call destination: a symbol plus addend, or an
// absolute address when sym is nil.
type target struct {
	sym    *asm.Symbol
	addend int64
}

func parseTarget(m *asm.Module, op string) (target, error) {
	op = strings.TrimSpace(op)
	if op == "" {
		return target{}, fmt.Errorf("missing target operand")
	}
	if v, err := strconv.ParseInt(op, 0, 64); err == nil {
		return target{addend: v}, nil
	}
	name, addend := op, int64(0)
	if idx := strings.LastIndexAny(op, "+-"); idx > 0 {
		v, err := strconv.ParseInt(strings.TrimSpace(op[idx+1:]), 0, 64)
		if err != nil {
			return target{}, fmt.Errorf("bad offset in %q: %w", op, err)
		}
		if op[idx] == '-' {
			v = -v
		}
		name, addend = strings.TrimSpace(op[:idx]), v
	}
	if !validSymbolName(name) {
		return target{}, fmt.Errorf("bad target %q", op)
	}
	return target{sym: m.Ref(name), addend: addend}, nil
}

// ParseValue parses a number, a symbol name, or a symbol name followed by a
// signed constant offset. A numeric operand returns a nil symbol.
func ParseValue(m *asm.Module, op string) (*asm.Symbol, int64, error) {
	t, err := parseTarget(m, op)
	return t.sym, t.addend, err
}

func validSymbolName(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_' || c == '.' || c == '$' || c == '@':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// distance returns the target minus from when it is known at assembly time.
func (t target) distance(ctx *asm.EncodeContext, from uint64) (int64, bool) {
	if t.sym == nil {
		if !ctx.Section.Has(asm.SecOrigin) && !ctx.InOrg {
			return 0, false
		}
		return t.addend - int64(from), true
	}
	return ctx.Distance(t.sym, t.addend, from)
}

// address returns the absolute target address when it is known.
func (t target) address(ctx *asm.EncodeContext) (uint64, bool) {
	if t.sym == nil {
		return uint64(t.addend), true
	}
	addr, ok := ctx.Address(t.sym)
	if !ok || ctx.SameSection(t.sym) && !ctx.Section.Has(asm.SecOrigin) {
		return 0, false
	}
	return addr + uint64(t.addend), true
}

// reloc builds a descriptor for the target. Absolute numeric targets need
// no symbol and are rejected for pc-relative fields by the caller.
func (t target) reloc(kind asm.RelocKind, byteOff uint64, bitOff, size uint32, mask uint64, adjust int64) asm.Reloc {
	return asm.Reloc{
		Kind:       kind,
		Sym:        t.sym,
		Addend:     t.addend + adjust,
		ByteOffset: byteOff,
		BitOffset:  bitOff,
		Size:       size,
		Mask:       mask,
	}
}

func fitsSigned(v int64, bits uint) bool {
	lim := int64(1) << (bits - 1)
	return v >= -lim && v < lim
}

func expectOperands(mnemonic string, operands []string, n int) error {
	if len(operands) != n {
		return fmt.Errorf("%s expects %d operand(s), got %d", mnemonic, n, len(operands))
	}
	return nil
}
