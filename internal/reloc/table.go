// Package reloc translates generic relocation descriptors into the native
// relocation types of an object format.
package reloc

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/rasm/internal/asm"
)

// Pattern is the structural shape of one generic descriptor: its width, its
// bit offset from the start of the relocated unit and its mask. A zero or
// all-ones mask selects the low Size bits. A pattern with an explicit mask
// only matches descriptors that carry one too, so the low half of a split
// value is told apart from a plain field of the same width.
type Pattern struct {
	Size      uint32
	BitOffset uint32
	Mask      uint64
}

func (p Pattern) EffectiveMask() uint64 {
	return asm.Reloc{Size: p.Size, Mask: p.Mask}.EffectiveMask()
}

func (p Pattern) String() string {
	return fmt.Sprintf("%d@%d/%#x", p.Size, p.BitOffset, p.EffectiveMask())
}

func explicitMask(m uint64) bool {
	return m != 0 && m != asm.NoMask
}

// base returns the bit position of the unit start when r matches p.
func (p Pattern) base(r asm.Reloc) (uint64, bool) {
	if r.Size != p.Size || r.EffectiveMask() != p.EffectiveMask() {
		return 0, false
	}
	if explicitMask(p.Mask) && !explicitMask(r.Mask) {
		return 0, false
	}
	pos := r.ByteOffset*8 + uint64(r.BitOffset)
	if pos < uint64(p.BitOffset) {
		return 0, false
	}
	b := pos - uint64(p.BitOffset)
	if b%8 != 0 {
		return 0, false
	}
	return b, true
}

// Reloc builds the descriptor the pattern stands for at unit offset off.
func (p Pattern) Reloc(kind asm.RelocKind, off uint64) asm.Reloc {
	return asm.Reloc{Kind: kind, ByteOffset: off, BitOffset: p.BitOffset, Size: p.Size, Mask: p.Mask}
}

// Rule maps one descriptor shape, or a pair of them for composites, of a
// relocation kind onto a native type.
type Rule struct {
	Kind    asm.RelocKind
	Pattern Pattern
	// Partner is the second half of a composite. Either half may come
	// first in the chain.
	Partner *Pattern
	Type    uint32
	Name    string
	// Bytes is the size of the relocated unit.
	Bytes int
}

func (r *Rule) Composite() bool {
	return r.Partner != nil
}

// Mask is the combined mask of the rule's fields.
func (r *Rule) Mask() uint64 {
	m := r.Pattern.EffectiveMask()
	if r.Partner != nil {
		m |= r.Partner.EffectiveMask()
	}
	return m
}

// Parts returns the descriptors the rule stands for at unit offset off.
func (r *Rule) Parts(off uint64) []asm.Reloc {
	out := []asm.Reloc{r.Pattern.Reloc(r.Kind, off)}
	if r.Partner != nil {
		out = append(out, r.Partner.Reloc(r.Kind, off))
	}
	return out
}

// Table is one format's ordered rule list. Composite rules are always tried
// before single ones; otherwise the first match wins.
type Table struct {
	Format string
	Rules  []Rule
}

// Match finds the rule for chain[i], consuming chain[i+1] as well when the
// two form a composite. used marks descriptors already consumed.
func (t *Table) Match(chain []asm.Reloc, i int, used []bool) (rule *Rule, partner int, base uint64, ok bool) {
	r := chain[i]
	j := i + 1
	for j < len(chain) && used[j] {
		j++
	}
	if j < len(chain) && samePair(r, chain[j]) {
		for k := range t.Rules {
			rule := &t.Rules[k]
			if rule.Partner == nil || rule.Kind != r.Kind {
				continue
			}
			if b, ok := pairBase(rule, r, chain[j]); ok {
				return rule, j, b, true
			}
		}
	}
	for k := range t.Rules {
		rule := &t.Rules[k]
		if rule.Partner != nil || rule.Kind != r.Kind {
			continue
		}
		if b, ok := rule.Pattern.base(r); ok {
			return rule, -1, b, true
		}
	}
	return nil, -1, 0, false
}

func samePair(a, b asm.Reloc) bool {
	return a.Kind == b.Kind && a.Sym == b.Sym && a.Addend == b.Addend
}

func pairBase(rule *Rule, a, b asm.Reloc) (uint64, bool) {
	if ba, ok := rule.Pattern.base(a); ok {
		if bb, ok := rule.Partner.base(b); ok && ba == bb {
			return ba, true
		}
	}
	if ba, ok := rule.Partner.base(a); ok {
		if bb, ok := rule.Pattern.base(b); ok && ba == bb {
			return ba, true
		}
	}
	return 0, false
}

// Fits reports whether value can be stored through mask without losing
// significant bits above the mask's highest bit.
func Fits(mask, value uint64) bool {
	top := 64 - bits.LeadingZeros64(mask)
	if top >= 64 {
		return true
	}
	rest := int64(value) >> top
	return rest == 0 || rest == -1
}
