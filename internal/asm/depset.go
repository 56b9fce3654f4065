package asm

import "math/bits"

// depSet is a bitset of section indices.
type depSet []uint64

func (d *depSet) add(i int) {
	word := i / 64
	for len(*d) <= word {
		*d = append(*d, 0)
	}
	(*d)[word] |= 1 << uint(i%64)
}

func (d depSet) has(i int) bool {
	word := i / 64
	return word < len(d) && d[word]&(1<<uint(i%64)) != 0
}

func (d depSet) members() []int {
	var out []int
	for w, v := range d {
		for v != 0 {
			b := bits.TrailingZeros64(v)
			out = append(out, w*64+b)
			v &^= 1 << uint(b)
		}
	}
	return out
}
