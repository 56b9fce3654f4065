package output

// StringTable accumulates NUL terminated names. Equal names share one
// entry.
type StringTable struct {
	data  []byte
	index map[string]uint32
	base  uint32
}

// NewStringTable starts an ELF style table whose first byte is NUL, so
// offset 0 is the empty name.
func NewStringTable() *StringTable {
	return &StringTable{data: []byte{0}, index: map[string]uint32{"": 0}}
}

// NewPrefixedStringTable starts a table whose offsets count from the start
// of a prefix of base bytes, as in a.out where the table size comes first.
// The empty name maps to offset 0.
func NewPrefixedStringTable(base uint32) *StringTable {
	return &StringTable{index: map[string]uint32{"": 0}, base: base}
}

// Add returns the offset of name, adding it on first use.
func (t *StringTable) Add(name string) uint32 {
	if off, ok := t.index[name]; ok {
		return off
	}
	off := t.base + uint32(len(t.data))
	t.data = append(t.data, name...)
	t.data = append(t.data, 0)
	t.index[name] = off
	return off
}

// Bytes returns the table content without any prefix.
func (t *StringTable) Bytes() []byte {
	return t.data
}

// Size is the size of the content plus the prefix.
func (t *StringTable) Size() uint32 {
	return t.base + uint32(len(t.data))
}
