package asm

import (
	"fmt"
	"strings"

	"github.com/pattyshack/gt/parseutil"
)

// Attr is the parsed form of a section attribute string.
type Attr uint16

const (
	AttrAlloc Attr = 1 << iota
	AttrRead
	AttrWrite
	AttrExec
	AttrUninit
	AttrCode
	AttrData
	AttrChip
	AttrFast
)

var attrLetters = []struct {
	c    byte
	attr Attr
}{
	{'a', AttrAlloc},
	{'r', AttrRead},
	{'w', AttrWrite},
	{'x', AttrExec},
	{'u', AttrUninit},
	{'c', AttrCode},
	{'d', AttrData},
	{'C', AttrChip},
	{'F', AttrFast},
}

// ParseAttr parses an attribute string such as "acrx" or "aurw".
func ParseAttr(s string) (Attr, error) {
	var a Attr
	for i := 0; i < len(s); i++ {
		found := false
		for _, l := range attrLetters {
			if l.c == s[i] {
				a |= l.attr
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown section attribute %q in %q", s[i], s)
		}
	}
	if a&AttrChip != 0 && a&AttrFast != 0 {
		return 0, fmt.Errorf("section attributes %q request both chip and fast memory", s)
	}
	if a&AttrCode != 0 {
		a |= AttrExec
	}
	return a, nil
}

func (a Attr) String() string {
	var sb strings.Builder
	for _, l := range attrLetters {
		if a&l.attr != 0 {
			sb.WriteByte(l.c)
		}
	}
	return sb.String()
}

func (a Attr) Has(f Attr) bool {
	return a&f != 0
}

type SectionFlags uint16

const (
	// SecAbsolute is set while the resolver is inside an org block.
	SecAbsolute SectionFlags = 1 << iota
	// SecUnallocated marks offset sections that only define absolute labels.
	SecUnallocated
	// SecResolveWarn is set when an atom changed suspiciously often.
	SecResolveWarn
	// SecOrigin marks sections placed at an explicit address.
	SecOrigin
)

type Section struct {
	Name   string
	Attr   Attr
	Align  uint64
	Origin uint64
	Flags  SectionFlags
	Atoms  []*Atom
	Index  int
	Loc    parseutil.Location

	// PC is the logical program counter. After resolution it is the logical
	// end address of the section.
	PC uint64
	// Size is the memory size of the section once resolved.
	Size uint64
	// FileSize excludes trailing uninitialized space.
	FileSize uint64
	// Passes counts the passes used by the last resolution.
	Passes int

	dependents depSet
	pending    bool
}

func (s *Section) Append(a *Atom) *Atom {
	a.Section = s
	s.Atoms = append(s.Atoms, a)
	return a
}

func (s *Section) Has(f SectionFlags) bool {
	return s.Flags&f != 0
}

// IsUninitialized reports whether the section occupies no file space.
func (s *Section) IsUninitialized() bool {
	return s.Attr.Has(AttrUninit)
}

// IsCode reports whether the section holds executable code.
func (s *Section) IsCode() bool {
	return s.Attr.Has(AttrExec | AttrCode)
}

// Dependents returns the indices of sections that must be re-resolved when
// this section's layout changes.
func (s *Section) Dependents() []int {
	return s.dependents.members()
}

func (s *Section) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, s.Attr)
}
