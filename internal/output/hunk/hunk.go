// Package hunk writes AmigaOS hunk objects and executables.
package hunk

import (
	"flag"
	"fmt"

	"github.com/tinyrange/rasm/internal/arch"
	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/output"
	"github.com/tinyrange/rasm/internal/reloc"
)

// Hunk types.
const (
	HUNK_UNIT         = 0x3E7
	HUNK_NAME         = 0x3E8
	HUNK_CODE         = 0x3E9
	HUNK_DATA         = 0x3EA
	HUNK_BSS          = 0x3EB
	HUNK_RELOC32      = 0x3EC
	HUNK_RELOC16      = 0x3ED
	HUNK_RELOC8       = 0x3EE
	HUNK_EXT          = 0x3EF
	HUNK_SYMBOL       = 0x3F0
	HUNK_END          = 0x3F2
	HUNK_HEADER       = 0x3F3
	HUNK_DREL32       = 0x3F7
	HUNK_DREL16       = 0x3F8
	HUNK_DREL8        = 0x3F9
	HUNK_RELOC32SHORT = 0x3FC
	HUNK_RELRELOC32   = 0x3FD
	HUNK_ABSRELOC16   = 0x3FE
)

// HUNK_EXT entry types.
const (
	EXT_DEF       = 1
	EXT_ABS       = 2
	EXT_REF32     = 129
	EXT_COMMON    = 130
	EXT_REF16     = 131
	EXT_REF8      = 132
	EXT_DEXT32    = 133
	EXT_DEXT16    = 134
	EXT_DEXT8     = 135
	EXT_RELREF32  = 136
	EXT_RELCOMMON = 137
	EXT_ABSREF16  = 138
	EXT_ABSREF8   = 139
)

// Memory attribute bits of hunk size words.
const (
	MEMF_CHIP = 1 << 30
	MEMF_FAST = 1 << 31
)

// relocType pairs the hunk used for references to this object's own hunks
// with the HUNK_EXT type used for external references. A zero hunk means
// the reference can only be external.
type relocType struct {
	hunk uint32
	ext  uint8
}

var relocTypes = []relocType{
	{HUNK_RELOC32, EXT_REF32},
	{HUNK_RELOC16, EXT_REF16},
	{HUNK_RELOC8, EXT_REF8},
	{HUNK_RELRELOC32, EXT_RELREF32},
	{HUNK_ABSRELOC16, EXT_ABSREF16},
	{0, EXT_ABSREF8},
	{HUNK_DREL32, EXT_DEXT32},
	{HUNK_DREL16, EXT_DEXT16},
	{HUNK_DREL8, EXT_DEXT8},
}

// index into relocTypes
const (
	typeAbs32 = iota
	typePC16
	typePC8
	typePC32
	typeAbs16
	typeAbs8
	typeSD32
	typeSD16
	typeSD8
)

func rule(kind asm.RelocKind, size uint32, typ uint32, name string) reloc.Rule {
	return reloc.Rule{
		Kind:    kind,
		Pattern: reloc.Pattern{Size: size, Mask: asm.NoMask},
		Type:    typ,
		Name:    name,
		Bytes:   int(size / 8),
	}
}

var table = &reloc.Table{Format: "hunk", Rules: []reloc.Rule{
	rule(asm.RelocAbs, 32, typeAbs32, "RELOC32"),
	rule(asm.RelocAbs, 16, typeAbs16, "ABSRELOC16"),
	rule(asm.RelocAbs, 8, typeAbs8, "ABSREF8"),
	rule(asm.RelocPC, 32, typePC32, "RELRELOC32"),
	rule(asm.RelocPC, 16, typePC16, "RELOC16"),
	rule(asm.RelocPC, 8, typePC8, "RELOC8"),
	rule(asm.RelocSD, 32, typeSD32, "DREL32"),
	rule(asm.RelocSD, 16, typeSD16, "DREL16"),
	rule(asm.RelocSD, 8, typeSD8, "DREL8"),
}}

// Options controls hunk output.
type Options struct {
	KeepEmpty bool
	// NoSym omits HUNK_SYMBOL blocks.
	NoSym bool
	// DataBSS trims trailing zero bytes from executable DATA hunks and
	// leaves them to the loader.
	DataBSS bool
	// Kick1 avoids HUNK_RELOC32SHORT, which Kickstart 1.x cannot load.
	Kick1 bool
}

// Format writes hunk objects, or executables when Exe is set.
type Format struct {
	Exe     bool
	Options Options
}

func NewObject() *Format {
	return &Format{}
}

func NewExecutable() *Format {
	return &Format{Exe: true}
}

func (f *Format) Name() string {
	if f.Exe {
		return "hunkexe"
	}
	return "hunk"
}

func (f *Format) Description() string {
	if f.Exe {
		return "AmigaOS hunk executable"
	}
	return "AmigaOS hunk object"
}

func (f *Format) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&f.Options.KeepEmpty, "keepempty", f.Options.KeepEmpty, "keep empty sections")
	fs.BoolVar(&f.Options.NoSym, "nosym", f.Options.NoSym, "do not write HUNK_SYMBOL blocks")
	if f.Exe {
		fs.BoolVar(&f.Options.DataBSS, "databss", f.Options.DataBSS, "move trailing zero bytes of DATA hunks into their memory size")
		fs.BoolVar(&f.Options.Kick1, "kick1", f.Options.Kick1, "Kickstart 1.x compatible output (no short relocations)")
	}
}

func (f *Format) Supports(target *arch.Descriptor) error {
	if !target.Hunk {
		return fmt.Errorf("%s: cpu %s has no hunk binding", f.Name(), target.Name)
	}
	return nil
}

func (f *Format) NewEmitter(target *arch.Descriptor) output.Emitter {
	return &emitter{exe: f.Exe, opts: f.Options}
}
