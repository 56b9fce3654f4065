package elf

import (
	"debug/elf"

	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/reloc"
)

// m68k relocation types. debug/elf does not define them.
const (
	rM68k32      = 1
	rM68k16      = 2
	rM68k8       = 3
	rM68kPC32    = 4
	rM68kPC16    = 5
	rM68kPC8     = 6
	rM68kGOT32   = 7
	rM68kGOT16   = 8
	rM68kGOT8    = 9
	rM68kGOT32O  = 10
	rM68kGOT16O  = 11
	rM68kGOT8O   = 12
	rM68kPLT32   = 13
	rM68kPLT16   = 14
	rM68kPLT8    = 15
	rM68kPLT32O  = 16
	rM68kPLT16O  = 17
	rM68kPLT8O   = 18
	rM68kCopy    = 19
	rM68kGlobDat = 20
	rM68kJmpSlot = 21
)

func rule(kind asm.RelocKind, size, bitOff uint32, mask uint64, typ uint32, name string) reloc.Rule {
	return reloc.Rule{
		Kind:    kind,
		Pattern: reloc.Pattern{Size: size, BitOffset: bitOff, Mask: mask},
		Type:    typ,
		Name:    name,
		Bytes:   int(bitOff+size+7) / 8,
	}
}

// halves is a 32-bit value split into two 16-bit fields of one unit.
func halves(first, second uint64, typ uint32, name string) reloc.Rule {
	return reloc.Rule{
		Kind:    asm.RelocAbs,
		Pattern: reloc.Pattern{Size: 16, Mask: first},
		Partner: &reloc.Pattern{Size: 16, BitOffset: 16, Mask: second},
		Type:    typ,
		Name:    name,
		Bytes:   4,
	}
}

func simple(kind asm.RelocKind, size uint32, typ uint32, name string) reloc.Rule {
	return rule(kind, size, 0, asm.NoMask, typ, name)
}

var tables = map[elf.Machine]*reloc.Table{
	elf.EM_386: {Format: "elf-i386", Rules: []reloc.Rule{
		halves(0xffff, 0xffff0000, uint32(elf.R_386_32), "R_386_32"),
		simple(asm.RelocAbs, 32, uint32(elf.R_386_32), "R_386_32"),
		simple(asm.RelocPC, 32, uint32(elf.R_386_PC32), "R_386_PC32"),
		simple(asm.RelocGOT, 32, uint32(elf.R_386_GOT32), "R_386_GOT32"),
		simple(asm.RelocPLTPC, 32, uint32(elf.R_386_PLT32), "R_386_PLT32"),
		simple(asm.RelocGOTOff, 32, uint32(elf.R_386_GOTOFF), "R_386_GOTOFF"),
		simple(asm.RelocGOTPC, 32, uint32(elf.R_386_GOTPC), "R_386_GOTPC"),
		simple(asm.RelocAbs, 16, uint32(elf.R_386_16), "R_386_16"),
		simple(asm.RelocPC, 16, uint32(elf.R_386_PC16), "R_386_PC16"),
		simple(asm.RelocAbs, 8, uint32(elf.R_386_8), "R_386_8"),
		simple(asm.RelocPC, 8, uint32(elf.R_386_PC8), "R_386_PC8"),
	}},
	elf.EM_X86_64: {Format: "elf-x86_64", Rules: []reloc.Rule{
		halves(0xffff, 0xffff0000, uint32(elf.R_X86_64_32), "R_X86_64_32"),
		simple(asm.RelocAbs, 64, uint32(elf.R_X86_64_64), "R_X86_64_64"),
		simple(asm.RelocAbs, 32, uint32(elf.R_X86_64_32), "R_X86_64_32"),
		simple(asm.RelocPC, 32, uint32(elf.R_X86_64_PC32), "R_X86_64_PC32"),
		simple(asm.RelocPC, 64, uint32(elf.R_X86_64_PC64), "R_X86_64_PC64"),
		simple(asm.RelocGOT, 32, uint32(elf.R_X86_64_GOT32), "R_X86_64_GOT32"),
		simple(asm.RelocGOTPC, 32, uint32(elf.R_X86_64_GOTPCREL), "R_X86_64_GOTPCREL"),
		simple(asm.RelocGOTOff, 64, uint32(elf.R_X86_64_GOTOFF64), "R_X86_64_GOTOFF64"),
		simple(asm.RelocPLTPC, 32, uint32(elf.R_X86_64_PLT32), "R_X86_64_PLT32"),
		simple(asm.RelocAbs, 16, uint32(elf.R_X86_64_16), "R_X86_64_16"),
		simple(asm.RelocPC, 16, uint32(elf.R_X86_64_PC16), "R_X86_64_PC16"),
		simple(asm.RelocAbs, 8, uint32(elf.R_X86_64_8), "R_X86_64_8"),
		simple(asm.RelocPC, 8, uint32(elf.R_X86_64_PC8), "R_X86_64_PC8"),
	}},
	elf.EM_ARM: {Format: "elf-arm", Rules: []reloc.Rule{
		halves(0xffff, 0xffff0000, uint32(elf.R_ARM_ABS32), "R_ARM_ABS32"),
		{
			Kind:    asm.RelocPC,
			Pattern: reloc.Pattern{Size: 11, Mask: 0x7ff000},
			Partner: &reloc.Pattern{Size: 11, BitOffset: 16, Mask: 0xffe},
			Type:    uint32(elf.R_ARM_THM_PC22),
			Name:    "R_ARM_THM_CALL",
			Bytes:   4,
		},
		simple(asm.RelocAbs, 32, uint32(elf.R_ARM_ABS32), "R_ARM_ABS32"),
		simple(asm.RelocPC, 32, uint32(elf.R_ARM_REL32), "R_ARM_REL32"),
		rule(asm.RelocPC, 24, 0, 0x3fffffc, uint32(elf.R_ARM_CALL), "R_ARM_CALL"),
		rule(asm.RelocPLTPC, 24, 0, 0x3fffffc, uint32(elf.R_ARM_PLT32), "R_ARM_PLT32"),
		simple(asm.RelocGOT, 32, uint32(elf.R_ARM_GOT32), "R_ARM_GOT_BREL"),
		simple(asm.RelocGOTOff, 32, uint32(elf.R_ARM_GOTOFF), "R_ARM_GOTOFF"),
		simple(asm.RelocAbs, 16, uint32(elf.R_ARM_ABS16), "R_ARM_ABS16"),
		simple(asm.RelocAbs, 8, uint32(elf.R_ARM_ABS8), "R_ARM_ABS8"),
	}},
	elf.EM_PPC: {Format: "elf-ppc", Rules: []reloc.Rule{
		halves(0xffff0000, 0xffff, uint32(elf.R_PPC_ADDR32), "R_PPC_ADDR32"),
		simple(asm.RelocAbs, 32, uint32(elf.R_PPC_ADDR32), "R_PPC_ADDR32"),
		rule(asm.RelocAbs, 24, 6, 0x3fffffc, uint32(elf.R_PPC_ADDR24), "R_PPC_ADDR24"),
		rule(asm.RelocAbs, 16, 0, 0xffff, uint32(elf.R_PPC_ADDR16_LO), "R_PPC_ADDR16_LO"),
		simple(asm.RelocAbs, 16, uint32(elf.R_PPC_ADDR16), "R_PPC_ADDR16"),
		rule(asm.RelocAbs, 16, 0, 0xffff0000, uint32(elf.R_PPC_ADDR16_HI), "R_PPC_ADDR16_HI"),
		rule(asm.RelocAbs, 14, 16, 0xfffc, uint32(elf.R_PPC_ADDR14), "R_PPC_ADDR14"),
		rule(asm.RelocPC, 24, 6, 0x3fffffc, uint32(elf.R_PPC_REL24), "R_PPC_REL24"),
		rule(asm.RelocPC, 14, 16, 0xfffc, uint32(elf.R_PPC_REL14), "R_PPC_REL14"),
		simple(asm.RelocPC, 32, uint32(elf.R_PPC_REL32), "R_PPC_REL32"),
		rule(asm.RelocPLTPC, 24, 6, 0x3fffffc, uint32(elf.R_PPC_PLTREL24), "R_PPC_PLTREL24"),
		simple(asm.RelocGOT, 16, uint32(elf.R_PPC_GOT16), "R_PPC_GOT16"),
		simple(asm.RelocSD, 16, uint32(elf.R_PPC_SDAREL16), "R_PPC_SDAREL16"),
	}},
	elf.EM_68K: {Format: "elf-m68k", Rules: []reloc.Rule{
		halves(0xffff0000, 0xffff, rM68k32, "R_68K_32"),
		simple(asm.RelocAbs, 32, rM68k32, "R_68K_32"),
		simple(asm.RelocAbs, 16, rM68k16, "R_68K_16"),
		simple(asm.RelocAbs, 8, rM68k8, "R_68K_8"),
		simple(asm.RelocPC, 32, rM68kPC32, "R_68K_PC32"),
		simple(asm.RelocPC, 16, rM68kPC16, "R_68K_PC16"),
		simple(asm.RelocPC, 8, rM68kPC8, "R_68K_PC8"),
		simple(asm.RelocGOTPC, 32, rM68kGOT32, "R_68K_GOT32"),
		simple(asm.RelocGOTPC, 16, rM68kGOT16, "R_68K_GOT16"),
		simple(asm.RelocGOTPC, 8, rM68kGOT8, "R_68K_GOT8"),
		simple(asm.RelocGOT, 32, rM68kGOT32O, "R_68K_GOT32O"),
		simple(asm.RelocGOT, 16, rM68kGOT16O, "R_68K_GOT16O"),
		simple(asm.RelocGOT, 8, rM68kGOT8O, "R_68K_GOT8O"),
		simple(asm.RelocPLTPC, 32, rM68kPLT32, "R_68K_PLT32"),
		simple(asm.RelocPLTPC, 16, rM68kPLT16, "R_68K_PLT16"),
		simple(asm.RelocPLTPC, 8, rM68kPLT8, "R_68K_PLT8"),
		simple(asm.RelocPLT, 32, rM68kPLT32O, "R_68K_PLT32O"),
		simple(asm.RelocPLT, 16, rM68kPLT16O, "R_68K_PLT16O"),
		simple(asm.RelocPLT, 8, rM68kPLT8O, "R_68K_PLT8O"),
		simple(asm.RelocCopy, 32, rM68kCopy, "R_68K_COPY"),
		simple(asm.RelocGlobDat, 32, rM68kGlobDat, "R_68K_GLOB_DAT"),
		simple(asm.RelocJmpSlot, 32, rM68kJmpSlot, "R_68K_JMP_SLOT"),
	}},
}

// Table returns the relocation table for an ELF machine.
func Table(machine elf.Machine) (*reloc.Table, bool) {
	t, ok := tables[machine]
	return t, ok
}
