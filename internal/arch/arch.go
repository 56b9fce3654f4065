// Package arch holds the capability table of supported target
// architectures and the architecture owned instruction encoders.
package arch

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/tinyrange/rasm/internal/asm"
)

// EncoderFactory builds the encoder for one instruction.
type EncoderFactory func(m *asm.Module, mnemonic string, operands []string) (asm.Encoder, error)

// Descriptor describes one target architecture.
type Descriptor struct {
	Name      string
	BigEndian bool
	// AddrBytes is the size of an address in bytes.
	AddrBytes int

	// ELFMachine is zero for architectures without an ELF binding.
	ELFMachine elf.Machine
	ELFClass   elf.Class
	ELFRela    bool

	// AoutMID is the default a.out machine id; zero disables a.out.
	AoutMID uint32
	// Hunk reports whether AmigaOS hunk output is available.
	Hunk bool

	encoders map[string]EncoderFactory
}

var registry = map[string]*Descriptor{}

func register(d *Descriptor) *Descriptor {
	if _, exists := registry[d.Name]; exists {
		panic(fmt.Sprintf("arch: %q registered twice", d.Name))
	}
	registry[d.Name] = d
	return d
}

// Lookup finds an architecture by name.
func Lookup(name string) (*Descriptor, error) {
	d, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown cpu %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return d, nil
}

// Names lists the registered architectures.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ModuleConfig returns the target part of an asm.Config.
func (d *Descriptor) ModuleConfig(base asm.Config) asm.Config {
	base.BigEndian = d.BigEndian
	base.AddrBytes = d.AddrBytes
	return base
}

// Mnemonics lists the instructions with architecture encoders.
func (d *Descriptor) Mnemonics() []string {
	out := make([]string, 0, len(d.encoders))
	for name := range d.encoders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Instruction creates the encoder for mnemonic.
func (d *Descriptor) Instruction(m *asm.Module, mnemonic string, operands []string) (asm.Encoder, error) {
	mnemonic = strings.ToLower(mnemonic)
	if f, ok := d.encoders[mnemonic]; ok {
		return f(m, mnemonic, operands)
	}
	// size suffixes such as bra.s select the same factory
	if base, _, ok := strings.Cut(mnemonic, "."); ok {
		if f, ok := d.encoders[base]; ok {
			return f(m, mnemonic, operands)
		}
	}
	return nil, fmt.Errorf("%s: unknown instruction %q", d.Name, mnemonic)
}

func (d *Descriptor) handle(f EncoderFactory, mnemonics ...string) {
	if d.encoders == nil {
		d.encoders = make(map[string]EncoderFactory)
	}
	for _, name := range mnemonics {
		d.encoders[name] = f
	}
}

var (
	M6502 = register(&Descriptor{Name: "6502", AddrBytes: 2})
	Z80   = register(&Descriptor{Name: "z80", AddrBytes: 2})
	M68k  = register(&Descriptor{
		Name: "m68k", BigEndian: true, AddrBytes: 4,
		ELFMachine: elf.EM_68K, ELFClass: elf.ELFCLASS32, ELFRela: true,
		AoutMID: 135, Hunk: true,
	})
	PPC = register(&Descriptor{
		Name: "ppc", BigEndian: true, AddrBytes: 4,
		ELFMachine: elf.EM_PPC, ELFClass: elf.ELFCLASS32, ELFRela: true,
		Hunk: true,
	})
	ARM = register(&Descriptor{
		Name: "arm", AddrBytes: 4,
		ELFMachine: elf.EM_ARM, ELFClass: elf.ELFCLASS32,
		AoutMID: 143,
	})
	I386 = register(&Descriptor{
		Name: "i386", AddrBytes: 4,
		ELFMachine: elf.EM_386, ELFClass: elf.ELFCLASS32,
		AoutMID: 134,
	})
	X86_64 = register(&Descriptor{
		Name: "x86_64", AddrBytes: 8,
		ELFMachine: elf.EM_X86_64, ELFClass: elf.ELFCLASS64, ELFRela: true,
	})
)

func init() {
	M68k.handle(newM68kBranch, m68kBranchMnemonics()...)
	I386.handle(newX86Jump, x86JumpMnemonics()...)
	X86_64.handle(newX86Jump, x86JumpMnemonics()...)
	Z80.handle(newZ80Jump, "jp", "jr", "call")
	M6502.handle(new6502Branch, m6502BranchMnemonics()...)
	ARM.handle(newARMCall, "bl", "bl.t")
	PPC.handle(newPPCBranch, ppcBranchMnemonics()...)
}
