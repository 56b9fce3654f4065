// Package source loads a module description written in YAML.
//
// A description lists symbol declarations and sections. Each section body is
// a sequence of single-key directives:
//
//	symbols:
//	  - import: printf
//	  - export: main
//	  - common: buf
//	    size: 64
//	  - set: BUFSIZE
//	    value: 64
//	sections:
//	  - name: .text
//	    attrs: acrx
//	    body:
//	      - label: main
//	        type: function
//	      - insn: bsr printf
//	      - data: [main+4, 0]
//	        size: 4
//	      - space: 16
//	        uninit: true
//
// Problems in individual entries are reported through the module's
// diagnostics with the line and column of the entry, and loading goes on.
package source

import (
	"fmt"
	"os"
	"strings"

	"github.com/pattyshack/gt/parseutil"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rasm/internal/arch"
	"github.com/tinyrange/rasm/internal/asm"
)

type document struct {
	Symbols  []yaml.Node `yaml:"symbols"`
	Sections []yaml.Node `yaml:"sections"`
}

type sectionDoc struct {
	Name        string      `yaml:"name"`
	Attrs       string      `yaml:"attrs"`
	Origin      *uint64     `yaml:"origin"`
	Align       uint64      `yaml:"align"`
	Unallocated bool        `yaml:"unallocated"`
	Body        []yaml.Node `yaml:"body"`
}

// directive is the union of all body and symbol entries. Exactly one of
// the keys in directiveKeys must be present.
type directive struct {
	// symbols
	Import string `yaml:"import"`
	Export string `yaml:"export"`
	Weak   string `yaml:"weak"`
	Local  string `yaml:"local"`
	Common string `yaml:"common"`
	Set    string `yaml:"set"`

	// body
	Label  string    `yaml:"label"`
	Insn   string    `yaml:"insn"`
	Data   yaml.Node `yaml:"data"`
	Half   string    `yaml:"half"`
	Ascii  *string   `yaml:"ascii"`
	Space  *uint64   `yaml:"space"`
	Align  uint64    `yaml:"align"`
	Org    *uint64   `yaml:"org"`
	OrgEnd bool      `yaml:"orgend"`
	Print  *string   `yaml:"print"`
	Assert *uint64   `yaml:"assert"`

	// modifiers
	Type    string `yaml:"type"`
	Size    uint64 `yaml:"size"`
	Value   string `yaml:"value"`
	Kind    string `yaml:"kind"`
	High    bool   `yaml:"high"`
	Width   uint64 `yaml:"width"`
	Fill    *uint8 `yaml:"fill"`
	Uninit  bool   `yaml:"uninit"`
	Message string `yaml:"message"`
}

var symbolKeys = []string{"import", "export", "weak", "local", "common", "set"}

var bodyKeys = []string{
	"label", "insn", "data", "half", "ascii", "space",
	"align", "org", "orgend", "print", "assert",
}

// loader carries the state of one Load call.
type loader struct {
	m      *asm.Module
	target *arch.Descriptor
	file   string
}

// LoadFile reads path and adds its content to m.
func LoadFile(m *asm.Module, target *arch.Descriptor, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return Load(m, target, path, data)
}

// Load adds the sections and symbols described by data to m. The returned
// error is set for documents that cannot be decoded at all; everything else
// is reported through m.Diag.
func Load(m *asm.Module, target *arch.Descriptor, name string, data []byte) error {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if m.SourceName == "" {
		m.SourceName = name
	}
	l := &loader{m: m, target: target, file: name}
	for i := range doc.Symbols {
		l.symbol(&doc.Symbols[i])
	}
	for i := range doc.Sections {
		l.section(&doc.Sections[i])
	}
	return nil
}

func (l *loader) loc(n *yaml.Node) parseutil.Location {
	return parseutil.Location{FileName: l.file, Line: n.Line, Column: n.Column}
}

// decode reads a directive and returns the one key of keys it uses.
func (l *loader) decode(n *yaml.Node, keys []string) (*directive, string, bool) {
	if n.Kind != yaml.MappingNode {
		l.m.Diag.Errorf(l.loc(n), "expected a mapping, found %s", nodeKind(n))
		return nil, "", false
	}
	var d directive
	if err := n.Decode(&d); err != nil {
		l.m.Diag.Errorf(l.loc(n), "%v", err)
		return nil, "", false
	}
	var found []string
	for i := 0; i < len(n.Content); i += 2 {
		k := n.Content[i].Value
		for _, want := range keys {
			if k == want {
				found = append(found, k)
			}
		}
	}
	if len(found) != 1 {
		l.m.Diag.Errorf(l.loc(n), "entry needs exactly one of %s, found %d", strings.Join(keys, ", "), len(found))
		return nil, "", false
	}
	return &d, found[0], true
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.SequenceNode:
		return "a sequence"
	case yaml.ScalarNode:
		return fmt.Sprintf("%q", n.Value)
	}
	return "an alias"
}

func (l *loader) symbol(n *yaml.Node) {
	d, key, ok := l.decode(n, symbolKeys)
	if !ok {
		return
	}
	loc := l.loc(n)
	switch key {
	case "import":
		l.m.Import(d.Import, loc)
	case "export":
		l.m.Export(d.Export, false, loc)
	case "weak":
		l.m.Export(d.Weak, true, loc)
	case "local":
		l.m.Local(d.Local, loc)
	case "common":
		l.m.Common(d.Common, d.Size, d.Align, loc)
	case "set":
		sym, v, err := arch.ParseValue(l.m, d.Value)
		if err != nil || sym != nil {
			l.m.Diag.Errorf(loc, "set %s: value %q is not a constant", d.Set, d.Value)
			return
		}
		l.m.SetAbsolute(d.Set, uint64(v), loc)
	}
}

func (l *loader) section(n *yaml.Node) {
	var sd sectionDoc
	if err := n.Decode(&sd); err != nil {
		l.m.Diag.Errorf(l.loc(n), "%v", err)
		return
	}
	loc := l.loc(n)
	if sd.Name == "" && !l.m.Config.UnnamedSections {
		l.m.Diag.Errorf(loc, "section without a name")
		return
	}
	sec := l.m.Section(sd.Name, sd.Attrs, loc)
	if sd.Origin != nil {
		l.m.SetOrigin(sec, *sd.Origin)
	}
	if sd.Align > 0 {
		if sd.Align&(sd.Align-1) != 0 {
			l.m.Diag.Errorf(loc, "section %q: alignment %d is not a power of two", sd.Name, sd.Align)
		} else {
			sec.Align = max(sec.Align, sd.Align)
		}
	}
	if sd.Unallocated {
		l.m.MarkUnallocated(sec)
	}
	for i := range sd.Body {
		l.entry(sec, &sd.Body[i])
	}
}

func (l *loader) entry(sec *asm.Section, n *yaml.Node) {
	d, key, ok := l.decode(n, bodyKeys)
	if !ok {
		return
	}
	loc := l.loc(n)
	m := l.m
	switch key {
	case "label":
		sym := m.DefineLabel(sec, d.Label, loc)
		typ, err := symbolType(d.Type)
		if err != nil {
			m.Diag.Errorf(loc, "label %s: %v", d.Label, err)
		}
		sym.Type = typ
	case "insn":
		l.instruction(sec, loc, d.Insn)
	case "data":
		l.data(sec, loc, d)
	case "half":
		sym, addend, err := arch.ParseValue(m, d.Half)
		if err != nil {
			m.Diag.Errorf(loc, "half: %v", err)
			return
		}
		m.Append(sec, l.target.Half(loc, sym, addend, d.High))
	case "ascii":
		m.Append(sec, asm.NewData(loc, []byte(*d.Ascii)))
	case "space":
		var fill []byte
		if d.Fill != nil {
			fill = []byte{*d.Fill}
		}
		m.Append(sec, asm.NewSpace(loc, *d.Space, d.Width, fill, d.Uninit))
	case "align":
		if d.Align&(d.Align-1) != 0 {
			m.Diag.Errorf(loc, "alignment %d is not a power of two", d.Align)
			return
		}
		var fill []byte
		if d.Fill != nil {
			fill = []byte{*d.Fill}
		}
		m.Append(sec, asm.NewAlign(loc, d.Align, fill))
		sec.Align = max(sec.Align, d.Align)
	case "org":
		m.Append(sec, asm.NewOrg(loc, *d.Org))
	case "orgend":
		m.Append(sec, asm.NewOrgEnd(loc))
	case "print":
		m.Append(sec, asm.NewPrint(loc, *d.Print))
	case "assert":
		limit := *d.Assert
		msg := d.Message
		if msg == "" {
			msg = fmt.Sprintf("address exceeds %#x", limit)
		}
		m.Append(sec, asm.NewAssert(loc, msg, func(addr uint64) bool { return addr <= limit }))
	}
}

func symbolType(s string) (asm.SymbolType, error) {
	switch s {
	case "", "none":
		return asm.TypeNone, nil
	case "object":
		return asm.TypeObject, nil
	case "function", "func":
		return asm.TypeFunc, nil
	}
	return asm.TypeNone, fmt.Errorf("unknown symbol type %q", s)
}

// instruction splits "mnemonic op1, op2" and asks the architecture for an
// encoder.
func (l *loader) instruction(sec *asm.Section, loc parseutil.Location, text string) {
	mnemonic, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	mnemonic = strings.ToLower(mnemonic)
	var ops []string
	if rest = strings.TrimSpace(rest); rest != "" {
		for _, op := range strings.Split(rest, ",") {
			ops = append(ops, strings.TrimSpace(op))
		}
	}
	enc, err := l.target.Instruction(l.m, mnemonic, ops)
	if err != nil {
		l.m.Diag.Errorf(loc, "%s: %v", mnemonic, err)
		return
	}
	l.m.Append(sec, asm.NewInstruction(loc, mnemonic, ops, enc))
}

// data appends one value atom per element of a scalar or sequence.
func (l *loader) data(sec *asm.Section, loc parseutil.Location, d *directive) {
	var values []string
	switch d.Data.Kind {
	case yaml.ScalarNode:
		values = []string{d.Data.Value}
	case yaml.SequenceNode:
		if err := d.Data.Decode(&values); err != nil {
			l.m.Diag.Errorf(loc, "data: %v", err)
			return
		}
	default:
		l.m.Diag.Errorf(loc, "data: expected a value or a list of values")
		return
	}
	size := int(d.Size)
	if size == 0 {
		size = l.target.AddrBytes
	}
	kind := asm.RelocAbs
	if d.Kind != "" {
		k, ok := asm.ParseRelocKind(d.Kind)
		if !ok {
			l.m.Diag.Errorf(loc, "data: unknown relocation kind %q", d.Kind)
			return
		}
		kind = k
	}
	for _, v := range values {
		sym, addend, err := arch.ParseValue(l.m, v)
		if err != nil {
			l.m.Diag.Errorf(loc, "data: %v", err)
			return
		}
		a, err := l.target.Value(loc, size, sym, addend, kind)
		if err != nil {
			l.m.Diag.Errorf(loc, "data: %v", err)
			return
		}
		l.m.Append(sec, a)
	}
}
