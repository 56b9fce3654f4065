// Package asmtest holds helpers shared by tests that build modules.
package asmtest

import (
	"io"
	"log/slog"
	"testing"

	"github.com/pattyshack/gt/parseutil"

	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/diag"
)

// Loc returns a location in the fake source file "test.s".
func Loc(line int) parseutil.Location {
	return diag.At("test.s", line)
}

// NewModule creates a module whose diagnostics are collected but not logged.
func NewModule(t *testing.T, cfg asm.Config) *asm.Module {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return asm.NewModule(cfg, diag.NewReporter(logger), logger)
}

// Assemble resolves and finalizes m and fails the test on any error.
func Assemble(t *testing.T, m *asm.Module) {
	t.Helper()
	if err := m.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if m.Diag.HasErrors() {
		t.Fatalf("diagnostics: %v", m.Diag.Err())
	}
}

// SectionBytes concatenates the finalized content of sec.
func SectionBytes(t *testing.T, m *asm.Module, sec *asm.Section) []byte {
	t.Helper()
	if !m.Finalized() {
		t.Fatalf("section %q read before finalize", sec.Name)
	}
	return m.Image(sec)
}

// RelocsOf collects the relocation descriptors of sec with offsets made
// section relative.
func RelocsOf(sec *asm.Section) []asm.Reloc {
	var out []asm.Reloc
	for _, a := range sec.Atoms {
		for _, r := range a.Relocs() {
			r.ByteOffset += a.Offset
			out = append(out, r)
		}
	}
	return out
}
