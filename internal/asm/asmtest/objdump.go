package asmtest

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// Expectation describes a single instruction that should appear in the
// disassembly output.
type Expectation struct {
	Mnemonic string
	Contains []string
}

// DisasmLine represents a single instruction line emitted by objdump.
type DisasmLine struct {
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains substr.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

func (e Expectation) match(line DisasmLine) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q in %q", needle, line.Normalized)
		}
	}
	return nil
}

// VerifyExpectations checks the disassembly against expect in order.
// Trailing instructions are ignored.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("objdump returned %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, exp := range expect {
		if err := exp.match(lines[idx]); err != nil {
			t.Fatalf("instruction %d: %v\nline: %s", idx, err, lines[idx].Text)
		}
	}
}

// Disassemble runs objdump over raw code for the given bfd architecture
// (for example "i386" or "m68k"). The test is skipped when objdump is
// missing or was built without support for the architecture.
func Disassemble(t *testing.T, code []byte, machine string, bigEndian bool) []DisasmLine {
	t.Helper()

	toolPath, err := exec.LookPath("objdump")
	if err != nil {
		t.Skipf("objdump not found: %v", err)
	}

	tmp, err := os.CreateTemp("", "rasm-objdump-*.bin")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(code); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}

	args := []string{"-D", "--no-show-raw-insn", "-b", "binary", "-m", machine}
	if bigEndian {
		args = append(args, "-EB")
	}
	args = append(args, tmp.Name())
	output, err := exec.Command(toolPath, args...).CombinedOutput()
	if err != nil {
		t.Skipf("objdump cannot disassemble %s: %v\n%s", machine, err, output)
	}

	lines, err := parseObjdumpOutput(string(output))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", output)
	}
	return lines
}

func parseObjdumpOutput(out string) ([]DisasmLine, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var lines []DisasmLine
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, " ") {
			continue
		}
		colon := strings.IndexRune(line, ':')
		if colon == -1 {
			continue
		}
		text := strings.TrimSpace(line[colon+1:])
		fields := strings.Fields(text)
		if len(fields) == 0 || strings.HasPrefix(text, "<") {
			continue
		}
		lines = append(lines, DisasmLine{
			Text:       text,
			Normalized: strings.Join(fields, " "),
			Mnemonic:   strings.ToLower(fields[0]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return lines, nil
}
