package diag

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func newReporter() *Reporter {
	return NewReporter(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReporterCounts(t *testing.T) {
	r := newReporter()
	if r.HasErrors() || r.Err() != nil {
		t.Fatalf("fresh reporter has errors")
	}
	r.Warnf(At("a.s", 1), "odd %s", "thing")
	if r.HasErrors() {
		t.Fatalf("warning counted as error")
	}
	r.Errorf(At("a.s", 2), "bad %d", 1)
	r.Errorf(At("a.s", 3), "bad %d", 2)

	if got, want := r.ErrorCount(), 2; got != want {
		t.Fatalf("ErrorCount=%d, want %d", got, want)
	}
	if got, want := r.WarningCount(), 1; got != want {
		t.Fatalf("WarningCount=%d, want %d", got, want)
	}
	if got, want := len(r.Diagnostics()), 3; got != want {
		t.Fatalf("%d diagnostics, want %d", got, want)
	}
	if err := r.Err(); err == nil || !strings.HasPrefix(err.Error(), "2 errors") {
		t.Fatalf("Err=%v", err)
	}
}

func TestRender(t *testing.T) {
	r := newReporter()
	r.Warnf(At("a.s", 4), "shadowed")
	r.Errorf(At("a.s", 7), "name \x1b[31mred\x1b[0m")

	var buf bytes.Buffer
	if err := r.Render(&buf, false); err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "a.s:4: warning: shadowed\na.s:7: error: name red\n"
	if got := buf.String(); got != want {
		t.Fatalf("Render=%q, want %q", got, want)
	}

	buf.Reset()
	if err := r.Render(&buf, true); err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, tag := range []string{"\x1b[1;31merror\x1b[m", "\x1b[1;33mwarning\x1b[m"} {
		if !strings.Contains(buf.String(), tag) {
			t.Fatalf("colored output=%q, want %q", buf.String(), tag)
		}
	}
}

func TestFormatLocation(t *testing.T) {
	loc := At("x.s", 3)
	if got, want := FormatLocation(loc), "x.s:3"; got != want {
		t.Fatalf("FormatLocation=%q, want %q", got, want)
	}
	loc.Column = 5
	if got, want := FormatLocation(loc), "x.s:3:5"; got != want {
		t.Fatalf("FormatLocation=%q, want %q", got, want)
	}
	loc = At("", 0)
	if got, want := FormatLocation(loc), "<internal>"; got != want {
		t.Fatalf("FormatLocation=%q, want %q", got, want)
	}
}

func TestRecover(t *testing.T) {
	f := func() (err error) {
		defer Recover(&err)
		Internal("stage %d", 2)
		return nil
	}
	err := f()
	var ie *InternalError
	if !errors.As(err, &ie) || ie.Msg != "stage 2" {
		t.Fatalf("err=%v, want internal error", err)
	}

	defer func() {
		if r := recover(); r != "other" {
			t.Fatalf("recovered %v, want the original panic", r)
		}
	}()
	func() {
		var err error
		defer Recover(&err)
		panic("other")
	}()
}

func TestPad(t *testing.T) {
	if got, want := Pad("ab", 4), "ab  "; got != want {
		t.Fatalf("Pad=%q, want %q", got, want)
	}
	if got, want := Pad("\x1b[1mab\x1b[0m", 3), "\x1b[1mab\x1b[0m "; got != want {
		t.Fatalf("Pad=%q, want %q", got, want)
	}
	if got, want := Pad("abcdef", 3), "abcdef"; got != want {
		t.Fatalf("Pad=%q, want %q", got, want)
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Fatalf("buffer reported as terminal")
	}
}
