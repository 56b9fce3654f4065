// Package diag collects assembler diagnostics.
//
// User and input errors are accumulated so that as many independent
// problems as possible are reported in one run. Object file writing is
// gated on ErrorCount being zero. Broken internal invariants are raised with
// Internal and abort the current operation immediately.
package diag

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/pattyshack/gt/parseutil"
	"golang.org/x/term"
)

type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Diagnostic is one reported problem with its source position.
type Diagnostic struct {
	Severity Severity
	Loc      parseutil.Location
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", FormatLocation(d.Loc), d.Severity, d.Message)
}

// Reporter accumulates diagnostics. The zero value is not usable; use
// NewReporter.
type Reporter struct {
	emitter  parseutil.Emitter
	diags    []Diagnostic
	warnings int
	logger   *slog.Logger
}

func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logger: logger}
}

// Errorf records a user or input error.
func (r *Reporter) Errorf(loc parseutil.Location, format string, args ...any) {
	r.emitter.Emit(loc, format, args...)
	r.diags = append(r.diags, Diagnostic{
		Severity: SeverityError,
		Loc:      loc,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Warnf records a warning. Warnings never suppress output.
func (r *Reporter) Warnf(loc parseutil.Location, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.warnings++
	r.diags = append(r.diags, Diagnostic{
		Severity: SeverityWarning,
		Loc:      loc,
		Message:  msg,
	})
	r.logger.Debug("warning recorded", "loc", FormatLocation(loc), "msg", msg)
}

func (r *Reporter) HasErrors() bool {
	return r.emitter.HasErrors()
}

func (r *Reporter) ErrorCount() int {
	return len(r.emitter.Errors())
}

func (r *Reporter) WarningCount() int {
	return r.warnings
}

// Errors returns the recorded errors in report order.
func (r *Reporter) Errors() []error {
	return r.emitter.Errors()
}

// Diagnostics returns every warning and error in report order.
func (r *Reporter) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), r.diags...)
}

// Err summarizes the recorded errors, or returns nil when there are none.
func (r *Reporter) Err() error {
	n := r.ErrorCount()
	if n == 0 {
		return nil
	}
	if n == 1 {
		return fmt.Errorf("1 error: %w", r.Errors()[0])
	}
	return fmt.Errorf("%d errors, first: %w", n, r.Errors()[0])
}

var (
	errorStyle   = ansi.Style{}.Bold().ForegroundColor(ansi.Red)
	warningStyle = ansi.Style{}.Bold().ForegroundColor(ansi.Yellow)
)

// Render writes all diagnostics to w, coloring the severity tag when color
// is set.
func (r *Reporter) Render(w io.Writer, color bool) error {
	for _, d := range r.diags {
		tag := d.Severity.String()
		if color {
			switch d.Severity {
			case SeverityError:
				tag = errorStyle.Styled(tag)
			case SeverityWarning:
				tag = warningStyle.Styled(tag)
			}
		}
		if _, err := fmt.Fprintf(w, "%s: %s: %s\n", FormatLocation(d.Loc), tag, Sanitize(d.Message)); err != nil {
			return err
		}
	}
	return nil
}

// Sanitize strips terminal control sequences from user supplied text.
func Sanitize(s string) string {
	return ansi.Strip(s)
}

// Pad right-pads s to width display columns.
func Pad(s string, width int) string {
	w := ansi.StringWidth(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func FormatLocation(loc parseutil.Location) string {
	if loc.FileName == "" && loc.Line == 0 {
		return "<internal>"
	}
	if loc.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", loc.FileName, loc.Line, loc.Column)
	}
	return fmt.Sprintf("%s:%d", loc.FileName, loc.Line)
}

// At builds a location from a file name and line.
func At(file string, line int) parseutil.Location {
	return parseutil.Location{FileName: file, Line: line}
}
