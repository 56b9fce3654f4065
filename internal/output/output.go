// Package output drives the object emitters and holds the pieces they
// share: the format registry, the emission stage machine, string tables,
// section images and atomic file writing.
package output

import (
	"bytes"
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tinyrange/rasm/internal/arch"
	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/diag"
)

// Format is one output container.
type Format interface {
	Name() string
	Description() string
	// RegisterFlags adds the format's options to fs. Values are read when
	// the emitter is created.
	RegisterFlags(fs *flag.FlagSet)
	// Supports reports why target cannot be written in this format.
	Supports(target *arch.Descriptor) error
	NewEmitter(target *arch.Descriptor) Emitter
}

// Emitter serializes one module. Run calls the stages once each, in order.
type Emitter interface {
	// Layout translates relocations, builds the symbol table and assigns
	// file offsets to every part of the file.
	Layout(job *Job) error
	// Construct produces section contents and table bytes.
	Construct(job *Job) error
	// Write emits the header followed by everything else in file order.
	Write(job *Job, buf *bytes.Buffer) error
}

// Registry maps format names to formats.
type Registry struct {
	formats map[string]Format
}

func NewRegistry(formats ...Format) *Registry {
	r := &Registry{formats: make(map[string]Format)}
	for _, f := range formats {
		if _, dup := r.formats[f.Name()]; dup {
			panic(fmt.Sprintf("output: format %q registered twice", f.Name()))
		}
		r.formats[f.Name()] = f
	}
	return r
}

func (r *Registry) Lookup(name string) (Format, error) {
	f, ok := r.formats[name]
	if !ok {
		return nil, fmt.Errorf("unknown output format %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return f, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.formats))
	for name := range r.formats {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Job is the state of one emitter run.
type Job struct {
	Module *asm.Module
	Target *arch.Descriptor
	Logger *slog.Logger

	stage Stage
}

// Stage returns the current stage.
func (j *Job) Stage() Stage {
	return j.stage
}

func (j *Job) advance(next Stage) {
	if next != j.stage+1 {
		diag.Internal("emitter moved from %s to %s", j.stage, next)
	}
	j.Logger.Debug("emitter stage", "stage", next)
	j.stage = next
}

// Run executes the emitter stages for m and returns the file image. No
// bytes are produced when an error was recorded before the write stage.
func Run(f Format, m *asm.Module, target *arch.Descriptor) (out []byte, err error) {
	defer diag.Recover(&err)

	if !m.Finalized() {
		diag.Internal("module emitted before finalization")
	}
	if err := f.Supports(target); err != nil {
		return nil, err
	}
	job := &Job{Module: m, Target: target, Logger: m.Logger.With("format", f.Name())}
	e := f.NewEmitter(target)

	job.advance(StageLayout)
	if err := e.Layout(job); err != nil {
		return nil, fmt.Errorf("%s layout: %w", f.Name(), err)
	}
	job.advance(StageConstruction)
	if err := e.Construct(job); err != nil {
		return nil, fmt.Errorf("%s construction: %w", f.Name(), err)
	}
	if m.Diag.HasErrors() {
		return nil, m.Diag.Err()
	}
	job.advance(StageWrite)
	var buf bytes.Buffer
	if err := e.Write(job, &buf); err != nil {
		return nil, fmt.Errorf("%s write: %w", f.Name(), err)
	}
	job.advance(StageDone)
	return buf.Bytes(), nil
}
