package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/rasm/internal/arch"
	"github.com/tinyrange/rasm/internal/asm"
	"github.com/tinyrange/rasm/internal/config"
	"github.com/tinyrange/rasm/internal/diag"
	"github.com/tinyrange/rasm/internal/output"
	"github.com/tinyrange/rasm/internal/output/aout"
	"github.com/tinyrange/rasm/internal/output/bin"
	"github.com/tinyrange/rasm/internal/output/elf"
	"github.com/tinyrange/rasm/internal/output/hunk"
	"github.com/tinyrange/rasm/internal/source"
)

// errReported marks failures whose details were already printed as
// diagnostics.
var errReported = errors.New("assembly failed")

func newRegistry() *output.Registry {
	return output.NewRegistry(
		elf.New(),
		aout.New(),
		hunk.NewObject(),
		hunk.NewExecutable(),
		bin.New(),
	)
}

// scanFlag returns the value of -name in args without parsing the rest.
// The format has to be known before its flags can be registered.
func scanFlag(args []string, name string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		a = strings.TrimPrefix(strings.TrimPrefix(a, "-"), "-")
		if v, ok := strings.CutPrefix(a, name+"="); ok {
			return v
		}
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func defaultOutput(input, format string) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	switch format {
	case "bin":
		return base + ".bin"
	case "hunkexe":
		if base == input {
			return base + ".exe"
		}
		return base
	}
	return base + ".o"
}

func usage(fs *flag.FlagSet, reg *output.Registry, w io.Writer) func() {
	return func() {
		fmt.Fprintf(w, "usage: rasm [flags] input.yaml\n\n")
		fs.SetOutput(w)
		fs.PrintDefaults()
		fmt.Fprintf(w, "\nformats:\n")
		for _, name := range reg.Names() {
			f, _ := reg.Lookup(name)
			fmt.Fprintf(w, "  %s %s\n", diag.Pad(name, 10), f.Description())
		}
		fmt.Fprintf(w, "\ncpus: %s\n", strings.Join(arch.Names(), ", "))
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(scanFlag(args, "config"))
	if err != nil {
		return err
	}
	reg := newRegistry()
	formatName := cfg.Format
	if v := scanFlag(args, "F"); v != "" {
		formatName = v
	}
	format, err := reg.Lookup(formatName)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("rasm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = usage(fs, reg, stderr)

	fs.String("F", formatName, "output format")
	fs.String("config", "", "configuration file (default "+config.DefaultFilename+" if present)")
	cpu := fs.String("cpu", cfg.CPU, "target cpu")
	out := fs.String("o", cfg.Output, "output file")
	unnamed := fs.Bool("unnamed-sections", cfg.UnnamedSections, "merge sections by attributes, ignoring names")
	maxPasses := fs.Int("maxpasses", cfg.Resolver.MaxPasses, "resolver pass budget per section")
	fastPasses := fs.Int("fastpasses", cfg.Resolver.FastPasses, "passes before switching to safe mode")
	progress := fs.Bool("progress", false, "show section resolution progress")
	debug := fs.Bool("debug", false, "enable debug logging")
	version := fs.Bool("version", false, "print the version and exit")
	format.RegisterFlags(fs)

	if err := fs.Parse(cfg.FormatOptions); err != nil {
		return fmt.Errorf("config formatOptions: %w", err)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("failed to parse args: %w", err)
	}

	if *version {
		fmt.Fprintf(stdout, "rasm %s\n", config.Version)
		return nil
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected one input file, got %d", fs.NArg())
	}
	input := fs.Arg(0)

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	target, err := arch.Lookup(*cpu)
	if err != nil {
		return err
	}
	if err := format.Supports(target); err != nil {
		return err
	}

	cfg.UnnamedSections = *unnamed
	cfg.Resolver.MaxPasses = *maxPasses
	cfg.Resolver.FastPasses = *fastPasses
	if err := cfg.Validate(); err != nil {
		return err
	}
	m := asm.NewModule(target.ModuleConfig(cfg.ModuleConfig()), diag.NewReporter(logger), logger)
	color := diag.IsTerminal(stderr)
	report := func() {
		if err := m.Diag.Render(stderr, color); err != nil {
			logger.Error("failed to write diagnostics", "error", err)
		}
	}

	if err := source.LoadFile(m, target, input); err != nil {
		return err
	}
	if m.Diag.HasErrors() {
		report()
		return errReported
	}

	if *progress {
		bar := progressbar.Default(int64(len(m.Sections)), "resolving")
		defer bar.Close()
		seen := make(map[*asm.Section]bool)
		m.OnSectionResolved = func(sec *asm.Section) {
			if !seen[sec] {
				seen[sec] = true
				_ = bar.Add(1)
			}
		}
	}

	if err := m.Resolve(); err != nil {
		report()
		return fmt.Errorf("resolve: %w", err)
	}
	if err := m.Finalize(); err != nil {
		report()
		return fmt.Errorf("finalize: %w", err)
	}
	if m.Diag.HasErrors() {
		report()
		return errReported
	}

	data, err := output.Run(format, m, target)
	report()
	if err != nil {
		if m.Diag.HasErrors() {
			return errReported
		}
		return err
	}

	path := *out
	if path == "" {
		path = defaultOutput(input, format.Name())
	}
	perm := os.FileMode(0o644)
	if format.Name() == "hunkexe" {
		perm = 0o755
	}
	if err := output.WriteFile(path, data, perm, m.Diag); err != nil {
		return err
	}
	logger.Debug("wrote output", "path", path, "bytes", len(data))
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "rasm: %v\n", err)
		}
		os.Exit(1)
	}
}
