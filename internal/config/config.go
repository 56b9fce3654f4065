// Package config loads the optional rasm.yaml file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rasm/internal/asm"
)

const (
	DefaultFilename = "rasm.yaml"
	DefaultFormat   = "elf"
	DefaultCPU      = "m68k"
)

// Version is the tool version compared against a config's requires field.
const Version = "v0.3.1"

type Config struct {
	// Requires is the minimum tool version, e.g. "v0.3".
	Requires string `yaml:"requires,omitempty"`

	Format          string   `yaml:"format"`
	CPU             string   `yaml:"cpu"`
	Output          string   `yaml:"output,omitempty"`
	UnnamedSections bool     `yaml:"unnamedSections,omitempty"`
	Resolver        Resolver `yaml:"resolver"`

	// FormatOptions are passed to the format as command line flags, before
	// the ones given on the command line.
	FormatOptions []string `yaml:"formatOptions,omitempty"`
}

type Resolver struct {
	MaxPasses         int `yaml:"maxPasses"`
	FastPasses        int `yaml:"fastPasses"`
	SuspiciousChanges int `yaml:"suspiciousChanges"`
}

func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if c.CPU == "" {
		c.CPU = DefaultCPU
	}
	if c.Resolver.MaxPasses <= 0 {
		c.Resolver.MaxPasses = asm.DefaultMaxPasses
	}
	if c.Resolver.FastPasses <= 0 {
		c.Resolver.FastPasses = asm.DefaultFastPasses
	}
	if c.Resolver.SuspiciousChanges <= 0 {
		c.Resolver.SuspiciousChanges = asm.DefaultSuspiciousChanges
	}
}

// Validate checks the version gate and the resolver budgets.
func (c *Config) Validate() error {
	if c.Requires != "" {
		req := c.Requires
		if !strings.HasPrefix(req, "v") {
			req = "v" + req
		}
		if !semver.IsValid(req) {
			return fmt.Errorf("requires: %q is not a valid version", c.Requires)
		}
		if semver.Compare(Version, req) < 0 {
			return fmt.Errorf("requires rasm %s or newer, this is %s", semver.Canonical(req), Version)
		}
	}
	if c.Resolver.FastPasses > c.Resolver.MaxPasses {
		return fmt.Errorf("resolver: fastPasses (%d) exceeds maxPasses (%d)",
			c.Resolver.FastPasses, c.Resolver.MaxPasses)
	}
	return nil
}

// ModuleConfig returns the resolver policy for an assembly module.
func (c *Config) ModuleConfig() asm.Config {
	return asm.Config{
		MaxPasses:         c.Resolver.MaxPasses,
		FastPasses:        c.Resolver.FastPasses,
		SuspiciousChanges: c.Resolver.SuspiciousChanges,
		UnnamedSections:   c.UnnamedSections,
	}
}

func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads path. When path is empty the default file is used if it
// exists, and the defaults otherwise.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFilename
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
