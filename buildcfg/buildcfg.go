// Package buildcfg holds the build-time configuration matrix: target
// architecture and OS, launch mode, and whether the stack-probe shim is
// compiled in. Configuration comes from a YAML document with
// environment-variable overrides, since stub builds tend to run inside
// larger build scripts.
package buildcfg

import (
	"fmt"
	"io"
	"strconv"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"

	"moria.us/bootstub/stub"
)

// Architecture and OS names accepted in config.
const (
	ArchX86   = "x86"
	ArchX8664 = "x86-64"

	OSLinux   = "linux"
	OSWindows = "windows"

	ModeStandalone = "standalone"
	ModeLoader     = "loader"
)

// A Config selects one point of the supported build matrix.
type Config struct {
	Arch       string `yaml:"arch"`
	OS         string `yaml:"os"`
	Mode       string `yaml:"mode"`
	StackProbe bool   `yaml:"stack_probe"`
	Base       uint64 `yaml:"base"`
}

// Default is an (x86-64, Linux, standalone) build without the probe.
func Default() Config {
	return Config{
		Arch: ArchX8664,
		OS:   OSLinux,
		Mode: ModeStandalone,
	}
}

// Load reads a YAML config, applies BOOTSTUB_* environment overrides,
// and validates the result.
func Load(r io.Reader) (Config, error) {
	c := Default()
	if r != nil {
		if err := yaml.NewDecoder(r).Decode(&c); err != nil && err != io.EOF {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	c.Arch = env.Str("BOOTSTUB_ARCH", c.Arch)
	c.OS = env.Str("BOOTSTUB_OS", c.OS)
	c.Mode = env.Str("BOOTSTUB_MODE", c.Mode)
	if env.Has("BOOTSTUB_PROBE") {
		c.StackProbe = env.Bool("BOOTSTUB_PROBE")
	}
	if s := env.Str("BOOTSTUB_BASE"); s != "" {
		base, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("BOOTSTUB_BASE: %w", err)
		}
		c.Base = base
	}
	return nil
}

// Validate rejects combinations outside the build matrix.
func (c Config) Validate() error {
	switch c.Arch {
	case ArchX86, ArchX8664:
	default:
		return fmt.Errorf("unsupported architecture %q", c.Arch)
	}
	switch c.OS {
	case OSLinux, OSWindows:
	default:
		return fmt.Errorf("unsupported OS %q", c.OS)
	}
	switch c.Mode {
	case ModeStandalone, ModeLoader:
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}
	if c.Arch == ArchX86 && c.OS == OSWindows {
		return fmt.Errorf("no relocator exists for (x86, windows); only amd64-ELF, amd64-PE and i686-ELF are supported")
	}
	if c.OS == OSWindows && c.Mode == ModeStandalone {
		return fmt.Errorf("standalone windows binaries are placed by the OS loader and bypass this layer")
	}
	if c.StackProbe && c.OS != OSWindows {
		return fmt.Errorf("the stack-probe shim only exists for the Windows ABI")
	}
	return nil
}

// Target maps the config to the entry-stub flavor it builds.
func (c Config) Target() (stub.Target, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	switch {
	case c.Arch == ArchX86:
		return stub.I686Linux, nil
	case c.OS == OSWindows:
		return stub.AMD64Windows, nil
	case c.Mode == ModeStandalone:
		return stub.AMD64LinuxStandalone, nil
	default:
		return stub.AMD64Linux, nil
	}
}
