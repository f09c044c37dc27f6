// Package config loads host-wide settings for nixos-nspawn.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/nixos-nspawn/arch"
	"github.com/cochaviz/nixos-nspawn/internal/container"
)

var DefaultPath = "/etc/nixos-nspawn/config.yaml"

var (
	DefaultUnitFileDir     = "/etc/systemd/nspawn"
	DefaultProfileDir      = "/nix/var/nix/profiles/per-nspawn"
	DefaultStateDir        = "/var/lib/machines"
	DefaultEvalScript      = "/run/current-system/sw/share/nixos-nspawn/eval-config.nix"
	DefaultNixpkgs         = "<nixpkgs>"
	DefaultPoweroffTimeout = 10 * time.Second
)

// Environment variables that override the file.
const (
	EnvEvalScript = "NIXOS_NSPAWN_EVAL"
	EnvNixpkgs    = "NIXOS_NSPAWN_NIXPKGS"
)

type Config struct {
	UnitFileDir     string        `yaml:"unitFileDir"`
	NetworkUnitDir  string        `yaml:"networkUnitDir,omitempty"`
	ProfileDir      string        `yaml:"profileDir"`
	StateDir        string        `yaml:"stateDir"`
	EvalScript      string        `yaml:"evalScript"`
	Nixpkgs         string        `yaml:"nixpkgs"`
	System          string        `yaml:"system"`
	PoweroffTimeout time.Duration `yaml:"poweroffTimeout"`
	LockFile        string        `yaml:"lockFile,omitempty"`
}

// Default returns the built-in configuration for the running host.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path and fills unset fields with defaults. A missing file is
// not an error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvEvalScript)); v != "" {
		c.EvalScript = v
	}
	if v := strings.TrimSpace(getenv(EnvNixpkgs)); v != "" {
		c.Nixpkgs = v
	}
}

func (c *Config) applyDefaults() {
	if c.UnitFileDir == "" {
		c.UnitFileDir = DefaultUnitFileDir
	}
	if c.ProfileDir == "" {
		c.ProfileDir = DefaultProfileDir
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.EvalScript == "" {
		c.EvalScript = DefaultEvalScript
	}
	if c.Nixpkgs == "" {
		c.Nixpkgs = DefaultNixpkgs
	}
	if c.System == "" {
		c.System = arch.HostSystem()
	}
	if c.PoweroffTimeout <= 0 {
		c.PoweroffTimeout = DefaultPoweroffTimeout
	}
}

// Validate rejects settings the rest of the tool cannot work with.
func (c *Config) Validate() error {
	for name, dir := range map[string]string{
		"unitFileDir": c.UnitFileDir,
		"profileDir":  c.ProfileDir,
		"stateDir":    c.StateDir,
	} {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, dir)
		}
	}
	if _, err := arch.ParseSystem(c.System); err != nil {
		return err
	}
	return nil
}

// Lock returns the registry lock file path.
func (c *Config) Lock() string {
	if c.LockFile != "" {
		return c.LockFile
	}
	return filepath.Join(c.UnitFileDir, ".nixos-nspawn.lock")
}

// Paths returns the container directory layout.
func (c *Config) Paths() container.Paths {
	return container.Paths{
		UnitFileDir:    c.UnitFileDir,
		NetworkUnitDir: c.NetworkUnitDir,
		ProfileDir:     c.ProfileDir,
		StateDir:       c.StateDir,
	}
}

// PoweroffSeconds is the poweroff wait in whole seconds, at least one.
func (c *Config) PoweroffSeconds() int {
	secs := int(c.PoweroffTimeout / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
