// Package container models one imperatively managed systemd-nspawn container:
// its on-disk artifacts, the profile metadata produced by its build and the
// operations that move it between built, configured and running states.
package container

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/nixos-nspawn/internal/logging"
	"github.com/cochaviz/nixos-nspawn/internal/machine"
	"github.com/cochaviz/nixos-nspawn/internal/network"
	"github.com/cochaviz/nixos-nspawn/internal/nix"
	"github.com/cochaviz/nixos-nspawn/internal/unitfile"
)

// UnitSuffix is the extension of container unit descriptions.
const UnitSuffix = ".nspawn"

const (
	profileLinkName  = "system"
	dataDirName      = "nixos-nspawn"
	dataFileName     = "data.json"
	networkUnitNamer = "ve-"

	// Where the container sees its own profile directory.
	guestProfilesDir = "/nix/var/nix/profiles"
)

var pollInterval = time.Second

// Paths locates the host directories containers live in.
type Paths struct {
	UnitFileDir    string
	NetworkUnitDir string
	ProfileDir     string
	StateDir       string
}

func (p Paths) networkUnitDir() string {
	if p.NetworkUnitDir != "" {
		return p.NetworkUnitDir
	}
	return filepath.Join(filepath.Dir(p.UnitFileDir), "network")
}

// Deps are the external collaborators a container drives.
type Deps struct {
	Builder    nix.Builder
	Supervisor machine.Supervisor
	Network    network.Reloader
	Logger     *slog.Logger
}

// BuildSource selects what a container is built from. Exactly one of Config
// and Flake must be set.
type BuildSource struct {
	Config string
	Flake  string
	System string
}

func (s BuildSource) String() string {
	if s.Config != "" {
		return s.Config
	}
	return s.Flake
}

// Validate checks that exactly one input is given.
func (s BuildSource) Validate() error {
	switch {
	case s.Config != "" && s.Flake != "":
		return &Error{Message: "a configuration file and a flake are mutually exclusive"}
	case s.Config == "" && s.Flake == "":
		return &Error{Message: "either a configuration file or a flake is required"}
	}
	return nil
}

// Info is the printable summary of a container.
type Info struct {
	Name         string `json:"name"`
	UnitFile     string `json:"unit_file"`
	IsImperative bool   `json:"is_imperative"`
	State        string `json:"state"`
}

// Container is one managed container. Construction is cheap and does not read
// the profile; metadata and the unit description are loaded on first use and
// cached until Invalidate is called.
type Container struct {
	name     string
	unitFile string
	paths    Paths
	deps     Deps
	logger   *slog.Logger

	profile *Profile
	unit    *unitfile.File
}

// FromUnitFile returns the container described by unitFile.
func FromUnitFile(unitFile string, paths Paths, deps Deps) (*Container, error) {
	base := filepath.Base(unitFile)
	if !strings.HasSuffix(base, UnitSuffix) {
		return nil, &Error{Message: fmt.Sprintf("unit file %s does not end in %s", unitFile, UnitSuffix)}
	}
	name := strings.TrimSuffix(base, UnitSuffix)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &Container{
		name:     name,
		unitFile: unitFile,
		paths:    paths,
		deps:     deps,
		logger:   logging.Ensure(deps.Logger).With("container", name),
	}, nil
}

// New returns the container called name under paths.UnitFileDir.
func New(name string, paths Paths, deps Deps) (*Container, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return FromUnitFile(filepath.Join(paths.UnitFileDir, name+UnitSuffix), paths, deps)
}

// ValidateName rejects names that cannot be used as a machine name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return &Error{Message: "container name must not be empty"}
	case name == "." || name == "..":
		return &Error{Name: name, Message: "invalid container name"}
	case strings.ContainsRune(name, '/') || strings.ContainsRune(name, os.PathSeparator):
		return &Error{Name: name, Message: "container name must not contain a path separator"}
	}
	return nil
}

func (c *Container) Name() string {
	return c.name
}

func (c *Container) UnitFile() string {
	return c.unitFile
}

// ProfileDir holds the container's system profile and its generations.
func (c *Container) ProfileDir() string {
	return filepath.Join(c.paths.ProfileDir, c.name)
}

func (c *Container) ProfileLink() string {
	return filepath.Join(c.ProfileDir(), profileLinkName)
}

func (c *Container) StateDir() string {
	return filepath.Join(c.paths.StateDir, c.name)
}

// NetworkFile is where the container's network description is written.
func (c *Container) NetworkFile() string {
	return filepath.Join(c.paths.networkUnitDir(), networkUnitNamer+c.name+".network")
}

func (c *Container) dataDir() string {
	return filepath.Join(c.ProfileLink(), dataDirName)
}

// ArtifactPath resolves the profile link to the build result. It returns the
// link itself when it cannot be resolved.
func (c *Container) ArtifactPath() string {
	resolved, err := filepath.EvalSymlinks(c.ProfileLink())
	if err != nil {
		return c.ProfileLink()
	}
	return resolved
}

// IsManaged reports whether the container was built by this tool.
func (c *Container) IsManaged() bool {
	info, err := os.Stat(c.dataDir())
	return err == nil && info.IsDir()
}

// Profile returns the profile metadata, reading it from disk on first use.
func (c *Container) Profile() (*Profile, error) {
	if c.profile != nil {
		return c.profile, nil
	}
	path := filepath.Join(c.dataDir(), dataFileName)
	c.logger.Debug("loading profile metadata", "path", path)
	profile, err := LoadProfile(path)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			cerr.Name = c.name
		}
		return nil, err
	}
	c.profile = profile
	return profile, nil
}

// Unit returns the parsed unit description, reading it on first use.
func (c *Container) Unit() (*unitfile.File, error) {
	if c.unit != nil {
		return c.unit, nil
	}
	c.logger.Debug("parsing unit file", "path", c.unitFile)
	unit, err := unitfile.Read(c.unitFile)
	if err != nil {
		return nil, err
	}
	c.unit = unit
	return unit, nil
}

// Invalidate drops cached metadata so the next access rereads it.
func (c *Container) Invalidate() {
	c.profile = nil
	c.unit = nil
}

// IsImperative reports whether the container is managed imperatively. When
// the profile cannot be read it falls back to the X-Imperative unit field.
func (c *Container) IsImperative() bool {
	if profile, err := c.Profile(); err == nil {
		return profile.IsImperative()
	}
	unit, err := c.Unit()
	if err != nil {
		return false
	}
	imperative, err := unit.GetBool("Exec", "X-Imperative", false)
	if err != nil {
		c.logger.Warn("ignoring malformed unit field", "field", "X-Imperative", "error", err)
		return false
	}
	return imperative
}

// AutoStart reports whether the container is started at boot.
func (c *Container) AutoStart() bool {
	profile, err := c.Profile()
	if err != nil {
		return true
	}
	return profile.AutoStart()
}

// RuntimeProperty queries the supervisor. It is never cached.
func (c *Container) RuntimeProperty(ctx context.Context, key string) (string, error) {
	return c.deps.Supervisor.Property(ctx, c.name, key)
}

// State returns the supervisor state; unknown machines are powered off.
func (c *Container) State(ctx context.Context) string {
	state, err := c.RuntimeProperty(ctx, "State")
	if err != nil || strings.TrimSpace(state) == "" {
		return machine.StatePoweredOff
	}
	return strings.TrimSpace(state)
}

// Describe summarises the container for listings.
func (c *Container) Describe(ctx context.Context) Info {
	return Info{
		Name:         c.name,
		UnitFile:     c.unitFile,
		IsImperative: c.IsImperative(),
		State:        c.State(ctx),
	}
}

// Build runs the external builder for src. Unless update is set the profile
// directory is created first and must not exist yet.
func (c *Container) Build(ctx context.Context, src BuildSource, update, showTrace bool) (string, error) {
	if err := src.Validate(); err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			cerr.Name = c.name
		}
		return "", err
	}
	if src.Flake != "" {
		if _, err := nix.ResolveFlake(src.Flake, src.System); err != nil {
			return "", &Error{Name: c.name, Message: err.Error()}
		}
	}

	if !update {
		if err := c.createProfileDirectory(); err != nil {
			return "", err
		}
	}

	var err error
	if src.Config != "" {
		c.logger.Info("building configuration", "config", src.Config)
		err = c.deps.Builder.BuildConfig(ctx, nix.ConfigBuild{
			Name:      c.name,
			Profile:   c.ProfileLink(),
			Config:    src.Config,
			ShowTrace: showTrace,
		})
	} else {
		c.logger.Info("building configuration from flake", "flake", src.Flake)
		err = c.deps.Builder.BuildFlake(ctx, nix.FlakeBuild{
			Profile:   c.ProfileLink(),
			Flake:     src.Flake,
			System:    src.System,
			ShowTrace: showTrace,
		})
	}
	c.Invalidate()
	if err != nil {
		return "", err
	}
	return c.ArtifactPath(), nil
}

func (c *Container) createProfileDirectory() error {
	dir := c.ProfileDir()
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: profile for %s at %s; remove the container before retrying", ErrAlreadyExists, c.name, dir)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat profile directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create profile directory: %w", err)
	}
	return os.Chmod(dir, 0o755)
}

// Rollback switches the profile to its previous generation. Configuration
// files are not rewritten and nothing is activated.
func (c *Container) Rollback(ctx context.Context) error {
	c.logger.Info("rolling back")
	err := c.deps.Builder.Rollback(ctx, c.ProfileLink())
	c.Invalidate()
	return err
}

// Generations lists the profile's build history.
func (c *Container) Generations(ctx context.Context) ([]nix.Generation, error) {
	return c.deps.Builder.ListGenerations(ctx, c.ProfileLink())
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting")
	return c.deps.Supervisor.Start(ctx, c.name)
}

func (c *Container) Reboot(ctx context.Context) error {
	c.logger.Info("rebooting")
	return c.deps.Supervisor.Reboot(ctx, c.name)
}

// Poweroff asks the supervisor to stop the container and then polls once a
// second, for at most wait seconds, until it reports powered off. It returns
// without error when the wait runs out.
func (c *Container) Poweroff(ctx context.Context, wait int) error {
	c.logger.Info("powering off")
	if err := c.deps.Supervisor.Poweroff(ctx, c.name); err != nil {
		return err
	}
	for wait > 0 && c.State(ctx) != machine.StatePoweredOff {
		wait--
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil
}

// RunCommand runs args inside the running container.
func (c *Container) RunCommand(ctx context.Context, args ...string) error {
	return c.deps.Supervisor.Exec(ctx, c.name, args)
}

// Reload switches the running container to the current profile in place.
func (c *Container) Reload(ctx context.Context) error {
	c.logger.Info("reloading")
	return c.RunCommand(ctx, guestProfilesDir+"/"+profileLinkName+"/bin/switch-to-configuration", "test")
}

// ActivateConfig applies the current profile to the running container using
// override, the profile's strategy or DefaultStrategy, in that order.
func (c *Container) ActivateConfig(ctx context.Context, override string) error {
	strategy := strings.TrimSpace(override)
	if strategy == "" {
		profile, err := c.Profile()
		if err != nil {
			return err
		}
		strategy = profile.ActivationStrategy()
	}
	c.logger.Info("activating configuration", "strategy", strategy, "override", override != "")

	if strings.EqualFold(strategy, StrategyRestart) {
		return c.Reboot(ctx)
	}
	return c.Reload(ctx)
}
