// Package manager keeps the registry of containers on the host and sequences
// the multi-step lifecycle operations across them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/nixos-nspawn/internal/container"
	"github.com/cochaviz/nixos-nspawn/internal/logging"
	"github.com/cochaviz/nixos-nspawn/internal/network"
	"github.com/cochaviz/nixos-nspawn/internal/nix"
)

// DefaultPoweroffTimeout is how long Remove waits for a container to stop.
const DefaultPoweroffTimeout = 10

var syncFilesystem = unix.Sync

// Options configures a Manager.
type Options struct {
	Paths container.Paths
	Deps  container.Deps
	Zones network.ZoneChecker

	// PoweroffTimeout is in seconds.
	PoweroffTimeout int
	ShowTrace       bool
	Logger          *slog.Logger
}

// Manager is the registry of containers found in the unit file directory.
// It is not safe for concurrent use; separate processes serialise through
// Lock.
type Manager struct {
	opts       Options
	logger     *slog.Logger
	containers []*container.Container
}

// New returns a manager with an empty registry. Call Load to populate it.
func New(opts Options) *Manager {
	if opts.PoweroffTimeout <= 0 {
		opts.PoweroffTimeout = DefaultPoweroffTimeout
	}
	logger := logging.Ensure(opts.Logger)
	if opts.Deps.Logger == nil {
		opts.Deps.Logger = logger
	}
	return &Manager{opts: opts, logger: logger}
}

// Load replaces the registry with one container per unit file on disk. A
// missing unit file directory is an empty registry.
func (m *Manager) Load() error {
	dir := m.opts.Paths.UnitFileDir
	matches, err := filepath.Glob(filepath.Join(dir, "*"+container.UnitSuffix))
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(matches)

	containers := make([]*container.Container, 0, len(matches))
	for _, unitFile := range matches {
		c, err := container.FromUnitFile(unitFile, m.opts.Paths, m.opts.Deps)
		if err != nil {
			m.logger.Warn("skipping unit file", "path", unitFile, "error", err)
			continue
		}
		containers = append(containers, c)
	}
	m.containers = containers
	m.logger.Debug("loaded containers", "count", len(containers), "dir", dir)
	return nil
}

// Get returns the registered container called name, or nil.
func (m *Manager) Get(name string) *container.Container {
	for _, c := range m.containers {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// List returns a copy of the registry.
func (m *Manager) List() []*container.Container {
	return append([]*container.Container(nil), m.containers...)
}

func (m *Manager) operationLogger(op string, attrs ...any) *slog.Logger {
	return m.logger.With(append([]any{"operation", op, "op_id", uuid.NewString()}, attrs...)...)
}

// Create builds, configures and starts a new container. If any step fails
// every artifact created so far is removed and the original error returned,
// joined with any cleanup failure.
func (m *Manager) Create(ctx context.Context, name string, src container.BuildSource) (_ *container.Container, err error) {
	opLogger := m.operationLogger("create")
	logger := opLogger.With("container", name)

	if m.Get(name) != nil {
		return nil, fmt.Errorf("%w: container %s", container.ErrAlreadyExists, name)
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}

	// The container adds its own name attribute.
	deps := m.opts.Deps
	deps.Logger = opLogger
	c, err := container.New(name, m.opts.Paths, deps)
	if err != nil {
		return nil, err
	}

	logger.Debug("creating container", "source", src.String())
	created := false
	defer func() {
		if created {
			return
		}
		if destroyErr := c.Destroy(); destroyErr != nil {
			logger.Error("cleanup after failed create", "error", destroyErr)
			err = errors.Join(err, destroyErr)
		}
	}()

	if _, err := c.Build(ctx, src, false, m.opts.ShowTrace); err != nil {
		return nil, err
	}
	if err := m.configure(ctx, c); err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	created = true
	m.containers = append(m.containers, c)
	logger.Info("container created")
	return c, nil
}

// configure runs the tail shared by create, update and rollback.
func (m *Manager) configure(ctx context.Context, c *container.Container) error {
	if err := m.checkZone(c); err != nil {
		return err
	}
	if err := c.WriteConfigFiles(ctx); err != nil {
		return err
	}
	if err := c.CreateStateDirectories(); err != nil {
		return err
	}
	syncFilesystem()
	return nil
}

func (m *Manager) checkZone(c *container.Container) error {
	profile, err := c.Profile()
	if err != nil {
		return err
	}
	if profile.Zone == "" || m.opts.Zones == nil {
		return nil
	}
	ok, err := m.opts.Zones.ZoneExists(profile.Zone)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q (no %s interface)", container.ErrZoneNotFound, profile.Zone, network.ZoneInterface(profile.Zone))
	}
	return nil
}

// Update rebuilds c from src and activates the result. A failed update is
// not cleaned up; the previous generation stays in place.
func (m *Manager) Update(ctx context.Context, c *container.Container, src container.BuildSource, strategy string) error {
	logger := m.operationLogger("update", "container", c.Name())
	logger.Debug("updating container", "source", src.String(), "strategy", strategy)

	if _, err := c.Build(ctx, src, true, m.opts.ShowTrace); err != nil {
		return err
	}
	if err := m.configure(ctx, c); err != nil {
		return err
	}
	if err := c.ActivateConfig(ctx, strategy); err != nil {
		return err
	}
	logger.Info("container updated")
	return nil
}

// Rollback switches c back to its previous generation and activates it.
func (m *Manager) Rollback(ctx context.Context, c *container.Container, strategy string) error {
	logger := m.operationLogger("rollback", "container", c.Name())

	generations, err := c.Generations(ctx)
	if err != nil {
		return err
	}
	if len(generations) < 2 {
		return fmt.Errorf("%w: container %s has %d generation(s)", container.ErrNoPreviousGeneration, c.Name(), len(generations))
	}

	logger.Debug("rolling back container", "strategy", strategy)
	if err := c.Rollback(ctx); err != nil {
		return err
	}
	if err := m.configure(ctx, c); err != nil {
		return err
	}
	if err := c.ActivateConfig(ctx, strategy); err != nil {
		return err
	}
	logger.Info("container rolled back")
	return nil
}

// Generations lists the build history of c.
func (m *Manager) Generations(ctx context.Context, c *container.Container) ([]nix.Generation, error) {
	return c.Generations(ctx)
}

// Poweroff stops c and waits up to the configured timeout for it to go down.
func (m *Manager) Poweroff(ctx context.Context, c *container.Container) error {
	return c.Poweroff(ctx, m.opts.PoweroffTimeout)
}

// Remove stops c if it is running, deletes its files and drops it from the
// registry.
func (m *Manager) Remove(ctx context.Context, c *container.Container) error {
	logger := m.operationLogger("remove", "container", c.Name())
	logger.Debug("removing container")

	if state, err := c.RuntimeProperty(ctx, "State"); err == nil && state != "" {
		if err := m.Poweroff(ctx, c); err != nil {
			return fmt.Errorf("poweroff %s: %w", c.Name(), err)
		}
	}
	if err := c.Destroy(); err != nil {
		return err
	}

	for i, registered := range m.containers {
		if registered.Name() == c.Name() {
			m.containers = append(m.containers[:i], m.containers[i+1:]...)
			break
		}
	}
	logger.Info("container removed")
	return nil
}
