package container

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CreateStateDirectories prepares the machine directory and the host side of
// every bind mount. It is safe to call on a configured container.
func (c *Container) CreateStateDirectories() error {
	profile, err := c.Profile()
	if err != nil {
		return err
	}

	c.logger.Debug("creating state directories", "path", c.StateDir())
	etc := filepath.Join(c.StateDir(), "etc")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	for _, dir := range []string{c.StateDir(), etc} {
		if err := os.Chmod(dir, 0o755); err != nil {
			return fmt.Errorf("chmod state directory: %w", err)
		}
	}

	// systemd-nspawn refuses to start a directory without os-release.
	osRelease := filepath.Join(etc, "os-release")
	f, err := os.OpenFile(osRelease, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create os-release placeholder: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("create os-release placeholder: %w", err)
	}

	for _, src := range profile.BindSources() {
		if _, err := os.Stat(src); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat bind mount source %s: %w", src, err)
		}
		c.logger.Debug("creating bind mount source", "path", src)
		if err := os.MkdirAll(src, 0o755); err != nil {
			return fmt.Errorf("create bind mount source %s: %w", src, err)
		}
	}
	return nil
}

// Destroy removes every file belonging to the container. Missing files are
// not an error; all removals are attempted and their failures joined.
func (c *Container) Destroy() error {
	c.logger.Info("destroying files")
	var errs []error

	for _, path := range []string{c.NetworkFile(), c.unitFile} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		}
	}

	if err := os.RemoveAll(c.ProfileDir()); err != nil {
		errs = append(errs, fmt.Errorf("remove profile directory: %w", err))
	}

	// var/empty is created immutable by the guest.
	empty := filepath.Join(c.StateDir(), "var", "empty")
	if _, err := os.Lstat(empty); err == nil {
		if err := clearImmutable(empty); err != nil {
			c.logger.Warn("failed to clear immutable flag", "path", empty, "error", err)
		}
	}
	if err := os.RemoveAll(c.StateDir()); err != nil {
		errs = append(errs, fmt.Errorf("remove state directory: %w", err))
	}

	c.Invalidate()
	return errors.Join(errs...)
}
