package manager

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/nixos-nspawn/internal/container"
	"github.com/cochaviz/nixos-nspawn/internal/container/containertest"
)

type zones map[string]bool

func (z zones) ZoneExists(zone string) (bool, error) {
	return z[zone], nil
}

type harness struct {
	manager    *Manager
	paths      container.Paths
	builder    *containertest.Builder
	supervisor *containertest.Supervisor
	reloader   *containertest.Reloader
	syncs      int
}

func newHarness(t *testing.T, known zones) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		paths: container.Paths{
			UnitFileDir: filepath.Join(root, "nspawn"),
			ProfileDir:  filepath.Join(root, "profiles"),
			StateDir:    filepath.Join(root, "machines"),
		},
		builder:    &containertest.Builder{StoreDir: filepath.Join(root, "store")},
		supervisor: &containertest.Supervisor{},
		reloader:   &containertest.Reloader{},
	}

	original := syncFilesystem
	syncFilesystem = func() { h.syncs++ }
	t.Cleanup(func() { syncFilesystem = original })

	h.manager = New(Options{
		Paths: h.paths,
		Deps: container.Deps{
			Builder:    h.builder,
			Supervisor: h.supervisor,
			Network:    h.reloader,
		},
		Zones: known,
	})
	require.NoError(t, h.manager.Load())
	return h
}

func configSource(name string) container.BuildSource {
	return container.BuildSource{Config: "/etc/containers/" + name + ".nix"}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func TestLoadMissingDirectoryIsEmpty(t *testing.T) {
	h := newHarness(t, nil)
	assert.Empty(t, h.manager.List())
	assert.Nil(t, h.manager.Get("web"))
}

func TestLoadScansUnitFiles(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.MkdirAll(h.paths.UnitFileDir, 0o755))
	for _, name := range []string{"b.nspawn", "a.nspawn", "ignored.conf"} {
		require.NoError(t, os.WriteFile(filepath.Join(h.paths.UnitFileDir, name), nil, 0o644))
	}

	require.NoError(t, h.manager.Load())
	list := h.manager.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name())
	assert.Equal(t, "b", list[1].Name())

	// Reloading replaces rather than merges.
	require.NoError(t, os.Remove(filepath.Join(h.paths.UnitFileDir, "a.nspawn")))
	require.NoError(t, h.manager.Load())
	assert.Len(t, h.manager.List(), 1)
}

func TestCreate(t *testing.T) {
	h := newHarness(t, nil)

	c, err := h.manager.Create(context.Background(), "web", configSource("web"))
	require.NoError(t, err)

	assert.Same(t, c, h.manager.Get("web"))
	assert.True(t, exists(c.UnitFile()))
	assert.True(t, exists(filepath.Join(c.StateDir(), "etc", "os-release")))
	assert.Equal(t, 1, h.syncs)
	assert.Equal(t, []string{"start web"}, h.supervisor.Calls())
}

func TestCreateTwiceFailsAndKeepsFirst(t *testing.T) {
	h := newHarness(t, nil)
	first, err := h.manager.Create(context.Background(), "web", configSource("web"))
	require.NoError(t, err)
	artifact := first.ArtifactPath()

	_, err = h.manager.Create(context.Background(), "web", configSource("web"))
	require.ErrorIs(t, err, container.ErrAlreadyExists)

	assert.True(t, exists(first.UnitFile()))
	assert.True(t, exists(first.ProfileDir()))
	assert.Equal(t, artifact, first.ArtifactPath())
	assert.Len(t, h.manager.List(), 1)
	assert.Equal(t, []string{"build-config web"}, h.builder.Calls())
}

func TestCreateCleansUpAfterBuildFailure(t *testing.T) {
	h := newHarness(t, nil)
	buildErr := errors.New("nix-env exploded")
	h.builder.Err = buildErr

	_, err := h.manager.Create(context.Background(), "db", configSource("db"))
	require.ErrorIs(t, err, buildErr)

	assert.False(t, exists(filepath.Join(h.paths.ProfileDir, "db")))
	assert.Nil(t, h.manager.Get("db"))
	assert.Empty(t, h.supervisor.Calls())
}

func TestCreateCleansUpAfterStartFailure(t *testing.T) {
	h := newHarness(t, nil)
	startErr := errors.New("machinectl failed")
	h.supervisor.StartErr = startErr

	_, err := h.manager.Create(context.Background(), "db", configSource("db"))
	require.ErrorIs(t, err, startErr)

	for _, path := range []string{
		filepath.Join(h.paths.UnitFileDir, "db.nspawn"),
		filepath.Join(h.paths.ProfileDir, "db"),
		filepath.Join(h.paths.StateDir, "db"),
	} {
		assert.False(t, exists(path), "%s left behind", path)
	}
	assert.Nil(t, h.manager.Get("db"))
}

func TestCreateMissingZone(t *testing.T) {
	h := newHarness(t, zones{"lab": true})
	h.builder.Metadata = map[string]any{"declarative": false, "zone": "prod"}

	_, err := h.manager.Create(context.Background(), "web", configSource("web"))
	require.ErrorIs(t, err, container.ErrZoneNotFound)
	assert.False(t, exists(filepath.Join(h.paths.ProfileDir, "web")))

	h.builder.Metadata = map[string]any{"declarative": false, "zone": "lab"}
	_, err = h.manager.Create(context.Background(), "web", configSource("web"))
	require.NoError(t, err)
}

func TestCreateRejectsAmbiguousSource(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.manager.Create(context.Background(), "web", container.BuildSource{Config: "a.nix", Flake: ".#web"})

	var cerr *container.Error
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, h.builder.Calls())
}

func TestUpdateActivates(t *testing.T) {
	h := newHarness(t, nil)
	h.builder.Metadata = map[string]any{"declarative": false, "activation": map[string]any{"strategy": "reload"}}
	c, err := h.manager.Create(context.Background(), "web", configSource("web"))
	require.NoError(t, err)

	require.NoError(t, h.manager.Update(context.Background(), c, configSource("web"), ""))
	require.NoError(t, h.manager.Update(context.Background(), c, configSource("web"), container.StrategyRestart))

	assert.Equal(t, []string{
		"start web",
		"exec web /nix/var/nix/profiles/system/bin/switch-to-configuration test",
		"reboot web",
	}, h.supervisor.Calls())
	assert.Equal(t, 3, h.syncs)
}

func TestUpdateFailureKeepsContainer(t *testing.T) {
	h := newHarness(t, nil)
	c, err := h.manager.Create(context.Background(), "web", configSource("web"))
	require.NoError(t, err)
	artifact := c.ArtifactPath()

	h.builder.Err = errors.New("evaluation error")
	require.Error(t, h.manager.Update(context.Background(), c, configSource("web"), ""))

	assert.Equal(t, artifact, c.ArtifactPath())
	assert.True(t, exists(c.UnitFile()))
	assert.NotNil(t, h.manager.Get("web"))
}

func TestRollbackNeedsPreviousGeneration(t *testing.T) {
	h := newHarness(t, nil)
	c, err := h.manager.Create(context.Background(), "web", configSource("web"))
	require.NoError(t, err)

	err = h.manager.Rollback(context.Background(), c, "")
	require.ErrorIs(t, err, container.ErrNoPreviousGeneration)
	assert.NotContains(t, h.builder.Calls(), "rollback web")

	require.NoError(t, h.manager.Update(context.Background(), c, configSource("web"), ""))
	require.NoError(t, h.manager.Rollback(context.Background(), c, "reload"))
	assert.Contains(t, h.builder.Calls(), "rollback web")

	gens, err := h.manager.Generations(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, gens, 2)
	assert.True(t, gens[0].Current)
}

func TestRemove(t *testing.T) {
	h := newHarness(t, nil)
	c, err := h.manager.Create(context.Background(), "web", configSource("web"))
	require.NoError(t, err)

	require.NoError(t, h.manager.Remove(context.Background(), c))
	assert.Contains(t, h.supervisor.Calls(), "poweroff web")
	assert.Nil(t, h.manager.Get("web"))
	assert.False(t, exists(c.ProfileDir()))

	// A stopped container is not powered off again.
	again, err := h.manager.Create(context.Background(), "web", configSource("web"))
	require.NoError(t, err)
	require.NoError(t, h.manager.Poweroff(context.Background(), again))
	calls := len(h.supervisor.Calls())
	require.NoError(t, h.manager.Remove(context.Background(), again))
	assert.Len(t, h.supervisor.Calls(), calls)
}

func TestRemovePoweroffFailureKeepsContainer(t *testing.T) {
	h := newHarness(t, nil)
	c, err := h.manager.Create(context.Background(), "web", configSource("web"))
	require.NoError(t, err)

	poweroffErr := errors.New("machinectl poweroff failed")
	h.supervisor.PoweroffErr = poweroffErr

	err = h.manager.Remove(context.Background(), c)
	require.ErrorIs(t, err, poweroffErr)

	assert.Equal(t, "running", c.State(context.Background()))
	assert.True(t, exists(c.ProfileDir()))
	assert.True(t, exists(c.UnitFile()))
	assert.Same(t, c, h.manager.Get("web"))
}

func TestAutostart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.manager.Create(ctx, "running", configSource("running"))
	require.NoError(t, err)

	h.builder.Metadata = map[string]any{"declarative": false}
	stopped, err := h.manager.Create(ctx, "stopped", configSource("stopped"))
	require.NoError(t, err)
	require.NoError(t, h.manager.Poweroff(ctx, stopped))

	h.builder.Metadata = map[string]any{"declarative": false, "activation": map[string]any{"autoStart": false}}
	manual, err := h.manager.Create(ctx, "manual", configSource("manual"))
	require.NoError(t, err)
	require.NoError(t, h.manager.Poweroff(ctx, manual))

	h.builder.Metadata = map[string]any{"declarative": true}
	decl, err := h.manager.Create(ctx, "decl", configSource("decl"))
	require.NoError(t, err)
	require.NoError(t, h.manager.Poweroff(ctx, decl))

	require.NoError(t, os.WriteFile(filepath.Join(h.paths.UnitFileDir, "foreign.nspawn"), nil, 0o644))
	require.NoError(t, h.manager.Load())

	dry := h.manager.Autostart(ctx, true)
	require.Len(t, dry.Started, 1)
	assert.Equal(t, "stopped", dry.Started[0].Name())
	assert.Equal(t, 5, dry.Total)
	assert.Len(t, dry.Skipped, 4)
	assert.NotEqual(t, "running", h.supervisor.States["stopped"])

	report := h.manager.Autostart(ctx, false)
	require.Len(t, report.Started, 1)
	assert.Empty(t, report.Failed)
	assert.Equal(t, "running", h.supervisor.States["stopped"])
}

func TestAutostartRetries(t *testing.T) {
	original := retryDelay
	retryDelay = time.Millisecond
	t.Cleanup(func() { retryDelay = original })

	h := newHarness(t, nil)
	ctx := context.Background()
	c, err := h.manager.Create(ctx, "web", configSource("web"))
	require.NoError(t, err)
	require.NoError(t, h.manager.Poweroff(ctx, c))

	h.supervisor.StartErr = errors.New("busy")
	report := h.manager.Autostart(ctx, false)
	assert.Contains(t, report.Failed, "web")

	starts := 0
	for _, call := range h.supervisor.Calls() {
		if call == "start web" {
			starts++
		}
	}
	assert.Equal(t, 1+StartAttempts, starts)
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "nixos-nspawn.lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())
	again, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestCreateLogsContainerAttributeOnce(t *testing.T) {
	h := newHarness(t, nil)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := New(Options{
		Paths: h.paths,
		Deps: container.Deps{
			Builder:    h.builder,
			Supervisor: h.supervisor,
			Network:    h.reloader,
		},
		Logger: logger,
	})
	require.NoError(t, m.Load())

	_, err := m.Create(context.Background(), "web", configSource("web"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var fromContainer bool
	for _, line := range lines {
		assert.LessOrEqual(t, strings.Count(line, "container=web"), 1, line)
		if strings.Contains(line, "writing unit file") {
			fromContainer = true
			assert.Contains(t, line, "container=web")
			assert.Contains(t, line, "operation=create")
		}
	}
	assert.True(t, fromContainer)
}
