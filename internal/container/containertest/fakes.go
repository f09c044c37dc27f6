// Package containertest provides in-memory stand-ins for the external tools a
// container drives.
package containertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cochaviz/nixos-nspawn/internal/machine"
	"github.com/cochaviz/nixos-nspawn/internal/nix"
)

// Builder fakes nix by materialising generations under StoreDir. Each build
// writes Metadata as the generation's nixos-nspawn/data.json and points the
// profile link at it.
type Builder struct {
	StoreDir string
	Metadata map[string]any
	Err      error

	mu          sync.Mutex
	calls       []string
	generations map[string][]string
	current     map[string]int
}

// Calls returns the operations invoked so far, e.g. "build-config web".
func (b *Builder) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *Builder) record(format string, args ...any) {
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *Builder) BuildConfig(_ context.Context, req nix.ConfigBuild) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("build-config %s", req.Name)
	if b.Err != nil {
		return b.Err
	}
	return b.build(req.Profile)
}

func (b *Builder) BuildFlake(_ context.Context, req nix.FlakeBuild) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("build-flake %s", req.Flake)
	if b.Err != nil {
		return b.Err
	}
	return b.build(req.Profile)
}

func (b *Builder) build(profile string) error {
	if _, err := os.Stat(filepath.Dir(profile)); err != nil {
		return fmt.Errorf("profile directory: %w", err)
	}
	if b.generations == nil {
		b.generations = map[string][]string{}
		b.current = map[string]int{}
	}

	gens := b.generations[profile]
	name := filepath.Base(filepath.Dir(profile))
	out := filepath.Join(b.StoreDir, fmt.Sprintf("%s-system-%d", name, len(gens)+1))
	if err := os.MkdirAll(filepath.Join(out, "nixos-nspawn"), 0o755); err != nil {
		return err
	}
	metadata := b.Metadata
	if metadata == nil {
		metadata = map[string]any{"declarative": false}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(out, "nixos-nspawn", "data.json"), data, 0o644); err != nil {
		return err
	}

	b.generations[profile] = append(gens, out)
	b.current[profile] = len(gens)
	return b.link(profile, out)
}

func (b *Builder) link(profile, target string) error {
	if err := os.Remove(profile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Symlink(target, profile)
}

func (b *Builder) Rollback(_ context.Context, profile string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("rollback %s", filepath.Base(filepath.Dir(profile)))
	if b.Err != nil {
		return b.Err
	}
	cur, ok := b.current[profile]
	if !ok || cur == 0 {
		return errors.New("no generation to roll back to")
	}
	b.current[profile] = cur - 1
	return b.link(profile, b.generations[profile][cur-1])
}

func (b *Builder) ListGenerations(_ context.Context, profile string) ([]nix.Generation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("list-generations %s", filepath.Base(filepath.Dir(profile)))
	var out []nix.Generation
	for i := range b.generations[profile] {
		out = append(out, nix.Generation{
			ID:      i + 1,
			Date:    "2024-01-02",
			Label:   "10:00:00",
			Current: i == b.current[profile],
		})
	}
	return out, nil
}

// Supervisor fakes machinectl. States maps machine names to the State
// property; unknown machines report an error like machinectl does.
type Supervisor struct {
	States      map[string]string
	StartErr    error
	PoweroffErr error

	mu    sync.Mutex
	calls []string
}

func (s *Supervisor) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Supervisor) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *Supervisor) Start(_ context.Context, name string) error {
	s.record("start " + name)
	if s.StartErr != nil {
		return s.StartErr
	}
	s.setState(name, "running")
	return nil
}

func (s *Supervisor) Reboot(_ context.Context, name string) error {
	s.record("reboot " + name)
	return nil
}

func (s *Supervisor) Poweroff(_ context.Context, name string) error {
	s.record("poweroff " + name)
	if s.PoweroffErr != nil {
		return s.PoweroffErr
	}
	s.setState(name, "")
	return nil
}

func (s *Supervisor) Property(_ context.Context, name, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.States[name]
	if !ok || state == "" || key != "State" {
		return "", fmt.Errorf("no machine %q", name)
	}
	return state, nil
}

func (s *Supervisor) Exec(_ context.Context, name string, args []string) error {
	s.record("exec " + name + " " + strings.Join(args, " "))
	return nil
}

func (s *Supervisor) setState(name, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.States == nil {
		s.States = map[string]string{}
	}
	if state == "" {
		delete(s.States, name)
		return
	}
	s.States[name] = state
}

// Reloader counts network manager reloads.
type Reloader struct {
	Reloads int
	Err     error
}

func (r *Reloader) Reload(context.Context) error {
	r.Reloads++
	return r.Err
}

var (
	_ nix.Builder        = (*Builder)(nil)
	_ machine.Supervisor = (*Supervisor)(nil)
)
