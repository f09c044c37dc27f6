// Package nix drives the external builder that produces container system
// profiles and keeps their generation history.
package nix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cochaviz/nixos-nspawn/internal/command"
)

// FlakeKey is the flake output attribute that holds container configurations.
const FlakeKey = "nixosContainers"

// ErrInvalidFlakeRef is returned for flake references that are not src#attr.
var ErrInvalidFlakeRef = errors.New("invalid flake reference")

// ConfigBuild describes a build from a configuration file.
type ConfigBuild struct {
	Name      string
	Profile   string
	Config    string
	ShowTrace bool
}

// FlakeBuild describes a build from a flake reference.
type FlakeBuild struct {
	Profile   string
	Flake     string
	System    string
	ShowTrace bool
}

// Builder is the external build tool.
type Builder interface {
	BuildConfig(ctx context.Context, req ConfigBuild) error
	BuildFlake(ctx context.Context, req FlakeBuild) error
	Rollback(ctx context.Context, profile string) error
	ListGenerations(ctx context.Context, profile string) ([]Generation, error)
}

// CLIBuilder implements Builder with nix-env and nix build.
type CLIBuilder struct {
	Runner     command.Runner
	Logger     *slog.Logger
	EvalScript string
	Nixpkgs    string
}

var _ Builder = (*CLIBuilder)(nil)

func (b *CLIBuilder) logger() *slog.Logger {
	if b != nil && b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *CLIBuilder) BuildConfig(ctx context.Context, req ConfigBuild) error {
	args, err := b.configArgs(req)
	if err != nil {
		return err
	}
	b.logger().Info("building configuration", "config", req.Config, "profile", req.Profile)
	return b.Runner.Run(ctx, args...)
}

func (b *CLIBuilder) BuildFlake(ctx context.Context, req FlakeBuild) error {
	args, err := flakeArgs(req)
	if err != nil {
		return err
	}
	b.logger().Info("building configuration from flake", "flake", req.Flake, "profile", req.Profile)
	return b.Runner.Run(ctx, args...)
}

func (b *CLIBuilder) Rollback(ctx context.Context, profile string) error {
	b.logger().Info("rolling back profile", "profile", profile)
	return b.Runner.Run(ctx, "nix-env", "-p", profile, "--rollback")
}

func (b *CLIBuilder) ListGenerations(ctx context.Context, profile string) ([]Generation, error) {
	out, err := b.Runner.Output(ctx, "nix-env", "-p", profile, "--list-generations")
	if err != nil {
		return nil, err
	}
	return ParseGenerations(out)
}

func (b *CLIBuilder) configArgs(req ConfigBuild) ([]string, error) {
	if strings.TrimSpace(req.Config) == "" {
		return nil, errors.New("configuration path is required")
	}
	if strings.TrimSpace(b.EvalScript) == "" {
		return nil, errors.New("evaluation script is not configured")
	}
	config, err := filepath.Abs(req.Config)
	if err != nil {
		return nil, fmt.Errorf("resolve configuration path %q: %w", req.Config, err)
	}
	nixpkgs := b.Nixpkgs
	if nixpkgs == "" {
		nixpkgs = "<nixpkgs>"
	}

	args := []string{
		"nix-env",
		"-f", b.EvalScript,
		"-p", req.Profile,
		"--arg", "nixpkgs", nixpkgs,
		"--arg", "config", fmt.Sprintf("%q", config),
		"--arg", "name", fmt.Sprintf("%q", req.Name),
		"--set",
	}
	if req.ShowTrace {
		args = append(args, "--show-trace")
	}
	return args, nil
}

func flakeArgs(req FlakeBuild) ([]string, error) {
	installable, err := ResolveFlake(req.Flake, req.System)
	if err != nil {
		return nil, err
	}
	args := []string{"nix", "build", "--no-link", "--profile", req.Profile, installable}
	if req.ShowTrace {
		args = append(args, "--show-trace")
	}
	return args, nil
}

// ResolveFlake expands src#attr into src#nixosContainers.<system>.attr unless
// the attribute path already names the container output.
func ResolveFlake(flake, system string) (string, error) {
	parts := strings.Split(flake, "#")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q is not a valid flake path", ErrInvalidFlakeRef, flake)
	}
	src, attr := parts[0], parts[1]
	if !strings.Contains(attr, FlakeKey) {
		if strings.TrimSpace(system) == "" {
			return "", fmt.Errorf("%w: system is required to expand %q", ErrInvalidFlakeRef, flake)
		}
		attr = fmt.Sprintf("%s.%s.%s", FlakeKey, system, attr)
	}
	return src + "#" + attr, nil
}
