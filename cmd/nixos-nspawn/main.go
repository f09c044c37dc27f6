package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/nixos-nspawn/internal/command"
	"github.com/cochaviz/nixos-nspawn/internal/config"
	"github.com/cochaviz/nixos-nspawn/internal/container"
	"github.com/cochaviz/nixos-nspawn/internal/logging"
	"github.com/cochaviz/nixos-nspawn/internal/machine"
	"github.com/cochaviz/nixos-nspawn/internal/manager"
	"github.com/cochaviz/nixos-nspawn/internal/network"
	"github.com/cochaviz/nixos-nspawn/internal/nix"
	"github.com/cochaviz/nixos-nspawn/internal/output"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(logger, &levelVar, os.Stdout)
	err := newRootCommand(a).ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		report(a, err, code)
	}
	stop()
	os.Exit(code)
}

func report(a *app, err error, code int) {
	switch {
	case errors.Is(err, context.Canceled):
		a.logger.Warn("command interrupted", "error", err)
	case code == exitContainerMissing || code == exitNoPreviousGeneration:
		output.New(os.Stderr, false).Failuref("%v", err)
	default:
		a.logger.Error("command failed", "error", err)
	}
}

// app carries global flags and builds the manager once they are parsed.
type app struct {
	logger   *slog.Logger
	levelVar *slog.LevelVar
	stdout   io.Writer

	configPath  string
	unitFileDir string
	logLevel    string
	verbose     bool
	jsonOutput  bool

	cfg     *config.Config
	printer *output.Printer

	// newManager is replaced in tests.
	newManager func(cfg *config.Config, logger *slog.Logger, showTrace bool) *manager.Manager
}

func newApp(logger *slog.Logger, levelVar *slog.LevelVar, stdout io.Writer) *app {
	return &app{
		logger:     logger,
		levelVar:   levelVar,
		stdout:     stdout,
		newManager: newHostManager,
	}
}

func newHostManager(cfg *config.Config, logger *slog.Logger, showTrace bool) *manager.Manager {
	runner := command.NewExecRunner(logger.With("component", "command"))
	// Tool output must not end up in machine readable stdout.
	runner.Stdout = os.Stderr

	return manager.New(manager.Options{
		Paths: cfg.Paths(),
		Deps: container.Deps{
			Builder: &nix.CLIBuilder{
				Runner:     runner,
				Logger:     logger.With("component", "nix"),
				EvalScript: cfg.EvalScript,
				Nixpkgs:    cfg.Nixpkgs,
			},
			Supervisor: &machine.Machinectl{Runner: runner, Logger: logger.With("component", "machine")},
			Network:    &network.NetworkdReloader{Runner: runner},
			Logger:     logger,
		},
		Zones:           network.LinkZoneChecker{},
		PoweroffTimeout: cfg.PoweroffSeconds(),
		ShowTrace:       showTrace,
		Logger:          logger,
	})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "nixos-nspawn",
		Short:         "NixOS imperative container manager",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config-file", config.DefaultPath, "Path to the nixos-nspawn configuration file")
	flags.StringVar(&a.unitFileDir, "unit-file-dir", "", "Directory where systemd-nspawn unit files are stored")
	flags.StringVar(&a.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Show build traces and other command activity")
	flags.BoolVar(&a.jsonOutput, "json", false, "Print results as JSON")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(a.logLevel)
		if err != nil {
			return usageError(err)
		}
		if a.verbose {
			level = slog.LevelDebug
		}
		if a.levelVar != nil {
			a.levelVar.Set(level)
		}

		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		if a.unitFileDir != "" {
			cfg.UnitFileDir = a.unitFileDir
			if err := cfg.Validate(); err != nil {
				return usageError(err)
			}
		}
		a.cfg = cfg
		a.printer = output.New(a.stdout, a.jsonOutput)
		return nil
	}

	root.AddCommand(
		newCreateCommand(a),
		newUpdateCommand(a),
		newRollbackCommand(a),
		newRemoveCommand(a),
		newListCommand(a),
		newListGenerationsCommand(a),
		newAutostartCommand(a),
	)
	return root
}

// withManager loads the registry and runs fn. Mutating commands hold the
// registry lock for the duration of fn.
func (a *app) withManager(cmd *cobra.Command, mutating bool, fn func(*manager.Manager) error) error {
	logger := a.logger.With("command", cmd.Name())
	if mutating {
		lock, err := manager.AcquireLock(a.cfg.Lock())
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("failed to release lock", "error", err)
			}
		}()
	}

	mgr := a.newManager(a.cfg, logger, a.verbose)
	if err := mgr.Load(); err != nil {
		return err
	}
	return fn(mgr)
}

func (a *app) lookup(mgr *manager.Manager, name string) (*container.Container, error) {
	c := mgr.Get(name)
	if c == nil {
		return nil, &missingError{name: name}
	}
	return c, nil
}

type missingError struct {
	name string
}

func (e *missingError) Error() string {
	return fmt.Sprintf("container %s does not exist", e.name)
}
