package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/nixos-nspawn/arch"
	"github.com/cochaviz/nixos-nspawn/internal/container"
	"github.com/cochaviz/nixos-nspawn/internal/manager"
)

// buildFlags are shared by create and update.
type buildFlags struct {
	config string
	flake  string
	system string
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "Container configuration file")
	cmd.Flags().StringVarP(&f.flake, "flake", "f", "", "Flake reference of the form <source>#<container>")
	cmd.Flags().StringVar(&f.system, "system", "", "Platform to build the flake for (default: host platform)")
	cmd.MarkFlagsMutuallyExclusive("config", "flake")
	cmd.MarkFlagsOneRequired("config", "flake")
}

func (f *buildFlags) source(a *app) (container.BuildSource, error) {
	system := a.cfg.System
	if f.system != "" {
		parsed, err := arch.ParseSystem(f.system)
		if err != nil {
			return container.BuildSource{}, usageError(err)
		}
		system = parsed
	}
	src := container.BuildSource{Config: f.config, Flake: f.flake, System: system}
	if err := src.Validate(); err != nil {
		return container.BuildSource{}, usageError(err)
	}
	return src, nil
}

type strategyFlag struct {
	value string
}

func (f *strategyFlag) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.value, "strategy", "s", "", "Override the activation strategy (reload or restart)")
}

func (f *strategyFlag) get() (string, error) {
	switch s := strings.ToLower(strings.TrimSpace(f.value)); s {
	case "", container.StrategyReload, container.StrategyRestart:
		return s, nil
	default:
		return "", usageError(fmt.Errorf("invalid strategy %q: expected %s or %s", f.value, container.StrategyReload, container.StrategyRestart))
	}
}

func newCreateCommand(a *app) *cobra.Command {
	var build buildFlags

	cmd := &cobra.Command{
		Use:   "create <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Create a container on the system",
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			src, err := build.source(a)
			if err != nil {
				return err
			}
			return a.withManager(cmd, true, func(mgr *manager.Manager) error {
				a.printer.Messagef("Creating container %s...", name)
				c, err := mgr.Create(cmd.Context(), name, src)
				if err != nil {
					return err
				}
				info := c.Describe(cmd.Context())
				if a.printer.JSON() {
					return a.printer.Encode(info)
				}
				a.printer.Successf("Container %s created successfully.", name)
				return a.printer.Containers([]container.Info{info})
			})
		},
	}
	build.register(cmd)
	return cmd
}

func newUpdateCommand(a *app) *cobra.Command {
	var (
		build    buildFlags
		strategy strategyFlag
	)

	cmd := &cobra.Command{
		Use:   "update <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Update the configuration of a container",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := build.source(a)
			if err != nil {
				return err
			}
			override, err := strategy.get()
			if err != nil {
				return err
			}
			return a.withManager(cmd, true, func(mgr *manager.Manager) error {
				c, err := a.lookup(mgr, args[0])
				if err != nil {
					return err
				}
				a.printer.Messagef("Updating container %s...", c.Name())
				if err := mgr.Update(cmd.Context(), c, src, override); err != nil {
					return err
				}
				if a.printer.JSON() {
					return a.printer.Encode(c.Describe(cmd.Context()))
				}
				a.printer.Successf("Container %s updated successfully.", c.Name())
				return nil
			})
		},
	}
	build.register(cmd)
	strategy.register(cmd)
	return cmd
}

func newRollbackCommand(a *app) *cobra.Command {
	var strategy strategyFlag

	cmd := &cobra.Command{
		Use:   "rollback <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Roll a container back to its previous generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			override, err := strategy.get()
			if err != nil {
				return err
			}
			return a.withManager(cmd, true, func(mgr *manager.Manager) error {
				c, err := a.lookup(mgr, args[0])
				if err != nil {
					return err
				}
				a.printer.Messagef("Rolling back container %s...", c.Name())
				if err := mgr.Rollback(cmd.Context(), c, override); err != nil {
					return err
				}
				if a.printer.JSON() {
					return a.printer.Encode(c.Describe(cmd.Context()))
				}
				a.printer.Successf("Container %s rolled back successfully.", c.Name())
				return nil
			})
		},
	}
	strategy.register(cmd)
	return cmd
}

func newRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Remove a container from the system",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, true, func(mgr *manager.Manager) error {
				c := mgr.Get(args[0])
				if c == nil {
					a.printer.Messagef("Container %s does not exist; nothing done.", args[0])
					return nil
				}
				a.printer.Messagef("Removing container %s...", c.Name())
				if err := mgr.Remove(cmd.Context(), c); err != nil {
					return err
				}
				a.printer.Successf("Container %s removed successfully.", c.Name())
				return nil
			})
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List containers on the system",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, false, func(mgr *manager.Manager) error {
				containers := mgr.List()
				infos := make([]container.Info, 0, len(containers))
				for _, c := range containers {
					infos = append(infos, c.Describe(cmd.Context()))
				}
				if len(infos) == 0 {
					a.printer.Messagef("No containers found in %s", a.cfg.UnitFileDir)
				}
				return a.printer.Containers(infos)
			})
		},
	}
}

func newListGenerationsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-generations <name>",
		Args:  cobra.ExactArgs(1),
		Short: "List configuration generations of a container",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, false, func(mgr *manager.Manager) error {
				c, err := a.lookup(mgr, args[0])
				if err != nil {
					return err
				}
				generations, err := mgr.Generations(cmd.Context(), c)
				if err != nil {
					return err
				}
				return a.printer.Generations(c.Name(), generations)
			})
		},
	}
}

func newAutostartCommand(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "autostart",
		Args:  cobra.NoArgs,
		Short: "Start all imperative containers configured to start at boot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, !dryRun, func(mgr *manager.Manager) error {
				report := mgr.Autostart(cmd.Context(), dryRun)

				infos := make([]container.Info, 0, len(report.Started))
				for _, c := range report.Started {
					infos = append(infos, c.Describe(cmd.Context()))
				}
				if a.printer.JSON() {
					return a.printer.Encode(infos)
				}

				for _, skip := range report.Skipped {
					a.printer.Notef("Skipping container %s: %s", skip.Name, skip.Reason)
				}
				for name, reason := range report.Failed {
					a.printer.Failuref("Failed to start container %s: %s", name, reason)
				}
				action := "Started"
				if dryRun {
					action = "Would start"
				}
				a.printer.Messagef("%s %d of %d containers:", action, len(report.Started)-len(report.Failed), report.Total)
				return a.printer.Containers(infos)
			})
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Show which containers would be started")
	return cmd
}
