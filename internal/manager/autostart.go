package manager

import (
	"context"
	"time"

	"github.com/cochaviz/nixos-nspawn/internal/container"
	"github.com/cochaviz/nixos-nspawn/internal/machine"
)

// StartAttempts bounds how often Autostart tries to start one container.
const StartAttempts = 3

var retryDelay = time.Second

// Skip records why Autostart left a container alone.
type Skip struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// AutostartReport summarises an Autostart run.
type AutostartReport struct {
	DryRun  bool                   `json:"dry_run"`
	Total   int                    `json:"total"`
	Started []*container.Container `json:"-"`
	Failed  map[string]string      `json:"failed,omitempty"`
	Skipped []Skip                 `json:"skipped,omitempty"`
}

// Autostart starts every powered off imperative container that is marked to
// start at boot. With dryRun nothing is written or started.
func (m *Manager) Autostart(ctx context.Context, dryRun bool) *AutostartReport {
	logger := m.operationLogger("autostart", "dry_run", dryRun)
	report := &AutostartReport{DryRun: dryRun, Total: len(m.containers)}

	for _, c := range m.containers {
		switch state := c.State(ctx); {
		case !c.IsManaged():
			report.skip(c, "unmanaged")
		case state != machine.StatePoweredOff:
			report.skip(c, "in state "+state)
		case !c.IsImperative():
			report.skip(c, "declarative")
		case !c.AutoStart():
			report.skip(c, "autostart disabled")
		default:
			report.Started = append(report.Started, c)
			if dryRun {
				continue
			}
			if err := m.autostart(ctx, c); err != nil {
				logger.Error("failed to start container", "container", c.Name(), "error", err)
				if report.Failed == nil {
					report.Failed = map[string]string{}
				}
				report.Failed[c.Name()] = err.Error()
			}
		}
	}

	logger.Info("autostart finished", "started", len(report.Started)-len(report.Failed), "total", report.Total)
	return report
}

func (m *Manager) autostart(ctx context.Context, c *container.Container) error {
	if err := c.WriteConfigFiles(ctx); err != nil {
		return err
	}
	var err error
	for attempt := 1; attempt <= StartAttempts; attempt++ {
		if err = c.Start(ctx); err == nil {
			return nil
		}
		m.logger.Warn("start failed", "container", c.Name(), "attempt", attempt, "of", StartAttempts, "error", err)
		if attempt < StartAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return err
}

func (r *AutostartReport) skip(c *container.Container, reason string) {
	r.Skipped = append(r.Skipped, Skip{Name: c.Name(), Reason: reason})
}
