// Package machine talks to the host container supervisor (systemd-machined via
// machinectl) and enters running containers with nsenter.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/vishvananda/netns"

	"github.com/cochaviz/nixos-nspawn/internal/command"
)

// StatePoweredOff is reported for machines the supervisor does not know about.
const StatePoweredOff = "powered off"

// NsenterArgs selects the namespaces joined when running a command inside a
// container: mount, UTS, user, IPC, network and PID.
var NsenterArgs = []string{"-m", "-u", "-U", "-i", "-n", "-p"}

// probeNamespace checks that the network namespace of pid can be opened.
var probeNamespace = func(pid int) error {
	handle, err := netns.GetFromPid(pid)
	if err != nil {
		return err
	}
	return handle.Close()
}

// Supervisor is the subset of the container supervisor used by the manager.
type Supervisor interface {
	Start(ctx context.Context, name string) error
	Reboot(ctx context.Context, name string) error
	Poweroff(ctx context.Context, name string) error
	Property(ctx context.Context, name, key string) (string, error)
	Exec(ctx context.Context, name string, args []string) error
}

// Machinectl implements Supervisor with the machinectl and nsenter tools.
type Machinectl struct {
	Runner command.Runner
	Logger *slog.Logger
}

var _ Supervisor = (*Machinectl)(nil)

func (m *Machinectl) logger() *slog.Logger {
	if m != nil && m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Machinectl) Start(ctx context.Context, name string) error {
	return m.Runner.Run(ctx, "machinectl", "start", name)
}

func (m *Machinectl) Reboot(ctx context.Context, name string) error {
	return m.Runner.Run(ctx, "machinectl", "reboot", name)
}

func (m *Machinectl) Poweroff(ctx context.Context, name string) error {
	return m.Runner.Run(ctx, "machinectl", "poweroff", name)
}

func (m *Machinectl) Property(ctx context.Context, name, key string) (string, error) {
	value, err := m.Runner.Output(ctx, "machinectl", "show", name, "--property", key, "--value")
	if err != nil {
		return "", err
	}
	m.logger().Debug("read runtime property", "machine", name, "property", key, "value", value)
	return value, nil
}

// Exec runs args inside the namespaces of the machine's leader process.
func (m *Machinectl) Exec(ctx context.Context, name string, args []string) error {
	if len(args) == 0 {
		return errors.New("command is required")
	}
	leader, err := m.Property(ctx, name, "Leader")
	if err != nil {
		return fmt.Errorf("resolve leader of %s: %w", name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(leader))
	if err != nil || pid <= 0 {
		return fmt.Errorf("machine %s reported invalid leader pid %q", name, leader)
	}
	if err := probeNamespace(pid); err != nil {
		return fmt.Errorf("open namespaces of leader %d: %w", pid, err)
	}

	argv := append([]string{"nsenter", "-t", strconv.Itoa(pid)}, NsenterArgs...)
	argv = append(argv, "--")
	argv = append(argv, args...)
	m.logger().Info("running command in machine", "machine", name, "command", strings.Join(args, " "))
	return m.Runner.Run(ctx, argv...)
}
