// Package network inspects host virtual network zones and reloads the host
// network manager after container network descriptions change.
package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/vishvananda/netlink"

	"github.com/cochaviz/nixos-nspawn/internal/command"
)

// ZonePrefix is the prefix systemd-nspawn gives zone bridge interfaces.
const ZonePrefix = "vz-"

var linkByName = netlink.LinkByName

// ZoneInterface returns the host bridge name backing zone.
func ZoneInterface(zone string) string {
	return ZonePrefix + zone
}

// ZoneChecker reports whether a virtual network zone exists on the host.
type ZoneChecker interface {
	ZoneExists(zone string) (bool, error)
}

// LinkZoneChecker looks zones up as host links over netlink.
type LinkZoneChecker struct{}

var _ ZoneChecker = LinkZoneChecker{}

func (LinkZoneChecker) ZoneExists(zone string) (bool, error) {
	if zone == "" {
		return false, errors.New("zone name is required")
	}
	if _, err := linkByName(ZoneInterface(zone)); err != nil {
		if isLinkNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("lookup %s: %w", ZoneInterface(zone), err)
	}
	return true, nil
}

// Reloader makes the host network manager pick up new network descriptions.
type Reloader interface {
	Reload(ctx context.Context) error
}

// NetworkdReloader reloads systemd-networkd through systemctl.
type NetworkdReloader struct {
	Runner command.Runner
}

var _ Reloader = (*NetworkdReloader)(nil)

func (r *NetworkdReloader) Reload(ctx context.Context) error {
	return r.Runner.Run(ctx, "systemctl", "reload", "systemd-networkd")
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
