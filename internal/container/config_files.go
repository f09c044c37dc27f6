package container

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/nixos-nspawn/internal/unitfile"
)

const (
	// Longest interface name the kernel accepts.
	maxInterfaceName = 15
	// Characters of the machine name kept when systemd-nspawn shortens the
	// host side veth name.
	shortenedNameKeep = 8
)

// Host paths every container sees read-only.
var readOnlyBinds = []string{
	"/nix/store",
	"/nix/var/nix/db",
	"/nix/var/nix/daemon-socket",
}

// WriteConfigFiles renders the unit description and, for private networking
// outside a zone, the network description from the profile metadata. The
// network manager is reloaded when the network description changed on disk.
func (c *Container) WriteConfigFiles(ctx context.Context) error {
	profile, err := c.Profile()
	if err != nil {
		return err
	}

	networkChanged, err := c.writeNetworkFile(profile)
	if err != nil {
		return err
	}

	c.logger.Info("writing unit file", "path", c.unitFile)
	if err := ensureDir(filepath.Dir(c.unitFile)); err != nil {
		return fmt.Errorf("create unit directory: %w", err)
	}
	if err := c.renderUnit(profile).Write(c.unitFile, 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	c.unit = nil

	if networkChanged && c.deps.Network != nil {
		c.logger.Debug("reloading network manager")
		if err := c.deps.Network.Reload(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) renderUnit(profile *Profile) *unitfile.File {
	unit := unitfile.New()

	exec := unit.AddSection("Exec")
	exec.Set("Boot", unitfile.FormatBool(false))
	exec.Set("Parameters", guestProfilesDir+"/"+profileLinkName+"/init")
	exec.Set("PrivateUsers", unitfile.FormatBool(false))
	exec.Set("X-ActivationStrategy", profile.ActivationStrategy())
	exec.Set("X-Imperative", unitfile.FormatBool(profile.IsImperative()))
	exec.Set("Ephemeral", unitfile.FormatBool(profile.Ephemeral))
	exec.Set("LinkJournal", "guest")

	files := unit.AddSection("Files")
	files.Set("BindReadOnly", readOnlyBinds...)
	files.Add("Bind", c.ProfileDir()+":"+guestProfilesDir)
	for _, mount := range profile.BindMounts {
		if mount = strings.TrimSpace(mount); mount != "" {
			files.Add("Bind", mount)
		}
	}

	if profile.PrivateNetwork() {
		network := unit.AddSection("Network")
		network.Set("Private", unitfile.FormatBool(true))
		network.Set("VirtualEthernet", unitfile.FormatBool(true))
		switch {
		case profile.Zone != "":
			network.Set("Zone", profile.Zone)
		case profile.Bridge != "":
			network.Set("Bridge", profile.Bridge)
		}
		for _, port := range profile.ForwardPorts {
			network.Add("Port", port.String())
		}
	}
	return unit
}

// needsNetworkFile reports whether the host side of the veth pair is
// configured by a generated description. Zones are configured by the host.
func needsNetworkFile(profile *Profile) bool {
	return profile.PrivateNetwork() && profile.Zone == ""
}

func (c *Container) writeNetworkFile(profile *Profile) (bool, error) {
	path := c.NetworkFile()
	if !needsNetworkFile(profile) {
		err := os.Remove(path)
		switch {
		case err == nil:
			c.logger.Info("removed stale network file", "path", path)
			return true, nil
		case errors.Is(err, fs.ErrNotExist):
			return false, nil
		default:
			return false, fmt.Errorf("remove network file: %w", err)
		}
	}

	c.logger.Info("writing network file", "path", path)
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return false, fmt.Errorf("create network directory: %w", err)
	}
	if err := c.renderNetwork(profile).Write(path, 0o644); err != nil {
		return false, fmt.Errorf("write network file: %w", err)
	}
	return true, nil
}

func (c *Container) renderNetwork(profile *Profile) *unitfile.File {
	file := unitfile.New()

	match := file.AddSection("Match")
	match.Set("Driver", "veth")
	match.Set("Name", HostInterfacePattern(c.name))

	network := file.AddSection("Network")
	var v4, v6 AddressFamily
	if profile.Network != nil {
		v4, v6 = profile.Network.V4, profile.Network.V6
	}
	network.Set("DHCPServer", unitfile.FormatBool(len(v4.AddrPool) > 0))
	network.Set("EmitLLDP", "customer-bridge")
	network.Set("LLDP", unitfile.FormatBool(true))
	network.Set("IPForward", unitfile.FormatBool(true))
	network.Set("IPMasquerade", masquerade(v4.NAT, v6.NAT))

	for _, addr := range v4.Static.HostAddresses {
		network.Add("Address", addr)
	}
	for _, addr := range v4.AddrPool {
		network.Add("Address", addr)
	}
	for _, addr := range v6.Static.HostAddresses {
		network.Add("Address", addr)
	}
	if len(v6.AddrPool) > 0 {
		c.logger.Warn("IPv6 address pools are not supported, skipping", "pool", v6.AddrPool)
	}
	return file
}

func masquerade(v4, v6 bool) string {
	switch {
	case v4 && v6:
		return "both"
	case v4:
		return "ipv4"
	case v6:
		return "ipv6"
	default:
		return "no"
	}
}

// HostInterfacePattern matches the host side veth systemd-nspawn creates for
// a machine. Names that do not fit an interface name are shortened by
// systemd with a hash suffix, so only a prefix can be matched.
func HostInterfacePattern(name string) string {
	full := networkUnitNamer + name
	if len(full) <= maxInterfaceName {
		return full
	}
	keep := name
	if len(keep) > shortenedNameKeep {
		keep = keep[:shortenedNameKeep]
	}
	return networkUnitNamer + keep + "*"
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.Chmod(dir, 0o755)
}
