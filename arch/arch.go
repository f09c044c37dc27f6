// Package arch maps host architectures onto the platform identifiers used to
// select a container build from a flake.
package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is a CPU architecture in nix spelling.
type Architecture string

const (
	X86_64    Architecture = "x86_64"
	I686      Architecture = "i686"
	AArch64   Architecture = "aarch64"
	ARMV7L    Architecture = "armv7l"
	PowerPC64 Architecture = "powerpc64le"
	RISCV64   Architecture = "riscv64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{X86_64, I686, AArch64, ARMV7L, PowerPC64, RISCV64}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, I686, AArch64, ARMV7L, PowerPC64, RISCV64:
		return true
	default:
		return false
	}
}

func (a Architecture) String() string {
	return string(a)
}

// System returns the platform identifier for a, e.g. "x86_64-linux".
func (a Architecture) System() string {
	return string(a) + "-linux"
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(I686), "x86", "i386", "386":
		return I686
	case string(AArch64), "arm64":
		return AArch64
	case string(ARMV7L), "arm", "armv7", "armhf":
		return ARMV7L
	case string(PowerPC64), "ppc64le", "ppc64el":
		return PowerPC64
	case string(RISCV64):
		return RISCV64
	default:
		return ""
	}
}

// ParseSystem validates a platform identifier such as "aarch64-linux".
func ParseSystem(value string) (string, error) {
	value = strings.TrimSpace(value)
	cpu, kernel, found := strings.Cut(value, "-")
	if !found || kernel != "linux" {
		return "", fmt.Errorf("unsupported system %q: expected <arch>-linux", value)
	}
	a := Normalize(cpu)
	if !a.IsValid() {
		return "", fmt.Errorf("unsupported architecture %q (supported: %s)", cpu, strings.Join(supportedStrings(), ", "))
	}
	return a.System(), nil
}

// Host returns the architecture of the running binary.
func Host() Architecture {
	return hostFor(runtime.GOARCH)
}

// HostSystem returns the platform identifier of the running binary, falling
// back to x86_64-linux on architectures nix does not build containers for.
func HostSystem() string {
	if a := Host(); a.IsValid() {
		return a.System()
	}
	return X86_64.System()
}

func hostFor(goarch string) Architecture {
	switch goarch {
	case "amd64":
		return X86_64
	case "386":
		return I686
	case "arm64":
		return AArch64
	case "arm":
		return ARMV7L
	case "ppc64le":
		return PowerPC64
	case "riscv64":
		return RISCV64
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
