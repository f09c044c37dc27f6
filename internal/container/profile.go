package container

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Activation strategies.
const (
	StrategyRestart = "restart"
	StrategyReload  = "reload"

	DefaultStrategy = StrategyRestart
)

// Profile is the metadata the build writes next to the container system.
type Profile struct {
	Declarative  *bool         `json:"declarative"`
	Activation   Activation    `json:"activation"`
	Zone         string        `json:"zone"`
	Bridge       string        `json:"bridge"`
	Ephemeral    bool          `json:"ephemeral"`
	BindMounts   []string      `json:"bindMounts"`
	ForwardPorts []ForwardPort `json:"forwardPorts"`
	Network      *Network      `json:"network"`
}

// Activation controls how configuration changes reach a running container.
type Activation struct {
	Strategy  string `json:"strategy"`
	AutoStart *bool  `json:"autoStart"`
}

// Network holds the private network addressing of a container.
type Network struct {
	V4 AddressFamily `json:"v4"`
	V6 AddressFamily `json:"v6"`
}

// AddressFamily is the addressing of one IP family.
type AddressFamily struct {
	NAT      bool     `json:"nat"`
	AddrPool []string `json:"addrPool"`
	Static   struct {
		HostAddresses []string `json:"hostAddresses"`
	} `json:"static"`
}

// ForwardPort is a host to container port mapping. It decodes from either the
// unit-file spelling ("tcp:80:8080") or an object with protocol, hostPort and
// containerPort.
type ForwardPort struct {
	Protocol      string `json:"protocol,omitempty"`
	HostPort      int    `json:"hostPort"`
	ContainerPort int    `json:"containerPort,omitempty"`
	raw           string
}

func (p *ForwardPort) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			return fmt.Errorf("empty forward port")
		}
		*p = ForwardPort{raw: text}
		return nil
	}

	type plain ForwardPort
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decode forward port: %w", err)
	}
	if decoded.HostPort <= 0 {
		return fmt.Errorf("forward port requires a positive hostPort")
	}
	*p = ForwardPort(decoded)
	return nil
}

// String renders the mapping as a unit-file Port= value.
func (p ForwardPort) String() string {
	if p.raw != "" {
		return p.raw
	}
	parts := []string{}
	if p.Protocol != "" {
		parts = append(parts, p.Protocol)
	}
	parts = append(parts, strconv.Itoa(p.HostPort))
	if p.ContainerPort > 0 {
		parts = append(parts, strconv.Itoa(p.ContainerPort))
	}
	return strings.Join(parts, ":")
}

// IsImperative reports whether the container was created by this tool.
// Metadata without the field describes a declarative container.
func (p *Profile) IsImperative() bool {
	return p.Declarative != nil && !*p.Declarative
}

// AutoStart defaults to true for containers that predate the option.
func (p *Profile) AutoStart() bool {
	if p.Activation.AutoStart == nil {
		return true
	}
	return *p.Activation.AutoStart
}

// ActivationStrategy returns the configured strategy or DefaultStrategy.
func (p *Profile) ActivationStrategy() string {
	if s := strings.TrimSpace(p.Activation.Strategy); s != "" {
		return s
	}
	return DefaultStrategy
}

// PrivateNetwork reports whether the container gets its own network stack.
func (p *Profile) PrivateNetwork() bool {
	return p.Network != nil || p.Zone != "" || p.Bridge != ""
}

// BindSources returns the host side of every bind mount.
func (p *Profile) BindSources() []string {
	sources := make([]string, 0, len(p.BindMounts))
	for _, mount := range p.BindMounts {
		src, _, _ := strings.Cut(mount, ":")
		if src = strings.TrimSpace(src); src != "" {
			sources = append(sources, src)
		}
	}
	return sources
}

// LoadProfile decodes profile metadata from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, &Error{Message: fmt.Sprintf("malformed profile metadata %s: %v", path, err)}
	}
	return &profile, nil
}
