package controlplane

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/topology"
)

// HostType is the role of a machine in the testbed.
type HostType string

const (
	// HostPhysical runs Open vSwitch and the VMs below it.
	HostPhysical HostType = "host"
	// HostSatellite is a VM standing in for a satellite node.
	HostSatellite HostType = "sat"
	// HostCore and HostUE are VMs standing in for facility nodes.
	HostCore HostType = "core"
	HostUE   HostType = "ue"
)

// IsVM reports whether hosts of this type shape traffic with tc.
func (t HostType) IsVM() bool {
	return t == HostSatellite || t == HostCore || t == HostUE
}

const (
	defaultSSHPort    = 22
	defaultUplinkPort = 1
)

// Host is one entry of the hosts file. A VM's name is the topology node it
// emulates.
type Host struct {
	Name       string   `yaml:"-"`
	IP         string   `yaml:"ip"`
	SSHPort    int      `yaml:"ssh_port"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Type       HostType `yaml:"type"`
	Parent     string   `yaml:"parent_host_name"`
	NIC        string   `yaml:"nic_name"`
	OVSPort    int      `yaml:"ovs_port"`
	MAC        string   `yaml:"mac_address"`
	UplinkPort int      `yaml:"uplink_port"` // physical hosts: OVS port toward other hosts
}

func (h Host) addr() string {
	return net.JoinHostPort(h.IP, fmt.Sprint(h.SSHPort))
}

// LoadHosts reads the hosts file at path. Hosts are returned sorted by name.
func LoadHosts(path string) ([]Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseHosts(data, path)
}

// ParseHosts decodes a {name: {ip, ssh_port, ...}} document and validates it.
func ParseHosts(data []byte, source string) ([]Host, error) {
	var raw map[string]Host
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &topology.ConfigurationError{Source: source, Msg: fmt.Sprintf("decode hosts: %v", err)}
	}

	hosts := make([]Host, 0, len(raw))
	for name, h := range raw {
		h.Name = name
		if h.SSHPort == 0 {
			h.SSHPort = defaultSSHPort
		}
		if h.Type == HostPhysical && h.UplinkPort == 0 {
			h.UplinkPort = defaultUplinkPort
		}
		hosts = append(hosts, h)
	}
	slices.SortFunc(hosts, func(a, b Host) int { return strings.Compare(a.Name, b.Name) })

	if err := validateHosts(hosts); err != nil {
		return nil, &topology.ConfigurationError{Source: source, Msg: err.Error()}
	}
	return hosts, nil
}

func validateHosts(hosts []Host) error {
	byName := make(map[string]Host, len(hosts))
	for _, h := range hosts {
		byName[h.Name] = h
	}

	for _, h := range hosts {
		if _, err := netip.ParseAddr(h.IP); err != nil {
			return fmt.Errorf("host %q: invalid ip %q", h.Name, h.IP)
		}
		if h.SSHPort < 1 || h.SSHPort > 65535 {
			return fmt.Errorf("host %q: invalid ssh_port %d", h.Name, h.SSHPort)
		}
		switch {
		case h.Type == HostPhysical:
			continue
		case h.Type.IsVM():
		default:
			return fmt.Errorf("host %q: unknown type %q", h.Name, h.Type)
		}

		if h.NIC == "" {
			return fmt.Errorf("host %q: nic_name is required for %s hosts", h.Name, h.Type)
		}
		if h.Parent == "" {
			continue
		}
		parent, ok := byName[h.Parent]
		if !ok || parent.Type != HostPhysical {
			return fmt.Errorf("host %q: parent_host_name %q is not a physical host", h.Name, h.Parent)
		}
		if h.OVSPort < 1 || h.OVSPort == parent.UplinkPort {
			return fmt.Errorf("host %q: ovs_port %d is invalid on %s", h.Name, h.OVSPort, h.Parent)
		}
		if _, err := net.ParseMAC(h.MAC); err != nil {
			return fmt.Errorf("host %q: invalid mac_address %q", h.Name, h.MAC)
		}
	}
	return nil
}

// CheckNodes verifies every VM emulates a node of the matching kind.
func CheckNodes(hosts []Host, nodes []topology.Node) error {
	kinds := make(map[string]topology.Kind, len(nodes))
	for _, n := range nodes {
		kinds[n.Name] = n.Kind
	}
	for _, h := range hosts {
		if !h.Type.IsVM() {
			continue
		}
		kind, ok := kinds[h.Name]
		want := topology.KindFacility
		if h.Type == HostSatellite {
			want = topology.KindSatellite
		}
		if !ok || kind != want {
			return &topology.ConfigurationError{Msg: fmt.Sprintf("%s host %q has no %s node", h.Type, h.Name, want)}
		}
	}
	return nil
}
