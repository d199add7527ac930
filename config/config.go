// Package config loads the router's static startup configuration —
// interface list, routing table, NAT tunables — from a YAML file.
// Spec §6 names this loader only as an out-of-scope external
// collaborator; this package is the concrete instance a runnable
// binary needs, grounded on the teacher's flat value-struct-plus-
// validate style rather than any tagged-union or builder pattern.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netforge-go/natgw/iface"
	"github.com/netforge-go/natgw/nat"
	"github.com/netforge-go/natgw/route"
	"github.com/netforge-go/natgw/router"
)

// Config is the fully-parsed, validated startup configuration, ready
// to hand to router.New.
type Config struct {
	Interfaces    []iface.Interface
	Routes        []route.Route
	InternalIface string
	NATEnabled    bool
	NAT           nat.Config
}

// RouterConfig adapts Config to router.Config.
func (c Config) RouterConfig() router.Config {
	return router.Config{
		Interfaces:    c.Interfaces,
		Routes:        c.Routes,
		InternalIface: c.InternalIface,
		NATEnabled:    c.NATEnabled,
		NAT:           c.NAT,
	}
}

// document is the raw YAML shape; ip/mac/duration fields are strings
// on the wire and converted during Load, matching the teacher's
// preference for accessor-free byte-array types internally while
// keeping the serialized form human-writable.
type document struct {
	InternalIface string          `yaml:"internal_iface"`
	NATEnabled    bool            `yaml:"nat_enabled"`
	Interfaces    []ifaceDoc      `yaml:"interfaces"`
	Routes        []routeDoc      `yaml:"routes"`
	NAT           *natTunablesDoc `yaml:"nat"`
}

type ifaceDoc struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
	IP   string `yaml:"ip"`
}

type routeDoc struct {
	Dest          string `yaml:"dest"`
	Mask          string `yaml:"mask"`
	Gateway       string `yaml:"gateway"`
	InterfaceName string `yaml:"interface_name"`
}

type natTunablesDoc struct {
	ICMPTimeout           string `yaml:"icmp_timeout"`
	TCPEstablishedTimeout string `yaml:"tcp_established_timeout"`
	TCPTransitoryTimeout  string `yaml:"tcp_transitory_timeout"`
	PortRangeStart        uint16 `yaml:"port_range_start"`
	PortRangeEnd          uint16 `yaml:"port_range_end"`
}

// Load reads, parses, and validates a YAML configuration file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses and validates a YAML configuration document already in
// memory (split out from Load for tests).
func Parse(raw []byte) (Config, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	cfg := Config{
		InternalIface: doc.InternalIface,
		NATEnabled:    doc.NATEnabled,
		NAT:           nat.DefaultConfig(),
	}

	seen := make(map[string]bool, len(doc.Interfaces))
	eth1Count := 0
	for _, id := range doc.Interfaces {
		if len(id.Name) == 0 || len(id.Name) > 31 {
			return Config{}, fmt.Errorf("config: interface name %q must be 1-31 bytes", id.Name)
		}
		if seen[id.Name] {
			return Config{}, fmt.Errorf("config: duplicate interface name %q", id.Name)
		}
		seen[id.Name] = true
		if id.Name == "eth1" {
			eth1Count++
		}
		mac, err := net.ParseMAC(id.MAC)
		if err != nil || len(mac) != 6 {
			return Config{}, fmt.Errorf("config: interface %q: invalid mac %q", id.Name, id.MAC)
		}
		ip := net.ParseIP(id.IP).To4()
		if ip == nil {
			return Config{}, fmt.Errorf("config: interface %q: invalid ipv4 address %q", id.Name, id.IP)
		}
		var ifc iface.Interface
		ifc.Name = id.Name
		copy(ifc.MAC[:], mac)
		copy(ifc.IP[:], ip)
		cfg.Interfaces = append(cfg.Interfaces, ifc)
	}
	if eth1Count > 1 {
		return Config{}, fmt.Errorf("config: at most one interface may be named %q", "eth1")
	}
	if cfg.InternalIface != "" && !seen[cfg.InternalIface] {
		return Config{}, fmt.Errorf("config: internal_iface %q is not a configured interface", cfg.InternalIface)
	}

	defaultCount := 0
	for _, rd := range doc.Routes {
		dest := net.ParseIP(rd.Dest).To4()
		mask := net.ParseIP(rd.Mask).To4()
		if dest == nil || mask == nil {
			return Config{}, fmt.Errorf("config: route to %q: invalid dest/mask", rd.Dest)
		}
		gw := net.ParseIP(rd.Gateway).To4()
		if rd.Gateway != "" && gw == nil {
			return Config{}, fmt.Errorf("config: route to %q: invalid gateway %q", rd.Dest, rd.Gateway)
		}
		if !seen[rd.InterfaceName] {
			return Config{}, fmt.Errorf("config: route to %q: interface_name %q not configured", rd.Dest, rd.InterfaceName)
		}
		var r route.Route
		copy(r.Dest[:], dest)
		copy(r.Mask[:], mask)
		if gw != nil {
			copy(r.Gateway[:], gw)
		}
		r.IfaceName = rd.InterfaceName
		cfg.Routes = append(cfg.Routes, r)
		if r.Dest == ([4]byte{}) && r.Mask == ([4]byte{}) {
			defaultCount++
		}
	}
	if defaultCount == 0 {
		return Config{}, fmt.Errorf("config: no default route (0.0.0.0/0.0.0.0) present")
	}
	if defaultCount > 1 {
		return Config{}, fmt.Errorf("config: more than one default route (0.0.0.0/0.0.0.0) present")
	}

	if doc.NAT != nil {
		if err := applyNATOverrides(&cfg.NAT, doc.NAT); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func applyNATOverrides(cfg *nat.Config, doc *natTunablesDoc) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"icmp_timeout", doc.ICMPTimeout, &cfg.ICMPTimeout},
		{"tcp_established_timeout", doc.TCPEstablishedTimeout, &cfg.TCPEstablishedTimeout},
		{"tcp_transitory_timeout", doc.TCPTransitoryTimeout, &cfg.TCPTransitoryTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("config: nat.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	if doc.PortRangeStart != 0 {
		cfg.PortRangeStart = doc.PortRangeStart
	}
	if doc.PortRangeEnd != 0 {
		cfg.PortRangeEnd = doc.PortRangeEnd
	}
	if cfg.PortRangeStart > cfg.PortRangeEnd {
		return fmt.Errorf("config: nat.port_range_start must be <= nat.port_range_end")
	}
	cfg.PendingInboundSYNHold = nat.PendingSYNHold(cfg.TCPTransitoryTimeout)
	return nil
}
