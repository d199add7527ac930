package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/netforge-go/natgw/iface"
	"github.com/netforge-go/natgw/route"
)

const sampleYAML = `
internal_iface: eth1
nat_enabled: true
interfaces:
  - name: eth1
    mac: "02:00:00:00:00:01"
    ip: "10.0.0.1"
  - name: eth2
    mac: "02:00:00:00:00:02"
    ip: "203.0.113.2"
routes:
  - dest: "0.0.0.0"
    mask: "0.0.0.0"
    gateway: "203.0.113.1"
    interface_name: eth2
  - dest: "10.0.0.0"
    mask: "255.255.255.0"
    gateway: "0.0.0.0"
    interface_name: eth1
nat:
  icmp_timeout: 30s
  port_range_start: 40000
  port_range_end: 40999
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	wantIfaces := []iface.Interface{
		{Name: "eth1", MAC: [6]byte{0x02, 0, 0, 0, 0, 1}, IP: [4]byte{10, 0, 0, 1}},
		{Name: "eth2", MAC: [6]byte{0x02, 0, 0, 0, 0, 2}, IP: [4]byte{203, 0, 113, 2}},
	}
	if diff := cmp.Diff(wantIfaces, cfg.Interfaces); diff != "" {
		t.Errorf("interfaces mismatch (-want +got):\n%s", diff)
	}
	if cfg.InternalIface != "eth1" {
		t.Errorf("internal iface = %q", cfg.InternalIface)
	}
	wantRoutes := []route.Route{
		{Dest: [4]byte{}, Mask: [4]byte{}, Gateway: [4]byte{203, 0, 113, 1}, IfaceName: "eth2"},
		{Dest: [4]byte{10, 0, 0, 0}, Mask: [4]byte{255, 255, 255, 0}, Gateway: [4]byte{}, IfaceName: "eth1"},
	}
	if diff := cmp.Diff(wantRoutes, cfg.Routes); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
	if cfg.NAT.ICMPTimeout != 30*time.Second {
		t.Errorf("icmp timeout override not applied: %v", cfg.NAT.ICMPTimeout)
	}
	if cfg.NAT.PortRangeStart != 40000 || cfg.NAT.PortRangeEnd != 40999 {
		t.Errorf("port range override not applied: %d-%d", cfg.NAT.PortRangeStart, cfg.NAT.PortRangeEnd)
	}
	// Untouched tunables keep their defaults.
	if cfg.NAT.TCPEstablishedTimeout != 7440*time.Second {
		t.Errorf("tcp established timeout changed unexpectedly: %v", cfg.NAT.TCPEstablishedTimeout)
	}
}

func TestParseRejectsMissingDefaultRoute(t *testing.T) {
	const noDefault = `
interfaces:
  - name: eth1
    mac: "02:00:00:00:00:01"
    ip: "10.0.0.1"
routes:
  - dest: "10.0.0.0"
    mask: "255.255.255.0"
    interface_name: eth1
`
	if _, err := Parse([]byte(noDefault)); err == nil {
		t.Fatal("expected error for missing default route, got nil")
	}
}

func TestParseRejectsDuplicateInterfaceNames(t *testing.T) {
	const dup = `
interfaces:
  - name: eth1
    mac: "02:00:00:00:00:01"
    ip: "10.0.0.1"
  - name: eth1
    mac: "02:00:00:00:00:02"
    ip: "10.0.0.2"
routes:
  - dest: "0.0.0.0"
    mask: "0.0.0.0"
    interface_name: eth1
`
	if _, err := Parse([]byte(dup)); err == nil {
		t.Fatal("expected error for duplicate interface name, got nil")
	}
}

func TestParseRejectsDuplicateDefaultRoutes(t *testing.T) {
	const twoDefaults = `
interfaces:
  - name: eth1
    mac: "02:00:00:00:00:01"
    ip: "10.0.0.1"
  - name: eth2
    mac: "02:00:00:00:00:02"
    ip: "10.0.0.2"
routes:
  - dest: "0.0.0.0"
    mask: "0.0.0.0"
    interface_name: eth1
  - dest: "0.0.0.0"
    mask: "0.0.0.0"
    interface_name: eth2
`
	if _, err := Parse([]byte(twoDefaults)); err == nil {
		t.Fatal("expected error for more than one default route, got nil")
	}
}

func TestParseRejectsRouteToUnknownInterface(t *testing.T) {
	const badIface = `
interfaces:
  - name: eth1
    mac: "02:00:00:00:00:01"
    ip: "10.0.0.1"
routes:
  - dest: "0.0.0.0"
    mask: "0.0.0.0"
    interface_name: eth9
`
	if _, err := Parse([]byte(badIface)); err == nil {
		t.Fatal("expected error for route to unconfigured interface, got nil")
	}
}

func TestParseRejectsMalformedMAC(t *testing.T) {
	const badMAC = `
interfaces:
  - name: eth1
    mac: "not-a-mac"
    ip: "10.0.0.1"
routes:
  - dest: "0.0.0.0"
    mask: "0.0.0.0"
    interface_name: eth1
`
	if _, err := Parse([]byte(badMAC)); err == nil {
		t.Fatal("expected error for malformed mac, got nil")
	}
}
