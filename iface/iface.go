// Package iface defines the router's view of a configured Ethernet
// interface: the immutable identity (name, MAC, IPv4 address) shared by
// the ARP module, the IP forwarding engine, and the NAT engine.
package iface

// Interface is one of the router's attached Ethernet interfaces, fixed
// at startup and never mutated afterwards.
type Interface struct {
	Name string
	MAC  [6]byte
	IP   [4]byte
}

// Table is a static, ordered set of interfaces looked up by name or by
// owned IP. Built once at startup from configuration.
type Table struct {
	ifaces []Interface
}

// NewTable builds a lookup table over ifaces. The slice is copied.
func NewTable(ifaces []Interface) *Table {
	t := &Table{ifaces: make([]Interface, len(ifaces))}
	copy(t.ifaces, ifaces)
	return t
}

// ByName returns the interface registered under name.
func (t *Table) ByName(name string) (Interface, bool) {
	for _, i := range t.ifaces {
		if i.Name == name {
			return i, true
		}
	}
	return Interface{}, false
}

// ByIP returns the interface owning ip, i.e. the interface a datagram
// destined to ip should be considered locally delivered to.
func (t *Table) ByIP(ip [4]byte) (Interface, bool) {
	for _, i := range t.ifaces {
		if i.IP == ip {
			return i, true
		}
	}
	return Interface{}, false
}

// IsLocal reports whether ip belongs to one of our interfaces.
func (t *Table) IsLocal(ip [4]byte) bool {
	_, ok := t.ByIP(ip)
	return ok
}

// All returns the interfaces in registration order. The returned slice
// must not be mutated by the caller.
func (t *Table) All() []Interface {
	return t.ifaces
}
