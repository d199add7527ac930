// Package route implements the router's static, longest-prefix-match
// routing table (spec §3 "Route"). Grounded on the route/RIB pattern
// from the wider retrieval pack (a mutex-protected table of owned
// value-typed route records), simplified since this table never
// changes after startup: no insert/update API, no hardware-address
// caching — next-hop MAC resolution is the ARP module's job.
package route

import (
	"encoding/binary"
)

// Route is one row of the static routing table: a destination network
// reached via gateway on the named outgoing interface.
type Route struct {
	Dest      [4]byte
	Mask      [4]byte
	Gateway   [4]byte
	IfaceName string
}

func maskLen(mask [4]byte) int {
	return bitsSet(binary.BigEndian.Uint32(mask[:]))
}

func bitsSet(v uint32) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

func (r Route) matches(ip [4]byte) bool {
	for i := 0; i < 4; i++ {
		if ip[i]&r.Mask[i] != r.Dest[i]&r.Mask[i] {
			return false
		}
	}
	return true
}

// Table is the static set of routes, fixed at startup.
type Table struct {
	routes []Route
}

// NewTable builds a lookup table over routes. The slice is copied.
func NewTable(routes []Route) *Table {
	t := &Table{routes: make([]Route, len(routes))}
	copy(t.routes, routes)
	return t
}

// Lookup returns the longest-prefix-match route for dst, or ok=false
// if none matches (the spec expects at least a configured default
// route, i.e. Mask == 0.0.0.0, to make this total in practice).
func (t *Table) Lookup(dst [4]byte) (Route, bool) {
	best := Route{}
	bestLen := -1
	found := false
	for _, r := range t.routes {
		if !r.matches(dst) {
			continue
		}
		l := maskLen(r.Mask)
		if l > bestLen {
			best = r
			bestLen = l
			found = true
		}
	}
	return best, found
}
