package nat

import (
	"fmt"
	"sync"
	"time"

	"github.com/netforge-go/natgw/metrics"
)

type internalKey struct {
	typ Type
	ip  [4]byte
	aux uint16
}

type externalKey struct {
	typ Type
	aux uint16
}

// Table is the NAT engine's mapping store. All operations that touch
// more than one lookup (create-if-absent, translate-and-record,
// state-transition-and-touch) are implemented as a single method that
// takes the lock once — the spec's design notes prefer this over a
// recursive mutex permitting composed operations to re-enter the lock,
// so that is the shape used here throughout.
type Table struct {
	mu         sync.Mutex
	cfg        Config
	metrics    *metrics.Set // nil disables collection
	byInternal map[internalKey]*Mapping
	byExternal map[externalKey]*Mapping
	nextPort   [2]uint16 // indexed by Type; next candidate port to try
}

// NewTable builds an empty mapping table. The external IP stamped on
// translated packets is not fixed here: per spec §3 it is "implicit —
// the router's outgoing interface's IP at translation time" — so every
// outbound translation call takes it as a parameter instead. ms may be
// nil to disable metrics collection.
func NewTable(cfg Config, ms *metrics.Set) *Table {
	t := &Table{
		cfg:        cfg,
		metrics:    ms,
		byInternal: make(map[internalKey]*Mapping),
		byExternal: make(map[externalKey]*Mapping),
	}
	t.nextPort[TypeICMP] = cfg.PortRangeStart
	t.nextPort[TypeTCP] = cfg.PortRangeStart
	return t
}

// allocatePort finds a free external port for typ, walking the
// [PortRangeStart, PortRangeEnd] range starting from nextPort and
// wrapping at most once. It checks byExternal for a collision on every
// candidate — fixing the spec-noted source bug where a port could be
// handed out twice across a wraparound without a uniqueness check.
// Callers must hold mu.
func (t *Table) allocatePort(typ Type) (uint16, bool) {
	rangeSize := int(t.cfg.PortRangeEnd-t.cfg.PortRangeStart) + 1
	start := t.nextPort[typ]
	if start < t.cfg.PortRangeStart || start > t.cfg.PortRangeEnd {
		start = t.cfg.PortRangeStart
	}
	candidate := start
	for i := 0; i < rangeSize; i++ {
		key := externalKey{typ: typ, aux: candidate}
		if _, taken := t.byExternal[key]; !taken {
			next := candidate + 1
			if next > t.cfg.PortRangeEnd {
				next = t.cfg.PortRangeStart
			}
			t.nextPort[typ] = next
			return candidate, true
		}
		if candidate == t.cfg.PortRangeEnd {
			candidate = t.cfg.PortRangeStart
			t.metrics.ObserveNATPortWrap()
		} else {
			candidate++
		}
	}
	return 0, false
}

func (t *Table) insertLocked(m *Mapping) {
	t.byInternal[internalKey{m.Type, m.InternalIP, m.InternalAux}] = m
	t.byExternal[externalKey{m.Type, m.ExternalAux}] = m
}

func (t *Table) removeLocked(m *Mapping) {
	delete(t.byInternal, internalKey{m.Type, m.InternalIP, m.InternalAux})
	delete(t.byExternal, externalKey{m.Type, m.ExternalAux})
}

// lookupOrCreateInternal returns the mapping for (typ, internalIP,
// internalAux), creating one with a freshly allocated external port if
// none exists yet. Callers must hold mu.
func (t *Table) lookupOrCreateInternal(typ Type, internalIP [4]byte, internalAux uint16, now time.Time) (*Mapping, error) {
	key := internalKey{typ, internalIP, internalAux}
	if m, ok := t.byInternal[key]; ok {
		return m, nil
	}
	port, ok := t.allocatePort(typ)
	if !ok {
		return nil, fmt.Errorf("nat: port range exhausted for %s", typ)
	}
	m := &Mapping{
		Type:        typ,
		InternalIP:  internalIP,
		InternalAux: internalAux,
		ExternalAux: port,
		LastUpdated: now,
	}
	t.insertLocked(m)
	return m, nil
}

// LookupInternal returns a copy of the mapping for (typ, internalIP,
// internalAux) without creating one.
func (t *Table) LookupInternal(typ Type, internalIP [4]byte, internalAux uint16) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byInternal[internalKey{typ, internalIP, internalAux}]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

// LookupExternal returns a copy of the mapping for (typ, externalAux)
// without creating one.
func (t *Table) LookupExternal(typ Type, externalAux uint16) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byExternal[externalKey{typ, externalAux}]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

// Count returns the number of live mappings, for metrics.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byInternal)
}
