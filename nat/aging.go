package nat

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/netforge-go/natgw/internal"
)

// EvictedSYN is reported by [Table.Sweep] for each timed-out
// INBOUND_SYN_PENDING connection that still held a queued SYN, so the
// caller can originate the ICMP type-3 code-3 (port unreachable) the
// spec requires (§4.5.5). Source is the address the SYN came from.
// Datagram is the original, untranslated IPv4 datagram as queued.
type EvictedSYN struct {
	SourceIP   [4]byte
	SourcePort uint16
	Datagram   []byte
}

// SYNUnreachable is notified by [Table.Run] for each EvictedSYN a sweep
// produces, so the caller can originate the ICMP port-unreachable the
// spec requires. Mirrors arp.Unreachable's role in the ARP module.
type SYNUnreachable interface {
	SYNTimedOut(ev EvictedSYN)
}

// Sweep evicts expired mappings and connections (spec §4.5.5) and
// returns the queued SYNs that timed out, each needing a port-
// unreachable reply from the caller.
func (t *Table) Sweep(now time.Time) []EvictedSYN {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expiredSYNs []EvictedSYN
	for key, m := range t.byInternal {
		switch m.Type {
		case TypeICMP:
			if now.Sub(m.LastUpdated) > t.cfg.ICMPTimeout {
				t.removeLocked(m)
				delete(t.byInternal, key)
			}
		case TypeTCP:
			expiredSYNs = append(expiredSYNs, t.sweepTCPMapping(m, now)...)
			if len(m.Connections) == 0 {
				t.removeLocked(m)
				delete(t.byInternal, key)
			}
		}
	}
	return expiredSYNs
}

// sweepTCPMapping evicts expired connections within m in place.
// Callers must hold mu.
func (t *Table) sweepTCPMapping(m *Mapping, now time.Time) []EvictedSYN {
	var expired []EvictedSYN
	kept := m.Connections[:0]
	for i := range m.Connections {
		c := m.Connections[i]
		idle := c.idle(now)
		var evict bool
		switch c.State {
		case StateConnected:
			evict = idle > t.cfg.TCPEstablishedTimeout
		case StateOutboundSYN, StateTimeWait:
			evict = idle > t.cfg.TCPTransitoryTimeout
		case StateInboundSYNPending:
			evict = idle > t.cfg.PendingInboundSYNHold
			if evict && c.QueuedSYN != nil {
				expired = append(expired, EvictedSYN{
					SourceIP:   c.ExternalIP,
					SourcePort: c.ExternalPort,
					Datagram:   c.QueuedSYN,
				})
			}
		}
		if !evict {
			kept = append(kept, c)
		}
	}
	m.Connections = kept
	return expired
}

// Run drives the 1Hz aging sweep until stop is closed, emitting a
// structured log line and notifying unreach for every queued SYN a
// sweep times out. Mirrors the ARP module's sweep loop shape (one
// ticker, cooperative shutdown).
func (t *Table) Run(stop <-chan struct{}, log *internal.Logger, unreach SYNUnreachable) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			evicted := t.Sweep(now)
			for _, ev := range evicted {
				log.Info("nat: queued inbound SYN timed out",
					slog.String("src_ip", netip.AddrFrom4(ev.SourceIP).String()),
					slog.Int("src_port", int(ev.SourcePort)))
				if unreach != nil {
					unreach.SYNTimedOut(ev)
				}
			}
		}
	}
}

// Close releases all NAT state immediately (spec §5 "on shutdown ...
// all mappings/connections are released").
func (t *Table) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byInternal = make(map[internalKey]*Mapping)
	t.byExternal = make(map[externalKey]*Mapping)
	return nil
}
