// Package nat implements the router's NAPT translation engine: mapping
// and connection tables, port allocation, endpoint-independent mapping
// with simultaneous-open support, TCP connection tracking, and ICMP
// error rewriting including embedded-payload translation (spec §4.5).
//
// Grounded on the retrieval pack's swnat translation table
// (KarpelesLab/swnat's Table[IP]/Pair/allocatePort), reshaped into this
// spec's exact data model: a mapping keyed by (type, internal_ip,
// internal_aux) and independently by (type, external_aux), connections
// nested within TCP mappings, and the [50000, 59999] default allocation
// range (Config.PortRangeStart/PortRangeEnd).
package nat

import "time"

// Type distinguishes the two kinds of mapping this engine tracks. UDP
// NAT is explicitly out of scope.
type Type uint8

const (
	TypeICMP Type = iota
	TypeTCP
)

func (t Type) String() string {
	if t == TypeICMP {
		return "ICMP"
	}
	return "TCP"
}

// ConnState is a TCP connection's position in the simplified state
// machine tracked per spec §4.5.3.
type ConnState uint8

const (
	StateOutboundSYN ConnState = iota
	StateInboundSYNPending
	StateConnected
	StateTimeWait
)

func (s ConnState) String() string {
	switch s {
	case StateOutboundSYN:
		return "OUTBOUND_SYN"
	case StateInboundSYNPending:
		return "INBOUND_SYN_PENDING"
	case StateConnected:
		return "CONNECTED"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "state(unknown)"
	}
}

// Connection is one TCP endpoint pair tracked within a mapping. A
// queued inbound SYN (full IPv4 datagram, a deep copy) is held during
// INBOUND_SYN_PENDING for a simultaneous-open to complete.
type Connection struct {
	ExternalIP   [4]byte
	ExternalPort uint16
	State        ConnState
	LastAccessed time.Time
	QueuedSYN    []byte
}

func (c *Connection) idle(now time.Time) time.Duration { return now.Sub(c.LastAccessed) }

// Mapping is the NAT's translation record for one internal (ip, aux)
// pair of a given type. Connections is empty for ICMP mappings.
type Mapping struct {
	Type        Type
	InternalIP  [4]byte
	InternalAux uint16
	ExternalAux uint16
	LastUpdated time.Time
	Connections []Connection
}

func (m *Mapping) findConnection(externalIP [4]byte, externalPort uint16) *Connection {
	for i := range m.Connections {
		c := &m.Connections[i]
		if c.ExternalIP == externalIP && c.ExternalPort == externalPort {
			return c
		}
	}
	return nil
}

func (m *Mapping) removeConnection(i int) {
	m.Connections = append(m.Connections[:i], m.Connections[i+1:]...)
}

// Config carries the tunable parameters from spec §6: timeouts and the
// port allocation range. Zero Config is not valid; use [DefaultConfig].
type Config struct {
	ICMPTimeout            time.Duration
	TCPEstablishedTimeout  time.Duration
	TCPTransitoryTimeout   time.Duration
	PendingInboundSYNHold  time.Duration // max(6s, TCPTransitoryTimeout), per RFC 5382 REQ-3
	PortRangeStart         uint16
	PortRangeEnd           uint16
}

// DefaultConfig returns the spec §6 default tunables.
func DefaultConfig() Config {
	c := Config{
		ICMPTimeout:           60 * time.Second,
		TCPEstablishedTimeout: 7440 * time.Second,
		TCPTransitoryTimeout:  300 * time.Second,
		PortRangeStart:        50000,
		PortRangeEnd:          59999,
	}
	c.PendingInboundSYNHold = PendingSYNHold(c.TCPTransitoryTimeout)
	return c
}

// PendingSYNHold implements the spec §9 fix to the source's bug: the
// source truncated the inbound-SYN hold to the transitory timeout;
// RFC 5382 REQ-3 wants at least 6s. Exported so config can recompute
// the derived field after overriding TCPTransitoryTimeout.
func PendingSYNHold(transitory time.Duration) time.Duration {
	const minHold = 6 * time.Second
	if transitory > minHold {
		return transitory
	}
	return minHold
}
