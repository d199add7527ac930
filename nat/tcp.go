package nat

import (
	"time"

	"github.com/netforge-go/natgw/ipv4"
	natgwtcp "github.com/netforge-go/natgw/tcp"
	"github.com/netforge-go/natgw/wire"
)

// Action is the dispositive outcome of a TCP translation attempt: what
// the dispatcher should do with the datagram next.
type Action uint8

const (
	// ActionDrop means the datagram carries no translatable state and
	// must be discarded silently.
	ActionDrop Action = iota
	// ActionForward means the datagram was rewritten in place and
	// should be sent on.
	ActionForward
	// ActionQueued means an inbound SYN was accepted and queued
	// pending a simultaneous-open completion; nothing is forwarded now.
	ActionQueued
	// ActionUnreachable means the dispatcher should originate an ICMP
	// type-3 code-3 (port unreachable) addressed to the sender.
	ActionUnreachable
)

// TranslateOutboundTCP applies the outbound half of the TCP state
// machine (spec §4.5.3) to a datagram moving from the internal
// interface outward, mutating it in place on ActionForward.
func (t *Table) TranslateOutboundTCP(datagram []byte, outIfaceIP [4]byte, now time.Time) (Action, error) {
	ifrm, tfrm, err := parseTCP(datagram)
	if err != nil {
		return ActionDrop, err
	}
	flags := tfrm.Flags()
	internalIP := *ifrm.SourceAddr()
	internalPort := tfrm.SourcePort()
	remoteIP := *ifrm.DestinationAddr()
	remotePort := tfrm.DestinationPort()

	t.mu.Lock()
	m, ok := t.byInternal[internalKey{TypeTCP, internalIP, internalPort}]
	if !ok {
		if !flags.HasAny(natgwtcp.FlagSYN) {
			t.mu.Unlock()
			return ActionDrop, nil
		}
		var cerr error
		m, cerr = t.lookupOrCreateInternal(TypeTCP, internalIP, internalPort, now)
		if cerr != nil {
			t.mu.Unlock()
			return ActionDrop, cerr
		}
		m.Connections = append(m.Connections, Connection{
			ExternalIP:   remoteIP,
			ExternalPort: remotePort,
			State:        StateOutboundSYN,
			LastAccessed: now,
		})
	} else {
		conn := m.findConnection(remoteIP, remotePort)
		if conn == nil {
			if !flags.HasAny(natgwtcp.FlagSYN) {
				t.mu.Unlock()
				return ActionDrop, nil
			}
			m.Connections = append(m.Connections, Connection{
				ExternalIP:   remoteIP,
				ExternalPort: remotePort,
				State:        StateOutboundSYN,
				LastAccessed: now,
			})
		} else {
			applyOutboundTransition(conn, flags)
			conn.LastAccessed = now
		}
	}
	m.LastUpdated = now
	externalAux := m.ExternalAux
	t.mu.Unlock()

	*ifrm.SourceAddr() = outIfaceIP
	tfrm.SetSourcePort(externalAux)
	rewriteTCPChecksum(ifrm, tfrm)
	rewriteIPChecksum(ifrm)
	return ActionForward, nil
}

func applyOutboundTransition(conn *Connection, flags natgwtcp.Flags) {
	if conn.State == StateInboundSYNPending && flags.HasAll(natgwtcp.FlagSYN) {
		conn.State = StateConnected
		conn.QueuedSYN = nil
	}
	if flags.HasAny(natgwtcp.FlagFIN) {
		conn.State = StateTimeWait
	}
	if conn.State == StateTimeWait && flags.HasAll(natgwtcp.FlagSYN) {
		conn.State = StateOutboundSYN
	}
}

// TranslateInboundTCP applies the inbound half of the TCP state
// machine (spec §4.5.3) to a datagram arriving on an external
// interface addressed to one of the router's external IPs, mutating it in
// place on ActionForward. On ActionQueued a deep copy of datagram has
// been retained internally; the caller must not forward it.
func (t *Table) TranslateInboundTCP(datagram []byte, now time.Time) (Action, error) {
	ifrm, tfrm, err := parseTCP(datagram)
	if err != nil {
		return ActionDrop, err
	}
	flags := tfrm.Flags()
	remoteIP := *ifrm.SourceAddr()
	remotePort := tfrm.SourcePort()
	externalPort := tfrm.DestinationPort()

	t.mu.Lock()
	m, ok := t.byExternal[externalKey{TypeTCP, externalPort}]
	if !ok {
		t.mu.Unlock()
		if flags.HasAny(natgwtcp.FlagSYN) {
			return ActionUnreachable, nil
		}
		return ActionDrop, nil
	}
	conn := m.findConnection(remoteIP, remotePort)
	if conn == nil {
		if !flags.HasAny(natgwtcp.FlagSYN) {
			t.mu.Unlock()
			return ActionDrop, nil
		}
		queued := make([]byte, len(datagram))
		copy(queued, datagram)
		m.Connections = append(m.Connections, Connection{
			ExternalIP:   remoteIP,
			ExternalPort: remotePort,
			State:        StateInboundSYNPending,
			LastAccessed: now,
			QueuedSYN:    queued,
		})
		m.LastUpdated = now
		t.mu.Unlock()
		return ActionQueued, nil
	}
	if conn.State == StateOutboundSYN && flags.HasAll(natgwtcp.FlagSYN) {
		conn.State = StateConnected
	}
	if flags.HasAny(natgwtcp.FlagFIN) {
		conn.State = StateTimeWait
	}
	conn.LastAccessed = now
	m.LastUpdated = now
	internalIP := m.InternalIP
	internalAux := m.InternalAux
	t.mu.Unlock()

	*ifrm.DestinationAddr() = internalIP
	tfrm.SetDestinationPort(internalAux)
	rewriteTCPChecksum(ifrm, tfrm)
	rewriteIPChecksum(ifrm)
	return ActionForward, nil
}

func parseTCP(datagram []byte) (ipv4.Frame, natgwtcp.Frame, error) {
	ifrm, err := ipv4.NewFrame(datagram)
	if err != nil {
		return ipv4.Frame{}, natgwtcp.Frame{}, err
	}
	tfrm, err := natgwtcp.NewFrame(ifrm.Payload())
	if err != nil {
		return ipv4.Frame{}, natgwtcp.Frame{}, err
	}
	return ifrm, tfrm, nil
}

// rewriteTCPChecksum recomputes the TCP checksum over the IPv4
// pseudo-header plus segment, per spec §4.5.3. Unlike the IP and ICMP
// checksums, CRCWrite folds the whole TCP buffer including the stored
// checksum field, so that field must be zeroed first.
func rewriteTCPChecksum(ifrm ipv4.Frame, tfrm natgwtcp.Frame) {
	tfrm.SetCRC(0)
	var crc wire.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	tfrm.CRCWrite(&crc)
	tfrm.SetCRC(wire.NeverZero(crc.Sum16()))
}
