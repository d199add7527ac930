package nat

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/netforge-go/natgw/ipv4"
	"github.com/netforge-go/natgw/ipv4/icmpv4"
	"github.com/netforge-go/natgw/wire"
)

var (
	errNotEcho        = errors.New("nat: not an ICMP echo message")
	errNoMapping      = errors.New("nat: no mapping for external endpoint")
	errPortsExhausted = errors.New("nat: no external port available")
)

// TranslateOutboundEcho rewrites an internally-originated ICMP echo
// request datagram to wear outIfaceIP (the router's address facing the
// destination, per spec §3 "the external IP is implicit: the router's
// outgoing interface's IP at translation time") and an allocated
// external identifier, creating the mapping on first sight (spec
// §4.5.1). datagram is mutated in place.
func (t *Table) TranslateOutboundEcho(datagram []byte, outIfaceIP [4]byte, now time.Time) error {
	ifrm, err := ipv4.NewFrame(datagram)
	if err != nil {
		return err
	}
	icfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return err
	}
	if icfrm.Type() != icmpv4.TypeEcho {
		return errNotEcho
	}
	echo := icmpv4.FrameEcho{Frame: icfrm}

	t.mu.Lock()
	m, err := t.lookupOrCreateInternal(TypeICMP, *ifrm.SourceAddr(), echo.Identifier(), now)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	m.LastUpdated = now
	externalAux := m.ExternalAux
	t.mu.Unlock()

	*ifrm.SourceAddr() = outIfaceIP
	echo.SetIdentifier(externalAux)
	rewriteICMPChecksum(icfrm)
	rewriteIPChecksum(ifrm)
	return nil
}

// TranslateInboundEcho rewrites an ICMP echo reply addressed to one of
// the router's external addresses back to the internal host that
// originated the matching request, per spec §4.5.1. Returns ok=false
// (no error) if no mapping matches; the router then delivers the
// datagram locally, as addressed to itself.
func (t *Table) TranslateInboundEcho(datagram []byte, now time.Time) (ok bool, err error) {
	ifrm, err := ipv4.NewFrame(datagram)
	if err != nil {
		return false, err
	}
	icfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return false, err
	}
	if icfrm.Type() != icmpv4.TypeEchoReply {
		return false, errNotEcho
	}
	echo := icmpv4.FrameEcho{Frame: icfrm}

	t.mu.Lock()
	m, found := t.byExternal[externalKey{TypeICMP, echo.Identifier()}]
	if !found {
		t.mu.Unlock()
		return false, nil
	}
	m.LastUpdated = now
	internalIP := m.InternalIP
	internalAux := m.InternalAux
	t.mu.Unlock()

	*ifrm.DestinationAddr() = internalIP
	echo.SetIdentifier(internalAux)
	rewriteICMPChecksum(icfrm)
	rewriteIPChecksum(ifrm)
	return true, nil
}

// rewriteIPChecksum recomputes the IPv4 header checksum after an
// address field has been edited. CalculateHeaderCRC skips the stored
// checksum's own bytes, so there is no need to zero it first.
func rewriteIPChecksum(ifrm ipv4.Frame) {
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
}

// rewriteICMPChecksum recomputes the ICMP checksum after a field has
// been edited. CRCWrite likewise skips the stored checksum's bytes.
func rewriteICMPChecksum(icfrm icmpv4.Frame) {
	var crc wire.CRC791
	icfrm.CRCWrite(&crc)
	icfrm.SetCRC(wire.NeverZero(crc.Sum16()))
}

// readUint16 and writeUint16 are small helpers used by the embedded-
// error translator in icmperror.go for editing quoted headers that may
// not be full Frame-sized buffers.
func readUint16(b []byte) uint16     { return binary.BigEndian.Uint16(b) }
func writeUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
