package nat

import (
	"errors"
	"time"

	"github.com/netforge-go/natgw/ipv4"
	"github.com/netforge-go/natgw/ipv4/icmpv4"
	"github.com/netforge-go/natgw/wire"
)

var errEmbeddedShort = errors.New("nat: embedded datagram too short to quote identifiers")

// TranslateEmbeddedError rewrites the embedded flow identifiers inside
// an ICMP destination-unreachable or time-exceeded message (spec
// §4.5.2) arriving from the external side about a previously
// NAT-translated outbound flow. The embedded IP header plus first 8
// bytes of the quoted datagram carry the original flow's port/id in
// their *external* (post-translation) form, as seen by the remote
// host; this rewrites them back to the internal host's own values and
// redirects the outer datagram to that host. Returns ok=false with no
// error if no mapping matches (caller should drop).
func (t *Table) TranslateEmbeddedError(datagram []byte, now time.Time) (ok bool, err error) {
	ifrm, err := ipv4.NewFrame(datagram)
	if err != nil {
		return false, err
	}
	icfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return false, err
	}
	switch icfrm.Type() {
	case icmpv4.TypeDestinationUnreachable, icmpv4.TypeTimeExceeded:
	default:
		return false, errNotEcho
	}

	embedded := icfrm.RawData()[8:] // skip type/code/checksum/unused
	embeddedIfrm, err := ipv4.NewFrame(embedded)
	if err != nil {
		return false, err
	}
	hlen := embeddedIfrm.HeaderLength()
	if len(embedded) < hlen+8 {
		return false, errEmbeddedShort
	}
	quoted := embedded[hlen:]

	var internalIP [4]byte
	var internalAux uint16
	var found bool

	switch embeddedIfrm.Protocol() {
	case wire.IPProtoTCP:
		embeddedSrcPort := readUint16(quoted[0:2])
		t.mu.Lock()
		m, mok := t.byExternal[externalKey{TypeTCP, embeddedSrcPort}]
		if mok {
			internalIP, internalAux, found = m.InternalIP, m.InternalAux, true
		}
		t.mu.Unlock()
		if !found {
			return false, nil
		}
		*embeddedIfrm.SourceAddr() = internalIP
		writeUint16(quoted[0:2], internalAux)
	case wire.IPProtoICMP:
		embeddedInnerType := quoted[0]
		if embeddedInnerType != uint8(icmpv4.TypeEcho) && embeddedInnerType != uint8(icmpv4.TypeEchoReply) {
			return false, nil
		}
		embeddedID := readUint16(quoted[4:6])
		t.mu.Lock()
		m, mok := t.byExternal[externalKey{TypeICMP, embeddedID}]
		if mok {
			internalIP, internalAux, found = m.InternalIP, m.InternalAux, true
		}
		t.mu.Unlock()
		if !found {
			return false, nil
		}
		*embeddedIfrm.SourceAddr() = internalIP
		writeUint16(quoted[4:6], internalAux)
	default:
		return false, nil
	}

	*ifrm.DestinationAddr() = internalIP
	rewriteICMPChecksum(icfrm)
	rewriteIPChecksum(ifrm)
	return true, nil
}

// UndoOutboundTCP reverses a translation this table previously applied
// to an outbound TCP segment (src ip/port rewritten to the external
// identity), restoring the original internal src ip/port. Used by the
// IP engine (spec §4.5.4) when it must quote the pre-NAT header inside
// an ICMP error it originates after the packet was already mutated
// (e.g. TTL expiry discovered post-translation).
func (t *Table) UndoOutboundTCP(datagram []byte) error {
	ifrm, tfrm, err := parseTCP(datagram)
	if err != nil {
		return err
	}
	t.mu.Lock()
	m, ok := t.byExternal[externalKey{TypeTCP, tfrm.SourcePort()}]
	t.mu.Unlock()
	if !ok {
		return errNoMapping
	}
	*ifrm.SourceAddr() = m.InternalIP
	tfrm.SetSourcePort(m.InternalAux)
	rewriteTCPChecksum(ifrm, tfrm)
	rewriteIPChecksum(ifrm)
	return nil
}

// UndoInboundTCP reverses a translation this table previously applied
// to an inbound TCP segment (dst ip/port rewritten to the internal
// identity), restoring the original external-facing dst ip/port.
// outIfaceIP is the external address the flow was translated to —
// the table does not retain one, per spec §3's implicit-external-IP
// model.
func (t *Table) UndoInboundTCP(datagram []byte, outIfaceIP [4]byte) error {
	ifrm, tfrm, err := parseTCP(datagram)
	if err != nil {
		return err
	}
	t.mu.Lock()
	m, ok := t.byInternal[internalKey{TypeTCP, *ifrm.DestinationAddr(), tfrm.DestinationPort()}]
	t.mu.Unlock()
	if !ok {
		return errNoMapping
	}
	*ifrm.DestinationAddr() = outIfaceIP
	tfrm.SetDestinationPort(m.ExternalAux)
	rewriteTCPChecksum(ifrm, tfrm)
	rewriteIPChecksum(ifrm)
	return nil
}

// UndoOutboundICMP reverses a translation this table previously
// applied to an outbound ICMP echo (src ip rewritten, id rewritten).
func (t *Table) UndoOutboundICMP(datagram []byte) error {
	ifrm, err := ipv4.NewFrame(datagram)
	if err != nil {
		return err
	}
	icfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return err
	}
	echo := icmpv4.FrameEcho{Frame: icfrm}
	t.mu.Lock()
	m, ok := t.byExternal[externalKey{TypeICMP, echo.Identifier()}]
	t.mu.Unlock()
	if !ok {
		return errNoMapping
	}
	*ifrm.SourceAddr() = m.InternalIP
	echo.SetIdentifier(m.InternalAux)
	rewriteICMPChecksum(icfrm)
	rewriteIPChecksum(ifrm)
	return nil
}
