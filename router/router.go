// Package router ties the ARP, IP forwarding, ICMP, and NAT components
// into the single dispatcher described by the system overview: one
// entry point per inbound Ethernet frame, plus the two periodic
// background sweeps. Grounded on the teacher's preference for a single
// orchestrating type per subsystem (`arp.Module`) generalized one
// level up to a type that owns all of them.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/netforge-go/natgw/arp"
	"github.com/netforge-go/natgw/ethernet"
	"github.com/netforge-go/natgw/iface"
	"github.com/netforge-go/natgw/internal"
	"github.com/netforge-go/natgw/ipv4"
	"github.com/netforge-go/natgw/ipv4/icmpv4"
	"github.com/netforge-go/natgw/metrics"
	"github.com/netforge-go/natgw/nat"
	"github.com/netforge-go/natgw/route"
	"github.com/netforge-go/natgw/wire"
)

// Transport sends a fully-formed Ethernet frame out the named
// interface. Satisfied by the frame I/O layer, an out-of-scope
// external collaborator.
type Transport interface {
	Send(ifaceName string, frame []byte) error
}

// Config bundles the fixed, startup-only state the router needs:
// interfaces, routes, the name of the internal interface, and whether
// NAT translation is engaged at all.
type Config struct {
	Interfaces    []iface.Interface
	Routes        []route.Route
	InternalIface string // e.g. "eth1"; ignored if NATEnabled is false
	NATEnabled    bool
	NAT           nat.Config
}

// Router is the router core: the frame dispatcher plus the ARP, IP
// forwarding/ICMP, and NAT subsystems it drives synchronously on the
// calling (dispatcher) goroutine. ARP sweep and NAT aging each run on
// their own goroutine, started by Run.
type Router struct {
	ifaces        *iface.Table
	routes        *route.Table
	arpMod        *arp.Module
	nat           *nat.Table // nil when NAT is disabled
	internalIface string
	transport     Transport
	log           *internal.Logger
	metrics       *metrics.Set // nil disables collection
	ipID          atomic.Uint32

	stop chan struct{}
}

// New constructs a Router. transport is shared by the ARP module (for
// replies/broadcasts) and the forwarding path (for transmitting
// resolved datagrams and originated ICMP errors). ms may be nil to
// disable metrics collection.
func New(cfg Config, transport Transport, log *slog.Logger, ms *metrics.Set) *Router {
	wlog := internal.NewLogger(log)
	r := &Router{
		ifaces:        iface.NewTable(cfg.Interfaces),
		routes:        route.NewTable(cfg.Routes),
		internalIface: cfg.InternalIface,
		transport:     transport,
		log:           wlog,
		metrics:       ms,
		stop:          make(chan struct{}),
	}
	r.arpMod = arp.NewModule(r.ifaces, transport, r, log, ms)
	if cfg.NATEnabled {
		r.nat = nat.NewTable(cfg.NAT, ms)
	}
	return r
}

// Run starts the ARP sweep and (if NAT is enabled) NAT aging
// background goroutines. Call Close to stop them.
func (r *Router) Run() {
	go r.arpMod.Run(r.stop)
	if r.nat != nil {
		go r.nat.Run(r.stop, r.log, r)
	}
	if r.metrics != nil {
		go r.runMetricsTick()
	}
}

// runMetricsTick updates the gauge-shaped metrics (ARP cache/pending
// counts, NAT mapping counts) once per second alongside the ARP
// sweep — these aren't side effects of any single operation the way
// counters are, so they're sampled on their own tick instead.
func (r *Router) runMetricsTick() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			cacheSize, pending := r.arpMod.Stats()
			r.metrics.SetARPGauges(cacheSize, pending)
			if r.nat != nil {
				r.metrics.SetNATMappings("all", r.nat.Count())
			}
		}
	}
}

// Close stops the background sweeps and releases NAT state. It does
// not touch the ARP request list: datagrams still queued for
// resolution stay queued and are neither sent nor failed.
func (r *Router) Close(ctx context.Context) error {
	close(r.stop)
	if r.nat != nil {
		return r.nat.Close(ctx)
	}
	return nil
}

// HandleFrame is the frame dispatcher (spec §4.1): it classifies one
// inbound Ethernet frame received on ifaceName and routes it to the
// ARP module or the IP forwarding path. frame is borrowed for the
// duration of this call only.
func (r *Router) HandleFrame(frame []byte, ifaceName string) {
	if len(frame) < 14 {
		return
	}
	rxIface, ok := r.ifaces.ByName(ifaceName)
	if !ok {
		return
	}
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return
	}
	dst := *efrm.DestinationHardwareAddr()
	if !efrm.IsBroadcast() && dst != rxIface.MAC {
		return
	}

	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		afrm, err := arp.NewFrame(efrm.Payload())
		if err != nil {
			return
		}
		var v wire.Validator
		afrm.ValidateSize(&v)
		if v.HasError() {
			return
		}
		r.arpMod.HandleFrame(afrm, ifaceName)
	case ethernet.TypeIPv4:
		r.handleIPv4(efrm.Payload(), rxIface)
	default:
	}
}

// handleIPv4 implements spec §4.3 (validation, local delivery,
// forwarding) and, when NAT is enabled and the packet is forwarded
// across the internal/external boundary, §4.5 (NAT translation).
// datagram is the IPv4 payload of the received Ethernet frame; it is
// mutated in place as TTL, checksums, and (if NAT applies) transport
// identifiers are rewritten.
func (r *Router) handleIPv4(datagram []byte, rxIface iface.Interface) {
	ifrm, err := ipv4.NewFrame(datagram)
	if err != nil {
		return
	}
	var v wire.Validator
	ifrm.Validate(&v)
	if v.HasError() {
		r.log.Debug("ip: dropping invalid datagram", slog.Any("err", v.Err()))
		r.metrics.ObserveFrameDropped("invalid_header")
		return
	}

	dst := *ifrm.DestinationAddr()
	if r.ifaces.IsLocal(dst) {
		// An external packet directed at the internal interface's own
		// IP is always dropped — no route from outside to internal IP
		// — regardless of whether a NAT mapping's transport identifier
		// happens to match. This must be checked before any NAT lookup
		// is attempted: TranslateInbound{Echo,TCP} key purely on
		// transport identifier and never validate the outer
		// destination, so an unguarded lookup here could match a stale
		// mapping and forward into the internal network.
		if r.nat != nil && rxIface.Name != r.internalIface {
			if internalIface, ok := r.ifaces.ByName(r.internalIface); ok && dst == internalIface.IP {
				return
			}
		}
		// A datagram addressed to one of our external IPs may in fact
		// belong to a NAT hole rather than to the router itself (spec
		// §4.5.1 "Inbound"): the dispatcher's address-based
		// classification can't distinguish the two, so a NAT lookup
		// is tried first and only an unmatched packet falls through
		// to true local delivery.
		if r.nat != nil && rxIface.Name != r.internalIface {
			if handled := r.natForwardInbound(ifrm, rxIface); handled {
				return
			}
		}
		r.deliverLocal(ifrm, rxIface)
		return
	}
	r.forward(ifrm, rxIface)
}

// natForwardInbound checks whether a datagram addressed to one of our
// external IPs matches a NAT mapping and, if so, translates and routes
// it onward to the internal host instead of delivering it locally.
// Returns true if the datagram has been fully handled (forwarded, an
// ICMP error emitted, or silently dropped per the NAT state machine) —
// the caller must not also attempt local delivery in that case.
func (r *Router) natForwardInbound(ifrm ipv4.Frame, rxIface iface.Interface) bool {
	now := time.Now()
	datagram := ifrm.RawData()

	switch ifrm.Protocol() {
	case wire.IPProtoICMP:
		icfrm, err := icmpv4.NewFrame(ifrm.Payload())
		if err != nil {
			return false
		}
		switch icfrm.Type() {
		case icmpv4.TypeEchoReply:
			ok, err := r.nat.TranslateInboundEcho(datagram, now)
			if err != nil || !ok {
				return false // no mapping: an unsolicited reply, deliver locally
			}
		case icmpv4.TypeDestinationUnreachable, icmpv4.TypeTimeExceeded:
			ok, err := r.nat.TranslateEmbeddedError(datagram, now)
			if err != nil || !ok {
				return false
			}
		default:
			return false
		}
	case wire.IPProtoTCP:
		action, err := r.nat.TranslateInboundTCP(datagram, now)
		if err != nil {
			return false
		}
		switch action {
		case nat.ActionForward:
		case nat.ActionUnreachable:
			r.originateICMPError(ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodePortUnreachable))
			return true
		default: // ActionQueued, ActionDrop: handled within the NAT engine itself
			return true
		}
	default:
		return false
	}

	rt, ok := r.routes.Lookup(*ifrm.DestinationAddr())
	if !ok {
		return false
	}
	outIface, ok := r.ifaces.ByName(rt.IfaceName)
	if !ok {
		return false
	}
	nextHop := rt.Gateway
	if nextHop == ([4]byte{}) {
		nextHop = *ifrm.DestinationAddr()
	}
	r.transmit(datagram, outIface, nextHop)
	return true
}

// deliverLocal handles a datagram addressed to one of our own
// interfaces once it has been established (or NAT is disabled, or the
// packet arrived on the internal side) that it is not bound for a NAT
// hole (spec §4.3 "local delivery", §4.5 "local-destination rule").
// The internal-interface-IP guard runs earlier, in handleIPv4, before
// any NAT lookup is attempted.
func (r *Router) deliverLocal(ifrm ipv4.Frame, rxIface iface.Interface) {
	if ifrm.Protocol() != wire.IPProtoICMP {
		r.originateICMPError(ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodePortUnreachable))
		return
	}
	r.handleICMP(ifrm, rxIface)
}

// handleICMP implements spec §4.4: verify the checksum, answer echo
// requests in place, log and drop everything else directed at us.
func (r *Router) handleICMP(ifrm ipv4.Frame, rxIface iface.Interface) {
	icfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil || !icfrm.VerifyCRC() {
		return
	}
	if icfrm.Type() != icmpv4.TypeEcho {
		r.log.Debug("icmp: dropping non-echo message directed at router", slog.Any("type", icfrm.Type()))
		return
	}

	src := *ifrm.SourceAddr()
	*ifrm.SourceAddr() = *ifrm.DestinationAddr()
	*ifrm.DestinationAddr() = src
	icfrm.SetType(icmpv4.TypeEchoReply)
	icfrm.SetCRC(0)
	var crc wire.CRC791
	icfrm.CRCWrite(&crc)
	icfrm.SetCRC(wire.NeverZero(crc.Sum16()))
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	rt, ok := r.routes.Lookup(*ifrm.DestinationAddr())
	if !ok {
		return
	}
	outIface, ok := r.ifaces.ByName(rt.IfaceName)
	if !ok {
		return
	}
	nextHop := rt.Gateway
	if nextHop == ([4]byte{}) {
		nextHop = *ifrm.DestinationAddr()
	}
	r.transmit(ifrm.RawData(), outIface, nextHop)
}

// forward implements spec §4.3's forwarding path and, when applicable,
// the §4.5 NAT engagement rules.
func (r *Router) forward(ifrm ipv4.Frame, rxIface iface.Interface) {
	ttl := ifrm.TTL()
	if ttl <= 1 {
		r.originateICMPError(ifrm, icmpv4.TypeTimeExceeded, uint8(icmpv4.CodeExceededInTransit))
		return
	}
	ifrm.SetTTL(ttl - 1)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	rt, ok := r.routes.Lookup(*ifrm.DestinationAddr())
	if !ok || rt.IfaceName == rxIface.Name {
		r.originateICMPError(ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeNetUnreachable))
		return
	}
	outIface, ok := r.ifaces.ByName(rt.IfaceName)
	if !ok {
		r.originateICMPError(ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeNetUnreachable))
		return
	}

	if r.nat != nil {
		receivingInternal := rxIface.Name == r.internalIface
		outInternal := outIface.Name == r.internalIface
		if receivingInternal != outInternal {
			// Crossing the internal/external boundary: translate.
			if !r.natTranslate(ifrm, outIface, !receivingInternal) {
				return // dropped, queued, or unreachable already emitted
			}
		}
		// else: both internal or both external (deflection case) — forward untranslated.
	}

	nextHop := rt.Gateway
	if nextHop == ([4]byte{}) {
		nextHop = *ifrm.DestinationAddr()
	}
	r.transmit(ifrm.RawData(), outIface, nextHop)
}

// natTranslate applies the spec §4.5 NAT rules to ifrm, which is about
// to leave via outIface. inbound is true when the packet arrived on
// an external interface and is headed toward the internal interface.
// Returns whether the caller should forward the (possibly rewritten)
// datagram.
func (r *Router) natTranslate(ifrm ipv4.Frame, outIface iface.Interface, inbound bool) bool {
	now := time.Now()
	datagram := ifrm.RawData()
	switch ifrm.Protocol() {
	case wire.IPProtoICMP:
		icfrm, err := icmpv4.NewFrame(ifrm.Payload())
		if err != nil {
			return false
		}
		switch icfrm.Type() {
		case icmpv4.TypeEcho:
			if inbound {
				return false
			}
			return r.nat.TranslateOutboundEcho(datagram, outIface.IP, now) == nil
		case icmpv4.TypeEchoReply:
			if !inbound {
				return false
			}
			ok, err := r.nat.TranslateInboundEcho(datagram, now)
			return ok && err == nil
		case icmpv4.TypeDestinationUnreachable, icmpv4.TypeTimeExceeded:
			ok, err := r.nat.TranslateEmbeddedError(datagram, now)
			return ok && err == nil
		default:
			return false
		}
	case wire.IPProtoTCP:
		if inbound {
			action, err := r.nat.TranslateInboundTCP(datagram, now)
			if err != nil {
				return false
			}
			if action == nat.ActionUnreachable {
				r.originateICMPError(ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodePortUnreachable))
			}
			return action == nat.ActionForward
		}
		action, err := r.nat.TranslateOutboundTCP(datagram, outIface.IP, now)
		return err == nil && action == nat.ActionForward
	default:
		// UDP and anything else: NAT is explicitly not offered for it.
		return false
	}
}

// transmit hands fullDatagram (an IPv4 datagram, no Ethernet header)
// to the ARP module for next-hop resolution and, on a hit, sends it
// immediately; on a miss the ARP module has already queued it.
func (r *Router) transmit(fullDatagram []byte, outIface iface.Interface, nextHop [4]byte) {
	buf := make([]byte, wire.SizeHeaderEthernet+len(fullDatagram))
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return
	}
	*efrm.SourceHardwareAddr() = outIface.MAC
	efrm.SetEtherType(ethernet.TypeIPv4)
	copy(buf[wire.SizeHeaderEthernet:], fullDatagram)

	hw, ok := r.arpMod.Resolve(nextHop, outIface, buf)
	if !ok {
		return // enqueued; arp.Module will transmit once resolved.
	}
	internal.SetDestHWAddr(buf, hw)
	if err := r.transport.Send(outIface.Name, buf); err != nil {
		r.log.Warn("router: send failed", slog.String("iface", outIface.Name), slog.Any("err", err))
	}
}

var errNoRouteForError = errors.New("router: no route to originate ICMP error")

// originateICMPError implements spec §4.3's error-origination rule:
// quotes the original header plus 8 bytes of payload, sources from the
// outgoing interface chosen by routing the error back to the
// triggering datagram's source, stamps a monotonic ip_id, sets DF, and
// skips origination entirely if the trigger's source is one of our own
// addresses (self-talk guard after a failed ARP).
func (r *Router) originateICMPError(trigger ipv4.Frame, icmpType icmpv4.Type, code uint8) {
	triggerSrc := *trigger.SourceAddr()
	if r.ifaces.IsLocal(triggerSrc) {
		return
	}
	rt, ok := r.routes.Lookup(triggerSrc)
	if !ok {
		r.log.Debug("icmp: cannot originate error", slog.Any("err", errNoRouteForError))
		return
	}
	outIface, ok := r.ifaces.ByName(rt.IfaceName)
	if !ok {
		return
	}

	quoteLen := trigger.HeaderLength() + 8
	if quoteLen > len(trigger.RawData()) {
		quoteLen = len(trigger.RawData())
	}
	quote := trigger.RawData()[:quoteLen]

	buf := make([]byte, 20+8+len(quote))
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		return
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	ifrm.SetID(uint16(r.ipID.Add(1)))
	ifrm.SetFlags(wire.Flags(0x4000)) // DF bit
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoICMP)
	*ifrm.SourceAddr() = outIface.IP
	*ifrm.DestinationAddr() = triggerSrc

	icfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return
	}
	icfrm.SetType(icmpType)
	icfrm.SetCode(code)
	r.metrics.ObserveICMPOriginated(uint8(icmpType), code)
	copy(icfrm.RawData()[8:], quote)
	var crc wire.CRC791
	icfrm.CRCWrite(&crc)
	icfrm.SetCRC(wire.NeverZero(crc.Sum16()))
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	nextHop := rt.Gateway
	if nextHop == ([4]byte{}) {
		nextHop = triggerSrc
	}
	r.transmit(buf, outIface, nextHop)
}

// HostUnreachable implements arp.Unreachable: an ARP request for
// datagram's next hop was exhausted, so originate ICMP type-3 code-1
// (host unreachable) back to its source. datagram may already carry a
// NAT translation applied before it was queued for resolution; undo it
// first (spec §4.5.4) so the error is addressed to, and quotes, the
// packet as its real originator sent it.
func (r *Router) HostUnreachable(datagram []byte, viaIface string) {
	ifrm, err := ipv4.NewFrame(datagram)
	if err != nil {
		return
	}
	r.undoNATIfTranslated(ifrm, viaIface)
	r.originateICMPError(ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeHostUnreachable))
}

// SYNTimedOut implements nat.SYNUnreachable: a queued inbound SYN aged
// out without its handshake completing, so originate ICMP type-3
// code-3 (port unreachable) back to it, quoting the original,
// untranslated datagram the NAT engine retained.
func (r *Router) SYNTimedOut(ev nat.EvictedSYN) {
	ifrm, err := ipv4.NewFrame(ev.Datagram)
	if err != nil {
		return
	}
	r.originateICMPError(ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodePortUnreachable))
}

// undoNATIfTranslated reverses whatever translation was applied to ifrm
// before it reached the ARP queue on viaIface, if any. A failed undo
// (no matching mapping) means the packet was never translated — e.g.
// the external→external deflection case — and is left untouched.
func (r *Router) undoNATIfTranslated(ifrm ipv4.Frame, viaIface string) {
	if r.nat == nil {
		return
	}
	outbound := viaIface != r.internalIface
	switch ifrm.Protocol() {
	case wire.IPProtoTCP:
		if outbound {
			r.nat.UndoOutboundTCP(ifrm.RawData())
			return
		}
		rt, ok := r.routes.Lookup(*ifrm.SourceAddr())
		if !ok {
			return
		}
		outIface, ok := r.ifaces.ByName(rt.IfaceName)
		if !ok {
			return
		}
		r.nat.UndoInboundTCP(ifrm.RawData(), outIface.IP)
	case wire.IPProtoICMP:
		if !outbound {
			return
		}
		icfrm, err := icmpv4.NewFrame(ifrm.Payload())
		if err == nil && icfrm.Type() == icmpv4.TypeEcho {
			r.nat.UndoOutboundICMP(ifrm.RawData())
		}
	}
}

// Stats is a point-in-time snapshot for metrics/observability.
type Stats struct {
	NATMappings int
}

// Snapshot returns the router's current Stats.
func (r *Router) Snapshot() Stats {
	s := Stats{}
	if r.nat != nil {
		s.NATMappings = r.nat.Count()
	}
	return s
}
