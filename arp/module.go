package arp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/netforge-go/natgw/ethernet"
	"github.com/netforge-go/natgw/iface"
	"github.com/netforge-go/natgw/internal"
	"github.com/netforge-go/natgw/metrics"
	"github.com/netforge-go/natgw/wire"
)

// Transport sends a fully-formed Ethernet frame out the named
// interface. Best-effort: the router treats a non-nil error as a
// logged, dropped transmission rather than a fatal condition.
type Transport interface {
	Send(ifaceName string, frame []byte) error
}

// Unreachable is notified once a next-hop resolution is exhausted, so
// the caller can originate an ICMP host-unreachable back to the
// pending datagram's source. datagram is the full IPv4 packet (no
// Ethernet header); viaIface is the interface it would have left on.
type Unreachable interface {
	HostUnreachable(datagram []byte, viaIface string)
}

// Module implements the ARP resolution state machine described for
// this router: it answers requests for our own addresses, learns from
// replies, and queues datagrams awaiting resolution, retrying with
// bounded effort before giving up.
type Module struct {
	mu        sync.Mutex
	ifaces    *iface.Table
	transport Transport
	unreach   Unreachable
	log       *internal.Logger
	metrics   *metrics.Set // nil disables collection

	cache    Cache
	requests []request
}

// NewModule constructs an ARP module bound to the given interface
// table. transport is used to send ARP replies/broadcasts and to
// flush queued datagrams once resolved; unreach is notified when a
// request exhausts its retry budget. ms may be nil to disable metrics
// collection.
func NewModule(ifaces *iface.Table, transport Transport, unreach Unreachable, log *slog.Logger, ms *metrics.Set) *Module {
	return &Module{ifaces: ifaces, transport: transport, unreach: unreach, log: internal.NewLogger(log), metrics: ms}
}

// HandleFrame processes one inbound ARP frame received on ifaceName.
// afrm must already have passed [Frame.ValidateSize].
func (m *Module) HandleFrame(afrm Frame, ifaceName string) {
	op := afrm.Operation()
	senderHW, senderIP := afrm.Sender4()
	_, targetIP := afrm.Target4()

	rxIface, ok := m.ifaces.ByName(ifaceName)
	if !ok {
		return
	}

	switch op {
	case OpRequest:
		if *targetIP != rxIface.IP {
			return // not asking about us; do not learn from requests.
		}
		m.log.Debug("arp: answering request", internal.SlogAddr4("who-has", senderIP), internal.SlogAddr6("tell", senderHW))
		m.sendReply(rxIface, *senderHW, *senderIP)
	case OpReply:
		if *targetIP != rxIface.IP {
			return
		}
		m.log.Debug("arp: learned reply", internal.SlogAddr4("ip", senderIP), internal.SlogAddr6("hw", senderHW))
		m.mu.Lock()
		m.cache.Insert(*senderIP, *senderHW, time.Now())
		m.drainLocked(*senderIP, *senderHW)
		m.mu.Unlock()
	default:
		m.log.Debug("arp: unsupported operation", slog.Any("op", op))
	}
}

// sendReply answers an ARP request for one of our own addresses.
func (m *Module) sendReply(rxIface iface.Interface, queryHW [6]byte, queryIP [4]byte) {
	buf := make([]byte, wire.SizeHeaderEthernet+sizeHeaderv4)
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return
	}
	*efrm.DestinationHardwareAddr() = queryHW
	*efrm.SourceHardwareAddr() = rxIface.MAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, err := NewFrame(buf[wire.SizeHeaderEthernet:])
	if err != nil {
		return
	}
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(OpReply)
	senderHW, senderIP := afrm.Sender4()
	*senderHW = rxIface.MAC
	*senderIP = rxIface.IP
	targetHW, targetIP := afrm.Target4()
	*targetHW = queryHW
	*targetIP = queryIP

	if err := m.transport.Send(rxIface.Name, buf); err != nil {
		m.log.Warn("arp: reply send failed", slog.String("iface", rxIface.Name), slog.Any("err", err))
	}
}

// Resolve looks up the MAC for nextHop on outIface. On a cache miss it
// enqueues datagram (a full Ethernet frame, including header, with the
// destination MAC left zeroed) onto the outstanding request for
// nextHop, creating one and sending the first broadcast if none
// exists.
func (m *Module) Resolve(nextHop [4]byte, outIface iface.Interface, datagram []byte) (hw [6]byte, ok bool) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if hw, ok := m.cache.Lookup(nextHop, now); ok {
		return hw, true
	}

	req := m.findRequestLocked(nextHop)
	if req == nil {
		m.requests = append(m.requests, request{ip: nextHop, ifaceName: outIface.Name})
		req = &m.requests[len(m.requests)-1]
		req.enqueue(datagram, outIface.Name)
		m.broadcastRequest(outIface, nextHop)
		req.attempts = 1
		req.lastSent = now
		return hw, false
	}
	req.enqueue(datagram, outIface.Name)
	return hw, false
}

func (m *Module) findRequestLocked(ip [4]byte) *request {
	for i := range m.requests {
		if m.requests[i].ip == ip {
			return &m.requests[i]
		}
	}
	return nil
}

// broadcastRequest emits an ARP "who-has nextHop" broadcast on
// outIface. Caller must hold m.mu.
func (m *Module) broadcastRequest(outIface iface.Interface, nextHop [4]byte) {
	buf := make([]byte, wire.SizeHeaderEthernet+sizeHeaderv4)
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return
	}
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = outIface.MAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, err := NewFrame(buf[wire.SizeHeaderEthernet:])
	if err != nil {
		return
	}
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(OpRequest)
	senderHW, senderIP := afrm.Sender4()
	*senderHW = outIface.MAC
	*senderIP = outIface.IP
	_, targetIP := afrm.Target4()
	*targetIP = nextHop

	if err := m.transport.Send(outIface.Name, buf); err != nil {
		m.log.Warn("arp: request send failed", slog.String("iface", outIface.Name), slog.Any("err", err))
	}
}

// drainLocked flushes every datagram pending on ip's request, patching
// the Ethernet destination to hw and transmitting on each datagram's
// recorded originating interface. Caller must hold m.mu.
func (m *Module) drainLocked(ip [4]byte, hw [6]byte) {
	idx := -1
	for i := range m.requests {
		if m.requests[i].ip == ip {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	req := m.requests[idx]
	for _, pd := range req.pending {
		internal.SetDestHWAddr(pd.frame, hw)
		if err := m.transport.Send(pd.ifaceName, pd.frame); err != nil {
			m.log.Warn("arp: drain send failed", slog.String("iface", pd.ifaceName), slog.Any("err", err))
		}
	}
	m.requests = append(m.requests[:idx], m.requests[idx+1:]...)
}

// Stats returns the current cache size and count of pending (not yet
// resolved or exhausted) requests, for metrics.
func (m *Module) Stats() (cacheSize, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache.entries), len(m.requests)
}

// Sweep runs the periodic (1 Hz) retry/expiry pass: outstanding
// requests past their retry budget fail every pending datagram with a
// host-unreachable notification and are destroyed; others due for
// another attempt are re-broadcast.
func (m *Module) Sweep(now time.Time) {
	m.mu.Lock()
	m.cache.sweepExpired(now)

	kept := m.requests[:0]
	var failed []pendingDatagram
	for i := range m.requests {
		req := m.requests[i]
		if req.exhausted() {
			m.metrics.IncARPExhausted()
			failed = append(failed, req.pending...)
			continue
		}
		if req.dueForRetry(now) {
			outIface, ok := m.ifaces.ByName(req.ifaceName)
			if ok {
				m.broadcastRequest(outIface, req.ip)
			}
			req.attempts++
			req.lastSent = now
		}
		kept = append(kept, req)
	}
	m.requests = kept
	m.mu.Unlock()

	// Notified after unlocking: the handler may transmit, which calls
	// Resolve and takes m.mu again.
	for _, pd := range failed {
		m.unreach.HostUnreachable(pd.frame[wire.SizeHeaderEthernet:], pd.ifaceName)
	}
}

// Run blocks, invoking Sweep once per second until stop is closed. The
// caller launches this as the ARP sweep thread; shutdown is cooperative
// via the stop channel rather than a kill signal.
func (m *Module) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
