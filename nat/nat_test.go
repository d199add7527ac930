package nat

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/netforge-go/natgw/ipv4"
	"github.com/netforge-go/natgw/ipv4/icmpv4"
	"github.com/netforge-go/natgw/metrics"
	natgwtcp "github.com/netforge-go/natgw/tcp"
	"github.com/netforge-go/natgw/wire"
)

var externalIP = [4]byte{107, 23, 115, 121}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PortRangeStart = 50000
	cfg.PortRangeEnd = 50002
	return cfg
}

func buildEchoRequest(srcIP, dstIP [4]byte, id, seq uint16) []byte {
	buf := make([]byte, 20+8+4)
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		panic(err)
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoICMP)
	*ifrm.SourceAddr() = srcIP
	*ifrm.DestinationAddr() = dstIP

	icfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		panic(err)
	}
	icfrm.SetType(icmpv4.TypeEcho)
	icfrm.SetCode(0)
	echo := icmpv4.FrameEcho{Frame: icfrm}
	echo.SetIdentifier(id)
	echo.SetSequenceNumber(seq)
	rewriteICMPChecksum(icfrm)
	rewriteIPChecksum(ifrm)
	return buf
}

func buildEchoReply(srcIP, dstIP [4]byte, id, seq uint16) []byte {
	buf := buildEchoRequest(srcIP, dstIP, id, seq)
	ifrm, _ := ipv4.NewFrame(buf)
	icfrm, _ := icmpv4.NewFrame(ifrm.Payload())
	icfrm.SetType(icmpv4.TypeEchoReply)
	rewriteICMPChecksum(icfrm)
	rewriteIPChecksum(ifrm)
	return buf
}

func buildTCPSegment(srcIP, dstIP [4]byte, srcPort, dstPort uint16, flags natgwtcp.Flags) []byte {
	buf := make([]byte, 20+20)
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		panic(err)
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoTCP)
	*ifrm.SourceAddr() = srcIP
	*ifrm.DestinationAddr() = dstIP

	tfrm, err := natgwtcp.NewFrame(ifrm.Payload())
	if err != nil {
		panic(err)
	}
	tfrm.SetSourcePort(srcPort)
	tfrm.SetDestinationPort(dstPort)
	tfrm.SetOffsetAndFlags(5, flags)
	rewriteTCPChecksum(ifrm, tfrm)
	rewriteIPChecksum(ifrm)
	return buf
}

func TestICMPOutboundThenInboundRoundTrip(t *testing.T) {
	tbl := NewTable(testConfig(), nil)
	internalIP := [4]byte{10, 0, 1, 11}
	remoteIP := [4]byte{8, 8, 8, 8}
	now := time.Unix(1000, 0)

	req := buildEchoRequest(internalIP, remoteIP, 0x1234, 1)
	if err := tbl.TranslateOutboundEcho(req, externalIP, now); err != nil {
		t.Fatalf("outbound translate: %v", err)
	}
	ifrm, _ := ipv4.NewFrame(req)
	if *ifrm.SourceAddr() != externalIP {
		t.Fatalf("expected source rewritten to external IP, got %v", *ifrm.SourceAddr())
	}
	icfrm, _ := icmpv4.NewFrame(ifrm.Payload())
	echo := icmpv4.FrameEcho{Frame: icfrm}
	externalID := echo.Identifier()
	if externalID == 0x1234 {
		t.Fatal("expected identifier to be rewritten")
	}
	if !icfrm.VerifyCRC() {
		t.Fatal("outbound echo checksum invalid after translation")
	}

	reply := buildEchoReply(remoteIP, externalIP, externalID, 1)
	ok, err := tbl.TranslateInboundEcho(reply, now)
	if err != nil || !ok {
		t.Fatalf("inbound translate: ok=%v err=%v", ok, err)
	}
	rifrm, _ := ipv4.NewFrame(reply)
	if *rifrm.DestinationAddr() != internalIP {
		t.Fatalf("expected destination restored to internal IP, got %v", *rifrm.DestinationAddr())
	}
	ricfrm, _ := icmpv4.NewFrame(rifrm.Payload())
	rEcho := icmpv4.FrameEcho{Frame: ricfrm}
	if rEcho.Identifier() != 0x1234 {
		t.Fatalf("expected identifier restored to 0x1234, got %#x", rEcho.Identifier())
	}
	if !ricfrm.VerifyCRC() {
		t.Fatal("inbound echo checksum invalid after translation")
	}
}

func TestICMPInboundUnsolicitedIsNotTranslated(t *testing.T) {
	tbl := NewTable(testConfig(), nil)
	reply := buildEchoReply([4]byte{8, 8, 8, 8}, externalIP, 0xffff, 1)
	ok, err := tbl.TranslateInboundEcho(reply, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no mapping to match an unsolicited reply")
	}
}

func TestTCPOutboundSYNCreatesMapping(t *testing.T) {
	tbl := NewTable(testConfig(), nil)
	internalIP := [4]byte{10, 0, 1, 11}
	remoteIP := [4]byte{93, 184, 216, 34}
	now := time.Unix(2000, 0)

	seg := buildTCPSegment(internalIP, remoteIP, 54321, 443, natgwtcp.FlagSYN)
	action, err := tbl.TranslateOutboundTCP(seg, externalIP, now)
	if err != nil || action != ActionForward {
		t.Fatalf("expected forward, got action=%v err=%v", action, err)
	}

	m, ok := tbl.LookupInternal(TypeTCP, internalIP, 54321)
	if !ok {
		t.Fatal("expected mapping to be created")
	}
	if len(m.Connections) != 1 || m.Connections[0].State != StateOutboundSYN {
		t.Fatalf("expected single OUTBOUND_SYN connection, got %+v", m.Connections)
	}
}

func TestTCPOutboundNonSYNWithoutMappingDrops(t *testing.T) {
	tbl := NewTable(testConfig(), nil)
	seg := buildTCPSegment([4]byte{10, 0, 1, 11}, [4]byte{1, 1, 1, 1}, 1234, 80, natgwtcp.FlagACK)
	action, err := tbl.TranslateOutboundTCP(seg, externalIP, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionDrop {
		t.Fatalf("expected drop, got %v", action)
	}
}

func TestTCPFullHandshakeAndTeardown(t *testing.T) {
	tbl := NewTable(testConfig(), nil)
	internalIP := [4]byte{10, 0, 1, 11}
	remoteIP := [4]byte{93, 184, 216, 34}
	now := time.Unix(3000, 0)

	out := buildTCPSegment(internalIP, remoteIP, 40000, 443, natgwtcp.FlagSYN)
	if _, err := tbl.TranslateOutboundTCP(out, externalIP, now); err != nil {
		t.Fatalf("outbound SYN: %v", err)
	}
	m, _ := tbl.LookupInternal(TypeTCP, internalIP, 40000)
	extPort := m.ExternalAux
	outIfrm, _ := ipv4.NewFrame(out)
	outTfrm, _ := natgwtcp.NewFrame(outIfrm.Payload())
	if outTfrm.SourcePort() != extPort {
		t.Fatalf("expected translated source port %d, got %d", extPort, outTfrm.SourcePort())
	}

	in := buildTCPSegment(remoteIP, externalIP, 443, extPort, natgwtcp.FlagSYN|natgwtcp.FlagACK)
	action, err := tbl.TranslateInboundTCP(in, now.Add(time.Second))
	if err != nil || action != ActionForward {
		t.Fatalf("inbound SYN-ACK: action=%v err=%v", action, err)
	}
	m, _ = tbl.LookupInternal(TypeTCP, internalIP, 40000)
	if m.Connections[0].State != StateConnected {
		t.Fatalf("expected CONNECTED after SYN-ACK, got %s", m.Connections[0].State)
	}

	fin := buildTCPSegment(internalIP, remoteIP, 40000, 443, natgwtcp.FlagFIN|natgwtcp.FlagACK)
	action, err = tbl.TranslateOutboundTCP(fin, externalIP, now.Add(2*time.Second))
	if err != nil || action != ActionForward {
		t.Fatalf("outbound FIN: action=%v err=%v", action, err)
	}
	m, _ = tbl.LookupInternal(TypeTCP, internalIP, 40000)
	if m.Connections[0].State != StateTimeWait {
		t.Fatalf("expected TIME_WAIT after FIN, got %s", m.Connections[0].State)
	}
}

func TestTCPInboundSYNWithoutMappingIsUnreachable(t *testing.T) {
	tbl := NewTable(testConfig(), nil)
	in := buildTCPSegment([4]byte{9, 9, 9, 9}, externalIP, 12345, 50000, natgwtcp.FlagSYN)
	action, err := tbl.TranslateInboundTCP(in, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionUnreachable {
		t.Fatalf("expected unreachable, got %v", action)
	}
}

func TestTCPSimultaneousOpenQueuesThenConnects(t *testing.T) {
	tbl := NewTable(testConfig(), nil)
	internalIP := [4]byte{10, 0, 1, 12}
	remoteIP := [4]byte{5, 5, 5, 5}
	now := time.Unix(4000, 0)

	out := buildTCPSegment(internalIP, remoteIP, 41000, 6000, natgwtcp.FlagSYN)
	tbl.TranslateOutboundTCP(out, externalIP, now)
	m, _ := tbl.LookupInternal(TypeTCP, internalIP, 41000)
	extPort := m.ExternalAux

	// Remote independently opens toward the same external port before
	// seeing our SYN: simultaneous open.
	inSyn := buildTCPSegment(remoteIP, externalIP, 6001, extPort, natgwtcp.FlagSYN)
	action, err := tbl.TranslateInboundTCP(inSyn, now.Add(time.Millisecond))
	if err != nil || action != ActionQueued {
		t.Fatalf("expected queued, got action=%v err=%v", action, err)
	}
	m, _ = tbl.LookupInternal(TypeTCP, internalIP, 41000)
	if len(m.Connections) != 2 {
		t.Fatalf("expected two connections (existing + pending), got %d", len(m.Connections))
	}

	outSyn := buildTCPSegment(internalIP, remoteIP, 41000, 6001, natgwtcp.FlagSYN)
	action, err = tbl.TranslateOutboundTCP(outSyn, externalIP, now.Add(2*time.Millisecond))
	if err != nil || action != ActionForward {
		t.Fatalf("expected forward, got action=%v err=%v", action, err)
	}
	m, _ = tbl.LookupInternal(TypeTCP, internalIP, 41000)
	for _, c := range m.Connections {
		if c.ExternalIP == remoteIP && c.ExternalPort == 6001 {
			if c.State != StateConnected {
				t.Fatalf("expected CONNECTED after completing simultaneous open, got %s", c.State)
			}
			if c.QueuedSYN != nil {
				t.Fatal("expected queued SYN to be dropped once connected")
			}
		}
	}
}

func TestPortAllocationConfinedToRangeAndWrapsWithCollisionCheck(t *testing.T) {
	cfg := testConfig() // range is exactly 50000-50002, three ports
	tbl := NewTable(cfg, nil)
	now := time.Unix(5000, 0)

	var ports []uint16
	for i := 0; i < 3; i++ {
		seg := buildEchoRequest([4]byte{10, 0, 1, byte(20 + i)}, [4]byte{8, 8, 8, 8}, uint16(100+i), 1)
		if err := tbl.TranslateOutboundEcho(seg, externalIP, now); err != nil {
			t.Fatalf("translate %d: %v", i, err)
		}
		ifrm, _ := ipv4.NewFrame(seg)
		icfrm, _ := icmpv4.NewFrame(ifrm.Payload())
		echo := icmpv4.FrameEcho{Frame: icfrm}
		ports = append(ports, echo.Identifier())
	}
	seen := map[uint16]bool{}
	for _, p := range ports {
		if p < cfg.PortRangeStart || p > cfg.PortRangeEnd {
			t.Fatalf("port %d outside configured range [%d,%d]", p, cfg.PortRangeStart, cfg.PortRangeEnd)
		}
		if seen[p] {
			t.Fatalf("port %d allocated twice", p)
		}
		seen[p] = true
	}

	// The range is now exhausted; a fourth flow must fail to allocate.
	seg := buildEchoRequest([4]byte{10, 0, 1, 99}, [4]byte{8, 8, 8, 8}, 999, 1)
	if err := tbl.TranslateOutboundEcho(seg, externalIP, now); err == nil {
		t.Fatal("expected port allocation to fail once range is exhausted")
	}

	// Aging the mappings out should make their ports reusable without colliding.
	if _, ok := tbl.LookupExternal(TypeICMP, ports[0]); !ok {
		t.Fatal("expected mapping to still be present before eviction")
	}
	tbl.Sweep(now.Add(cfg.ICMPTimeout + time.Second))
	if _, ok := tbl.LookupExternal(TypeICMP, ports[0]); ok {
		t.Fatal("expected mapping to be evicted by aging sweep")
	}
	seg = buildEchoRequest([4]byte{10, 0, 1, 99}, [4]byte{8, 8, 8, 8}, 999, 1)
	if err := tbl.TranslateOutboundEcho(seg, externalIP, now.Add(cfg.ICMPTimeout+2*time.Second)); err != nil {
		t.Fatalf("expected reuse of freed port range to succeed: %v", err)
	}
}

func TestPortAllocationObservesWrapMetric(t *testing.T) {
	cfg := testConfig()
	cfg.PortRangeStart = 50000
	cfg.PortRangeEnd = 50001 // two ports, so a full table forces the scan past the end
	reg := prometheus.NewRegistry()
	ms := metrics.NewSet(reg)
	tbl := NewTable(cfg, ms)
	now := time.Unix(5000, 0)

	seg := buildEchoRequest([4]byte{10, 0, 1, 20}, [4]byte{8, 8, 8, 8}, 100, 1)
	if err := tbl.TranslateOutboundEcho(seg, externalIP, now); err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	seg = buildEchoRequest([4]byte{10, 0, 1, 21}, [4]byte{8, 8, 8, 8}, 101, 1)
	if err := tbl.TranslateOutboundEcho(seg, externalIP, now); err != nil {
		t.Fatalf("second allocation: %v", err)
	}

	// Both ports are now taken; a third request forces the collision
	// scan to walk off the end of the range and wrap back to the
	// start before giving up.
	seg = buildEchoRequest([4]byte{10, 0, 1, 22}, [4]byte{8, 8, 8, 8}, 102, 1)
	if err := tbl.TranslateOutboundEcho(seg, externalIP, now); err == nil {
		t.Fatal("expected allocation to fail once the range is exhausted")
	}

	if got := testutil.ToFloat64(ms.NATPortWraps); got != 1 {
		t.Fatalf("NATPortWraps = %v, want 1", got)
	}
}

func TestAgingEvictsExpiredICMPMapping(t *testing.T) {
	tbl := NewTable(testConfig(), nil)
	now := time.Unix(6000, 0)
	seg := buildEchoRequest([4]byte{10, 0, 1, 11}, [4]byte{8, 8, 8, 8}, 1, 1)
	tbl.TranslateOutboundEcho(seg, externalIP, now)

	tbl.Sweep(now.Add(30 * time.Second))
	if tbl.Count() != 1 {
		t.Fatal("mapping should still be live before its timeout")
	}
	tbl.Sweep(now.Add(tbl.cfg.ICMPTimeout + time.Second))
	if tbl.Count() != 0 {
		t.Fatal("expected mapping to be evicted after its timeout")
	}
}

func TestAgingEvictsExhaustedPendingSYNAndReportsIt(t *testing.T) {
	tbl := NewTable(testConfig(), nil)
	internalIP := [4]byte{10, 0, 1, 11}
	remoteIP := [4]byte{5, 5, 5, 5}
	now := time.Unix(7000, 0)

	out := buildTCPSegment(internalIP, remoteIP, 41000, 80, natgwtcp.FlagSYN)
	tbl.TranslateOutboundTCP(out, externalIP, now)
	m, _ := tbl.LookupInternal(TypeTCP, internalIP, 41000)
	extPort := m.ExternalAux

	pendingRemote := [4]byte{6, 6, 6, 6}
	inSyn := buildTCPSegment(pendingRemote, externalIP, 7000, extPort, natgwtcp.FlagSYN)
	tbl.TranslateInboundTCP(inSyn, now)

	evicted := tbl.Sweep(now.Add(tbl.cfg.PendingInboundSYNHold + time.Second))
	if len(evicted) != 1 {
		t.Fatalf("expected one evicted pending SYN, got %d", len(evicted))
	}
	if evicted[0].SourceIP != pendingRemote || evicted[0].SourcePort != 7000 {
		t.Fatalf("unexpected evicted SYN source: %+v", evicted[0])
	}
}

func TestEmbeddedErrorRewritesQuotedTCPFlow(t *testing.T) {
	tbl := NewTable(testConfig(), nil)
	internalIP := [4]byte{10, 0, 1, 11}
	remoteIP := [4]byte{9, 9, 9, 9}
	now := time.Unix(8000, 0)

	out := buildTCPSegment(internalIP, remoteIP, 45000, 80, natgwtcp.FlagSYN)
	tbl.TranslateOutboundTCP(out, externalIP, now)
	m, _ := tbl.LookupInternal(TypeTCP, internalIP, 45000)
	extPort := m.ExternalAux

	// The remote network reports the quoted flow back to us, addressed
	// to our external IP, as it appears on the wire post-translation.
	outIfrm, _ := ipv4.NewFrame(out)
	quotedOuterSrc := *outIfrm.SourceAddr() // == externalIP
	_ = quotedOuterSrc

	buf := make([]byte, 20+8+20+8)
	errIfrm, _ := ipv4.NewFrame(buf)
	errIfrm.SetVersionAndIHL(4, 5)
	errIfrm.SetTotalLength(uint16(len(buf)))
	errIfrm.SetTTL(64)
	errIfrm.SetProtocol(wire.IPProtoICMP)
	*errIfrm.SourceAddr() = remoteIP
	*errIfrm.DestinationAddr() = externalIP

	icfrm, _ := icmpv4.NewFrame(errIfrm.Payload())
	icfrm.SetType(icmpv4.TypeDestinationUnreachable)
	icfrm.SetCode(uint8(icmpv4.CodePortUnreachable))

	embedded := icfrm.RawData()[8:]
	embIfrm, _ := ipv4.NewFrame(embedded)
	embIfrm.SetVersionAndIHL(4, 5)
	embIfrm.SetTotalLength(uint16(len(embedded)))
	embIfrm.SetTTL(64)
	embIfrm.SetProtocol(wire.IPProtoTCP)
	*embIfrm.SourceAddr() = externalIP
	*embIfrm.DestinationAddr() = remoteIP
	quoted := embedded[20:]
	quoted[0], quoted[1] = byte(extPort>>8), byte(extPort)
	quoted[2], quoted[3] = 0, 80

	rewriteICMPChecksum(icfrm)
	rewriteIPChecksum(errIfrm)

	ok, err := tbl.TranslateEmbeddedError(buf, now)
	if err != nil || !ok {
		t.Fatalf("expected successful embedded translation, ok=%v err=%v", ok, err)
	}
	outerIfrm, _ := ipv4.NewFrame(buf)
	if *outerIfrm.DestinationAddr() != internalIP {
		t.Fatalf("expected outer destination rewritten to internal IP, got %v", *outerIfrm.DestinationAddr())
	}
	embAfter, _ := ipv4.NewFrame(outerIfrm.Payload()[8:])
	if *embAfter.SourceAddr() != internalIP {
		t.Fatalf("expected embedded source rewritten to internal IP, got %v", *embAfter.SourceAddr())
	}
	quotedAfter := outerIfrm.Payload()[8+20:]
	gotPort := uint16(quotedAfter[0])<<8 | uint16(quotedAfter[1])
	if gotPort != 45000 {
		t.Fatalf("expected quoted source port restored to 45000, got %d", gotPort)
	}
}
