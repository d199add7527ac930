package arp

import (
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/netforge-go/natgw/ethernet"
	"github.com/netforge-go/natgw/iface"
	"github.com/netforge-go/natgw/metrics"
	"github.com/netforge-go/natgw/wire"
)

type fakeTransport struct {
	sent []sentFrame
}

type sentFrame struct {
	iface string
	frame []byte
}

func (f *fakeTransport) Send(ifaceName string, frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, sentFrame{iface: ifaceName, frame: cp})
	return nil
}

type fakeUnreachable struct {
	calls []struct {
		datagram []byte
		iface    string
	}
}

func (f *fakeUnreachable) HostUnreachable(datagram []byte, viaIface string) {
	cp := make([]byte, len(datagram))
	copy(cp, datagram)
	f.calls = append(f.calls, struct {
		datagram []byte
		iface    string
	}{cp, viaIface})
}

func testIfaces() *iface.Table {
	return iface.NewTable([]iface.Interface{
		{Name: "eth1", MAC: [6]byte{0, 1, 2, 3, 4, 5}, IP: [4]byte{10, 0, 1, 11}},
		{Name: "eth3", MAC: [6]byte{6, 7, 8, 9, 10, 11}, IP: [4]byte{107, 23, 115, 113}},
	})
}

func buildARPRequest(sndHW [6]byte, sndIP, tgtIP [4]byte) []byte {
	buf := make([]byte, wire.SizeHeaderEthernet+sizeHeaderv4)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = sndHW
	efrm.SetEtherType(ethernet.TypeARP)
	afrm, _ := NewFrame(buf[wire.SizeHeaderEthernet:])
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(OpRequest)
	shw, sip := afrm.Sender4()
	*shw = sndHW
	*sip = sndIP
	_, tip := afrm.Target4()
	*tip = tgtIP
	return buf
}

func TestModuleAnswersRequestForOurAddress(t *testing.T) {
	transport := &fakeTransport{}
	m := NewModule(testIfaces(), transport, &fakeUnreachable{}, slog.Default(), nil)

	querier := [6]byte{0x0e, 0x20, 0xab, 0x80, 0x00, 0x02}
	querierIP := [4]byte{107, 23, 115, 131}
	ourIP := [4]byte{107, 23, 115, 113}
	frame := buildARPRequest(querier, querierIP, ourIP)
	afrm, err := NewFrame(frame[wire.SizeHeaderEthernet:])
	if err != nil {
		t.Fatal(err)
	}
	m.HandleFrame(afrm, "eth3")

	if len(transport.sent) != 1 {
		t.Fatalf("expected 1 reply sent, got %d", len(transport.sent))
	}
	got := transport.sent[0]
	if got.iface != "eth3" {
		t.Fatalf("reply sent on wrong interface: %s", got.iface)
	}
	reply, err := NewFrame(got.frame[wire.SizeHeaderEthernet:])
	if err != nil {
		t.Fatal(err)
	}
	if reply.Operation() != OpReply {
		t.Fatalf("expected reply operation, got %s", reply.Operation())
	}
	shw, sip := reply.Sender4()
	if *sip != ourIP {
		t.Fatalf("reply sender IP = %v, want %v", *sip, ourIP)
	}
	_ = shw
	_, tip := reply.Target4()
	if *tip != querierIP {
		t.Fatalf("reply target IP = %v, want %v", *tip, querierIP)
	}
}

func TestModuleIgnoresUnrelatedRequest(t *testing.T) {
	transport := &fakeTransport{}
	m := NewModule(testIfaces(), transport, &fakeUnreachable{}, slog.Default(), nil)
	frame := buildARPRequest([6]byte{1, 2, 3, 4, 5, 6}, [4]byte{8, 8, 8, 8}, [4]byte{9, 9, 9, 9})
	afrm, _ := NewFrame(frame[wire.SizeHeaderEthernet:])
	m.HandleFrame(afrm, "eth3")
	if len(transport.sent) != 0 {
		t.Fatalf("expected no reply for unrelated target, got %d", len(transport.sent))
	}
}

func TestModuleResolveMissThenDrain(t *testing.T) {
	transport := &fakeTransport{}
	unreach := &fakeUnreachable{}
	ifaces := testIfaces()
	m := NewModule(ifaces, transport, unreach, slog.Default(), nil)

	outIface, _ := ifaces.ByName("eth1")
	nextHop := [4]byte{10, 0, 1, 5}
	pendingFrame := make([]byte, wire.SizeHeaderEthernet+wire.SizeHeaderIPv4)

	_, ok := m.Resolve(nextHop, outIface, pendingFrame)
	if ok {
		t.Fatal("expected cache miss on first resolve")
	}
	if len(transport.sent) != 1 {
		t.Fatalf("expected 1 ARP broadcast sent, got %d", len(transport.sent))
	}
	if transport.sent[0].iface != "eth1" {
		t.Fatalf("broadcast sent on wrong interface: %s", transport.sent[0].iface)
	}

	resolvedHW := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	reply := buildARPRequest([6]byte{}, [4]byte{}, [4]byte{})
	afrm, _ := NewFrame(reply[wire.SizeHeaderEthernet:])
	afrm.SetOperation(OpReply)
	shw, sip := afrm.Sender4()
	*shw = resolvedHW
	*sip = nextHop
	_, tip := afrm.Target4()
	*tip = outIface.IP

	m.HandleFrame(afrm, "eth1")

	if len(transport.sent) != 2 {
		t.Fatalf("expected drained datagram sent after reply, got %d", len(transport.sent))
	}
	drained := transport.sent[1]
	efrm, _ := ethernet.NewFrame(drained.frame)
	if *efrm.DestinationHardwareAddr() != resolvedHW {
		t.Fatalf("drained frame dest MAC = %v, want %v", *efrm.DestinationHardwareAddr(), resolvedHW)
	}

	if hw, ok := m.cache.Lookup(nextHop, time.Now()); !ok || hw != resolvedHW {
		t.Fatalf("cache did not learn resolved MAC: ok=%v hw=%v", ok, hw)
	}
}

func TestModuleSweepExhaustsAfterFiveAttempts(t *testing.T) {
	transport := &fakeTransport{}
	unreach := &fakeUnreachable{}
	ifaces := testIfaces()
	reg := prometheus.NewRegistry()
	ms := metrics.NewSet(reg)
	m := NewModule(ifaces, transport, unreach, slog.Default(), ms)

	outIface, _ := ifaces.ByName("eth1")
	nextHop := [4]byte{10, 0, 1, 5}
	pendingFrame := make([]byte, wire.SizeHeaderEthernet+wire.SizeHeaderIPv4)
	m.Resolve(nextHop, outIface, pendingFrame)

	now := time.Now()
	for i := 0; i < 4; i++ {
		now = now.Add(retryInterval)
		m.Sweep(now)
	}
	if len(transport.sent) != 5 {
		t.Fatalf("expected 5 broadcasts total before exhaustion, got %d", len(transport.sent))
	}
	if len(unreach.calls) != 0 {
		t.Fatalf("expected no unreachable notifications yet, got %d", len(unreach.calls))
	}

	now = now.Add(retryInterval)
	m.Sweep(now)
	if len(unreach.calls) != 1 {
		t.Fatalf("expected host-unreachable notification after exhaustion, got %d", len(unreach.calls))
	}
	if len(m.requests) != 0 {
		t.Fatalf("expected request removed after exhaustion, got %d remaining", len(m.requests))
	}
	if got := testutil.ToFloat64(ms.ARPExhausted); got != 1 {
		t.Fatalf("ARPExhausted = %v, want 1", got)
	}
}
