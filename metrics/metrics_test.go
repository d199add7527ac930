package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilSetIsANoOp(t *testing.T) {
	var s *Set
	s.ObserveICMPOriginated(3, 1)
	s.ObserveFrameDropped("invalid_header")
	s.ObserveNATPortWrap()
	s.SetARPGauges(1, 2)
	s.IncARPExhausted()
	s.SetNATMappings("tcp", 5)
}

func TestSetUpdatesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSet(reg)

	s.SetARPGauges(3, 1)
	if got := testutil.ToFloat64(s.ARPCacheSize); got != 3 {
		t.Errorf("ARPCacheSize = %v, want 3", got)
	}
	if got := testutil.ToFloat64(s.ARPPendingRequests); got != 1 {
		t.Errorf("ARPPendingRequests = %v, want 1", got)
	}

	s.SetNATMappings("tcp", 7)
	if got := testutil.ToFloat64(s.NATMappings.WithLabelValues("tcp")); got != 7 {
		t.Errorf("NATMappings[tcp] = %v, want 7", got)
	}

	s.ObserveICMPOriginated(3, 1)
	if got := testutil.ToFloat64(s.ICMPOriginated.WithLabelValues("3", "1")); got != 1 {
		t.Errorf("ICMPOriginated[3,1] = %v, want 1", got)
	}

	s.ObserveFrameDropped("invalid_header")
	if got := testutil.ToFloat64(s.FramesDropped.WithLabelValues("invalid_header")); got != 1 {
		t.Errorf("FramesDropped[invalid_header] = %v, want 1", got)
	}
}
