// Package metrics wraps the router's counters and gauges in
// Prometheus collectors. Not named anywhere in spec.md — its
// Non-goals exclude deep packet inspection, not observability — but
// every long-lived network core in the retrieval pack exposes
// Prometheus metrics, and the router's existing sweep/origination
// side effects are natural update points.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Set holds every collector the router updates. A nil *Set disables
// collection everywhere it's threaded through: every method returns
// without effect on a nil receiver, so callers call them without
// checking for nil first.
type Set struct {
	ARPCacheSize        prometheus.Gauge
	ARPPendingRequests  prometheus.Gauge
	ARPExhausted        prometheus.Counter
	NATMappings         *prometheus.GaugeVec // labeled by "type"; the router sets only "all"
	NATPortWraps        prometheus.Counter
	ICMPOriginated      *prometheus.CounterVec // labeled by "type","code"
	FramesDropped       *prometheus.CounterVec // labeled by "reason"
}

// NewSet builds a Set and registers every collector with reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer for the process-wide default.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		ARPCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "natgw",
			Subsystem: "arp",
			Name:      "cache_entries",
			Help:      "Number of live ARP cache entries.",
		}),
		ARPPendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "natgw",
			Subsystem: "arp",
			Name:      "pending_requests",
			Help:      "Number of ARP requests awaiting resolution or retry.",
		}),
		ARPExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "natgw",
			Subsystem: "arp",
			Name:      "exhausted_total",
			Help:      "ARP requests that exhausted their retry budget.",
		}),
		NATMappings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "natgw",
			Subsystem: "nat",
			Name:      "mappings",
			Help:      "Live NAT mappings by protocol.",
		}, []string{"type"}),
		NATPortWraps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "natgw",
			Subsystem: "nat",
			Name:      "port_range_wraps_total",
			Help:      "Times the external port allocator wrapped around its range.",
		}),
		ICMPOriginated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "natgw",
			Subsystem: "icmp",
			Name:      "originated_total",
			Help:      "ICMP error messages originated by the router, by type and code.",
		}, []string{"type", "code"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "natgw",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		s.ARPCacheSize,
		s.ARPPendingRequests,
		s.ARPExhausted,
		s.NATMappings,
		s.NATPortWraps,
		s.ICMPOriginated,
		s.FramesDropped,
	)
	return s
}

// ObserveICMPOriginated increments the counter for one originated ICMP
// error. typ/code are the raw wire values, formatted as decimal
// strings to keep this package free of an icmpv4 import.
func (s *Set) ObserveICMPOriginated(typ, code uint8) {
	if s == nil {
		return
	}
	s.ICMPOriginated.WithLabelValues(strconv.Itoa(int(typ)), strconv.Itoa(int(code))).Inc()
}

// ObserveFrameDropped increments the drop counter for reason.
func (s *Set) ObserveFrameDropped(reason string) {
	if s == nil {
		return
	}
	s.FramesDropped.WithLabelValues(reason).Inc()
}

// ObserveNATPortWrap increments the port-range-wraparound counter.
func (s *Set) ObserveNATPortWrap() {
	if s == nil {
		return
	}
	s.NATPortWraps.Inc()
}

// SetARPGauges updates the ARP gauges to the given point-in-time
// values, called once per sweep tick.
func (s *Set) SetARPGauges(cacheSize, pending int) {
	if s == nil {
		return
	}
	s.ARPCacheSize.Set(float64(cacheSize))
	s.ARPPendingRequests.Set(float64(pending))
}

// IncARPExhausted increments the ARP exhaustion counter.
func (s *Set) IncARPExhausted() {
	if s == nil {
		return
	}
	s.ARPExhausted.Inc()
}

// SetNATMappings updates the mapping-count gauge for one "type" label
// value. The router reports only the total across ICMP and TCP, under
// the label "all"; it does not break the count down by protocol.
func (s *Set) SetNATMappings(protocol string, count int) {
	if s == nil {
		return
	}
	s.NATMappings.WithLabelValues(protocol).Set(float64(count))
}
