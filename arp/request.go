package arp

import "time"

// maxAttempts is the number of broadcasts (the first one plus its
// retries) after which a request is considered exhausted and its
// pending datagrams are failed with an ICMP host-unreachable.
const maxAttempts = 5

// retryInterval is the cadence at which an unresolved request is
// re-broadcast.
const retryInterval = 1 * time.Second

// pendingDatagram is a deep copy of a datagram awaiting ARP resolution,
// along with the interface it is to be sent out on. The
// dispatcher's inbound buffer is borrowed only for the duration of its
// call, so anything retained here must be its own copy.
type pendingDatagram struct {
	frame     []byte
	ifaceName string
}

// request tracks an in-flight resolution for a single next-hop IPv4
// address: the interface to ARP on, datagrams waiting for the answer,
// and retry bookkeeping.
type request struct {
	ip        [4]byte
	ifaceName string
	pending   []pendingDatagram
	attempts  int
	lastSent  time.Time
}

// enqueue appends a datagram copy to the request's pending list. The
// caller's buffer is copied so it may be reused or freed immediately.
func (r *request) enqueue(frame []byte, ifaceName string) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.pending = append(r.pending, pendingDatagram{frame: cp, ifaceName: ifaceName})
}

// dueForRetry reports whether at least retryInterval has elapsed since
// the last broadcast.
func (r *request) dueForRetry(now time.Time) bool {
	return now.Sub(r.lastSent) >= retryInterval
}

// exhausted reports whether the request has used up its retry budget.
func (r *request) exhausted() bool {
	return r.attempts >= maxAttempts
}
