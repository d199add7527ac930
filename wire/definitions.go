// Package wire holds the on-the-wire type definitions shared by every
// protocol layer of the router (ethernet, arp, ipv4, icmpv4, tcp):
// the IANA IP protocol number registry, the IPv4 ToS/Flags bitfields,
// and the checksum/validation primitives every Frame type builds on.
//
// This mirrors the role the teacher's root package played for its
// ethernet/arp/ipv4/tcp subpackages.
package wire

// IPProto represents the IP protocol number carried in the IPv4 header's
// Protocol field.
type IPProto uint8

// IP protocol numbers this router inspects or forwards.
const (
	IPProtoICMP IPProto = 1  // Internet Control Message [RFC792]
	IPProtoTCP  IPProto = 6  // Transmission Control [RFC793]
	IPProtoUDP  IPProto = 17 // User Datagram [RFC768]
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	default:
		return "proto(unknown)"
	}
}

// ToS represents the Traffic Class (a.k.a Type of Service) field of the
// IPv4 header. 6 MSB are Differentiated Services; 2 LSB are Explicit
// Congestion Notification.
type ToS uint8

// DSCP returns the top 6 bits of ToS.
func (tos ToS) DSCP() uint8 { return uint8(tos) >> 2 }

// ECN returns the bottom 2 bits of ToS.
func (tos ToS) ECN() uint8 { return uint8(tos) & 0b11 }

// Flags holds the fragmentation fields of an IPv4 header (16 bits:
// 3 flag bits + 13 bit fragment offset).
type Flags uint16

// DontFragment reports whether the datagram must not be fragmented.
// This router never fragments; it sets this bit on the ICMP errors it
// originates. Echo replies keep the flags of the request they answer.
func (f Flags) DontFragment() bool { return f&0x4000 != 0 }

// MoreFragments reports whether more fragments of the original
// datagram follow. Fragmentation/reassembly is out of scope, and no
// validation in this repository consults this bit.
func (f Flags) MoreFragments() bool { return f&0x2000 != 0 }

// FragmentOffset returns the 13-bit fragment offset field, in units of
// 8 bytes.
func (f Flags) FragmentOffset() uint16 { return uint16(f) & 0x1fff }

// DontFragmentFlag is the Flags value with only the DF bit set, as on
// the ICMP errors this router originates.
const DontFragmentFlag Flags = 0x4000

const (
	SizeHeaderEthernet = 14
	SizeHeaderIPv4     = 20
	SizeHeaderICMPv4   = 8
	SizeHeaderTCP      = 20
	SizeHeaderARPv4    = 28
)
