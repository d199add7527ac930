package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/netforge-go/natgw/wire"
)

const sizeHeaderTCP = 20

// NewFrame returns a new Frame with data set to buf.
// An error is returned if the buffer size is smaller than 20.
// Users should still call [Frame.ValidateSize] before working
// with payload/options of frames to avoid panics.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{buf: nil}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of a TCP segment
// and provides methods for manipulating, validating and
// retrieving fields and payload data. See [RFC9293].
//
// [RFC9293]: https://datatracker.ietf.org/doc/html/rfc9293
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

// SourcePort identifies the sending port of the TCP packet. Must be non-zero.
func (tfrm Frame) SourcePort() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[0:2])
}

// SetSourcePort sets TCP source port. See [Frame.SourcePort].
func (tfrm Frame) SetSourcePort(src uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[0:2], src)
}

// DestinationPort identifies the receiving port for the TCP packet. Must be non-zero.
func (tfrm Frame) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[2:4])
}

// SetDestinationPort sets TCP destination port. See [Frame.DestinationPort].
func (tfrm Frame) SetDestinationPort(dst uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[2:4], dst)
}

// Seq returns the sequence number field.
func (tfrm Frame) Seq() uint32 { return binary.BigEndian.Uint32(tfrm.buf[4:8]) }

// SetSeq sets the sequence number field.
func (tfrm Frame) SetSeq(v uint32) { binary.BigEndian.PutUint32(tfrm.buf[4:8], v) }

// Ack returns the acknowledgment number field.
func (tfrm Frame) Ack() uint32 { return binary.BigEndian.Uint32(tfrm.buf[8:12]) }

// SetAck sets the acknowledgment number field.
func (tfrm Frame) SetAck(v uint32) { binary.BigEndian.PutUint32(tfrm.buf[8:12], v) }

// OffsetAndFlags returns the offset and flag fields of the TCP header.
// Offset is the header length in 32-bit words, including options.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	offset = uint8(v >> 12)
	flags = Flags(v).Mask()
	return offset, flags
}

// SetOffsetAndFlags sets the offset and flag fields of the TCP header. See [Frame.OffsetAndFlags].
func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(tfrm.buf[12:14], v)
}

// Flags returns just the flag bits of the header.
func (tfrm Frame) Flags() Flags {
	_, flags := tfrm.OffsetAndFlags()
	return flags
}

// HeaderLength uses the offset field to calculate the total length of
// the TCP header including options. Performs no validation.
func (tfrm Frame) HeaderLength() (lengthInBytes int) {
	offset, _ := tfrm.OffsetAndFlags()
	return 4 * int(offset)
}

func (tfrm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }
func (tfrm Frame) SetWindowSize(v uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[14:16], v)
}

// CRC returns the checksum field in the TCP header.
func (tfrm Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[16:18])
}

// SetCRC sets the checksum field of the TCP header. See [Frame.CRC].
func (tfrm Frame) SetCRC(checksum uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[16:18], checksum)
}

func (tfrm Frame) UrgentPtr() uint16      { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }
func (tfrm Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(tfrm.buf[18:20], up) }

// Payload returns the payload content section of the TCP packet (not including TCP options).
// Be sure to call [Frame.ValidateSize] beforehand to avoid panic.
func (tfrm Frame) Payload() []byte {
	return tfrm.buf[tfrm.HeaderLength():]
}

// Options returns the TCP option buffer portion of the frame. The returned slice may be zero length.
// Be sure to call [Frame.ValidateSize] beforehand to avoid panic.
func (tfrm Frame) Options() []byte {
	return tfrm.buf[sizeHeaderTCP:tfrm.HeaderLength()]
}

// ClearHeader zeros out the fixed(non-variable) header contents.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeaderTCP] {
		tfrm.buf[i] = 0
	}
}

func (tfrm Frame) String() string {
	src := tfrm.SourcePort()
	dst := tfrm.DestinationPort()
	_, flags := tfrm.OffsetAndFlags()
	return fmt.Sprintf("TCP :%d -> :%d SEQ=%d ACK=%d %s", src, dst, tfrm.Seq(), tfrm.Ack(), flags.String())
}

//
// Validation API.
//

var (
	errShort           = errors.New("tcp: short buffer")
	errBadOffset       = errors.New("tcp: bad data offset")
	errZeroSource      = errors.New("tcp: zero source port")
	errZeroDestination = errors.New("tcp: zero destination port")
)

// ValidateSize checks the frame's size fields and compares with the actual buffer
// the frame. It adds an error to v on finding an inconsistency.
func (tfrm Frame) ValidateSize(v *wire.Validator) {
	off := tfrm.HeaderLength()
	if off < sizeHeaderTCP {
		v.AddError(errBadOffset)
		return
	}
	if off > len(tfrm.RawData()) {
		v.AddError(errBadOffset)
	}
}

// ValidateFields runs ValidateSize plus the non-checksum header
// invariants (non-zero ports).
func (tfrm Frame) ValidateFields(v *wire.Validator) {
	tfrm.ValidateSize(v)
	if v.HasError() {
		return
	}
	if tfrm.DestinationPort() == 0 {
		v.AddError(errZeroDestination)
	}
	if tfrm.SourcePort() == 0 {
		v.AddError(errZeroSource)
	}
}

// CRCWrite folds the TCP header and payload into crc. Callers must
// have already written the IPv4 pseudo-header (see
// [ipv4.Frame.CRCWriteTCPPseudo]) and must zero the checksum field
// before calling this when computing a checksum to store (verification
// does not require zeroing since the stored checksum participates in
// the ones'-complement sum and a valid segment folds to zero).
func (tfrm Frame) CRCWrite(crc *wire.CRC791) {
	crc.Write(tfrm.buf)
}

// VerifyCRC reports whether the checksum stored in the header agrees
// with one computed over pseudoCRC (the IPv4 pseudo-header sum) plus
// the full TCP segment as received.
func (tfrm Frame) VerifyCRC(pseudoCRC wire.CRC791) bool {
	tfrm.CRCWrite(&pseudoCRC)
	return pseudoCRC.Sum16() == 0
}
