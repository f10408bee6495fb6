package gre

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolPPP is the GRE protocol type of PPTP data frames.
const ProtocolPPP uint16 = 0x880B

// Flag bits of the enhanced GRE header (RFC 2637 section 4.1).
const (
	flagChecksum uint16 = 0x8000
	flagRouting  uint16 = 0x4000
	flagKey      uint16 = 0x2000
	flagSeq      uint16 = 0x1000
	flagAck      uint16 = 0x0080
	versionMask  uint16 = 0x0007

	Version uint16 = 1
)

const (
	baseHeaderLen = 8
	// MaxHeaderLen is the header size with both sequence and ack present.
	MaxHeaderLen = 16
	// MaxPayload is the largest payload the 16-bit length field can carry.
	MaxPayload = 0xFFFF
)

var (
	ErrShortPacket = errors.New("gre: packet too short")
	ErrBadHeader   = errors.New("gre: invalid header")
	ErrNotGRE      = errors.New("gre: not a GRE datagram")
)

// Header is a decoded enhanced GRE header.
type Header struct {
	SeqPresent    bool
	AckPresent    bool
	Protocol      uint16
	PayloadLength uint16
	CallID        uint16
	Seq           uint32
	Ack           uint32
}

// Len returns the encoded header size.
func (h Header) Len() int {
	n := baseHeaderLen
	if h.SeqPresent {
		n += 4
	}
	if h.AckPresent {
		n += 4
	}
	return n
}

// Flags returns the flags-and-version word for h.
func (h Header) Flags() uint16 {
	f := flagKey | Version
	if h.SeqPresent {
		f |= flagSeq
	}
	if h.AckPresent {
		f |= flagAck
	}
	return f
}

// AppendHeader appends the encoded header to b.
func AppendHeader(b []byte, h Header) []byte {
	var buf [MaxHeaderLen]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Flags())
	binary.BigEndian.PutUint16(buf[2:4], h.Protocol)
	binary.BigEndian.PutUint16(buf[4:6], h.PayloadLength)
	binary.BigEndian.PutUint16(buf[6:8], h.CallID)
	off := baseHeaderLen
	if h.SeqPresent {
		binary.BigEndian.PutUint32(buf[off:off+4], h.Seq)
		off += 4
	}
	if h.AckPresent {
		binary.BigEndian.PutUint32(buf[off:off+4], h.Ack)
		off += 4
	}
	return append(b, buf[:off]...)
}

// DecodeHeader decodes an enhanced GRE header from raw bytes.
// Returns the header and the offset to the payload.
func DecodeHeader(data []byte) (Header, int, error) {
	if len(data) < baseHeaderLen {
		return Header{}, 0, ErrShortPacket
	}
	flags := binary.BigEndian.Uint16(data[0:2])
	if ver := flags & versionMask; ver != Version {
		return Header{}, 0, fmt.Errorf("%w: version %d", ErrBadHeader, ver)
	}
	if flags&(flagChecksum|flagRouting) != 0 {
		return Header{}, 0, fmt.Errorf("%w: checksum/routing present", ErrBadHeader)
	}
	if flags&flagKey == 0 {
		return Header{}, 0, fmt.Errorf("%w: key field missing", ErrBadHeader)
	}
	h := Header{
		SeqPresent:    flags&flagSeq != 0,
		AckPresent:    flags&flagAck != 0,
		Protocol:      binary.BigEndian.Uint16(data[2:4]),
		PayloadLength: binary.BigEndian.Uint16(data[4:6]),
		CallID:        binary.BigEndian.Uint16(data[6:8]),
	}
	off := baseHeaderLen
	if h.SeqPresent {
		if off+4 > len(data) {
			return Header{}, 0, ErrShortPacket
		}
		h.Seq = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}
	if h.AckPresent {
		if off+4 > len(data) {
			return Header{}, 0, ErrShortPacket
		}
		h.Ack = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}
	if off+int(h.PayloadLength) > len(data) {
		return Header{}, 0, fmt.Errorf("%w: payload length %d exceeds %d", ErrShortPacket, h.PayloadLength, len(data)-off)
	}
	return h, off, nil
}
