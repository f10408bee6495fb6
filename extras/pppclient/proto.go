package pppclient

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// PPP protocol numbers
const (
	ProtoIPv4   uint16 = 0x0021
	ProtoIPCP   uint16 = 0x8021
	ProtoMPLSCP uint16 = 0x8281
	ProtoIPv6CP uint16 = 0x8057
	ProtoCCP    uint16 = 0x80FD
	ProtoLCP    uint16 = 0xC021
	ProtoPAP    uint16 = 0xC023
	ProtoCHAP   uint16 = 0xC223
	ProtoCBCP   uint16 = 0xC029
)

// LCP and NCP code values
const (
	codeConfigRequest uint8 = 1
	codeConfigAck     uint8 = 2
	codeConfigNak     uint8 = 3
	codeConfigReject  uint8 = 4
	codeTermRequest   uint8 = 5
	codeTermAck       uint8 = 6
	codeCodeReject    uint8 = 7
	codeProtoReject   uint8 = 8
	codeEchoRequest   uint8 = 9
	codeEchoReply     uint8 = 10
)

// LCP option types
const (
	lcpOptMRU          uint8 = 1
	lcpOptAuthProtocol uint8 = 3
	lcpOptMagicNumber  uint8 = 5
	lcpOptCallback     uint8 = 13
)

// Callback operation 6: location is determined during CBCP negotiation.
const callbackCBCP uint8 = 6

// IPCP option types
const ipcpOptIPAddress uint8 = 3

// PAP code values
const (
	papAuthRequest uint8 = 1
	papAuthAck     uint8 = 2
	papAuthNak     uint8 = 3
)

// CHAP code values
const (
	chapChallenge uint8 = 1
	chapResponse  uint8 = 2
	chapSuccess   uint8 = 3
	chapFailure   uint8 = 4
)

// CHAP algorithms carried in the LCP Auth-Protocol option
const (
	ChapMD5      uint8 = 0x05
	ChapMSCHAPv1 uint8 = 0x80
	ChapMSCHAPv2 uint8 = 0x81
)

// CBCP code values
const (
	cbcpRequest  uint8 = 1
	cbcpResponse uint8 = 2
	cbcpAck      uint8 = 3
)

const hexHeadMax = 64

// hexHead returns a hex dump of the first hexHeadMax bytes of b,
// appending "...(N total)" when truncated.
func hexHead(b []byte) string {
	if len(b) <= hexHeadMax {
		return hex.EncodeToString(b)
	}
	return fmt.Sprintf("%s...(%d total)", hex.EncodeToString(b[:hexHeadMax]), len(b))
}

// makePPPFrame builds a raw PPP frame with address/control and protocol.
func makePPPFrame(proto uint16, payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	frame[0] = 0xFF
	frame[1] = 0x03
	binary.BigEndian.PutUint16(frame[2:4], proto)
	copy(frame[4:], payload)
	return frame
}

// EncapsulateIPv4 wraps an IPv4 packet in a PPP frame.
func EncapsulateIPv4(pkt []byte) []byte {
	return makePPPFrame(ProtoIPv4, pkt)
}

// parsePPPFrame extracts the PPP protocol and payload from a raw PPP frame.
// Handles both with and without FF 03 address/control bytes.
func parsePPPFrame(rawPPP []byte) (proto uint16, payload []byte) {
	off := 0
	if len(rawPPP) >= 2 && rawPPP[0] == 0xFF && rawPPP[1] == 0x03 {
		off = 2
	}
	if off >= len(rawPPP) {
		return 0, nil
	}
	// PFC: if low bit of first byte is 1, it's a compressed 1-byte protocol
	if rawPPP[off]&0x01 == 1 {
		return uint16(rawPPP[off]), rawPPP[off+1:]
	}
	if off+2 > len(rawPPP) {
		return 0, nil
	}
	proto = binary.BigEndian.Uint16(rawPPP[off : off+2])
	return proto, rawPPP[off+2:]
}

func buildLCPPacket(code uint8, id byte, data []byte) []byte {
	pktLen := 4 + len(data)
	pkt := make([]byte, pktLen)
	pkt[0] = code
	pkt[1] = id
	binary.BigEndian.PutUint16(pkt[2:4], uint16(pktLen))
	copy(pkt[4:], data)
	return pkt
}

// splitPacket validates a code/id/length packet and trims it to its
// length field. ok is false for anything shorter than a header.
func splitPacket(payload []byte) (code, id uint8, body []byte, ok bool) {
	if len(payload) < 4 {
		return 0, 0, nil, false
	}
	pktLen := int(binary.BigEndian.Uint16(payload[2:4]))
	if pktLen < 4 {
		return 0, 0, nil, false
	}
	if pktLen > len(payload) {
		pktLen = len(payload)
	}
	return payload[0], payload[1], payload[4:pktLen], true
}

// option is one type/length/value entry of a configure packet.
type option struct {
	Type uint8
	Data []byte // value without the type and length bytes
	Raw  []byte
}

// parseOptions splits configure options. Parsing stops at the first
// malformed entry; malformed reports whether that happened.
func parseOptions(opts []byte) (list []option, malformed bool) {
	for len(opts) > 0 {
		if len(opts) < 2 {
			return list, true
		}
		optLen := int(opts[1])
		if optLen < 2 || optLen > len(opts) {
			return list, true
		}
		list = append(list, option{Type: opts[0], Data: opts[2:optLen], Raw: opts[:optLen]})
		opts = opts[optLen:]
	}
	return list, false
}

func appendUint16Option(b []byte, typ uint8, v uint16) []byte {
	b = append(b, typ, 4)
	return binary.BigEndian.AppendUint16(b, v)
}

func appendUint32Option(b []byte, typ uint8, v uint32) []byte {
	b = append(b, typ, 6)
	return binary.BigEndian.AppendUint32(b, v)
}
