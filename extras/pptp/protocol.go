package pptp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the cookie carried by every control message.
const Magic uint32 = 0x1A2B3C4D

const (
	MessageTypeControl uint16 = 1
	ProtocolVersion    uint16 = 0x0100 // 1.0
	DefaultPort               = 1723
)

// Control message types (RFC 2637 section 2)
const (
	MsgStartCtrlConnRequest uint16 = 1
	MsgStartCtrlConnReply   uint16 = 2
	MsgStopCtrlConnRequest  uint16 = 3
	MsgStopCtrlConnReply    uint16 = 4
	MsgEchoRequest          uint16 = 5
	MsgEchoReply            uint16 = 6
	MsgOutgoingCallRequest  uint16 = 7
	MsgOutgoingCallReply    uint16 = 8
	MsgCallClearRequest     uint16 = 12
	MsgCallDisconnectNotify uint16 = 13
	MsgWANErrorNotify       uint16 = 14
	MsgSetLinkInfo          uint16 = 15
)

// Fixed message sizes, header included.
const (
	headerLen               = 12
	LenStartCtrlConn        = 156
	LenStopCtrlConn         = 16
	LenEchoRequest          = 16
	LenEchoReply            = 20
	LenOutgoingCallRequest  = 168
	LenOutgoingCallReply    = 32
	LenCallClearRequest     = 16
	LenCallDisconnectNotify = 148
	LenWANErrorNotify       = 40
	LenSetLinkInfo          = 24
	maxMessageLen           = LenOutgoingCallRequest
	nameLen                 = 64
)

// Values of the Outgoing-Call-Request this client always sends.
const (
	callSerialNumber = 9
	minBPS           = 300
	maxBPS           = 1000000000
	bearerAny        = 3
	framingAny       = 3
	recvWindowSize   = 64

	// ACCM of all ones: no control characters need escaping.
	accmNone uint32 = 0xFFFFFFFF
)

// Result codes
const (
	ResultOK         uint8 = 1
	ResultGeneralErr uint8 = 2
	StopReasonNone   uint8 = 1
	StopReasonLocal  uint8 = 3
)

var (
	ErrShortPacket       = errors.New("pptp: message too short")
	ErrBadHeader         = errors.New("pptp: invalid header")
	ErrUnexpectedMessage = errors.New("pptp: unexpected control message")
	ErrResultCode        = errors.New("pptp: peer returned failure result")
	ErrCallIDMismatch    = errors.New("pptp: call id mismatch")
)

var outgoingCallResults = map[uint8]string{
	1: "connected",
	2: "general error",
	3: "no carrier",
	4: "busy",
	5: "no dial tone",
	6: "time-out",
	7: "do not accept",
}

// Header is the common control message header.
type Header struct {
	Length      uint16
	MessageType uint16
	ControlType uint16
}

// DecodeHeader validates and decodes the 12-byte header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < headerLen {
		return Header{}, ErrShortPacket
	}
	h := Header{
		Length:      binary.BigEndian.Uint16(data[0:2]),
		MessageType: binary.BigEndian.Uint16(data[2:4]),
		ControlType: binary.BigEndian.Uint16(data[8:10]),
	}
	if m := binary.BigEndian.Uint32(data[4:8]); m != Magic {
		return Header{}, fmt.Errorf("%w: magic 0x%08x", ErrBadHeader, m)
	}
	if h.MessageType != MessageTypeControl {
		return Header{}, fmt.Errorf("%w: message type %d", ErrBadHeader, h.MessageType)
	}
	if h.Length < headerLen || h.Length > maxMessageLen {
		return Header{}, fmt.Errorf("%w: length %d", ErrBadHeader, h.Length)
	}
	return h, nil
}

// ExpectedLen returns the fixed size of a control message type, or 0 for
// types this client does not know.
func ExpectedLen(controlType uint16) int {
	switch controlType {
	case MsgStartCtrlConnRequest, MsgStartCtrlConnReply:
		return LenStartCtrlConn
	case MsgStopCtrlConnRequest, MsgStopCtrlConnReply:
		return LenStopCtrlConn
	case MsgEchoRequest:
		return LenEchoRequest
	case MsgEchoReply:
		return LenEchoReply
	case MsgOutgoingCallRequest:
		return LenOutgoingCallRequest
	case MsgOutgoingCallReply:
		return LenOutgoingCallReply
	case MsgCallClearRequest:
		return LenCallClearRequest
	case MsgCallDisconnectNotify:
		return LenCallDisconnectNotify
	case MsgWANErrorNotify:
		return LenWANErrorNotify
	case MsgSetLinkInfo:
		return LenSetLinkInfo
	}
	return 0
}

func newMessage(controlType uint16, size int) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint16(b[0:2], uint16(size))
	binary.BigEndian.PutUint16(b[2:4], MessageTypeControl)
	binary.BigEndian.PutUint32(b[4:8], Magic)
	binary.BigEndian.PutUint16(b[8:10], controlType)
	return b
}

func checkMessage(data []byte, controlType uint16) error {
	h, err := DecodeHeader(data)
	if err != nil {
		return err
	}
	want := ExpectedLen(controlType)
	if h.ControlType != controlType {
		return fmt.Errorf("%w: type %d, want %d", ErrUnexpectedMessage, h.ControlType, controlType)
	}
	if int(h.Length) != want || len(data) < want {
		return fmt.Errorf("%w: type %d length %d, want %d", ErrShortPacket, controlType, h.Length, want)
	}
	return nil
}

// putName writes s into a fixed NUL-padded field, truncating if needed.
func putName(field []byte, s string) {
	n := copy(field[:len(field)-1], s)
	for i := n; i < len(field); i++ {
		field[i] = 0
	}
}

func getName(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// BuildStartCtrlConnRequest builds a Start-Control-Connection-Request.
func BuildStartCtrlConnRequest(hostname, vendor string) []byte {
	b := newMessage(MsgStartCtrlConnRequest, LenStartCtrlConn)
	binary.BigEndian.PutUint16(b[12:14], ProtocolVersion)
	binary.BigEndian.PutUint32(b[16:20], 1) // framing capabilities: async
	binary.BigEndian.PutUint32(b[20:24], 1) // bearer capabilities: analog
	putName(b[28:28+nameLen], hostname)
	putName(b[92:92+nameLen], vendor)
	return b
}

// StartCtrlConnReply is a decoded Start-Control-Connection-Reply.
type StartCtrlConnReply struct {
	ProtocolVersion  uint16
	ResultCode       uint8
	ErrorCode        uint8
	Framing          uint32
	Bearer           uint32
	MaxChannels      uint16
	FirmwareRevision uint16
	Hostname         string
	Vendor           string
}

func ParseStartCtrlConnReply(data []byte) (StartCtrlConnReply, error) {
	if err := checkMessage(data, MsgStartCtrlConnReply); err != nil {
		return StartCtrlConnReply{}, err
	}
	return StartCtrlConnReply{
		ProtocolVersion:  binary.BigEndian.Uint16(data[12:14]),
		ResultCode:       data[14],
		ErrorCode:        data[15],
		Framing:          binary.BigEndian.Uint32(data[16:20]),
		Bearer:           binary.BigEndian.Uint32(data[20:24]),
		MaxChannels:      binary.BigEndian.Uint16(data[24:26]),
		FirmwareRevision: binary.BigEndian.Uint16(data[26:28]),
		Hostname:         getName(data[28 : 28+nameLen]),
		Vendor:           getName(data[92 : 92+nameLen]),
	}, nil
}

// BuildOutgoingCallRequest builds an Outgoing-Call-Request for callID:
// any bearer, any framing, a 64-frame receive window and no phone number.
func BuildOutgoingCallRequest(callID uint16) []byte {
	b := newMessage(MsgOutgoingCallRequest, LenOutgoingCallRequest)
	binary.BigEndian.PutUint16(b[12:14], callID)
	binary.BigEndian.PutUint16(b[14:16], callSerialNumber)
	binary.BigEndian.PutUint32(b[16:20], minBPS)
	binary.BigEndian.PutUint32(b[20:24], maxBPS)
	binary.BigEndian.PutUint32(b[24:28], bearerAny)
	binary.BigEndian.PutUint32(b[28:32], framingAny)
	binary.BigEndian.PutUint16(b[32:34], recvWindowSize)
	return b
}

// OutgoingCallReply is a decoded Outgoing-Call-Reply. CallID is the id
// the server assigned to its side of the call.
type OutgoingCallReply struct {
	CallID          uint16
	PeerCallID      uint16
	ResultCode      uint8
	ErrorCode       uint8
	CauseCode       uint16
	ConnectSpeed    uint32
	RecvWindow      uint16
	ProcessingDelay uint16
	PhysChannelID   uint32
}

func ParseOutgoingCallReply(data []byte) (OutgoingCallReply, error) {
	if err := checkMessage(data, MsgOutgoingCallReply); err != nil {
		return OutgoingCallReply{}, err
	}
	return OutgoingCallReply{
		CallID:          binary.BigEndian.Uint16(data[12:14]),
		PeerCallID:      binary.BigEndian.Uint16(data[14:16]),
		ResultCode:      data[16],
		ErrorCode:       data[17],
		CauseCode:       binary.BigEndian.Uint16(data[18:20]),
		ConnectSpeed:    binary.BigEndian.Uint32(data[20:24]),
		RecvWindow:      binary.BigEndian.Uint16(data[24:26]),
		ProcessingDelay: binary.BigEndian.Uint16(data[26:28]),
		PhysChannelID:   binary.BigEndian.Uint32(data[28:32]),
	}, nil
}

// OutgoingCallResult names an Outgoing-Call-Reply result code.
func OutgoingCallResult(code uint8) string {
	if s, ok := outgoingCallResults[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", code)
}

// SetLinkInfo carries the async control character maps for a call.
type SetLinkInfo struct {
	PeerCallID uint16
	SendACCM   uint32
	RecvACCM   uint32
}

// BuildSetLinkInfo builds a Set-Link-Info with all-ones ACCMs.
func BuildSetLinkInfo(peerCallID uint16) []byte {
	b := newMessage(MsgSetLinkInfo, LenSetLinkInfo)
	binary.BigEndian.PutUint16(b[12:14], peerCallID)
	binary.BigEndian.PutUint32(b[16:20], accmNone)
	binary.BigEndian.PutUint32(b[20:24], accmNone)
	return b
}

func ParseSetLinkInfo(data []byte) (SetLinkInfo, error) {
	if err := checkMessage(data, MsgSetLinkInfo); err != nil {
		return SetLinkInfo{}, err
	}
	return SetLinkInfo{
		PeerCallID: binary.BigEndian.Uint16(data[12:14]),
		SendACCM:   binary.BigEndian.Uint32(data[16:20]),
		RecvACCM:   binary.BigEndian.Uint32(data[20:24]),
	}, nil
}

func BuildEchoRequest(id uint32) []byte {
	b := newMessage(MsgEchoRequest, LenEchoRequest)
	binary.BigEndian.PutUint32(b[12:16], id)
	return b
}

// ParseEchoRequest returns the identifier of an Echo-Request.
func ParseEchoRequest(data []byte) (uint32, error) {
	if err := checkMessage(data, MsgEchoRequest); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(data[12:16]), nil
}

func BuildEchoReply(id uint32, result uint8) []byte {
	b := newMessage(MsgEchoReply, LenEchoReply)
	binary.BigEndian.PutUint32(b[12:16], id)
	b[16] = result
	return b
}

func BuildStopCtrlConnRequest(reason uint8) []byte {
	b := newMessage(MsgStopCtrlConnRequest, LenStopCtrlConn)
	b[12] = reason
	return b
}

func BuildStopCtrlConnReply(result uint8) []byte {
	b := newMessage(MsgStopCtrlConnReply, LenStopCtrlConn)
	b[12] = result
	return b
}

func BuildCallClearRequest(callID uint16) []byte {
	b := newMessage(MsgCallClearRequest, LenCallClearRequest)
	binary.BigEndian.PutUint16(b[12:14], callID)
	return b
}

// CallDisconnectNotify is a decoded Call-Disconnect-Notify.
type CallDisconnectNotify struct {
	CallID     uint16
	ResultCode uint8
	ErrorCode  uint8
	CauseCode  uint16
	Stats      string
}

func ParseCallDisconnectNotify(data []byte) (CallDisconnectNotify, error) {
	if err := checkMessage(data, MsgCallDisconnectNotify); err != nil {
		return CallDisconnectNotify{}, err
	}
	return CallDisconnectNotify{
		CallID:     binary.BigEndian.Uint16(data[12:14]),
		ResultCode: data[14],
		ErrorCode:  data[15],
		CauseCode:  binary.BigEndian.Uint16(data[16:18]),
		Stats:      getName(data[20:LenCallDisconnectNotify]),
	}, nil
}

// WANErrorNotify carries the server's cumulative link error counters.
type WANErrorNotify struct {
	PeerCallID       uint16
	CRCErrors        uint32
	FramingErrors    uint32
	HardwareOverruns uint32
	BufferOverruns   uint32
	TimeoutErrors    uint32
	AlignmentErrors  uint32
}

func ParseWANErrorNotify(data []byte) (WANErrorNotify, error) {
	if err := checkMessage(data, MsgWANErrorNotify); err != nil {
		return WANErrorNotify{}, err
	}
	return WANErrorNotify{
		PeerCallID:       binary.BigEndian.Uint16(data[12:14]),
		CRCErrors:        binary.BigEndian.Uint32(data[16:20]),
		FramingErrors:    binary.BigEndian.Uint32(data[20:24]),
		HardwareOverruns: binary.BigEndian.Uint32(data[24:28]),
		BufferOverruns:   binary.BigEndian.Uint32(data[28:32]),
		TimeoutErrors:    binary.BigEndian.Uint32(data[32:36]),
		AlignmentErrors:  binary.BigEndian.Uint32(data[36:40]),
	}, nil
}
