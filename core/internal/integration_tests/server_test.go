package integration_tests

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/sun89/VpnTcpProxy/extras/gre"
	"github.com/sun89/VpnTcpProxy/extras/mschap"
	"github.com/sun89/VpnTcpProxy/extras/pptp"
)

const (
	testUser     = "User"
	testPassword = "clientPass"

	serverCallID uint16 = 0x0102
)

var (
	peerIP   = net.IPv4(10, 0, 0, 1).To4()
	clientIP = net.IPv4(10, 0, 0, 2).To4()
)

// ctrlMsg builds an empty control message of the given type and size.
func ctrlMsg(controlType uint16, size int) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint16(b[0:2], uint16(size))
	binary.BigEndian.PutUint16(b[2:4], pptp.MessageTypeControl)
	binary.BigEndian.PutUint32(b[4:8], pptp.Magic)
	binary.BigEndian.PutUint16(b[8:10], controlType)
	return b
}

// pptpServer is an in-process PPTP control peer on loopback TCP.
type pptpServer struct {
	t        *testing.T
	ln       net.Listener
	sccrpRes uint8

	mu       sync.Mutex
	conn     net.Conn
	callID   uint16 // the client's, from Outgoing-Call-Request
	received []uint16
}

func newPPTPServer(t *testing.T) *pptpServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &pptpServer{t: t, ln: ln, sccrpRes: pptp.ResultOK}
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *pptpServer) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *pptpServer) Serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	for {
		var lb [2]byte
		if _, err := io.ReadFull(conn, lb[:]); err != nil {
			return
		}
		msg := make([]byte, binary.BigEndian.Uint16(lb[:]))
		if len(msg) < 12 {
			return
		}
		copy(msg, lb[:])
		if _, err := io.ReadFull(conn, msg[2:]); err != nil {
			return
		}
		controlType := binary.BigEndian.Uint16(msg[8:10])
		s.mu.Lock()
		s.received = append(s.received, controlType)
		s.mu.Unlock()

		switch controlType {
		case pptp.MsgStartCtrlConnRequest:
			reply := ctrlMsg(pptp.MsgStartCtrlConnReply, pptp.LenStartCtrlConn)
			binary.BigEndian.PutUint16(reply[12:14], pptp.ProtocolVersion)
			reply[14] = s.sccrpRes
			_, _ = conn.Write(reply)
		case pptp.MsgOutgoingCallRequest:
			reply := ctrlMsg(pptp.MsgOutgoingCallReply, pptp.LenOutgoingCallReply)
			binary.BigEndian.PutUint16(reply[12:14], serverCallID)
			copy(reply[14:16], msg[12:14])
			reply[16] = pptp.ResultOK
			s.mu.Lock()
			s.callID = binary.BigEndian.Uint16(msg[12:14])
			s.mu.Unlock()
			_, _ = conn.Write(reply)
		case pptp.MsgSetLinkInfo:
			s.mu.Lock()
			callID := s.callID
			s.mu.Unlock()
			_, _ = conn.Write(pptp.BuildSetLinkInfo(callID))
		case pptp.MsgStopCtrlConnRequest:
			_, _ = conn.Write(pptp.BuildStopCtrlConnReply(pptp.ResultOK))
			return
		}
	}
}

// Drop closes the control connection from the server side.
func (s *pptpServer) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *pptpServer) Received() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.received...)
}

// greLink is the client's GRE channel. Frames the client writes come out
// of fromClient; datagrams pushed to toClient are read by the client.
type greLink struct {
	toClient   chan []byte
	fromClient chan []byte
	done       chan struct{}
	once       sync.Once
}

func newGRELink() *greLink {
	return &greLink{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

func (l *greLink) ReadPacket(b []byte) (int, error) {
	select {
	case p := <-l.toClient:
		return copy(b, p), nil
	case <-l.done:
		return 0, net.ErrClosed
	}
}

func (l *greLink) WritePacket(frame []byte, dst net.IP) (int, error) {
	select {
	case l.fromClient <- append([]byte(nil), frame...):
		return len(frame), nil
	case <-l.done:
		return 0, net.ErrClosed
	}
}

func (l *greLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// pppPeer plays a PPTP server's PPP side: MS-CHAPv2 with a real
// authenticator response, CBCP, and IPCP with one Nak round. IPv4 frames
// are echoed back.
type pppPeer struct {
	t      *testing.T
	link   *greLink
	seq    uint32
	reject bool // answer the CHAP response with Failure

	authChallenge []byte
}

func newPPPPeer(t *testing.T, link *greLink) *pppPeer {
	return &pppPeer{t: t, link: link, authChallenge: bytes.Repeat([]byte{0x5B}, 16)}
}

func (p *pppPeer) send(proto uint16, payload []byte) {
	frame := append([]byte{0xFF, 0x03, byte(proto >> 8), byte(proto)}, payload...)
	h := gre.Header{SeqPresent: true, Protocol: gre.ProtocolPPP, CallID: 0, Seq: p.seq, PayloadLength: uint16(len(frame))}
	p.seq++
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolGRE,
		SrcIP:    net.IPv4(127, 0, 0, 1).To4(),
		DstIP:    clientIP,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(append(gre.AppendHeader(nil, h), frame...))); err != nil {
		p.t.Error(err)
		return
	}
	select {
	case p.link.toClient <- buf.Bytes():
	case <-p.link.done:
	}
}

func packet(code, id uint8, data ...byte) []byte {
	b := []byte{code, id, 0, 0}
	b = append(b, data...)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

func (p *pppPeer) Run() {
	for {
		var frame []byte
		select {
		case frame = <-p.link.fromClient:
		case <-p.link.done:
			return
		case <-time.After(5 * time.Second):
			return
		}
		h, off, err := gre.DecodeHeader(frame)
		if err != nil || h.PayloadLength == 0 {
			continue
		}
		ppp := frame[off : off+int(h.PayloadLength)]
		if len(ppp) < 8 {
			continue
		}
		proto := binary.BigEndian.Uint16(ppp[2:4])
		pkt := ppp[4:]
		code, id, body := pkt[0], pkt[1], pkt[4:]
		p.handle(proto, code, id, body, pkt)
	}
}

func (p *pppPeer) handle(proto uint16, code, id uint8, body, pkt []byte) {
	switch proto {
	case 0xC021:
		switch code {
		case 1:
			p.send(0xC021, packet(2, id, body...))
			p.send(0xC021, packet(1, 1,
				1, 4, 0x05, 0x78,
				3, 5, 0xC2, 0x23, 0x81,
				5, 6, 0xAA, 0xBB, 0xCC, 0xDD))
		case 2:
			p.send(0xC223, packet(1, 0x42, append(append([]byte{16}, p.authChallenge...), "srv"...)...))
		}
	case 0xC223:
		if code != 2 || len(body) < 50 {
			return
		}
		if p.reject {
			p.send(0xC223, packet(4, id, []byte("E=691 R=0 M=denied")...))
			return
		}
		value := body[1:50]
		user := string(body[50:])
		peerChallenge, ntResponse := value[0:16], value[24:48]
		want := mschap.ChallengeResponse(
			mschap.ChallengeHash(peerChallenge, p.authChallenge, user),
			mschap.NtPasswordHash(testPassword))
		if !bytes.Equal(want, ntResponse) {
			p.send(0xC223, packet(4, id, []byte("E=691 M=bad")...))
			return
		}
		s := mschap.AuthenticatorResponse(testPassword, ntResponse, peerChallenge, p.authChallenge, user)
		p.send(0xC223, packet(3, id, []byte(s+" M=welcome")...))
		p.send(0xC029, packet(1, 1, 1, 2))
	case 0xC029:
		if code == 2 {
			p.send(0xC029, packet(3, id, body...))
			p.send(0x8021, packet(1, 1, append([]byte{3, 6}, peerIP...)...))
		}
	case 0x8021:
		if code != 1 {
			return
		}
		if bytes.Equal(body, []byte{3, 6, 0, 0, 0, 0}) {
			p.send(0x8021, packet(3, id, append([]byte{3, 6}, clientIP...)...))
		} else {
			p.send(0x8021, packet(2, id, body...))
		}
	case 0x0021:
		p.send(0x0021, pkt)
	}
}
