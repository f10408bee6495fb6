package gre

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

const maxDatagramSize = 65535

var (
	ErrFrameTooLarge = errors.New("gre: payload exceeds maximum frame size")
	ErrClosed        = errors.New("gre: transport closed")
	ErrResolve       = errors.New("gre: cannot resolve")
)

// ReplyKind tells the transport how to react to a delivered payload.
type ReplyKind uint8

const (
	// ReplyNone: handled, nothing to send now. A pending ack rides on the next write.
	ReplyNone ReplyKind = iota
	// ReplyEcho: send Reply.Frame as a data frame.
	ReplyEcho
	// ReplyAckOnly: send a standalone acknowledgment.
	ReplyAckOnly
	// ReplyIgnore: the payload was not usable, nothing is sent.
	ReplyIgnore
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyNone:
		return "none"
	case ReplyEcho:
		return "echo"
	case ReplyAckOnly:
		return "ack"
	case ReplyIgnore:
		return "ignore"
	}
	return fmt.Sprintf("ReplyKind(%d)", uint8(k))
}

// Reply is the handler's verdict for one inbound payload.
type Reply struct {
	Kind  ReplyKind
	Frame []byte
}

func NoReply() Reply          { return Reply{Kind: ReplyNone} }
func Echo(frame []byte) Reply { return Reply{Kind: ReplyEcho, Frame: frame} }
func AckOnly() Reply          { return Reply{Kind: ReplyAckOnly} }
func Ignore() Reply           { return Reply{Kind: ReplyIgnore} }

// Handler consumes one inbound PPP payload. It runs synchronously on the
// receive path and must not block.
type Handler func(payload []byte) Reply

// Transport is the GRE side of one PPTP call: it frames outbound PPP
// payloads with sequence/ack numbers and demultiplexes inbound ones.
type Transport struct {
	conn   PacketConn
	peer   net.IP
	logger *zap.Logger

	mu           sync.Mutex
	callID       uint16 // peer's call id, written on every frame
	seq          uint32 // next send sequence
	peerSeq      uint32 // last sequence received from peer
	peerSeqValid bool
	lastAck      uint32 // last sequence we acknowledged
	lastAckValid bool
	handler      Handler

	// Single receive slot: a newer payload replaces an unread one.
	slot  []byte
	ready bool

	dropped atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
}

// NewTransport wraps an open raw channel to peer.
func NewTransport(conn PacketConn, peer net.IP, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		conn:   conn,
		peer:   peer,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// ListenFunc opens the raw GRE channel.
type ListenFunc func() (PacketConn, error)

// Init resolves serverName and opens the raw protocol-47 channel to it.
// Nothing is retried.
func Init(ctx context.Context, serverName string, port int, logger *zap.Logger) (*Transport, error) {
	return InitWith(ctx, serverName, port, ListenRaw, logger)
}

// InitWith is Init with a custom channel opener.
func InitWith(ctx context.Context, serverName string, port int, listen ListenFunc, logger *zap.Logger) (*Transport, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", serverName)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrResolve, serverName, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w %s: no IPv4 address", ErrResolve, serverName)
	}
	conn, err := listen()
	if err != nil {
		return nil, fmt.Errorf("open raw GRE channel: %w", err)
	}
	if logger != nil {
		logger.Debug("GRE channel open",
			zap.String("server", serverName),
			zap.Stringer("serverIP", ips[0]),
			zap.Int("port", port))
	}
	return NewTransport(conn, ips[0].To4(), logger), nil
}

// Peer returns the server address frames are sent to.
func (t *Transport) Peer() net.IP {
	return t.peer
}

// SetCallID sets the peer call id written on outbound frames.
func (t *Transport) SetCallID(id uint16) {
	t.mu.Lock()
	t.callID = id
	t.mu.Unlock()
}

// SetHandler registers the payload handler. nil disables delivery.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Write sends payload as one data frame and returns the frame size.
// The sequence number is always present; the ack number only when a
// received sequence is still unacknowledged.
func (t *Transport) Write(payload []byte) (int, error) {
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	h := Header{
		SeqPresent:    true,
		Protocol:      ProtocolPPP,
		PayloadLength: uint16(len(payload)),
		CallID:        t.callID,
		Seq:           t.seq,
	}
	if t.ackPendingLocked() {
		h.AckPresent = true
		h.Ack = t.peerSeq
	}
	frame := make([]byte, 0, h.Len()+len(payload))
	frame = AppendHeader(frame, h)
	frame = append(frame, payload...)

	if err := t.sendLocked(frame); err != nil {
		return 0, err
	}
	t.seq++
	if h.AckPresent {
		t.lastAck = h.Ack
		t.lastAckValid = true
	}
	if ce := t.logger.Check(zap.DebugLevel, "GRE TX"); ce != nil {
		ce.Write(zap.Uint32("seq", h.Seq), zap.Bool("ack", h.AckPresent),
			zap.Uint32("ackNum", h.Ack), zap.Int("bytes", len(payload)))
	}
	return len(frame), nil
}

// WriteAck sends an acknowledgment-only frame. It returns 0 without
// sending when nothing new needs acknowledging.
func (t *Transport) WriteAck() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ackPendingLocked() {
		return 0, nil
	}
	h := Header{
		AckPresent: true,
		Protocol:   ProtocolPPP,
		CallID:     t.callID,
		Ack:        t.peerSeq,
	}
	frame := AppendHeader(nil, h)
	if err := t.sendLocked(frame); err != nil {
		return 0, err
	}
	t.lastAck = h.Ack
	t.lastAckValid = true
	if ce := t.logger.Check(zap.DebugLevel, "GRE TX ack"); ce != nil {
		ce.Write(zap.Uint32("ackNum", h.Ack))
	}
	return len(frame), nil
}

// Read drains the receive slot into buf. It never blocks and returns 0
// when no payload is pending. Only the newest unread payload is kept.
func (t *Transport) Read(buf []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return 0
	}
	n := copy(buf, t.slot)
	t.ready = false
	return n
}

func (t *Transport) ackPendingLocked() bool {
	return t.peerSeqValid && (!t.lastAckValid || t.peerSeq != t.lastAck)
}

func (t *Transport) sendLocked(frame []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	n, err := t.conn.WritePacket(frame, t.peer)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// HandleDatagram processes one raw IPv4 datagram from the channel: it
// strips the IP header, parses GRE, records the peer sequence, fills the
// receive slot and runs the handler, acting on its reply.
func (t *Transport) HandleDatagram(pkt []byte) error {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("%w: %v", ErrNotGRE, err)
	}
	if ip.Protocol != layers.IPProtocolGRE {
		return fmt.Errorf("%w: IP protocol %d", ErrNotGRE, ip.Protocol)
	}
	if t.peer != nil && !ip.SrcIP.Equal(t.peer) {
		if ce := t.logger.Check(zap.DebugLevel, "dropping GRE from unexpected source"); ce != nil {
			ce.Write(zap.Stringer("src", ip.SrcIP))
		}
		return nil
	}

	h, off, err := DecodeHeader(ip.Payload)
	if err != nil {
		return err
	}
	if h.Protocol != ProtocolPPP {
		return fmt.Errorf("%w: protocol 0x%04x", ErrBadHeader, h.Protocol)
	}
	payload := ip.Payload[off : off+int(h.PayloadLength)]

	t.mu.Lock()
	if h.SeqPresent {
		t.peerSeq = h.Seq
		t.peerSeqValid = true
	}
	var handler Handler
	var delivered []byte
	if len(payload) > 0 {
		t.slot = append(t.slot[:0], payload...)
		t.ready = true
		handler = t.handler
		delivered = append([]byte(nil), payload...)
	}
	t.mu.Unlock()

	if ce := t.logger.Check(zap.DebugLevel, "GRE RX"); ce != nil {
		ce.Write(zap.Bool("seq", h.SeqPresent), zap.Uint32("seqNum", h.Seq),
			zap.Bool("ack", h.AckPresent), zap.Uint32("ackNum", h.Ack),
			zap.Uint16("callID", h.CallID), zap.Int("bytes", len(payload)))
	}

	if handler == nil {
		return nil
	}
	reply := handler(delivered)
	switch reply.Kind {
	case ReplyEcho:
		if _, err := t.Write(reply.Frame); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	case ReplyAckOnly:
		if _, err := t.WriteAck(); err != nil {
			return fmt.Errorf("write ack: %w", err)
		}
	}
	return nil
}

// Run reads datagrams until ctx is done or the transport is closed.
// Malformed datagrams are logged and skipped.
func (t *Transport) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, t.Close)
	defer stop()

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := t.conn.ReadPacket(buf)
		if err != nil {
			select {
			case <-t.closed:
				return nil
			default:
			}
			return fmt.Errorf("read GRE: %w", err)
		}
		if err := t.HandleDatagram(buf[:n]); err != nil {
			t.dropped.Add(1)
			if ce := t.logger.Check(zap.DebugLevel, "GRE datagram dropped"); ce != nil {
				ce.Write(zap.Error(err))
			}
		}
	}
}

// Dropped returns how many datagrams Run discarded as malformed.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}

// Close releases the raw channel. Pending writes fail with ErrClosed.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.Close()
	})
}
