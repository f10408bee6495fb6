package pptp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSetupTimeout      = 10 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second
	dialKeepAlive            = 30 * time.Second
	closeWriteTimeout        = time.Second
)

var ErrClosed = errors.New("pptp: control connection closed")

// Config holds the identity and timing of a control connection.
type Config struct {
	Hostname          string
	Vendor            string
	SetupTimeout      time.Duration
	KeepaliveInterval time.Duration
}

func (c *Config) fill() {
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = DefaultSetupTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
}

// Control is the TCP control connection of one PPTP call.
type Control struct {
	conn   net.Conn
	logger *zap.Logger
	config Config

	wmu sync.Mutex

	callID     uint16 // ours, sent in Outgoing-Call-Request
	peerCallID uint16 // server's, from Outgoing-Call-Reply
	callUp     bool

	// Lifecycle
	errMu     sync.Mutex
	err       error
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial opens the TCP control connection to address (host:port).
func Dial(ctx context.Context, address string, config Config, logger *zap.Logger) (*Control, error) {
	d := net.Dialer{KeepAlive: dialKeepAlive}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewControl(conn, config, logger), nil
}

// DialHost is Dial for a separate host and port.
func DialHost(ctx context.Context, host string, port int, config Config, logger *zap.Logger) (*Control, error) {
	return Dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)), config, logger)
}

// NewControl wraps an established connection.
func NewControl(conn net.Conn, config Config, logger *zap.Logger) *Control {
	config.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{
		conn:   conn,
		logger: logger,
		config: config,
		closed: make(chan struct{}),
	}
}

// CallID returns the call id this client announced.
func (c *Control) CallID() uint16 { return c.callID }

// PeerCallID returns the call id assigned by the server. GRE frames to
// the server carry it.
func (c *Control) PeerCallID() uint16 { return c.peerCallID }

// StartControlConnection performs the Start-Control-Connection exchange.
func (c *Control) StartControlConnection() error {
	if err := c.writeMessage(BuildStartCtrlConnRequest(c.config.Hostname, c.config.Vendor)); err != nil {
		return fmt.Errorf("send SCCRQ: %w", err)
	}
	msg, err := c.expect(MsgStartCtrlConnReply)
	if err != nil {
		return fmt.Errorf("recv SCCRP: %w", err)
	}
	reply, err := ParseStartCtrlConnReply(msg)
	if err != nil {
		return err
	}
	c.logger.Debug("start control connection reply",
		zap.String("hostname", reply.Hostname),
		zap.String("vendor", reply.Vendor),
		zap.Uint16("version", reply.ProtocolVersion),
		zap.Uint8("result", reply.ResultCode))
	if reply.ResultCode != ResultOK {
		return fmt.Errorf("%w: SCCRP result %d error %d", ErrResultCode, reply.ResultCode, reply.ErrorCode)
	}
	return nil
}

// OutgoingCall requests a call with a fresh random call id and records
// the server's call id.
func (c *Control) OutgoingCall() error {
	c.callID = uint16(rand.Intn(0x10000))
	c.logger.Debug("outgoing call", zap.Uint16("callID", c.callID))
	if err := c.writeMessage(BuildOutgoingCallRequest(c.callID)); err != nil {
		return fmt.Errorf("send OCRQ: %w", err)
	}
	msg, err := c.expect(MsgOutgoingCallReply)
	if err != nil {
		return fmt.Errorf("recv OCRP: %w", err)
	}
	reply, err := ParseOutgoingCallReply(msg)
	if err != nil {
		return err
	}
	if reply.ResultCode != ResultOK {
		return fmt.Errorf("%w: OCRP %s (error %d, cause %d)", ErrResultCode,
			OutgoingCallResult(reply.ResultCode), reply.ErrorCode, reply.CauseCode)
	}
	c.peerCallID = reply.CallID
	c.callUp = true
	c.logger.Debug("outgoing call connected",
		zap.Uint16("peerCallID", c.peerCallID),
		zap.Uint32("connectSpeed", reply.ConnectSpeed),
		zap.Uint16("recvWindow", reply.RecvWindow))
	return nil
}

// SetLinkInfo sends Set-Link-Info and waits for the server's Set-Link-Info,
// which must name our call id.
func (c *Control) SetLinkInfo() error {
	if err := c.writeMessage(BuildSetLinkInfo(c.peerCallID)); err != nil {
		return fmt.Errorf("send SLI: %w", err)
	}
	msg, err := c.expect(MsgSetLinkInfo)
	if err != nil {
		return fmt.Errorf("recv SLI: %w", err)
	}
	info, err := ParseSetLinkInfo(msg)
	if err != nil {
		return err
	}
	if info.PeerCallID != c.callID {
		return fmt.Errorf("%w: SLI names %d, ours is %d", ErrCallIDMismatch, info.PeerCallID, c.callID)
	}
	return nil
}

// Setup runs the three handshake steps in order.
func (c *Control) Setup() error {
	if err := c.StartControlConnection(); err != nil {
		return err
	}
	if err := c.OutgoingCall(); err != nil {
		return err
	}
	return c.SetLinkInfo()
}

// Start launches the control receive loop and the Set-Link-Info keepalive.
// Call it once the handshake is complete.
func (c *Control) Start() {
	go c.recvLoop()
	go c.keepaliveLoop()
}

// Done is closed when the control connection is gone.
func (c *Control) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the connection died, or nil after a local Close.
func (c *Control) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close clears the call, stops the control connection and closes the
// socket. The clear and stop messages are best-effort.
func (c *Control) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		if c.callUp {
			_ = c.writeMessage(BuildCallClearRequest(c.callID))
		}
		_ = c.writeMessage(BuildStopCtrlConnRequest(StopReasonNone))
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Control) die(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.closed)
		c.conn.Close()
		c.logger.Warn("control connection died",
			zap.Uint16("callID", c.callID),
			zap.Error(err))
	})
}

func (c *Control) writeMessage(b []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// readMessage reads one length-framed control message.
func (c *Control) readMessage() ([]byte, Header, error) {
	var lb [2]byte
	if _, err := io.ReadFull(c.conn, lb[:]); err != nil {
		return nil, Header{}, err
	}
	n := int(lb[0])<<8 | int(lb[1])
	if n < headerLen || n > maxMessageLen {
		return nil, Header{}, fmt.Errorf("%w: length %d", ErrBadHeader, n)
	}
	msg := make([]byte, n)
	copy(msg, lb[:])
	if _, err := io.ReadFull(c.conn, msg[2:]); err != nil {
		return nil, Header{}, err
	}
	h, err := DecodeHeader(msg)
	if err != nil {
		return nil, Header{}, err
	}
	return msg, h, nil
}

// expect reads exactly one message under the setup deadline and requires
// it to be controlType at its fixed size.
func (c *Control) expect(controlType uint16) ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.config.SetupTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	msg, h, err := c.readMessage()
	if err != nil {
		return nil, err
	}
	if h.ControlType != controlType {
		return nil, fmt.Errorf("%w: type %d, want %d", ErrUnexpectedMessage, h.ControlType, controlType)
	}
	if want := ExpectedLen(controlType); int(h.Length) != want {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrShortPacket, want, h.Length)
	}
	return msg, nil
}

func (c *Control) recvLoop() {
	for {
		msg, h, err := c.readMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.die(fmt.Errorf("read control: %w", err))
			return
		}
		c.handleMessage(h, msg)
	}
}

func (c *Control) handleMessage(h Header, msg []byte) {
	switch h.ControlType {
	case MsgEchoRequest:
		id, err := ParseEchoRequest(msg)
		if err != nil {
			c.logger.Debug("bad echo request", zap.Error(err))
			return
		}
		if err := c.writeMessage(BuildEchoReply(id, ResultOK)); err != nil {
			c.die(fmt.Errorf("send echo reply: %w", err))
		}
	case MsgEchoReply:
		// keepalive answer, nothing to do
	case MsgSetLinkInfo:
		info, err := ParseSetLinkInfo(msg)
		if err != nil {
			c.logger.Debug("bad set link info", zap.Error(err))
			return
		}
		if info.PeerCallID != c.callID {
			c.logger.Warn("set link info for another call",
				zap.Uint16("callID", c.callID),
				zap.Uint16("peerCallID", info.PeerCallID))
		}
	case MsgStopCtrlConnRequest:
		c.logger.Warn("server stopped control connection", zap.Uint8("reason", msg[12]))
		_ = c.writeMessage(BuildStopCtrlConnReply(ResultOK))
		c.die(fmt.Errorf("%w: stop control connection request", ErrClosed))
	case MsgCallDisconnectNotify:
		cdn, err := ParseCallDisconnectNotify(msg)
		if err != nil {
			c.die(fmt.Errorf("%w: call disconnected", ErrClosed))
			return
		}
		c.logger.Warn("server disconnected call",
			zap.Uint16("peerCallID", cdn.CallID),
			zap.Uint8("result", cdn.ResultCode),
			zap.Uint16("cause", cdn.CauseCode),
			zap.String("stats", cdn.Stats))
		c.die(fmt.Errorf("%w: call disconnected (result %d)", ErrClosed, cdn.ResultCode))
	case MsgWANErrorNotify:
		wan, err := ParseWANErrorNotify(msg)
		if err != nil {
			return
		}
		c.logger.Info("WAN error notify",
			zap.Uint32("crc", wan.CRCErrors),
			zap.Uint32("framing", wan.FramingErrors),
			zap.Uint32("hardwareOverruns", wan.HardwareOverruns),
			zap.Uint32("bufferOverruns", wan.BufferOverruns),
			zap.Uint32("timeout", wan.TimeoutErrors),
			zap.Uint32("alignment", wan.AlignmentErrors))
	default:
		c.logger.Debug("unhandled control message", zap.Uint16("type", h.ControlType))
	}
}

// keepaliveLoop re-sends Set-Link-Info on a fixed interval.
func (c *Control) keepaliveLoop() {
	ticker := time.NewTicker(c.config.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.writeMessage(BuildSetLinkInfo(c.peerCallID)); err != nil {
				if !errors.Is(err, ErrClosed) {
					c.die(fmt.Errorf("send keepalive: %w", err))
				}
				return
			}
			c.logger.Debug("set link info keepalive", zap.Uint16("peerCallID", c.peerCallID))
		}
	}
}
