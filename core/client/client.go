package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	coreErrs "github.com/sun89/VpnTcpProxy/core/errors"
	"github.com/sun89/VpnTcpProxy/core/internal/packet"
	corePPP "github.com/sun89/VpnTcpProxy/core/ppp"
	"github.com/sun89/VpnTcpProxy/extras/gre"
	"github.com/sun89/VpnTcpProxy/extras/pppclient"
	"github.com/sun89/VpnTcpProxy/extras/pptp"

	"go.uber.org/zap"
)

// Client is one established PPTP tunnel.
type Client interface {
	// WritePacket sends an outbound IPv4 packet into the tunnel. sent is
	// false for packets that are filtered out (non-IPv4, GRE).
	WritePacket(pkt []byte) (sent bool, err error)
	// PacketIO bridges the tunnel to an IP stack.
	PacketIO() corePPP.PacketIO
	Info() *TunnelInfo
	RemoteAddr() net.Addr
	// Done is closed when the tunnel goes down. Err then tells why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// TunnelInfo describes a negotiated tunnel.
type TunnelInfo struct {
	ServerIP   net.IP
	CallID     uint16
	PeerCallID uint16

	LocalIP  net.IP
	RemoteIP net.IP
	Netmask  net.IPMask
	PeerMRU  uint16

	Auth     string
	Verified bool
}

// NewClient runs the whole connect sequence: resolve the server, open the
// GRE channel, set up the PPTP call and negotiate PPP. Failures are
// returned as coreErrs.PhaseError.
func NewClient(ctx context.Context, config *Config) (Client, *TunnelInfo, error) {
	if err := config.verifyAndFill(); err != nil {
		return nil, nil, err
	}
	connectAttemptsTotal.Inc()
	c, err := connect(ctx, config)
	if err != nil {
		phase, _ := coreErrs.PhaseOf(err)
		connectFailuresTotal.WithLabelValues(string(phase)).Inc()
		return nil, nil, err
	}
	tunnelUp.Set(1)
	info := c.info
	return c, &info, nil
}

type clientImpl struct {
	config *Config
	logger *zap.Logger

	ctrl *pptp.Control
	gre  *gre.Transport
	neg  *pppclient.Negotiator
	io   *packet.QueueIO
	info TunnelInfo

	cancel context.CancelFunc

	errMu     sync.Mutex
	err       error
	closed    chan struct{}
	closeOnce sync.Once
}

func connect(ctx context.Context, config *Config) (*clientImpl, error) {
	logger := config.Logger

	t, err := gre.InitWith(ctx, config.Server, config.Port, config.ListenGRE, logger.Named("gre"))
	if err != nil {
		if errors.Is(err, gre.ErrResolve) {
			return nil, coreErrs.PhaseError{Phase: coreErrs.PhaseResolve, Err: err}
		}
		return nil, coreErrs.PhaseError{Phase: coreErrs.PhaseGRE, Err: err}
	}
	serverIP := t.Peer()

	ctrl, err := pptp.DialHost(ctx, serverIP.String(), config.Port, config.pptpConfig(), logger.Named("pptp"))
	if err != nil {
		t.Close()
		return nil, coreErrs.PhaseError{Phase: coreErrs.PhaseControlConnection, Err: err}
	}
	fail := func(phase coreErrs.Phase, err error) (*clientImpl, error) {
		ctrl.Close()
		t.Close()
		return nil, coreErrs.PhaseError{Phase: phase, Err: err}
	}
	if err := ctrl.StartControlConnection(); err != nil {
		return fail(coreErrs.PhaseControlConnection, err)
	}
	if err := ctrl.OutgoingCall(); err != nil {
		return fail(coreErrs.PhaseOutgoingCall, err)
	}
	if err := ctrl.SetLinkInfo(); err != nil {
		return fail(coreErrs.PhaseLinkInfo, err)
	}
	logger.Info("PPTP call established",
		zap.Stringer("server", serverIP),
		zap.Uint16("callID", ctrl.CallID()),
		zap.Uint16("peerCallID", ctrl.PeerCallID()))

	t.SetCallID(ctrl.PeerCallID())
	neg := pppclient.New(t, config.pppConfig(), logger.Named("ppp"))
	t.SetHandler(neg.HandleFrame)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &clientImpl{
		config: config,
		logger: logger,
		ctrl:   ctrl,
		gre:    t,
		neg:    neg,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	c.io = packet.NewQueueIO(func(pkt []byte) error {
		_, err := c.WritePacket(pkt)
		return err
	}, config.QueueLen)

	ctrl.Start()
	greErr := make(chan error, 1)
	go func() { greErr <- t.Run(runCtx) }()

	// The control connection or the GRE channel dying aborts negotiation.
	negCtx, negCancel := context.WithCancel(ctx)
	defer negCancel()
	var linkErr error
	var linkMu sync.Mutex
	go func() {
		var err error
		select {
		case <-ctrl.Done():
			err = fmt.Errorf("control connection lost: %w", ctrl.Err())
		case err = <-greErr:
			greErr <- err
		case <-negCtx.Done():
			return
		}
		linkMu.Lock()
		linkErr = err
		linkMu.Unlock()
		negCancel()
	}()

	res, err := neg.Negotiate(negCtx)
	if err != nil {
		linkMu.Lock()
		if linkErr != nil {
			phase, _ := coreErrs.PhaseOf(err)
			err = coreErrs.PhaseError{Phase: phase, Err: linkErr}
		}
		linkMu.Unlock()
		c.closeWith(nil)
		return nil, err
	}

	c.info = TunnelInfo{
		ServerIP:   serverIP,
		CallID:     ctrl.CallID(),
		PeerCallID: ctrl.PeerCallID(),
		LocalIP:    res.LocalIP,
		RemoteIP:   res.RemoteIP,
		Netmask:    res.Netmask,
		PeerMRU:    res.PeerMRU,
		Auth:       res.AuthName(),
		Verified:   res.Verified,
	}
	neg.SetDeliver(c.deliver)
	go c.tickLoop(runCtx, greErr)
	logger.Info("tunnel up",
		zap.Stringer("local", res.LocalIP),
		zap.Stringer("remote", res.RemoteIP),
		zap.String("auth", c.info.Auth))
	return c, nil
}

// tickLoop flushes pending GRE acknowledgments once a second and watches
// both halves of the tunnel.
func (c *clientImpl) tickLoop(ctx context.Context, greErr <-chan error) {
	ticker := time.NewTicker(ackInterval)
	defer ticker.Stop()
	var reported uint64
	for {
		select {
		case <-ticker.C:
			if _, err := c.gre.WriteAck(); err != nil {
				c.closeWith(fmt.Errorf("write GRE ack: %w", err))
				return
			}
			if d := c.gre.Dropped(); d > reported {
				greDroppedTotal.Add(float64(d - reported))
				reported = d
			}
		case <-c.ctrl.Done():
			c.closeWith(fmt.Errorf("control connection lost: %w", c.ctrl.Err()))
			return
		case err := <-greErr:
			if err == nil {
				err = gre.ErrClosed
			}
			c.closeWith(err)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *clientImpl) deliver(pkt []byte) {
	packetsTotal.WithLabelValues(dirIn).Inc()
	bytesTotal.WithLabelValues(dirIn).Add(float64(len(pkt)))
	if !c.io.Deliver(pkt) {
		if ce := c.logger.Check(zap.DebugLevel, "inbound packet dropped, queue full"); ce != nil {
			ce.Write(zap.Int("bytes", len(pkt)))
		}
	}
}

func (c *clientImpl) WritePacket(pkt []byte) (bool, error) {
	select {
	case <-c.closed:
		return false, coreErrs.ClosedError{Err: c.Err()}
	default:
	}
	flow, err := packet.Classify(pkt)
	if err != nil {
		packetsFilteredTotal.WithLabelValues("not_ipv4").Inc()
		return false, nil
	}
	if flow.IsGRE() {
		packetsFilteredTotal.WithLabelValues("gre").Inc()
		if ce := c.logger.Check(zap.DebugLevel, "not tunneling GRE packet"); ce != nil {
			ce.Write(zap.Stringer("flow", flow))
		}
		return false, nil
	}
	if _, err := c.gre.Write(pppclient.EncapsulateIPv4(pkt)); err != nil {
		if errors.Is(err, gre.ErrFrameTooLarge) {
			packetsFilteredTotal.WithLabelValues("too_large").Inc()
			return false, nil
		}
		return false, err
	}
	packetsTotal.WithLabelValues(dirOut).Inc()
	bytesTotal.WithLabelValues(dirOut).Add(float64(len(pkt)))
	return true, nil
}

func (c *clientImpl) PacketIO() corePPP.PacketIO {
	return c.io
}

func (c *clientImpl) Info() *TunnelInfo {
	info := c.info
	return &info
}

func (c *clientImpl) RemoteAddr() net.Addr {
	return &net.IPAddr{IP: c.info.ServerIP}
}

func (c *clientImpl) Done() <-chan struct{} {
	return c.closed
}

func (c *clientImpl) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *clientImpl) Close() error {
	c.closeWith(nil)
	return nil
}

// closeWith tears the tunnel down once. err is nil for a local close.
func (c *clientImpl) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		if err != nil {
			c.logger.Warn("tunnel down", zap.Error(err))
		}
		c.cancel()
		c.ctrl.Close()
		c.gre.Close()
		if c.io != nil {
			_ = c.io.Close()
		}
		close(c.closed)
		if c.neg.Ready() {
			tunnelUp.Set(0)
		}
	})
}
