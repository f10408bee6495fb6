package tunbridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"

	coreErrs "github.com/sun89/VpnTcpProxy/core/errors"
	"github.com/sun89/VpnTcpProxy/core/ppp"

	"go.uber.org/zap"
)

var ErrUnsupported = errors.New("tunbridge: TUN devices are only supported on Linux")

const hexHeadMax = 64

func hexHead(b []byte) string {
	if len(b) <= hexHeadMax {
		return hex.EncodeToString(b)
	}
	return fmt.Sprintf("%s...(%d total)", hex.EncodeToString(b[:hexHeadMax]), len(b))
}

// Tunnel is the side of an established tunnel the bridge needs.
// client.Client satisfies it.
type Tunnel interface {
	PacketIO() ppp.PacketIO
	Done() <-chan struct{}
}

// Addressing is what the device is configured with.
type Addressing struct {
	LocalIP  net.IP
	RemoteIP net.IP
	ServerIP net.IP // pinned through the pre-tunnel gateway
	PeerMRU  uint16 // negotiated; caps the device MTU when set
}

// Device is an open TUN interface.
type Device interface {
	io.ReadWriteCloser
	Name() string
}

// Bridge moves IPv4 packets between a TUN device and a tunnel.
type Bridge struct {
	Name         string // device name, empty lets the kernel pick
	MTU          int    // 0 derives it from the WAN MTU
	ServerRoute  bool   // pin a host route to the server before routing through the tunnel
	DefaultRoute bool   // send all traffic through the tunnel
	Logger       *zap.Logger

	// OpenDevice replaces the platform TUN device in tests.
	OpenDevice func(b *Bridge, addr Addressing) (Device, func(), error)
}

// Run configures the device and pumps packets until the tunnel goes down,
// the device fails or ctx is done. Routes and the device are removed on
// return.
func (b *Bridge) Run(ctx context.Context, t Tunnel, addr Addressing) error {
	if b.Logger == nil {
		b.Logger = zap.NewNop()
	}
	if b.MTU == 0 {
		b.MTU = AutoMTU(addr.ServerIP)
	}
	if addr.PeerMRU > 0 && b.MTU > int(addr.PeerMRU) {
		b.Logger.Info("clamping TUN MTU to peer MRU",
			zap.Int("mtu", b.MTU),
			zap.Uint16("peerMRU", addr.PeerMRU))
		b.MTU = int(addr.PeerMRU)
	}
	open := b.OpenDevice
	if open == nil {
		open = openPlatformDevice
	}
	dev, cleanup, err := open(b, addr)
	if err != nil {
		return err
	}
	defer cleanup()
	b.Logger.Info("TUN device up",
		zap.String("name", dev.Name()),
		zap.Int("mtu", b.MTU),
		zap.Stringer("local", addr.LocalIP),
		zap.Stringer("peer", addr.RemoteIP))

	pio := t.PacketIO()
	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, b.MTU+ipv4Header)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				errCh <- fmt.Errorf("read %s: %w", dev.Name(), err)
				return
			}
			if ce := b.Logger.Check(zap.DebugLevel, "TX tun->tunnel"); ce != nil {
				ce.Write(zap.Int("bytes", n), zap.String("hex", hexHead(buf[:n])))
			}
			if err := pio.SendPacket(buf[:n]); err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			pkt, err := pio.ReceivePacket()
			if err != nil {
				errCh <- err
				return
			}
			if ce := b.Logger.Check(zap.DebugLevel, "RX tunnel->tun"); ce != nil {
				ce.Write(zap.Int("bytes", len(pkt)), zap.String("hex", hexHead(pkt)))
			}
			if _, err := dev.Write(pkt); err != nil {
				errCh <- fmt.Errorf("write %s: %w", dev.Name(), err)
				return
			}
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		var closed coreErrs.ClosedError
		if errors.Is(runErr, io.EOF) || errors.As(runErr, &closed) {
			runErr = nil
		}
	case <-t.Done():
	case <-ctx.Done():
		runErr = ctx.Err()
	}
	_ = dev.Close()
	return runErr
}
