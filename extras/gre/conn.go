package gre

import (
	"net"

	"golang.org/x/net/ipv4"
)

const (
	ipProtocolGRE = 47
	defaultTTL    = 64
)

// PacketConn is the raw IP protocol-47 channel under a Transport.
type PacketConn interface {
	// ReadPacket reads one IPv4 datagram, IP header included.
	ReadPacket(b []byte) (int, error)
	// WritePacket sends one GRE frame to dst. The IPv4 header is added by
	// the channel.
	WritePacket(frame []byte, dst net.IP) (int, error)
	Close() error
}

type rawConn struct {
	pc net.PacketConn
	rc *ipv4.RawConn
}

// ListenRaw opens a raw IPv4 socket for protocol 47 bound to all local
// addresses. It needs CAP_NET_RAW.
func ListenRaw() (PacketConn, error) {
	pc, err := net.ListenPacket("ip4:47", "0.0.0.0")
	if err != nil {
		return nil, err
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return &rawConn{pc: pc, rc: rc}, nil
}

func (c *rawConn) ReadPacket(b []byte) (int, error) {
	h, p, _, err := c.rc.ReadFrom(b)
	if err != nil {
		return 0, err
	}
	return h.Len + len(p), nil
}

func (c *rawConn) WritePacket(frame []byte, dst net.IP) (int, error) {
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(frame),
		TTL:      defaultTTL,
		Protocol: ipProtocolGRE,
		Dst:      dst,
	}
	if err := c.rc.WriteTo(h, frame, nil); err != nil {
		return 0, err
	}
	return len(frame), nil
}

func (c *rawConn) Close() error {
	return c.rc.Close()
}
