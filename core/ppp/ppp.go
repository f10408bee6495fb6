package ppp

// PacketIO carries IPv4 packets between a negotiated tunnel and the local
// IP stack. SendPacket goes into the tunnel, ReceivePacket blocks for the
// next packet that came out of it.
type PacketIO interface {
	SendPacket(pkt []byte) error
	ReceivePacket() ([]byte, error)
	Close() error
}
