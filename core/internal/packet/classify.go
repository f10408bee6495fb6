package packet

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var ErrNotIPv4 = errors.New("packet: not an IPv4 packet")

// Flow is the 5-tuple of an outbound packet, used for filtering and
// debug logging.
type Flow struct {
	Src, Dst net.IP
	Proto    layers.IPProtocol
	SrcPort  uint16
	DstPort  uint16
}

// Classify decodes the IPv4 header of pkt and, for TCP and UDP, the ports.
func Classify(pkt []byte) (Flow, error) {
	if len(pkt) == 0 || pkt[0]>>4 != 4 {
		return Flow{}, ErrNotIPv4
	}
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
		return Flow{}, fmt.Errorf("%w: %v", ErrNotIPv4, err)
	}
	f := Flow{Src: ip.SrcIP, Dst: ip.DstIP, Proto: ip.Protocol}
	switch ip.Protocol {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		// ports are the first four bytes of both headers
		if len(ip.Payload) >= 4 && ip.FragOffset == 0 {
			f.SrcPort = uint16(ip.Payload[0])<<8 | uint16(ip.Payload[1])
			f.DstPort = uint16(ip.Payload[2])<<8 | uint16(ip.Payload[3])
		}
	}
	return f, nil
}

// IsGRE reports whether the packet is itself GRE. Tunneling those would
// loop the tunnel's own traffic back into it.
func (f Flow) IsGRE() bool {
	return f.Proto == layers.IPProtocolGRE
}

func (f Flow) String() string {
	if f.SrcPort != 0 || f.DstPort != 0 {
		return fmt.Sprintf("%s %s:%d -> %s:%d", f.Proto, f.Src, f.SrcPort, f.Dst, f.DstPort)
	}
	return fmt.Sprintf("%s %s -> %s", f.Proto, f.Src, f.Dst)
}
