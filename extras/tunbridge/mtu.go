package tunbridge

import (
	"errors"
	"net"
)

// PPTP tunnel MTU overhead breakdown:
//
//   WAN frame (e.g. 1500 bytes Ethernet)
//    |- Outer IPv4 header:          20 B
//    |- Enhanced GRE header:        16 B (with sequence and ack)
//    |- PPP header (FF 03 + proto):  4 B
//    '- Inner IP packet:            <-- this is the tunnel MTU
//
//   Tunnel MTU = WAN MTU - 40, clamped to [576, 1500]

const (
	ipv4Header  = 20
	greHeader   = 16
	pppHeader   = 4
	overhead    = ipv4Header + greHeader + pppHeader
	minTunMTU   = 576
	maxTunMTU   = 1500
	fallbackWAN = 1500
)

// CalculateMTU computes the tunnel MTU for the given WAN interface MTU.
func CalculateMTU(wanMTU int) int {
	mtu := wanMTU - overhead
	if mtu < minTunMTU {
		mtu = minTunMTU
	}
	if mtu > maxTunMTU {
		mtu = maxTunMTU
	}
	return mtu
}

// DetectWANMTU determines the MTU of the network interface that would be
// used to reach serverIP, by performing a UDP dial (no data sent) and
// looking up the outbound interface.
func DetectWANMTU(serverIP net.IP) (int, error) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: serverIP, Port: 1723})
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)

	interfaces, err := net.Interfaces()
	if err != nil {
		return 0, err
	}
	for _, iface := range interfaces {
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(localAddr.IP) {
				return iface.MTU, nil
			}
		}
	}
	return 0, errors.New("default interface not found")
}

// AutoMTU detects the WAN MTU towards serverIP and derives the tunnel MTU,
// assuming a 1500 byte WAN when detection fails.
func AutoMTU(serverIP net.IP) int {
	wanMTU := fallbackWAN
	if serverIP != nil {
		if detected, err := DetectWANMTU(serverIP); err == nil {
			wanMTU = detected
		}
	}
	return CalculateMTU(wanMTU)
}
