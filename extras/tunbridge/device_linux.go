//go:build linux

package tunbridge

import (
	"fmt"
	"net"
	"syscall"

	"github.com/sagernet/netlink"
	"github.com/songgao/water"
	"go.uber.org/zap"
)

// Two /1 routes cover the whole IPv4 space without replacing the
// existing default route.
var defaultHalves = []*net.IPNet{
	{IP: net.IPv4(0, 0, 0, 0).To4(), Mask: net.CIDRMask(1, 32)},
	{IP: net.IPv4(128, 0, 0, 0).To4(), Mask: net.CIDRMask(1, 32)},
}

func openPlatformDevice(b *Bridge, addr Addressing) (Device, func(), error) {
	// The server route has to be captured before anything points into
	// the tunnel.
	var rs *routeState
	if b.ServerRoute && addr.ServerIP != nil {
		rs = captureRouteState(addr.ServerIP, b.Logger)
	}

	ifce, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: b.Name},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create TUN device: %w", err)
	}
	link, err := netlink.LinkByName(ifce.Name())
	if err != nil {
		ifce.Close()
		return nil, nil, fmt.Errorf("find link %s: %w", ifce.Name(), err)
	}

	local := &net.IPNet{IP: addr.LocalIP.To4(), Mask: net.CIDRMask(32, 32)}
	a := &netlink.Addr{IPNet: local}
	if addr.RemoteIP != nil {
		a.Peer = &net.IPNet{IP: addr.RemoteIP.To4(), Mask: net.CIDRMask(32, 32)}
	}
	steps := []struct {
		what string
		fn   func() error
	}{
		{"assign address", func() error { return netlink.AddrAdd(link, a) }},
		{"set MTU", func() error { return netlink.LinkSetMTU(link, b.MTU) }},
		{"bring link up", func() error { return netlink.LinkSetUp(link) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			ifce.Close()
			return nil, nil, fmt.Errorf("%s on %s: %w", s.what, ifce.Name(), err)
		}
	}

	if rs != nil {
		rs.ApplyRoutes()
	}
	var added []*netlink.Route
	if b.DefaultRoute {
		for _, dst := range defaultHalves {
			r := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
			if err := netlink.RouteAdd(r); err != nil && err != syscall.EEXIST {
				b.Logger.Warn("failed to add tunnel route",
					zap.Stringer("dst", dst),
					zap.Error(err))
				continue
			}
			added = append(added, r)
		}
		b.Logger.Info("default route through tunnel", zap.String("dev", ifce.Name()))
	}

	cleanup := func() {
		for _, r := range added {
			_ = netlink.RouteDel(r)
		}
		if rs != nil {
			rs.Cleanup()
		}
		_ = ifce.Close()
	}
	return ifce, cleanup, nil
}
