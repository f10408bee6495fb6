//go:build linux

package tunbridge

import (
	"net"
	"syscall"

	"github.com/sagernet/netlink"
	"go.uber.org/zap"
)

type routeState struct {
	logger    *zap.Logger
	hostRoute *netlink.Route
	ipString  string
	gwStr     string
	added     bool
}

// ApplyRoutes creates the server host route. Called once the TUN device is up.
func (s *routeState) ApplyRoutes() {
	logRouteTable(s.logger)

	err := netlink.RouteAdd(s.hostRoute)
	if err != nil && err != syscall.EEXIST {
		s.logger.Warn("failed to add server route",
			zap.String("serverIP", s.ipString),
			zap.Error(err))
		return
	}
	s.added = true
	s.logger.Info("added server route",
		zap.String("serverIP", s.ipString),
		zap.String("gateway", s.gwStr),
		zap.Int("ifIndex", s.hostRoute.LinkIndex))
}

func (s *routeState) Cleanup() {
	if !s.added {
		return
	}
	if err := netlink.RouteDel(s.hostRoute); err != nil {
		s.logger.Warn("failed to remove server route",
			zap.String("serverIP", s.ipString),
			zap.Error(err))
		return
	}
	s.logger.Info("removed server route", zap.String("serverIP", s.ipString))
}

// captureRouteState snapshots the current route to the PPTP server so the
// control and GRE traffic keeps using the WAN once the tunnel takes over.
// No routes are created here.
func captureRouteState(serverIP net.IP, logger *zap.Logger) *routeState {
	serverIP = serverIP.To4()
	if serverIP == nil || serverIP.IsLoopback() || serverIP.IsUnspecified() {
		logger.Warn("server IP is not a routable IPv4 address, skipping route pin",
			zap.Stringer("ip", serverIP))
		return nil
	}

	routes, err := netlink.RouteGet(serverIP)
	if err != nil || len(routes) == 0 {
		logger.Warn("failed to query route for server",
			zap.Stringer("serverIP", serverIP),
			zap.Error(err))
		return nil
	}
	if routes[0].Gw == nil {
		logger.Debug("server is directly connected, skipping route pin",
			zap.Stringer("serverIP", serverIP))
		return nil
	}

	rs := &routeState{
		logger: logger,
		hostRoute: &netlink.Route{
			Dst:       &net.IPNet{IP: serverIP, Mask: net.CIDRMask(32, 32)},
			Gw:        routes[0].Gw,
			LinkIndex: routes[0].LinkIndex,
		},
		ipString: serverIP.String(),
		gwStr:    routes[0].Gw.String(),
	}
	logger.Info("captured route state for server",
		zap.String("serverIP", rs.ipString),
		zap.String("gateway", rs.gwStr),
		zap.Int("ifIndex", routes[0].LinkIndex))
	return rs
}

func logRouteTable(logger *zap.Logger) {
	if ce := logger.Check(zap.DebugLevel, "routing table dump"); ce == nil {
		return
	}
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		logger.Debug("failed to list routes", zap.Error(err))
		return
	}
	for _, r := range routes {
		dst := "<default>"
		if r.Dst != nil {
			dst = r.Dst.String()
		}
		gw := "<none>"
		if r.Gw != nil {
			gw = r.Gw.String()
		}
		logger.Debug("route",
			zap.String("dst", dst),
			zap.String("gw", gw),
			zap.Int("ifIndex", r.LinkIndex),
			zap.Int("priority", r.Priority))
	}
}
