package pppclient

import (
	"context"
	"net"

	coreErrs "github.com/sun89/VpnTcpProxy/core/errors"
	"github.com/sun89/VpnTcpProxy/extras/gre"

	"go.uber.org/zap"
)

// handleCBCP answers a Callback-Request with a Response carrying the same
// options. A Callback-Ack ends the phase.
func (n *Negotiator) handleCBCP(payload []byte) gre.Reply {
	code, _, body, ok := splitPacket(payload)
	if !ok {
		return gre.Ignore()
	}
	switch code {
	case cbcpRequest:
		reply := append([]byte(nil), payload[:4+len(body)]...)
		reply[0] = cbcpResponse
		n.logger.Debug("CBCP: answering Callback-Request", zap.String("options", hexHead(body)))
		return gre.Echo(makePPPFrame(ProtoCBCP, reply))
	case cbcpAck:
		n.mu.Lock()
		n.st.cbcpDone = true
		n.notifyLocked()
		n.mu.Unlock()
		n.logger.Debug("CBCP: Callback-Ack")
		return gre.NoReply()
	}
	return gre.Ignore()
}

// ipAddressOption returns the IP-Address option of an IPCP packet, or nil
// when it is missing or 0.0.0.0.
func ipAddressOption(body []byte) net.IP {
	opts, _ := parseOptions(body)
	for _, o := range opts {
		if o.Type == ipcpOptIPAddress && len(o.Data) == 4 {
			ip := net.IPv4(o.Data[0], o.Data[1], o.Data[2], o.Data[3]).To4()
			if ip.IsUnspecified() {
				return nil
			}
			return ip
		}
	}
	return nil
}

// handleIPCP records the server address from its Configure-Request and
// ours from its Configure-Ack. Both are acknowledged. A Nak carries the
// address we should request, so it is sent back as a new request.
func (n *Negotiator) handleIPCP(payload []byte) gre.Reply {
	code, id, body, ok := splitPacket(payload)
	if !ok {
		return gre.Ignore()
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	switch code {
	case codeConfigRequest, codeConfigAck:
		if ip := ipAddressOption(body); ip != nil {
			if code == codeConfigRequest {
				n.st.remoteIP = ip
				n.logger.Debug("IPCP: server address", zap.Stringer("ip", ip))
			} else {
				n.st.localIP = ip
				n.logger.Debug("IPCP: local address", zap.Stringer("ip", ip))
			}
			n.notifyLocked()
		}
		return gre.Echo(makePPPFrame(ProtoIPCP, buildLCPPacket(codeConfigAck, id, body)))

	case codeConfigNak:
		n.logger.Debug("IPCP: Nak, requesting suggested address", zap.String("options", hexHead(body)))
		return gre.Echo(makePPPFrame(ProtoIPCP, buildLCPPacket(codeConfigRequest, id+1, body)))

	case codeConfigReject:
		n.logger.Warn("IPCP: server rejected options", zap.String("options", hexHead(body)))
		return gre.NoReply()

	case codeTermRequest:
		n.failLocked(ErrTerminated)
		return gre.Echo(makePPPFrame(ProtoIPCP, buildLCPPacket(codeTermAck, id, nil)))
	}
	return gre.NoReply()
}

// runIPCP waits for the server's address, requests 0.0.0.0 for ourselves
// and waits for the server to assign one.
func (n *Negotiator) runIPCP(ctx context.Context) error {
	err := n.wait(ctx, coreErrs.PhaseIPCP, n.config.PhaseTimeout, func(s *state) bool { return s.remoteIP != nil })
	if err != nil {
		return err
	}
	req := []byte{ipcpOptIPAddress, 6, 0, 0, 0, 0}
	n.logger.Debug("IPCP: sending Configure-Request")
	if err := n.send(makePPPFrame(ProtoIPCP, buildLCPPacket(codeConfigRequest, 0, req))); err != nil {
		return coreErrs.PhaseError{Phase: coreErrs.PhaseIPCP, Err: err}
	}
	return n.wait(ctx, coreErrs.PhaseIPCP, n.config.PhaseTimeout, func(s *state) bool { return s.localIP != nil })
}
