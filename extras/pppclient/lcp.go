package pppclient

import (
	"encoding/binary"
	"math/rand"

	"github.com/sun89/VpnTcpProxy/extras/gre"

	"go.uber.org/zap"
)

const minMRU = 576

func supportedChap(alg uint8) bool {
	return alg == ChapMD5 || alg == ChapMSCHAPv1 || alg == ChapMSCHAPv2
}

func (n *Negotiator) lcpRequestFrame() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lcpRequestLocked()
}

// lcpRequestLocked builds our Configure-Request from the options the peer
// has not rejected: MRU, Magic-Number and Callback (CBCP).
func (n *Negotiator) lcpRequestLocked() []byte {
	s := &n.st
	var opts []byte
	if s.sendMRU {
		opts = appendUint16Option(opts, lcpOptMRU, s.mru)
	}
	if s.sendMagic {
		opts = appendUint32Option(opts, lcpOptMagicNumber, s.magic)
	}
	if s.sendCallback {
		opts = append(opts, lcpOptCallback, 3, callbackCBCP)
	}
	s.peerAcked = false
	return makePPPFrame(ProtoLCP, buildLCPPacket(codeConfigRequest, s.lcpID, opts))
}

func (n *Negotiator) handleLCP(payload []byte) gre.Reply {
	code, id, body, ok := splitPacket(payload)
	if !ok {
		return gre.Ignore()
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	switch code {
	case codeConfigRequest:
		return n.peerConfigRequestLocked(id, body)

	case codeConfigAck:
		if id != n.st.lcpID {
			n.logger.Debug("LCP: stale Configure-Ack", zap.Uint8("id", id), zap.Uint8("want", n.st.lcpID))
			return gre.NoReply()
		}
		n.st.peerAcked = true
		n.notifyLocked()
		return gre.NoReply()

	case codeConfigNak:
		if id != n.st.lcpID {
			return gre.NoReply()
		}
		n.applyNakLocked(body)
		n.st.lcpID++
		return gre.Echo(n.lcpRequestLocked())

	case codeConfigReject:
		if id != n.st.lcpID {
			return gre.NoReply()
		}
		n.applyRejectLocked(body)
		n.st.lcpID++
		return gre.Echo(n.lcpRequestLocked())

	case codeTermRequest:
		n.logger.Warn("LCP: peer sent Terminate-Request", zap.String("data", hexHead(body)))
		n.failLocked(ErrTerminated)
		return gre.Echo(makePPPFrame(ProtoLCP, buildLCPPacket(codeTermAck, id, nil)))

	case codeEchoRequest:
		reply := buildLCPPacket(codeEchoReply, id, body)
		if len(reply) >= 8 {
			// zero once the peer has rejected Magic-Number
			var magic uint32
			if n.st.sendMagic {
				magic = n.st.magic
			}
			binary.BigEndian.PutUint32(reply[4:8], magic)
		}
		return gre.Echo(makePPPFrame(ProtoLCP, reply))

	case codeProtoReject:
		if len(body) >= 2 {
			n.logger.Debug("LCP: peer rejected protocol",
				zap.Uint16("proto", binary.BigEndian.Uint16(body[0:2])))
		}
		return gre.NoReply()

	case codeTermAck, codeCodeReject, codeEchoReply:
		return gre.NoReply()
	}
	n.logger.Debug("LCP: unhandled code", zap.Uint8("code", code))
	return gre.NoReply()
}

// peerConfigRequestLocked checks the server's Configure-Request. It is
// acked unless an MRU is too large, the authentication protocol is not
// one we speak, or an option is malformed.
func (n *Negotiator) peerConfigRequestLocked(id uint8, body []byte) gre.Reply {
	opts, bad := parseOptions(body)
	var (
		nak       []byte
		mru       uint16
		authProto uint16
		chapAlg   uint8
	)
	for _, o := range opts {
		switch o.Type {
		case lcpOptMRU:
			if len(o.Data) != 2 {
				bad = true
				continue
			}
			mru = binary.BigEndian.Uint16(o.Data)
			if mru > n.config.MaxPeerMRU {
				nak = appendUint16Option(nak, lcpOptMRU, n.config.MaxPeerMRU)
			}
		case lcpOptAuthProtocol:
			if len(o.Data) < 2 {
				bad = true
				continue
			}
			p := binary.BigEndian.Uint16(o.Data)
			switch {
			case p == ProtoPAP:
				authProto = p
			case p == ProtoCHAP && len(o.Data) == 3 && supportedChap(o.Data[2]):
				authProto, chapAlg = p, o.Data[2]
			default:
				nak = append(nak, lcpOptAuthProtocol, 5, byte(ProtoCHAP>>8), byte(ProtoCHAP&0xFF), ChapMSCHAPv2)
			}
		case lcpOptMagicNumber:
			if len(o.Data) != 4 {
				bad = true
				continue
			}
			if n.st.sendMagic && binary.BigEndian.Uint32(o.Data) == n.st.magic {
				n.logger.Warn("LCP: peer magic equals ours, link may be looped back")
			}
		default:
			n.logger.Debug("LCP: accepting unknown option", zap.Uint8("type", o.Type), zap.Int("len", len(o.Raw)))
		}
	}

	if len(nak) > 0 || bad {
		if len(nak) == 0 {
			nak = body
		}
		n.logger.Debug("LCP: Nak peer Configure-Request", zap.String("options", hexHead(nak)))
		return gre.Echo(makePPPFrame(ProtoLCP, buildLCPPacket(codeConfigNak, id, nak)))
	}

	if !n.st.authFixed {
		n.st.authProto, n.st.chapAlg = authProto, chapAlg
	}
	if mru == 0 {
		mru = 1500
	}
	n.st.peerMRU = mru
	n.st.weAcked = true
	n.notifyLocked()
	n.logger.Debug("LCP: Ack peer Configure-Request",
		zap.Uint16("mru", mru),
		zap.String("auth", authName(authProto, chapAlg)))
	return gre.Echo(makePPPFrame(ProtoLCP, buildLCPPacket(codeConfigAck, id, body)))
}

// applyNakLocked adopts the values the peer suggested for our options.
func (n *Negotiator) applyNakLocked(body []byte) {
	opts, _ := parseOptions(body)
	for _, o := range opts {
		switch o.Type {
		case lcpOptMRU:
			if len(o.Data) == 2 {
				if v := binary.BigEndian.Uint16(o.Data); v >= minMRU {
					n.st.mru = v
				}
			}
		case lcpOptMagicNumber:
			n.st.magic = rand.Uint32() | 1
		case lcpOptCallback:
			n.st.sendCallback = false
		}
	}
	n.logger.Debug("LCP: peer Nak'd our request",
		zap.Uint16("mru", n.st.mru),
		zap.Bool("callback", n.st.sendCallback))
}

// applyRejectLocked stops sending the options the peer rejected. A
// rejected callback option also means there will be no CBCP phase.
func (n *Negotiator) applyRejectLocked(body []byte) {
	opts, _ := parseOptions(body)
	for _, o := range opts {
		switch o.Type {
		case lcpOptMRU:
			n.st.sendMRU = false
		case lcpOptMagicNumber:
			n.st.sendMagic = false
		case lcpOptCallback:
			n.st.sendCallback = false
		}
	}
	n.logger.Debug("LCP: peer rejected options", zap.String("options", hexHead(body)))
}

// rejectProtocol answers a control protocol this client does not run
// with an LCP Protocol-Reject.
func (n *Negotiator) rejectProtocol(proto uint16, payload []byte) gre.Reply {
	code, id, _, ok := splitPacket(payload)
	if !ok || code != codeConfigRequest {
		return gre.AckOnly()
	}
	n.mu.Lock()
	if proto == ProtoMPLSCP {
		n.st.mplsID = int(id)
	}
	n.lcpEchoID++
	rejID := n.lcpEchoID
	maxData := int(n.st.peerMRU) - 6
	n.mu.Unlock()

	if maxData <= 0 {
		maxData = DefaultMRU - 6
	}
	if len(payload) > maxData {
		payload = payload[:maxData]
	}
	data := make([]byte, 2, 2+len(payload))
	binary.BigEndian.PutUint16(data, proto)
	data = append(data, payload...)
	n.logger.Debug("rejecting protocol", zap.Uint16("proto", proto), zap.Uint8("id", id))
	return gre.Echo(makePPPFrame(ProtoLCP, buildLCPPacket(codeProtoReject, rejID, data)))
}
