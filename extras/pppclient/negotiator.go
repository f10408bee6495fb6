package pppclient

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	coreErrs "github.com/sun89/VpnTcpProxy/core/errors"
	"github.com/sun89/VpnTcpProxy/extras/gre"
	"github.com/sun89/VpnTcpProxy/extras/mschap"

	"go.uber.org/zap"
)

const (
	DefaultMRU          = 1400
	DefaultMaxPeerMRU   = 1450
	DefaultLCPTimeout   = 5 * time.Second
	DefaultPhaseTimeout = 10 * time.Second
)

var (
	ErrTerminated      = errors.New("ppp: peer terminated the link")
	ErrAuthFailed      = errors.New("ppp: authentication failed")
	ErrAuthUnknown     = errors.New("ppp: unsupported authentication protocol")
	ErrAuthenticator   = errors.New("ppp: server authenticator response mismatch")
	ErrCredentialField = errors.New("ppp: PAP user name and password must fit in 255 bytes")
)

// FrameWriter sends one PPP frame over the tunnel.
// *gre.Transport implements it.
type FrameWriter interface {
	Write(frame []byte) (int, error)
}

// Config holds the credentials and tunables of one negotiation.
type Config struct {
	Username string
	Password string

	MRU        uint16 // advertised in our Configure-Request
	MaxPeerMRU uint16 // larger peer MRUs are Nak'd
	Magic      uint32 // 0 picks a random one

	LCPTimeout   time.Duration
	PhaseTimeout time.Duration // auth, CBCP and IPCP
}

func (c *Config) fill() {
	if c.MRU == 0 {
		c.MRU = DefaultMRU
	}
	if c.MaxPeerMRU == 0 {
		c.MaxPeerMRU = DefaultMaxPeerMRU
	}
	if c.Magic == 0 {
		c.Magic = rand.Uint32() | 1
	}
	if c.LCPTimeout <= 0 {
		c.LCPTimeout = DefaultLCPTimeout
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = DefaultPhaseTimeout
	}
}

// Result is the outcome of a successful negotiation.
type Result struct {
	AuthProtocol  uint16 // 0 when the server asked for none
	ChapAlgorithm uint8
	Verified      bool // MS-CHAPv2 server authenticator checked
	PeerMRU       uint16
	LocalIP       net.IP
	RemoteIP      net.IP
	Netmask       net.IPMask
}

// AuthName is a printable name of the negotiated authentication.
func (r *Result) AuthName() string {
	return authName(r.AuthProtocol, r.ChapAlgorithm)
}

func authName(proto uint16, alg uint8) string {
	switch proto {
	case 0:
		return "none"
	case ProtoPAP:
		return "PAP"
	case ProtoCHAP:
		switch alg {
		case ChapMD5:
			return "CHAP-MD5"
		case ChapMSCHAPv1:
			return "MS-CHAPv1"
		case ChapMSCHAPv2:
			return "MS-CHAPv2"
		}
		return "CHAP"
	}
	return "unknown"
}

// state is the negotiation progress shared between the receive path and
// Negotiate. Phase flags only ever go from false to true.
type state struct {
	// LCP
	lcpID        uint8 // id of our outstanding Configure-Request
	sendMRU      bool
	sendMagic    bool
	sendCallback bool
	mru          uint16
	magic        uint32
	weAcked      bool // we acked the peer's Configure-Request
	peerAcked    bool // the peer acked ours
	peerMRU      uint16
	authProto    uint16
	chapAlg      uint8
	authFixed    bool

	// PAP
	papDone bool
	papOK   bool

	// CHAP
	chapID        uint8
	chapChallenge []byte
	chapSeq       int // bumped on every new challenge
	chapDone      bool
	chapOK        bool
	chapMessage   []byte

	// CBCP
	cbcpDone bool

	// IPCP
	remoteIP net.IP
	localIP  net.IP

	mplsID int // -1 until the peer starts MPLSCP

	ready bool
	fail  error
}

func (s *state) lcpOpen() bool { return s.weAcked && s.peerAcked }

// Negotiator drives one PPP link from LCP to IPCP. Inbound frames come in
// through HandleFrame; Negotiate runs the phases and blocks until the link
// is ready or fails.
type Negotiator struct {
	w      FrameWriter
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	st      state
	changed chan struct{}
	deliver func([]byte)

	lcpEchoID uint8
}

// New creates a negotiator that writes frames with w.
func New(w FrameWriter, config Config, logger *zap.Logger) *Negotiator {
	config.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiator{
		w:      w,
		config: config,
		logger: logger,
		st: state{
			sendMRU:      true,
			sendMagic:    true,
			sendCallback: true,
			mru:          config.MRU,
			magic:        config.Magic,
			mplsID:       -1,
		},
		changed: make(chan struct{}),
	}
}

// SetDeliver registers the sink for inbound IPv4 packets. Packets are only
// delivered once the link is ready.
func (n *Negotiator) SetDeliver(fn func(pkt []byte)) {
	n.mu.Lock()
	n.deliver = fn
	n.mu.Unlock()
}

// Ready reports whether IPCP has completed.
func (n *Negotiator) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.st.ready
}

// HandleFrame consumes one PPP frame from the tunnel and returns how the
// transport should answer it. It never blocks.
func (n *Negotiator) HandleFrame(frame []byte) gre.Reply {
	proto, payload := parsePPPFrame(frame)
	if ce := n.logger.Check(zap.DebugLevel, "PPP RX"); ce != nil {
		ce.Write(zap.Uint16("proto", proto), zap.String("frame", hexHead(frame)))
	}

	switch proto {
	case ProtoIPv4:
		return n.handleIPv4(payload)
	case ProtoLCP:
		return n.handleLCP(payload)
	case ProtoPAP:
		return n.handlePAP(payload)
	case ProtoCHAP:
		return n.handleCHAP(payload)
	case ProtoCBCP:
		return n.handleCBCP(payload)
	case ProtoIPCP:
		return n.handleIPCP(payload)
	case ProtoMPLSCP, ProtoIPv6CP, ProtoCCP:
		return n.rejectProtocol(proto, payload)
	case 0:
		return gre.Ignore()
	}
	n.logger.Debug("unhandled PPP protocol", zap.Uint16("proto", proto))
	return gre.AckOnly()
}

func (n *Negotiator) handleIPv4(pkt []byte) gre.Reply {
	n.mu.Lock()
	ready, deliver := n.st.ready, n.deliver
	n.mu.Unlock()
	if !ready || deliver == nil {
		return gre.Ignore()
	}
	deliver(pkt)
	return gre.NoReply()
}

// Negotiate runs LCP, authentication, CBCP and IPCP in order. Every phase
// is bounded by its timeout and by ctx.
func (n *Negotiator) Negotiate(ctx context.Context) (*Result, error) {
	n.logger.Debug("LCP: sending Configure-Request")
	if err := n.send(n.lcpRequestFrame()); err != nil {
		return nil, coreErrs.PhaseError{Phase: coreErrs.PhaseLCP, Err: err}
	}
	if err := n.wait(ctx, coreErrs.PhaseLCP, n.config.LCPTimeout, (*state).lcpOpen); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.st.authFixed = true
	authProto, chapAlg := n.st.authProto, n.st.chapAlg
	skipCBCP := !n.st.sendCallback
	n.mu.Unlock()
	n.logger.Info("LCP opened", zap.String("auth", authName(authProto, chapAlg)))

	verified, err := n.authenticate(ctx, authProto, chapAlg)
	if err != nil {
		return nil, err
	}

	if skipCBCP {
		n.logger.Debug("CBCP skipped, callback option rejected")
	} else if err := n.wait(ctx, coreErrs.PhaseCBCP, n.config.PhaseTimeout, func(s *state) bool { return s.cbcpDone }); err != nil {
		return nil, err
	}

	if err := n.runIPCP(ctx); err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.st.ready = true
	res := &Result{
		AuthProtocol:  authProto,
		ChapAlgorithm: chapAlg,
		Verified:      verified,
		PeerMRU:       n.st.peerMRU,
		LocalIP:       n.st.localIP,
		RemoteIP:      n.st.remoteIP,
		Netmask:       net.CIDRMask(32, 32),
	}
	n.notifyLocked()
	n.mu.Unlock()
	n.logger.Info("PPP link ready",
		zap.Stringer("local", res.LocalIP),
		zap.Stringer("remote", res.RemoteIP))
	return res, nil
}

func (n *Negotiator) send(frame []byte) error {
	if ce := n.logger.Check(zap.DebugLevel, "PPP TX"); ce != nil {
		ce.Write(zap.String("frame", hexHead(frame)))
	}
	_, err := n.w.Write(frame)
	return err
}

// wait blocks until done reports true under the state lock, the peer
// fails the link, the timeout expires or ctx is cancelled.
func (n *Negotiator) wait(ctx context.Context, phase coreErrs.Phase, timeout time.Duration, done func(*state) bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		n.mu.Lock()
		if n.st.fail != nil {
			err := n.st.fail
			n.mu.Unlock()
			return coreErrs.PhaseError{Phase: phase, Err: err}
		}
		if done(&n.st) {
			n.mu.Unlock()
			return nil
		}
		changed := n.changed
		n.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return coreErrs.PhaseError{Phase: phase, Err: coreErrs.ErrTimeout}
		case <-ctx.Done():
			return coreErrs.PhaseError{Phase: phase, Err: ctx.Err()}
		}
	}
}

// notifyLocked wakes every waiter. Callers hold n.mu.
func (n *Negotiator) notifyLocked() {
	close(n.changed)
	n.changed = make(chan struct{})
}

func (n *Negotiator) failLocked(err error) {
	if n.st.fail == nil {
		n.st.fail = err
	}
	n.notifyLocked()
}

// newMSCHAP is swapped in tests to pin the peer challenge.
var newMSCHAP = mschap.New
