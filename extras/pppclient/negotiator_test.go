package pppclient

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	coreErrs "github.com/sun89/VpnTcpProxy/core/errors"
	"github.com/sun89/VpnTcpProxy/extras/gre"
	"github.com/sun89/VpnTcpProxy/extras/mschap"
)

const testMagic = 0x1cb45469

// frameLog is a FrameWriter that hands every written frame to the test.
type frameLog struct {
	ch chan []byte
}

func newFrameLog() *frameLog {
	return &frameLog{ch: make(chan []byte, 32)}
}

func (f *frameLog) Write(b []byte) (int, error) {
	f.ch <- append([]byte(nil), b...)
	return len(b), nil
}

func (f *frameLog) next(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-f.ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func pkt(proto uint16, code, id uint8, data ...byte) []byte {
	return makePPPFrame(proto, buildLCPPacket(code, id, data))
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func newTestNegotiator(config Config) (*Negotiator, *frameLog) {
	link := newFrameLog()
	if config.Username == "" {
		config.Username = "User"
		config.Password = "clientPass"
	}
	config.Magic = testMagic
	return New(link, config, zap.NewNop()), link
}

type negotiateResult struct {
	res *Result
	err error
}

func startNegotiate(n *Negotiator) <-chan negotiateResult {
	done := make(chan negotiateResult, 1)
	go func() {
		res, err := n.Negotiate(context.Background())
		done <- negotiateResult{res, err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan negotiateResult) negotiateResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("Negotiate did not return")
		return negotiateResult{}
	}
}

// openLCP answers our Configure-Request and sends a server request asking
// for the given Auth-Protocol option. rejectCallback makes the server
// refuse the callback option first.
func openLCP(t *testing.T, n *Negotiator, link *frameLog, auth []byte, rejectCallback bool) {
	t.Helper()
	req := link.next(t)
	_, payload := parsePPPFrame(req)
	_, id, body, ok := splitPacket(payload)
	require.True(t, ok)

	if rejectCallback {
		r := n.HandleFrame(pkt(ProtoLCP, codeConfigReject, id, lcpOptCallback, 3, callbackCBCP))
		require.Equal(t, gre.ReplyEcho, r.Kind)
		_, payload = parsePPPFrame(r.Frame)
		_, id, body, _ = splitPacket(payload)
	}

	peer := cat([]byte{lcpOptMRU, 4, 0x05, 0x78}, auth, []byte{lcpOptMagicNumber, 6, 0x11, 0x22, 0x33, 0x44})
	r := n.HandleFrame(pkt(ProtoLCP, codeConfigRequest, 1, peer...))
	require.Equal(t, gre.ReplyEcho, r.Kind)
	assert.Equal(t, pkt(ProtoLCP, codeConfigAck, 1, peer...), r.Frame)

	assert.Equal(t, gre.ReplyNone, n.HandleFrame(pkt(ProtoLCP, codeConfigAck, id, body...)).Kind)
}

// finishIPCP plays the server side of IPCP, including one Nak round.
func finishIPCP(t *testing.T, n *Negotiator, link *frameLog) {
	t.Helper()
	r := n.HandleFrame(pkt(ProtoIPCP, codeConfigRequest, 1, ipcpOptIPAddress, 6, 192, 168, 0, 1))
	require.Equal(t, gre.ReplyEcho, r.Kind)
	assert.Equal(t, pkt(ProtoIPCP, codeConfigAck, 1, ipcpOptIPAddress, 6, 192, 168, 0, 1), r.Frame)

	assert.Equal(t, pkt(ProtoIPCP, codeConfigRequest, 0, ipcpOptIPAddress, 6, 0, 0, 0, 0), link.next(t))

	r = n.HandleFrame(pkt(ProtoIPCP, codeConfigNak, 0, ipcpOptIPAddress, 6, 192, 168, 0, 10))
	require.Equal(t, gre.ReplyEcho, r.Kind)
	assert.Equal(t, pkt(ProtoIPCP, codeConfigRequest, 1, ipcpOptIPAddress, 6, 192, 168, 0, 10), r.Frame)

	r = n.HandleFrame(pkt(ProtoIPCP, codeConfigAck, 1, ipcpOptIPAddress, 6, 192, 168, 0, 10))
	require.Equal(t, gre.ReplyEcho, r.Kind)
}

func pinPeerChallenge(t *testing.T, peerChallenge []byte) {
	orig := newMSCHAP
	newMSCHAP = func(version int, challenge []byte) (*mschap.Context, error) {
		c, err := orig(version, challenge)
		if err == nil {
			copy(c.PeerChallenge[:], peerChallenge)
		}
		return c, err
	}
	t.Cleanup(func() { newMSCHAP = orig })
}

func TestLCPRequestFrame(t *testing.T) {
	n, _ := newTestNegotiator(Config{})
	assert.Equal(t,
		unhex(t, "ff03c0210100001101040578"+"05061cb45469"+"0d0306"),
		n.lcpRequestFrame())
}

func TestNegotiateMSCHAPv2(t *testing.T) {
	authChallenge := unhex(t, "5B5D7C7D7B3F2F3E3C2C602132262628")
	pinPeerChallenge(t, unhex(t, "21402324255E262A28295F2B3A337C7E"))

	n, link := newTestNegotiator(Config{})
	var delivered [][]byte
	n.SetDeliver(func(p []byte) { delivered = append(delivered, append([]byte(nil), p...)) })
	done := startNegotiate(n)

	openLCP(t, n, link, []byte{lcpOptAuthProtocol, 5, 0xC2, 0x23, ChapMSCHAPv2}, false)

	challenge := cat([]byte{16}, authChallenge, []byte("srv"))
	assert.Equal(t, gre.ReplyNone, n.HandleFrame(pkt(ProtoCHAP, chapChallenge, 7, challenge...)).Kind)

	resp := link.next(t)
	proto, payload := parsePPPFrame(resp)
	require.Equal(t, ProtoCHAP, proto)
	code, id, body, ok := splitPacket(payload)
	require.True(t, ok)
	assert.Equal(t, chapResponse, code)
	assert.Equal(t, uint8(7), id)
	require.Len(t, body, 1+mschap.ResponseLen+len("User"))
	assert.Equal(t, byte(mschap.ResponseLen), body[0])
	assert.Equal(t, unhex(t, "82309ECD8D708B5EA08FAA3981CD83544233114A3D85D6DF"), body[1+24:1+48])
	assert.Equal(t, "User", string(body[1+mschap.ResponseLen:]))

	success := []byte("S=407A5589115FD0D6209F510FE9C04566932CDA56 M=Welcome")
	assert.Equal(t, gre.ReplyNone, n.HandleFrame(pkt(ProtoCHAP, chapSuccess, 7, success...)).Kind)

	r := n.HandleFrame(pkt(ProtoCBCP, cbcpRequest, 1, 1, 2))
	require.Equal(t, gre.ReplyEcho, r.Kind)
	assert.Equal(t, pkt(ProtoCBCP, cbcpResponse, 1, 1, 2), r.Frame)
	assert.Equal(t, gre.ReplyNone, n.HandleFrame(pkt(ProtoCBCP, cbcpAck, 1, 1, 2)).Kind)

	finishIPCP(t, n, link)

	out := waitResult(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, "MS-CHAPv2", out.res.AuthName())
	assert.True(t, out.res.Verified)
	assert.Equal(t, uint16(1400), out.res.PeerMRU)
	assert.Equal(t, net.IPv4(192, 168, 0, 10).To4(), out.res.LocalIP)
	assert.Equal(t, net.IPv4(192, 168, 0, 1).To4(), out.res.RemoteIP)
	assert.True(t, n.Ready())

	ip := []byte{0x45, 0, 0, 20}
	assert.Equal(t, gre.ReplyNone, n.HandleFrame(EncapsulateIPv4(ip)).Kind)
	assert.Equal(t, [][]byte{ip}, delivered)
}

func TestNegotiateMSCHAPv2BadAuthenticator(t *testing.T) {
	n, link := newTestNegotiator(Config{})
	done := startNegotiate(n)
	openLCP(t, n, link, []byte{lcpOptAuthProtocol, 5, 0xC2, 0x23, ChapMSCHAPv2}, true)

	n.HandleFrame(pkt(ProtoCHAP, chapChallenge, 3, cat([]byte{16}, make([]byte, 16))...))
	link.next(t)
	n.HandleFrame(pkt(ProtoCHAP, chapSuccess, 3, []byte("S=0000000000000000000000000000000000000000")...))

	out := waitResult(t, done)
	assert.ErrorIs(t, out.err, ErrAuthenticator)
	phase, ok := coreErrs.PhaseOf(out.err)
	assert.True(t, ok)
	assert.Equal(t, coreErrs.PhaseAuth, phase)
}

func TestNegotiateCHAPMD5(t *testing.T) {
	n, link := newTestNegotiator(Config{Username: "alice", Password: "secret"})
	done := startNegotiate(n)
	openLCP(t, n, link, []byte{lcpOptAuthProtocol, 5, 0xC2, 0x23, ChapMD5}, true)

	challenge := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	n.HandleFrame(pkt(ProtoCHAP, chapChallenge, 9, cat([]byte{8}, challenge)...))

	want := md5.Sum(cat([]byte{9}, []byte("secret"), challenge))
	assert.Equal(t, pkt(ProtoCHAP, chapResponse, 9, cat([]byte{16}, want[:], []byte("alice"))...), link.next(t))

	// A retransmitted challenge is answered again.
	n.HandleFrame(pkt(ProtoCHAP, chapChallenge, 10, cat([]byte{8}, challenge)...))
	want = md5.Sum(cat([]byte{10}, []byte("secret"), challenge))
	assert.Equal(t, pkt(ProtoCHAP, chapResponse, 10, cat([]byte{16}, want[:], []byte("alice"))...), link.next(t))

	n.HandleFrame(pkt(ProtoCHAP, chapSuccess, 10))
	finishIPCP(t, n, link)

	out := waitResult(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, "CHAP-MD5", out.res.AuthName())
	assert.False(t, out.res.Verified)
}

func TestNegotiatePAP(t *testing.T) {
	tests := []struct {
		name    string
		code    uint8
		wantErr error
	}{
		{"ack", papAuthAck, nil},
		{"nak", papAuthNak, ErrAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, link := newTestNegotiator(Config{Username: "bob", Password: "pw"})
			done := startNegotiate(n)
			openLCP(t, n, link, []byte{lcpOptAuthProtocol, 4, 0xC0, 0x23}, true)

			assert.Equal(t, pkt(ProtoPAP, papAuthRequest, 0, 3, 'b', 'o', 'b', 2, 'p', 'w'), link.next(t))
			n.HandleFrame(pkt(ProtoPAP, tt.code, 0, 2, 'o', 'k'))
			if tt.wantErr == nil {
				finishIPCP(t, n, link)
			}

			out := waitResult(t, done)
			if tt.wantErr != nil {
				assert.ErrorIs(t, out.err, tt.wantErr)
				return
			}
			require.NoError(t, out.err)
			assert.Equal(t, "PAP", out.res.AuthName())
		})
	}
}

func TestNegotiateNoAuth(t *testing.T) {
	n, link := newTestNegotiator(Config{})
	done := startNegotiate(n)
	openLCP(t, n, link, nil, true)
	finishIPCP(t, n, link)

	out := waitResult(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, "none", out.res.AuthName())
}

func TestPeerConfigRequest(t *testing.T) {
	magic := []byte{lcpOptMagicNumber, 6, 1, 2, 3, 4}
	tests := []struct {
		name    string
		options []byte
		code    uint8
		reply   []byte
	}{
		{
			name:    "mru too large",
			options: cat([]byte{lcpOptMRU, 4, 0x05, 0xDC}, magic),
			code:    codeConfigNak,
			reply:   []byte{lcpOptMRU, 4, 0x05, 0xAA},
		},
		{
			name:    "eap",
			options: []byte{lcpOptAuthProtocol, 4, 0xC2, 0x27},
			code:    codeConfigNak,
			reply:   []byte{lcpOptAuthProtocol, 5, 0xC2, 0x23, 0x81},
		},
		{
			name:    "unknown chap algorithm",
			options: []byte{lcpOptAuthProtocol, 5, 0xC2, 0x23, 0x06},
			code:    codeConfigNak,
			reply:   []byte{lcpOptAuthProtocol, 5, 0xC2, 0x23, 0x81},
		},
		{
			name:    "malformed",
			options: []byte{lcpOptMRU, 3, 0x05},
			code:    codeConfigNak,
			reply:   []byte{lcpOptMRU, 3, 0x05},
		},
		{
			name:    "acceptable",
			options: cat([]byte{lcpOptMRU, 4, 0x05, 0xAA}, magic, []byte{0x11, 4, 0, 0}),
			code:    codeConfigAck,
			reply:   cat([]byte{lcpOptMRU, 4, 0x05, 0xAA}, magic, []byte{0x11, 4, 0, 0}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _ := newTestNegotiator(Config{})
			r := n.HandleFrame(pkt(ProtoLCP, codeConfigRequest, 4, tt.options...))
			require.Equal(t, gre.ReplyEcho, r.Kind)
			assert.Equal(t, pkt(ProtoLCP, tt.code, 4, tt.reply...), r.Frame)
		})
	}
}

func TestLCPNakAndReject(t *testing.T) {
	n, _ := newTestNegotiator(Config{})
	n.lcpRequestFrame()

	r := n.HandleFrame(pkt(ProtoLCP, codeConfigNak, 0, lcpOptMRU, 4, 0x05, 0x14))
	require.Equal(t, gre.ReplyEcho, r.Kind)
	assert.Equal(t, unhex(t, "ff03c0210101001101040514"+"05061cb45469"+"0d0306"), r.Frame)

	// stale id
	assert.Equal(t, gre.ReplyNone, n.HandleFrame(pkt(ProtoLCP, codeConfigReject, 0, lcpOptCallback, 3, 6)).Kind)

	r = n.HandleFrame(pkt(ProtoLCP, codeConfigReject, 1, lcpOptCallback, 3, 6))
	require.Equal(t, gre.ReplyEcho, r.Kind)
	assert.Equal(t, unhex(t, "ff03c021010200"+"0e01040514"+"05061cb45469"), r.Frame)
}

func TestLCPEchoAndTerminate(t *testing.T) {
	n, _ := newTestNegotiator(Config{LCPTimeout: time.Second})

	r := n.HandleFrame(pkt(ProtoLCP, codeEchoRequest, 5, 0, 0, 0, 0, 0xAB))
	require.Equal(t, gre.ReplyEcho, r.Kind)
	assert.Equal(t, unhex(t, "ff03c0210a0500091cb45469ab"), r.Frame)

	done := startNegotiate(n)
	r = n.HandleFrame(pkt(ProtoLCP, codeTermRequest, 2))
	require.Equal(t, gre.ReplyEcho, r.Kind)
	assert.Equal(t, pkt(ProtoLCP, codeTermAck, 2), r.Frame)

	out := waitResult(t, done)
	assert.ErrorIs(t, out.err, ErrTerminated)
	phase, _ := coreErrs.PhaseOf(out.err)
	assert.Equal(t, coreErrs.PhaseLCP, phase)
}

func TestNegotiateTimeout(t *testing.T) {
	n, _ := newTestNegotiator(Config{LCPTimeout: 50 * time.Millisecond})
	_, err := n.Negotiate(context.Background())
	assert.ErrorIs(t, err, coreErrs.ErrTimeout)
	phase, _ := coreErrs.PhaseOf(err)
	assert.Equal(t, coreErrs.PhaseLCP, phase)

	n, _ = newTestNegotiator(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.Negotiate(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRejectProtocol(t *testing.T) {
	n, _ := newTestNegotiator(Config{})

	mpls := pkt(ProtoMPLSCP, codeConfigRequest, 0x21)
	r := n.HandleFrame(mpls)
	require.Equal(t, gre.ReplyEcho, r.Kind)
	assert.Equal(t, pkt(ProtoLCP, codeProtoReject, 1, cat([]byte{0x82, 0x81}, mpls[4:])...), r.Frame)
	n.mu.Lock()
	assert.Equal(t, 0x21, n.st.mplsID)
	n.mu.Unlock()

	assert.Equal(t, gre.ReplyAckOnly, n.HandleFrame(pkt(ProtoIPv6CP, codeConfigAck, 1)).Kind)
	assert.Equal(t, gre.ReplyAckOnly, n.HandleFrame(pkt(0x1234, 1, 1)).Kind)
	assert.Equal(t, gre.ReplyIgnore, n.HandleFrame([]byte{0xFF, 0x03}).Kind)
	// IPv4 before IPCP completes
	assert.Equal(t, gre.ReplyIgnore, n.HandleFrame(EncapsulateIPv4([]byte{0x45})).Kind)
}

func TestNegotiatePAPCredentialTooLong(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'x'
	}
	n, link := newTestNegotiator(Config{Username: "bob", Password: string(long)})
	done := startNegotiate(n)
	openLCP(t, n, link, []byte{lcpOptAuthProtocol, 4, 0xC0, 0x23}, true)

	out := waitResult(t, done)
	assert.ErrorIs(t, out.err, ErrCredentialField)
	phase, _ := coreErrs.PhaseOf(out.err)
	assert.Equal(t, coreErrs.PhaseAuth, phase)
	select {
	case f := <-link.ch:
		t.Fatalf("unexpected frame after LCP: %x", f)
	default:
	}
}

func TestLCPEchoAfterMagicRejected(t *testing.T) {
	n, _ := newTestNegotiator(Config{})
	n.lcpRequestFrame()

	r := n.HandleFrame(pkt(ProtoLCP, codeConfigReject, 0, lcpOptMagicNumber, 6, 0x1c, 0xb4, 0x54, 0x69))
	require.Equal(t, gre.ReplyEcho, r.Kind)

	r = n.HandleFrame(pkt(ProtoLCP, codeEchoRequest, 5, 0, 0, 0, 0, 0xAB))
	require.Equal(t, gre.ReplyEcho, r.Kind)
	assert.Equal(t, pkt(ProtoLCP, codeEchoReply, 5, 0, 0, 0, 0, 0xAB), r.Frame)
}
