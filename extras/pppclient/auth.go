package pppclient

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"

	coreErrs "github.com/sun89/VpnTcpProxy/core/errors"
	"github.com/sun89/VpnTcpProxy/extras/gre"
	"github.com/sun89/VpnTcpProxy/extras/mschap"

	"go.uber.org/zap"
)

// authenticate runs the protocol the server asked for during LCP.
// verified is only true after an MS-CHAPv2 server authenticator check.
func (n *Negotiator) authenticate(ctx context.Context, proto uint16, alg uint8) (verified bool, err error) {
	switch proto {
	case 0:
		n.logger.Debug("no authentication requested")
		return false, nil
	case ProtoPAP:
		return false, n.runPAP(ctx)
	case ProtoCHAP:
		return n.runCHAP(ctx, alg)
	}
	return false, coreErrs.PhaseError{Phase: coreErrs.PhaseAuth, Err: fmt.Errorf("%w: 0x%04x", ErrAuthUnknown, proto)}
}

func (n *Negotiator) runPAP(ctx context.Context) error {
	user, pw := []byte(n.config.Username), []byte(n.config.Password)
	if len(user) > 0xff || len(pw) > 0xff {
		return coreErrs.PhaseError{Phase: coreErrs.PhaseAuth, Err: ErrCredentialField}
	}
	data := make([]byte, 0, 2+len(user)+len(pw))
	data = append(data, byte(len(user)))
	data = append(data, user...)
	data = append(data, byte(len(pw)))
	data = append(data, pw...)

	n.logger.Debug("PAP: sending Authenticate-Request", zap.String("user", n.config.Username))
	if err := n.send(makePPPFrame(ProtoPAP, buildLCPPacket(papAuthRequest, 0, data))); err != nil {
		return coreErrs.PhaseError{Phase: coreErrs.PhaseAuth, Err: err}
	}
	if err := n.wait(ctx, coreErrs.PhaseAuth, n.config.PhaseTimeout, func(s *state) bool { return s.papDone }); err != nil {
		return err
	}
	n.mu.Lock()
	ok := n.st.papOK
	n.mu.Unlock()
	if !ok {
		return coreErrs.PhaseError{Phase: coreErrs.PhaseAuth, Err: ErrAuthFailed}
	}
	n.logger.Info("PAP authentication succeeded")
	return nil
}

func (n *Negotiator) handlePAP(payload []byte) gre.Reply {
	code, _, body, ok := splitPacket(payload)
	if !ok || (code != papAuthAck && code != papAuthNak) {
		return gre.Ignore()
	}
	var msg string
	if len(body) >= 1 && int(body[0]) <= len(body)-1 {
		msg = string(body[1 : 1+int(body[0])])
	}
	n.logger.Debug("PAP: server reply", zap.Uint8("code", code), zap.String("message", msg))

	n.mu.Lock()
	n.st.papDone = true
	n.st.papOK = code == papAuthAck
	n.notifyLocked()
	n.mu.Unlock()
	return gre.NoReply()
}

// runCHAP answers every challenge the server sends until it reports
// Success or Failure.
func (n *Negotiator) runCHAP(ctx context.Context, alg uint8) (bool, error) {
	var (
		answered int
		mc       *mschap.Context
	)
	for {
		err := n.wait(ctx, coreErrs.PhaseAuth, n.config.PhaseTimeout, func(s *state) bool {
			return s.chapDone || s.chapSeq > answered
		})
		if err != nil {
			return false, err
		}
		n.mu.Lock()
		done, seq, id, challenge := n.st.chapDone, n.st.chapSeq, n.st.chapID, n.st.chapChallenge
		n.mu.Unlock()
		if done {
			break
		}
		answered = seq

		var value []byte
		value, mc, err = n.chapValue(alg, id, challenge)
		if err != nil {
			return false, coreErrs.PhaseError{Phase: coreErrs.PhaseAuth, Err: err}
		}
		data := make([]byte, 0, 1+len(value)+len(n.config.Username))
		data = append(data, byte(len(value)))
		data = append(data, value...)
		data = append(data, n.config.Username...)
		n.logger.Debug("CHAP: sending Response",
			zap.Uint8("id", id),
			zap.String("algorithm", authName(ProtoCHAP, alg)))
		if err := n.send(makePPPFrame(ProtoCHAP, buildLCPPacket(chapResponse, id, data))); err != nil {
			return false, coreErrs.PhaseError{Phase: coreErrs.PhaseAuth, Err: err}
		}
	}

	n.mu.Lock()
	ok, msg := n.st.chapOK, n.st.chapMessage
	n.mu.Unlock()
	if !ok {
		return false, coreErrs.PhaseError{Phase: coreErrs.PhaseAuth, Err: fmt.Errorf("%w: %q", ErrAuthFailed, msg)}
	}

	verified := false
	if alg == ChapMSCHAPv2 && mc != nil {
		i := bytes.Index(msg, []byte("S="))
		if i < 0 {
			n.logger.Warn("MS-CHAPv2 success without authenticator response")
		} else if !mc.CheckAuthenticatorResponse(msg[i:]) {
			return false, coreErrs.PhaseError{Phase: coreErrs.PhaseAuth, Err: ErrAuthenticator}
		} else {
			verified = true
		}
	}
	n.logger.Info("CHAP authentication succeeded",
		zap.String("algorithm", authName(ProtoCHAP, alg)),
		zap.Bool("verified", verified))
	return verified, nil
}

// chapValue computes the Response value for one challenge. MS-CHAP
// answers come with the context that can later verify the server.
func (n *Negotiator) chapValue(alg, id uint8, challenge []byte) ([]byte, *mschap.Context, error) {
	switch alg {
	case ChapMD5:
		h := md5.New()
		h.Write([]byte{id})
		h.Write([]byte(n.config.Password))
		h.Write(challenge)
		return h.Sum(nil), nil, nil
	case ChapMSCHAPv1, ChapMSCHAPv2:
		version := mschap.Version2
		if alg == ChapMSCHAPv1 {
			version = mschap.Version1
		}
		mc, err := newMSCHAP(version, challenge)
		if err != nil {
			return nil, nil, err
		}
		value, err := mc.Response(n.config.Username, n.config.Password)
		if err != nil {
			return nil, nil, err
		}
		return value, mc, nil
	}
	return nil, nil, fmt.Errorf("%w: CHAP algorithm 0x%02x", ErrAuthUnknown, alg)
}

func (n *Negotiator) handleCHAP(payload []byte) gre.Reply {
	code, id, body, ok := splitPacket(payload)
	if !ok {
		return gre.Ignore()
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	switch code {
	case chapChallenge:
		if len(body) < 1 || int(body[0]) > len(body)-1 {
			n.logger.Debug("CHAP: malformed challenge", zap.String("data", hexHead(body)))
			return gre.Ignore()
		}
		size := int(body[0])
		n.st.chapID = id
		n.st.chapChallenge = append([]byte(nil), body[1:1+size]...)
		n.st.chapSeq++
		n.logger.Debug("CHAP: challenge",
			zap.Uint8("id", id),
			zap.Int("size", size),
			zap.String("name", string(body[1+size:])))
		n.notifyLocked()
		return gre.NoReply()

	case chapSuccess, chapFailure:
		n.st.chapDone = true
		n.st.chapOK = code == chapSuccess
		n.st.chapMessage = append([]byte(nil), body...)
		n.logger.Debug("CHAP: server reply", zap.Uint8("code", code), zap.ByteString("message", body))
		n.notifyLocked()
		return gre.NoReply()
	}
	return gre.Ignore()
}
