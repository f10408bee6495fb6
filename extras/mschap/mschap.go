package mschap

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
)

// MS-CHAP versions, as selected by the LCP CHAP algorithm byte.
const (
	Version1 = 1 // algorithm 0x80
	Version2 = 2 // algorithm 0x81
)

// ResponseLen is the size of the CHAP Response value for both versions.
const ResponseLen = 49

// authResponseLen is len("S=") + 40 hex digits.
const authResponseLen = 42

var (
	ErrPasswordTooLong = errors.New("mschap: password longer than 14 characters")
	ErrBadVersion      = errors.New("mschap: unsupported version")
	ErrBadChallenge    = errors.New("mschap: invalid authenticator challenge")
	ErrContextUsed     = errors.New("mschap: context already responded")
)

type state int

const (
	stateChallenged state = iota
	stateResponded
	stateVerified
	stateRejected
)

// Context holds one MS-CHAP exchange. A new challenge from the server
// always gets a new Context; each Context answers exactly once.
type Context struct {
	Version                int
	AuthenticatorChallenge []byte
	PeerChallenge          [16]byte

	Username   string
	Password   string
	NtResponse [24]byte

	state state
}

// New starts an exchange for the given authenticator challenge. Version 2
// takes a 16-byte challenge, version 1 an 8-byte one.
func New(version int, authChallenge []byte) (*Context, error) {
	switch version {
	case Version1:
		if len(authChallenge) < 8 {
			return nil, fmt.Errorf("%w: %d bytes", ErrBadChallenge, len(authChallenge))
		}
	case Version2:
		if len(authChallenge) != 16 {
			return nil, fmt.Errorf("%w: %d bytes", ErrBadChallenge, len(authChallenge))
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	c := &Context{
		Version:                version,
		AuthenticatorChallenge: append([]byte(nil), authChallenge...),
	}
	for i := range c.PeerChallenge {
		c.PeerChallenge[i] = byte(rand.Intn(0x100))
	}
	return c, nil
}

// Response builds the 49-byte CHAP Response value.
//
//	v2: PeerChallenge(16) | zero(8) | NtResponse(24) | flags=0
//	v1: LmResponse(24) | NtResponse(24) | flags=1
func (c *Context) Response(username, password string) ([]byte, error) {
	if c.state != stateChallenged {
		return nil, ErrContextUsed
	}
	resp := make([]byte, ResponseLen)
	switch c.Version {
	case Version2:
		challenge := ChallengeHash(c.PeerChallenge[:], c.AuthenticatorChallenge, username)
		copy(c.NtResponse[:], ChallengeResponse(challenge, NtPasswordHash(password)))
		copy(resp[0:16], c.PeerChallenge[:])
		copy(resp[24:48], c.NtResponse[:])
	case Version1:
		challenge := c.AuthenticatorChallenge[:8]
		lmHash, err := LmPasswordHash(password)
		if err != nil {
			return nil, err
		}
		copy(c.NtResponse[:], ChallengeResponse(challenge, NtPasswordHash(password)))
		copy(resp[0:24], ChallengeResponse(challenge, lmHash))
		copy(resp[24:48], c.NtResponse[:])
		resp[48] = 1
	default:
		return nil, ErrBadVersion
	}
	c.Username = username
	c.Password = password
	c.state = stateResponded
	return resp, nil
}

// AuthenticatorResponse returns the "S=" string a genuine server must send
// for this exchange. Only meaningful for version 2 after Response.
func (c *Context) AuthenticatorResponse() string {
	return AuthenticatorResponse(c.Password, c.NtResponse[:], c.PeerChallenge[:], c.AuthenticatorChallenge, c.Username)
}

// CheckAuthenticatorResponse compares the first 42 bytes of received with
// the expected authenticator response.
func (c *Context) CheckAuthenticatorResponse(received []byte) bool {
	if c.Version != Version2 || c.state == stateChallenged {
		return false
	}
	ok := len(received) >= authResponseLen &&
		bytes.Equal(received[:authResponseLen], []byte(c.AuthenticatorResponse()))
	if ok {
		c.state = stateVerified
	} else {
		c.state = stateRejected
	}
	return ok
}

// Verified reports whether the server proved knowledge of the password.
func (c *Context) Verified() bool {
	return c.state == stateVerified
}
