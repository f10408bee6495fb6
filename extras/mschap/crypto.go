package mschap

import (
	"crypto/des"
	"crypto/sha1"
	"encoding/hex"
	"math/bits"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

var (
	magic1 = []byte("Magic server to client signing constant")
	magic2 = []byte("Pad to make it do more than one iteration")
	lmText = []byte("KGS!@#$%")
)

// Des56To64 expands a 7-byte key into the 8-byte DES key layout: seven key
// bits per byte in the high bits, odd parity in the low bit.
func Des56To64(key []byte) []byte {
	out := make([]byte, 8)
	out[0] = key[0] & 0xFE
	out[1] = (key[0]<<7 | key[1]>>1) & 0xFE
	out[2] = (key[1]<<6 | key[2]>>2) & 0xFE
	out[3] = (key[2]<<5 | key[3]>>3) & 0xFE
	out[4] = (key[3]<<4 | key[4]>>4) & 0xFE
	out[5] = (key[4]<<3 | key[5]>>5) & 0xFE
	out[6] = (key[5]<<2 | key[6]>>6) & 0xFE
	out[7] = key[6] << 1
	for i := range out {
		if bits.OnesCount8(out[i])%2 == 0 {
			out[i] |= 0x01
		}
	}
	return out
}

// desEncrypt encrypts one 8-byte block with a 7-byte key.
func desEncrypt(clear, key []byte) []byte {
	// NewCipher only fails on a wrong key size, and Des56To64 always returns 8 bytes.
	block, _ := des.NewCipher(Des56To64(key))
	out := make([]byte, 8)
	block.Encrypt(out, clear)
	return out
}

// MD4 returns the RFC 1320 digest of b.
func MD4(b []byte) []byte {
	h := md4.New()
	_, _ = h.Write(b)
	return h.Sum(nil)
}

// SHA1 returns the SHA-1 digest of the concatenation of parts.
func SHA1(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return h.Sum(nil)
}

// NtPasswordHash is MD4 over the UTF-16LE encoding of the password.
func NtPasswordHash(password string) []byte {
	units := utf16.Encode([]rune(password))
	b := make([]byte, 2*len(units))
	for i, u := range units {
		b[2*i] = byte(u)
		b[2*i+1] = byte(u >> 8)
	}
	return MD4(b)
}

// HashNtPasswordHash is MD4 of the NT password hash.
func HashNtPasswordHash(hash []byte) []byte {
	return MD4(hash)
}

// ChallengeHash derives the 8-byte MS-CHAPv2 challenge.
func ChallengeHash(peerChallenge, authChallenge []byte, username string) []byte {
	return SHA1(peerChallenge, authChallenge, []byte(username))[:8]
}

// ChallengeResponse encrypts the 8-byte challenge with the three 7-byte
// thirds of the zero-padded 16-byte hash.
func ChallengeResponse(challenge, passwordHash []byte) []byte {
	var z [21]byte
	copy(z[:], passwordHash)
	resp := make([]byte, 0, 24)
	resp = append(resp, desEncrypt(challenge, z[0:7])...)
	resp = append(resp, desEncrypt(challenge, z[7:14])...)
	resp = append(resp, desEncrypt(challenge, z[14:21])...)
	return resp
}

// LmPasswordHash is the legacy LAN Manager hash. Passwords longer than 14
// characters have no LM hash.
func LmPasswordHash(password string) ([]byte, error) {
	if len(password) > 14 {
		return nil, ErrPasswordTooLong
	}
	var upper [14]byte
	copy(upper[:], strings.ToUpper(password))
	hash := make([]byte, 0, 16)
	hash = append(hash, desEncrypt(lmText, upper[0:7])...)
	hash = append(hash, desEncrypt(lmText, upper[7:14])...)
	return hash, nil
}

// AuthenticatorResponse computes the "S=" string the server sends on
// MS-CHAPv2 success.
func AuthenticatorResponse(password string, ntResponse, peerChallenge, authChallenge []byte, username string) string {
	hashHash := HashNtPasswordHash(NtPasswordHash(password))
	digest := SHA1(hashHash, ntResponse, magic1)
	challenge := ChallengeHash(peerChallenge, authChallenge, username)
	digest = SHA1(digest, challenge, magic2)
	return "S=" + strings.ToUpper(hex.EncodeToString(digest))
}
