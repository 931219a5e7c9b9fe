package sshwire

import (
	"crypto/sha256"
	"math/big"
)

// KDF letters identify which of the six directional key-material slots
// is being derived (RFC 4253 §7.2); only A-D are used since GCM makes
// the MAC-key slots (E, F) unnecessary.
const (
	KDFLetterClientIV  = 'A'
	KDFLetterServerIV  = 'B'
	KDFLetterClientKey = 'C'
	KDFLetterServerKey = 'D'
)

// DeriveKey implements the SSH KDF (spec §4.1): for need length N and
// letter L, K1 = SHA-256(K || H || L || session_id), and
// Ki+1 = SHA-256(K || H || K1 || ... || Ki), truncating the
// concatenation K1||K2||... to N bytes. K is packed as a length-prefixed
// mpint with the canonical leading zero byte; H is the current exchange
// hash; session_id is the first exchange's hash, fixed for the
// connection.
func DeriveKey(sharedSecret *big.Int, exchangeHash, sessionID []byte, letter byte, need int) []byte {
	kBytes := MarshalMpint(sharedSecret)

	round := func(soFar []byte) []byte {
		h := sha256.New()
		writeLengthPrefixed(h, kBytes)
		h.Write(exchangeHash)
		if soFar == nil {
			h.Write([]byte{letter})
			h.Write(sessionID)
		} else {
			h.Write(soFar)
		}
		return h.Sum(nil)
	}

	out := round(nil)
	for len(out) < need {
		out = append(out, round(out)...)
	}
	return out[:need]
}
