package sshwire

import "errors"

// ErrNeedMore signals that the buffer doesn't yet hold a complete
// packet; the caller should read more bytes from the socket and retry
// (spec §4.1, decrypt_next's Need_more outcome).
var ErrNeedMore = errors.New("sshwire: need more data")

// CryptoError is fatal: AEAD tag failure, KDF misuse, or a host-key
// signature failure during key exchange (spec §7).
type CryptoError struct {
	Reason string
}

func (e *CryptoError) Error() string { return "sshwire: crypto error: " + e.Reason }

// FramingError is fatal after the caller's retry budget (spec §7's
// "four consecutive parse failures... the 5th is fatal"); on its own
// it's just a signal that one packet failed to parse.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "sshwire: framing error: " + e.Reason }

// DisconnectError carries an RFC 4253 DISCONNECT reason code and
// human-readable text, used as the error value propagated up from a
// fatal condition that has no underlying cause error.
type DisconnectError struct {
	Code   uint32
	Reason string
}

func (e *DisconnectError) Error() string { return e.Reason }
