package sshwire

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"math/big"
)

// ErrUnsupportedKeyType is returned when a public-key blob names an
// algorithm this server doesn't implement.
var ErrUnsupportedKeyType = errors.New("sshwire: unsupported public key type")

// ErrSignatureAlgoMismatch is returned when the signature algorithm is
// not one the presented key type accepts (spec §4.4).
var ErrSignatureAlgoMismatch = errors.New("sshwire: signature algorithm incompatible with key type")

// ParsedPublicKey is either an *rsa.PublicKey or an ed25519.PublicKey,
// tagged with the key-type name from its blob.
type ParsedPublicKey struct {
	Type string
	RSA  *rsa.PublicKey
	Ed25519 ed25519.PublicKey
}

// ParsePublicKeyBlob parses a raw (not length-prefixed) SSH public-key
// blob: string(ssh-ed25519) || string(pub) or string(ssh-rsa) ||
// mpint(e) || mpint(n) (spec §4.4).
func ParsePublicKeyBlob(blob []byte) (*ParsedPublicKey, error) {
	c := NewCursor(blob, false)
	keyType := c.ReadStr()
	switch keyType {
	case HostKeyAlgoSSHEd25519:
		pub := c.ReadString()
		if c.Err() != nil || len(pub) != ed25519.PublicKeySize {
			return nil, &FramingError{Reason: "malformed ssh-ed25519 key blob"}
		}
		return &ParsedPublicKey{Type: keyType, Ed25519: ed25519.PublicKey(pub)}, nil
	case SigAlgoSSHRSA:
		e := c.ReadMpint()
		n := c.ReadMpint()
		if c.Err() != nil {
			return nil, &FramingError{Reason: "malformed ssh-rsa key blob"}
		}
		return &ParsedPublicKey{Type: keyType, RSA: &rsa.PublicKey{N: n, E: int(e.Int64())}}, nil
	default:
		return nil, ErrUnsupportedKeyType
	}
}

// MarshalRSAPublicKeyBlob reconstructs the canonical ssh-rsa key blob
// string("ssh-rsa") || mpint(e) || mpint(n), used to rebuild the
// signed-data buffer regardless of how the client framed its own copy
// (spec §4.4).
func MarshalRSAPublicKeyBlob(pub *rsa.PublicKey) []byte {
	w := &Writer{}
	w.WriteStr(SigAlgoSSHRSA)
	w.WriteMpint(big.NewInt(int64(pub.E)))
	w.WriteMpint(pub.N)
	return w.buf
}

// ParsedSignature is a decoded signature blob: algorithm name plus raw
// signature bytes.
type ParsedSignature struct {
	Algorithm string
	Blob      []byte
}

// ParseSignatureBlob parses string(algorithm) || string(sig).
func ParseSignatureBlob(blob []byte) (*ParsedSignature, error) {
	c := NewCursor(blob, false)
	algo := c.ReadStr()
	sig := c.ReadString()
	if c.Err() != nil {
		return nil, &FramingError{Reason: "malformed signature blob"}
	}
	return &ParsedSignature{Algorithm: algo, Blob: sig}, nil
}

// VerifySignature checks sig (as produced by ParseSignatureBlob) over
// signedData using key, enforcing the algorithm-compatibility table in
// spec §4.4: ssh-ed25519 keys accept only ssh-ed25519 signatures;
// ssh-rsa keys accept ssh-rsa, rsa-sha2-256, and rsa-sha2-512.
func VerifySignature(key *ParsedPublicKey, sig *ParsedSignature, signedData []byte) error {
	switch key.Type {
	case HostKeyAlgoSSHEd25519:
		if sig.Algorithm != HostKeyAlgoSSHEd25519 {
			return ErrSignatureAlgoMismatch
		}
		if !ed25519.Verify(key.Ed25519, signedData, sig.Blob) {
			return &CryptoError{Reason: "ed25519 signature verification failed"}
		}
		return nil

	case SigAlgoSSHRSA:
		var hash crypto.Hash
		switch sig.Algorithm {
		case SigAlgoSSHRSA:
			hash = crypto.SHA1
		case SigAlgoRSASHA256:
			hash = crypto.SHA256
		case SigAlgoRSASHA512:
			hash = crypto.SHA512
		default:
			return ErrSignatureAlgoMismatch
		}
		digest := hashBytes(hash, signedData)
		if err := rsa.VerifyPKCS1v15(key.RSA, hash, digest, sig.Blob); err != nil {
			return &CryptoError{Reason: "rsa signature verification failed: " + err.Error()}
		}
		return nil

	default:
		return ErrUnsupportedKeyType
	}
}

func hashBytes(h crypto.Hash, data []byte) []byte {
	switch h {
	case crypto.SHA1:
		sum := sha1.Sum(data)
		return sum[:]
	case crypto.SHA256:
		sum := sha256.Sum256(data)
		return sum[:]
	case crypto.SHA512:
		sum := sha512.Sum512(data)
		return sum[:]
	}
	return nil
}

// BuildPublicKeySignedData constructs the canonical buffer a
// publickey USERAUTH_REQUEST's signature covers (spec §4.4):
// string(session_id), the raw byte 50 (USERAUTH_REQUEST), then
// length-prefixed username, service, "publickey", the boolean byte
// 0x01, signature_algorithm, and the public_key_blob (the caller
// passes the RSA-canonicalized blob when the key is RSA, or the
// original blob verbatim for Ed25519).
func BuildPublicKeySignedData(sessionID []byte, username, service, sigAlgo string, keyBlob []byte) []byte {
	w := &Writer{}
	w.WriteString(sessionID)
	w.WriteByte(MsgUserAuthRequest)
	w.WriteStr(username)
	w.WriteStr(service)
	w.WriteStr("publickey")
	w.WriteBool(true)
	w.WriteStr(sigAlgo)
	w.WriteString(keyBlob)
	return w.buf
}
