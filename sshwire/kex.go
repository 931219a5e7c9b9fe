package sshwire

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// KexInitMsg is the parsed form of a KEXINIT payload (RFC 4253 §7.1).
// Whisp only ever sends the fixed single-algorithm lists of spec §4.2;
// the parsed client message is kept in full so its name-lists can be
// checked for the server's required choice and its raw bytes reused
// verbatim in the exchange hash.
type KexInitMsg struct {
	Cookie                  [16]byte
	KexAlgorithms           string
	ServerHostKeyAlgorithms string
	CiphersClientToServer   string
	CiphersServerToClient   string
	MACsClientToServer      string
	MACsServerToClient      string
	CompressionClientToServer string
	CompressionServerToClient string
	LanguagesClientToServer   string
	LanguagesServerToClient   string
	FirstKexPacketFollows     bool
	Reserved                  uint32
}

// BuildServerKexInit returns the full KEXINIT payload (message type
// byte included) this server always sends: exactly one algorithm per
// list, per spec §4.2.
func BuildServerKexInit(rnd io.Reader) ([]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	var cookie [16]byte
	if _, err := io.ReadFull(rnd, cookie[:]); err != nil {
		return nil, err
	}
	w := NewWriter(MsgKexInit)
	w.WriteRaw(cookie[:])
	w.WriteStr(KexAlgoCurve25519SHA256)
	w.WriteStr(HostKeyAlgoSSHEd25519)
	w.WriteStr(CipherAES256GCM)
	w.WriteStr(CipherAES256GCM)
	w.WriteStr(MACHMACSHA256)
	w.WriteStr(MACHMACSHA256)
	w.WriteStr(CompressionNone)
	w.WriteStr(CompressionNone)
	w.WriteStr("") // languages client-to-server
	w.WriteStr("") // languages server-to-client
	w.WriteBool(false) // first_kex_packet_follows
	w.WriteUint32(0)   // reserved
	return w.Bytes(), nil
}

// ParseKexInit parses a KEXINIT payload (message type byte included).
func ParseKexInit(payload []byte) (*KexInitMsg, error) {
	c := NewCursor(payload, true)
	msg := &KexInitMsg{}
	copy(msg.Cookie[:], c.ReadRaw(16))
	msg.KexAlgorithms = c.ReadStr()
	msg.ServerHostKeyAlgorithms = c.ReadStr()
	msg.CiphersClientToServer = c.ReadStr()
	msg.CiphersServerToClient = c.ReadStr()
	msg.MACsClientToServer = c.ReadStr()
	msg.MACsServerToClient = c.ReadStr()
	msg.CompressionClientToServer = c.ReadStr()
	msg.CompressionServerToClient = c.ReadStr()
	msg.LanguagesClientToServer = c.ReadStr()
	msg.LanguagesServerToClient = c.ReadStr()
	msg.FirstKexPacketFollows = c.ReadBool()
	msg.Reserved = c.ReadUint32()
	if c.Err() != nil {
		return nil, &FramingError{Reason: "malformed KEXINIT: " + c.Err().Error()}
	}
	return msg, nil
}

// listContains reports whether the comma-separated name-list contains name.
func listContains(list, name string) bool {
	for _, n := range strings.Split(list, ",") {
		if n == name {
			return true
		}
	}
	return false
}

// ValidateClientKexInit checks that the client offered this server's
// key-exchange, host-key and cipher choices (spec §4.2: "a valid client
// must have offered the same choices"). The MAC and compression lists
// are not checked.
func ValidateClientKexInit(msg *KexInitMsg) error {
	switch {
	case !listContains(msg.KexAlgorithms, KexAlgoCurve25519SHA256):
		return errors.New("sshwire: client did not offer " + KexAlgoCurve25519SHA256)
	case !listContains(msg.ServerHostKeyAlgorithms, HostKeyAlgoSSHEd25519):
		return errors.New("sshwire: client did not offer " + HostKeyAlgoSSHEd25519)
	case !listContains(msg.CiphersClientToServer, CipherAES256GCM),
		!listContains(msg.CiphersServerToClient, CipherAES256GCM):
		return errors.New("sshwire: client did not offer " + CipherAES256GCM)
	}
	return nil
}

// KexResult is the product of one successful key exchange: the shared
// secret and the exchange hash. H is used to derive keys for this
// exchange; the session id (fixed forever) is the first exchange's H.
type KexResult struct {
	SharedSecret *big.Int
	ExchangeHash []byte
}

func writeLengthPrefixed(h io.Writer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	h.Write(l[:])
	h.Write(b)
}

// MarshalEd25519HostKeyBlob returns string("ssh-ed25519") || string(pub),
// the canonical ssh-ed25519 public key blob (spec §4.2).
func MarshalEd25519HostKeyBlob(pub ed25519.PublicKey) []byte {
	w := &Writer{}
	w.WriteStr(HostKeyAlgoSSHEd25519)
	w.WriteString(pub)
	return w.buf
}

// MarshalEd25519SignatureBlob returns string("ssh-ed25519") || string(sig).
func MarshalEd25519SignatureBlob(sig []byte) []byte {
	w := &Writer{}
	w.WriteStr(HostKeyAlgoSSHEd25519)
	w.WriteString(sig)
	return w.buf
}

// GenerateEphemeralX25519 generates a fresh X25519 keypair for one key
// exchange (spec §3, "Kex context ... destroyed after keys derived").
func GenerateEphemeralX25519(rnd io.Reader) (priv, pub [32]byte, err error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	if _, err = io.ReadFull(rnd, priv[:]); err != nil {
		return
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pubSlice)
	return
}

// ServerKeyExchange performs the server side of curve25519-sha256 key
// exchange (spec §4.2): computes the shared secret, the exchange hash,
// signs it with the Ed25519 host key, and returns the result plus the
// ready-to-send KEXDH_REPLY payload.
func ServerKeyExchange(
	clientEphemeralPub []byte,
	hostPub ed25519.PublicKey,
	hostPriv ed25519.PrivateKey,
	clientVersion, serverVersion []byte,
	clientKexInitPayload, serverKexInitPayload []byte,
	rnd io.Reader,
) (result *KexResult, replyPayload []byte, err error) {
	if len(clientEphemeralPub) != 32 {
		return nil, nil, &FramingError{Reason: "client X25519 public key must be 32 bytes"}
	}

	serverPriv, serverPub, err := GenerateEphemeralX25519(rnd)
	if err != nil {
		return nil, nil, err
	}

	sharedBytes, err := curve25519.X25519(serverPriv[:], clientEphemeralPub)
	if err != nil {
		return nil, nil, &CryptoError{Reason: "X25519 scalar multiplication failed: " + err.Error()}
	}
	shared := new(big.Int).SetBytes(sharedBytes)

	hostKeyBlob := MarshalEd25519HostKeyBlob(hostPub)

	h := sha256.New()
	writeLengthPrefixed(h, clientVersion)
	writeLengthPrefixed(h, serverVersion)
	writeLengthPrefixed(h, clientKexInitPayload)
	writeLengthPrefixed(h, serverKexInitPayload)
	writeLengthPrefixed(h, hostKeyBlob)
	writeLengthPrefixed(h, clientEphemeralPub)
	writeLengthPrefixed(h, serverPub[:])
	writeLengthPrefixed(h, MarshalMpint(shared))
	exchangeHash := h.Sum(nil)

	sig := ed25519.Sign(hostPriv, exchangeHash)
	sigBlob := MarshalEd25519SignatureBlob(sig)

	w := NewWriter(MsgKexDHReply)
	w.WriteString(hostKeyBlob)
	w.WriteString(serverPub[:])
	w.WriteString(sigBlob)

	return &KexResult{SharedSecret: shared, ExchangeHash: exchangeHash}, w.Bytes(), nil
}

// ParseKexDHInit extracts the client's X25519 public key from a
// KEXDH_INIT payload (message type byte included).
func ParseKexDHInit(payload []byte) ([]byte, error) {
	c := NewCursor(payload, true)
	pub := c.ReadString()
	if c.Err() != nil {
		return nil, &FramingError{Reason: "malformed KEXDH_INIT"}
	}
	return pub, nil
}
