package sshwire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"
)

// MaxPacketLength bounds the packet_length field CipherState will
// accept, to reject obviously corrupt framing early (spec §7). It is
// the only bound on incoming packets: a channel's max_packet_size is
// not applied to them.
const MaxPacketLength = 1 << 20

// dirKeys holds one direction's IV and encryption key plus the AEAD
// built from that key.
type dirKeys struct {
	iv   [12]byte
	key  [32]byte
	aead cipher.AEAD
}

func (d *dirKeys) install(iv, key []byte) error {
	copy(d.iv[:], iv)
	copy(d.key[:], key)
	block, err := aes.NewCipher(d.key[:])
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	d.aead = aead
	return nil
}

// nonce builds the per-packet GCM nonce: the 8-byte fixed prefix of
// the base IV unchanged, and the base IV's last 4 bytes treated as a
// big-endian counter incremented by the packet sequence number,
// wrapping mod 2^32 (spec §4.1).
func (d *dirKeys) nonce(seq uint64) [12]byte {
	var n [12]byte
	copy(n[:8], d.iv[:8])
	base := binary.BigEndian.Uint32(d.iv[8:12])
	binary.BigEndian.PutUint32(n[8:12], base+uint32(seq))
	return n
}

// CipherState tracks per-direction keys, sequence counters, and
// whether encryption is currently active, and performs AEAD
// encrypt/decrypt of whole packets (spec §3, §4.1).
type CipherState struct {
	rand io.Reader

	encryptionActive      bool
	hasCompletedInitialKex bool
	rekeyInProgress        bool

	read, write             dirKeys
	readShadow, writeShadow dirKeys
	readSeq, writeSeq       uint64
}

// NewCipherState returns a CipherState with encryption inactive.
// Packets are framed in cleartext (spec §4.1) until InstallInitialKeys
// + EnableEncryption run after the first NEWKEYS.
func NewCipherState(rnd io.Reader) *CipherState {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &CipherState{rand: rnd}
}

// InstallInitialKeys derives and installs all four directional keys
// for the first key exchange. Must be called exactly once, before
// EnableEncryption.
func (c *CipherState) InstallInitialKeys(shared *big.Int, exchangeHash, sessionID []byte) error {
	if err := c.read.install(
		DeriveKey(shared, exchangeHash, sessionID, KDFLetterClientIV, 12),
		DeriveKey(shared, exchangeHash, sessionID, KDFLetterClientKey, 32),
	); err != nil {
		return err
	}
	if err := c.write.install(
		DeriveKey(shared, exchangeHash, sessionID, KDFLetterServerIV, 12),
		DeriveKey(shared, exchangeHash, sessionID, KDFLetterServerKey, 32),
	); err != nil {
		return err
	}
	c.hasCompletedInitialKex = true
	return nil
}

// EnableEncryption flips encryptionActive on first NEWKEYS. Subsequent
// calls (after a rekey) are no-ops: the flag transitions once and
// stays true for the life of the connection (spec §3 invariant).
func (c *CipherState) EnableEncryption() {
	c.encryptionActive = true
}

// EncryptionActive reports whether packets are currently AEAD-framed.
func (c *CipherState) EncryptionActive() bool { return c.encryptionActive }

// PrepareRekey derives the next key set into shadow slots without
// disturbing the live keys or sequence counters. Any packet produced
// or consumed before SwapRekey still uses the old keys (spec §4.1).
func (c *CipherState) PrepareRekey(shared *big.Int, exchangeHash, sessionID []byte) error {
	c.rekeyInProgress = true
	if err := c.readShadow.install(
		DeriveKey(shared, exchangeHash, sessionID, KDFLetterClientIV, 12),
		DeriveKey(shared, exchangeHash, sessionID, KDFLetterClientKey, 32),
	); err != nil {
		return err
	}
	if err := c.writeShadow.install(
		DeriveKey(shared, exchangeHash, sessionID, KDFLetterServerIV, 12),
		DeriveKey(shared, exchangeHash, sessionID, KDFLetterServerKey, 32),
	); err != nil {
		return err
	}
	return nil
}

// SwapRekey atomically installs the shadow keys as the live keys and
// resets both sequence counters to zero. Call only after both this
// side's NEWKEYS has been sent and the peer's NEWKEYS has been
// received (spec §4.1).
func (c *CipherState) SwapRekey() {
	c.read = c.readShadow
	c.write = c.writeShadow
	c.readShadow = dirKeys{}
	c.writeShadow = dirKeys{}
	c.readSeq = 0
	c.writeSeq = 0
	c.rekeyInProgress = false
}

// Encrypt frames payload as a wire packet: cleartext framing if
// encryption is not yet active, AEAD framing otherwise. Only
// AEAD-framed packets advance this direction's sequence counter, so the
// first packet after NEWKEYS uses counter 0 (DecryptNext does the same
// for the read direction).
func (c *CipherState) Encrypt(payload []byte) ([]byte, error) {
	if !c.encryptionActive {
		block, err := buildPlaintextBlock(payload, 8, c.rand)
		if err != nil {
			return nil, err
		}
		wire := make([]byte, 4+len(block))
		binary.BigEndian.PutUint32(wire[:4], uint32(len(block)))
		copy(wire[4:], block)
		return wire, nil
	}

	block, err := buildPlaintextBlock(payload, aes.BlockSize, c.rand)
	if err != nil {
		return nil, err
	}
	var lengthField [4]byte
	binary.BigEndian.PutUint32(lengthField[:], uint32(len(block)))
	nonce := c.write.nonce(c.writeSeq)
	ciphertext := c.write.aead.Seal(nil, nonce[:], block, lengthField[:])

	wire := make([]byte, 4+len(ciphertext))
	copy(wire[:4], lengthField[:])
	copy(wire[4:], ciphertext)
	c.writeSeq++
	return wire, nil
}

// DecryptNext attempts to extract exactly one packet from the front of
// buf. It returns ErrNeedMore if buf does not yet hold a complete
// packet, a *CryptoError on AEAD tag failure (fatal), or a
// *FramingError on bad length/padding (non-fatal up to the caller's
// retry budget).
func (c *CipherState) DecryptNext(buf []byte) (*Packet, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrNeedMore
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if length < 1 || length > MaxPacketLength {
		return nil, 0, &FramingError{Reason: "packet_length out of range"}
	}

	if !c.encryptionActive {
		total := 4 + int(length)
		if len(buf) < total {
			return nil, 0, ErrNeedMore
		}
		payload, err := parsePlaintextBlock(buf[4:total])
		if err != nil {
			return nil, 0, &FramingError{Reason: err.Error()}
		}
		return &Packet{Payload: payload}, total, nil
	}

	total := 4 + int(length) + 16
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}
	nonce := c.read.nonce(c.readSeq)
	block, err := c.read.aead.Open(nil, nonce[:], buf[4:total], buf[:4])
	if err != nil {
		return nil, 0, &CryptoError{Reason: "AEAD tag verification failed"}
	}
	payload, err := parsePlaintextBlock(block)
	if err != nil {
		return nil, 0, &FramingError{Reason: err.Error()}
	}
	c.readSeq++
	return &Packet{Payload: payload}, total, nil
}
