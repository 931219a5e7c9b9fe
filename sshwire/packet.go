package sshwire

import (
	"crypto/rand"
	"errors"
	"io"
)

// Packet is one binary-packet payload: a message type byte followed by
// the type-specific remainder. Packets never carry their own framing —
// that is CipherState's job (spec §3, §4.1).
type Packet struct {
	Payload []byte
}

// Type returns the message type byte, or 0 for an empty packet.
func (p Packet) Type() byte {
	if len(p.Payload) == 0 {
		return 0
	}
	return p.Payload[0]
}

// Cursor returns a Cursor positioned after the message type byte.
func (p Packet) Cursor() *Cursor {
	return NewCursor(p.Payload, true)
}

// MinPaddingLength is the minimum padding any packet must carry,
// regardless of cipher block size (spec §4.1).
const MinPaddingLength = 4

// ErrMalformedPacket covers a framing inconsistency in a plaintext
// block: an empty block, padding shorter than the minimum, or padding
// longer than the block. Alignment to the cipher's block size is not
// checked.
var ErrMalformedPacket = errors.New("sshwire: malformed packet")

// buildPlaintextBlock returns padlen(1) || payload || padding(random),
// sized so that 1+len(payload)+padlen is a multiple of blockSize and
// padlen is at least MinPaddingLength (spec §4.1).
func buildPlaintextBlock(payload []byte, blockSize int, rnd io.Reader) ([]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	padlen := blockSize - (1+len(payload))%blockSize
	if padlen < MinPaddingLength {
		padlen += blockSize
	}
	block := make([]byte, 1+len(payload)+padlen)
	block[0] = byte(padlen)
	copy(block[1:], payload)
	if _, err := io.ReadFull(rnd, block[1+len(payload):]); err != nil {
		return nil, err
	}
	return block, nil
}

// parsePlaintextBlock strips padlen and padding from padlen(1) || payload || padding.
func parsePlaintextBlock(block []byte) ([]byte, error) {
	if len(block) < 1 {
		return nil, ErrMalformedPacket
	}
	padlen := int(block[0])
	if padlen < MinPaddingLength || 1+padlen > len(block) {
		return nil, ErrMalformedPacket
	}
	return block[1 : len(block)-padlen], nil
}
