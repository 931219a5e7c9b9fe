package sshwire

import (
	"encoding/binary"
	"errors"
	"math/big"
)

// ErrShortPacket is returned by any extraction method when the cursor
// runs out of bytes before satisfying the request.
var ErrShortPacket = errors.New("sshwire: packet too short")

// Writer accumulates a packet payload one typed field at a time,
// replacing runtime type dispatch with an explicit call at each site
// (spec §9, "dynamic pack any value helper").
type Writer struct {
	buf []byte
}

// NewWriter starts a payload with the given message type byte.
func NewWriter(msgType byte) *Writer {
	return &Writer{buf: []byte{msgType}}
}

func (w *Writer) WriteByte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

func (w *Writer) WriteBool(b bool) *Writer {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
	return w
}

func (w *Writer) WriteUint32(v uint32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// WriteString writes a length-prefixed byte string.
func (w *Writer) WriteString(s []byte) *Writer {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// WriteStr writes a length-prefixed ASCII/UTF-8 string.
func (w *Writer) WriteStr(s string) *Writer {
	return w.WriteString([]byte(s))
}

// WriteRaw appends bytes with no length prefix (used for pre-framed
// sub-blobs such as a signature or public-key blob built elsewhere).
func (w *Writer) WriteRaw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// WriteMpint writes a big-endian two's-complement magnitude with the
// canonical leading zero byte when the MSB would otherwise be set,
// matching the SSH mpint encoding used for KEX shared secrets.
func (w *Writer) WriteMpint(n *big.Int) *Writer {
	w.WriteString(MarshalMpint(n))
	return w
}

// Bytes returns the accumulated payload, message type byte included.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// MarshalMpint encodes a non-negative big.Int per the SSH mpint rule:
// big-endian magnitude, with one leading 0x00 byte prepended if the
// high bit of the first byte would otherwise be set.
func MarshalMpint(n *big.Int) []byte {
	if n.Sign() == 0 {
		return nil
	}
	b := n.Bytes()
	if b[0]&0x80 != 0 {
		out := make([]byte, len(b)+1)
		copy(out[1:], b)
		return out
	}
	return b
}

// Cursor reads typed fields off a packet payload in order, advancing
// its position and failing with ErrShortPacket on underrun.
type Cursor struct {
	buf []byte
	pos int
	err error
}

// NewCursor wraps payload for extraction. The first byte (message
// type) is consumed automatically if skipType is true.
func NewCursor(payload []byte, skipType bool) *Cursor {
	c := &Cursor{buf: payload}
	if skipType && len(payload) > 0 {
		c.pos = 1
	}
	return c
}

// Err returns the first error encountered during extraction, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Rest returns the remaining unread bytes.
func (c *Cursor) Rest() []byte {
	if c.pos > len(c.buf) {
		return nil
	}
	return c.buf[c.pos:]
}

func (c *Cursor) fail() {
	if c.err == nil {
		c.err = ErrShortPacket
	}
}

func (c *Cursor) ReadByte() byte {
	if c.err != nil || c.pos >= len(c.buf) {
		c.fail()
		return 0
	}
	b := c.buf[c.pos]
	c.pos++
	return b
}

func (c *Cursor) ReadBool() bool {
	return c.ReadByte() != 0
}

func (c *Cursor) ReadUint32() uint32 {
	if c.err != nil || c.pos+4 > len(c.buf) {
		c.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos : c.pos+4])
	c.pos += 4
	return v
}

// ReadString reads a length-prefixed byte string.
func (c *Cursor) ReadString() []byte {
	if c.err != nil {
		return nil
	}
	n := c.ReadUint32()
	if c.err != nil {
		return nil
	}
	if c.pos+int(n) > len(c.buf) || n > 1<<20 {
		c.fail()
		return nil
	}
	s := c.buf[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return s
}

// ReadStr reads a length-prefixed string as a Go string.
func (c *Cursor) ReadStr() string {
	return string(c.ReadString())
}

// ReadMpint reads a length-prefixed mpint and returns its magnitude.
func (c *Cursor) ReadMpint() *big.Int {
	b := c.ReadString()
	if c.err != nil {
		return nil
	}
	return new(big.Int).SetBytes(b)
}

// ReadRaw consumes exactly n remaining bytes without a length prefix.
func (c *Cursor) ReadRaw(n int) []byte {
	if c.err != nil || c.pos+n > len(c.buf) {
		c.fail()
		return nil
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}
