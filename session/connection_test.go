package session

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"
	"google.golang.org/grpc/test/bufconn"

	"github.com/whispsh/whisp/internal/apps"
	"github.com/whispsh/whisp/internal/hostkey"
	"github.com/whispsh/whisp/internal/logging"
	"github.com/whispsh/whisp/sshwire"
)

// wireClient drives the client side of spec §4.5's state machine over
// a raw net.Conn, the way a real SSH client would, so Connection can be
// exercised end to end (grounded on sshd/xnet/mem.go's bufconn pipe and
// sshd/sshtest's scripted-client style, generalized to this wire
// format instead of golang.org/x/crypto/ssh's).
type wireClient struct {
	t    *testing.T
	conn io.ReadWriteCloser
	buf  []byte

	clientVersion []byte
	serverVersion []byte

	clientKexInit []byte
	serverKexInit []byte

	sessionID []byte

	readDir, writeDir dirAEAD
	readSeq, writeSeq uint64
	active            bool
}

// dirAEAD mirrors sshwire.CipherState's private per-direction nonce
// construction, reimplemented here since the client side needs the
// opposite key/letter assignment from the server's CipherState.
type dirAEAD struct {
	iv   [12]byte
	aead cipher.AEAD
}

func newDirAEAD(key, iv []byte) dirAEAD {
	var d dirAEAD
	copy(d.iv[:], iv)
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	d.aead = aead
	return d
}

func (d dirAEAD) nonce(seq uint64) [12]byte {
	var n [12]byte
	copy(n[:8], d.iv[:8])
	base := binary.BigEndian.Uint32(d.iv[8:12])
	binary.BigEndian.PutUint32(n[8:12], base+uint32(seq))
	return n
}

func newWireClient(t *testing.T, conn io.ReadWriteCloser) *wireClient {
	return &wireClient{t: t, conn: conn}
}

func (c *wireClient) sendVersion() {
	c.clientVersion = []byte("SSH-2.0-WhispTestClient")
	if _, err := c.conn.Write(append(append([]byte{}, c.clientVersion...), "\r\n"...)); err != nil {
		c.t.Fatalf("write version: %v", err)
	}
}

func (c *wireClient) readVersion() {
	line := c.readLine()
	c.serverVersion = bytes.TrimRight(line, "\r\n")
}

func (c *wireClient) readLine() []byte {
	for {
		if i := bytes.IndexByte(c.buf, '\n'); i >= 0 {
			line := c.buf[:i+1]
			c.buf = c.buf[i+1:]
			return line
		}
		chunk := make([]byte, 4096)
		n, err := c.conn.Read(chunk)
		if err != nil {
			c.t.Fatalf("read version: %v", err)
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

// fill ensures buf holds at least n bytes, blocking on reads.
func (c *wireClient) fill(n int) {
	for len(c.buf) < n {
		chunk := make([]byte, 4096)
		k, err := c.conn.Read(chunk)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		c.buf = append(c.buf, chunk[:k]...)
	}
}

func (c *wireClient) sendPacket(payload []byte) {
	if !c.active {
		padlen := 8 - (1+len(payload))%8
		if padlen < sshwire.MinPaddingLength {
			padlen += 8
		}
		block := make([]byte, 1+len(payload)+padlen)
		block[0] = byte(padlen)
		copy(block[1:], payload)
		io.ReadFull(rand.Reader, block[1+len(payload):])
		wire := make([]byte, 4+len(block))
		binary.BigEndian.PutUint32(wire[:4], uint32(len(block)))
		copy(wire[4:], block)
		if _, err := c.conn.Write(wire); err != nil {
			c.t.Fatalf("write: %v", err)
		}
		c.writeSeq++
		return
	}

	padlen := aes.BlockSize - (1+len(payload))%aes.BlockSize
	if padlen < sshwire.MinPaddingLength {
		padlen += aes.BlockSize
	}
	block := make([]byte, 1+len(payload)+padlen)
	block[0] = byte(padlen)
	copy(block[1:], payload)
	io.ReadFull(rand.Reader, block[1+len(payload):])

	var lengthField [4]byte
	binary.BigEndian.PutUint32(lengthField[:], uint32(len(block)))
	nonce := c.writeDir.nonce(c.writeSeq)
	ciphertext := c.writeDir.aead.Seal(nil, nonce[:], block, lengthField[:])
	wire := make([]byte, 4+len(ciphertext))
	copy(wire[:4], lengthField[:])
	copy(wire[4:], ciphertext)
	if _, err := c.conn.Write(wire); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	c.writeSeq++
}

func (c *wireClient) readPacket() *sshwire.Packet {
	c.fill(4)
	length := binary.BigEndian.Uint32(c.buf[:4])

	if !c.active {
		total := 4 + int(length)
		c.fill(total)
		block := c.buf[4:total]
		c.buf = c.buf[total:]
		padlen := int(block[0])
		payload := block[1 : len(block)-padlen]
		c.readSeq++
		return &sshwire.Packet{Payload: append([]byte{}, payload...)}
	}

	total := 4 + int(length) + 16
	c.fill(total)
	nonce := c.readDir.nonce(c.readSeq)
	block, err := c.readDir.aead.Open(nil, nonce[:], c.buf[4:total], c.buf[:4])
	if err != nil {
		c.t.Fatalf("AEAD open: %v", err)
	}
	c.buf = c.buf[total:]
	padlen := int(block[0])
	payload := block[1 : len(block)-padlen]
	c.readSeq++
	return &sshwire.Packet{Payload: append([]byte{}, payload...)}
}

// doKex drives KEXINIT/KEXDH_INIT/KEXDH_REPLY/NEWKEYS and installs the
// symmetric AEAD directions a real client would derive.
func (c *wireClient) doKex(hostPub ed25519.PublicKey) {
	kexInit := sshwire.NewWriter(sshwire.MsgKexInit)
	var cookie [16]byte
	io.ReadFull(rand.Reader, cookie[:])
	kexInit.WriteRaw(cookie[:])
	kexInit.WriteStr(sshwire.KexAlgoCurve25519SHA256)
	kexInit.WriteStr(sshwire.HostKeyAlgoSSHEd25519)
	kexInit.WriteStr(sshwire.CipherAES256GCM)
	kexInit.WriteStr(sshwire.CipherAES256GCM)
	kexInit.WriteStr(sshwire.MACHMACSHA256)
	kexInit.WriteStr(sshwire.MACHMACSHA256)
	kexInit.WriteStr(sshwire.CompressionNone)
	kexInit.WriteStr(sshwire.CompressionNone)
	kexInit.WriteStr("")
	kexInit.WriteStr("")
	kexInit.WriteBool(false)
	kexInit.WriteUint32(0)
	c.clientKexInit = kexInit.Bytes()
	c.sendPacket(c.clientKexInit)

	serverKexInitPkt := c.readPacket()
	if serverKexInitPkt.Type() != sshwire.MsgKexInit {
		c.t.Fatalf("expected KEXINIT, got type %d", serverKexInitPkt.Type())
	}
	c.serverKexInit = serverKexInitPkt.Payload

	priv, pub, err := sshwire.GenerateEphemeralX25519(rand.Reader)
	if err != nil {
		c.t.Fatalf("ephemeral: %v", err)
	}
	dhInit := sshwire.NewWriter(sshwire.MsgKexDHInit)
	dhInit.WriteString(pub[:])
	c.sendPacket(dhInit.Bytes())

	replyPkt := c.readPacket()
	if replyPkt.Type() != sshwire.MsgKexDHReply {
		c.t.Fatalf("expected KEXDH_REPLY, got type %d", replyPkt.Type())
	}
	cur := sshwire.NewCursor(replyPkt.Payload, true)
	hostKeyBlob := cur.ReadString()
	serverPub := cur.ReadString()
	sigBlob := cur.ReadString()
	if cur.Err() != nil {
		c.t.Fatalf("malformed KEXDH_REPLY: %v", cur.Err())
	}

	sharedBytes, err := curve25519.X25519(priv[:], serverPub)
	if err != nil {
		c.t.Fatalf("x25519: %v", err)
	}
	shared := new(big.Int).SetBytes(sharedBytes)

	h := sha256.New()
	writeLP(h, c.clientVersion)
	writeLP(h, c.serverVersion)
	writeLP(h, c.clientKexInit)
	writeLP(h, c.serverKexInit)
	writeLP(h, hostKeyBlob)
	writeLP(h, pub[:])
	writeLP(h, serverPub)
	writeLP(h, sshwire.MarshalMpint(shared))
	exchangeHash := h.Sum(nil)

	sigCur := sshwire.NewCursor(sigBlob, false)
	_ = sigCur.ReadStr() // "ssh-ed25519"
	sig := sigCur.ReadString()
	if !ed25519.Verify(hostPub, exchangeHash, sig) {
		c.t.Fatalf("host key signature verification failed")
	}

	if c.sessionID == nil {
		c.sessionID = exchangeHash
	}

	c.sendPacket([]byte{sshwire.MsgNewKeys})
	newKeysPkt := c.readPacket()
	if newKeysPkt.Type() != sshwire.MsgNewKeys {
		c.t.Fatalf("expected NEWKEYS, got type %d", newKeysPkt.Type())
	}

	clientIV := sshwire.DeriveKey(shared, exchangeHash, c.sessionID, sshwire.KDFLetterClientIV, 12)
	clientKey := sshwire.DeriveKey(shared, exchangeHash, c.sessionID, sshwire.KDFLetterClientKey, 32)
	serverIV := sshwire.DeriveKey(shared, exchangeHash, c.sessionID, sshwire.KDFLetterServerIV, 12)
	serverKey := sshwire.DeriveKey(shared, exchangeHash, c.sessionID, sshwire.KDFLetterServerKey, 32)

	c.writeDir = newDirAEAD(clientKey, clientIV)
	c.readDir = newDirAEAD(serverKey, serverIV)
	c.active = true
	c.readSeq = 0
	c.writeSeq = 0
}

func writeLP(h io.Writer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	h.Write(l[:])
	h.Write(b)
}

// handshake drives version exchange + KEX only, leaving the client
// positioned at AwaitServiceRequest on the server side.
func (c *wireClient) handshake(hostPub ed25519.PublicKey) {
	c.sendVersion()
	c.readVersion()
	c.doKex(hostPub)
}

// authNone completes a "none" probe, then authenticates with
// "keyboard-interactive" (spec §8 scenario 3), returning the final
// USERAUTH_SUCCESS packet.
func (c *wireClient) authenticate(username string) {
	extInfo := c.readPacket()
	if extInfo.Type() != sshwire.MsgExtInfo {
		c.t.Fatalf("expected EXT_INFO, got type %d", extInfo.Type())
	}
	accept := c.readPacket()
	if accept.Type() != sshwire.MsgServiceAccept {
		c.t.Fatalf("expected SERVICE_ACCEPT, got type %d", accept.Type())
	}

	none := sshwire.NewWriter(sshwire.MsgUserAuthRequest)
	none.WriteStr(username)
	none.WriteStr("ssh-connection")
	none.WriteStr("none")
	c.sendPacket(none.Bytes())

	failure := c.readPacket()
	if failure.Type() != sshwire.MsgUserAuthFailure {
		c.t.Fatalf("expected USERAUTH_FAILURE after none probe, got type %d", failure.Type())
	}

	ki := sshwire.NewWriter(sshwire.MsgUserAuthRequest)
	ki.WriteStr(username)
	ki.WriteStr("ssh-connection")
	ki.WriteStr("keyboard-interactive")
	ki.WriteStr("")
	ki.WriteStr("")
	c.sendPacket(ki.Bytes())

	success := c.readPacket()
	if success.Type() != sshwire.MsgUserAuthSuccess {
		c.t.Fatalf("expected USERAUTH_SUCCESS, got type %d", success.Type())
	}
}

func serviceRequest() []byte {
	w := sshwire.NewWriter(sshwire.MsgServiceRequest)
	w.WriteStr("ssh-userauth")
	return w.Bytes()
}

// newBufconnPair returns a connected (serverSide, clientSide) pair
// over an in-memory bufconn listener (grounded on sshd/xnet/mem.go's
// bufconn.Listen wrapping).
func newBufconnPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	serverCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := lis.Accept()
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- c
	}()
	clientConn, err := lis.DialContext(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case c := <-serverCh:
		return c, clientConn
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(time.Second):
		t.Fatalf("accept timed out")
	}
	return nil, nil
}

func newTestConnection(t *testing.T) (*Connection, *hostkey.Store, net.Conn) {
	t.Helper()
	serverSide, clientSide := newBufconnPair(t)

	hk, err := hostkey.Load(t.TempDir())
	if err != nil {
		t.Fatalf("hostkey.Load: %v", err)
	}
	registry := apps.New()
	if err := registry.Put("default", []string{"/bin/true"}); err != nil {
		t.Fatalf("registry.Put(default): %v", err)
	}
	if err := registry.Put("chat-{room}", []string{"/bin/true"}); err != nil {
		t.Fatalf("registry.Put(chat-{room}): %v", err)
	}

	conn := New(serverSide, "test-conn", registry, hk, logging.Nop)
	return conn, hk, clientSide
}

func TestVersionHandshakeAndKex(t *testing.T) {
	conn, hk, clientSide := newTestConnection(t)
	done := make(chan error, 1)
	go func() { done <- conn.Run() }()
	defer func() {
		conn.Close()
		<-done
	}()

	c := newWireClient(t, clientSide)
	c.handshake(hk.Public)

	if len(c.sessionID) != sha256.Size {
		t.Fatalf("expected 32-byte session id, got %d bytes", len(c.sessionID))
	}
}

func TestAuthProbeThenAccept(t *testing.T) {
	conn, hk, clientSide := newTestConnection(t)
	done := make(chan error, 1)
	go func() { done <- conn.Run() }()
	defer func() {
		conn.Close()
		<-done
	}()

	c := newWireClient(t, clientSide)
	c.handshake(hk.Public)
	c.sendPacket(serviceRequest())
	c.authenticate("chat-lobby")

	if conn.requestedApp != "chat-lobby" {
		t.Fatalf("requestedApp = %q, want chat-lobby", conn.requestedApp)
	}
	if conn.pendingResolution == nil || conn.pendingResolution.Params["room"] != "lobby" {
		t.Fatalf("pendingResolution params = %+v", conn.pendingResolution)
	}
}

func TestChannelOpenAndShell(t *testing.T) {
	conn, hk, clientSide := newTestConnection(t)
	done := make(chan error, 1)
	go func() { done <- conn.Run() }()
	defer func() {
		conn.Close()
		<-done
	}()

	c := newWireClient(t, clientSide)
	c.handshake(hk.Public)
	c.sendPacket(serviceRequest())
	c.authenticate("someone")

	open := sshwire.NewWriter(sshwire.MsgChannelOpen)
	open.WriteStr("session")
	open.WriteUint32(0)
	open.WriteUint32(2097152)
	open.WriteUint32(32768)
	c.sendPacket(open.Bytes())

	confirm := c.readPacket()
	if confirm.Type() != sshwire.MsgChannelOpenConfirmation {
		t.Fatalf("expected CHANNEL_OPEN_CONFIRMATION, got type %d", confirm.Type())
	}

	shellReq := sshwire.NewWriter(sshwire.MsgChannelRequest)
	shellReq.WriteUint32(0)
	shellReq.WriteStr("shell")
	shellReq.WriteBool(true)
	c.sendPacket(shellReq.Bytes())

	resp := c.readPacket()
	if resp.Type() != sshwire.MsgChannelSuccess && resp.Type() != sshwire.MsgChannelFailure {
		t.Fatalf("expected CHANNEL_SUCCESS/FAILURE, got type %d", resp.Type())
	}
}
