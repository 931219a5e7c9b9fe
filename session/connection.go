// Package session implements the SSH connection state machine named
// in spec §4.5: version exchange, key exchange (with rekey), service
// request, user authentication, and channel multiplexing, driven by a
// single-threaded event loop per accepted TCP connection.
package session

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/whispsh/whisp/internal/apps"
	"github.com/whispsh/whisp/internal/hostkey"
	"github.com/whispsh/whisp/internal/logging"
	"github.com/whispsh/whisp/sshwire"
)

// State is one node of the connection state machine (spec §4.5).
type State int

const (
	StateAwaitClientVersion State = iota
	StateAwaitKexInit
	StateAwaitKexDhInit
	StateAwaitNewKeys
	StateAwaitServiceRequest
	StateAwaitUserAuth
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitClientVersion:
		return "AwaitClientVersion"
	case StateAwaitKexInit:
		return "AwaitKexInit"
	case StateAwaitKexDhInit:
		return "AwaitKexDhInit"
	case StateAwaitNewKeys:
		return "AwaitNewKeys"
	case StateAwaitServiceRequest:
		return "AwaitServiceRequest"
	case StateAwaitUserAuth:
		return "AwaitUserAuth"
	case StateConnected:
		return "Connected"
	default:
		return "Closed"
	}
}

// DefaultInactivityLimit is the idle watchdog timeout named in spec §4.5.
const DefaultInactivityLimit = 60 * time.Second

// maxInputBuffer bounds the unparsed-packet accumulator (spec §8:
// "Input buffer > 1 MiB -> DISCONNECT").
const maxInputBuffer = 1 << 20

// maxParseFailures is the fatal threshold of spec §7/§8. The prose in
// §8 says "five" while the table in §7 says "four events are skipped,
// the 5th is fatal" — both describe the same boundary: failures 1-4
// are tolerated, the 5th terminates the connection.
const maxParseFailures = 5

// authState tracks spec §4.3's authentication dialog.
type authState struct {
	succeeded  bool
	attempted  bool
	pubKey     *sshwire.ParsedPublicKey
	pubKeyBlob []byte
}

// Stats is a read-only snapshot for the embedding program's health
// reporting (SPEC_FULL §7).
type Stats struct {
	BytesIn, BytesOut int64
	OpenChannels      int
	ConnectedAt       time.Time
	LastActivity      time.Time
}

// Connection drives one accepted TCP socket through the full SSH
// transport and connection-protocol lifecycle (spec §3/§4.5).
type Connection struct {
	id         string
	conn       net.Conn
	clientAddr string
	logger     logging.Logger
	registry   *apps.Registry
	hostKey    *hostkey.Store

	inactivityLimit time.Duration

	state State

	clientVersion []byte
	serverVersion []byte

	inBuf []byte

	sessionID             []byte
	clientKexInitPayload  []byte
	serverKexInitPayload  []byte
	rekeying              bool

	cipher *sshwire.CipherState

	auth              authState
	requestedApp      string
	username          string
	pendingResolution *apps.Resolution

	channels map[uint32]*Channel

	connectedAt  time.Time
	lastActivity time.Time
	bytesIn      int64
	bytesOut     int64

	consecutiveParseFailures int

	events chan ioEvent
	done   chan struct{}
}

// New constructs a Connection ready for Run. id is an opaque,
// caller-assigned connection identifier exposed to apps as
// WHISP_CONNECTION_ID.
func New(conn net.Conn, id string, registry *apps.Registry, hk *hostkey.Store, logger logging.Logger) *Connection {
	if logger == nil {
		logger = logging.Nop
	}
	addr := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(addr); err == nil {
		addr = h
	}
	return &Connection{
		id:              id,
		conn:            conn,
		clientAddr:      addr,
		logger:          logger,
		registry:        registry,
		hostKey:         hk,
		inactivityLimit: DefaultInactivityLimit,
		state:           StateAwaitClientVersion,
		channels:        map[uint32]*Channel{},
		cipher:          sshwire.NewCipherState(rand.Reader),
		events:          make(chan ioEvent, 64),
		done:            make(chan struct{}),
	}
}

// Stats returns a snapshot of this connection's counters.
func (c *Connection) Stats() Stats {
	return Stats{
		BytesIn:      c.bytesIn,
		BytesOut:     c.bytesOut,
		OpenChannels: len(c.channels),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
	}
}

// Close requests that Run's next loop iteration tear the connection
// down (spec §5: "a cooperative worker must arrange for the next loop
// iteration to observe a termination flag").
func (c *Connection) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Run drives the connection to completion: version exchange, then the
// event loop. It returns when the connection is torn down, by any
// means (graceful close, protocol error, peer disconnect, inactivity).
func (c *Connection) Run() error {
	c.connectedAt = time.Now()
	c.lastActivity = c.connectedAt

	if err := c.exchangeVersions(); err != nil {
		return err
	}

	go c.pumpSocket()

	defer c.teardown()
	return c.eventLoop()
}

// exchangeVersions implements spec §4.5's AwaitClientVersion state:
// read the client's identification line, send ours, advance state.
func (c *Connection) exchangeVersions() error {
	r := bufio.NewReader(c.conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("session: reading client version: %w", err)
	}
	c.clientVersion = []byte(strings.TrimRight(line, "\r\n"))
	c.logger.Debugf("[%s] client version: %q", c.id, c.clientVersion)

	c.serverVersion = []byte(sshwire.ServerVersion)
	if _, err := c.conn.Write(append(append([]byte{}, c.serverVersion...), "\r\n"...)); err != nil {
		return fmt.Errorf("session: writing server version: %w", err)
	}

	// Any bytes ReadString buffered past the version line belong to
	// the first KEXINIT packet; hand them to the packet drainer.
	if r.Buffered() > 0 {
		rest := make([]byte, r.Buffered())
		_, _ = r.Read(rest)
		c.inBuf = append(c.inBuf, rest...)
	}

	c.state = StateAwaitKexInit
	return nil
}

// teardown closes every open channel and the underlying socket. Safe
// to call multiple times.
func (c *Connection) teardown() {
	for id, ch := range c.channels {
		ch.terminate()
		delete(c.channels, id)
	}
	c.conn.Close()
	c.state = StateClosed
}

// fatal logs and returns err after sending a best-effort DISCONNECT.
func (c *Connection) fatal(code uint32, reason string, cause error) error {
	c.sendDisconnect(code, reason)
	if cause != nil {
		c.logger.Errorf("[%s] fatal: %s (%v)", c.id, reason, cause)
		return cause
	}
	c.logger.Errorf("[%s] fatal: %s", c.id, reason)
	return &sshwire.DisconnectError{Code: code, Reason: reason}
}

func (c *Connection) sendDisconnect(code uint32, reason string) {
	w := sshwire.NewWriter(sshwire.MsgDisconnect)
	w.WriteUint32(code)
	w.WriteStr(reason)
	w.WriteStr("en")
	c.sendPacket(w.Bytes())
}

// sendPacket encrypts (or frames in cleartext, pre-NEWKEYS) and writes
// one packet. Write errors are logged; the caller's loop will observe
// the broken socket on its next read.
func (c *Connection) sendPacket(payload []byte) {
	wire, err := c.cipher.Encrypt(payload)
	if err != nil {
		c.logger.Errorf("[%s] encrypt: %v", c.id, err)
		c.Close()
		return
	}
	n, err := c.conn.Write(wire)
	if err != nil {
		c.logger.Errorf("[%s] write: %v", c.id, err)
		c.Close()
		return
	}
	c.bytesOut += int64(n)
}
