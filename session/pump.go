package session

import (
	"errors"
	"io"
	"time"

	"github.com/whispsh/whisp/sshwire"
)

// ioEventKind tags the single funnel channel every connection reads
// from: the client socket and every open channel's PTY master, each
// fed by its own reader goroutine (SPEC_FULL §8 — Go has no readiness
// primitive spanning heterogeneous fd and non-fd sources, so a
// goroutine-per-source pump substitutes for the single select/poll
// loop spec.md's source language would use).
type ioEventKind int

const (
	eventSocketData ioEventKind = iota
	eventSocketClosed
	eventPtyData
	eventPtyClosed
	eventChildExited
)

type ioEvent struct {
	kind      ioEventKind
	channelID uint32
	data      []byte
	exitCode  uint32
}

// loopTick is the event loop's wakeup granularity (spec §4.5: "~30 ms").
const loopTick = 30 * time.Millisecond

// pumpSocket is the one reader goroutine for the client connection.
// It never touches connection state directly; it only posts events.
func (c *Connection) pumpSocket() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.events <- ioEvent{kind: eventSocketData, data: chunk}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case c.events <- ioEvent{kind: eventSocketClosed}:
			case <-c.done:
			}
			return
		}
	}
}

// pumpPty is the per-channel reader goroutine for a PTY master,
// started once a channel's pty-req succeeds.
func (c *Connection) pumpPty(channelID uint32, r io.Reader) {
	buf := make([]byte, 8*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.events <- ioEvent{kind: eventPtyData, channelID: channelID, data: chunk}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case c.events <- ioEvent{kind: eventPtyClosed, channelID: channelID}:
			case <-c.done:
			}
			return
		}
	}
}

// eventLoop is the Connection's single-threaded cooperative loop
// (spec §4.5/§5): it serializes every packet and every channel I/O
// event through one goroutine, so packet order and rekey atomicity
// hold without any locking.
func (c *Connection) eventLoop() error {
	ticker := time.NewTicker(loopTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return nil

		case ev := <-c.events:
			if err := c.handleEvent(ev); err != nil {
				return err
			}

		case <-ticker.C:
			c.reapClosedChannels()
			if err := c.checkInactivity(); err != nil {
				return err
			}
		}

		if c.state == StateClosed {
			return nil
		}
	}
}

func (c *Connection) handleEvent(ev ioEvent) error {
	switch ev.kind {
	case eventSocketData:
		c.lastActivity = time.Now()
		c.bytesIn += int64(len(ev.data))
		c.inBuf = append(c.inBuf, ev.data...)
		if len(c.inBuf) > maxInputBuffer {
			return c.fatal(sshwire.DisconnectProtocolError, "input buffer overflow", nil)
		}
		return c.drainPackets()

	case eventSocketClosed:
		c.Close()
		return nil

	case eventPtyData:
		return c.channelSendData(ev.channelID, ev.data)

	case eventPtyClosed:
		c.channelOutputEOF(ev.channelID)
		return nil

	case eventChildExited:
		c.channelChildExited(ev.channelID, ev.exitCode)
		return nil
	}
	return nil
}

// drainPackets parses and dispatches every complete packet currently
// sitting in inBuf, one at a time (spec §5: "the next packet is not
// parsed until the current one has been fully handled").
func (c *Connection) drainPackets() error {
	for {
		pkt, n, err := c.cipher.DecryptNext(c.inBuf)
		if errors.Is(err, sshwire.ErrNeedMore) {
			return nil
		}
		if err != nil {
			return c.onParseFailure(err)
		}
		c.inBuf = c.inBuf[n:]
		c.consecutiveParseFailures = 0

		if err := c.dispatchPacket(pkt); err != nil {
			return err
		}
		if c.state == StateClosed {
			return nil
		}
	}
}

func (c *Connection) onParseFailure(err error) error {
	var crypto *sshwire.CryptoError
	if errors.As(err, &crypto) {
		return c.fatal(sshwire.DisconnectMACError, "MAC/AEAD verification failed", err)
	}
	c.consecutiveParseFailures++
	c.logger.Warnf("[%s] parse failure %d/%d: %v", c.id, c.consecutiveParseFailures, maxParseFailures, err)
	if c.consecutiveParseFailures >= maxParseFailures {
		return c.fatal(sshwire.DisconnectProtocolError, "too many consecutive parse failures", err)
	}
	// Advance past one byte and keep the session alive, per §7's
	// "skipped by advancing one byte" tolerance.
	if len(c.inBuf) > 0 {
		c.inBuf = c.inBuf[1:]
	}
	return nil
}

func (c *Connection) checkInactivity() error {
	if time.Since(c.lastActivity) > c.inactivityLimit {
		return c.fatal(sshwire.DisconnectByApplication, "Connection inactive for too long", nil)
	}
	return nil
}

func (c *Connection) reapClosedChannels() {
	for id, ch := range c.channels {
		if ch.inputClosed && ch.outputClosed && ch.closeSent {
			delete(c.channels, id)
		}
	}
}
