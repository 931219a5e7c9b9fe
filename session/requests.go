package session

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/whispsh/whisp/sshwire"
	"github.com/whispsh/whisp/term"
)

// errChannelAlreadyReplied is returned by startApp when it has already
// sent CHANNEL_FAILURE itself (spec §4.5's failure path: warning,
// exit-status, close); handleChannelRequest must not send a second
// reply on top of it.
var errChannelAlreadyReplied = errors.New("channel request already replied")

// defaultMaxPacketSize is used for chunking outbound CHANNEL_DATA
// until a channel sets its own (spec §4.5: "max_packet_size ... 1 MiB
// until then").
const defaultMaxPacketSize = 1 << 20

const unknownAppWarning = "\n\033[1;33m⚠️  Warning\033[0m: Unknown app: '%s'\n"

// handleConnectedPacket implements the Connected rows of spec §4.5's
// state table plus the channel sub-request dispatch that follows it.
func (c *Connection) handleConnectedPacket(pkt *sshwire.Packet) error {
	switch pkt.Type() {
	case sshwire.MsgChannelOpen:
		return c.handleChannelOpen(pkt.Payload)
	case sshwire.MsgChannelRequest:
		return c.handleChannelRequest(pkt.Payload)
	case sshwire.MsgChannelData:
		return c.handleChannelData(pkt.Payload)
	case sshwire.MsgChannelEOF:
		return c.handleChannelEOFMsg(pkt.Payload)
	case sshwire.MsgChannelClose:
		return c.handleChannelCloseMsg(pkt.Payload)
	case sshwire.MsgChannelWindowAdjust:
		return nil // not enforced, spec §4.5 "Backpressure"
	case sshwire.MsgGlobalRequest:
		return c.handleGlobalRequest(pkt.Payload)
	default:
		w := sshwire.NewWriter(sshwire.MsgUnimplemented)
		w.WriteUint32(0)
		c.sendPacket(w.Bytes())
		return nil
	}
}

func (c *Connection) handleGlobalRequest(payload []byte) error {
	cur := sshwire.NewCursor(payload, true)
	_ = cur.ReadStr() // request name; no global requests are supported (Non-goal)
	wantReply := cur.ReadBool()
	if cur.Err() != nil {
		return c.onParseFailure(cur.Err())
	}
	if wantReply {
		c.sendPacket([]byte{sshwire.MsgRequestFailure})
	}
	return nil
}

func (c *Connection) handleChannelOpen(payload []byte) error {
	cur := sshwire.NewCursor(payload, true)
	chanType := cur.ReadStr()
	senderChannel := cur.ReadUint32()
	windowSize := cur.ReadUint32()
	maxPacketSize := cur.ReadUint32()
	if cur.Err() != nil {
		return c.onParseFailure(cur.Err())
	}

	if chanType != "session" {
		w := sshwire.NewWriter(sshwire.MsgChannelOpenFailure)
		w.WriteUint32(senderChannel)
		w.WriteUint32(sshwire.OpenUnknownChannelType)
		w.WriteStr("only session channels are supported")
		w.WriteStr("en")
		c.sendPacket(w.Bytes())
		return nil
	}

	if maxPacketSize == 0 {
		maxPacketSize = defaultMaxPacketSize
	}
	ch := &Channel{
		id:            senderChannel,
		windowSize:    windowSize,
		maxPacketSize: maxPacketSize,
		chanType:      chanType,
		resolution:    c.pendingResolution,
	}
	if c.requestedApp != "" {
		ch.appDecided = true
	}
	c.channels[senderChannel] = ch

	w := sshwire.NewWriter(sshwire.MsgChannelOpenConfirmation)
	w.WriteUint32(senderChannel)
	w.WriteUint32(senderChannel)
	w.WriteUint32(windowSize)
	w.WriteUint32(maxPacketSize)
	c.sendPacket(w.Bytes())
	return nil
}

func (c *Connection) handleChannelRequest(payload []byte) error {
	cur := sshwire.NewCursor(payload, true)
	channelID := cur.ReadUint32()
	reqType := cur.ReadStr()
	wantReply := cur.ReadBool()
	rest := cur.Rest()
	if cur.Err() != nil {
		return c.onParseFailure(cur.Err())
	}

	ch, ok := c.channels[channelID]
	if !ok {
		if wantReply {
			c.sendPacket([]byte{sshwire.MsgChannelFailure})
		}
		return nil
	}

	var err error
	switch reqType {
	case "pty-req":
		err = c.handlePtyReq(ch, rest)
	case "env":
		err = c.handleEnvReq(ch, rest)
	case "exec":
		err = c.handleExecReq(ch, rest)
	case "shell":
		err = c.handleShellReq(ch)
	case "window-change":
		err = c.handleWindowChangeReq(ch, rest)
	case "signal":
		c.handleSignalReq(ch, rest)
	default:
		err = fmt.Errorf("unsupported request type %q", reqType)
	}

	if !wantReply {
		return nil
	}
	if err == errChannelAlreadyReplied {
		return nil
	}
	if err != nil {
		c.logger.Debugf("[%s] channel %d %s failed: %v", c.id, channelID, reqType, err)
		w := sshwire.NewWriter(sshwire.MsgChannelFailure)
		w.WriteUint32(channelID)
		c.sendPacket(w.Bytes())
	} else {
		w := sshwire.NewWriter(sshwire.MsgChannelSuccess)
		w.WriteUint32(channelID)
		c.sendPacket(w.Bytes())
	}
	return nil
}

func (c *Connection) handlePtyReq(ch *Channel, payload []byte) error {
	cur := sshwire.NewCursor(payload, false)
	termName := cur.ReadStr()
	cols := cur.ReadUint32()
	rows := cur.ReadUint32()
	widthPx := cur.ReadUint32()
	heightPx := cur.ReadUint32()
	modesRaw := cur.ReadString()
	if cur.Err() != nil {
		return cur.Err()
	}

	modes, err := term.ParseModes(modesRaw)
	if err != nil {
		return err
	}
	info := &term.TerminalInfo{Term: termName, Cols: cols, Rows: rows, WidthPx: widthPx, HeightPx: heightPx, Modes: modes}

	pty, err := term.Open(info)
	if err != nil {
		return err
	}
	ch.pty = pty
	ch.info = info
	c.pumpPtyFor(ch)
	return nil
}

// pumpPtyFor starts the reader goroutine that funnels this channel's
// PTY master into the connection's single event loop.
func (c *Connection) pumpPtyFor(ch *Channel) {
	go c.pumpPty(ch.id, ch.pty.Master)
}

func (c *Connection) handleEnvReq(ch *Channel, payload []byte) error {
	cur := sshwire.NewCursor(payload, false)
	name := cur.ReadStr()
	value := cur.ReadStr()
	if cur.Err() != nil {
		return cur.Err()
	}
	ch.env = append(ch.env, name+"="+value)
	return nil
}

func (c *Connection) handleExecReq(ch *Channel, payload []byte) error {
	cur := sshwire.NewCursor(payload, false)
	command := cur.ReadStr()
	if cur.Err() != nil {
		return cur.Err()
	}

	appName := command
	if ch.appDecided {
		appName = c.requestedApp
	}
	return c.startApp(ch, appName)
}

func (c *Connection) handleShellReq(ch *Channel) error {
	appName := "default"
	if c.requestedApp != "" {
		appName = c.requestedApp
	}
	return c.startApp(ch, appName)
}

func (c *Connection) handleWindowChangeReq(ch *Channel, payload []byte) error {
	cur := sshwire.NewCursor(payload, false)
	cols := cur.ReadUint32()
	rows := cur.ReadUint32()
	widthPx := cur.ReadUint32()
	heightPx := cur.ReadUint32()
	if cur.Err() != nil {
		return cur.Err()
	}
	if ch.info != nil {
		ch.info.Cols, ch.info.Rows, ch.info.WidthPx, ch.info.HeightPx = cols, rows, widthPx, heightPx
	}
	if ch.pty == nil {
		return fmt.Errorf("window-change on channel without a pty")
	}
	return ch.pty.Resize(cols, rows, widthPx, heightPx)
}

func (c *Connection) handleSignalReq(ch *Channel, payload []byte) {
	cur := sshwire.NewCursor(payload, false)
	name := cur.ReadStr()
	c.logger.Infof("[%s] channel %d received signal %q (ignored)", c.id, ch.id, name)
}

// startApp resolves appName against the registry and spawns it
// attached to ch's pty, per §4.6's resolution contract.
func (c *Connection) startApp(ch *Channel, appName string) error {
	res, ok := c.resolveApp(appName)
	if !ok {
		c.writeChannelWarning(ch, fmt.Sprintf(unknownAppWarning, appName))
		c.failChannel(ch)
		return errChannelAlreadyReplied
	}
	ch.resolution = res

	args := append([]string{}, res.App.Command[1:]...)
	for _, name := range res.App.ParamOrder() {
		args = append(args, res.Params[name])
	}

	cmd := exec.Command(res.App.Command[0], args...)
	cmd.Env = c.buildEnv(ch, appName)

	if ch.pty != nil {
		if err := ch.pty.Start(cmd); err != nil {
			c.writeChannelWarning(ch, fmt.Sprintf("\nfailed to start app: %v\n", err))
			c.failChannel(ch)
			return errChannelAlreadyReplied
		}
	} else {
		// No pty-req preceded this: still run, but without a
		// controlling terminal attached (rare for these apps, but
		// not forbidden by spec §4.7, which only mandates the pty
		// wiring when one is requested).
		if err := cmd.Start(); err != nil {
			c.writeChannelWarning(ch, fmt.Sprintf("\nfailed to start app: %v\n", err))
			c.failChannel(ch)
			return errChannelAlreadyReplied
		}
	}
	ch.cmd = cmd

	go c.waitApp(ch.id, cmd)
	return nil
}

func (c *Connection) waitApp(channelID uint32, cmd *exec.Cmd) {
	err := cmd.Wait()
	code := uint32(0)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = uint32(exitErr.ExitCode())
		} else {
			code = 1
		}
	}
	select {
	case c.events <- ioEvent{kind: eventChildExited, channelID: channelID, exitCode: code}:
	case <-c.done:
	}
}

func (c *Connection) writeChannelWarning(ch *Channel, msg string) {
	c.chunkedChannelData(ch.id, []byte(msg))
}

// failChannel implements spec §4.5's failure path for a request that
// never gets an app running: CHANNEL_FAILURE for the request itself,
// then a non-zero exit-status request, then CHANNEL_CLOSE.
func (c *Connection) failChannel(ch *Channel) {
	w := sshwire.NewWriter(sshwire.MsgChannelFailure)
	w.WriteUint32(ch.id)
	c.sendPacket(w.Bytes())

	exit := sshwire.NewWriter(sshwire.MsgChannelRequest)
	exit.WriteUint32(ch.id)
	exit.WriteStr("exit-status")
	exit.WriteBool(false)
	exit.WriteUint32(1)
	c.sendPacket(exit.Bytes())

	c.closeChannel(ch)
}

// handleChannelData implements spec §4.5's CHANNEL_DATA row.
func (c *Connection) handleChannelData(payload []byte) error {
	cur := sshwire.NewCursor(payload, true)
	channelID := cur.ReadUint32()
	data := cur.ReadString()
	if cur.Err() != nil {
		return c.onParseFailure(cur.Err())
	}
	ch, ok := c.channels[channelID]
	if !ok || ch.pty == nil || ch.inputClosed {
		return nil
	}
	if icrnl(ch) {
		data = rewriteLoneCR(data)
	}
	_, _ = ch.pty.Master.Write(data)
	return nil
}

func icrnl(ch *Channel) bool {
	if ch.info == nil {
		return true // baseline enables ICRNL (spec §4.7)
	}
	for _, m := range ch.info.Modes {
		if m.Opcode == term.OpICRNL {
			return m.Value != 0
		}
	}
	return true
}

func rewriteLoneCR(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		if b == '\r' && (i+1 >= len(data) || data[i+1] != '\n') {
			out[i] = '\n'
		} else {
			out[i] = b
		}
	}
	return out
}

// channelSendData forwards PTY-master output to the client as one or
// more CHANNEL_DATA packets, chunked to max_packet_size-1024 (spec
// §4.5 "Backpressure").
func (c *Connection) channelSendData(channelID uint32, data []byte) error {
	if _, ok := c.channels[channelID]; !ok {
		return nil
	}
	c.chunkedChannelData(channelID, data)
	return nil
}

func (c *Connection) chunkedChannelData(channelID uint32, data []byte) {
	chunkSize := defaultMaxPacketSize - 1024
	if ch, ok := c.channels[channelID]; ok && ch.maxPacketSize > 1024 {
		chunkSize = int(ch.maxPacketSize) - 1024
	}
	for len(data) > 0 {
		n := len(data)
		if n > chunkSize {
			n = chunkSize
		}
		w := sshwire.NewWriter(sshwire.MsgChannelData)
		w.WriteUint32(channelID)
		w.WriteString(data[:n])
		c.sendPacket(w.Bytes())
		data = data[n:]
	}
}

// channelOutputEOF is called when a PTY master read hits EOF — the
// child's output side is done.
func (c *Connection) channelOutputEOF(channelID uint32) {
	ch, ok := c.channels[channelID]
	if !ok || ch.outputClosed {
		return
	}
	ch.outputClosed = true
	w := sshwire.NewWriter(sshwire.MsgChannelEOF)
	w.WriteUint32(channelID)
	c.sendPacket(w.Bytes())
}

func (c *Connection) channelChildExited(channelID uint32, exitCode uint32) {
	ch, ok := c.channels[channelID]
	if !ok {
		return
	}
	w := sshwire.NewWriter(sshwire.MsgChannelRequest)
	w.WriteUint32(channelID)
	w.WriteStr("exit-status")
	w.WriteBool(false)
	w.WriteUint32(exitCode)
	c.sendPacket(w.Bytes())
	c.closeChannel(ch)
}

// handleChannelEOFMsg implements the CHANNEL_EOF row: mark
// input-closed, inject EOT into the PTY, echo EOF back.
func (c *Connection) handleChannelEOFMsg(payload []byte) error {
	cur := sshwire.NewCursor(payload, true)
	channelID := cur.ReadUint32()
	if cur.Err() != nil {
		return c.onParseFailure(cur.Err())
	}
	ch, ok := c.channels[channelID]
	if !ok || ch.inputClosed {
		return nil
	}
	ch.inputClosed = true
	if ch.pty != nil {
		_, _ = ch.pty.Master.Write([]byte{0x04})
	}
	w := sshwire.NewWriter(sshwire.MsgChannelEOF)
	w.WriteUint32(channelID)
	c.sendPacket(w.Bytes())
	return nil
}

// handleChannelCloseMsg implements the CHANNEL_CLOSE row.
func (c *Connection) handleChannelCloseMsg(payload []byte) error {
	cur := sshwire.NewCursor(payload, true)
	channelID := cur.ReadUint32()
	if cur.Err() != nil {
		return c.onParseFailure(cur.Err())
	}
	ch, ok := c.channels[channelID]
	if !ok {
		return nil
	}
	c.closeChannel(ch)
	return nil
}

// closeChannel tears down OS resources and sends CHANNEL_CLOSE exactly
// once (spec §3 invariant).
func (c *Connection) closeChannel(ch *Channel) {
	if ch.closeSent {
		return
	}
	ch.terminate()
	w := sshwire.NewWriter(sshwire.MsgChannelClose)
	w.WriteUint32(ch.id)
	c.sendPacket(w.Bytes())
	ch.closeSent = true
}
