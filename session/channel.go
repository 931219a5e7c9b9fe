package session

import (
	"os/exec"

	"github.com/whispsh/whisp/internal/apps"
	"github.com/whispsh/whisp/term"
)

// Channel holds one SSH channel's state (spec §3). It never talks to
// the socket directly — Connection is the sole writer, keyed by
// channel id, which sidesteps the cyclic back-reference spec §9 flags
// as a design hazard (Connection already owns the channel map, so a
// second reference running the other way buys nothing).
type Channel struct {
	id            uint32
	windowSize    uint32
	maxPacketSize uint32
	chanType      string

	pty *term.Pty
	env []string
	info *term.TerminalInfo

	cmd *exec.Cmd

	resolution   *apps.Resolution
	appDecided   bool // username routing already picked the app; ignore exec's payload

	inputClosed  bool
	outputClosed bool
	closeSent    bool
}

// terminate releases every OS resource this channel holds: the child
// process (if still running) and the PTY pair. Safe to call more than
// once.
func (ch *Channel) terminate() {
	if ch.cmd != nil && ch.cmd.Process != nil {
		ch.cmd.Process.Kill()
	}
	if ch.pty != nil {
		ch.pty.Close()
		ch.pty = nil
	}
	ch.inputClosed = true
	ch.outputClosed = true
}
