//go:build linux || darwin

// Package term implements PTY allocation and SSH terminal-mode
// application for the Whisp core (spec §4.7). This file holds the
// platform-independent Pty abstraction; termios_unix.go,
// termios_linux.go and termios_darwin.go hold the opcode-to-ioctl
// plumbing.
package term

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// Pty is one allocated pseudo-terminal: the master end the server
// reads/writes, and the child process attached to the slave end as
// its controlling terminal.
type Pty struct {
	Master *os.File
	slave  *os.File
}

// Open allocates a master/slave pty pair and applies info's terminal
// modes (or the fixed baseline, if info is nil) to the slave before
// any process is attached to it.
func Open(info *TerminalInfo) (*Pty, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}

	var modes []ModeEntry
	var cols, rows, widthPx, heightPx uint32 = 80, 24, 0, 0
	if info != nil {
		modes = info.Modes
		cols, rows, widthPx, heightPx = info.Cols, info.Rows, info.WidthPx, info.HeightPx
	}

	t := ApplyModes(modes)
	if err := setTermios(int(slave.Fd()), &t); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	if cols > 0 && rows > 0 {
		if err := SetWinsize(int(slave.Fd()), cols, rows, widthPx, heightPx); err != nil {
			master.Close()
			slave.Close()
			return nil, err
		}
	}

	return &Pty{Master: master, slave: slave}, nil
}

// Start attaches cmd to the slave end as its controlling terminal,
// making it a session leader (spec §4.7: the child must not retain
// any fd back to the listener or to sibling channels), and closes the
// server's handle to the slave once the child has it.
func (p *Pty) Start(cmd *exec.Cmd) error {
	defer p.slave.Close()
	cmd.Stdin = p.slave
	cmd.Stdout = p.slave
	cmd.Stderr = p.slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setctty: true,
		Setsid:  true,
	}
	return cmd.Start()
}

// SlavePath returns the slave device path (e.g. /dev/pts/3), exposed
// to spawned apps as WHISP_TTY.
func (p *Pty) SlavePath() string {
	if p.slave == nil {
		return ""
	}
	return p.slave.Name()
}

// Resize applies a window-change request to the running pty.
func (p *Pty) Resize(cols, rows, widthPx, heightPx uint32) error {
	return SetWinsize(int(p.Master.Fd()), cols, rows, widthPx, heightPx)
}

// Close releases both ends. The slave end is usually already closed by
// Start once the child inherited it; closing it again is harmless.
func (p *Pty) Close() error {
	p.slave.Close()
	return p.Master.Close()
}
