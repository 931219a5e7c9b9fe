//go:build darwin

package term

import "golang.org/x/sys/unix"

const ioctlGetTermios = unix.TIOCGETA
const ioctlSetTermios = unix.TIOCSETA

// applyPlatformMode handles the opcodes whose termios mapping is
// BSD/Darwin-specific: VDSUSP, VSTATUS. IUCLC, XCASE, and OLCUC have
// no Darwin equivalent (glibc-isms) and are ignored here.
func applyPlatformMode(t *unix.Termios, m ModeEntry) {
	switch m.Opcode {
	case OpVDSUSP:
		t.Cc[unix.VDSUSP] = byte(m.Value)
	case OpVSTATUS:
		t.Cc[unix.VSTATUS] = byte(m.Value)
	}
}
