//go:build linux

package term

import "golang.org/x/sys/unix"

const ioctlGetTermios = unix.TCGETS
const ioctlSetTermios = unix.TCSETS

// applyPlatformMode handles the opcodes whose termios mapping is
// Linux-specific: IUCLC, XCASE, OLCUC. VDSUSP and VSTATUS (BSD/Darwin
// only) have no Linux equivalent and are ignored here.
func applyPlatformMode(t *unix.Termios, m ModeEntry) {
	on := m.Value != 0
	switch m.Opcode {
	case OpIUCLC:
		setFlag(&t.Iflag, unix.IUCLC, on)
	case OpXCASE:
		setFlag(&t.Lflag, unix.XCASE, on)
	case OpOLCUC:
		setFlag(&t.Oflag, unix.OLCUC, on)
	}
}
