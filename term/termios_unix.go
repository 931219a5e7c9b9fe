//go:build linux || darwin

package term

import "golang.org/x/sys/unix"

// newBaselineTermios returns the fixed baseline this server always
// starts from before applying client-requested modes (spec §4.7):
// ISIG, ICANON, ECHO, ECHOE, ECHOK, ECHONL, IEXTEN enabled; ICRNL
// enabled; OPOST disabled.
func newBaselineTermios() unix.Termios {
	var t unix.Termios
	t.Lflag |= unix.ISIG | unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.IEXTEN
	t.Iflag |= unix.ICRNL
	t.Oflag &^= unix.OPOST
	t.Cflag |= unix.CS8 | unix.CREAD
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return t
}

// applyMode applies one (opcode, value) pair to t, following the
// opcode-to-termios-field table of spec §4.7. Opcodes not listed here
// go to applyPlatformMode (termios_linux.go/termios_darwin.go), which
// handles the platform-divergent ones; any other opcode is silently
// skipped.
func applyMode(t *unix.Termios, m ModeEntry) {
	on := m.Value != 0

	switch m.Opcode {
	case OpVINTR:
		t.Cc[unix.VINTR] = byte(m.Value)
	case OpVQUIT:
		t.Cc[unix.VQUIT] = byte(m.Value)
	case OpVERASE:
		t.Cc[unix.VERASE] = byte(m.Value)
	case OpVKILL:
		t.Cc[unix.VKILL] = byte(m.Value)
	case OpVEOF:
		t.Cc[unix.VEOF] = byte(m.Value)
	case OpVEOL:
		t.Cc[unix.VEOL] = byte(m.Value)
	case OpVEOL2:
		t.Cc[unix.VEOL2] = byte(m.Value)
	case OpVSTART:
		t.Cc[unix.VSTART] = byte(m.Value)
	case OpVSTOP:
		t.Cc[unix.VSTOP] = byte(m.Value)
	case OpVSUSP:
		t.Cc[unix.VSUSP] = byte(m.Value)
	case OpVREPRINT:
		t.Cc[unix.VREPRINT] = byte(m.Value)
	case OpVWERASE:
		t.Cc[unix.VWERASE] = byte(m.Value)
	case OpVLNEXT:
		t.Cc[unix.VLNEXT] = byte(m.Value)

	case OpIGNPAR:
		setFlag(&t.Iflag, unix.IGNPAR, on)
	case OpPARMRK:
		setFlag(&t.Iflag, unix.PARMRK, on)
	case OpINPCK:
		setFlag(&t.Iflag, unix.INPCK, on)
	case OpISTRIP:
		setFlag(&t.Iflag, unix.ISTRIP, on)
	case OpINLCR:
		setFlag(&t.Iflag, unix.INLCR, on)
	case OpIGNCR:
		setFlag(&t.Iflag, unix.IGNCR, on)
	case OpICRNL:
		setFlag(&t.Iflag, unix.ICRNL, on)
	case OpIXON:
		setFlag(&t.Iflag, unix.IXON, on)
	case OpIXANY:
		setFlag(&t.Iflag, unix.IXANY, on)
	case OpIXOFF:
		setFlag(&t.Iflag, unix.IXOFF, on)
	case OpIMAXBEL:
		setFlag(&t.Iflag, unix.IMAXBEL, on)

	case OpISIG:
		setFlag(&t.Lflag, unix.ISIG, on)
	case OpICANON:
		setFlag(&t.Lflag, unix.ICANON, on)
	case OpECHO:
		setFlag(&t.Lflag, unix.ECHO, on)
	case OpECHOE:
		setFlag(&t.Lflag, unix.ECHOE, on)
	case OpECHOK:
		setFlag(&t.Lflag, unix.ECHOK, on)
	case OpECHONL:
		setFlag(&t.Lflag, unix.ECHONL, on)
	case OpNOFLSH:
		setFlag(&t.Lflag, unix.NOFLSH, on)
	case OpTOSTOP:
		setFlag(&t.Lflag, unix.TOSTOP, on)
	case OpIEXTEN:
		setFlag(&t.Lflag, unix.IEXTEN, on)
	case OpECHOCTL:
		setFlag(&t.Lflag, unix.ECHOCTL, on)
	case OpECHOKE:
		setFlag(&t.Lflag, unix.ECHOKE, on)
	case OpPENDIN:
		setFlag(&t.Lflag, unix.PENDIN, on)

	case OpONLCR:
		setFlag(&t.Oflag, unix.ONLCR, on)
	case OpOCRNL:
		setFlag(&t.Oflag, unix.OCRNL, on)
	case OpONOCR:
		setFlag(&t.Oflag, unix.ONOCR, on)
	case OpONLRET:
		setFlag(&t.Oflag, unix.ONLRET, on)
	// OPOST itself is never re-enabled, per spec §4.7.

	case OpCS7:
		if on {
			t.Cflag = (t.Cflag &^ unix.CSIZE) | unix.CS7
		}
	case OpCS8:
		if on {
			t.Cflag = (t.Cflag &^ unix.CSIZE) | unix.CS8
		}
	case OpPARENB:
		setFlag(&t.Cflag, unix.PARENB, on)
	case OpPARODD:
		setFlag(&t.Cflag, unix.PARODD, on)

	case OpTTYOpISpeed:
		setSpeed(&t.Ispeed, m.Value)
	case OpTTYOpOSpeed:
		setSpeed(&t.Ospeed, m.Value)

	default:
		applyPlatformMode(t, m)
	}
}

// setFlag mirrors golang.org/x/sys/unix's per-platform flag field
// widths (uint32 on Linux, uint64 on Darwin); the generic parameter
// lets one function body serve both without duplicating every case
// above per platform.
func setFlag[T ~uint32 | ~uint64](field *T, bit T, on bool) {
	if on {
		*field |= bit
	} else {
		*field &^= bit
	}
}

// setSpeed bridges the same uint32/uint64 width split for Ispeed/Ospeed,
// which are plain width-typed fields rather than bitmasks: Linux's
// unix.Termios.Ispeed/Ospeed are uint32, Darwin's are uint64, but the
// wire value (ModeEntry.Value) is always uint32.
func setSpeed[T ~uint32 | ~uint64](field *T, v uint32) {
	*field = T(v)
}

// ApplyModes builds a termios starting from the fixed baseline and
// applies each (opcode, value) pair from modes in order.
func ApplyModes(modes []ModeEntry) unix.Termios {
	t := newBaselineTermios()
	for _, m := range modes {
		applyMode(&t, m)
	}
	return t
}

// getTermios and setTermios wrap the platform ioctl request codes
// defined in termios_linux.go/termios_darwin.go.
func getTermios(fd int) (*unix.Termios, error) {
	return unix.IoctlGetTermios(fd, ioctlGetTermios)
}

func setTermios(fd int, t *unix.Termios) error {
	return unix.IoctlSetTermios(fd, ioctlSetTermios, t)
}

// SetWinsize applies rows/cols/pixel dimensions to fd via TIOCSWINSZ.
func SetWinsize(fd int, cols, rows, widthPx, heightPx uint32) error {
	ws := &unix.Winsize{
		Row:    uint16(rows),
		Col:    uint16(cols),
		Xpixel: uint16(widthPx),
		Ypixel: uint16(heightPx),
	}
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, ws)
}
