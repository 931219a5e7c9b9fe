//go:build linux || darwin

package term

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func encodeMode(opcode byte, value uint32) []byte {
	b := make([]byte, 5)
	b[0] = opcode
	binary.BigEndian.PutUint32(b[1:], value)
	return b
}

func TestParseModesEmpty(t *testing.T) {
	modes, err := ParseModes([]byte{OpEnd})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(modes) != 0 {
		t.Fatalf("expected no modes, got %v", modes)
	}
}

func TestParseModesRoundTrip(t *testing.T) {
	var raw []byte
	raw = append(raw, encodeMode(OpISIG, 1)...)
	raw = append(raw, encodeMode(OpECHO, 0)...)
	raw = append(raw, encodeMode(OpTTYOpISpeed, 38400)...)
	raw = append(raw, OpEnd)

	modes, err := ParseModes(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []ModeEntry{
		{Opcode: OpISIG, Value: 1},
		{Opcode: OpECHO, Value: 0},
		{Opcode: OpTTYOpISpeed, Value: 38400},
	}
	if len(modes) != len(want) {
		t.Fatalf("got %d modes, want %d", len(modes), len(want))
	}
	for i := range want {
		if modes[i] != want[i] {
			t.Errorf("mode %d: got %+v, want %+v", i, modes[i], want[i])
		}
	}
}

func TestParseModesIgnoresTrailingBytes(t *testing.T) {
	raw := append(encodeMode(OpISIG, 1), OpEnd, 0xAA, 0xBB, 0xCC)
	modes, err := ParseModes(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(modes) != 1 || modes[0].Opcode != OpISIG {
		t.Fatalf("got %v", modes)
	}
}

func TestParseModesTruncatedPair(t *testing.T) {
	raw := []byte{OpISIG, 0x00, 0x00} // missing two bytes of the value
	if _, err := ParseModes(raw); err != ErrMalformedModes {
		t.Fatalf("got %v, want ErrMalformedModes", err)
	}
}

func TestApplyModesBaselineEnablesCanon(t *testing.T) {
	tio := ApplyModes(nil)
	if tio.Lflag&unix.ICANON == 0 {
		t.Errorf("expected ICANON set in baseline Lflag, got %x", tio.Lflag)
	}
}

func TestApplyModesOverridesEcho(t *testing.T) {
	tio := ApplyModes([]ModeEntry{{Opcode: OpECHO, Value: 0}})
	if tio.Lflag&unix.ECHO != 0 {
		t.Errorf("expected ECHO cleared, got %x", tio.Lflag)
	}
}
