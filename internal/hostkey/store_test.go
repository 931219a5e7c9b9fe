package hostkey

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGeneratesOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Public) != ed25519.PublicKeySize {
		t.Fatalf("unexpected public key size %d", len(s.Public))
	}

	info, err := os.Stat(filepath.Join(dir, privateFileName))
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("private key mode = %o, want 0600", perm)
	}

	info, err = os.Stat(filepath.Join(dir, publicFileName))
	if err != nil {
		t.Fatalf("stat public key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o644 {
		t.Errorf("public key mode = %o, want 0644", perm)
	}
}

func TestLoadReusesExistingKey(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("Load (first): %v", err)
	}
	second, err := Load(dir)
	if err != nil {
		t.Fatalf("Load (second): %v", err)
	}
	if !first.Public.Equal(second.Public) {
		t.Errorf("second Load produced a different key than the first")
	}
}

func TestLoadRejectsBadSeedSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, privateFileName), []byte("too short"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for malformed seed file")
	}
}
