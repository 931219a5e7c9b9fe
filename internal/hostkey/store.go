// Package hostkey loads or generates the persistent Ed25519 signing
// keypair that identifies one Whisp server (spec §6). Unlike the
// teacher's key package, which PEM-encodes RSA/EC keys for
// golang.org/x/crypto/ssh, the wire protocol here only ever needs the
// raw 32-byte Ed25519 seed and public key, so the files on disk are
// raw bytes rather than PEM.
package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateFileName = "ssh_host_key"
	publicFileName  = "ssh_host_key.pub"
)

// Store holds one server's host keypair, loaded once and shared
// read-only across all connections.
type Store struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Private returns the Ed25519 private key used to sign exchange hashes.
func (s *Store) Private() ed25519.PrivateKey { return s.private }

// DefaultDir returns $HOME/.whisp-<name>/, the persisted state
// directory named in spec §6.
func DefaultDir(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".whisp-"+name), nil
}

// Load reads the keypair from dir, generating and persisting a fresh
// one if absent.
func Load(dir string) (*Store, error) {
	privPath := filepath.Join(dir, privateFileName)
	pubPath := filepath.Join(dir, publicFileName)

	privBytes, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		if len(privBytes) != ed25519.SeedSize {
			return nil, fmt.Errorf("hostkey: %s is not a valid ed25519 seed (%d bytes)", privPath, len(privBytes))
		}
		priv := ed25519.NewKeyFromSeed(privBytes)
		return &Store{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
	case errors.Is(err, os.ErrNotExist):
		return generate(dir, privPath, pubPath)
	default:
		return nil, err
	}
}

func generate(dir, privPath, pubPath string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("hostkey: generate: %w", err)
	}
	seed := priv.Seed()
	if err := os.WriteFile(privPath, seed, 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		return nil, err
	}
	return &Store{Public: pub, private: priv}, nil
}
