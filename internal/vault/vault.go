// Package vault encrypts the control-plane bearer token at rest with a
// host-bound key. The key is derived from the machine identity plus a
// per-install random salt, so ciphertext copied to another host (or an
// install with a regenerated salt) cannot be decrypted. Plaintext exists
// only in memory.
package vault

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrTokenDecryption means the ciphertext was produced on a different
// host, with a different salt, or is corrupt.
var ErrTokenDecryption = errors.New("token decryption failed")

// machineIDPath identifies the host. systemd guarantees this file on
// every supported distribution.
const machineIDPath = "/etc/machine-id"

const saltSize = 32

// Vault seals and opens token blobs with the derived host key.
type Vault struct {
	key []byte
}

// New derives the vault key from the host machine id and the salt file
// at saltPath, creating the salt on first use.
func New(saltPath string) (*Vault, error) {
	machineID, err := os.ReadFile(machineIDPath)
	if err != nil {
		return nil, fmt.Errorf("read machine id: %w", err)
	}
	return NewWithMachineID(bytes.TrimSpace(machineID), saltPath)
}

// NewWithMachineID is New with the host identity supplied by the caller.
// Exposed for tests.
func NewWithMachineID(machineID []byte, saltPath string) (*Vault, error) {
	if len(machineID) == 0 {
		return nil, fmt.Errorf("empty machine id")
	}

	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, machineID, salt, []byte("cms-agent token vault v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext. The random nonce is prepended to the
// ciphertext so the blob is self-contained.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a blob produced by Encrypt on this host.
func (v *Vault) Decrypt(blob []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	if len(blob) < aead.NonceSize() {
		return "", fmt.Errorf("%w: blob too short", ErrTokenDecryption)
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenDecryption, err)
	}
	return string(plaintext), nil
}

// Zero overwrites a byte slice that held sensitive material.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("salt file %s has wrong size %d", path, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}
