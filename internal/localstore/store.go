// Package localstore implements per-client local persistence at rest: the directory a
// client keeps its MlsGroup state, SharedGroupState, message history, and policy queue
// in (spec.md §6 calls the format "opaque") is encrypted under a passphrase-derived key
// rather than left as plaintext on disk. It is grounded on auth/password.go's
// alexedwards/argon2id usage, repurposed from password hashing to key derivation, paired
// with the same chacha20poly1305 AEAD internal/mlsadapter already uses for application
// messages.
package localstore

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sentinel errors for the localstore package.
var (
	ErrWrongPassphrase = errors.New("passphrase does not match this store's hash")
	ErrCiphertextShort = errors.New("ciphertext too short to contain a nonce")
)

// Params mirrors auth/password.go's HashPassword signature, tuned for interactive key
// derivation rather than login-request hashing: fewer iterations since this runs once
// per process start, not once per HTTP request.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams are conservative interactive-use argon2id parameters: 64 MiB, 3 passes,
// matching the argon2id package's own documented defaults.
var DefaultParams = Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   uint32(chacha20poly1305.KeySize),
}

// Store wraps one client's local persistence directory, encrypting every file written
// through it with a chacha20poly1305 key derived from the user's passphrase.
type Store struct {
	dir  string
	aead cipher.AEAD
}

// Create initializes a fresh local store directory, deriving an AEAD key from
// passphrase and returning the argon2id-encoded hash the caller must persist (typically
// in a small cleartext manifest file alongside dir) so a later Open call can both verify
// the passphrase and re-derive the same key.
func Create(dir, passphrase string, params Params) (store *Store, encodedHash string, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create local store directory: %w", err)
	}

	encodedHash, err = argon2id.CreateHash(passphrase, &argon2id.Params{
		Memory:      params.Memory,
		Iterations:  params.Iterations,
		Parallelism: params.Parallelism,
		SaltLength:  params.SaltLength,
		KeyLength:   params.KeyLength,
	})
	if err != nil {
		return nil, "", fmt.Errorf("hash passphrase: %w", err)
	}

	aead, err := aeadFromHash(encodedHash)
	if err != nil {
		return nil, "", err
	}
	return &Store{dir: dir, aead: aead}, encodedHash, nil
}

// Open verifies passphrase against encodedHash (as persisted by Create) and, on success,
// re-derives the same AEAD key to open the store at dir.
func Open(dir, passphrase, encodedHash string) (*Store, error) {
	match, err := argon2id.ComparePasswordAndHash(passphrase, encodedHash)
	if err != nil {
		return nil, fmt.Errorf("verify passphrase: %w", err)
	}
	if !match {
		return nil, ErrWrongPassphrase
	}

	aead, err := aeadFromHash(encodedHash)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, aead: aead}, nil
}

// aeadFromHash extracts the raw key argon2id.CreateHash embedded in encodedHash and
// builds a chacha20poly1305 AEAD from it, so the same derivation that verified the
// passphrase also produces the encryption key — no second KDF pass needed.
func aeadFromHash(encodedHash string) (cipher.AEAD, error) {
	_, _, key, err := argon2id.DecodeHash(encodedHash)
	if err != nil {
		return nil, fmt.Errorf("decode passphrase hash: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("build aead from derived key: %w", err)
	}
	return aead, nil
}

// WriteFile encrypts plaintext and writes it to name under the store's directory,
// prefixed with a fresh random nonce the way internal/mlsadapter prefixes its
// application ciphertexts.
func (s *Store) WriteFile(name string, plaintext []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, []byte(name))

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// ReadFile reads and decrypts name from the store's directory.
func (s *Store) ReadFile(name string) ([]byte, error) {
	path := filepath.Join(s.dir, name)
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrCiphertextShort
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", name, err)
	}
	return plaintext, nil
}

// Delete removes name from the store's directory. It is not an error for name to
// already be absent.
func (s *Store) Delete(name string) error {
	path := filepath.Join(s.dir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
