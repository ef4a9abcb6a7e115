package localstore

import (
	"os"
	"path/filepath"
	"testing"
)

// testParams uses the smallest viable argon2id cost so the test suite doesn't pay
// production KDF latency on every run.
var testParams = Params{
	Memory:      8 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, hash, err := Create(dir, "correct horse battery staple", testParams)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.WriteFile("group-state.bin", []byte("shh, secret")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	reopened, err := Open(dir, "correct horse battery staple", hash)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, err := reopened.ReadFile("group-state.bin")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "shh, secret" {
		t.Errorf("ReadFile() = %q, want %q", got, "shh, secret")
	}
}

func TestOpenRejectsWrongPassphrase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, hash, err := Create(dir, "correct horse battery staple", testParams)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := Open(dir, "wrong passphrase", hash); err != ErrWrongPassphrase {
		t.Fatalf("Open() error = %v, want ErrWrongPassphrase", err)
	}
}

func TestReadFileRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, _, err := Create(dir, "passphrase", testParams)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.WriteFile("f.bin", []byte("data")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	path := filepath.Join(dir, "f.bin")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile() error = %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	if _, err := store.ReadFile("f.bin"); err == nil {
		t.Fatal("ReadFile() on tampered ciphertext succeeded, want error")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, _, err := Create(dir, "passphrase", testParams)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.WriteFile("f.bin", []byte("data")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := store.Delete("f.bin"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete("f.bin"); err != nil {
		t.Fatalf("Delete() on already-absent file error = %v, want nil", err)
	}
}
