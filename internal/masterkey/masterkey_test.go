package masterkey

import (
	"os"
	"path/filepath"
	"testing"
)

func TestObtainGeneratesAndPersists(t *testing.T) {
	Reset()
	dir := t.TempDir()

	key1, err := Obtain(dir)
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected mode 0600, got %#o", perm)
	}

	Reset()
	key2, err := Obtain(dir)
	if err != nil {
		t.Fatalf("Obtain (reload): %v", err)
	}
	if key1 != key2 {
		t.Fatalf("expected key to survive reload from disk")
	}
}

func TestObtainMemoizesUntilFingerprintChanges(t *testing.T) {
	Reset()
	dir := t.TempDir()

	key1, err := Obtain(dir)
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	key2, err := Obtain(dir)
	if err != nil {
		t.Fatalf("Obtain (cached): %v", err)
	}
	if key1 != key2 {
		t.Fatalf("expected memoized key to be stable")
	}

	otherDir := t.TempDir()
	key3, err := Obtain(otherDir)
	if err != nil {
		t.Fatalf("Obtain (other dir): %v", err)
	}
	if key1 == key3 {
		t.Fatalf("expected different data dirs to get different keys")
	}
}

func TestObtainFromEnvIsDeterministic(t *testing.T) {
	Reset()
	t.Setenv("VAULT_MASTER_KEY", "correct-horse-battery-staple")
	dir := t.TempDir()

	key1, err := Obtain(dir)
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}

	Reset()
	key2, err := Obtain(dir)
	if err != nil {
		t.Fatalf("Obtain (recompute): %v", err)
	}
	if key1 != key2 {
		t.Fatalf("expected scrypt derivation to be deterministic for the same input")
	}

	if _, err := os.Stat(filepath.Join(dir, keyFileName)); err == nil {
		t.Fatalf("expected no key file to be written when VAULT_MASTER_KEY is set")
	}
}

func TestObtainFromEnvDiffersByValue(t *testing.T) {
	Reset()
	dir := t.TempDir()

	t.Setenv("VAULT_MASTER_KEY", "first-passphrase")
	key1, err := Obtain(dir)
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}

	t.Setenv("VAULT_MASTER_KEY", "second-passphrase")
	key2, err := Obtain(dir)
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	if key1 == key2 {
		t.Fatalf("expected different passphrases to derive different keys")
	}
}

func TestRejectsWrongSizeKeyFile(t *testing.T) {
	Reset()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, keyFileName), []byte("too-short"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	if _, err := Obtain(dir); err == nil {
		t.Fatalf("expected error for wrong-size key file")
	}
}
