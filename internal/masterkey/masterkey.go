// Package masterkey resolves the 32-byte data-encryption key shared by
// one credential store.
package masterkey

import (
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	envKeyName  = "VAULT_MASTER_KEY"
	scryptSalt  = "vault-mcp-salt"
	keyFileName = ".master-key"
	keySize     = 32
)

// scrypt "interactive" cost parameters, per DESIGN.md Open Question 3.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

type fingerprint struct {
	env     string
	dataDir string
}

var (
	cacheMu sync.Mutex
	cache   = map[fingerprint][keySize]byte{}
)

// Obtain returns the master key for dataDir, memoized on the
// (VAULT_MASTER_KEY, dataDir) pair. Changing either invalidates the
// cached entry for the old pair.
func Obtain(dataDir string) ([keySize]byte, error) {
	env := os.Getenv(envKeyName)
	fp := fingerprint{env: env, dataDir: dataDir}

	cacheMu.Lock()
	if key, ok := cache[fp]; ok {
		cacheMu.Unlock()
		return key, nil
	}
	cacheMu.Unlock()

	key, err := resolve(env, dataDir)
	if err != nil {
		return [keySize]byte{}, err
	}

	cacheMu.Lock()
	cache = map[fingerprint][keySize]byte{fp: key}
	cacheMu.Unlock()
	return key, nil
}

func resolve(env, dataDir string) ([keySize]byte, error) {
	if env != "" {
		return deriveFromEnv(env)
	}

	path := filepath.Join(dataDir, keyFileName)
	if key, ok, err := readKeyFile(path); err != nil {
		return [keySize]byte{}, err
	} else if ok {
		return key, nil
	}

	return generateAndPersist(dataDir, path)
}

func deriveFromEnv(env string) ([keySize]byte, error) {
	derived, err := scrypt.Key([]byte(env), []byte(scryptSalt), scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return [keySize]byte{}, fmt.Errorf("derive master key: %w", err)
	}
	var out [keySize]byte
	copy(out[:], derived)
	return out, nil
}

func readKeyFile(path string) ([keySize]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return [keySize]byte{}, false, nil
		}
		return [keySize]byte{}, false, fmt.Errorf("read master key file: %w", err)
	}
	if len(data) != keySize {
		return [keySize]byte{}, false, fmt.Errorf("master key file %s is %d bytes, expected %d", path, len(data), keySize)
	}
	var out [keySize]byte
	copy(out[:], data)
	return out, true, nil
}

func generateAndPersist(dataDir, path string) ([keySize]byte, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return [keySize]byte{}, fmt.Errorf("create data dir: %w", err)
	}

	var key [keySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return [keySize]byte{}, fmt.Errorf("generate master key: %w", err)
	}

	tmp, err := os.CreateTemp(dataDir, ".master-key-*.tmp")
	if err != nil {
		return [keySize]byte{}, fmt.Errorf("create master key temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return [keySize]byte{}, fmt.Errorf("chmod master key temp file: %w", err)
	}
	if _, err := tmp.Write(key[:]); err != nil {
		_ = tmp.Close()
		return [keySize]byte{}, fmt.Errorf("write master key temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return [keySize]byte{}, fmt.Errorf("close master key temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return [keySize]byte{}, fmt.Errorf("install master key file: %w", err)
	}

	log.Printf("vault-mcp: generated a new master key at %s — back this file up, losing it makes every stored credential unrecoverable", path)
	return key, nil
}

// Reset clears the memoization cache. Exported for tests that need to
// observe a fresh resolution after changing the environment or data
// directory on disk out from under the cache.
func Reset() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = map[fingerprint][keySize]byte{}
}
