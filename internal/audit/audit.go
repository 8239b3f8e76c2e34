// Package audit implements the hash-chained, append-only audit log.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const genesisHash = "genesis"

// Entry is one record in the audit chain. Field order here is the
// canonical form hashed and persisted — encoding/json always emits
// struct fields in declaration order, so this order must never change
// without also changing VerifyChain's expectations.
type Entry struct {
	EventID      string  `json:"event_id"`
	Timestamp    string  `json:"timestamp"`
	Action       string  `json:"action"`
	CredentialID string  `json:"credential_id"`
	BotID        *string `json:"bot_id,omitempty"`
	Result       string  `json:"result"`
	Details      *string `json:"details,omitempty"`
	PrevHash     string  `json:"prev_hash"`
	Hash         string  `json:"hash"`
}

// entryWithoutHash mirrors Entry minus the Hash field, so its
// canonical JSON is exactly what gets hashed.
type entryWithoutHash struct {
	EventID      string  `json:"event_id"`
	Timestamp    string  `json:"timestamp"`
	Action       string  `json:"action"`
	CredentialID string  `json:"credential_id"`
	BotID        *string `json:"bot_id,omitempty"`
	Result       string  `json:"result"`
	Details      *string `json:"details,omitempty"`
	PrevHash     string  `json:"prev_hash"`
}

// ChainResult is the outcome of VerifyChain.
type ChainResult struct {
	Valid     bool
	BrokenAt  int // meaningful only when Valid is false
	Total     int
}

// Log is an append-only, hash-chained audit log backed by one JSONL
// file. All mutation and read methods serialize through a single
// mutex, per spec.md's ordering guarantees.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open ensures the directory and file exist (mode 0600) and returns a
// ready Log.
func Open(path string) (*Log, error) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create audit file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close audit file: %w", err)
	}
	return &Log{path: path}, nil
}

// Append synthesizes and writes the next entry in the chain.
func (l *Log) Append(action, credentialID, result string, botID, details *string) (Entry, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readAllLocked()
	if err != nil {
		// Read errors are treated as an uninitialized, empty log
		// (spec.md §4.3 failure model) — the next index starts at 0.
		existing = nil
	}

	prevHash := genesisHash
	if len(existing) > 0 {
		prevHash = existing[len(existing)-1].Hash
	}

	entry := Entry{
		EventID:      fmt.Sprintf("evt_%03d", len(existing)+1),
		Timestamp:    timestamp,
		Action:       action,
		CredentialID: credentialID,
		BotID:        botID,
		Result:       result,
		Details:      details,
		PrevHash:     prevHash,
	}
	entry.Hash, err = computeHash(prevHash, entry)
	if err != nil {
		return Entry{}, fmt.Errorf("hash audit entry: %w", err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Entry{}, fmt.Errorf("open audit file for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return entry, nil
}

// Entries returns every entry, optionally filtered to one credential,
// preserving insertion order.
func (l *Log) Entries(credentialID string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readAllLocked()
	if err != nil {
		return nil, nil
	}
	if credentialID == "" {
		return all, nil
	}
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.CredentialID == credentialID {
			out = append(out, e)
		}
	}
	return out, nil
}

// LastHash returns "genesis" if the log is empty, else the final
// entry's hash.
func (l *Log) LastHash() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readAllLocked()
	if err != nil {
		return genesisHash, nil
	}
	if len(all) == 0 {
		return genesisHash, nil
	}
	return all[len(all)-1].Hash, nil
}

// VerifyChain recomputes every prev_hash/hash pair and reports the
// first index where either diverges from what's on disk.
func (l *Log) VerifyChain() (ChainResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readAllLocked()
	if err != nil {
		return ChainResult{}, nil
	}

	prevHash := genesisHash
	for i, entry := range all {
		if entry.PrevHash != prevHash {
			return ChainResult{Valid: false, BrokenAt: i, Total: len(all)}, nil
		}
		hash, err := computeHash(prevHash, entry)
		if err != nil {
			return ChainResult{}, fmt.Errorf("hash audit entry %d: %w", i, err)
		}
		if hash != entry.Hash {
			return ChainResult{Valid: false, BrokenAt: i, Total: len(all)}, nil
		}
		prevHash = entry.Hash
	}
	return ChainResult{Valid: true, Total: len(all)}, nil
}

func (l *Log) readAllLocked() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parse audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func computeHash(prevHash string, entry Entry) (string, error) {
	canonical := entryWithoutHash{
		EventID:      entry.EventID,
		Timestamp:    entry.Timestamp,
		Action:       entry.Action,
		CredentialID: entry.CredentialID,
		BotID:        entry.BotID,
		Result:       entry.Result,
		Details:      entry.Details,
		PrevHash:     entry.PrevHash,
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(prevHash), data...))
	return hex.EncodeToString(sum[:]), nil
}
