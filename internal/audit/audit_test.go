package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendChainsHashes(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	e1, err := log.Append("credential.created", "cred-1", "success", nil, nil)
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if e1.PrevHash != genesisHash {
		t.Fatalf("expected first entry's prev_hash to be genesis, got %q", e1.PrevHash)
	}
	if e1.EventID != "evt_001" {
		t.Fatalf("expected evt_001, got %s", e1.EventID)
	}

	e2, err := log.Append("credential.used", "cred-1", "success", nil, nil)
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if e2.PrevHash != e1.Hash {
		t.Fatalf("expected entries[1].prev_hash == entries[0].hash")
	}
	if e2.EventID != "evt_002" {
		t.Fatalf("expected evt_002, got %s", e2.EventID)
	}

	result, err := log.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid || result.Total != 2 {
		t.Fatalf("expected valid chain of 2, got %+v", result)
	}
}

func TestEntriesFiltersByCredential(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := log.Append("credential.created", "github", "success", nil, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append("credential.created", "stripe", "success", nil, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := log.Entries("github")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].CredentialID != "github" {
		t.Fatalf("expected one entry for github, got %+v", entries)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := log.Append("credential.used", "site", "success", nil, nil); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	tampered := []byte{}
	for i, line := range splitLines(data) {
		if i == 1 {
			line = []byte(replaceOnce(string(line), `"success"`, `"failure"`))
		}
		tampered = append(tampered, line...)
		tampered = append(tampered, '\n')
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}

	log2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	result, err := log2.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected tamper to be detected")
	}
	if result.BrokenAt != 1 {
		t.Fatalf("expected broken_at=1, got %d", result.BrokenAt)
	}
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}

func replaceOnce(s, old, new string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestLastHashOnEmptyLogIsGenesis(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	hash, err := log.LastHash()
	if err != nil {
		t.Fatalf("LastHash: %v", err)
	}
	if hash != genesisHash {
		t.Fatalf("expected genesis, got %s", hash)
	}
}
