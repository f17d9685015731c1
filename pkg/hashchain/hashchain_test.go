package hashchain

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendAndVerifyEmptyChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	valid, err := VerifyHashChain(path)
	if err != nil {
		t.Fatalf("unexpected error verifying missing file: %v", err)
	}
	if !valid {
		t.Error("expected an absent chain file to verify as valid with recordCount 0")
	}
}

func TestAppendBuildsLinkedChain(t *testing.T) {
	dir := t.TempDir()
	chain := Open(filepath.Join(dir, "log.jsonl"))

	for i := 0; i < 5; i++ {
		if _, err := chain.Append("issue", map[string]int{"n": i}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	valid, err := VerifyHashChain(chain.path)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !valid {
		t.Error("expected freshly built chain to verify")
	}
}

func TestVerifyDetectsTamperedField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	chain := Open(path)

	for i := 0; i < 3; i++ {
		if _, err := chain.Append("issue", map[string]int{"n": i}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	lines[1] = strings.Replace(lines[1], `"operation":"issue"`, `"operation":"tampered"`, 1)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}

	valid, err := VerifyHashChain(path)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if valid {
		t.Error("expected tampered chain to fail verification")
	}
}

func TestVerifyChainReportsBrokenAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	chain := Open(path)

	for i := 0; i < 4; i++ {
		if _, err := chain.Append("issue", map[string]int{"n": i}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	raw, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	lines[2] = strings.Replace(lines[2], `"n":2`, `"n":999`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	result, err := VerifyChain(f)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if result.Valid {
		t.Fatal("expected verification to fail")
	}
	if result.BrokenAt != 3 {
		t.Errorf("expected brokenAt=3, got %d", result.BrokenAt)
	}
}
