package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/veilnet/node/consensus"
)

func TestReadFileFromDirRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	if _, err := readFileFromDir(dir, "../x"); err == nil {
		t.Fatalf("expected error for traversal name")
	}
	if _, err := readFileFromDir(dir, ".."); err == nil {
		t.Fatalf("expected error for ..")
	}
	if _, err := readFileFromDir(dir, ""); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestReadFileFromDirReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ok.bin")
	if err := os.WriteFile(path, []byte("hi"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := readFileFromDir(dir, "ok.bin")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "hi" {
		t.Fatalf("unexpected bytes: %q", string(b))
	}
}

func TestLoadGenesisBlockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.bin")

	want := consensus.Block{
		Header: consensus.BlockHeader{Time: 1, DifficultyTarget: 1, Nonce: 1, Proof: []byte{9}},
		Transactions: []consensus.Transaction{
			{ID: [32]byte{1}, ValueBalance: -50_000_000, Proof: []byte{1}},
		},
	}
	if err := os.WriteFile(path, want.Encode(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := LoadGenesisBlock(path)
	if err != nil {
		t.Fatalf("LoadGenesisBlock: %v", err)
	}
	if got.Header.Nonce != want.Header.Nonce || len(got.Transactions) != len(want.Transactions) {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestLoadGenesisBlockRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.bin")
	if err := os.WriteFile(path, []byte{0xFF}, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadGenesisBlock(path); err == nil {
		t.Fatalf("expected decode error for garbage input")
	}
}
