package ledger

import (
	"testing"

	"github.com/veilnet/node/consensus"
	"github.com/veilnet/node/crypto"
)

func newTestLedger() *State {
	return New(DevHasher{Provider: crypto.DevStdCryptoProvider{}})
}

func digestOf(b byte) (d [32]byte) {
	d[0] = b
	return d
}

func TestExtendChangesDigest(t *testing.T) {
	s := newTestLedger()
	d0 := s.Digest()

	d1, err := s.Extend([]consensus.Digest{digestOf(1)}, []consensus.Digest{digestOf(2)}, []consensus.Digest{digestOf(3)})
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if d1 == d0 {
		t.Fatal("digest did not change after extend")
	}
	if !s.ContainsCM(digestOf(1)) || !s.ContainsSN(digestOf(2)) || !s.ContainsMemo(digestOf(3)) {
		t.Fatal("extended items not present")
	}
}

func TestExtendRejectsDuplicate(t *testing.T) {
	s := newTestLedger()
	if _, err := s.Extend([]consensus.Digest{digestOf(1)}, nil, nil); err != nil {
		t.Fatalf("first extend: %v", err)
	}
	if _, err := s.Extend([]consensus.Digest{digestOf(1)}, nil, nil); err == nil {
		t.Fatal("expected duplicate commitment to be rejected")
	}
}

// TestRollbackRestoresDigest is the round-trip law from §8: extend(Δ) then
// rollback(Δ) must return the ledger to its prior state exactly.
func TestRollbackRestoresDigest(t *testing.T) {
	s := newTestLedger()
	d0 := s.Digest()

	cms := []consensus.Digest{digestOf(10), digestOf(11)}
	sns := []consensus.Digest{digestOf(20)}
	memos := []consensus.Digest{digestOf(30)}

	if _, err := s.Extend(cms, sns, memos); err != nil {
		t.Fatalf("extend: %v", err)
	}
	s.Rollback(cms, sns, memos)

	if got := s.Digest(); got != d0 {
		t.Fatalf("digest after rollback = %x, want %x", got, d0)
	}
	if s.ContainsCM(digestOf(10)) || s.ContainsSN(digestOf(20)) || s.ContainsMemo(digestOf(30)) {
		t.Fatal("rolled-back items still present")
	}
}
