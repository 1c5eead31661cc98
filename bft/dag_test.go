package bft

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/veilnet/node/consensus"
)

func silentLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("test", true)
}

func cert(round uint64, author consensus.ValidatorAddress, id byte) BatchCertificate {
	var digest consensus.Digest
	digest[0] = id
	return BatchCertificate{
		ID:     digest,
		Header: BatchHeader{Round: round, Author: author},
	}
}

// TestDAGUniqueness: at most one certificate per (round, author) is kept.
func TestDAGUniqueness(t *testing.T) {
	d := NewDAG(silentLog())
	a := validatorAt(0)

	d.Insert(cert(1, a, 1))
	d.Insert(cert(1, a, 2)) // conflicting cert for same (round, author)

	got, ok := d.GetCertificateForRoundWithAuthor(1, a)
	if !ok {
		t.Fatal("expected a certificate to be present")
	}
	if got.ID[0] != 1 {
		t.Fatalf("got cert id %d, want first-writer-wins id 1", got.ID[0])
	}
	if len(d.GetCertificatesForRound(1)) != 1 {
		t.Fatal("expected exactly one certificate in round 1")
	}
}

// TestDAGInsertAlreadyCommittedIsNoop: inserting a cert whose ID is already
// in recent_committed_ids is a no-op.
func TestDAGInsertAlreadyCommittedIsNoop(t *testing.T) {
	d := NewDAG(silentLog())
	a := validatorAt(0)
	c := cert(5, a, 9)

	d.Commit(c, 50)
	if !d.IsRecentlyCommitted(5, c.ID) {
		t.Fatal("expected cert to be recorded as committed")
	}

	d.Insert(c)
	if d.ContainsCertificateInRound(5, a) {
		t.Fatal("insert of an already-committed cert ID must not populate the graph")
	}
}

// TestDAGCommitGC: commits beyond the GC window drop earlier rounds.
func TestDAGCommitGC(t *testing.T) {
	d := NewDAG(silentLog())
	a := validatorAt(0)
	b := validatorAt(1)

	d.Insert(cert(1, a, 1))
	d.Commit(cert(1, a, 1), 2)
	if !d.ContainsCertificateInRound(1, a) {
		t.Fatal("round 1 should still be present immediately after its own commit")
	}

	d.Insert(cert(4, b, 2))
	d.Commit(cert(4, b, 2), 2) // 1 + 2 <= 4 -> round 1 is GC'd

	if d.ContainsCertificateInRound(1, a) {
		t.Fatal("round 1 should have been garbage-collected")
	}
	if !d.ContainsCertificateInRound(4, b) {
		t.Fatal("round 4 should survive its own commit")
	}
}

// TestDAGCommitRemovesSupersededLaterEntry: committing cert in round R
// removes the author's entry from any bucket above R.
func TestDAGCommitRemovesSupersededLaterEntry(t *testing.T) {
	d := NewDAG(silentLog())
	a := validatorAt(0)

	d.Insert(cert(1, a, 1))
	d.Insert(cert(3, a, 2))

	d.Commit(cert(1, a, 1), 50)

	if d.ContainsCertificateInRound(3, a) {
		t.Fatal("author entry above the committed round should be removed")
	}
}
