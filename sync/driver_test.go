package sync

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilnet/node/bft"
	"github.com/veilnet/node/chain"
	"github.com/veilnet/node/consensus"
	"github.com/veilnet/node/crypto"
	"github.com/veilnet/node/ledger"
	"github.com/veilnet/node/mempool"
	"github.com/veilnet/node/store"
)

type stubBroadcaster struct {
	sent []consensus.Transaction
}

func (b *stubBroadcaster) BroadcastTransaction(tx consensus.Transaction) {
	b.sent = append(b.sent, tx)
}

func newTestDriver(t *testing.T) (*Driver, *stubBroadcaster) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	provider := crypto.DevStdCryptoProvider{}
	led := ledger.New(ledger.DevHasher{Provider: provider})
	mp := mempool.New()
	params := consensus.DefaultParams()
	merkle := consensus.DevMerkleHasher{Provider: provider}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	entry := log.WithField("test", true)

	engine := chain.New(st, led, mp, params, consensus.DevProofVerifier{}, consensus.DevHeaderVerifier{}, merkle, provider, entry)

	genesisTx := consensus.Transaction{ID: [32]byte{1}, ValueBalance: -1, Proof: []byte{1}}
	genesis := consensus.Block{
		Header:       consensus.BlockHeader{Time: 1, DifficultyTarget: 1, Nonce: 1, Proof: []byte{9}},
		Transactions: []consensus.Transaction{genesisTx},
	}
	if err := engine.InitGenesis(&genesis); err != nil {
		t.Fatalf("init genesis: %v", err)
	}

	dag := bft.NewDAG(entry)
	committee := bft.DevCommittee{Validators: []consensus.ValidatorAddress{{X: [32]byte{1}}, {X: [32]byte{2}}, {X: [32]byte{3}}}}
	roundCache := bft.NewRoundCache()
	broadcaster := &stubBroadcaster{}
	d := NewDriver(engine, mp, led, dag, committee, roundCache, merkle, provider, params, broadcaster, entry)
	return d, broadcaster
}

func digest(b byte) consensus.Digest {
	var d consensus.Digest
	d[0] = b
	return d
}

// TestReceiveTransactionBroadcastsOnAcceptance verifies §4.H's
// insert-then-broadcast contract.
func TestReceiveTransactionBroadcastsOnAcceptance(t *testing.T) {
	d, b := newTestDriver(t)
	tx := consensus.Transaction{ID: [32]byte{7}, NewCommitments: []consensus.Digest{digest(7)}, Memorandum: digest(70), Proof: []byte{1}}

	accepted := d.ReceiveTransaction(tx, 100)
	if !accepted {
		t.Fatal("expected transaction to be accepted")
	}
	if len(b.sent) != 1 || b.sent[0].ID != tx.ID {
		t.Fatal("expected the accepted transaction to be broadcast")
	}
}

// TestReceiveTransactionDedup verifies a second relay of the same tx ID is
// dropped before reaching the mempool and is not re-broadcast.
func TestReceiveTransactionDedup(t *testing.T) {
	d, b := newTestDriver(t)
	tx := consensus.Transaction{ID: [32]byte{8}, NewCommitments: []consensus.Digest{digest(8)}, Memorandum: digest(80), Proof: []byte{1}}

	if !d.ReceiveTransaction(tx, 100) {
		t.Fatal("first receive should be accepted")
	}
	if d.ReceiveTransaction(tx, 100) {
		t.Fatal("duplicate receive should be dropped by the seen-cache")
	}
	if len(b.sent) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(b.sent))
	}
}

// TestReceiveBatchSignatureCommitsOnQuorum verifies that completing quorum
// through ReceiveBatchSignature inserts and commits a certificate into the
// DAG and releases the proposal from the mailbox.
func TestReceiveBatchSignatureCommitsOnQuorum(t *testing.T) {
	d, _ := newTestDriver(t)
	committee := d.committee.(bft.DevCommittee) // quorum threshold = (6+2)/3 = 2
	author := committee.Validators[0]
	header := bft.BatchHeader{Round: 1, Author: author, ParentsByID: []consensus.Digest{digest(0xAA)}}
	hasher := bft.DevBatchHasher{Provider: crypto.DevStdCryptoProvider{}}

	p, err := bft.NewProposal(committee, hasher, header, nil)
	if err != nil {
		t.Fatalf("new proposal: %v", err)
	}
	d.RegisterProposal(p)

	if err := d.ReceiveBatchSignature(committee.Validators[1], p.BatchID, bft.Signature{0x01}); err != nil {
		t.Fatalf("receive batch signature: %v", err)
	}

	if !d.dag.IsRecentlyCommitted(1, p.BatchID) {
		t.Fatal("expected certificate to be committed into the DAG on quorum")
	}
	d.mu.Lock()
	_, stillTracked := d.proposals[p.BatchID]
	d.mu.Unlock()
	if stillTracked {
		t.Fatal("proposal should be released from the mailbox after certification")
	}
}

// TestRoundCacheAdvancesAndBlockIsAssembled verifies the full DAG→block
// path: a round's deterministic leader certifying feeds the round cache
// and, once that certificate is the round leader's, assembles a block
// containing a pending mempool transaction and submits it to the commit
// engine, advancing canon height.
func TestRoundCacheAdvancesAndBlockIsAssembled(t *testing.T) {
	d, _ := newTestDriver(t)
	committee := d.committee.(bft.DevCommittee)
	committee.Starting = 1 // round 1 is the committee's starting round: no parent citation required
	d.committee = committee

	tx := consensus.Transaction{ID: [32]byte{9}, NewCommitments: []consensus.Digest{digest(9)}, Memorandum: digest(90), Proof: []byte{1}}
	if !d.ReceiveTransaction(tx, 100) {
		t.Fatal("expected transaction to be accepted into the mempool")
	}

	// leaderForRound(1) picks sorted members[1%3=1] = Validators[1].
	author := committee.Validators[1]
	hasher := bft.DevBatchHasher{Provider: crypto.DevStdCryptoProvider{}}

	p, err := d.ProposeRound(1, author, consensus.Digest{}, hasher, time.Now())
	if err != nil {
		t.Fatalf("propose round: %v", err)
	}
	if p.Phase != bft.ProposalPhaseAwaitingSignatures {
		t.Fatalf("phase = %v, want AwaitingSignatures", p.Phase)
	}

	if err := d.ReceiveBatchSignature(committee.Validators[0], p.BatchID, bft.Signature{0x01}); err != nil {
		t.Fatalf("receive batch signature: %v", err)
	}
	if p.Phase != bft.ProposalPhaseCommitted {
		t.Fatalf("phase = %v, want Committed", p.Phase)
	}
	if !d.dag.IsRecentlyCommitted(1, p.BatchID) {
		t.Fatal("expected leader certificate to be committed into the DAG")
	}

	canon, err := d.engine.Canon()
	if err != nil {
		t.Fatalf("canon: %v", err)
	}
	if canon.Height != 1 {
		t.Fatalf("canon height = %d, want 1 (block assembled from the committed sub-DAG)", canon.Height)
	}
}

// TestExpireStaleProposalsReleasesAbandonedProposal verifies §9's deadline
// half of the state machine: a proposal that never reaches quorum is
// released once its deadline has passed.
func TestExpireStaleProposalsReleasesAbandonedProposal(t *testing.T) {
	d, _ := newTestDriver(t)
	committee := d.committee.(bft.DevCommittee)
	author := committee.Validators[0]
	header := bft.BatchHeader{Round: 1, Author: author, ParentsByID: []consensus.Digest{digest(0xAA)}}
	hasher := bft.DevBatchHasher{Provider: crypto.DevStdCryptoProvider{}}

	p, err := bft.NewProposal(committee, hasher, header, nil)
	if err != nil {
		t.Fatalf("new proposal: %v", err)
	}
	d.RegisterProposal(p)

	if expired := d.ExpireStaleProposals(time.Now()); len(expired) != 0 {
		t.Fatalf("expected no proposals expired yet, got %d", len(expired))
	}

	expired := d.ExpireStaleProposals(time.Now().Add(2 * defaultProposalDeadline))
	if len(expired) != 1 || expired[0] != p.BatchID {
		t.Fatalf("expected exactly p.BatchID to expire, got %v", expired)
	}
	d.mu.Lock()
	_, stillTracked := d.proposals[p.BatchID]
	d.mu.Unlock()
	if stillTracked {
		t.Fatal("expired proposal should no longer be tracked")
	}
}
