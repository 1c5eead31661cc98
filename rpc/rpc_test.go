package rpc

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/veilnet/node/chain"
	"github.com/veilnet/node/consensus"
	"github.com/veilnet/node/crypto"
	"github.com/veilnet/node/ledger"
	"github.com/veilnet/node/mempool"
	"github.com/veilnet/node/store"
)

func newTestService(t *testing.T) (*Service, *chain.Engine, consensus.MerkleHasher) {
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

	engine := chain.New(st, led, mp, params, consensus.DevProofVerifier{}, consensus.DevHeaderVerifier{}, merkle, provider, log.WithField("test", true))

	genesisTx := consensus.Transaction{ID: [32]byte{1}, ValueBalance: -1, Proof: []byte{1}}
	genesis := consensus.Block{
		Header:       consensus.BlockHeader{Time: 1, DifficultyTarget: 1, Nonce: 1, Proof: []byte{9}},
		Transactions: []consensus.Transaction{genesisTx},
	}
	if err := engine.InitGenesis(&genesis); err != nil {
		t.Fatalf("init genesis: %v", err)
	}

	submit := func(tx consensus.Transaction, size int) bool {
		_, ok := mp.Insert(tx, size, led)
		return ok
	}
	svc := New(st, led, mp, submit)
	return svc, engine, merkle
}

func TestGetCanonAfterGenesis(t *testing.T) {
	svc, _, _ := newTestService(t)
	canon, err := svc.GetCanon()
	if err != nil {
		t.Fatalf("get canon: %v", err)
	}
	if canon.Height != 0 {
		t.Fatalf("height = %d, want 0", canon.Height)
	}
}

func TestSubmitAndLookupPendingTransaction(t *testing.T) {
	svc, _, _ := newTestService(t)
	tx := consensus.Transaction{
		ID:             [32]byte{5},
		NewCommitments: []consensus.Digest{{5, 1}},
		Memorandum:     consensus.Digest{5, 2},
		Proof:          []byte{1},
	}
	if !svc.SubmitTransaction(tx, 10) {
		t.Fatal("expected submission to be accepted")
	}
	got, committed, err := svc.GetTransaction(tx.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if committed {
		t.Fatal("expected pending, not committed")
	}
	if got.ID != tx.ID {
		t.Fatal("returned wrong transaction")
	}
}

func TestGetTransactionAfterCommit(t *testing.T) {
	svc, engine, merkle := newTestService(t)
	canon, _ := svc.GetCanon()

	tx := consensus.Transaction{ID: [32]byte{6}, Memorandum: consensus.Digest{6, 2}, ValueBalance: -consensus.DefaultParams().BlockReward(1), Proof: []byte{1}}
	txRoot, err := merkle.TransactionsRoot([][32]byte{tx.ID})
	if err != nil {
		t.Fatalf("transactions root: %v", err)
	}

	b1 := consensus.Block{
		Header: consensus.BlockHeader{
			PreviousHash:     canon.Hash,
			MerkleRoot:       txRoot,
			Time:             2,
			DifficultyTarget: 1,
			Nonce:            2,
			Proof:            []byte{9},
		},
		Transactions: []consensus.Transaction{tx},
	}
	outcome, err := engine.ReceiveBlock(&b1)
	if err != nil {
		t.Fatalf("receive block: %v", err)
	}
	if outcome != chain.OutcomeCommittedCanonExtend {
		t.Fatalf("outcome = %v, want canon-extend", outcome)
	}

	got, committed, err := svc.GetTransaction(tx.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if !committed {
		t.Fatal("expected committed")
	}
	if got.ID != tx.ID {
		t.Fatal("returned wrong transaction")
	}
}
