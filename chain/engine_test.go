package chain

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/veilnet/node/consensus"
	"github.com/veilnet/node/crypto"
	"github.com/veilnet/node/ledger"
	"github.com/veilnet/node/mempool"
	"github.com/veilnet/node/store"
)

func newTestEngine(t *testing.T) (*Engine, *consensus.Block) {
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

	e := New(st, led, mp, params, consensus.DevProofVerifier{}, consensus.DevHeaderVerifier{}, merkle, provider, log.WithField("test", true))

	genesis := buildBlock(t, merkle, consensus.Digest{}, 1, []consensus.Transaction{coinbaseTx(1, params.BlockReward(0))})
	if err := e.InitGenesis(&genesis); err != nil {
		t.Fatalf("init genesis: %v", err)
	}
	return e, &genesis
}

func coinbaseTx(seed byte, reward int64) consensus.Transaction {
	var tx consensus.Transaction
	tx.ID = fillDigest(seed)
	tx.NewCommitments = []consensus.Digest{fillDigest(seed + 100)}
	tx.Memorandum = fillDigest(seed + 200)
	tx.ValueBalance = -reward
	tx.Proof = []byte{1, 2, 3}
	return tx
}

func fillDigest(b byte) consensus.Digest {
	var d consensus.Digest
	d[0] = b
	return d
}

func buildBlock(t *testing.T, merkle consensus.MerkleHasher, parent consensus.Digest, nonce uint64, txs []consensus.Transaction) consensus.Block {
	t.Helper()
	txIDs := make([][32]byte, len(txs))
	var cms []consensus.Digest
	for i := range txs {
		txIDs[i] = txs[i].ID
		cms = append(cms, txs[i].NewCommitments...)
	}
	txRoot, err := merkle.TransactionsRoot(txIDs)
	if err != nil {
		t.Fatalf("transactions root: %v", err)
	}
	var pedersenRoot consensus.Digest
	if len(cms) > 0 {
		pedersenRoot, err = merkle.PedersenRoot(cms)
		if err != nil {
			t.Fatalf("pedersen root: %v", err)
		}
	}
	return consensus.Block{
		Header: consensus.BlockHeader{
			PreviousHash:       parent,
			MerkleRoot:         txRoot,
			PedersenMerkleRoot: pedersenRoot,
			Time:               int64(nonce),
			DifficultyTarget:   1,
			Nonce:              nonce,
			Proof:              []byte{9},
		},
		Transactions: txs,
	}
}

func hashOf(e *Engine, h consensus.BlockHeader) consensus.Digest {
	return consensus.HeaderHash(e.crypto, h)
}

// TestSingleBlockExtend is scenario 1 from §8: canon-extend advances height
// by 1 and the ledger digest changes.
func TestSingleBlockExtend(t *testing.T) {
	e, genesis := newTestEngine(t)
	d0, _ := e.store.Canon()
	digestBefore := e.ledger.Digest()

	b1 := buildBlock(t, e.merkle, hashOf(e, genesis.Header), 2, []consensus.Transaction{coinbaseTx(2, e.params.BlockReward(1))})
	outcome, err := e.ReceiveBlock(&b1)
	if err != nil {
		t.Fatalf("receive block: %v", err)
	}
	if outcome != OutcomeCommittedCanonExtend {
		t.Fatalf("outcome = %v, want canon-extend", outcome)
	}
	canon, _ := e.store.Canon()
	if canon.Height != d0.Height+1 {
		t.Fatalf("height = %d, want %d", canon.Height, d0.Height+1)
	}
	if canon.Hash == hashOf(e, genesis.Header) {
		t.Fatal("canon hash did not advance")
	}
	if e.ledger.Digest() == digestBefore {
		t.Fatal("ledger digest did not change")
	}
}

// TestOrphanBlock is scenario 2: a block whose parent is unknown is stored
// uncommitted and canon is unaffected.
func TestOrphanBlock(t *testing.T) {
	e, _ := newTestEngine(t)
	canonBefore, _ := e.store.Canon()

	bx := buildBlock(t, e.merkle, fillDigest(0xFF), 7, []consensus.Transaction{coinbaseTx(7, e.params.BlockReward(1))})
	outcome, err := e.ReceiveBlock(&bx)
	if err != nil {
		t.Fatalf("receive block: %v", err)
	}
	if outcome != OutcomeStoredUncommitted {
		t.Fatalf("outcome = %v, want stored-uncommitted", outcome)
	}
	h := hashOf(e, bx.Header)
	status, _ := e.store.GetBlockState(h)
	if status.Kind != consensus.BlockStatusUncommitted {
		t.Fatalf("status = %v, want Uncommitted", status.Kind)
	}
	canonAfter, _ := e.store.Canon()
	if canonAfter != canonBefore {
		t.Fatal("canon changed on orphan insert")
	}
}

// TestReorgDepthOne is scenario 3: a side chain exceeding canon length by
// one triggers a reorg that decommits the old tip and commits the new path.
func TestReorgDepthOne(t *testing.T) {
	e, genesis := newTestEngine(t)

	a1 := buildBlock(t, e.merkle, hashOf(e, genesis.Header), 11, []consensus.Transaction{coinbaseTx(11, e.params.BlockReward(1))})
	if _, err := e.ReceiveBlock(&a1); err != nil {
		t.Fatalf("receive a1: %v", err)
	}

	b1 := buildBlock(t, e.merkle, hashOf(e, genesis.Header), 21, []consensus.Transaction{coinbaseTx(21, e.params.BlockReward(1))})
	outcome, err := e.ReceiveBlock(&b1)
	if err != nil {
		t.Fatalf("receive b1: %v", err)
	}
	if outcome != OutcomeStoredUncommitted {
		t.Fatalf("b1 outcome = %v, want stored-uncommitted (shorter-or-equal)", outcome)
	}

	b2 := buildBlock(t, e.merkle, hashOf(e, b1.Header), 22, []consensus.Transaction{coinbaseTx(22, e.params.BlockReward(2))})
	outcome, err = e.ReceiveBlock(&b2)
	if err != nil {
		t.Fatalf("receive b2: %v", err)
	}
	if outcome != OutcomeReorganized {
		t.Fatalf("b2 outcome = %v, want reorganized", outcome)
	}

	canon, _ := e.store.Canon()
	if canon.Height != 2 {
		t.Fatalf("canon height = %d, want 2", canon.Height)
	}
	if canon.Hash != hashOf(e, b2.Header) {
		t.Fatal("canon tip is not b2")
	}
	a1Status, _ := e.store.GetBlockState(hashOf(e, a1.Header))
	if a1Status.Kind != consensus.BlockStatusUncommitted {
		t.Fatalf("a1 status = %v, want decommitted to Uncommitted", a1Status.Kind)
	}
}

// TestTooLongForkRejected is scenario 4: with a small OldestForkThreshold, a
// fork path whose backward walk cannot reach a committed ancestor within the
// threshold returns ForkTooLong.
func TestTooLongForkRejected(t *testing.T) {
	e, genesis := newTestEngine(t)
	const threshold = 8

	parent := hashOf(e, genesis.Header)
	var hashes []consensus.Digest
	for i := 0; i < 9; i++ {
		blk := buildBlock(t, e.merkle, parent, uint64(100+i), []consensus.Transaction{coinbaseTx(byte(30+i), 1)})
		h := hashOf(e, blk.Header)
		if err := e.store.InsertBlock(h, &blk); err != nil {
			t.Fatalf("insert block %d: %v", i, err)
		}
		hashes = append(hashes, h)
		parent = h
	}

	fd, err := e.store.GetForkPath(hashes[len(hashes)-1], hashes[len(hashes)-1], threshold)
	if err != nil {
		t.Fatalf("get fork path: %v", err)
	}
	if fd.Kind != store.ForkTooLong {
		t.Fatalf("fork kind = %v, want ForkTooLong", fd.Kind)
	}

	canon, _ := e.store.Canon()
	if canon.Hash != hashOf(e, genesis.Header) {
		t.Fatal("canon changed despite too-long fork")
	}
}
