package chain

import (
	"github.com/veilnet/node/consensus"
)

// InvalidBlockError is re-exported so callers can errors.As against it.
type InvalidBlockError = consensus.InvalidBlockError

// verifyAndCommitBlock implements §4.D.5. Caller holds e.mu.
func (e *Engine) verifyAndCommitBlock(h consensus.Digest) error {
	status, err := e.store.GetBlockState(h)
	if err != nil {
		return err
	}
	if status.Kind == consensus.BlockStatusCommitted {
		return nil // no-op success
	}
	if status.Kind == consensus.BlockStatusUnknown {
		return &InvalidBlockError{Hash: h, Reason: "verify_and_commit_block on unknown hash"}
	}

	block, err := e.fetchBlock(h)
	if err != nil {
		return err
	}

	canon, err := e.store.Canon()
	if err != nil {
		return err
	}
	if block.Header.PreviousHash != canon.Hash {
		return &InvalidBlockError{Hash: h, Reason: "previous_hash does not equal canon tip"}
	}

	if block.CoinbaseCount() != 1 {
		return &InvalidBlockError{Hash: h, Reason: "block must have exactly one coinbase transaction"}
	}
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if tx.HasDuplicateSerialNumbers() || tx.HasDuplicateCommitments() {
			return &InvalidBlockError{Hash: h, Reason: "transaction has duplicate serial numbers or commitments"}
		}
	}
	expectedReward := e.params.BlockReward(canon.Height + 1)
	if block.ValueBalanceSum()+expectedReward != 0 {
		return &InvalidBlockError{Hash: h, Reason: "value balance sum does not equal negative block reward"}
	}

	txIDs := make([][32]byte, len(block.Transactions))
	cmRoots := make([]consensus.Digest, 0)
	for i := range block.Transactions {
		txIDs[i] = block.Transactions[i].ID
		cmRoots = append(cmRoots, block.Transactions[i].NewCommitments...)
	}
	txRoot, err := e.merkle.TransactionsRoot(txIDs)
	if err != nil {
		return &InvalidBlockError{Hash: h, Reason: "transactions root computation failed: " + err.Error()}
	}
	if txRoot != block.Header.MerkleRoot {
		return &InvalidBlockError{Hash: h, Reason: "merkle root mismatch"}
	}
	if len(cmRoots) > 0 {
		pedersenRoot, err := e.merkle.PedersenRoot(cmRoots)
		if err != nil {
			return &InvalidBlockError{Hash: h, Reason: "pedersen root computation failed: " + err.Error()}
		}
		if pedersenRoot != block.Header.PedersenMerkleRoot {
			return &InvalidBlockError{Hash: h, Reason: "pedersen merkle root mismatch"}
		}
	}

	var parentHeader *consensus.BlockHeader
	if canon.Height > 0 || !canon.Hash.IsZero() {
		ph, err := e.fetchHeader(canon.Hash)
		if err != nil {
			return err
		}
		parentHeader = &ph
	}
	if err := e.header.VerifyHeader(parentHeader, &block.Header, canon.Height+1); err != nil {
		return &InvalidBlockError{Hash: h, Reason: "header verification failed: " + err.Error()}
	}

	if !e.proof.VerifyBlockProof(&block.Header) {
		return &InvalidBlockError{Hash: h, Reason: "block proof verification failed"}
	}
	for i := range block.Transactions {
		if !e.proof.VerifyTransactionProof(&block.Transactions[i]) {
			return &InvalidBlockError{Hash: h, Reason: "transaction proof verification failed"}
		}
	}

	var cms, sns, memos []consensus.Digest
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		cms = append(cms, tx.NewCommitments...)
		sns = append(sns, tx.OldSerialNumbers...)
		memos = append(memos, tx.Memorandum)
	}
	digest, err := e.ledger.Extend(cms, sns, memos)
	if err != nil {
		return err
	}
	if err := e.store.CommitBlock(h, txIDs, digest); err != nil {
		return err
	}
	e.mempool.Cleanse(e.ledger)
	return nil
}

func (e *Engine) fetchBlock(h consensus.Digest) (consensus.Block, error) {
	return e.store.ReadBlock(h)
}

func (e *Engine) fetchHeader(h consensus.Digest) (consensus.BlockHeader, error) {
	b, err := e.store.ReadBlock(h)
	if err != nil {
		return consensus.BlockHeader{}, err
	}
	return b.Header, nil
}
