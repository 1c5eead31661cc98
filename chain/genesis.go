package chain

import "github.com/veilnet/node/consensus"

// InitGenesis inserts and commits the genesis block directly, bypassing the
// parent-lookup logic in ReceiveBlock (genesis has no parent by
// construction). It is a no-op if genesis is already committed.
func (e *Engine) InitGenesis(genesis *consensus.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := consensus.HeaderHash(e.crypto, genesis.Header)
	status, err := e.store.GetBlockState(h)
	if err != nil {
		return err
	}
	if status.Kind == consensus.BlockStatusCommitted {
		return nil
	}
	if status.Kind == consensus.BlockStatusUnknown {
		if err := e.store.InsertBlock(h, genesis); err != nil {
			return err
		}
	}
	return e.verifyAndCommitGenesis(h, genesis)
}

// verifyAndCommitGenesis checks only that the block has exactly one coinbase
// and that its block proof verifies, then commits it. The previous_hash,
// value-balance, Merkle/Pedersen-root, header and transaction-proof checks
// of verifyAndCommitBlock are not applied to genesis.
func (e *Engine) verifyAndCommitGenesis(h consensus.Digest, genesis *consensus.Block) error {
	if genesis.CoinbaseCount() != 1 {
		return &InvalidBlockError{Hash: h, Reason: "genesis must have exactly one coinbase transaction"}
	}
	if !e.proof.VerifyBlockProof(&genesis.Header) {
		return &InvalidBlockError{Hash: h, Reason: "genesis block proof verification failed"}
	}

	txIDs := make([][32]byte, len(genesis.Transactions))
	var cms, sns, memos []consensus.Digest
	for i := range genesis.Transactions {
		tx := &genesis.Transactions[i]
		txIDs[i] = tx.ID
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
