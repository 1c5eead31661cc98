package chain

import (
	"github.com/veilnet/node/consensus"
	"github.com/veilnet/node/store"
)

// reorganize implements §4.D.4. fp is the fork path discovered by
// get_fork_path on the incoming block's parent; fp.Path's first element's
// parent resolves to the new canon base. Caller holds e.mu.
func (e *Engine) reorganize(fp store.ForkPath) error {
	if len(fp.Path) == 0 {
		return consensus.ErrMissingParentForFork
	}
	firstParent, err := e.parentOfStored(fp.Path[0])
	if err != nil {
		return err
	}
	branchStatus, err := e.store.GetBlockState(firstParent)
	if err != nil {
		return err
	}
	if branchStatus.Kind == consensus.BlockStatusUnknown {
		return consensus.ErrMissingParentForFork
	}
	if branchStatus.Kind != consensus.BlockStatusCommitted {
		return consensus.ErrNonCanonForkParent
	}

	canon, err := e.store.Canon()
	if err != nil {
		return err
	}
	// decommit every canon block strictly above branchStatus.Height; the
	// block-store's decommit_blocks(h) removes from tip down to and
	// including h, so h must be the first committed descendant of the
	// branch point, not the branch point itself.
	if canon.Height > branchStatus.Height {
		firstAbove, ok, err := e.store.HashAtHeight(branchStatus.Height + 1)
		if err != nil {
			return err
		}
		if !ok {
			return consensus.ErrNonCanonForkParent
		}
		decommitted, err := e.store.DecommitBlocks(firstAbove)
		if err != nil {
			return err
		}
		e.rollbackLedgerForDecommitted(decommitted)
		e.mempool.Cleanse(e.ledger)
	}

	for _, h := range fp.Path {
		if err := e.verifyAndCommitBlock(h); err != nil {
			return err
		}
	}
	return nil
}

// rollbackLedgerForDecommitted implements §4.D.6: iterate decommitted
// blocks newest-to-oldest (the order store.DecommitBlocks already returns),
// collecting all commitments/serial numbers/memos, then roll the ledger
// back with the union.
func (e *Engine) rollbackLedgerForDecommitted(decommitted []store.SerialBlock) {
	var cms, sns, memos []consensus.Digest
	for _, sb := range decommitted {
		for i := range sb.Block.Transactions {
			tx := &sb.Block.Transactions[i]
			cms = append(cms, tx.NewCommitments...)
			sns = append(sns, tx.OldSerialNumbers...)
			memos = append(memos, tx.Memorandum)
		}
	}
	e.ledger.Rollback(cms, sns, memos)
}

func (e *Engine) parentOfStored(h consensus.Digest) (consensus.Digest, error) {
	block, err := e.store.ReadBlock(h)
	if err != nil {
		return consensus.Digest{}, err
	}
	return block.Header.PreviousHash, nil
}
