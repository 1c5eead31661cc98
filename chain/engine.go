// Package chain implements the commit engine (component D): the
// block-commit / fork-reconciliation algorithm that decides reception
// outcome for an incoming block, coordinating the block-store (component A)
// and ledger (component B) and notifying the mempool (component C).
package chain

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/veilnet/node/consensus"
	"github.com/veilnet/node/ledger"
	"github.com/veilnet/node/mempool"
	"github.com/veilnet/node/store"
)

// Engine is component D. It serializes all block processing behind a single
// mutex — the "single logical owner per canonical chain" spec §5 calls for.
type Engine struct {
	mu sync.Mutex

	store   *store.Store
	ledger  *ledger.State
	mempool *mempool.Pool
	params  consensus.Params

	proof  consensus.ProofVerifier
	header consensus.HeaderVerifier
	merkle consensus.MerkleHasher
	crypto sha3Provider

	log *logrus.Entry

	chainID consensus.Digest
}

type sha3Provider interface {
	SHA3_256(input []byte) [32]byte
}

func New(
	st *store.Store,
	led *ledger.State,
	mp *mempool.Pool,
	params consensus.Params,
	proof consensus.ProofVerifier,
	header consensus.HeaderVerifier,
	merkle consensus.MerkleHasher,
	crypto sha3Provider,
	log *logrus.Entry,
) *Engine {
	return &Engine{
		store:   st,
		ledger:  led,
		mempool: mp,
		params:  params,
		proof:   proof,
		header:  header,
		merkle:  merkle,
		crypto:  crypto,
		log:     log,
	}
}

// ReceiveOutcome tags which of (a)-(d) in §4.D.1 ReceiveBlock produced.
type ReceiveOutcome int

const (
	OutcomeCommittedCanonExtend ReceiveOutcome = iota
	OutcomeStoredUncommitted
	OutcomeReorganized
)

// ReceiveBlock implements §4.D.2. Pre: block has passed structural
// validation. After success the engine always attempts TryToFastForward.
func (e *Engine) ReceiveBlock(block *consensus.Block) (ReceiveOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := consensus.HeaderHash(e.crypto, block.Header)

	status, err := e.store.GetBlockState(h)
	if err != nil {
		return 0, err
	}
	if status.Kind != consensus.BlockStatusUnknown {
		return 0, store.ErrPreExistingBlock
	}

	if err := e.store.InsertBlock(h, block); err != nil {
		return 0, err
	}

	parent := block.Header.PreviousHash
	parentStatus, err := e.store.GetBlockState(parent)
	if err != nil {
		return 0, err
	}

	canon, err := e.store.Canon()
	if err != nil {
		return 0, err
	}

	var outcome ReceiveOutcome
	switch {
	case parentStatus.Kind == consensus.BlockStatusCommitted && parentStatus.Height == canon.Height:
		if err := e.verifyAndCommitBlock(h); err != nil {
			return 0, err
		}
		outcome = OutcomeCommittedCanonExtend

	case parentStatus.Kind == consensus.BlockStatusUnknown:
		e.log.WithField("hash", h).Debug("chain: orphan block stored, parent unknown")
		return OutcomeStoredUncommitted, e.tryToFastForward()

	default:
		fd, err := e.store.GetForkPath(parent, h, e.params.OldestForkThreshold)
		if err != nil {
			return 0, err
		}
		switch fd.Kind {
		case store.ForkOrphan, store.ForkTooLong:
			e.log.WithField("hash", h).Debug("chain: fork path orphan or too-long, block stored uncommitted")
			return OutcomeStoredUncommitted, e.tryToFastForward()
		case store.ForkPathFound:
			// fd.Path already includes h and any of its previously-stored
			// descendants (longest_child_path(h)), so no "+1" is needed here.
			newHeight := fd.Path.BaseIndex + uint32(len(fd.Path.Path))
			if newHeight <= canon.Height {
				e.log.WithField("hash", h).Debug("chain: side chain not longer than canon, stored uncommitted")
				return OutcomeStoredUncommitted, e.tryToFastForward()
			}
			if err := e.reorganize(fd.Path); err != nil {
				return 0, err
			}
			outcome = OutcomeReorganized
		}
	}

	if err := e.tryToFastForward(); err != nil {
		return 0, err
	}
	return outcome, nil
}

// Canon returns the current canonical tip, for callers that need a height/
// hash to build on (e.g. the sync driver assembling a block from a
// committed BFT sub-DAG).
func (e *Engine) Canon() (store.CanonTip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Canon()
}

// TryToFastForward walks the longest child path of canon tip, attempting to
// commit each child in order. Exported so sync/rpc callers can invoke it
// directly after bulk ingestion (advance_with_sync_blocks, §4.H).
func (e *Engine) TryToFastForward() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tryToFastForward()
}

func (e *Engine) tryToFastForward() error {
	canon, err := e.store.Canon()
	if err != nil {
		return err
	}
	path, err := e.store.LongestChildPath(canon.Hash)
	if err != nil {
		return err
	}
	// path[0] == canon.Hash itself; only walk its descendants.
	for _, h := range path[1:] {
		if err := e.verifyAndCommitBlock(h); err != nil {
			// A bad descendant aborts the fast-forward at that point; the
			// blocks already committed earlier in the loop remain canon.
			e.log.WithError(err).WithField("hash", h).Warn("chain: fast-forward stopped, block failed verification")
			return nil
		}
	}
	return nil
}
