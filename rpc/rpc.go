// Package rpc exposes the node's query/submit surface as a plain Go
// interface — no transport listener. A JSON-RPC or gRPC front end can wrap
// Service without touching the component internals (§5's "accept
// interfaces" boundary applied to the outermost surface).
package rpc

import (
	"fmt"

	"github.com/veilnet/node/consensus"
	"github.com/veilnet/node/ledger"
	"github.com/veilnet/node/mempool"
	"github.com/veilnet/node/store"
)

// Service is the in-process implementation of the node's external query
// surface: block/transaction lookup, canon tip, and transaction submission.
type Service struct {
	store   *store.Store
	ledger  *ledger.State
	mempool *mempool.Pool

	submit func(tx consensus.Transaction, size int) bool
}

func New(
	st *store.Store,
	led *ledger.State,
	mp *mempool.Pool,
	submit func(tx consensus.Transaction, size int) bool,
) *Service {
	return &Service{store: st, ledger: led, mempool: mp, submit: submit}
}

// GetCanon returns the current canonical tip.
func (s *Service) GetCanon() (store.CanonTip, error) {
	return s.store.Canon()
}

// GetBlock returns the stored block for hash, if known.
func (s *Service) GetBlock(hash consensus.Digest) (consensus.Block, error) {
	status, err := s.store.GetBlockState(hash)
	if err != nil {
		return consensus.Block{}, err
	}
	if status.Kind == consensus.BlockStatusUnknown {
		return consensus.Block{}, fmt.Errorf("rpc: unknown block %x", hash)
	}
	return s.store.ReadBlock(hash)
}

// GetBlockStatus reports a hash's reception state without fetching the
// full block body.
func (s *Service) GetBlockStatus(hash consensus.Digest) (consensus.BlockStatus, error) {
	return s.store.GetBlockState(hash)
}

// GetTransaction looks up tx by ID, first in the mempool (pending), then
// among committed blocks. Returns (tx, committed, error).
func (s *Service) GetTransaction(id [32]byte) (consensus.Transaction, bool, error) {
	if entry, ok := s.mempool.RemoveByHash(id); ok {
		// RemoveByHash pops the entry; reinsert so a read-only lookup has no
		// side effect on the pool.
		s.mempool.Insert(entry.Transaction, entry.Size, s.ledger)
		return entry.Transaction, false, nil
	}
	block, loc, err := s.findCommittedTransaction(id)
	if err != nil {
		return consensus.Transaction{}, false, err
	}
	return block.Transactions[loc], true, nil
}

func (s *Service) findCommittedTransaction(id [32]byte) (consensus.Block, int, error) {
	loc, ok, err := s.store.LookupTransactionLocation(id)
	if err != nil {
		return consensus.Block{}, 0, err
	}
	if !ok {
		return consensus.Block{}, 0, fmt.Errorf("rpc: unknown transaction %x", id)
	}
	block, err := s.store.ReadBlock(loc.BlockHash)
	if err != nil {
		return consensus.Block{}, 0, err
	}
	return block, int(loc.Index), nil
}

// SubmitTransaction hands tx to the configured submission path (typically
// sync.Driver.ReceiveTransaction, which inserts and broadcasts on
// acceptance).
func (s *Service) SubmitTransaction(tx consensus.Transaction, size int) bool {
	return s.submit(tx, size)
}

// MempoolSize reports the current mempool entry count and total byte size.
func (s *Service) MempoolSize() (count int, totalSize int) {
	return s.mempool.Len(), s.mempool.TotalSize()
}
