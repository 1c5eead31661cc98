// Package mempool implements the pending-transaction set (component C):
// conflict detection against the ledger and against other entries, size
// accounting, and post-commit reconciliation.
package mempool

import (
	"sync"

	"github.com/veilnet/node/consensus"
	"github.com/veilnet/node/ledger"
)

// Entry is a MempoolEntry per spec §3.
type Entry struct {
	Transaction consensus.Transaction
	Size        int
}

// Pool is the single-writer mempool (component C; spec §5: exclusive writer
// on insert/remove/cleanse, readers may snapshot).
type Pool struct {
	mu        sync.RWMutex
	entries   map[[32]byte]Entry
	totalSize int
}

func New() *Pool {
	return &Pool{entries: make(map[[32]byte]Entry)}
}

// TotalSize is the sum of all entry sizes.
func (p *Pool) TotalSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalSize
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Insert adds tx if it passes every conflict check, returning the tx id on
// success or (zero, false) if silently dropped (spec §4.C): intra-tx
// duplicate serial numbers/commitments, tx already present, or any serial
// number/commitment/memo already in the ledger or another mempool entry.
func (p *Pool) Insert(tx consensus.Transaction, size int, led *ledger.State) ([32]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tx.HasDuplicateSerialNumbers() || tx.HasDuplicateCommitments() {
		return [32]byte{}, false
	}
	if _, exists := p.entries[tx.ID]; exists {
		return [32]byte{}, false
	}
	if p.conflictsLocked(tx, led) {
		return [32]byte{}, false
	}

	p.entries[tx.ID] = Entry{Transaction: tx, Size: size}
	p.totalSize += size
	return tx.ID, true
}

// conflictsLocked reports whether tx shares a serial number, commitment, or
// memo with the ledger or with any entry currently held (caller holds mu).
func (p *Pool) conflictsLocked(tx consensus.Transaction, led *ledger.State) bool {
	for _, sn := range tx.OldSerialNumbers {
		if led.ContainsSN(sn) {
			return true
		}
	}
	for _, cm := range tx.NewCommitments {
		if led.ContainsCM(cm) {
			return true
		}
	}
	if led.ContainsMemo(tx.Memorandum) {
		return true
	}
	for _, e := range p.entries {
		if shareAny(tx, e.Transaction) {
			return true
		}
	}
	return false
}

func shareAny(a, b consensus.Transaction) bool {
	if a.Memorandum == b.Memorandum {
		return true
	}
	snSet := make(map[consensus.Digest]struct{}, len(b.OldSerialNumbers))
	for _, sn := range b.OldSerialNumbers {
		snSet[sn] = struct{}{}
	}
	for _, sn := range a.OldSerialNumbers {
		if _, ok := snSet[sn]; ok {
			return true
		}
	}
	cmSet := make(map[consensus.Digest]struct{}, len(b.NewCommitments))
	for _, cm := range b.NewCommitments {
		cmSet[cm] = struct{}{}
	}
	for _, cm := range a.NewCommitments {
		if _, ok := cmSet[cm]; ok {
			return true
		}
	}
	return false
}

// Remove removes entry e if present, decrementing total size.
func (p *Pool) Remove(txID [32]byte) ([32]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[txID]
	if !ok {
		return [32]byte{}, false
	}
	delete(p.entries, txID)
	p.totalSize -= e.Size
	return txID, true
}

// RemoveByHash removes and returns the entry for txID, if present.
func (p *Pool) RemoveByHash(txID [32]byte) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[txID]
	if !ok {
		return Entry{}, false
	}
	delete(p.entries, txID)
	p.totalSize -= e.Size
	return e, true
}

// Cleanse rebuilds the mempool by reinserting every current entry against
// the (now-updated) ledger; only entries that still pass every conflict
// check survive. Must be called after every commit_block and
// decommit_blocks (spec §4.C). Never fails.
func (p *Pool) Cleanse(led *ledger.State) {
	p.mu.Lock()
	old := p.entries
	p.entries = make(map[[32]byte]Entry, len(old))
	p.totalSize = 0
	p.mu.Unlock()

	for id, e := range old {
		if _, ok := p.Insert(e.Transaction, e.Size, led); !ok {
			_ = id // dropped: no longer conflict-free against the new ledger state
		}
	}
}

// GetCandidates reserves headerSize+coinbaseSize of maxBlockSize, then
// iterates entries (in Go map iteration order, which is unspecified and can
// differ between calls), skipping any transaction
// that conflicts with the ledger or an already-selected transaction.
func (p *Pool) GetCandidates(led *ledger.State, maxBlockSize, headerSize, coinbaseSize int) []consensus.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	budget := maxBlockSize - headerSize - coinbaseSize
	if budget < 0 {
		return nil
	}

	var selected []consensus.Transaction
	usedSN := make(map[consensus.Digest]struct{})
	usedCM := make(map[consensus.Digest]struct{})
	usedMemo := make(map[consensus.Digest]struct{})

	for _, e := range p.entries {
		if e.Size > budget {
			continue
		}
		tx := e.Transaction
		if conflictsWithSets(tx, led, usedSN, usedCM, usedMemo) {
			continue
		}
		selected = append(selected, tx)
		budget -= e.Size
		for _, sn := range tx.OldSerialNumbers {
			usedSN[sn] = struct{}{}
		}
		for _, cm := range tx.NewCommitments {
			usedCM[cm] = struct{}{}
		}
		usedMemo[tx.Memorandum] = struct{}{}
	}
	return selected
}

func conflictsWithSets(
	tx consensus.Transaction,
	led *ledger.State,
	usedSN, usedCM, usedMemo map[consensus.Digest]struct{},
) bool {
	for _, sn := range tx.OldSerialNumbers {
		if led.ContainsSN(sn) {
			return true
		}
		if _, ok := usedSN[sn]; ok {
			return true
		}
	}
	for _, cm := range tx.NewCommitments {
		if led.ContainsCM(cm) {
			return true
		}
		if _, ok := usedCM[cm]; ok {
			return true
		}
	}
	if led.ContainsMemo(tx.Memorandum) {
		return true
	}
	if _, ok := usedMemo[tx.Memorandum]; ok {
		return true
	}
	return false
}
