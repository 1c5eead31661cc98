// Package ledger implements the cryptographic accumulator state (component
// B): commitment/serial-number/memo index maps and the digest tree over
// them, with extend/rollback support for reorg.
package ledger

import (
	"sort"
	"sync"

	"github.com/veilnet/node/consensus"
)

// State holds the three monotonically-increasing index maps plus the
// recomputed digest, guarded by a single mutex (component B is single-writer
// per spec §5).
type State struct {
	mu sync.RWMutex

	snNext, cmNext, memoNext uint32
	sn                       map[consensus.Digest]uint32
	cm                       map[consensus.Digest]uint32
	memo                     map[consensus.Digest]uint32

	digest consensus.Digest
	hasher Hasher
}

// Hasher computes the digest tree over the ledger's three index maps. It is
// the external collaborator for the Pedersen/Merkle-analog accumulator hash
// (out of scope per §1); New wires a CryptoProvider-backed dev implementation.
type Hasher interface {
	Digest(sn, cm, memo map[consensus.Digest]uint32) consensus.Digest
}

// New constructs an empty ledger state (sn_next = cm_next = memo_next = 0).
func New(h Hasher) *State {
	s := &State{
		sn:     make(map[consensus.Digest]uint32),
		cm:     make(map[consensus.Digest]uint32),
		memo:   make(map[consensus.Digest]uint32),
		hasher: h,
	}
	s.digest = h.Digest(s.sn, s.cm, s.memo)
	return s
}

// ErrDuplicateItem means extend was asked to insert an already-present
// serial number, commitment, or memo (violates the uniqueness invariant).
type ErrDuplicateItem struct {
	Kind string
	Item consensus.Digest
}

func (e *ErrDuplicateItem) Error() string {
	return "ledger: duplicate " + e.Kind
}

// Extend appends each item to its respective index map with a monotonically
// increasing slot, recomputes the digest, and returns it. Fails (leaving the
// ledger unchanged) if any input is already present.
func (s *State) Extend(cms, sns, memos []consensus.Digest) (consensus.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sn := range sns {
		if _, ok := s.sn[sn]; ok {
			return consensus.Digest{}, &ErrDuplicateItem{Kind: "serial_number", Item: sn}
		}
	}
	for _, cm := range cms {
		if _, ok := s.cm[cm]; ok {
			return consensus.Digest{}, &ErrDuplicateItem{Kind: "commitment", Item: cm}
		}
	}
	for _, m := range memos {
		if _, ok := s.memo[m]; ok {
			return consensus.Digest{}, &ErrDuplicateItem{Kind: "memo", Item: m}
		}
	}

	for _, sn := range sns {
		s.sn[sn] = s.snNext
		s.snNext++
	}
	for _, cm := range cms {
		s.cm[cm] = s.cmNext
		s.cmNext++
	}
	for _, m := range memos {
		s.memo[m] = s.memoNext
		s.memoNext++
	}
	s.digest = s.hasher.Digest(s.sn, s.cm, s.memo)
	return s.digest, nil
}

// Rollback removes each item from its index map. The digest returns to the
// value it held before the corresponding Extend. Slot counters are NOT
// decremented: they track "next free slot ever issued", consistent with the
// teacher's monotonic index-assignment style (chainstate_hash.go never
// reused a freed slot either).
func (s *State) Rollback(cms, sns, memos []consensus.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sn := range sns {
		delete(s.sn, sn)
	}
	for _, cm := range cms {
		delete(s.cm, cm)
	}
	for _, m := range memos {
		delete(s.memo, m)
	}
	s.digest = s.hasher.Digest(s.sn, s.cm, s.memo)
}

func (s *State) ContainsSN(sn consensus.Digest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sn[sn]
	return ok
}

func (s *State) ContainsCM(cm consensus.Digest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cm[cm]
	return ok
}

func (s *State) ContainsMemo(m consensus.Digest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.memo[m]
	return ok
}

// Digest returns the current accumulator digest.
func (s *State) Digest() consensus.Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.digest
}

// Counts returns the current (sn_next, cm_next, memo_next) index counters,
// the values the meta column family persists for warm restart.
func (s *State) Counts() (snNext, cmNext, memoNext uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snNext, s.cmNext, s.memoNext
}

// sortedKeys returns a deterministically ordered key slice of a digest map,
// grounded on the teacher's UtxoSetHash sorted-deterministic-hash pattern
// (consensus/chainstate_hash.go, since deleted) — digest equality must not
// depend on Go map iteration order.
func sortedKeys(m map[consensus.Digest]uint32) []consensus.Digest {
	out := make([]consensus.Digest, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return lessDigest(out[i], out[j]) })
	return out
}

func lessDigest(a, b consensus.Digest) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
