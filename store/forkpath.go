package store

import (
	"github.com/pkg/errors"

	"github.com/veilnet/node/consensus"
)

// ForkDescriptionKind tags the outcome of GetForkPath.
type ForkDescriptionKind int

const (
	ForkPathFound ForkDescriptionKind = iota
	ForkOrphan
	ForkTooLong
)

// ForkPath is {base_index, path} per spec §3: base_index is the canon height
// of the last common ancestor, path[0] is its child.
type ForkPath struct {
	BaseIndex uint32
	Path      []consensus.Digest
}

// ForkDescription is the tagged variant GetForkPath returns.
type ForkDescription struct {
	Kind ForkDescriptionKind
	Path ForkPath
}

// GetForkPath walks from p backward by previous_hash, pushing each
// uncommitted hash (including p itself) to the front of a deque, for at
// most oldestForkThreshold+1 steps (spec §4.D.3). On finding the first
// Committed ancestor within the threshold, it appends longest_child_path(h)
// — h is the incoming block's own hash, the query that triggered this walk
// — to the back of the deque, so the returned path covers both the
// already-known uncommitted chain through p AND any already-stored
// descendants of h itself (a previously orphaned side-chain arriving before
// its ancestor).
func (s *Store) GetForkPath(p, h consensus.Digest, oldestForkThreshold uint32) (ForkDescription, error) {
	canon, err := s.Canon()
	if err != nil {
		return ForkDescription{}, err
	}

	deque := make([]consensus.Digest, 0, oldestForkThreshold+1)
	cur := p
	for i := uint32(0); i <= oldestForkThreshold; i++ {
		status, err := s.GetBlockState(cur)
		if err != nil {
			return ForkDescription{}, err
		}
		switch status.Kind {
		case consensus.BlockStatusUnknown:
			return ForkDescription{Kind: ForkOrphan}, nil
		case consensus.BlockStatusCommitted:
			if status.Height+oldestForkThreshold-i < canon.Height {
				return ForkDescription{Kind: ForkTooLong}, nil
			}
			forward, err := s.LongestChildPath(h)
			if err != nil {
				return ForkDescription{}, err
			}
			deque = append(deque, forward...)
			return ForkDescription{Kind: ForkPathFound, Path: ForkPath{BaseIndex: status.Height, Path: deque}}, nil
		default: // Uncommitted
			deque = append([]consensus.Digest{cur}, deque...)
			parent, ok, err := s.parentOf(cur)
			if err != nil {
				return ForkDescription{}, err
			}
			if !ok {
				return ForkDescription{}, errors.New("store: fork path walk hit an index entry with no stored header")
			}
			cur = parent
		}
	}
	return ForkDescription{Kind: ForkTooLong}, nil
}
