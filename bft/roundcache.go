package bft

import (
	"sort"
	"sync"

	"github.com/veilnet/node/consensus"
)

// RoundCache is component E: tracks the highest round each validator has
// reached and computes the highest stake-weighted quorum round
// monotonically. Single writer (spec §5).
type RoundCache struct {
	mu sync.Mutex

	lastHighestRoundWithQuorum uint64
	highestRounds              map[uint64]map[consensus.ValidatorAddress]struct{}
	addressRounds              map[consensus.ValidatorAddress]uint64
}

func NewRoundCache() *RoundCache {
	return &RoundCache{
		highestRounds: make(map[uint64]map[consensus.ValidatorAddress]struct{}),
		addressRounds: make(map[consensus.ValidatorAddress]uint64),
	}
}

// LastHighestRoundWithQuorum returns the current monotonic frontier.
func (r *RoundCache) LastHighestRoundWithQuorum() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHighestRoundWithQuorum
}

// Update implements §4.E. Fails (state unchanged) if validator is not a
// committee member.
func (r *RoundCache) Update(round uint64, validator consensus.ValidatorAddress, committee Committee) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !committee.IsMember(validator) {
		return r.lastHighestRoundWithQuorum, consensus.ErrBFTInvariantViolation
	}
	if round <= r.lastHighestRoundWithQuorum {
		return r.lastHighestRoundWithQuorum, nil
	}

	if oldRound, tracked := r.addressRounds[validator]; tracked {
		if oldRound < round {
			if bucket, ok := r.highestRounds[oldRound]; ok {
				delete(bucket, validator)
				if len(bucket) == 0 {
					delete(r.highestRounds, oldRound)
				}
			}
			r.insertLocked(round, validator)
		}
	} else {
		r.insertLocked(round, validator)
	}

	if len(r.addressRounds) > committee.NumMembers() {
		r.pruneNonMembersLocked(committee)
	}
	if len(r.addressRounds) > committee.NumMembers() {
		return r.lastHighestRoundWithQuorum, consensus.ErrBFTInvariantViolation
	}

	r.advanceFrontierLocked(committee)
	return r.lastHighestRoundWithQuorum, nil
}

func (r *RoundCache) insertLocked(round uint64, validator consensus.ValidatorAddress) {
	bucket, ok := r.highestRounds[round]
	if !ok {
		bucket = make(map[consensus.ValidatorAddress]struct{})
		r.highestRounds[round] = bucket
	}
	bucket[validator] = struct{}{}
	r.addressRounds[validator] = round
}

// pruneNonMembersLocked removes tracked validators no longer in committee.
func (r *RoundCache) pruneNonMembersLocked(committee Committee) {
	for addr, round := range r.addressRounds {
		if committee.IsMember(addr) {
			continue
		}
		delete(r.addressRounds, addr)
		if bucket, ok := r.highestRounds[round]; ok {
			delete(bucket, addr)
			if len(bucket) == 0 {
				delete(r.highestRounds, round)
			}
		}
	}
}

// advanceFrontierLocked walks the monotonic frontier forward while the set
// of validators in buckets with round >= frontier+1 still meets quorum.
func (r *RoundCache) advanceFrontierLocked(committee Committee) {
	for {
		next := r.lastHighestRoundWithQuorum + 1
		atOrAbove := r.validatorsAtOrAboveLocked(next)
		if !committee.IsQuorumThresholdReached(atOrAbove) {
			return
		}
		r.lastHighestRoundWithQuorum = next
	}
}

func (r *RoundCache) validatorsAtOrAboveLocked(round uint64) map[consensus.ValidatorAddress]struct{} {
	out := make(map[consensus.ValidatorAddress]struct{})
	rounds := make([]uint64, 0, len(r.highestRounds))
	for rd := range r.highestRounds {
		if rd >= round {
			rounds = append(rounds, rd)
		}
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })
	for _, rd := range rounds {
		for addr := range r.highestRounds[rd] {
			out[addr] = struct{}{}
		}
	}
	return out
}

// NumTracked returns |address_rounds|, the bound checked by §8's RoundCache
// bound property.
func (r *RoundCache) NumTracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.addressRounds)
}
