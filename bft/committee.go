// Package bft implements the DAG-based BFT layer: the round cache
// (component E), the certificate DAG (component F), and the per-round
// proposal/batch lifecycle (component G). None of these have a direct
// analog in the teacher repo (a single-chain PoW node); they are built in
// the teacher's general idiom — mutex-protected singletons, sorted/bucketed
// maps for determinism, typed sentinel errors — generalizing from the
// original source's node/bft/src/helpers/{cache_round,dag,proposal}.rs
// structure described in original_source/_INDEX.md.
package bft

import (
	"sort"

	"github.com/veilnet/node/consensus"
)

// Signature is an opaque validator signature over a batch ID; verification
// is an out-of-scope cryptographic primitive (§1).
type Signature []byte

// Committee is the external collaborator answering stake-weighted quorum
// and membership questions (§4.E/§4.G). Real stake bookkeeping and
// signature verification are out of scope; DevCommittee below is a
// deterministic equal-stake stand-in.
type Committee interface {
	IsMember(addr consensus.ValidatorAddress) bool
	NumMembers() int
	StartingRound() uint64
	IsQuorumThresholdReached(addrs map[consensus.ValidatorAddress]struct{}) bool
	VerifySignature(addr consensus.ValidatorAddress, batchID consensus.Digest, sig Signature) bool
	// Members returns the committee roster in a fixed, deterministic order,
	// so callers (the leader-rotation schedule, §4.G) agree on round→author
	// mapping without a separate election protocol.
	Members() []consensus.ValidatorAddress
}

// DevCommittee is a fixed equal-stake committee: quorum is reached at
// ceil(2n/3) distinct members, matching the ⅔-stake threshold for the
// equal-stake case the spec's worked examples (§8 scenarios 5-6) use.
type DevCommittee struct {
	Validators []consensus.ValidatorAddress
	Starting   uint64
}

func (c DevCommittee) IsMember(addr consensus.ValidatorAddress) bool {
	for _, m := range c.Validators {
		if m == addr {
			return true
		}
	}
	return false
}

func (c DevCommittee) NumMembers() int { return len(c.Validators) }

func (c DevCommittee) StartingRound() uint64 { return c.Starting }

// Members returns a sorted copy of the roster, so repeated calls (and calls
// across processes holding the same committee) agree on ordering.
func (c DevCommittee) Members() []consensus.ValidatorAddress {
	out := make([]consensus.ValidatorAddress, len(c.Validators))
	copy(out, c.Validators)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// QuorumThreshold returns the minimum member count meeting ⅔ of the
// committee under equal stake, rounding as the worked example in §8
// scenario 5 implies (200 members → threshold 134).
func (c DevCommittee) QuorumThreshold() int {
	n := len(c.Validators)
	return (2*n + 2) / 3
}

func (c DevCommittee) IsQuorumThresholdReached(addrs map[consensus.ValidatorAddress]struct{}) bool {
	count := 0
	for m := range addrs {
		if c.IsMember(m) {
			count++
		}
	}
	return count >= c.QuorumThreshold()
}

// VerifySignature in the dev committee accepts any non-empty signature —
// signature cryptography is out of scope (§1); Proposal.AddSignature's
// bookkeeping is what's under test, not signature soundness.
func (c DevCommittee) VerifySignature(_ consensus.ValidatorAddress, _ consensus.Digest, sig Signature) bool {
	return len(sig) > 0
}
