package bft

import (
	"sort"

	"github.com/veilnet/node/consensus"
)

// MaxTransmissionsPerBatch and MaxCommitteeSize bound proposal construction
// and signature accumulation (§4.G); decoding callers must reject anything
// larger before handing bytes to NewProposal/AddSignature.
const (
	MaxTransmissionsPerBatch = 1024
	MaxCommitteeSize         = 512
)

// Transmission is an opaque unit of batched work (a transaction or
// certificate reference) identified by its own digest.
type Transmission struct {
	ID      consensus.Digest
	Payload []byte
}

// BatchHeader is the author's commitment to a round's ordered transmission
// set, per spec §3: round, author, timestamp, committee_id, transmission_ids,
// parents_by_id, signature. ParentsByID is what makes the DAG an actual
// graph — it names the previous round's certificates this batch builds on,
// giving component F real edges instead of a bare (round, author) map.
type BatchHeader struct {
	Round           uint64
	Author          consensus.ValidatorAddress
	Timestamp       int64
	CommitteeID     consensus.Digest
	TransmissionIDs []consensus.Digest
	ParentsByID     []consensus.Digest
	Signature       []byte
}

// BatchHasher computes a BatchHeader's canonical ID. Real cryptography is an
// external collaborator, matching the Merkle/proof-verifier pattern used
// elsewhere in this codebase.
type BatchHasher interface {
	BatchID(header BatchHeader) consensus.Digest
}

// BatchCertificate is a batch header bound to a quorum of signatures.
type BatchCertificate struct {
	ID         consensus.Digest
	Header     BatchHeader
	Signatures map[consensus.ValidatorAddress]Signature
}

// ProposalPhase is the per-round proposal lifecycle (§9): Idle (no batch
// constructed yet) → Proposing (header/transmissions assembled, not yet
// registered for co-signing) → AwaitingSignatures (registered, collecting
// signatures) → Certified (quorum reached, convertible to a certificate) →
// Committed (the resulting certificate has been inserted into the DAG).
type ProposalPhase int

const (
	ProposalPhaseIdle ProposalPhase = iota
	ProposalPhaseProposing
	ProposalPhaseAwaitingSignatures
	ProposalPhaseCertified
	ProposalPhaseCommitted
)

// Proposal is the author's mutable per-round state machine: it accumulates
// co-signer signatures until quorum, then freezes into a BatchCertificate.
// Owned exclusively by the author's task (§5); co-signers interact only
// through AddSignature.
type Proposal struct {
	Header        BatchHeader
	Transmissions []Transmission
	BatchID       consensus.Digest
	Signatures    map[consensus.ValidatorAddress]Signature
	Phase         ProposalPhase
}

// NewProposal validates construction invariants: committee starting_round ≤
// header.round, author is a committee member, the transmission list matches
// header.TransmissionIDs in order, and — for every round past the
// committee's starting round — the header cites at least one parent
// certificate from the previous round, so the DAG this batch joins is
// actually connected. Whether the cited parents form a quorum of round-1
// certificates is not checked here or elsewhere; sync.Driver.ProposeRound
// cites every round-1 certificate its DAG holds.
func NewProposal(committee Committee, hasher BatchHasher, header BatchHeader, transmissions []Transmission) (*Proposal, error) {
	if committee.StartingRound() > header.Round {
		return nil, consensus.ErrBFTInvariantViolation
	}
	if !committee.IsMember(header.Author) {
		return nil, consensus.ErrBFTInvariantViolation
	}
	if header.Round > committee.StartingRound() && len(header.ParentsByID) == 0 {
		return nil, consensus.ErrBFTInvariantViolation
	}
	if len(header.TransmissionIDs) > MaxTransmissionsPerBatch {
		return nil, consensus.ErrBFTInvariantViolation
	}
	if len(header.TransmissionIDs) != len(transmissions) {
		return nil, consensus.ErrBFTInvariantViolation
	}
	for i := range transmissions {
		if transmissions[i].ID != header.TransmissionIDs[i] {
			return nil, consensus.ErrBFTInvariantViolation
		}
	}

	return &Proposal{
		Header:        header,
		Transmissions: transmissions,
		BatchID:       hasher.BatchID(header),
		Signatures:    make(map[consensus.ValidatorAddress]Signature),
		// Header and transmissions are already assembled by the time this
		// constructor returns, so construction collapses Idle and
		// Proposing into one synchronous call; the proposal starts its
		// externally-visible life already AwaitingSignatures.
		Phase: ProposalPhaseAwaitingSignatures,
	}, nil
}

// AddSignature fails when signer is not a committee member, has already
// signed, or the signature does not verify against the batch ID. The
// signer set is unchanged on any failure.
func (p *Proposal) AddSignature(signer consensus.ValidatorAddress, sig Signature, committee Committee) error {
	if !committee.IsMember(signer) {
		return consensus.ErrBFTInvariantViolation
	}
	if _, signed := p.Signatures[signer]; signed {
		return consensus.ErrBFTInvariantViolation
	}
	if len(p.Signatures) >= MaxCommitteeSize {
		return consensus.ErrBFTInvariantViolation
	}
	if !committee.VerifySignature(signer, p.BatchID, sig) {
		return consensus.ErrBFTInvariantViolation
	}
	p.Signatures[signer] = sig
	if p.Phase == ProposalPhaseAwaitingSignatures && p.IsQuorumThresholdReached(committee) {
		p.Phase = ProposalPhaseCertified
	}
	return nil
}

// signerSet returns the explicit signers plus the author's implicit
// signature (the author need not call AddSignature on its own proposal).
func (p *Proposal) signerSet() map[consensus.ValidatorAddress]struct{} {
	set := make(map[consensus.ValidatorAddress]struct{}, len(p.Signatures)+1)
	for addr := range p.Signatures {
		set[addr] = struct{}{}
	}
	set[p.Header.Author] = struct{}{}
	return set
}

// IsQuorumThresholdReached reports whether signers, including the author's
// implicit signature, meet the committee's stake-weighted quorum.
func (p *Proposal) IsQuorumThresholdReached(committee Committee) bool {
	return committee.IsQuorumThresholdReached(p.signerSet())
}

// ToCertificate fails unless quorum is reached; otherwise binds the header
// and the accumulated signature set into a certificate.
func (p *Proposal) ToCertificate(committee Committee) (BatchCertificate, error) {
	if !p.IsQuorumThresholdReached(committee) {
		return BatchCertificate{}, consensus.ErrBFTInvariantViolation
	}
	p.Phase = ProposalPhaseCommitted
	sigs := make(map[consensus.ValidatorAddress]Signature, len(p.Signatures))
	for addr, sig := range p.Signatures {
		sigs[addr] = sig
	}
	return BatchCertificate{
		ID:         p.BatchID,
		Header:     p.Header,
		Signatures: sigs,
	}, nil
}

// Signers returns the explicit signer set in deterministic order, for
// logging and test assertions.
func (p *Proposal) Signers() []consensus.ValidatorAddress {
	out := make([]consensus.ValidatorAddress, 0, len(p.Signatures))
	for addr := range p.Signatures {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
