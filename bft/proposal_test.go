package bft

import (
	"testing"

	"github.com/veilnet/node/crypto"

	"github.com/veilnet/node/consensus"
)

func testHasher() DevBatchHasher {
	return DevBatchHasher{Provider: crypto.DevStdCryptoProvider{}}
}

func testHeader(author consensus.ValidatorAddress, round uint64, n int) BatchHeader {
	ids := make([]consensus.Digest, n)
	for i := range ids {
		ids[i][0] = byte(i + 1)
	}
	var parents []consensus.Digest
	if round > 0 {
		var parent consensus.Digest
		parent[0] = 0xAA
		parents = []consensus.Digest{parent}
	}
	return BatchHeader{
		Round:           round,
		Author:          author,
		Timestamp:       int64(round),
		TransmissionIDs: ids,
		ParentsByID:     parents,
	}
}

func testTransmissions(header BatchHeader) []Transmission {
	out := make([]Transmission, len(header.TransmissionIDs))
	for i, id := range header.TransmissionIDs {
		out[i] = Transmission{ID: id}
	}
	return out
}

// TestProposalQuorumSoundness is the §8 "proposal quorum soundness"
// invariant: to_certificate only succeeds once signers meet threshold.
func TestProposalQuorumSoundness(t *testing.T) {
	committee := committeeOf(3) // quorum threshold = (6+2)/3 = 2
	author := committee.Validators[0]
	header := testHeader(author, 1, 2)

	p, err := NewProposal(committee, testHasher(), header, testTransmissions(header))
	if err != nil {
		t.Fatalf("new proposal: %v", err)
	}

	// Author's implicit signature alone (1) is below threshold (2).
	if _, err := p.ToCertificate(committee); err == nil {
		t.Fatal("expected quorum not yet reached")
	}

	if err := p.AddSignature(committee.Validators[1], Signature{0x01}, committee); err != nil {
		t.Fatalf("add signature: %v", err)
	}

	cert, err := p.ToCertificate(committee)
	if err != nil {
		t.Fatalf("to_certificate after quorum: %v", err)
	}
	if cert.ID != p.BatchID {
		t.Fatal("certificate ID must match proposal batch ID")
	}
	if len(cert.Signatures) != 1 {
		t.Fatalf("expected exactly the explicit signers in the certificate, got %d", len(cert.Signatures))
	}
}

// TestProposalDuplicateSignerFails: adding a duplicate signer fails and the
// signer set is unchanged.
func TestProposalDuplicateSignerFails(t *testing.T) {
	committee := committeeOf(3)
	author := committee.Validators[0]
	header := testHeader(author, 1, 1)
	p, err := NewProposal(committee, testHasher(), header, testTransmissions(header))
	if err != nil {
		t.Fatalf("new proposal: %v", err)
	}

	signer := committee.Validators[1]
	if err := p.AddSignature(signer, Signature{0x01}, committee); err != nil {
		t.Fatalf("first signature: %v", err)
	}
	before := len(p.Signatures)

	if err := p.AddSignature(signer, Signature{0x02}, committee); err == nil {
		t.Fatal("expected duplicate signer to fail")
	}
	if len(p.Signatures) != before {
		t.Fatal("signer set changed after failed duplicate add")
	}
}

// TestProposalConstructionRejectsMismatchedTransmissions ensures the
// transmission list must match header.TransmissionIDs in order.
func TestProposalConstructionRejectsMismatchedTransmissions(t *testing.T) {
	committee := committeeOf(3)
	author := committee.Validators[0]
	header := testHeader(author, 1, 2)
	transmissions := testTransmissions(header)
	transmissions[0], transmissions[1] = transmissions[1], transmissions[0]

	if _, err := NewProposal(committee, testHasher(), header, transmissions); err == nil {
		t.Fatal("expected mismatched transmission order to fail construction")
	}
}

// TestProposalRoundTripSigners: to_certificate contains exactly the signers
// present in the proposal.
func TestProposalRoundTripSigners(t *testing.T) {
	committee := committeeOf(4) // quorum threshold = (8+2)/3 = 3
	author := committee.Validators[0]
	header := testHeader(author, 1, 1)
	p, err := NewProposal(committee, testHasher(), header, testTransmissions(header))
	if err != nil {
		t.Fatalf("new proposal: %v", err)
	}
	if err := p.AddSignature(committee.Validators[1], Signature{0x01}, committee); err != nil {
		t.Fatalf("add signature 1: %v", err)
	}
	if err := p.AddSignature(committee.Validators[2], Signature{0x02}, committee); err != nil {
		t.Fatalf("add signature 2: %v", err)
	}
	if !p.IsQuorumThresholdReached(committee) {
		t.Fatal("expected quorum reached with author + 2 signers of 4")
	}
	cert, err := p.ToCertificate(committee)
	if err != nil {
		t.Fatalf("to_certificate: %v", err)
	}
	if len(cert.Signatures) != len(p.Signatures) {
		t.Fatal("certificate signer count must match proposal signer count")
	}
	for addr := range p.Signatures {
		if _, ok := cert.Signatures[addr]; !ok {
			t.Fatalf("signer %v missing from certificate", addr)
		}
	}
}
