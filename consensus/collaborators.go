package consensus

import "github.com/veilnet/node/crypto"

// ProofVerifier checks an opaque SNARK proof against a transaction or block.
// Real SNARK verification is out of scope for this repository (§1); this is
// the seam an external prover/verifier library plugs into.
type ProofVerifier interface {
	VerifyTransactionProof(tx *Transaction) bool
	VerifyBlockProof(header *BlockHeader) bool
}

// HeaderVerifier checks a header against its parent: proof-of-work/difficulty
// and timestamp rules. Pairing/field arithmetic and any real PoW function are
// out of scope; this seam lets a real implementation be substituted.
type HeaderVerifier interface {
	VerifyHeader(parent, child *BlockHeader, height uint32) error
}

// MerkleHasher computes the transaction-ID Merkle root and the
// Pedersen-commitment-analog root referenced by a block header. Merkle trees
// and Pedersen commitments are named out-of-scope crypto primitives (§1); the
// dev implementation below is a plain, non-production stand-in.
type MerkleHasher interface {
	TransactionsRoot(txIDs [][32]byte) (Digest, error)
	PedersenRoot(commitments []Digest) (Digest, error)
}

// DevProofVerifier is a deterministic, non-cryptographic stand-in for a real
// proof system: it accepts any proof that is non-empty and does not start
// with a zero byte. It exists so commit-engine/mempool logic is testable
// without wiring an actual SNARK backend.
type DevProofVerifier struct{}

func (DevProofVerifier) VerifyTransactionProof(tx *Transaction) bool {
	return len(tx.Proof) > 0 && tx.Proof[0] != 0
}

func (DevProofVerifier) VerifyBlockProof(header *BlockHeader) bool {
	return len(header.Proof) > 0 && header.Proof[0] != 0
}

// DevHeaderVerifier enforces only that timestamps are non-decreasing and the
// difficulty target is non-zero — a minimal, deterministic stand-in for the
// real PoW/retarget rules the teacher's consensus.RetargetV1/PowCheck model.
type DevHeaderVerifier struct {
	MaxFutureDrift int64
}

func (v DevHeaderVerifier) VerifyHeader(parent, child *BlockHeader, height uint32) error {
	if parent != nil && child.Time < parent.Time {
		return &InvalidBlockError{Reason: "header time older than parent"}
	}
	if child.DifficultyTarget == 0 {
		return &InvalidBlockError{Reason: "zero difficulty target"}
	}
	return nil
}

// DevMerkleHasher is a plain SHA3 binary Merkle tree over tagged leaves,
// grounded on the teacher's consensus.MerkleRootTxids tagging scheme, generalized
// to a CryptoProvider-backed hash and to commitment roots as well as tx-id roots.
type DevMerkleHasher struct {
	Provider crypto.CryptoProvider
}

func (h DevMerkleHasher) TransactionsRoot(txIDs [][32]byte) (Digest, error) {
	ids := make([]Digest, len(txIDs))
	for i, id := range txIDs {
		ids[i] = Digest(id)
	}
	return merkleRootDev(h.Provider, ids, 0x00, 0x01)
}

func (h DevMerkleHasher) PedersenRoot(commitments []Digest) (Digest, error) {
	return merkleRootDev(h.Provider, commitments, 0x02, 0x03)
}

func merkleRootDev(p crypto.CryptoProvider, ids []Digest, leafTag, nodeTag byte) (Digest, error) {
	if len(ids) == 0 {
		return Digest{}, txerr(TX_ERR_PARSE, "merkle: empty id list")
	}
	level := make([]Digest, len(ids))
	var leafPreimage [1 + 32]byte
	leafPreimage[0] = leafTag
	for i, id := range ids {
		copy(leafPreimage[1:], id[:])
		level[i] = p.SHA3_256(leafPreimage[:])
	}
	var nodePreimage [1 + 32 + 32]byte
	nodePreimage[0] = nodeTag
	for len(level) > 1 {
		next := make([]Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); {
			if i == len(level)-1 {
				next = append(next, level[i])
				i++
				continue
			}
			copy(nodePreimage[1:33], level[i][:])
			copy(nodePreimage[33:], level[i+1][:])
			next = append(next, p.SHA3_256(nodePreimage[:]))
			i += 2
		}
		level = next
	}
	return level[0], nil
}
