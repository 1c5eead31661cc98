package bft

import "github.com/veilnet/node/consensus"

type sha3Provider interface {
	SHA3_256(input []byte) [32]byte
}

// DevBatchHasher computes a BatchHeader's ID as a tagged SHA3 hash over all
// seven header fields — round, author, timestamp, committee_id,
// transmission_ids, parents_by_id, signature — so the batch's identity binds
// its DAG edges (ParentsByID) and not just its payload. Deterministic and
// collision-resistant enough for development/testing; production signing
// keys and hash-to-curve choices are out of scope (§1).
type DevBatchHasher struct {
	Provider sha3Provider
}

func (h DevBatchHasher) BatchID(header BatchHeader) consensus.Digest {
	size := 1 + 8 + 32 + 8 + 32 + len(header.TransmissionIDs)*32 + len(header.ParentsByID)*32 + len(header.Signature)
	buf := make([]byte, 0, size)
	buf = append(buf, 0x10) // domain tag: batch header
	buf = appendU64(buf, header.Round)
	buf = append(buf, header.Author.X[:]...)
	buf = appendU64(buf, uint64(header.Timestamp))
	buf = append(buf, header.CommitteeID[:]...)
	for _, id := range header.TransmissionIDs {
		buf = append(buf, id[:]...)
	}
	for _, id := range header.ParentsByID {
		buf = append(buf, id[:]...)
	}
	buf = append(buf, header.Signature...)
	return consensus.Digest(h.Provider.SHA3_256(buf))
}

func appendU64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}
