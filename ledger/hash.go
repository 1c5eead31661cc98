package ledger

import "github.com/veilnet/node/consensus"

// sha3Provider is the minimal seam ledger needs from crypto.CryptoProvider,
// avoiding an import of the crypto package itself (kept decoupled the way
// consensus.HeaderHash is).
type sha3Provider interface {
	SHA3_256(input []byte) [32]byte
}

// DevHasher computes the digest tree as a tagged SHA3 hash over the sorted,
// deterministic byte encoding of all three index maps — generalizing the
// teacher's UtxoSetHash (consensus/chainstate_hash.go, since deleted), which
// sorted outpoints before hashing so digest equality never depended on map
// iteration order.
type DevHasher struct {
	Provider sha3Provider
}

func (h DevHasher) Digest(sn, cm, memo map[consensus.Digest]uint32) consensus.Digest {
	var buf []byte
	buf = append(buf, 0x00) // domain-separation tag for the accumulator digest
	buf = appendSortedSet(buf, sn, 0x01)
	buf = appendSortedSet(buf, cm, 0x02)
	buf = appendSortedSet(buf, memo, 0x03)
	return h.Provider.SHA3_256(buf)
}

func appendSortedSet(buf []byte, m map[consensus.Digest]uint32, tag byte) []byte {
	keys := sortedKeys(m)
	buf = append(buf, tag)
	buf = consensus.AppendCompactSize(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = append(buf, k[:]...)
		buf = consensus.AppendU32le(buf, m[k])
	}
	return buf
}
