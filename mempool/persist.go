package mempool

import (
	"github.com/sirupsen/logrus"

	"github.com/veilnet/node/consensus"
)

// Dump serializes every current entry into the blob format Load reads
// (original_source's consensus/memory_pool.rs dumps the pool the same way).
// Nothing in this repository writes the blob to the store.
func (p *Pool) Dump() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := consensus.AppendCompactSize(nil, uint64(len(p.entries)))
	for _, e := range p.entries {
		enc := e.Transaction.Encode()
		out = consensus.AppendCompactSize(out, uint64(len(enc)))
		out = append(out, enc...)
		out = consensus.AppendU32le(out, uint32(e.Size))
	}
	return out
}

// Load reconstructs a pool from a Dump blob. Entries are restored as
// decoded; they are not checked for conflicts against a ledger or against
// each other. Per the Open Question resolution, the dump's cross-schema
// contract is best-effort: any decode failure is logged at warn and the pool
// starts empty rather than the restart failing.
func Load(blob []byte, log *logrus.Entry) *Pool {
	p := New()
	if len(blob) == 0 {
		return p
	}
	n, used, err := consensus.DecodeCompactSize(blob)
	if err != nil {
		log.WithError(err).Warn("mempool: failed to decode persisted dump, starting empty")
		return p
	}
	off := used
	for i := uint64(0); i < n; i++ {
		if off >= len(blob) {
			log.Warn("mempool: truncated persisted dump, starting empty")
			return New()
		}
		l, used, err := consensus.DecodeCompactSize(blob[off:])
		if err != nil {
			log.WithError(err).Warn("mempool: malformed entry in persisted dump, starting empty")
			return New()
		}
		off += used
		if off+int(l) > len(blob) {
			log.Warn("mempool: truncated transaction body in persisted dump, starting empty")
			return New()
		}
		tx, _, err := consensus.DecodeTransaction(blob[off : off+int(l)])
		if err != nil {
			log.WithError(err).Warn("mempool: undecodable transaction in persisted dump, starting empty")
			return New()
		}
		off += int(l)
		if off+4 > len(blob) {
			log.Warn("mempool: truncated size field in persisted dump, starting empty")
			return New()
		}
		size := int(consensus.ReadU32leAt(blob, off))
		off += 4
		p.entries[tx.ID] = Entry{Transaction: tx, Size: size}
		p.totalSize += size
	}
	return p
}
