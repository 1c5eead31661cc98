package consensus

// Wire framing for the new record/transaction data model, built on the
// teacher's little-endian/CompactSize primitives (wire.go, wire_write.go,
// compactsize*.go). Digests are fixed 32-byte fields; variable-length
// collections are CompactSize length-prefixed.

func (h *BlockHeader) Encode() []byte {
	out := make([]byte, 0, 32+32+32+8+8+8+5+len(h.Proof))
	out = append(out, h.PreviousHash[:]...)
	out = append(out, h.MerkleRoot[:]...)
	out = append(out, h.PedersenMerkleRoot[:]...)
	out = AppendU64le(out, uint64(h.Time))
	out = AppendU64le(out, h.DifficultyTarget)
	out = AppendU64le(out, h.Nonce)
	out = AppendCompactSize(out, uint64(len(h.Proof)))
	out = append(out, h.Proof...)
	return out
}

func DecodeBlockHeader(b []byte) (BlockHeader, int, error) {
	c := newCursor(b)
	var h BlockHeader
	if err := readDigest(c, &h.PreviousHash); err != nil {
		return h, 0, err
	}
	if err := readDigest(c, &h.MerkleRoot); err != nil {
		return h, 0, err
	}
	if err := readDigest(c, &h.PedersenMerkleRoot); err != nil {
		return h, 0, err
	}
	t, err := c.readU64LE()
	if err != nil {
		return h, 0, err
	}
	h.Time = int64(t)
	if h.DifficultyTarget, err = c.readU64LE(); err != nil {
		return h, 0, err
	}
	if h.Nonce, err = c.readU64LE(); err != nil {
		return h, 0, err
	}
	n, err := c.readCompactSize()
	if err != nil {
		return h, 0, err
	}
	proof, err := c.readExact(int(n))
	if err != nil {
		return h, 0, err
	}
	h.Proof = append([]byte(nil), proof...)
	return h, c.pos, nil
}

func (tx *Transaction) Encode() []byte {
	out := make([]byte, 0, 128)
	out = append(out, tx.ID[:]...)
	out = AppendCompactSize(out, uint64(len(tx.OldSerialNumbers)))
	for _, sn := range tx.OldSerialNumbers {
		out = append(out, sn[:]...)
	}
	out = AppendCompactSize(out, uint64(len(tx.NewCommitments)))
	for _, cm := range tx.NewCommitments {
		out = append(out, cm[:]...)
	}
	out = append(out, tx.Memorandum[:]...)
	out = AppendU64le(out, uint64(tx.ValueBalance))
	out = AppendCompactSize(out, uint64(len(tx.Proof)))
	out = append(out, tx.Proof...)
	return out
}

func DecodeTransaction(b []byte) (Transaction, int, error) {
	c := newCursor(b)
	var tx Transaction
	id, err := c.readExact(32)
	if err != nil {
		return tx, 0, err
	}
	copy(tx.ID[:], id)
	n, err := c.readCompactSize()
	if err != nil {
		return tx, 0, err
	}
	tx.OldSerialNumbers = make([]Digest, n)
	for i := range tx.OldSerialNumbers {
		if err := readDigest(c, &tx.OldSerialNumbers[i]); err != nil {
			return tx, 0, err
		}
	}
	n, err = c.readCompactSize()
	if err != nil {
		return tx, 0, err
	}
	tx.NewCommitments = make([]Digest, n)
	for i := range tx.NewCommitments {
		if err := readDigest(c, &tx.NewCommitments[i]); err != nil {
			return tx, 0, err
		}
	}
	if err := readDigest(c, &tx.Memorandum); err != nil {
		return tx, 0, err
	}
	vb, err := c.readU64LE()
	if err != nil {
		return tx, 0, err
	}
	tx.ValueBalance = int64(vb)
	pn, err := c.readCompactSize()
	if err != nil {
		return tx, 0, err
	}
	proof, err := c.readExact(int(pn))
	if err != nil {
		return tx, 0, err
	}
	tx.Proof = append([]byte(nil), proof...)
	return tx, c.pos, nil
}

func (b *Block) Encode() []byte {
	out := b.Header.Encode()
	out = AppendCompactSize(out, uint64(len(b.Transactions)))
	for i := range b.Transactions {
		out = append(out, b.Transactions[i].Encode()...)
	}
	return out
}

func DecodeBlock(b []byte) (Block, error) {
	h, n, err := DecodeBlockHeader(b)
	if err != nil {
		return Block{}, err
	}
	c := newCursor(b[n:])
	count, err := c.readCompactSize()
	if err != nil {
		return Block{}, err
	}
	txs := make([]Transaction, count)
	off := n + c.pos
	for i := range txs {
		tx, used, err := DecodeTransaction(b[off:])
		if err != nil {
			return Block{}, err
		}
		txs[i] = tx
		off += used
	}
	return Block{Header: h, Transactions: txs}, nil
}

func readDigest(c *cursor, d *Digest) error {
	raw, err := c.readExact(32)
	if err != nil {
		return err
	}
	copy(d[:], raw)
	return nil
}

// HeaderHash computes the block's Digest identity: the hash of its encoded header.
func HeaderHash(p interface{ SHA3_256([]byte) [32]byte }, h BlockHeader) Digest {
	return Digest(p.SHA3_256(h.Encode()))
}
