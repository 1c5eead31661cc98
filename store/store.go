// Package store implements the abstract block-store interface (component A):
// persistent access to blocks by hash/height, reception state, digest index,
// and fork-path discovery, backed by bbolt column families.
package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/veilnet/node/consensus"
)

// Column families. block_index and digest_index are each stored as two
// buckets, one per lookup direction, and transaction_body holds each
// committed transaction's encoding.
var (
	bucketBlockHeaders      = []byte("block_headers")
	bucketBlockTransactions = []byte("block_transactions")
	bucketBlockIndexByHash  = []byte("block_index_by_hash")
	bucketBlockIndexByHgt   = []byte("block_index_by_height")
	bucketDigestIndexByHgt  = []byte("digest_index_by_height")
	bucketDigestIndexByDig  = []byte("digest_index_by_digest")
	bucketTxLookup          = []byte("transaction_lookup")
	bucketTxBody            = []byte("transaction_body")
	bucketSerialNumber      = []byte("serial_number")
	bucketCommitment        = []byte("commitment")
	bucketMemo              = []byte("memo")
	bucketMeta              = []byte("meta")

	allBuckets = [][]byte{
		bucketBlockHeaders, bucketBlockTransactions,
		bucketBlockIndexByHash, bucketBlockIndexByHgt,
		bucketDigestIndexByHgt, bucketDigestIndexByDig,
		bucketTxLookup, bucketTxBody, bucketSerialNumber, bucketCommitment, bucketMemo,
		bucketMeta,
	}
)

var (
	metaKeyBestBlockNumber = []byte("best_block_number")
	metaKeyBestBlockHash   = []byte("best_block_hash")
)

// BlockStatusKind aliases consensus.BlockStatusKind for callers that only
// import store.
type BlockStatusKind = consensus.BlockStatusKind

const (
	StatusUnknown     = consensus.BlockStatusUnknown
	StatusUncommitted = consensus.BlockStatusUncommitted
	StatusCommitted   = consensus.BlockStatusCommitted
)

// Store is the bbolt-backed implementation of component A.
type Store struct {
	db *bolt.DB

	childCacheMu sync.Mutex
	childCache   map[consensus.Digest][]consensus.Digest
}

// Open opens (creating if absent) a bbolt database at datadir/chain.db and
// ensures every column family bucket exists.
func Open(datadir string) (*Store, error) {
	path := filepath.Join(datadir, "chain.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "store: open bbolt")
	}
	s := &Store{db: db, childCache: make(map[consensus.Digest][]consensus.Digest)}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "store: create bucket %s", b)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type blockIndexEntry struct {
	Height uint32
	Status consensus.BlockStatusKind
}

func encodeBlockIndexEntry(e blockIndexEntry) []byte {
	out := make([]byte, 5)
	binary.LittleEndian.PutUint32(out[0:4], e.Height)
	out[4] = byte(e.Status)
	return out
}

func decodeBlockIndexEntry(b []byte) (blockIndexEntry, error) {
	if len(b) != 5 {
		return blockIndexEntry{}, fmt.Errorf("store: malformed block index entry")
	}
	return blockIndexEntry{
		Height: binary.LittleEndian.Uint32(b[0:4]),
		Status: consensus.BlockStatusKind(b[4]),
	}, nil
}

// GetBlockState returns the reception state of a block hash. Unknown hashes
// yield BlockStatusUnknown (spec §4.A failure semantics).
func (s *Store) GetBlockState(h consensus.Digest) (consensus.BlockStatus, error) {
	var out consensus.BlockStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlockIndexByHash).Get(h[:])
		if v == nil {
			out = consensus.BlockStatus{Kind: consensus.BlockStatusUnknown}
			return nil
		}
		e, err := decodeBlockIndexEntry(v)
		if err != nil {
			return err
		}
		out = consensus.BlockStatus{Kind: e.Status, Height: e.Height}
		return nil
	})
	return out, errors.Wrap(err, "store: get block state")
}

// ErrPreExistingBlock is returned by InsertBlock when the hash is already known.
var ErrPreExistingBlock = consensus.ErrPreExistingBlock

// InsertBlock stores a newly-received block in Uncommitted state. Fails with
// ErrPreExistingBlock if the hash is already known (spec §4.A).
func (s *Store) InsertBlock(h consensus.Digest, block *consensus.Block) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBlockIndexByHash).Get(h[:]) != nil {
			return ErrPreExistingBlock
		}
		headerBytes := block.Header.Encode()
		if err := tx.Bucket(bucketBlockHeaders).Put(h[:], headerBytes); err != nil {
			return err
		}
		txIDs := make([]byte, 0, len(block.Transactions)*32+10)
		txIDs = consensus.AppendCompactSize(txIDs, uint64(len(block.Transactions)))
		for i := range block.Transactions {
			txIDs = append(txIDs, block.Transactions[i].ID[:]...)
			if err := tx.Bucket(bucketTxBody).Put(block.Transactions[i].ID[:], block.Transactions[i].Encode()); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketBlockTransactions).Put(h[:], txIDs); err != nil {
			return err
		}
		entry := blockIndexEntry{Status: consensus.BlockStatusUncommitted}
		return tx.Bucket(bucketBlockIndexByHash).Put(h[:], encodeBlockIndexEntry(entry))
	})
	if err == nil {
		// A new block can change the longest-child-path of any ancestor;
		// invalidate rather than recompute the affected subset.
		s.invalidateChildCache()
	}
	return errors.Wrap(err, "store: insert block")
}

func (s *Store) invalidateChildCache() {
	s.childCacheMu.Lock()
	s.childCache = make(map[consensus.Digest][]consensus.Digest)
	s.childCacheMu.Unlock()
}

func encodeU32(v uint32) []byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], v)
	return out[:]
}

// CommitBlock marks h Committed at the next canon height, assigns every
// transaction's TransactionLocation, and records the ledger digest in the
// digest index (both directions). Must only be called when h's parent is the
// current canon tip (enforced by the caller, chain.Engine).
func (s *Store) CommitBlock(h consensus.Digest, txIDs [][32]byte, ledgerDigest consensus.Digest) error {
	return errors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		bi := tx.Bucket(bucketBlockIndexByHash)
		v := bi.Get(h[:])
		if v == nil {
			return fmt.Errorf("store: commit unknown block")
		}
		entry, err := decodeBlockIndexEntry(v)
		if err != nil {
			return err
		}
		if entry.Status == consensus.BlockStatusCommitted {
			return fmt.Errorf("store: commit already-committed block")
		}
		meta := tx.Bucket(bucketMeta)
		best := meta.Get(metaKeyBestBlockNumber)
		var height uint32
		if best != nil {
			height = binary.LittleEndian.Uint32(best) + 1
		}
		entry.Height = height
		entry.Status = consensus.BlockStatusCommitted
		if err := bi.Put(h[:], encodeBlockIndexEntry(entry)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlockIndexByHgt).Put(encodeU32(height), h[:]); err != nil {
			return err
		}
		for i, id := range txIDs {
			loc := consensus.TransactionLocation{BlockHash: h, Index: uint32(i)}
			if err := tx.Bucket(bucketTxLookup).Put(id[:], encodeTxLocation(loc)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketDigestIndexByHgt).Put(encodeU32(height), ledgerDigest[:]); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDigestIndexByDig).Put(ledgerDigest[:], encodeU32(height)); err != nil {
			return err
		}
		if err := meta.Put(metaKeyBestBlockNumber, encodeU32(height)); err != nil {
			return err
		}
		return meta.Put(metaKeyBestBlockHash, h[:])
	}), "store: commit block")
}

func encodeTxLocation(loc consensus.TransactionLocation) []byte {
	out := make([]byte, 36)
	copy(out[0:32], loc.BlockHash[:])
	binary.LittleEndian.PutUint32(out[32:36], loc.Index)
	return out
}

func decodeTxLocation(b []byte) (consensus.TransactionLocation, error) {
	if len(b) != 36 {
		return consensus.TransactionLocation{}, fmt.Errorf("store: malformed transaction location")
	}
	var loc consensus.TransactionLocation
	copy(loc.BlockHash[:], b[0:32])
	loc.Index = binary.LittleEndian.Uint32(b[32:36])
	return loc, nil
}

// SerialBlock is a decommitted block returned to the caller, newest-first.
type SerialBlock struct {
	Hash  consensus.Digest
	Block consensus.Block
}

// DecommitBlocks reverses commit for every canon block from the current tip
// down to (and including) h, returning them ordered tip-first. Fails if h is
// not currently committed.
func (s *Store) DecommitBlocks(h consensus.Digest) ([]SerialBlock, error) {
	var out []SerialBlock
	err := s.db.Update(func(tx *bolt.Tx) error {
		bi := tx.Bucket(bucketBlockIndexByHash)
		v := bi.Get(h[:])
		if v == nil {
			return consensus.ErrInvalidBlockDecommit
		}
		target, err := decodeBlockIndexEntry(v)
		if err != nil {
			return err
		}
		if target.Status != consensus.BlockStatusCommitted {
			return consensus.ErrInvalidBlockDecommit
		}
		meta := tx.Bucket(bucketMeta)
		bestRaw := meta.Get(metaKeyBestBlockNumber)
		if bestRaw == nil {
			return consensus.ErrInvalidBlockDecommit
		}
		height := binary.LittleEndian.Uint32(bestRaw)
		if target.Height == 0 && height == 0 {
			return consensus.ErrInvalidBlockDecommit // genesis cannot decommit
		}
		for height >= target.Height {
			hashAtHeight := tx.Bucket(bucketBlockIndexByHgt).Get(encodeU32(height))
			if hashAtHeight == nil {
				return errors.New("store: missing block-index-by-height during decommit")
			}
			var hh consensus.Digest
			copy(hh[:], hashAtHeight)
			blk, err := s.readBlock(tx, hh)
			if err != nil {
				return err
			}
			out = append(out, SerialBlock{Hash: hh, Block: blk})

			entry, _ := decodeBlockIndexEntry(bi.Get(hh[:]))
			entry.Status = consensus.BlockStatusUncommitted
			if err := bi.Put(hh[:], encodeBlockIndexEntry(entry)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketBlockIndexByHgt).Delete(encodeU32(height)); err != nil {
				return err
			}
			digestRaw := tx.Bucket(bucketDigestIndexByHgt).Get(encodeU32(height))
			if digestRaw != nil {
				_ = tx.Bucket(bucketDigestIndexByDig).Delete(digestRaw)
				_ = tx.Bucket(bucketDigestIndexByHgt).Delete(encodeU32(height))
			}
			for i := range blk.Transactions {
				_ = tx.Bucket(bucketTxLookup).Delete(blk.Transactions[i].ID[:])
			}
			if height == target.Height {
				break
			}
			height--
		}
		newBest := target.Height
		if newBest == 0 {
			_ = meta.Delete(metaKeyBestBlockNumber)
			_ = meta.Delete(metaKeyBestBlockHash)
		} else {
			newBest--
			if err := meta.Put(metaKeyBestBlockNumber, encodeU32(newBest)); err != nil {
				return err
			}
			parentHash := tx.Bucket(bucketBlockIndexByHgt).Get(encodeU32(newBest))
			if parentHash != nil {
				if err := meta.Put(metaKeyBestBlockHash, parentHash); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: decommit blocks")
	}
	return out, nil
}

// LookupTransactionLocation returns the committed location of id via the
// transaction_lookup column family, if any.
func (s *Store) LookupTransactionLocation(id [32]byte) (consensus.TransactionLocation, bool, error) {
	var out consensus.TransactionLocation
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTxLookup).Get(id[:])
		if v == nil {
			return nil
		}
		loc, err := decodeTxLocation(v)
		if err != nil {
			return err
		}
		out = loc
		found = true
		return nil
	})
	return out, found, errors.Wrap(err, "store: lookup transaction location")
}

// ReadBlock fetches a stored block (header + transaction bodies) by hash.
func (s *Store) ReadBlock(h consensus.Digest) (consensus.Block, error) {
	var out consensus.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.readBlock(tx, h)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, errors.Wrap(err, "store: read block")
}

func (s *Store) readBlock(tx *bolt.Tx, h consensus.Digest) (consensus.Block, error) {
	headerBytes := tx.Bucket(bucketBlockHeaders).Get(h[:])
	if headerBytes == nil {
		return consensus.Block{}, fmt.Errorf("store: missing header for %x", h)
	}
	header, _, err := consensus.DecodeBlockHeader(headerBytes)
	if err != nil {
		return consensus.Block{}, err
	}
	idxBytes := tx.Bucket(bucketBlockTransactions).Get(h[:])
	txIDs, err := decodeTxIDList(idxBytes)
	if err != nil {
		return consensus.Block{}, err
	}
	txs := make([]consensus.Transaction, 0, len(txIDs))
	for _, id := range txIDs {
		body := tx.Bucket(bucketTxBody).Get(id[:])
		if body == nil {
			txs = append(txs, consensus.Transaction{ID: id})
			continue
		}
		decoded, _, err := consensus.DecodeTransaction(body)
		if err != nil {
			return consensus.Block{}, err
		}
		txs = append(txs, decoded)
	}
	return consensus.Block{Header: header, Transactions: txs}, nil
}

func decodeTxIDList(b []byte) ([][32]byte, error) {
	if b == nil {
		return nil, nil
	}
	n, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return nil, err
	}
	out := make([][32]byte, n)
	off := used
	for i := range out {
		if off+32 > len(b) {
			return nil, fmt.Errorf("store: truncated tx id list")
		}
		copy(out[i][:], b[off:off+32])
		off += 32
	}
	return out, nil
}

// CanonTip is the canon() query result: the current canonical tip.
type CanonTip struct {
	Hash   consensus.Digest
	Height uint32
}

// HashAtHeight returns the canon hash currently committed at height, if any.
func (s *Store) HashAtHeight(height uint32) (consensus.Digest, bool, error) {
	var out consensus.Digest
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlockIndexByHgt).Get(encodeU32(height))
		if v == nil {
			return nil
		}
		copy(out[:], v)
		found = true
		return nil
	})
	return out, found, errors.Wrap(err, "store: hash at height")
}

// Canon returns the current canon tip.
func (s *Store) Canon() (CanonTip, error) {
	var out CanonTip
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		best := meta.Get(metaKeyBestBlockNumber)
		if best == nil {
			return nil // empty chain
		}
		out.Height = binary.LittleEndian.Uint32(best)
		hash := meta.Get(metaKeyBestBlockHash)
		copy(out.Hash[:], hash)
		return nil
	})
	return out, errors.Wrap(err, "store: canon")
}

func (s *Store) parentOf(h consensus.Digest) (consensus.Digest, bool, error) {
	var parent consensus.Digest
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		headerBytes := tx.Bucket(bucketBlockHeaders).Get(h[:])
		if headerBytes == nil {
			return nil
		}
		header, _, err := consensus.DecodeBlockHeader(headerBytes)
		if err != nil {
			return err
		}
		parent = header.PreviousHash
		found = true
		return nil
	})
	return parent, found, errors.Wrap(err, "store: parent lookup")
}

// LongestChildPath returns the ordered list of descendant hashes starting
// with h, following the single longest chain of stored children.
// Children are discovered by scanning block_headers for headers whose
// previous_hash equals the current frontier (full scan per step); results
// are cached per h in s.childCache, which InsertBlock clears.
func (s *Store) LongestChildPath(h consensus.Digest) ([]consensus.Digest, error) {
	s.childCacheMu.Lock()
	if cached, ok := s.childCache[h]; ok {
		s.childCacheMu.Unlock()
		return cached, nil
	}
	s.childCacheMu.Unlock()

	out := []consensus.Digest{h}
	cur := h
	for {
		child, ok, err := s.pickLongestChild(cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, child)
		cur = child
	}

	s.childCacheMu.Lock()
	s.childCache[h] = out
	s.childCacheMu.Unlock()
	return out, nil
}

func (s *Store) pickLongestChild(parent consensus.Digest) (consensus.Digest, bool, error) {
	var best consensus.Digest
	bestDepth := -1
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlockHeaders).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			header, _, err := consensus.DecodeBlockHeader(v)
			if err != nil {
				return err
			}
			if header.PreviousHash != parent {
				continue
			}
			var childHash consensus.Digest
			copy(childHash[:], k)
			depth, err := s.subtreeDepth(tx, childHash, 0)
			if err != nil {
				return err
			}
			if depth > bestDepth {
				bestDepth = depth
				best = childHash
				found = true
			}
		}
		return nil
	})
	return best, found, errors.Wrap(err, "store: pick longest child")
}

func (s *Store) subtreeDepth(tx *bolt.Tx, h consensus.Digest, depth int) (int, error) {
	if depth > 4096 {
		return depth, nil // defensive bound against pathological adversarial chains
	}
	maxChild := depth
	c := tx.Bucket(bucketBlockHeaders).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		header, _, err := consensus.DecodeBlockHeader(v)
		if err != nil {
			return 0, err
		}
		if header.PreviousHash != h {
			continue
		}
		var childHash consensus.Digest
		copy(childHash[:], k)
		d, err := s.subtreeDepth(tx, childHash, depth+1)
		if err != nil {
			return 0, err
		}
		if d > maxChild {
			maxChild = d
		}
	}
	return maxChild, nil
}
