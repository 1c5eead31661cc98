// Package sync implements the sync driver (component H): the external
// surface consumed from peers and routed into the commit engine (D), the
// mempool (C), and the BFT DAG/proposal layer (F/G). It also hosts the
// DAG→block assembly path (§4.F/§4.D's "when E advances, F commits,
// producing an ordered sub-DAG that is fed back into D as a block"): once
// a round's deterministic leader certificate commits, the driver walks its
// causal history, selects transactions from the mempool, and submits the
// resulting block to the commit engine.
package sync

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilnet/node/bft"
	"github.com/veilnet/node/chain"
	"github.com/veilnet/node/consensus"
	"github.com/veilnet/node/ledger"
	"github.com/veilnet/node/mempool"
)

// Broadcaster relays an accepted transaction to the rest of the network.
// The transport itself is out of scope here; Driver only decides what is
// broadcast-worthy.
type Broadcaster interface {
	BroadcastTransaction(tx consensus.Transaction)
}

// defaultMaxGCRounds bounds the DAG's sliding commit window when the
// caller does not override it via NewDriver's params.
const defaultMaxGCRounds = 50

// defaultMaxBlockSize bounds mempool.GetCandidates' budget for an assembled
// block; no transport-level block-size limit is otherwise enforced here.
const defaultMaxBlockSize = 1 << 20

// defaultProposalDeadline bounds how long a registered proposal waits for
// quorum before ExpireStaleProposals abandons it (§9's per-round deadline
// state machine: AwaitingSignatures/Certified → released, never Committed).
const defaultProposalDeadline = 10 * time.Second

type sha3Provider interface {
	SHA3_256(input []byte) [32]byte
}

// Driver routes inbound peer messages to their owning component. It holds
// no storage of its own beyond dedup caches and the author-mailbox
// proposal registry (§5: "messages from peers drive transitions... route
// all per-proposal messages through a single mailbox"), plus the
// round/author bookkeeping needed to turn a committed sub-DAG into a block.
type Driver struct {
	mu sync.Mutex

	engine    *chain.Engine
	mempool   *mempool.Pool
	ledger    *ledger.State
	dag       *bft.DAG
	committee bft.Committee

	roundCache *bft.RoundCache
	merkle     consensus.MerkleHasher
	crypto     sha3Provider
	params     consensus.Params

	proposals         map[consensus.Digest]*bft.Proposal // keyed by BatchID
	proposalDeadlines map[consensus.Digest]time.Time

	// assembledRounds marks rounds whose leader certificate has already
	// been turned into a block, so a retried commit (e.g. a certificate
	// arriving twice via both ReceiveBatchCertificate and
	// ReceiveBatchSignature) does not resubmit the same sub-DAG.
	assembledRounds map[uint64]struct{}

	broadcaster Broadcaster
	log         *logrus.Entry

	maxGCRounds uint64

	seenBlocks *seenCache
	seenTx     *seenCache
	seenCerts  *seenCache
}

func NewDriver(
	engine *chain.Engine,
	mp *mempool.Pool,
	led *ledger.State,
	dag *bft.DAG,
	committee bft.Committee,
	roundCache *bft.RoundCache,
	merkle consensus.MerkleHasher,
	crypto sha3Provider,
	params consensus.Params,
	broadcaster Broadcaster,
	log *logrus.Entry,
) *Driver {
	maxGCRounds := params.MaxGCRounds
	if maxGCRounds == 0 {
		maxGCRounds = defaultMaxGCRounds
	}
	return &Driver{
		engine:            engine,
		mempool:           mp,
		ledger:            led,
		dag:               dag,
		committee:         committee,
		roundCache:        roundCache,
		merkle:            merkle,
		crypto:            crypto,
		params:            params,
		proposals:         make(map[consensus.Digest]*bft.Proposal),
		proposalDeadlines: make(map[consensus.Digest]time.Time),
		assembledRounds:   make(map[uint64]struct{}),
		broadcaster:       broadcaster,
		log:               log,
		maxGCRounds:       maxGCRounds,
		seenBlocks:        newSeenCache(4096),
		seenTx:            newSeenCache(16384),
		seenCerts:         newSeenCache(4096),
	}
}

// ReceiveBlock routes an inbound block to the commit engine (§4.H: "→ D").
// Duplicate relays of an already-seen hash are dropped before reaching the
// engine and reported as OutcomeStoredUncommitted with a nil error; a block
// the engine already holds but this cache has not seen reaches the engine,
// which returns store.ErrPreExistingBlock for it.
func (d *Driver) ReceiveBlock(block *consensus.Block, hash consensus.Digest) (chain.ReceiveOutcome, error) {
	if d.seenBlocks.markSeen(hash) {
		return chain.OutcomeStoredUncommitted, nil
	}
	return d.engine.ReceiveBlock(block)
}

// ReceiveTransaction inserts tx into the mempool and, on acceptance,
// broadcasts it (§4.H: "→ C.insert, then broadcast on acceptance").
func (d *Driver) ReceiveTransaction(tx consensus.Transaction, size int) bool {
	if d.seenTx.markSeen(tx.ID) {
		return false
	}
	_, accepted := d.mempool.Insert(tx, size, d.ledger)
	if accepted && d.broadcaster != nil {
		d.broadcaster.BroadcastTransaction(tx)
	}
	return accepted
}

// ReceiveBatchCertificate inserts cert into the DAG and attempts to commit
// it (§4.H: "→ F.insert; attempt to commit"). A certificate arriving over
// the wire already carries a verified quorum of signatures (it was only
// ever produced by Proposal.ToCertificate), so "attempt to commit" means
// committing it directly rather than re-accumulating signatures.
func (d *Driver) ReceiveBatchCertificate(cert bft.BatchCertificate) {
	if d.seenCerts.markSeen(cert.ID) {
		return
	}
	d.dag.Insert(cert)
	d.dag.Commit(cert, d.maxGCRounds)
	d.onCertificateCommitted(cert)
}

// onCertificateCommitted advances the round cache with the certificate's
// (round, author) and, if this round's deterministic leader has now
// committed, attempts to assemble and submit its sub-DAG as a block
// (§4.E/§4.F's "when E advances, F commits... fed back into D as a
// block"). A round-cache rejection (author dropped from committee since
// the certificate was produced) is logged and otherwise ignored — the
// certificate itself is already safely recorded in the DAG.
func (d *Driver) onCertificateCommitted(cert bft.BatchCertificate) {
	if _, err := d.roundCache.Update(cert.Header.Round, cert.Header.Author, d.committee); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"round":  cert.Header.Round,
			"author": cert.Header.Author,
		}).Debug("sync: round cache update rejected committed certificate's author")
	}
	d.tryAssembleBlock(cert.Header.Round)
}

// RegisterProposal tracks an in-flight proposal so that inbound signatures
// addressed to its batch ID can be routed to it (§4.H, §9 "single
// mailbox"), starting its AwaitingSignatures deadline. Call once per round
// when the local node is the author.
func (d *Driver) RegisterProposal(p *bft.Proposal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proposals[p.BatchID] = p
	d.proposalDeadlines[p.BatchID] = time.Now().Add(defaultProposalDeadline)
}

// ReleaseProposal stops tracking a proposal (round concluded, either
// Certified or abandoned at its deadline per §9's state machine).
func (d *Driver) ReleaseProposal(batchID consensus.Digest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.proposals, batchID)
	delete(d.proposalDeadlines, batchID)
}

// ExpireStaleProposals releases every registered proposal whose
// AwaitingSignatures deadline has passed without reaching quorum,
// returning their batch IDs for logging. A caller (the node's run loop)
// invokes this periodically to complete §9's per-round state machine:
// a proposal that never reaches Certified is abandoned rather than held
// forever.
func (d *Driver) ExpireStaleProposals(now time.Time) []consensus.Digest {
	d.mu.Lock()
	var expired []consensus.Digest
	for id, deadline := range d.proposalDeadlines {
		if now.After(deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(d.proposals, id)
		delete(d.proposalDeadlines, id)
	}
	d.mu.Unlock()

	for _, id := range expired {
		d.log.WithField("batch_id", id).Debug("sync: proposal abandoned at its signature deadline")
	}
	return expired
}

// ReceiveBatchSignature routes sig to the matching tracked proposal, if
// any (§4.H: "→ G.add_signature on the matching proposal, if any"). When
// the added signature completes quorum, the resulting certificate is
// committed into the DAG immediately — the proposal has now transitioned
// Certified → Committed per §9's state machine — and the proposal is
// released from the mailbox.
func (d *Driver) ReceiveBatchSignature(signer consensus.ValidatorAddress, batchID consensus.Digest, sig bft.Signature) error {
	d.mu.Lock()
	p, ok := d.proposals[batchID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	if err := p.AddSignature(signer, sig, d.committee); err != nil {
		return err
	}
	if !p.IsQuorumThresholdReached(d.committee) {
		return nil
	}

	cert, err := p.ToCertificate(d.committee)
	if err != nil {
		return err
	}
	d.dag.Insert(cert)
	d.dag.Commit(cert, d.maxGCRounds)
	d.ReleaseProposal(batchID)
	d.onCertificateCommitted(cert)
	return nil
}

// AdvanceWithSyncBlocks bulk-ingests blocks during recovery, each processed
// in height order via D (§4.H). The caller is responsible for height
// ordering; this only enforces in-order processing, not sorting.
func (d *Driver) AdvanceWithSyncBlocks(blocks []*consensus.Block) []error {
	errs := make([]error, len(blocks))
	for i, block := range blocks {
		_, err := d.engine.ReceiveBlock(block)
		errs[i] = err
		if err != nil {
			d.log.WithError(err).WithField("index", i).Warn("sync block rejected during bulk advance")
		}
	}
	return errs
}

// ProposeRound implements the local author's half of §9's state machine:
// Idle → Proposing → AwaitingSignatures, collapsed into one synchronous
// call since batch construction has no externally-observable async step
// in this single-process design. It selects pending transmission IDs from
// the mempool (capped at MaxTransmissionsPerBatch), cites every round-1
// certificate currently in the DAG as a parent (whether those form a quorum
// is not checked), builds the header (its Signature field is left empty),
// and registers the resulting proposal so incoming co-signer
// signatures reach it.
func (d *Driver) ProposeRound(round uint64, author consensus.ValidatorAddress, committeeID consensus.Digest, hasher bft.BatchHasher, now time.Time) (*bft.Proposal, error) {
	var parents []consensus.Digest
	if round > d.committee.StartingRound() {
		for _, c := range d.dag.GetCertificatesForRound(round - 1) {
			parents = append(parents, c.ID)
		}
	}

	candidates := d.mempool.GetCandidates(d.ledger, defaultMaxBlockSize, d.params.BlockHeaderSize, d.params.CoinbaseTransactionSize)
	if len(candidates) > bft.MaxTransmissionsPerBatch {
		candidates = candidates[:bft.MaxTransmissionsPerBatch]
	}
	transmissions := make([]bft.Transmission, len(candidates))
	ids := make([]consensus.Digest, len(candidates))
	for i, tx := range candidates {
		id := consensus.Digest(tx.ID)
		transmissions[i] = bft.Transmission{ID: id}
		ids[i] = id
	}

	header := bft.BatchHeader{
		Round:           round,
		Author:          author,
		Timestamp:       now.Unix(),
		CommitteeID:     committeeID,
		TransmissionIDs: ids,
		ParentsByID:     parents,
	}

	p, err := bft.NewProposal(d.committee, hasher, header, transmissions)
	if err != nil {
		return nil, err
	}
	d.RegisterProposal(p)
	return p, nil
}

// leaderForRound selects round's proposer deterministically: the committee
// roster, sorted, indexed by round modulo its size. Every honest node
// computes the same leader without a separate election message.
func leaderForRound(committee bft.Committee, round uint64) consensus.ValidatorAddress {
	members := committee.Members()
	return members[round%uint64(len(members))]
}

// tryAssembleBlock checks whether round's deterministic leader has a
// committed certificate in the DAG and, if so and the round has not
// already produced a block, assembles and submits one. Rounds are
// independent of each other; a round whose leader never certifies simply
// never produces a block and is skipped by the time its successor's
// leader certifies (§4.F/§4.G: liveness, not every round, is guaranteed).
func (d *Driver) tryAssembleBlock(round uint64) {
	d.mu.Lock()
	if _, done := d.assembledRounds[round]; done {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	leader := leaderForRound(d.committee, round)
	leaderCert, ok := d.dag.GetCertificateForRoundWithAuthor(round, leader)
	if !ok || !d.dag.IsRecentlyCommitted(round, leaderCert.ID) {
		return
	}

	d.mu.Lock()
	if _, done := d.assembledRounds[round]; done {
		d.mu.Unlock()
		return
	}
	d.assembledRounds[round] = struct{}{}
	d.mu.Unlock()

	if err := d.assembleAndSubmitBlock(leaderCert); err != nil {
		d.log.WithError(err).WithField("round", round).Warn("sync: block assembly from committed sub-DAG failed")
	}
}

// collectSubDag walks leaderCert.Header.ParentsByID back one round (§4.F's
// certificate graph only links consecutive rounds in this implementation;
// see DESIGN.md), returning the referenced round-1 certificates in a
// deterministic order. It does not recurse further: each round's block
// only orders the one new layer of certificates the leader's round
// contributed, mirroring a DAG-BFT causal commit that orders whatever is
// newly reachable since the last committed leader.
func (d *Driver) collectSubDag(leaderCert bft.BatchCertificate) []bft.BatchCertificate {
	if leaderCert.Header.Round == 0 {
		return []bft.BatchCertificate{leaderCert}
	}
	parentRound := leaderCert.Header.Round - 1
	candidates := d.dag.GetCertificatesForRound(parentRound)
	byID := make(map[consensus.Digest]bft.BatchCertificate, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	out := make([]bft.BatchCertificate, 0, len(leaderCert.Header.ParentsByID)+1)
	for _, parentID := range leaderCert.Header.ParentsByID {
		if c, ok := byID[parentID]; ok {
			out = append(out, c)
		}
	}
	// Parents not found among this round's committed certificates are
	// silently skipped: the referencing batch may have cited a certificate
	// that later lost the GC race, which is fine — ordering degrades
	// gracefully to whatever the DAG still has on hand.
	out = append(out, leaderCert)
	return out
}

// assembleAndSubmitBlock turns subDag into a block: transactions are
// selected from the mempool (certificates carry only transmission IDs, not
// persisted payloads independent of the mempool — see DESIGN.md), a
// coinbase transaction pays the block reward, and the header links to the
// current canonical tip.
func (d *Driver) assembleAndSubmitBlock(leaderCert bft.BatchCertificate) error {
	subDag := d.collectSubDag(leaderCert)
	if len(subDag) == 0 {
		return nil
	}

	canon, err := d.engine.Canon()
	if err != nil {
		return err
	}

	txs := d.mempool.GetCandidates(d.ledger, defaultMaxBlockSize, d.params.BlockHeaderSize, d.params.CoinbaseTransactionSize)

	coinbase := d.buildCoinbase(leaderCert, canon.Height+1)
	all := make([]consensus.Transaction, 0, len(txs)+1)
	all = append(all, coinbase)
	all = append(all, txs...)

	txIDs := make([][32]byte, len(all))
	var commitments []consensus.Digest
	for i, tx := range all {
		txIDs[i] = tx.ID
		commitments = append(commitments, tx.NewCommitments...)
	}
	merkleRoot, err := d.merkle.TransactionsRoot(txIDs)
	if err != nil {
		return err
	}
	var pedersenRoot consensus.Digest
	if len(commitments) > 0 {
		pedersenRoot, err = d.merkle.PedersenRoot(commitments)
		if err != nil {
			return err
		}
	}

	block := &consensus.Block{
		Header: consensus.BlockHeader{
			PreviousHash:       canon.Hash,
			MerkleRoot:         merkleRoot,
			PedersenMerkleRoot: pedersenRoot,
			Time:               leaderCert.Header.Timestamp,
			DifficultyTarget:   1,
			Nonce:              leaderCert.Header.Round,
			Proof:              []byte{1},
		},
		Transactions: all,
	}

	if _, err := d.engine.ReceiveBlock(block); err != nil {
		return err
	}
	for _, tx := range txs {
		d.mempool.Remove(tx.ID)
	}
	return nil
}

// buildCoinbase synthesizes the block's sole negative-value-balance
// transaction. Its ID and memorandum are derived from the leader
// certificate's batch ID and the target height, so distinct rounds never
// collide.
func (d *Driver) buildCoinbase(leaderCert bft.BatchCertificate, height uint32) consensus.Transaction {
	buf := append([]byte{0x20}, leaderCert.ID[:]...)
	buf = appendU32(buf, height)
	id := d.crypto.SHA3_256(buf)
	memoBuf := append([]byte{0x21}, leaderCert.ID[:]...)
	memoBuf = appendU32(memoBuf, height)
	return consensus.Transaction{
		ID:           id,
		Memorandum:   d.crypto.SHA3_256(memoBuf),
		ValueBalance: -d.params.BlockReward(height),
		Proof:        []byte{1},
	}
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
