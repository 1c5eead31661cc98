package bft

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/veilnet/node/consensus"
)

// DAG is component F: the certificate graph indexed by round and author,
// with a sliding commit-GC window. Single writer per round; inserts across
// distinct rounds may parallelize in principle, but this implementation
// serializes all mutation behind one mutex for simplicity (§5 permits this).
type DAG struct {
	mu sync.Mutex

	log *logrus.Entry

	graph              map[uint64]map[consensus.ValidatorAddress]BatchCertificate
	recentCommittedIDs map[uint64]map[consensus.Digest]struct{}
	lastCommittedRound uint64
}

func NewDAG(log *logrus.Entry) *DAG {
	return &DAG{
		log:                log,
		graph:              make(map[uint64]map[consensus.ValidatorAddress]BatchCertificate),
		recentCommittedIDs: make(map[uint64]map[consensus.Digest]struct{}),
	}
}

// Insert implements §4.F: a no-op if the cert's ID is already recorded as
// committed for its round; otherwise placed in graph[round][author]. A
// pre-existing certificate for the same (round, author) is kept — the
// first writer wins, a nondeterminism guard against conflicting inserts
// racing across peers.
func (d *DAG) Insert(cert BatchCertificate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ids, ok := d.recentCommittedIDs[cert.Header.Round]; ok {
		if _, committed := ids[cert.ID]; committed {
			return
		}
	}

	bucket, ok := d.graph[cert.Header.Round]
	if !ok {
		bucket = make(map[consensus.ValidatorAddress]BatchCertificate)
		d.graph[cert.Header.Round] = bucket
	}
	if existing, present := bucket[cert.Header.Author]; present {
		if existing.ID != cert.ID {
			d.log.WithFields(logrus.Fields{
				"round":  cert.Header.Round,
				"author": cert.Header.Author,
			}).Warn("dropping conflicting certificate for round/author, keeping first")
		}
		return
	}
	bucket[cert.Header.Author] = cert
}

// Commit implements §4.F's commit algorithm: records cert as committed,
// advances the high-water mark, garbage-collects rounds that have fallen
// out of the maxGCRounds window, and removes any later, now-superseded
// entry for cert's author.
func (d *DAG) Commit(cert BatchCertificate, maxGCRounds uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids, ok := d.recentCommittedIDs[cert.Header.Round]
	if !ok {
		ids = make(map[consensus.Digest]struct{})
		d.recentCommittedIDs[cert.Header.Round] = ids
	}
	ids[cert.ID] = struct{}{}

	if cert.Header.Round > d.lastCommittedRound {
		d.lastCommittedRound = cert.Header.Round
	}

	for round := range d.recentCommittedIDs {
		if round+maxGCRounds <= d.lastCommittedRound {
			delete(d.recentCommittedIDs, round)
		}
	}
	for round := range d.graph {
		if round+maxGCRounds <= d.lastCommittedRound {
			delete(d.graph, round)
		}
	}

	for round, bucket := range d.graph {
		if round <= cert.Header.Round {
			continue
		}
		delete(bucket, cert.Header.Author)
	}
}

func (d *DAG) ContainsCertificateInRound(round uint64, author consensus.ValidatorAddress) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	bucket, ok := d.graph[round]
	if !ok {
		return false
	}
	_, present := bucket[author]
	return present
}

func (d *DAG) GetCertificateForRoundWithAuthor(round uint64, author consensus.ValidatorAddress) (BatchCertificate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bucket, ok := d.graph[round]
	if !ok {
		return BatchCertificate{}, false
	}
	cert, present := bucket[author]
	return cert, present
}

func (d *DAG) GetCertificatesForRound(round uint64) []BatchCertificate {
	d.mu.Lock()
	defer d.mu.Unlock()
	bucket, ok := d.graph[round]
	if !ok {
		return nil
	}
	out := make([]BatchCertificate, 0, len(bucket))
	for _, cert := range bucket {
		out = append(out, cert)
	}
	return out
}

func (d *DAG) IsRecentlyCommitted(round uint64, id consensus.Digest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids, ok := d.recentCommittedIDs[round]
	if !ok {
		return false
	}
	_, present := ids[id]
	return present
}

func (d *DAG) LastCommittedRound() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCommittedRound
}
