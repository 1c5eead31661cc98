// Package node wires components A-H into a runnable process: it owns the
// store, ledger, mempool, commit engine, BFT round cache/DAG, sync driver,
// and RPC service for one network (§9 "global state... process-wide
// singletons for a given network; initialize at node start and tear down
// on shutdown with an explicit shutdown signal").
package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/veilnet/node/bft"
	"github.com/veilnet/node/chain"
	"github.com/veilnet/node/consensus"
	"github.com/veilnet/node/crypto"
	"github.com/veilnet/node/ledger"
	"github.com/veilnet/node/mempool"
	"github.com/veilnet/node/rpc"
	"github.com/veilnet/node/store"
	"github.com/veilnet/node/sync"
)

// metrics are the process-wide Prometheus gauges/counters this node
// exposes; registered once per process against the default registerer.
type metrics struct {
	canonHeight    prometheus.Gauge
	blocksReceived prometheus.Counter
	mempoolSize    prometheus.Gauge
	roundCacheHigh prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		canonHeight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "veild_canon_height",
			Help: "Current canonical chain height.",
		}),
		blocksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veild_blocks_received_total",
			Help: "Total blocks handed to the commit engine.",
		}),
		mempoolSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "veild_mempool_size_bytes",
			Help: "Current total mempool size in bytes.",
		}),
		roundCacheHigh: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "veild_round_cache_last_highest_round",
			Help: "The round cache's last_highest_round_with_quorum.",
		}),
	}
}

// Node is the assembled process: every component plus the run-id and
// metrics server.
type Node struct {
	cfg Config

	runID uuid.UUID
	log   *logrus.Entry

	store   *store.Store
	ledger  *ledger.State
	mempool *mempool.Pool
	engine  *chain.Engine

	dag        *bft.DAG
	roundCache *bft.RoundCache
	committee  bft.Committee

	driver  *sync.Driver
	rpc     *rpc.Service
	metrics *metrics

	metricsServer *http.Server
}

// noopBroadcaster is the default Broadcaster until a transport layer is
// wired in; it drops outbound relays silently.
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastTransaction(consensus.Transaction) {}

// New assembles every component for cfg but does not start any background
// loop or network listener; call Run to start serving.
func New(cfg Config, committee bft.Committee, genesis *consensus.Block) (*Node, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}

	runID := uuid.New()
	log := newLogger(cfg.LogLevel).WithFields(logrus.Fields{
		"run_id":  runID.String(),
		"network": cfg.Network,
	})

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	provider := crypto.DevStdCryptoProvider{}
	led := ledger.New(ledger.DevHasher{Provider: provider})
	mp := mempool.New()

	params := consensus.DefaultParams()
	params.OldestForkThreshold = cfg.OldestForkThreshold
	params.MaxGCRounds = cfg.MaxGCRounds

	merkle := consensus.DevMerkleHasher{Provider: provider}
	engine := chain.New(st, led, mp, params, consensus.DevProofVerifier{}, consensus.DevHeaderVerifier{}, merkle, provider, log.WithField("component", "chain"))

	if genesis != nil {
		if err := engine.InitGenesis(genesis); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("node: init genesis: %w", err)
		}
	}

	dag := bft.NewDAG(log.WithField("component", "bft"))
	roundCache := bft.NewRoundCache()

	driver := sync.NewDriver(engine, mp, led, dag, committee, roundCache, merkle, provider, params, noopBroadcaster{}, log.WithField("component", "sync"))

	submit := func(tx consensus.Transaction, size int) bool {
		return driver.ReceiveTransaction(tx, size)
	}
	rpcSvc := rpc.New(st, led, mp, submit)

	n := &Node{
		cfg:        cfg,
		runID:      runID,
		log:        log,
		store:      st,
		ledger:     led,
		mempool:    mp,
		engine:     engine,
		dag:        dag,
		roundCache: roundCache,
		committee:  committee,
		driver:     driver,
		rpc:        rpcSvc,
		metrics:    newMetrics(),
	}
	return n, nil
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}

// RunID is the process-unique identity assigned at New, logged alongside
// every structured log line for correlating a single run's output.
func (n *Node) RunID() uuid.UUID { return n.runID }

// RPC exposes the in-process query/submit surface.
func (n *Node) RPC() *rpc.Service { return n.rpc }

// Driver exposes the sync entrypoints for a transport layer to call into.
func (n *Node) Driver() *sync.Driver { return n.driver }

// Run starts the metrics HTTP server (if configured) and blocks refreshing
// gauges until ctx is cancelled, then shuts down cleanly (§9: "explicit
// shutdown signal").
func (n *Node) Run(ctx context.Context) error {
	if n.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		n.metricsServer = &http.Server{Addr: n.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := n.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.log.WithError(err).Error("metrics server stopped")
			}
		}()
		n.log.WithField("addr", n.cfg.MetricsAddr).Info("metrics server listening")
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return n.shutdown()
		case <-ticker.C:
			n.refreshMetrics()
			n.driver.ExpireStaleProposals(time.Now())
		}
	}
}

func (n *Node) refreshMetrics() {
	if canon, err := n.store.Canon(); err == nil {
		n.metrics.canonHeight.Set(float64(canon.Height))
	}
	n.metrics.mempoolSize.Set(float64(n.mempool.TotalSize()))
	n.metrics.roundCacheHigh.Set(float64(n.roundCache.LastHighestRoundWithQuorum()))
}

func (n *Node) shutdown() error {
	n.log.Info("node: shutting down")
	if n.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = n.metricsServer.Shutdown(shutdownCtx)
	}
	return n.store.Close()
}

// Clean removes the on-disk store database for cfg.DataDir, forcing a
// full resync on next start — used by the `clean` CLI subcommand.
func Clean(cfg Config) error {
	path := filepath.Join(cfg.DataDir, "chain.db")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("node: clean store: %w", err)
	}
	return nil
}
