package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/veilnet/node/bft"
	"github.com/veilnet/node/consensus"
	nodepkg "github.com/veilnet/node/node"
)

func main() {
	app := &cli.App{
		Name:  "veild",
		Usage: "privacy-preserving ledger full node",
		Commands: []*cli.Command{
			startCommand(),
			cleanCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configFlags(defaults nodepkg.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "network", Value: defaults.Network, Usage: "network name (devnet/testnet/mainnet)"},
		&cli.StringFlag{Name: "datadir", Value: defaults.DataDir, Usage: "node data directory"},
		&cli.StringFlag{Name: "bind", Value: defaults.BindAddr, Usage: "bind address host:port"},
		&cli.StringFlag{Name: "log-level", Value: defaults.LogLevel, Usage: "log level: debug|info|warn|error"},
		&cli.StringFlag{Name: "metrics-addr", Value: defaults.MetricsAddr, Usage: "prometheus metrics listen address, empty to disable"},
		&cli.IntFlag{Name: "max-peers", Value: defaults.MaxPeers, Usage: "max connected peers"},
		&cli.StringSliceFlag{Name: "peer", Usage: "bootstrap peer host:port (repeatable)"},
		&cli.UintFlag{Name: "oldest-fork-threshold", Value: uint(defaults.OldestForkThreshold), Usage: "max backward walk depth for fork-path discovery"},
		&cli.UintFlag{Name: "max-gc-rounds", Value: uint(defaults.MaxGCRounds), Usage: "BFT DAG commit-GC window, in rounds"},
		&cli.StringFlag{Name: "genesis-file", Usage: "path to an encoded genesis block; uses the built-in devnet genesis if empty"},
	}
}

func configFromContext(c *cli.Context) nodepkg.Config {
	defaults := nodepkg.DefaultConfig()
	cfg := defaults
	cfg.Network = c.String("network")
	cfg.DataDir = c.String("datadir")
	cfg.BindAddr = c.String("bind")
	cfg.LogLevel = c.String("log-level")
	cfg.MetricsAddr = c.String("metrics-addr")
	cfg.MaxPeers = c.Int("max-peers")
	cfg.Peers = nodepkg.NormalizePeers(c.StringSlice("peer")...)
	cfg.OldestForkThreshold = uint32(c.Uint("oldest-fork-threshold"))
	cfg.MaxGCRounds = uint64(c.Uint("max-gc-rounds"))
	return cfg
}

func startCommand() *cli.Command {
	defaults := nodepkg.DefaultConfig()
	return &cli.Command{
		Name:  "start",
		Usage: "start the node",
		Flags: configFlags(defaults),
		Action: func(c *cli.Context) error {
			cfg := configFromContext(c)
			if err := nodepkg.ValidateConfig(cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
				return fmt.Errorf("create datadir: %w", err)
			}

			genesis := devGenesisBlock()
			if path := c.String("genesis-file"); path != "" {
				loaded, err := nodepkg.LoadGenesisBlock(path)
				if err != nil {
					return err
				}
				genesis = loaded
			}

			committee := devCommittee()
			n, err := nodepkg.New(cfg, committee, genesis)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("veild: run_id=%s network=%s datadir=%s\n", n.RunID(), cfg.Network, cfg.DataDir)
			return n.Run(ctx)
		},
	}
}

func cleanCommand() *cli.Command {
	defaults := nodepkg.DefaultConfig()
	return &cli.Command{
		Name:  "clean",
		Usage: "remove the local chain database, forcing a resync",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "datadir", Value: defaults.DataDir, Usage: "node data directory"},
		},
		Action: func(c *cli.Context) error {
			cfg := nodepkg.DefaultConfig()
			cfg.DataDir = c.String("datadir")
			if err := nodepkg.Clean(cfg); err != nil {
				return err
			}
			fmt.Printf("veild: removed chain database under %s\n", cfg.DataDir)
			return nil
		},
	}
}

// devCommittee is a placeholder single-validator committee until real
// committee bootstrap/discovery is wired in; it lets start produce a
// runnable node without external configuration.
func devCommittee() bft.Committee {
	return bft.DevCommittee{Validators: []consensus.ValidatorAddress{{X: [32]byte{1}}}}
}

// devGenesisBlock is a placeholder genesis used until a network's real
// genesis block is distributed out of band.
func devGenesisBlock() *consensus.Block {
	return &consensus.Block{
		Header: consensus.BlockHeader{
			Time:             0,
			DifficultyTarget: 1,
			Nonce:            0,
			Proof:            []byte{1},
		},
		Transactions: []consensus.Transaction{{
			ID:           [32]byte{0xFF},
			ValueBalance: -50_000_000,
			Proof:        []byte{1},
		}},
	}
}
