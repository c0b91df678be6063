// Command blkindexer runs the block-chain ingestion and indexing engine
// standalone: parse config, open the KV store and block files, bring
// the header chain and index up to date, then poll for new blocks
// until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"time"

	"github.com/gocoin/blkindexer/internal/blockfile"
	"github.com/gocoin/blkindexer/internal/chainparams"
	"github.com/gocoin/blkindexer/internal/config"
	"github.com/gocoin/blkindexer/internal/headerchain"
	"github.com/gocoin/blkindexer/internal/kvstore"
	"github.com/gocoin/blkindexer/internal/logs"
	"github.com/gocoin/blkindexer/internal/manager"
	"github.com/gocoin/blkindexer/internal/rawblock"
	"github.com/gocoin/blkindexer/internal/scraddr"
)

// updateInterval is how often main polls for new block files once
// Ready, standing in for the node's "new block" push notification this
// core treats as an external collaborator (spec.md section 1).
const updateInterval = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(os.Stderr, "blkindexer: panic:", r)
			fmt.Fprintln(os.Stderr, string(debug.Stack()))
		}
	}()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "blkindexer:", err)
		return 1
	}

	loggers := logs.Default()
	if level, ok := logs.ParseLevel(cfg.DebugLevel); ok {
		loggers.SetLevel(level)
	}
	log := loggers.Get(logs.SPVR)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("blkindexer: shutdown requested")
		cancel()
	}()

	files := blockfile.New(cfg.SatoshiDataDir, cfg.Params.Magic, loggers.Get(logs.BLKF))
	if err := files.Detect(); err != nil {
		log.Errorf("detect block files: %v", err)
		return 1
	}

	kv, err := kvstore.Open(cfg.DbDir, loggers.Get(logs.INDX))
	if err != nil {
		log.Errorf("open KV store: %v", err)
		return 1
	}
	defer kv.Close()

	genesisHeader := genesisHeaderFromParams(cfg.Params)
	if files.NumFiles() > 0 {
		hdr, err := readGenesisHeader(files)
		if err != nil {
			log.Errorf("read genesis header: %v", err)
			return 1
		}
		genesisHeader = hdr
	}
	chainStore := headerchain.New(cfg.Params.GenesisHash, genesisHeader)
	filter := scraddr.New(kvstore.NewScrAddrStore(kv), loggers.Get(logs.SADR))

	mgr := manager.New(manager.Config{
		Params:           cfg.Params,
		NBlocksLookAhead: cfg.NBlocksLookAhead(),
		ThreadCount:      cfg.ThreadCount,
		Depth:            cfg.Depth,
		SpawnID:          cfg.SpawnID,
	}, files, chainStore, filter, kv, log)

	mode := modeFromFlags(cfg)

	if cfg.CheckChain {
		if err := mgr.Init(ctx, manager.Normal); err != nil {
			log.Errorf("init: %v", err)
			return 1
		}
		report, err := mgr.CheckChain(ctx)
		if err != nil {
			log.Errorf("checkchain: %v", err)
			return 1
		}
		fmt.Printf("checkchain: %d headers checked, %d tx checked, %d corrupt positions\n",
			report.HeadersChecked, report.TxChecked, len(report.Corrupt))
		return 0
	}

	if err := mgr.Init(ctx, mode); err != nil {
		log.Errorf("init: %v", err)
		return 1
	}
	log.Infof("blkindexer: ready at height %d", mgr.CurrentTopBlockHeight())

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("blkindexer: shutting down")
			return 0
		case <-ticker.C:
			reorg, err := mgr.Update(ctx)
			if err != nil {
				log.Warnf("update: %v", err)
				continue
			}
			if reorg.HasNewTop {
				log.Infof("blkindexer: reorganized, new top at height %d", mgr.CurrentTopBlockHeight())
			}
		}
	}
}

// readGenesisHeader reads the very first block record on disk and
// decodes its header, so the in-memory HeaderStore's genesis node
// carries real proof-of-work bits for MorePOW comparisons from the
// start — HeaderIngest never re-adds a hash it already knows, so a
// zero-value stub here would leave genesis's work permanently wrong.
func readGenesisHeader(files *blockfile.Set) (rawblock.Header, error) {
	region, err := files.Map(0)
	if err != nil {
		return rawblock.Header{}, err
	}
	defer region.Release()

	body, err := blockfile.RecordAt(region.Bytes(), 0, files.Magic())
	if err != nil {
		return rawblock.Header{}, err
	}
	hdr, _, err := rawblock.ParseHeader(body)
	return hdr, err
}

// genesisHeaderFromParams builds the genesis header directly from the
// network's known constants, for spec.md section 8's empty-block-
// directory boundary scenario ("Ready with top == genesis") where there
// is no block file to read one from.
func genesisHeaderFromParams(p chainparams.Params) rawblock.Header {
	return rawblock.Header{
		Version:    p.GenesisVersion,
		MerkleRoot: p.GenesisMerkleRoot,
		Timestamp:  p.GenesisTimestamp,
		Bits:       p.GenesisBits,
		Nonce:      p.GenesisNonce,
	}
}

func modeFromFlags(cfg *config.Config) manager.Mode {
	switch {
	case cfg.Rebuild:
		return manager.Rebuild
	case cfg.Rescan:
		return manager.Rescan
	case cfg.RescanSSH:
		return manager.RescanBalances
	default:
		return manager.Normal
	}
}
