// Package scanner implements spec.md section 4.F, the BlockScanner
// pipeline: for a contiguous height range, read each block, run the
// two-pass (outputs-then-inputs) scan against ScrAddrFilter, and return
// the resulting STXO/HISTORY/TXHINTS records for the index writer to
// commit.
//
// Grounded on gocoin's lib/chain block-application loop (lib/chain/
// chain_blocks.go walks headers in height order, mmaps the matching
// file, and touches the UTXO set) for the walking/lookup shape, and on
// spec.md section 9's re-architecture note for concurrency: a fixed set
// of reader goroutines joined by a WaitGroup stands in for the
// original's promise/future chains, followed by a single-threaded
// two-pass scan.
package scanner

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btclog"

	"github.com/gocoin/blkindexer/internal/blockfile"
	"github.com/gocoin/blkindexer/internal/chainparams"
	"github.com/gocoin/blkindexer/internal/headerchain"
	"github.com/gocoin/blkindexer/internal/kvstore"
	"github.com/gocoin/blkindexer/internal/rawblock"
	"github.com/gocoin/blkindexer/internal/scanstore"
	"github.com/gocoin/blkindexer/internal/scraddr"
)

// ErrChainMoved is returned when a height inside the batch has no
// header in HeaderStore — the chain reorganized underneath the scan.
// The supervisor must re-run Organize() and resume from the new
// branch point (spec.md section 4.F failure semantics).
var ErrChainMoved = fmt.Errorf("scanner: chain moved during scan")

// Dependencies are the capabilities Scanner needs from the rest of the
// system, passed by handle rather than embedding concrete types from
// the supervisor — the capability-interface redesign spec.md section 9
// calls for in place of the original's subclassing.
type Dependencies struct {
	Files   *blockfile.Set
	Chain   *headerchain.Store
	Filter  *scraddr.Filter
	Params  chainparams.Params
	Log     btclog.Logger
	Threads int // R: reader-scanner worker count per batch

	// SuperHints requests a StoredTxHint for every transaction in the
	// batch, not only ones touching a watched address — the scanner-side
	// half of index.Super depth (SPEC_FULL section 3's ARMORY_DB_SUPER
	// behavior). Left false at Bare/Full depth. Plumbed as a bool rather
	// than the index.Depth type itself: internal/index already imports
	// this package for scanner.BatchResult, so the reverse import would
	// cycle.
	SuperHints bool

	// KV is consulted, read-only, when an input spends an output that
	// was written in an earlier batch (the common case — utxoMap_ only
	// covers the batch currently in flight). Nil disables cross-batch
	// resolution, which is fine for tests that only exercise a single
	// batch spanning both the receive and the spend.
	KV *kvstore.Store
}

// Scanner runs the two-pass scan over height ranges, one batch at a
// time, maintaining the rolling utxoMap_ shared across a batch's
// output and input passes.
type Scanner struct {
	deps Dependencies
}

// New builds a Scanner from its dependencies.
func New(deps Dependencies) *Scanner {
	if deps.Log == nil {
		deps.Log = btclog.Disabled
	}
	if deps.Threads < 1 {
		deps.Threads = 1
	}
	return &Scanner{deps: deps}
}

// outpoint identifies a transaction output independent of its block
// position — the key inputs look up during the input pass.
type outpoint struct {
	Hash  [32]byte
	Index uint32
}

// BatchResult is everything one scanned batch produced, handed to the
// writer (spec.md section 4.F point 3).
type BatchResult struct {
	Start, End   uint32 // the height range actually covered; End may be < requested on truncation
	Truncated    bool
	TopHash      [32]byte
	TxOuts       []scanstore.StoredTxOut
	SubSSH       []scanstore.StoredSubSSH
	TxHints      []scanstore.StoredTxHint
}

// ScanBatch reads and scans heights [start, end] and returns the
// records ready for the writer. It never writes to the KV store — that
// is the caller's (manager's) responsibility, so the two-pass in-memory
// scan and the durable write stay independently testable; it only reads
// Dependencies.KV to resolve spends of outputs committed by earlier
// batches.
func (s *Scanner) ScanBatch(ctx context.Context, start, end uint32) (BatchResult, error) {
	if end < start {
		return BatchResult{}, fmt.Errorf("scanner: empty range [%d,%d]", start, end)
	}
	n := int(end-start) + 1

	slots := make([]blockSlot, n)
	cache := newRegionCache()
	defer cache.releaseAll()

	var chainMovedAt int64 = -1
	var wg sync.WaitGroup
	for w := 0; w < s.deps.Threads; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := worker; i < n; i += s.deps.Threads {
				select {
				case <-ctx.Done():
					slots[i].err = ctx.Err()
					return
				default:
				}

				height := start + uint32(i)
				node, ok := s.deps.Chain.GetByHeight(height)
				if !ok {
					atomic.CompareAndSwapInt64(&chainMovedAt, -1, int64(i))
					return
				}

				region, err := cache.get(s.deps.Files, node.Pos.FileNum)
				if err != nil {
					slots[i].err = err
					continue
				}
				body, err := blockfile.RecordAt(region.Bytes(), node.Pos.Offset, s.deps.Files.Magic())
				if err != nil {
					slots[i].err = err
					continue
				}
				hash := node.Hash
				lb, err := rawblock.ParseLight(body, &hash)
				if err != nil {
					s.deps.Log.Warnf("scanner: skipping height %d: %v", height, err)
					slots[i].err = err
					continue
				}
				slots[i].block = lb
			}
		}(w)
	}
	wg.Wait()

	if atomic.LoadInt64(&chainMovedAt) >= 0 {
		return BatchResult{}, ErrChainMoved
	}

	// Clamp end_ down to the last contiguous successfully-read height,
	// per spec.md's "the batch's end_ is clamped down if the reader
	// never reached it" — a deserialization error doesn't abort the
	// whole batch, but nothing after the first gap is scanned either,
	// to preserve strict ascending-height commit order.
	lastGood := -1
	for i := 0; i < n; i++ {
		if slots[i].block == nil {
			break
		}
		lastGood = i
	}
	if lastGood < 0 {
		return BatchResult{}, fmt.Errorf("scanner: no blocks readable in [%d,%d]", start, end)
	}
	truncated := lastGood != n-1
	effectiveEnd := start + uint32(lastGood)

	result := s.twoPassScan(slots[:lastGood+1], start)
	result.Start, result.End = start, effectiveEnd
	result.Truncated = truncated
	result.TopHash = slots[lastGood].block.Hash
	return result, nil
}

type blockSlot struct {
	block *rawblock.LightBlock
	dupID uint8
	err   error
}

type scanState struct {
	utxoMap map[outpoint]scanstore.StoredTxOut
	ssh     map[rawblock.ScrAddrKey]map[uint32]*scanstore.StoredSubSSH // address -> height -> record
	hints   map[[4]byte]map[scanstore.TxKey]struct{}
}

func (s *Scanner) twoPassScan(slots []blockSlot, start uint32) BatchResult {
	state := &scanState{
		utxoMap: make(map[outpoint]scanstore.StoredTxOut),
		ssh:     make(map[rawblock.ScrAddrKey]map[uint32]*scanstore.StoredSubSSH),
		hints:   make(map[[4]byte]map[scanstore.TxKey]struct{}),
	}

	// Output pass: every watched output becomes a StoredTxOut and an
	// entry in the address's sub-SSH for this height, and is staged
	// into utxoMap_ so same-batch spends resolve in the input pass.
	for i, slot := range slots {
		height := start + uint32(i)
		for txIndex, tx := range slot.block.Txs {
			if s.deps.SuperHints {
				// Super depth hints every transaction up front,
				// independent of whether any of its outputs turn out to
				// touch a watched address.
				state.addHint(tx.Hash, scanstore.NewTxKey(height, slot.dupID, uint16(txIndex)))
			}
			for outIndex, out := range tx.Outputs {
				script := slot.block.Script(out.ScriptOffset, out.ScriptSize)
				addr, ok := rawblock.ExtractAddress(script, s.deps.Params)
				if !ok {
					continue
				}
				key := addr.Key()
				if !s.deps.Filter.Watches(key) {
					continue
				}
				txOutKey := scanstore.NewTxOutKey(height, slot.dupID, uint16(txIndex), uint16(outIndex))
				stored := scanstore.StoredTxOut{
					Key:        txOutKey,
					Value:      out.Value,
					Script:     append([]byte(nil), script...),
					ParentTx:   tx.Hash,
					ScriptAddr: key,
					Spentness:  scanstore.Unspent,
				}
				state.utxoMap[outpoint{Hash: tx.Hash, Index: uint32(outIndex)}] = stored
				state.addSSH(key, height, slot.dupID, scanstore.TxIOPair{TxOutKey: txOutKey, Value: out.Value})
				state.addHint(tx.Hash, scanstore.NewTxKey(height, slot.dupID, uint16(txIndex)))
			}
		}
	}

	// Barrier: utxoMap_ is now complete for the batch. Input pass may
	// freely look up any output produced anywhere in this window.
	var finalOuts []scanstore.StoredTxOut
	spent := make(map[outpoint]bool)
	for i, slot := range slots {
		for txIndex, tx := range slot.block.Txs {
			if tx.IsCoinbase(txIndex) {
				continue
			}
			for inIndex, in := range tx.Inputs {
				op := outpoint{Hash: in.PrevHash, Index: uint32(in.PrevIndex)}
				out, ok := state.utxoMap[op]
				if !ok {
					persisted, found := s.lookupPersistedOutput(in.PrevHash, uint32(in.PrevIndex))
					if !found {
						continue
					}
					out = persisted
					state.utxoMap[op] = out
				}
				height := start + uint32(i)
				txInKey := scanstore.NewTxOutKey(height, slot.dupID, uint16(txIndex), uint16(inIndex))
				out.Spentness = scanstore.SpentBy(txInKey)
				state.utxoMap[op] = out
				spent[op] = true
				pair := scanstore.TxIOPair{
					TxOutKey: out.Key,
					TxInKey:  &txInKey,
					Value:    out.Value,
				}
				// Mark the receive entry spent and record the spend itself
				// in the address's history at the spending height.
				state.addSSH(out.ScriptAddr, out.Key.Height(), out.Key.DupID(), pair)
				state.addSSH(out.ScriptAddr, height, slot.dupID, pair)
			}
		}
	}

	for _, out := range state.utxoMap {
		finalOuts = append(finalOuts, out)
	}

	var subSSH []scanstore.StoredSubSSH
	for _, byHeight := range state.ssh {
		for _, rec := range byHeight {
			subSSH = append(subSSH, *rec)
		}
	}

	var hints []scanstore.StoredTxHint
	for prefix, keys := range state.hints {
		h := scanstore.StoredTxHint{Prefix: prefix}
		for k := range keys {
			h.Keys = append(h.Keys, k)
		}
		hints = append(hints, h)
	}

	return BatchResult{TxOuts: finalOuts, SubSSH: subSSH, TxHints: hints}
}

func (st *scanState) addSSH(addr rawblock.ScrAddrKey, height uint32, dupID uint8, pair scanstore.TxIOPair) {
	byHeight, ok := st.ssh[addr]
	if !ok {
		byHeight = make(map[uint32]*scanstore.StoredSubSSH)
		st.ssh[addr] = byHeight
	}
	rec, ok := byHeight[height]
	if !ok {
		rec = &scanstore.StoredSubSSH{ScriptAddr: addr, Height: height, DupID: dupID, Entries: make(map[scanstore.TxIOKey]scanstore.TxIOPair)}
		byHeight[height] = rec
	}
	rec.Entries[pair.TxOutKey] = pair
}

func (st *scanState) addHint(txHash [32]byte, key scanstore.TxKey) {
	var prefix [4]byte
	copy(prefix[:], txHash[:4])
	set, ok := st.hints[prefix]
	if !ok {
		set = make(map[scanstore.TxKey]struct{})
		st.hints[prefix] = set
	}
	set[key] = struct{}{}
}

// lookupPersistedOutput resolves a spend whose output was written in an
// earlier batch: TXHINTS maps the prevout tx-hash's 4-byte prefix to
// every TxKey seen at that prefix, and STXO holds the actual record at
// each candidate (height, dup, tx-index, out-index) key. The ParentTx
// field is checked against the full hash to rule out prefix collisions
// before accepting a match.
func (s *Scanner) lookupPersistedOutput(prevHash [32]byte, prevIndex uint32) (scanstore.StoredTxOut, bool) {
	if s.deps.KV == nil {
		return scanstore.StoredTxOut{}, false
	}

	var prefix [4]byte
	copy(prefix[:], prevHash[:4])

	var candidates []scanstore.TxKey
	_ = s.deps.KV.View(kvstore.TxHints, func(t *kvstore.ReadTxn) error {
		raw, ok, err := t.Get(prefix[:])
		if err != nil || !ok {
			return nil
		}
		hint, err := scanstore.UnmarshalTxHint(raw)
		if err != nil {
			return nil
		}
		candidates = hint.Keys
		return nil
	})

	for _, tk := range candidates {
		height := uint32(tk[0])<<16 | uint32(tk[1])<<8 | uint32(tk[2])
		dupID := tk[3]
		txIndex := binary.BigEndian.Uint16(tk[4:6])
		candidateKey := scanstore.NewTxOutKey(height, dupID, txIndex, uint16(prevIndex))

		var found scanstore.StoredTxOut
		var ok bool
		_ = s.deps.KV.View(kvstore.STXO, func(t *kvstore.ReadTxn) error {
			raw, has, err := t.Get(candidateKey[:])
			if err != nil || !has {
				return nil
			}
			rec, err := scanstore.UnmarshalTxOut(raw)
			if err != nil || rec.ParentTx != prevHash {
				return nil
			}
			found, ok = rec, true
			return nil
		})
		if ok {
			return found, true
		}
	}
	return scanstore.StoredTxOut{}, false
}

// regionCache holds every mapped file a batch has touched so far, per
// spec.md section 4.F: "a cache of mapped regions it has already
// used" — avoids re-reading the same blkNNNNN.dat file once per block.
type regionCache struct {
	mu      sync.Mutex
	regions map[uint32]blockfile.MappedRegion
}

func newRegionCache() *regionCache {
	return &regionCache{regions: make(map[uint32]blockfile.MappedRegion)}
}

func (c *regionCache) get(files *blockfile.Set, fileNum uint32) (blockfile.MappedRegion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.regions[fileNum]; ok {
		return r, nil
	}
	r, err := files.Map(fileNum)
	if err != nil {
		return blockfile.MappedRegion{}, err
	}
	c.regions[fileNum] = r
	return r, nil
}

func (c *regionCache) releaseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.regions {
		r.Release()
	}
	c.regions = nil
}
