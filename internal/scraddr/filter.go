// Package scraddr implements spec.md section 4.E: the watched-address
// set (ScrAddrFilter), its persistent sync-height cursors, and the
// classify-then-rescan Register operation.
//
// Grounded on gocoin's client/wallet address-tracking map (a plain
// mutex-guarded map keyed by hash160, loaded once at startup) and, for
// the capability-interface shape used instead of subclassing, on
// spec.md section 9's re-architecture note: the original supervisor
// subclasses ScrAddrFilter to give it four hooks back into itself; here
// that becomes a small Rescanner interface passed by handle.
package scraddr

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/gocoin/blkindexer/internal/rawblock"
	"github.com/gocoin/blkindexer/internal/scanstore"
)

// Record is one address's persisted cursor: how far it has been
// scanned and whether it ever needed a historical rescan.
type Record struct {
	SyncHeight uint32
	Historical bool
}

// Store is the persistence capability Filter needs — satisfied by the
// KV layer's SSH sub-db. Kept as a narrow interface, per this package's
// capability-interface note above, so Filter can be exercised without a
// real KV store.
type Store interface {
	LoadAll() (map[rawblock.ScrAddrKey]Record, error)
	Save(key rawblock.ScrAddrKey, rec Record) error
}

// Rescanner is the supervisor capability Register uses to run a
// newly-historical address's bounded scan: the four hooks the original
// derived ScrAddrFilter used its owning supervisor for, trimmed to the
// two Register actually needs.
type Rescanner interface {
	ApplyBlockRangeToDB(ctx context.Context, start, end uint32) error
	CurrentTopBlockHeight() uint32
}

// Filter is the ScrAddrFilter of spec.md section 4.E.
type Filter struct {
	mu      sync.RWMutex
	entries map[rawblock.ScrAddrKey]Record
	store   Store
	log     btclog.Logger
}

// New creates an empty Filter backed by store.
func New(store Store, log btclog.Logger) *Filter {
	if log == nil {
		log = btclog.Disabled
	}
	return &Filter{entries: make(map[rawblock.ScrAddrKey]Record), store: store, log: log}
}

// Load populates the filter from disk; called once at startup.
func (f *Filter) Load() error {
	loaded, err := f.store.LoadAll()
	if err != nil {
		return fmt.Errorf("scraddr: load: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = loaded
	return nil
}

// Contains reports whether key is watched, and its cursor if so.
func (f *Filter) Contains(key rawblock.ScrAddrKey) (Record, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.entries[key]
	return r, ok
}

// Watches is a cheap boolean form of Contains for the scanner's hot
// path (spec.md section 4.F's output-pass membership test).
func (f *Filter) Watches(key rawblock.ScrAddrKey) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.entries[key]
	return ok
}

// All returns a snapshot of every watched address's current record,
// used by the supervisor to compute init()'s min(addr-sync-heights)
// start height.
func (f *Filter) All() map[rawblock.ScrAddrKey]Record {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[rawblock.ScrAddrKey]Record, len(f.entries))
	for k, v := range f.entries {
		out[k] = v
	}
	return out
}

// Persist rewrites every entry currently held in memory back through
// Store, unconditionally. Used by the supervisor to re-apply the
// address list after a mode wipes the sub-db it lives in, per spec.md
// section 4.G: "ScrAddrFilter's address list is preserved across all
// modes and re-applied to the DB afterward."
func (f *Filter) Persist() error {
	snapshot := f.All()
	for k, rec := range snapshot {
		if err := f.store.Save(k, rec); err != nil {
			return fmt.Errorf("scraddr: persist %x: %w", k, err)
		}
	}
	return nil
}

// Advance bumps a watched address's sync height after a batch commits,
// persisting the new cursor. A no-op for addresses not in the set.
func (f *Filter) Advance(key rawblock.ScrAddrKey, height uint32) error {
	f.mu.Lock()
	rec, ok := f.entries[key]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	rec.SyncHeight = height
	f.entries[key] = rec
	f.mu.Unlock()
	return f.store.Save(key, rec)
}

// AddressRequest is one entry of a Register batch: the address plus an
// optional known-from height. A nil KnownFromHeight means the caller
// asserts the address is new — no historical scan needed, its cursor
// starts at the current top.
type AddressRequest struct {
	Key             rawblock.ScrAddrKey
	KnownFromHeight *uint32
}

// Register implements spec.md section 4.E's Register operation:
// classifies each address in reqs as new-or-historical against the
// persistent set, starts a bounded asynchronous scan for the
// newly-historical ones, and calls done once that scan — if any was
// needed — has committed. done is called synchronously with nil if no
// address required a historical scan.
func (f *Filter) Register(ctx context.Context, reqs []AddressRequest, rescan Rescanner, done func(error)) {
	top := rescan.CurrentTopBlockHeight()

	f.mu.Lock()
	var minHistoricalHeight *uint32
	var toPersist []rawblock.ScrAddrKey
	for _, req := range reqs {
		if _, already := f.entries[req.Key]; already {
			continue
		}
		if req.KnownFromHeight == nil {
			f.entries[req.Key] = Record{SyncHeight: top, Historical: false}
			toPersist = append(toPersist, req.Key)
			continue
		}
		f.entries[req.Key] = Record{SyncHeight: *req.KnownFromHeight, Historical: true}
		toPersist = append(toPersist, req.Key)
		if minHistoricalHeight == nil || *req.KnownFromHeight < *minHistoricalHeight {
			h := *req.KnownFromHeight
			minHistoricalHeight = &h
		}
	}
	entriesSnapshot := make(map[rawblock.ScrAddrKey]Record, len(toPersist))
	for _, k := range toPersist {
		entriesSnapshot[k] = f.entries[k]
	}
	f.mu.Unlock()

	for k, rec := range entriesSnapshot {
		if err := f.store.Save(k, rec); err != nil {
			f.log.Warnf("scraddr: persist %x: %v", k, err)
		}
	}

	if minHistoricalHeight == nil {
		done(nil)
		return
	}

	start := *minHistoricalHeight
	go func() {
		err := rescan.ApplyBlockRangeToDB(ctx, start, top)
		if err == nil {
			f.mu.Lock()
			for _, req := range reqs {
				if req.KnownFromHeight == nil {
					continue
				}
				if rec, ok := f.entries[req.Key]; ok {
					rec.SyncHeight = top
					f.entries[req.Key] = rec
				}
			}
			f.mu.Unlock()
			for _, req := range reqs {
				if req.KnownFromHeight == nil {
					continue
				}
				if rec, ok := f.Contains(req.Key); ok {
					if serr := f.store.Save(req.Key, rec); serr != nil {
						f.log.Warnf("scraddr: persist %x after rescan: %v", req.Key, serr)
					}
				}
			}
		} else {
			f.log.Errorf("scraddr: historical rescan [%d,%d] failed: %v", start, top, err)
		}
		done(err)
	}()
}

// InvalidateZeroConf is a capability stub for a future mempool/zero-
// confirmation feed to invalidate a tx-hint the moment its parent
// transaction is seen unconfirmed, per SPEC_FULL's ambient hook for
// that surface. Block-confirmed scanning never calls it; it exists so
// a mempool watcher can be wired in later without reshaping Filter.
func (f *Filter) InvalidateZeroConf(hint scanstore.StoredTxHint) {
	_ = hint
}
