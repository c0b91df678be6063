// Package kvstore wraps goleveldb into the named-sub-database,
// scoped-transaction abstraction spec.md section 6 requires: one
// leveldb.DB per sub-db directory, read-only transactions backed by a
// consistent snapshot, write transactions backed by an atomic batch.
//
// Grounded on blindbit-oracle's internal/dblevel (one *leveldb.DB per
// logical table under its own subdirectory, leveldb.Batch for atomic
// multi-key writes, NewIterator+util.Range for ordered scans) and
// gocoin's lib/others/goleveldb vendoring of the same driver.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/gocoin/blkindexer/internal/scanstore"
)

// SubDB names one of the required sub-databases from spec.md section 6.
type SubDB string

const (
	Headers   SubDB = "HEADERS"
	BlockData SubDB = "BLKDATA"
	History   SubDB = "HISTORY"
	STXO      SubDB = "STXO"
	TxHints   SubDB = "TXHINTS"
	SSH       SubDB = "SSH"
	SubSSH    SubDB = "SUBSSH"
	Spentness SubDB = "SPENTNESS"
)

// All enumerates every required sub-db, in the order spec.md section 6
// lists them — used by Open to create the full set up front and by
// reset_databases(mode) to iterate every table.
var All = []SubDB{Headers, BlockData, History, STXO, TxHints, SSH, SubSSH, Spentness}

// dbInfoKey is the reserved key each sub-db stores its StoredDBInfo
// resume-point record under. It sorts before any real record because
// every real key in this schema is non-empty: a big-endian height, an
// address key, or a tx-hash prefix.
var dbInfoKey = []byte{}

// Store owns one leveldb.DB per sub-db, all rooted under one directory.
type Store struct {
	dir string
	log btclog.Logger

	mu  sync.RWMutex
	dbs map[SubDB]*leveldb.DB
}

// Open creates dir if needed and opens (creating on first use) every
// sub-db named in All.
func Open(dir string, log btclog.Logger) (*Store, error) {
	if log == nil {
		log = btclog.Disabled
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create %s: %w", dir, err)
	}

	s := &Store{dir: dir, log: log, dbs: make(map[SubDB]*leveldb.DB, len(All))}
	for _, name := range All {
		db, err := leveldb.OpenFile(filepath.Join(dir, string(name)), nil)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("kvstore: open %s: %w", name, err)
		}
		s.dbs[name] = db
	}
	return s, nil
}

// Close releases every open sub-db handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("kvstore: close %s: %w", name, err)
		}
	}
	return firstErr
}

// Wipe drops every record in sub, including its StoredDBInfo, by
// closing and reopening a fresh leveldb file at the same path. Used by
// reset_databases(mode)'s Rebuild/Rescan paths.
func (s *Store) Wipe(sub SubDB) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.dbs[sub]
	if !ok {
		return fmt.Errorf("kvstore: unknown sub-db %q", sub)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("kvstore: close %s before wipe: %w", sub, err)
	}
	path := filepath.Join(s.dir, string(sub))
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("kvstore: remove %s: %w", sub, err)
	}
	newDB, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return fmt.Errorf("kvstore: reopen %s: %w", sub, err)
	}
	s.dbs[sub] = newDB
	return nil
}

func (s *Store) db(sub SubDB) (*leveldb.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.dbs[sub]
	if !ok {
		return nil, fmt.Errorf("kvstore: unknown sub-db %q", sub)
	}
	return db, nil
}

// ReadTxn is a scoped, consistent read-only view over one sub-db.
type ReadTxn struct {
	snap *leveldb.Snapshot
}

// Get reads a single key; ok is false when the key is absent.
func (t *ReadTxn) Get(key []byte) (value []byte, ok bool, err error) {
	v, err := t.snap.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// ScanPrefix walks every key with the given prefix in ascending order,
// invoking fn for each; fn returning false stops the scan early.
func (t *ReadTxn) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	iter := t.snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// ScanRange walks every key in [start, limit) in ascending order.
func (t *ReadTxn) ScanRange(start, limit []byte, fn func(key, value []byte) bool) error {
	iter := t.snap.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
	defer iter.Release()
	for iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// DBInfo reads sub's resume-point record.
func (t *ReadTxn) DBInfo() (scanstore.StoredDBInfo, bool, error) {
	raw, ok, err := t.Get(dbInfoKey)
	if err != nil || !ok {
		return scanstore.StoredDBInfo{}, ok, err
	}
	info, err := scanstore.UnmarshalDBInfo(raw)
	return info, true, err
}

// View opens a scoped read-only transaction against sub, backed by a
// point-in-time snapshot so concurrent writes never appear mid-scan.
func (s *Store) View(sub SubDB, fn func(*ReadTxn) error) error {
	db, err := s.db(sub)
	if err != nil {
		return err
	}
	snap, err := db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("kvstore: snapshot %s: %w", sub, err)
	}
	defer snap.Release()
	return fn(&ReadTxn{snap: snap})
}

// WriteTxn accumulates Put/Delete operations into one leveldb.Batch,
// committed atomically when the enclosing Update call's fn returns nil
// — spec.md section 7's "StoredDBInfo is the atomicity witness: if it
// didn't update, the batch didn't commit" relies on this all-or-nothing
// semantics.
type WriteTxn struct {
	batch *leveldb.Batch
}

func (t *WriteTxn) Put(key, value []byte)    { t.batch.Put(key, value) }
func (t *WriteTxn) Delete(key []byte)        { t.batch.Delete(key) }
func (t *WriteTxn) PutDBInfo(info scanstore.StoredDBInfo) {
	t.batch.Put(dbInfoKey, scanstore.MarshalDBInfo(info))
}

// Update opens a scoped write transaction against sub. If fn returns a
// non-nil error, the batch is discarded and nothing is written; a nil
// error commits it in one atomic leveldb.Write call.
func (s *Store) Update(sub SubDB, fn func(*WriteTxn) error) error {
	db, err := s.db(sub)
	if err != nil {
		return err
	}
	txn := &WriteTxn{batch: new(leveldb.Batch)}
	if err := fn(txn); err != nil {
		return err
	}
	if err := db.Write(txn.batch, nil); err != nil {
		return fmt.Errorf("kvstore: commit %s: %w", sub, err)
	}
	return nil
}
