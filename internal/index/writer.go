// Package index implements spec.md component G: translating a scanned
// batch's in-memory results into KV records under scoped write
// transactions, plus the --db-type depth control SPEC_FULL section 3
// adds on top of it.
//
// Grounded on gocoin's lib/qdb batch-commit pattern (accumulate, then
// one atomic Write per sub-db) and blindbit-oracle's dblevel package for
// the one-leveldb.DB-per-sub-db write shape kvstore already wraps.
package index

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btclog"

	"github.com/gocoin/blkindexer/internal/kvstore"
	"github.com/gocoin/blkindexer/internal/rawblock"
	"github.com/gocoin/blkindexer/internal/scanner"
	"github.com/gocoin/blkindexer/internal/scanstore"
)

// Depth selects how much a scanned output's history is indexed, per
// the original's ARMORY_DB_BARE/FULL/SUPER modes (SPEC_FULL section 3).
// It is immutable after the first build, per spec.md section 6.
type Depth byte

const (
	// Bare keeps only what balance queries need: STXO + SSH cursors.
	// StoredSubSSH/StoredTxHint records are skipped.
	Bare Depth = iota
	// Full is spec.md's default behavior: STXO, SSH, and per-height
	// StoredSubSSH history for watched addresses.
	Full
	// Super additionally writes a StoredTxHint for every transaction
	// in each scanned block, whether or not it touches a watched
	// address, matching ARMORY_DB_SUPER.
	Super
)

func (d Depth) String() string {
	switch d {
	case Bare:
		return "BARE"
	case Super:
		return "SUPER"
	default:
		return "FULL"
	}
}

// ParseDepth parses the --db-type flag value, case-insensitively.
func ParseDepth(s string) (Depth, bool) {
	switch strings.ToUpper(s) {
	case "BARE":
		return Bare, true
	case "FULL", "":
		return Full, true
	case "SUPER":
		return Super, true
	default:
		return 0, false
	}
}

// Writer commits scanner.BatchResult values to the KV store, the only
// component in the pipeline that opens write transactions.
//
// Grounded on gocoin's lib/qdb: one atomic batch per sub-db per commit,
// never interleaving writes to two sub-dbs in the same transaction —
// spec.md section 7's DbError-retry semantics assume each sub-db commit
// is independently retryable.
type Writer struct {
	kv    *kvstore.Store
	depth Depth
	log   btclog.Logger
}

// New creates a Writer committing at the given depth.
func New(kv *kvstore.Store, depth Depth, log btclog.Logger) *Writer {
	if log == nil {
		log = btclog.Disabled
	}
	return &Writer{kv: kv, depth: depth, log: log}
}

// Commit persists one batch's results and advances every written
// sub-db's StoredDBInfo.TopBlockHash to result.TopHash — the atomicity
// witness spec.md section 5 names: a reader never observes TopBlockHash
// advance without every record from that batch already being durable,
// because both happen in the same leveldb.Batch per sub-db.
func (w *Writer) Commit(magic [4]byte, result scanner.BatchResult) error {
	if err := w.commitSTXO(magic, result); err != nil {
		return fmt.Errorf("index: commit STXO: %w", err)
	}
	if w.depth == Bare {
		return nil
	}
	if err := w.commitHistory(magic, result); err != nil {
		return fmt.Errorf("index: commit HISTORY: %w", err)
	}
	if err := w.commitTxHints(magic, result); err != nil {
		return fmt.Errorf("index: commit TXHINTS: %w", err)
	}
	return nil
}

func (w *Writer) commitSTXO(magic [4]byte, result scanner.BatchResult) error {
	return w.kv.Update(kvstore.STXO, func(t *kvstore.WriteTxn) error {
		for _, out := range result.TxOuts {
			t.Put(out.Key[:], scanstore.MarshalTxOut(out))
		}
		t.PutDBInfo(scanstore.StoredDBInfo{Magic: magic, Schema: scanstore.SchemaSTXO, TopBlockHash: result.TopHash})
		return nil
	})
}

func (w *Writer) commitHistory(magic [4]byte, result scanner.BatchResult) error {
	return w.kv.Update(kvstore.History, func(t *kvstore.WriteTxn) error {
		for _, sub := range result.SubSSH {
			key := subSSHKey(sub.ScriptAddr, sub.Height, sub.DupID)
			t.Put(key, scanstore.MarshalSubSSH(sub))
		}
		t.PutDBInfo(scanstore.StoredDBInfo{Magic: magic, Schema: scanstore.SchemaHistory, TopBlockHash: result.TopHash})
		return nil
	})
}

// commitTxHints merges each batch hint with whatever is already stored
// at that 4-byte prefix (spec.md section 4.F: hints accumulate rather
// than overwrite). The writer itself treats every hint in result.Keys
// identically regardless of depth — Super's extra coverage (a hint for
// every transaction, not only ones touching a watched address) comes
// from scanner.Dependencies.SuperHints, set by the manager from Depth
// when it builds the scanner; this method just persists whatever the
// scanner decided to produce.
func (w *Writer) commitTxHints(magic [4]byte, result scanner.BatchResult) error {
	return w.kv.Update(kvstore.TxHints, func(t *kvstore.WriteTxn) error {
		for _, hint := range result.TxHints {
			existing := scanstore.StoredTxHint{Prefix: hint.Prefix}
			if raw, ok, err := w.getTxHint(hint.Prefix); err != nil {
				return err
			} else if ok {
				existing = raw
			}
			merged := scanstore.MergeTxHint(existing, hint.Keys...)
			t.Put(merged.Prefix[:], scanstore.MarshalTxHint(merged))
			// TODO: also hint the spending tx's own hash prefix here, not
			// just the output's parent tx — out of scope for v1.
		}
		t.PutDBInfo(scanstore.StoredDBInfo{Magic: magic, Schema: scanstore.SchemaTxHints, TopBlockHash: result.TopHash})
		return nil
	})
}

func (w *Writer) getTxHint(prefix [4]byte) (scanstore.StoredTxHint, bool, error) {
	var hint scanstore.StoredTxHint
	var found bool
	err := w.kv.View(kvstore.TxHints, func(t *kvstore.ReadTxn) error {
		raw, ok, err := t.Get(prefix[:])
		if err != nil || !ok {
			return err
		}
		h, err := scanstore.UnmarshalTxHint(raw)
		if err != nil {
			return err
		}
		hint, found = h, true
		return nil
	})
	return hint, found, err
}

// RecomputeScriptHistory rebuilds each address's StoredScriptHistory
// from its already-persisted HISTORY records, without rescanning any
// block — the fast balance-only recompute spec.md section 6 names for
// --rescanSSH, as opposed to a full from-genesis rescan.
func (w *Writer) RecomputeScriptHistory(addrs []rawblock.ScrAddrKey, syncedHeight uint32) error {
	for _, addr := range addrs {
		hist, err := w.aggregateScriptHistory(addr, syncedHeight)
		if err != nil {
			return fmt.Errorf("index: aggregate history for %x: %w", addr, err)
		}
		if err := w.kv.Update(kvstore.SSH, func(t *kvstore.WriteTxn) error {
			t.Put(scriptHistoryKey(addr), scanstore.MarshalScriptHistory(hist))
			return nil
		}); err != nil {
			return fmt.Errorf("index: write history for %x: %w", addr, err)
		}
	}
	return nil
}

// aggregateScriptHistory walks every StoredSubSSH record HISTORY holds
// for addr and folds it into one rollup: balance is the sum of entries
// never spent, tx count is every entry seen, first height is the
// lowest height touched.
func (w *Writer) aggregateScriptHistory(addr rawblock.ScrAddrKey, syncedHeight uint32) (scanstore.StoredScriptHistory, error) {
	hist := scanstore.StoredScriptHistory{ScriptAddr: addr, SyncedHeight: syncedHeight}
	haveFirst := false
	err := w.kv.View(kvstore.History, func(t *kvstore.ReadTxn) error {
		return t.ScanPrefix(addr[:], func(_, value []byte) bool {
			sub, uerr := scanstore.UnmarshalSubSSH(value)
			if uerr != nil {
				w.log.Warnf("index: skipping corrupt HISTORY record for %x: %v", addr, uerr)
				return true
			}
			if !haveFirst || sub.Height < hist.FirstHeight {
				hist.FirstHeight = sub.Height
				haveFirst = true
			}
			for _, pair := range sub.Entries {
				hist.TxCount++
				if pair.TxInKey == nil {
					hist.Balance += pair.Value
				}
			}
			return true
		})
	})
	return hist, err
}

// scriptHistoryKey tags a computed StoredScriptHistory record so it
// never collides with the 33-byte scraddr.Record cursor that shares
// the SSH sub-db: kvstore.ScrAddrStore.LoadAll skips any key that isn't
// exactly 33 bytes, so this one-byte-longer key is invisible to it.
func scriptHistoryKey(addr rawblock.ScrAddrKey) []byte {
	key := make([]byte, len(addr)+1)
	copy(key, addr[:])
	key[len(addr)] = 0xff
	return key
}

// subSSHKey packs address||height(3)||dupID, per spec.md section 6's
// HISTORY/SUBSSH key layout.
func subSSHKey(addr rawblock.ScrAddrKey, height uint32, dupID uint8) []byte {
	key := make([]byte, len(addr)+4)
	copy(key, addr[:])
	key[len(addr)+0] = byte(height >> 16)
	key[len(addr)+1] = byte(height >> 8)
	key[len(addr)+2] = byte(height)
	key[len(addr)+3] = dupID
	return key
}
