// Package scanstore holds the persistent record shapes the scanner
// writes and the index reads back: TxOutKey, StoredTxOut, StoredSubSSH,
// StoredScriptHistory, StoredTxHint, and StoredDBInfo.
//
// Grounded on the KV record layout gocoin's lib/qdb sub-databases use
// (fixed-width orderable binary keys, one flat record type per table),
// generalized to the address-history schema spec.md's data model
// describes.
package scanstore

import (
	"encoding/binary"

	"github.com/gocoin/blkindexer/internal/rawblock"
)

// TxOutKey is the 8-byte orderable key identifying one transaction
// output: block-height (3 bytes big-endian), dup-id (1 byte, for the
// rare case of two blocks briefly sharing a height during a reorg),
// tx-index-in-block (2 bytes), tx-output-index (2 bytes).
type TxOutKey [8]byte

// NewTxOutKey packs the four fields into their orderable byte layout.
func NewTxOutKey(height uint32, dupID uint8, txIndex, outIndex uint16) TxOutKey {
	var k TxOutKey
	k[0] = byte(height >> 16)
	k[1] = byte(height >> 8)
	k[2] = byte(height)
	k[3] = dupID
	binary.BigEndian.PutUint16(k[4:6], txIndex)
	binary.BigEndian.PutUint16(k[6:8], outIndex)
	return k
}

func (k TxOutKey) Height() uint32 {
	return uint32(k[0])<<16 | uint32(k[1])<<8 | uint32(k[2])
}
func (k TxOutKey) DupID() uint8      { return k[3] }
func (k TxOutKey) TxIndex() uint16   { return binary.BigEndian.Uint16(k[4:6]) }
func (k TxOutKey) OutIndex() uint16  { return binary.BigEndian.Uint16(k[6:8]) }

// TxKey identifies a transaction's position: block-height ∥ dup-id ∥
// tx-index, the value side of a StoredTxHint entry.
type TxKey [6]byte

func NewTxKey(height uint32, dupID uint8, txIndex uint16) TxKey {
	var k TxKey
	k[0] = byte(height >> 16)
	k[1] = byte(height >> 8)
	k[2] = byte(height)
	k[3] = dupID
	binary.BigEndian.PutUint16(k[4:6], txIndex)
	return k
}

// Spentness tags a StoredTxOut as unspent or spent by a specific input.
type Spentness struct {
	Spent    bool
	TxInKey  TxOutKey // meaningful only when Spent is true
}

// Unspent is the zero-value spentness tag, spelled out for readability
// at call sites.
var Unspent = Spentness{}

// SpentBy returns the spentness tag recording which input consumed the
// output.
func SpentBy(txInKey TxOutKey) Spentness {
	return Spentness{Spent: true, TxInKey: txInKey}
}

// StoredTxOut is the persistent record for one watched output.
type StoredTxOut struct {
	Key         TxOutKey
	Value       uint64
	Script      []byte // raw output script, copied out of the block buffer
	ParentTx    [32]byte
	ScriptAddr  rawblock.ScrAddrKey
	Spentness   Spentness
}

// TxIOKey identifies one entry within a StoredSubSSH: the output key of
// the receive event it describes.
type TxIOKey = TxOutKey

// TxIOPair is one receive, or receive+spend, event for an address.
type TxIOPair struct {
	TxOutKey TxOutKey
	TxInKey  *TxOutKey // nil until the output is spent
	Value    uint64
}

// StoredSubSSH is one address's history at one block height: every
// TxIOPair the scanner recorded there. Aggregated upward into a
// StoredScriptHistory per address by index.Writer.RecomputeScriptHistory;
// a normal batch commit writes only the StoredSubSSH records.
type StoredSubSSH struct {
	ScriptAddr rawblock.ScrAddrKey
	Height     uint32
	DupID      uint8
	Entries    map[TxIOKey]TxIOPair
}

// StoredScriptHistory is the address-level rollup of every
// StoredSubSSH known for it: current balance and the height range
// covered, used to answer balance queries without walking every
// sub-height record.
type StoredScriptHistory struct {
	ScriptAddr   rawblock.ScrAddrKey
	Balance      uint64
	TxCount      uint32
	FirstHeight  uint32
	SyncedHeight uint32
}

// StoredTxHint maps the first 4 bytes of a tx-hash to every TxKey that
// hash prefix has been observed at; hints accumulate rather than
// overwrite because prefix collisions are expected at scale.
type StoredTxHint struct {
	Prefix [4]byte
	Keys   []TxKey
}

// SchemaType tags which sub-db layout a StoredDBInfo record describes,
// matching the required sub-db names from spec.md section 6.
type SchemaType byte

const (
	SchemaHeaders SchemaType = iota
	SchemaBlockData
	SchemaHistory
	SchemaSTXO
	SchemaTxHints
	SchemaSSH
	SchemaSubSSH
	SchemaSpentness
)

// StoredDBInfo is the atomic resume-point record every sub-db keeps
// under a reserved key: once TopBlockHash advances, every record from
// the batch that produced it is guaranteed durable (spec.md section 7's
// atomicity witness).
type StoredDBInfo struct {
	Magic        [4]byte
	Schema       SchemaType
	TopBlockHash [32]byte
}
