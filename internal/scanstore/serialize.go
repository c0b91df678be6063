package scanstore

import (
	"encoding/binary"
	"errors"
)

var errShortRecord = errors.New("scanstore: buffer too short for record")

// MarshalTxOut encodes a StoredTxOut the way it is written to the STXO
// sub-db: a fixed header followed by the variable-length script.
func MarshalTxOut(v StoredTxOut) []byte {
	buf := make([]byte, 8+8+32+33+1+8+len(v.Script))
	off := 0
	off += copy(buf[off:], v.Key[:])
	binary.LittleEndian.PutUint64(buf[off:], v.Value)
	off += 8
	off += copy(buf[off:], v.ParentTx[:])
	off += copy(buf[off:], v.ScriptAddr[:])
	if v.Spentness.Spent {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint64(buf[off:], spentTxInAsUint(v.Spentness))
	off += 8
	off += copy(buf[off:], v.Script)
	return buf[:off]
}

func spentTxInAsUint(s Spentness) uint64 {
	if !s.Spent {
		return 0
	}
	// The 8-byte TxInKey packs into a uint64 the same way its own bytes
	// are laid out, so it round-trips through UnmarshalTxOut untouched.
	return binary.BigEndian.Uint64(s.TxInKey[:])
}

// UnmarshalTxOut decodes a record produced by MarshalTxOut.
func UnmarshalTxOut(b []byte) (StoredTxOut, error) {
	const headerLen = 8 + 8 + 32 + 33 + 1 + 8
	if len(b) < headerLen {
		return StoredTxOut{}, errShortRecord
	}
	var v StoredTxOut
	off := 0
	copy(v.Key[:], b[off:off+8])
	off += 8
	v.Value = binary.LittleEndian.Uint64(b[off:])
	off += 8
	copy(v.ParentTx[:], b[off:off+32])
	off += 32
	copy(v.ScriptAddr[:], b[off:off+33])
	off += 33
	spent := b[off] == 1
	off++
	txInRaw := binary.LittleEndian.Uint64(b[off:])
	off += 8
	if spent {
		var txIn TxOutKey
		binary.BigEndian.PutUint64(txIn[:], txInRaw)
		v.Spentness = SpentBy(txIn)
	}
	v.Script = append([]byte(nil), b[off:]...)
	return v, nil
}

// MarshalSubSSH encodes one address-at-height history record for the
// HISTORY sub-db.
func MarshalSubSSH(v StoredSubSSH) []byte {
	buf := make([]byte, 0, 33+4+1+4+len(v.Entries)*20)
	buf = append(buf, v.ScriptAddr[:]...)
	var heightDup [4]byte
	binary.LittleEndian.PutUint32(heightDup[:], v.Height)
	buf = append(buf, heightDup[:]...)
	buf = append(buf, v.DupID)

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(v.Entries)))
	buf = append(buf, count[:]...)

	for key, pair := range v.Entries {
		buf = append(buf, key[:]...)
		var val [8]byte
		binary.LittleEndian.PutUint64(val[:], pair.Value)
		buf = append(buf, val[:]...)
		if pair.TxInKey != nil {
			buf = append(buf, 1)
			buf = append(buf, pair.TxInKey[:]...)
		} else {
			buf = append(buf, 0)
			buf = append(buf, make([]byte, 8)...)
		}
	}
	return buf
}

// UnmarshalSubSSH decodes a record produced by MarshalSubSSH.
func UnmarshalSubSSH(b []byte) (StoredSubSSH, error) {
	if len(b) < 33+4+1+4 {
		return StoredSubSSH{}, errShortRecord
	}
	var v StoredSubSSH
	off := 0
	copy(v.ScriptAddr[:], b[off:off+33])
	off += 33
	v.Height = binary.LittleEndian.Uint32(b[off:])
	off += 4
	v.DupID = b[off]
	off++
	count := binary.LittleEndian.Uint32(b[off:])
	off += 4

	v.Entries = make(map[TxIOKey]TxIOPair, count)
	const entryLen = 8 + 8 + 1 + 8
	for i := uint32(0); i < count; i++ {
		if off+entryLen > len(b) {
			return StoredSubSSH{}, errShortRecord
		}
		var key TxOutKey
		copy(key[:], b[off:off+8])
		off += 8
		value := binary.LittleEndian.Uint64(b[off:])
		off += 8
		hasSpend := b[off] == 1
		off++
		var spendKey TxOutKey
		copy(spendKey[:], b[off:off+8])
		off += 8

		pair := TxIOPair{TxOutKey: key, Value: value}
		if hasSpend {
			k := spendKey
			pair.TxInKey = &k
		}
		v.Entries[key] = pair
	}
	return v, nil
}

// MarshalTxHint encodes a StoredTxHint for the TXHINTS sub-db.
func MarshalTxHint(v StoredTxHint) []byte {
	buf := make([]byte, 4+len(v.Keys)*6)
	copy(buf, v.Prefix[:])
	for i, k := range v.Keys {
		copy(buf[4+i*6:], k[:])
	}
	return buf
}

// UnmarshalTxHint decodes a record produced by MarshalTxHint.
func UnmarshalTxHint(b []byte) (StoredTxHint, error) {
	if len(b) < 4 || (len(b)-4)%6 != 0 {
		return StoredTxHint{}, errShortRecord
	}
	var v StoredTxHint
	copy(v.Prefix[:], b[:4])
	n := (len(b) - 4) / 6
	v.Keys = make([]TxKey, n)
	for i := 0; i < n; i++ {
		copy(v.Keys[i][:], b[4+i*6:4+(i+1)*6])
	}
	return v, nil
}

// MergeTxHint appends keys not already present, per spec.md section
// 4.F: hints accumulate rather than overwrite because prefix collisions
// are expected across many transactions.
func MergeTxHint(existing StoredTxHint, add ...TxKey) StoredTxHint {
	seen := make(map[TxKey]struct{}, len(existing.Keys))
	for _, k := range existing.Keys {
		seen[k] = struct{}{}
	}
	for _, k := range add {
		if _, ok := seen[k]; !ok {
			existing.Keys = append(existing.Keys, k)
			seen[k] = struct{}{}
		}
	}
	return existing
}

// MarshalScriptHistory encodes an address's StoredScriptHistory rollup
// for the SSH sub-db.
func MarshalScriptHistory(v StoredScriptHistory) []byte {
	buf := make([]byte, 33+8+4+4+4)
	off := 0
	off += copy(buf[off:], v.ScriptAddr[:])
	binary.LittleEndian.PutUint64(buf[off:], v.Balance)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], v.TxCount)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], v.FirstHeight)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], v.SyncedHeight)
	return buf
}

// UnmarshalScriptHistory decodes a record produced by MarshalScriptHistory.
func UnmarshalScriptHistory(b []byte) (StoredScriptHistory, error) {
	const recLen = 33 + 8 + 4 + 4 + 4
	if len(b) < recLen {
		return StoredScriptHistory{}, errShortRecord
	}
	var v StoredScriptHistory
	off := 0
	copy(v.ScriptAddr[:], b[off:off+33])
	off += 33
	v.Balance = binary.LittleEndian.Uint64(b[off:])
	off += 8
	v.TxCount = binary.LittleEndian.Uint32(b[off:])
	off += 4
	v.FirstHeight = binary.LittleEndian.Uint32(b[off:])
	off += 4
	v.SyncedHeight = binary.LittleEndian.Uint32(b[off:])
	return v, nil
}

// MarshalDBInfo encodes the per-sub-db resume-point record.
func MarshalDBInfo(v StoredDBInfo) []byte {
	buf := make([]byte, 4+1+32)
	copy(buf[0:4], v.Magic[:])
	buf[4] = byte(v.Schema)
	copy(buf[5:37], v.TopBlockHash[:])
	return buf
}

// UnmarshalDBInfo decodes a record produced by MarshalDBInfo.
func UnmarshalDBInfo(b []byte) (StoredDBInfo, error) {
	if len(b) < 37 {
		return StoredDBInfo{}, errShortRecord
	}
	var v StoredDBInfo
	copy(v.Magic[:], b[0:4])
	v.Schema = SchemaType(b[4])
	copy(v.TopBlockHash[:], b[5:37])
	return v, nil
}
