package rawblock

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed length of a serialized block header.
const HeaderSize = 80

var (
	ErrShortHeader  = errors.New("rawblock: buffer shorter than a header")
	ErrShortBlock   = errors.New("rawblock: buffer too short to hold a block")
	ErrBadTxCount   = errors.New("rawblock: tx count var_int truncated")
	ErrTruncatedTx  = errors.New("rawblock: transaction truncated mid-block")
	ErrEmptyTxList  = errors.New("rawblock: block claims zero transactions")
)

// Header is the 80-byte block header, decoded into its fields.
type Header struct {
	Version    uint32
	PrevHash   [32]byte
	MerkleRoot [32]byte
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
}

// ParseHeader decodes the 80-byte header at the start of b and returns
// it along with its hash (double-SHA256 over those 80 bytes, per
// spec.md section 3 — the hash is a pure function of the bytes).
func ParseHeader(b []byte) (Header, [32]byte, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, [32]byte{}, ErrShortHeader
	}
	h.Version = binary.LittleEndian.Uint32(b[0:4])
	copy(h.PrevHash[:], b[4:36])
	copy(h.MerkleRoot[:], b[36:68])
	h.Timestamp = binary.LittleEndian.Uint32(b[68:72])
	h.Bits = binary.LittleEndian.Uint32(b[72:76])
	h.Nonce = binary.LittleEndian.Uint32(b[76:80])
	return h, DoubleSha256(b[:HeaderSize]), nil
}

// Serialize re-encodes the header to its canonical 80 bytes.
func (h Header) Serialize() [80]byte {
	var b [80]byte
	binary.LittleEndian.PutUint32(b[0:4], h.Version)
	copy(b[4:36], h.PrevHash[:])
	copy(b[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(b[68:72], h.Timestamp)
	binary.LittleEndian.PutUint32(b[72:76], h.Bits)
	binary.LittleEndian.PutUint32(b[76:80], h.Nonce)
	return b
}

// TxOutRef locates one transaction output's value and script within
// the owning block buffer, without copying the script bytes.
type TxOutRef struct {
	Value                    uint64
	ScriptOffset, ScriptSize int
	Index                    int
}

// TxInRef locates one transaction input's previous-output reference
// and script within the owning block buffer.
type TxInRef struct {
	PrevHash                 [32]byte
	PrevIndex                uint32
	ScriptOffset, ScriptSize int
	Sequence                 uint32
}

// TxRef is a lazily-scanned transaction: its hash plus the offsets and
// sizes of each input and output inside the block buffer. The scanner
// never materializes a copy of the transaction's bytes.
type TxRef struct {
	Hash          [32]byte
	Offset, Size  int
	Inputs        []TxInRef
	Outputs       []TxOutRef
}

// IsCoinbase reports whether this is the block's first (coinbase)
// transaction, identified the way the rest of the pipeline does: by
// its position, not by inspecting the single null-prevout input.
func (t *TxRef) IsCoinbase(txIndex int) bool { return txIndex == 0 }

// LightBlock is the result of "lightly deserializing" a raw block: the
// header, its verified hash, and the offset table for every
// transaction. Script() / fetch helpers resolve offsets back into the
// original buffer on demand.
type LightBlock struct {
	Raw    []byte
	Header Header
	Hash   [32]byte
	Txs    []TxRef
}

// Script returns the script bytes referenced by a TxOutRef/TxInRef
// offset pair, as a slice into the original block buffer (never
// copied).
func (lb *LightBlock) Script(offset, size int) []byte {
	return lb.Raw[offset : offset+size]
}

// ParseLight lightly deserializes a raw block: it computes the header
// hash, verifies it against expectedHash (pass nil to skip — the
// reader doesn't always know the expected hash up front), and records
// per-tx offsets/sizes for every input and output. It never copies a
// transaction's script or body into a new buffer.
func ParseLight(raw []byte, expectedHash *[32]byte) (*LightBlock, error) {
	if len(raw) < HeaderSize+1 {
		return nil, ErrShortBlock
	}
	hdr, hash, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if expectedHash != nil && hash != *expectedHash {
		return nil, errHashMismatch(hash, *expectedHash)
	}

	numTx, vsize := VarInt(raw[HeaderSize:])
	if vsize == 0 {
		return nil, ErrBadTxCount
	}
	if numTx == 0 {
		return nil, ErrEmptyTxList
	}

	lb := &LightBlock{Raw: raw, Header: hdr, Hash: hash, Txs: make([]TxRef, 0, numTx)}

	off := HeaderSize + vsize
	for i := uint64(0); i < numTx; i++ {
		txRef, txSize, err := parseTxRef(raw, off)
		if err != nil {
			return nil, err
		}
		txRef.Offset = off
		txRef.Size = txSize
		lb.Txs = append(lb.Txs, txRef)
		off += txSize
	}
	return lb, nil
}

func parseTxRef(raw []byte, off int) (TxRef, int, error) {
	start := off
	if off+4 > len(raw) {
		return TxRef{}, 0, ErrTruncatedTx
	}
	off += 4 // version

	segwit := false
	if off+2 <= len(raw) && raw[off] == 0x00 && raw[off+1] != 0x00 {
		segwit = true
		off += 2 // marker, flag
	}

	numIn, n := VarInt(raw[off:])
	if n == 0 {
		return TxRef{}, 0, ErrTruncatedTx
	}
	off += n

	var ins []TxInRef
	for i := uint64(0); i < numIn; i++ {
		if off+36 > len(raw) {
			return TxRef{}, 0, ErrTruncatedTx
		}
		var in TxInRef
		copy(in.PrevHash[:], raw[off:off+32])
		in.PrevIndex = binary.LittleEndian.Uint32(raw[off+32 : off+36])
		off += 36

		scriptLen, n := VarInt(raw[off:])
		if n == 0 {
			return TxRef{}, 0, ErrTruncatedTx
		}
		off += n
		if off+int(scriptLen)+4 > len(raw) {
			return TxRef{}, 0, ErrTruncatedTx
		}
		in.ScriptOffset = off
		in.ScriptSize = int(scriptLen)
		off += int(scriptLen)
		in.Sequence = binary.LittleEndian.Uint32(raw[off : off+4])
		off += 4
		ins = append(ins, in)
	}

	numOut, n := VarInt(raw[off:])
	if n == 0 {
		return TxRef{}, 0, ErrTruncatedTx
	}
	off += n

	var outs []TxOutRef
	for i := uint64(0); i < numOut; i++ {
		if off+8 > len(raw) {
			return TxRef{}, 0, ErrTruncatedTx
		}
		var out TxOutRef
		out.Value = binary.LittleEndian.Uint64(raw[off : off+8])
		out.Index = int(i)
		off += 8

		scriptLen, n := VarInt(raw[off:])
		if n == 0 {
			return TxRef{}, 0, ErrTruncatedTx
		}
		off += n
		if off+int(scriptLen) > len(raw) {
			return TxRef{}, 0, ErrTruncatedTx
		}
		out.ScriptOffset = off
		out.ScriptSize = int(scriptLen)
		off += int(scriptLen)
		outs = append(outs, out)
	}

	witnessEnd := off
	if segwit {
		for i := uint64(0); i < numIn; i++ {
			numItems, n := VarInt(raw[witnessEnd:])
			if n == 0 {
				return TxRef{}, 0, ErrTruncatedTx
			}
			witnessEnd += n
			for j := uint64(0); j < numItems; j++ {
				itemLen, n := VarInt(raw[witnessEnd:])
				if n == 0 {
					return TxRef{}, 0, ErrTruncatedTx
				}
				witnessEnd += n
				if witnessEnd+int(itemLen) > len(raw) {
					return TxRef{}, 0, ErrTruncatedTx
				}
				witnessEnd += int(itemLen)
			}
		}
	}

	if witnessEnd+4 > len(raw) {
		return TxRef{}, 0, ErrTruncatedTx
	}
	lockTimeOff := witnessEnd
	end := lockTimeOff + 4

	var hash [32]byte
	if segwit {
		hash = DoubleSha256(legacySerialize(raw, start, off, lockTimeOff, end))
	} else {
		hash = DoubleSha256(raw[start:end])
	}
	return TxRef{Hash: hash, Inputs: ins, Outputs: outs}, end - start, nil
}

// legacySerialize rebuilds a segwit transaction's pre-witness byte
// layout (version .. outputs .. lock_time, skipping the marker/flag and
// the witness stacks) so its txid can be computed the way spec.md
// defines it: a pure function of the non-witness transaction bytes.
func legacySerialize(raw []byte, start, preWitness, lockTimeOff, end int) []byte {
	out := make([]byte, 0, 4+(preWitness-start)+ (end-lockTimeOff))
	out = append(out, raw[start:start+4]...)       // version
	out = append(out, raw[start+6:preWitness]...) // inputs+outputs, skipping 2-byte marker/flag
	out = append(out, raw[lockTimeOff:end]...)     // lock_time
	return out
}

type hashMismatchError struct {
	got, want [32]byte
}

func (e *hashMismatchError) Error() string { return "rawblock: header hash mismatch" }

func errHashMismatch(got, want [32]byte) error {
	return &hashMismatchError{got: got, want: want}
}
