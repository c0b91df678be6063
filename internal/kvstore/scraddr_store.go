package kvstore

import (
	"encoding/binary"
	"fmt"

	"github.com/gocoin/blkindexer/internal/rawblock"
	"github.com/gocoin/blkindexer/internal/scraddr"
)

// ScrAddrStore adapts the SSH sub-db to scraddr.Store, keyed by the
// 33-byte ScrAddrKey per spec.md section 6's "SSH keyed by address".
type ScrAddrStore struct {
	kv *Store
}

// NewScrAddrStore wraps kv's SSH sub-db for use by a scraddr.Filter.
func NewScrAddrStore(kv *Store) *ScrAddrStore {
	return &ScrAddrStore{kv: kv}
}

func marshalScrAddrRecord(r scraddr.Record) []byte {
	var buf [5]byte
	binary.LittleEndian.PutUint32(buf[:4], r.SyncHeight)
	if r.Historical {
		buf[4] = 1
	}
	return buf[:]
}

func unmarshalScrAddrRecord(b []byte) (scraddr.Record, error) {
	if len(b) < 5 {
		return scraddr.Record{}, fmt.Errorf("kvstore: short SSH record (%d bytes)", len(b))
	}
	return scraddr.Record{
		SyncHeight: binary.LittleEndian.Uint32(b[:4]),
		Historical: b[4] == 1,
	}, nil
}

// LoadAll reads every watched address's cursor, for Filter.Load at
// startup.
func (s *ScrAddrStore) LoadAll() (map[rawblock.ScrAddrKey]scraddr.Record, error) {
	out := make(map[rawblock.ScrAddrKey]scraddr.Record)
	err := s.kv.View(SSH, func(t *ReadTxn) error {
		return t.ScanRange(nil, nil, func(key, value []byte) bool {
			if len(key) != 33 {
				return true // skip the reserved DBInfo key and any foreign entries
			}
			rec, err := unmarshalScrAddrRecord(value)
			if err != nil {
				return true
			}
			var k rawblock.ScrAddrKey
			copy(k[:], key)
			out[k] = rec
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: load SSH: %w", err)
	}
	return out, nil
}

// Save persists one address's cursor.
func (s *ScrAddrStore) Save(key rawblock.ScrAddrKey, rec scraddr.Record) error {
	return s.kv.Update(SSH, func(t *WriteTxn) error {
		t.Put(key[:], marshalScrAddrRecord(rec))
		return nil
	})
}
