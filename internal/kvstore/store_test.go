package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocoin/blkindexer/internal/rawblock"
	"github.com/gocoin/blkindexer/internal/scanstore"
	"github.com/gocoin/blkindexer/internal/scraddr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestOpenCreatesEverySubDB(t *testing.T) {
	s := openTestStore(t)
	for _, name := range All {
		_, err := s.db(name)
		require.NoError(t, err, "sub-db %s missing", name)
	}
}

func TestUpdateThenViewRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Update(STXO, func(t *WriteTxn) error {
		t.Put([]byte("k1"), []byte("v1"))
		t.Put([]byte("k2"), []byte("v2"))
		return nil
	}))

	err := s.View(STXO, func(txn *ReadTxn) error {
		v, ok, err := txn.Get([]byte("k1"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v1", string(v))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateAbortsOnError(t *testing.T) {
	s := openTestStore(t)
	require.Error(t, s.Update(STXO, func(t *WriteTxn) error {
		t.Put([]byte("never"), []byte("written"))
		return assert.AnError
	}))

	err := s.View(STXO, func(txn *ReadTxn) error {
		_, ok, err := txn.Get([]byte("never"))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestScanPrefixOrdersAscending(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Update(History, func(t *WriteTxn) error {
		t.Put([]byte("addr\x00\x00\x00\x03"), []byte("c"))
		t.Put([]byte("addr\x00\x00\x00\x01"), []byte("a"))
		t.Put([]byte("addr\x00\x00\x00\x02"), []byte("b"))
		return nil
	}))

	var got []string
	err := s.View(History, func(t *ReadTxn) error {
		return t.ScanPrefix([]byte("addr"), func(_, value []byte) bool {
			got = append(got, string(value))
			return true
		})
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDBInfoRoundTripsThroughWriteTxn(t *testing.T) {
	s := openTestStore(t)
	info := scanstore.StoredDBInfo{Magic: [4]byte{1, 2, 3, 4}, Schema: scanstore.SchemaHistory, TopBlockHash: [32]byte{9}}
	require.NoError(t, s.Update(History, func(t *WriteTxn) error {
		t.PutDBInfo(info)
		return nil
	}))

	err := s.View(History, func(txn *ReadTxn) error {
		got, ok, err := txn.DBInfo()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, info, got)
		return nil
	})
	require.NoError(t, err)
}

func TestWipeClearsSubDBButLeavesOthers(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Update(STXO, func(t *WriteTxn) error {
		t.Put([]byte("k"), []byte("v"))
		return nil
	}))
	require.NoError(t, s.Update(History, func(t *WriteTxn) error {
		t.Put([]byte("k"), []byte("v"))
		return nil
	}))

	require.NoError(t, s.Wipe(STXO))

	err := s.View(STXO, func(txn *ReadTxn) error {
		_, ok, err := txn.Get([]byte("k"))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)

	err = s.View(History, func(txn *ReadTxn) error {
		_, ok, err := txn.Get([]byte("k"))
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestScrAddrStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	store := NewScrAddrStore(s)

	var k rawblock.ScrAddrKey
	k[0] = byte(1)
	k[1] = 0xaa

	require.NoError(t, store.Save(k, scraddr.Record{SyncHeight: 42, Historical: true}))

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.Equal(t, scraddr.Record{SyncHeight: 42, Historical: true}, loaded[k])
}
