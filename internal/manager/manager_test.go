package manager

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gocoin/blkindexer/internal/blockfile"
	"github.com/gocoin/blkindexer/internal/chainparams"
	"github.com/gocoin/blkindexer/internal/headerchain"
	"github.com/gocoin/blkindexer/internal/index"
	"github.com/gocoin/blkindexer/internal/kvstore"
	"github.com/gocoin/blkindexer/internal/rawblock"
	"github.com/gocoin/blkindexer/internal/scanstore"
	"github.com/gocoin/blkindexer/internal/scraddr"
)

var testMagic = [4]byte{0xf9, 0xbe, 0xb4, 0xd9}

const testBits = 0x1d00ffff

func mkHeader(prev [32]byte, nonce uint32) ([32]byte, rawblock.Header) {
	h := rawblock.Header{PrevHash: prev, Bits: testBits, Nonce: nonce}
	raw := h.Serialize()
	parsed, hash, err := rawblock.ParseHeader(raw[:])
	if err != nil {
		panic(err)
	}
	return hash, parsed
}

func appendVarInt(b []byte, v uint64) []byte {
	var tmp [9]byte
	n := rawblock.PutVarInt(tmp[:], v)
	return append(b, tmp[:n]...)
}

type txIn struct {
	prevHash  [32]byte
	prevIndex uint32
	script    []byte
}

type txOut struct {
	value  uint64
	script []byte
}

func buildTx(ins []txIn, outs []txOut) []byte {
	var b []byte
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], 1)
	b = append(b, ver[:]...)

	b = appendVarInt(b, uint64(len(ins)))
	for _, in := range ins {
		b = append(b, in.prevHash[:]...)
		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], in.prevIndex)
		b = append(b, idx[:]...)
		b = appendVarInt(b, uint64(len(in.script)))
		b = append(b, in.script...)
		var seq [4]byte
		binary.LittleEndian.PutUint32(seq[:], 0xffffffff)
		b = append(b, seq[:]...)
	}

	b = appendVarInt(b, uint64(len(outs)))
	for _, out := range outs {
		var val [8]byte
		binary.LittleEndian.PutUint64(val[:], out.value)
		b = append(b, val[:]...)
		b = appendVarInt(b, uint64(len(out.script)))
		b = append(b, out.script...)
	}

	var lock [4]byte
	b = append(b, lock[:]...)
	return b
}

func buildBlockBody(h rawblock.Header, txs [][]byte) []byte {
	raw := h.Serialize()
	body := append([]byte{}, raw[:]...)
	body = appendVarInt(body, uint64(len(txs)))
	for _, tx := range txs {
		body = append(body, tx...)
	}
	return body
}

func recordBytes(body []byte) []byte {
	var hdr [8]byte
	copy(hdr[:4], testMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
	return append(hdr[:], body...)
}

func p2pkhScript(hash160 [20]byte) []byte {
	s := []byte{0x76, 0xa9, 0x14}
	s = append(s, hash160[:]...)
	s = append(s, 0x88, 0xac)
	return s
}

func coinbaseIn() txIn { return txIn{script: []byte{0x51}} }

func opReturnScript() []byte { return []byte{0x6a, 0x00} }

func unrelatedBlock(nonce uint32) func(prev [32]byte, n uint32) ([32]byte, []byte) {
	return func(prev [32]byte, _ uint32) ([32]byte, []byte) {
		hash, hdr := mkHeader(prev, nonce)
		body := buildBlockBody(hdr, [][]byte{buildTx([]txIn{coinbaseIn()}, []txOut{{value: 5000000000, script: opReturnScript()}})})
		return hash, recordBytes(body)
	}
}

// buildChain writes a sequence of blocks into one blk00000.dat and
// ingests their headers into a fresh headerchain.Store.
func buildChain(t *testing.T, dir string, bodies []func(prev [32]byte, nonce uint32) ([32]byte, []byte)) (*blockfile.Set, *headerchain.Store, map[int][32]byte) {
	t.Helper()

	var buf []byte
	var prev [32]byte
	hashes := make(map[int][32]byte)
	for i, b := range bodies {
		hash, record := b(prev, uint32(i))
		buf = append(buf, record...)
		hashes[i] = hash
		prev = hash
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blk00000.dat"), buf, 0o644))

	genesisHash, genesisHeader := mkHeader([32]byte{}, 0)
	require.Equal(t, genesisHash, hashes[0])

	files := blockfile.New(dir, testMagic, nil)
	require.NoError(t, files.Detect())
	store := headerchain.New(genesisHash, genesisHeader)
	ig := headerchain.NewIngest(files, store, nil)
	_, err := ig.Run()
	require.NoError(t, err)

	return files, store, hashes
}

func newManager(t *testing.T, files *blockfile.Set, chain *headerchain.Store, depth index.Depth, spawnID string) (*Manager, *kvstore.Store) {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "kv"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	filter := scraddr.New(kvstore.NewScrAddrStore(kv), nil)
	mgr := New(Config{
		Params:           chainparams.MainNetParams,
		NBlocksLookAhead: 2,
		ThreadCount:      1,
		Depth:            depth,
		SpawnID:          spawnID,
	}, files, chain, filter, kv, nil)
	return mgr, kv
}

func TestShutdownRequiresMatchingSpawnID(t *testing.T) {
	dir := t.TempDir()
	files, chain, _ := buildChain(t, dir, []func(prev [32]byte, n uint32) ([32]byte, []byte){unrelatedBlock(0)})
	mgr, _ := newManager(t, files, chain, index.Full, "secret")

	require.ErrorIs(t, mgr.Shutdown("wrong"), ErrBadSpawnID)
	require.NoError(t, mgr.Shutdown("secret"))
	require.Equal(t, Offline, mgr.State())
}

func TestInitAndUpdateScanThreeBlockChain(t *testing.T) {
	dir := t.TempDir()
	files, chain, hashes := buildChain(t, dir, []func(prev [32]byte, n uint32) ([32]byte, []byte){
		unrelatedBlock(0), unrelatedBlock(1), unrelatedBlock(2),
	})
	mgr, kv := newManager(t, files, chain, index.Full, "")

	require.NoError(t, mgr.Init(context.Background(), Normal))
	require.Equal(t, Ready, mgr.State())
	require.Equal(t, uint32(2), mgr.CurrentTopBlockHeight())

	require.NoError(t, kv.View(kvstore.STXO, func(txn *kvstore.ReadTxn) error {
		info, ok, err := txn.DBInfo()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, hashes[2], info.TopBlockHash)
		return nil
	}))

	// Extend the chain and confirm Update() picks up the new tail only.
	extraBody := func(prev [32]byte, n uint32) ([32]byte, []byte) {
		hash, hdr := mkHeader(prev, 3)
		body := buildBlockBody(hdr, [][]byte{buildTx([]txIn{coinbaseIn()}, []txOut{{value: 5000000000, script: opReturnScript()}})})
		return hash, recordBytes(body)
	}
	_, record := extraBody(hashes[2], 3)
	f, err := os.OpenFile(filepath.Join(dir, "blk00000.dat"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(record)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reorg, err := mgr.Update(context.Background())
	require.NoError(t, err)
	require.True(t, reorg.HasNewTop)
	require.Equal(t, uint32(3), mgr.CurrentTopBlockHeight())
}

func TestUpdateBeforeInitReturnsErrNotReady(t *testing.T) {
	dir := t.TempDir()
	files, chain, _ := buildChain(t, dir, []func(prev [32]byte, n uint32) ([32]byte, []byte){unrelatedBlock(0)})
	mgr, _ := newManager(t, files, chain, index.Full, "")

	_, err := mgr.Update(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
}

func TestResetDatabasesRescanWipesHistoryButKeepsAddressFilter(t *testing.T) {
	dir := t.TempDir()
	files, chain, _ := buildChain(t, dir, []func(prev [32]byte, n uint32) ([32]byte, []byte){
		unrelatedBlock(0), unrelatedBlock(1),
	})
	mgr, kv := newManager(t, files, chain, index.Full, "")
	require.NoError(t, mgr.Init(context.Background(), Normal))

	addr := rawblock.ScriptAddress{Kind: rawblock.AddrP2PKH, Hash: make([]byte, 20)}.Key()
	require.NoError(t, kvstore.NewScrAddrStore(kv).Save(addr, scraddr.Record{SyncHeight: 1}))

	require.NoError(t, kv.Update(kvstore.History, func(txn *kvstore.WriteTxn) error {
		txn.Put([]byte{0, 0, 1}, []byte("stale"))
		return nil
	}))

	require.NoError(t, mgr.resetDatabases(Rescan))

	require.NoError(t, kv.View(kvstore.History, func(txn *kvstore.ReadTxn) error {
		_, ok, err := txn.Get([]byte{0, 0, 1})
		require.NoError(t, err)
		require.False(t, ok, "Rescan must wipe HISTORY")
		return nil
	}))

	all, err := kvstore.NewScrAddrStore(kv).LoadAll()
	require.NoError(t, err)
	require.Contains(t, all, addr, "Rescan must not wipe the address filter's SSH cursors")
}

func TestResetDatabasesRescanBalancesPreservesAddressFilter(t *testing.T) {
	dir := t.TempDir()
	files, chain, _ := buildChain(t, dir, []func(prev [32]byte, n uint32) ([32]byte, []byte){unrelatedBlock(0)})
	mgr, kv := newManager(t, files, chain, index.Full, "")

	addr := rawblock.ScriptAddress{Kind: rawblock.AddrP2PKH, Hash: make([]byte, 20)}.Key()
	require.NoError(t, kvstore.NewScrAddrStore(kv).Save(addr, scraddr.Record{SyncHeight: 1}))
	require.NoError(t, mgr.filter.Load())

	require.NoError(t, kv.Update(kvstore.History, func(txn *kvstore.WriteTxn) error {
		txn.Put([]byte{0, 0, 1}, []byte("stale"))
		return nil
	}))

	require.NoError(t, mgr.resetDatabases(RescanBalances))

	all, err := kvstore.NewScrAddrStore(kv).LoadAll()
	require.NoError(t, err)
	require.Contains(t, all, addr, "RescanBalances must re-apply the address filter after wiping SSH")

	require.NoError(t, kv.View(kvstore.History, func(txn *kvstore.ReadTxn) error {
		_, ok, err := txn.Get([]byte{0, 0, 1})
		require.NoError(t, err)
		require.True(t, ok, "RescanBalances must only wipe SSH, not HISTORY")
		return nil
	}))
}

func TestResetDatabasesRebuildPreservesAddressFilter(t *testing.T) {
	dir := t.TempDir()
	files, chain, _ := buildChain(t, dir, []func(prev [32]byte, n uint32) ([32]byte, []byte){unrelatedBlock(0)})
	mgr, kv := newManager(t, files, chain, index.Full, "")

	addr := rawblock.ScriptAddress{Kind: rawblock.AddrP2PKH, Hash: make([]byte, 20)}.Key()
	require.NoError(t, kvstore.NewScrAddrStore(kv).Save(addr, scraddr.Record{SyncHeight: 1}))
	require.NoError(t, mgr.filter.Load())

	require.NoError(t, mgr.resetDatabases(Rebuild))

	all, err := kvstore.NewScrAddrStore(kv).LoadAll()
	require.NoError(t, err)
	require.Contains(t, all, addr, "Rebuild must re-apply the address filter after wiping every sub-db")
}

func TestStartHeightForModeUsesMaxOfAddrSyncAndTopScanned(t *testing.T) {
	dir := t.TempDir()
	files, chain, _ := buildChain(t, dir, []func(prev [32]byte, n uint32) ([32]byte, []byte){
		unrelatedBlock(0), unrelatedBlock(1), unrelatedBlock(2),
	})
	mgr, kv := newManager(t, files, chain, index.Full, "")

	require.Equal(t, uint32(0), mgr.startHeightForMode(Normal), "no scanned history and no addresses yet -> start at genesis")
	require.Equal(t, uint32(0), mgr.startHeightForMode(Rescan))
	require.Equal(t, uint32(0), mgr.startHeightForMode(Rebuild))

	addr := rawblock.ScriptAddress{Kind: rawblock.AddrP2PKH, Hash: make([]byte, 20)}.Key()
	require.NoError(t, kvstore.NewScrAddrStore(kv).Save(addr, scraddr.Record{SyncHeight: 2}))
	require.NoError(t, mgr.filter.Load())
	require.Equal(t, uint32(2), mgr.startHeightForMode(Normal), "with no scanned history, the address cursor wins")

	node1, ok := mgr.chain.GetByHeight(1)
	require.True(t, ok)
	require.NoError(t, kv.Update(kvstore.History, func(txn *kvstore.WriteTxn) error {
		txn.PutDBInfo(scanstore.StoredDBInfo{Schema: scanstore.SchemaHistory, TopBlockHash: node1.Hash})
		return nil
	}))
	require.Equal(t, uint32(1), mgr.topScannedHeight())
	require.Equal(t, uint32(2), mgr.startHeightForMode(Normal), "address cursor still wins when it is ahead of top-scanned")

	require.NoError(t, kvstore.NewScrAddrStore(kv).Save(addr, scraddr.Record{SyncHeight: 0}))
	require.NoError(t, mgr.filter.Load())
	require.Equal(t, uint32(1), mgr.startHeightForMode(Normal), "top-scanned wins once it is ahead of every address cursor")

	require.Equal(t, uint32(1), mgr.startHeightForMode(RescanBalances), "RescanBalances preserves the current top-scanned height instead of rescanning from genesis")
}

func TestRecomputeBalancesAfterRescanBalancesReflectsScannedHistory(t *testing.T) {
	dir := t.TempDir()
	var watchedHash160 [20]byte
	for i := range watchedHash160 {
		watchedHash160[i] = byte(i + 1)
	}
	addr := rawblock.ScriptAddress{Kind: rawblock.AddrP2PKH, Hash: watchedHash160[:]}.Key()

	receiveBlock := func(prev [32]byte, n uint32) ([32]byte, []byte) {
		hash, hdr := mkHeader(prev, n)
		body := buildBlockBody(hdr, [][]byte{buildTx([]txIn{coinbaseIn()}, []txOut{{value: 7500000000, script: p2pkhScript(watchedHash160)}})})
		return hash, recordBytes(body)
	}
	files, chain, _ := buildChain(t, dir, []func(prev [32]byte, n uint32) ([32]byte, []byte){unrelatedBlock(0), receiveBlock})
	mgr, kv := newManager(t, files, chain, index.Full, "")

	require.NoError(t, kvstore.NewScrAddrStore(kv).Save(addr, scraddr.Record{SyncHeight: 0}))
	require.NoError(t, mgr.Init(context.Background(), Normal))
	require.Equal(t, Ready, mgr.State())

	require.NoError(t, mgr.filter.Load())
	require.NoError(t, kv.Update(kvstore.SSH, func(txn *kvstore.WriteTxn) error {
		txn.Put(scriptHistoryKey(addr), []byte("stale"))
		return nil
	}))

	require.NoError(t, mgr.recomputeBalances())

	var got scanstore.StoredScriptHistory
	require.NoError(t, kv.View(kvstore.SSH, func(txn *kvstore.ReadTxn) error {
		raw, ok, err := txn.Get(scriptHistoryKey(addr))
		require.NoError(t, err)
		require.True(t, ok)
		got, err = scanstore.UnmarshalScriptHistory(raw)
		return err
	}))
	require.EqualValues(t, 7500000000, got.Balance)
	require.EqualValues(t, 1, got.TxCount)
	require.EqualValues(t, 1, got.FirstHeight)
}

func scriptHistoryKey(addr rawblock.ScrAddrKey) []byte {
	key := make([]byte, len(addr)+1)
	copy(key, addr[:])
	key[len(addr)] = 0xff
	return key
}
