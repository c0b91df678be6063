package scraddr

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gocoin/blkindexer/internal/rawblock"
)

type memStore struct {
	mu   sync.Mutex
	recs map[rawblock.ScrAddrKey]Record
}

func newMemStore() *memStore { return &memStore{recs: make(map[rawblock.ScrAddrKey]Record)} }

func (m *memStore) LoadAll() (map[rawblock.ScrAddrKey]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[rawblock.ScrAddrKey]Record, len(m.recs))
	for k, v := range m.recs {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) Save(key rawblock.ScrAddrKey, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[key] = rec
	return nil
}

type fakeRescanner struct {
	top       uint32
	applyErr  error
	applied   []struct{ start, end uint32 }
	mu        sync.Mutex
}

func (r *fakeRescanner) CurrentTopBlockHeight() uint32 { return r.top }

func (r *fakeRescanner) ApplyBlockRangeToDB(ctx context.Context, start, end uint32) error {
	r.mu.Lock()
	r.applied = append(r.applied, struct{ start, end uint32 }{start, end})
	r.mu.Unlock()
	return r.applyErr
}

func key(b byte) rawblock.ScrAddrKey {
	var k rawblock.ScrAddrKey
	k[1] = b
	return k
}

func TestRegisterNewAddressNeedsNoRescan(t *testing.T) {
	f := New(newMemStore(), nil)
	rescanner := &fakeRescanner{top: 100}

	var called bool
	var doneErr error
	wait := make(chan struct{})
	f.Register(context.Background(), []AddressRequest{{Key: key(1)}}, rescanner, func(err error) {
		called = true
		doneErr = err
		close(wait)
	})
	<-wait

	require.True(t, called)
	require.NoError(t, doneErr)
	require.Empty(t, rescanner.applied)

	rec, ok := f.Contains(key(1))
	require.True(t, ok)
	require.False(t, rec.Historical)
	require.EqualValues(t, 100, rec.SyncHeight)
}

func TestRegisterHistoricalAddressTriggersBoundedRescan(t *testing.T) {
	f := New(newMemStore(), nil)
	rescanner := &fakeRescanner{top: 100}

	from20 := uint32(20)
	from50 := uint32(50)
	wait := make(chan error, 1)
	f.Register(context.Background(), []AddressRequest{
		{Key: key(1), KnownFromHeight: &from50},
		{Key: key(2), KnownFromHeight: &from20},
	}, rescanner, func(err error) { wait <- err })

	err := <-wait
	require.NoError(t, err)
	require.Len(t, rescanner.applied, 1)
	require.EqualValues(t, 20, rescanner.applied[0].start) // min of the two known-from heights
	require.EqualValues(t, 100, rescanner.applied[0].end)

	rec, ok := f.Contains(key(1))
	require.True(t, ok)
	require.True(t, rec.Historical)
	require.EqualValues(t, 100, rec.SyncHeight) // advanced to top after the rescan committed
}

func TestRegisterAlreadyWatchedAddressIsUntouched(t *testing.T) {
	f := New(newMemStore(), nil)
	rescanner := &fakeRescanner{top: 10}
	f.entries[key(1)] = Record{SyncHeight: 3, Historical: true}

	wait := make(chan struct{})
	f.Register(context.Background(), []AddressRequest{{Key: key(1)}}, rescanner, func(error) { close(wait) })
	<-wait

	rec, _ := f.Contains(key(1))
	require.EqualValues(t, 3, rec.SyncHeight) // unchanged: already in the set
	require.Empty(t, rescanner.applied)
}

func TestAdvancePersistsCursor(t *testing.T) {
	store := newMemStore()
	f := New(store, nil)
	f.entries[key(1)] = Record{SyncHeight: 5}

	require.NoError(t, f.Advance(key(1), 6))
	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.EqualValues(t, 6, loaded[key(1)].SyncHeight)
}

func TestWatchesReflectsMembership(t *testing.T) {
	f := New(newMemStore(), nil)
	require.False(t, f.Watches(key(1)))
	f.entries[key(1)] = Record{}
	require.True(t, f.Watches(key(1)))
}
