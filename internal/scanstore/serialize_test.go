package scanstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxOutKeyFieldRoundTrip(t *testing.T) {
	k := NewTxOutKey(123456, 1, 42, 7)
	require.EqualValues(t, 123456, k.Height())
	require.EqualValues(t, 1, k.DupID())
	require.EqualValues(t, 42, k.TxIndex())
	require.EqualValues(t, 7, k.OutIndex())
}

func TestMarshalTxOutRoundTripUnspent(t *testing.T) {
	v := StoredTxOut{
		Key:        NewTxOutKey(2, 0, 0, 0),
		Value:      5_000_000_000,
		Script:     []byte{0x76, 0xa9, 0x14},
		ParentTx:   [32]byte{1, 2, 3},
		ScriptAddr: [33]byte{1, 9, 9},
		Spentness:  Unspent,
	}
	got, err := UnmarshalTxOut(MarshalTxOut(v))
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestMarshalTxOutRoundTripSpent(t *testing.T) {
	spentBy := NewTxOutKey(4, 0, 1, 0)
	v := StoredTxOut{
		Key:        NewTxOutKey(2, 0, 0, 0),
		Value:      5_000_000_000,
		Script:     []byte{0xa9, 0x14},
		ScriptAddr: [33]byte{2},
		Spentness:  SpentBy(spentBy),
	}
	got, err := UnmarshalTxOut(MarshalTxOut(v))
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestMarshalSubSSHRoundTrip(t *testing.T) {
	spendKey := NewTxOutKey(4, 0, 1, 0)
	v := StoredSubSSH{
		ScriptAddr: [33]byte{7},
		Height:     2,
		DupID:      0,
		Entries: map[TxIOKey]TxIOPair{
			NewTxOutKey(2, 0, 0, 0): {TxOutKey: NewTxOutKey(2, 0, 0, 0), Value: 100, TxInKey: &spendKey},
			NewTxOutKey(2, 0, 0, 1): {TxOutKey: NewTxOutKey(2, 0, 0, 1), Value: 200},
		},
	}
	got, err := UnmarshalSubSSH(MarshalSubSSH(v))
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestMergeTxHintDeduplicates(t *testing.T) {
	base := StoredTxHint{Prefix: [4]byte{1, 2, 3, 4}, Keys: []TxKey{NewTxKey(1, 0, 0)}}
	merged := MergeTxHint(base, NewTxKey(1, 0, 0), NewTxKey(2, 0, 5))
	require.Len(t, merged.Keys, 2)
}

func TestMarshalTxHintRoundTrip(t *testing.T) {
	v := StoredTxHint{Prefix: [4]byte{9, 9, 9, 9}, Keys: []TxKey{NewTxKey(1, 0, 0), NewTxKey(2, 1, 3)}}
	got, err := UnmarshalTxHint(MarshalTxHint(v))
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestMarshalDBInfoRoundTrip(t *testing.T) {
	v := StoredDBInfo{Magic: [4]byte{0xf9, 0xbe, 0xb4, 0xd9}, Schema: SchemaSTXO, TopBlockHash: [32]byte{5}}
	got, err := UnmarshalDBInfo(MarshalDBInfo(v))
	require.NoError(t, err)
	require.Equal(t, v, got)
}
