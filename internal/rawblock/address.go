package rawblock

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/gocoin/blkindexer/internal/chainparams"
)

// AddressKind tags which standard script template an address hash was
// pulled from. The kind is folded into ScrAddrKey so that a P2SH and a
// P2WSH output that happen to hash to the same 20/32 bytes never
// collide in the watch set.
type AddressKind byte

const (
	AddrUnknown AddressKind = iota
	AddrP2PKH
	AddrP2SH
	AddrP2WPKH
	AddrP2WSH
	AddrP2TR
)

// ScrAddrKey is the fixed-size, hashable identifier for a watched
// script address: one tag byte followed by the hash/program, zero
// padded to 32 bytes.
type ScrAddrKey [33]byte

// ScriptAddress is a script's extracted address hash plus the template
// it came from.
type ScriptAddress struct {
	Kind AddressKind
	Hash []byte
}

// Key folds a ScriptAddress into its map key.
func (a ScriptAddress) Key() ScrAddrKey {
	var k ScrAddrKey
	k[0] = byte(a.Kind)
	copy(k[1:], a.Hash)
	return k
}

// ExtractAddress pulls the watch-address hash out of a transaction
// output script. It fast-paths the two script shapes gocoin's own
// NewAddrFromPkScript recognizes (P2PKH, P2SH byte patterns) and
// otherwise falls back to txscript's standard-script classifier, which
// additionally covers segwit v0 and taproot outputs that predate
// gocoin's address code. Returns ok=false for non-standard scripts —
// nothing is indexed for those, matching spec.md's ScrAddrFilter scope.
func ExtractAddress(pkScript []byte, params chainparams.Params) (ScriptAddress, bool) {
	if sa, ok := fastPathAddress(pkScript); ok {
		return sa, true
	}
	return txscriptAddress(pkScript, params)
}

// fastPathAddress recognizes the two legacy templates byte-for-byte, the
// way gocoin/lib/btc/addr.go's NewAddrFromPkScript does, without paying
// for opcode parsing.
func fastPathAddress(scr []byte) (ScriptAddress, bool) {
	switch {
	case len(scr) == 25 && scr[0] == 0x76 && scr[1] == 0xa9 && scr[2] == 0x14 && scr[23] == 0x88 && scr[24] == 0xac:
		return ScriptAddress{Kind: AddrP2PKH, Hash: append([]byte(nil), scr[3:23]...)}, true
	case len(scr) == 23 && scr[0] == 0xa9 && scr[1] == 0x14 && scr[22] == 0x87:
		return ScriptAddress{Kind: AddrP2SH, Hash: append([]byte(nil), scr[2:22]...)}, true
	}
	return ScriptAddress{}, false
}

func txscriptAddress(pkScript []byte, params chainparams.Params) (ScriptAddress, bool) {
	netParams := toBtcdParams(params)
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, netParams)
	if err != nil || len(addrs) != 1 {
		return ScriptAddress{}, false
	}

	switch class {
	case txscript.WitnessV0PubKeyHashTy:
		a, ok := addrs[0].(*btcutil.AddressWitnessPubKeyHash)
		if !ok {
			return ScriptAddress{}, false
		}
		h := a.Hash160()
		return ScriptAddress{Kind: AddrP2WPKH, Hash: append([]byte(nil), h[:]...)}, true
	case txscript.WitnessV0ScriptHashTy:
		a, ok := addrs[0].(*btcutil.AddressWitnessScriptHash)
		if !ok {
			return ScriptAddress{}, false
		}
		h := a.ScriptAddress()
		return ScriptAddress{Kind: AddrP2WSH, Hash: append([]byte(nil), h...)}, true
	case txscript.WitnessV1TaprootTy:
		a, ok := addrs[0].(*btcutil.AddressTaproot)
		if !ok {
			return ScriptAddress{}, false
		}
		h := a.WitnessProgram()
		return ScriptAddress{Kind: AddrP2TR, Hash: append([]byte(nil), h...)}, true
	default:
		return ScriptAddress{}, false
	}
}

func toBtcdParams(params chainparams.Params) *chaincfg.Params {
	switch params.Name {
	case chainparams.Testnet:
		return &chaincfg.TestNet3Params
	case chainparams.Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
