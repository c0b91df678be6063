// Package chainparams holds the small set of network-dependent constants
// the indexer needs. It is threaded through construction as an immutable
// value rather than kept as process-wide mutable state, so an instance
// can index main, testnet, and regtest data directories side by side
// within the same process if a caller wants to.
package chainparams

// Network identifies one of the three recognized Bitcoin networks.
type Network int

const (
	Main Network = iota
	Testnet
	Regtest
)

// Params bundles the network-dependent constants that the block-file
// reader, header chain, and address extraction all need.
type Params struct {
	Name Network

	// Magic is the 4-byte prefix delimiting blocks in blkNNNNN.dat files.
	Magic [4]byte

	// GenesisHash is the hash of the network's genesis block, in the
	// same byte order rawblock.ParseHeader returns (internal, not display).
	GenesisHash [32]byte

	// PubKeyHashAddrID / ScriptHashAddrID are the version bytes for
	// P2PKH and P2SH base58 addresses.
	PubKeyHashAddrID byte
	ScriptHashAddrID byte

	// Bech32HRP is the human-readable part for native segwit addresses.
	Bech32HRP string

	DefaultPort string

	// GenesisVersion/GenesisMerkleRoot/GenesisTimestamp/GenesisBits/
	// GenesisNonce are the genesis block's header fields other than its
	// all-zero prev-hash, stored separately rather than as a
	// rawblock.Header because rawblock already imports this package for
	// address classification — a reverse import would cycle.
	// genesisHeaderFromParams in cmd/blkindexer
	// assembles these into a real header when no block file is present
	// to read one from (spec.md section 8's empty-block-directory case).
	GenesisVersion    uint32
	GenesisMerkleRoot [32]byte
	GenesisTimestamp  uint32
	GenesisBits       uint32
	GenesisNonce      uint32
}

// Genesis hashes below are stored in internal (little-endian, as they
// appear on the wire) byte order, i.e. the reverse of their familiar
// big-endian display form.
var mainGenesis = [32]byte{
	0x6f, 0xe2, 0x8c, 0x0a, 0xb6, 0xf1, 0xb3, 0x72,
	0xc1, 0xa6, 0xa2, 0x46, 0xae, 0x63, 0xf7, 0x4f,
	0x93, 0x1e, 0x83, 0x65, 0xe1, 0x5a, 0x08, 0x9c,
	0x68, 0xd6, 0x19, 0x00, 0x00, 0x00, 0x00, 0x00,
}

var testnetGenesis = [32]byte{
	0x43, 0x49, 0x7f, 0xd7, 0xf8, 0x26, 0x95, 0x71,
	0x08, 0xf4, 0xa3, 0x0f, 0xd9, 0xce, 0xc3, 0xae,
	0xba, 0x79, 0x97, 0x20, 0x84, 0xe9, 0x0e, 0xad,
	0x01, 0xea, 0x33, 0x09, 0x00, 0x00, 0x00, 0x00,
}

var regtestGenesis = [32]byte{
	0x06, 0x22, 0x6e, 0x46, 0x11, 0x1a, 0x0b, 0x59,
	0xca, 0xaf, 0x12, 0x60, 0x43, 0xeb, 0x5b, 0xbf,
	0x28, 0xc3, 0x4f, 0x3a, 0x5e, 0x33, 0x2a, 0x1f,
	0xc7, 0xb2, 0xb7, 0x3c, 0xf1, 0x88, 0x91, 0x0f,
}

// genesisMerkleRoot is the single coinbase transaction's hash, shared
// by all three networks' genesis blocks (only the header's timestamp,
// bits, and nonce vary per network — the coinbase script is identical).
var genesisMerkleRoot = [32]byte{
	0x3b, 0xa3, 0xed, 0xfd, 0x7a, 0x7b, 0x12, 0xb2,
	0x7a, 0xc7, 0x2c, 0x3e, 0x67, 0x76, 0x8f, 0x61,
	0x7f, 0xc8, 0x1b, 0xc3, 0x88, 0x8a, 0x51, 0x32,
	0x3a, 0x9f, 0xb8, 0xaa, 0x4b, 0x1e, 0x5e, 0x4a,
}

// MainNetParams, TestNetParams, RegtestParams are the three networks
// recognized in spec.md section 3.
var (
	MainNetParams = Params{
		Name:              Main,
		Magic:             [4]byte{0xf9, 0xbe, 0xb4, 0xd9},
		GenesisHash:       mainGenesis,
		PubKeyHashAddrID:  0x00,
		ScriptHashAddrID:  0x05,
		Bech32HRP:         "bc",
		DefaultPort:       "8333",
		GenesisVersion:    1,
		GenesisMerkleRoot: genesisMerkleRoot,
		GenesisTimestamp:  1231006505,
		GenesisBits:       0x1d00ffff,
		GenesisNonce:      2083236893,
	}

	TestNetParams = Params{
		Name:              Testnet,
		Magic:             [4]byte{0x0b, 0x11, 0x09, 0x07},
		GenesisHash:       testnetGenesis,
		PubKeyHashAddrID:  0x6f,
		ScriptHashAddrID:  0xc4,
		Bech32HRP:         "tb",
		DefaultPort:       "18333",
		GenesisVersion:    1,
		GenesisMerkleRoot: genesisMerkleRoot,
		GenesisTimestamp:  1296688602,
		GenesisBits:       0x1d00ffff,
		GenesisNonce:      414098458,
	}

	RegtestParams = Params{
		Name:              Regtest,
		Magic:             [4]byte{0xfa, 0xbf, 0xb5, 0xda},
		GenesisHash:       regtestGenesis,
		PubKeyHashAddrID:  0x6f,
		ScriptHashAddrID:  0xc4,
		Bech32HRP:         "bcrt",
		DefaultPort:       "18444",
		GenesisVersion:    1,
		GenesisMerkleRoot: genesisMerkleRoot,
		GenesisTimestamp:  1296688602,
		GenesisBits:       0x207fffff,
		GenesisNonce:      2,
	}
)

// ForNetwork returns the canned Params for one of the three recognized
// networks.
func ForNetwork(n Network) Params {
	switch n {
	case Testnet:
		return TestNetParams
	case Regtest:
		return RegtestParams
	default:
		return MainNetParams
	}
}
