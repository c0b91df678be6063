package rawblock

import "crypto/sha256"

// DoubleSha256 returns SHA256(SHA256(b)). Header and transaction hashes
// are both defined as this function applied to their serialized bytes.
func DoubleSha256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// ReverseHash returns a copy of h with the byte order reversed, the
// convention used when displaying or comparing against big-endian
// (RPC/explorer style) hash strings.
func ReverseHash(h [32]byte) [32]byte {
	var out [32]byte
	for i := range h {
		out[i] = h[31-i]
	}
	return out
}
