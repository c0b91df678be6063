package headerchain

import "math/big"

// targetFromBits expands a compact difficulty-bits field into its full
// 256-bit target, the same decoding gocoin's btc.SetCompact performs.
func targetFromBits(bits uint32) *big.Int {
	size := bits >> 24
	word := bits & 0x007fffff
	neg := bits&0x00800000 != 0

	var res *big.Int
	if size <= 3 {
		res = big.NewInt(int64(word >> (8 * (3 - size))))
	} else {
		res = new(big.Int).Lsh(big.NewInt(int64(word)), uint(8*(size-3)))
	}
	if neg {
		res.Neg(res)
	}
	return res
}

var twoTo256 = new(big.Int).Lsh(big.NewInt(1), 256)

// workFromBits returns the proof-of-work one block at this difficulty
// contributes to the chain's cumulative work: 2^256 / (target+1), the
// quantity spec.md section 4.C names for chain-tip selection.
func workFromBits(bits uint32) *big.Int {
	target := targetFromBits(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(twoTo256, denom)
}
