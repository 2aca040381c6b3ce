package tree

import "github.com/fredericlemoine/bitset"

// Bits is a fixed-size bitmask addressed by branch index (or, for Tips,
// by tip index). It is the one representation shared by ancestor sets,
// descendant sets, tip sets, foreground sets, and permutation samples, so
// that every component after the canonicalizer can intersect and compare
// them directly.
type Bits = bitset.BitSet

// NewBits allocates a cleared bitmask over n positions.
func NewBits(n uint) *Bits {
	return bitset.New(n)
}

// popcount returns the number of set bits.
func popcount(b *Bits) int {
	return int(b.Count())
}

// setBits returns the sorted list of set bit indices.
func setBits(b *Bits, n uint) []int {
	out := make([]int, 0, popcount(b))
	for i := uint(0); i < n; i++ {
		if b.Test(i) {
			out = append(out, int(i))
		}
	}
	return out
}

// SetBits returns the sorted list of indices set in b, over a universe of
// size n. Used wherever a caller outside this package needs a foreground
// or sample mask as a plain branch-index slice (engine).
func SetBits(b *Bits, n uint) []int {
	return setBits(b, n)
}
