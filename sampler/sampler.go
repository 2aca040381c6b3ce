// Package sampler draws topology-constrained permutation samples: branch
// subsets that preserve the observed foreground's clade-size-bin
// composition and the ancestor/descendant disjointness required for an
// exchangeable null, per spec §4.D.
package sampler

import (
	"fmt"
	"math/rand"

	"github.com/OneOfOne/xxhash"

	"github.com/evolbioinfo/cafeshift/tree"
)

// retryMultiplier is the per-bin bounded retry budget, 64x the bin's
// requested count, per spec §4.D step 2.
const retryMultiplier = 64

// maxRestarts bounds the number of whole-set reshuffles for one drawn set
// (S01 or S10) before that draw is reported as a sampling-budget failure:
// a fixed 10 restarts per set, independent of the sample target.
const maxRestarts = 10

// Binning indexes a tree's branches by clade-size bin, computed once and
// reused across every family and sample for a run.
type Binning struct {
	bins  map[int][]int
	order []int // bin values, ascending
}

// NewBinning precomputes the bin -> branch-index partition for a tree.
func NewBinning(t *tree.Tree) *Binning {
	b := &Binning{bins: map[int][]int{}}
	for i := 0; i < t.NBranches(); i++ {
		v := t.Bin(i)
		b.bins[v] = append(b.bins[v], i)
	}
	for v := range b.bins {
		b.order = append(b.order, v)
	}
	sortInts(b.order)
	return b
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// BinCounts returns, for a bitmask, the number of set bits per bin.
func (b *Binning) BinCounts(t *tree.Tree, mask *tree.Bits) map[int]int {
	counts := map[int]int{}
	for _, v := range b.order {
		c := 0
		for _, idx := range b.bins[v] {
			if mask.Test(uint(idx)) {
				c++
			}
		}
		if c > 0 {
			counts[v] = c
		}
	}
	return counts
}

// Sample is one drawn permutation.
type Sample struct {
	Set                   *tree.Bits
	S01, S10              []int
	Restarts              int
	FellBackToIndependent bool
}

// SeedFor derives the deterministic per-sample seed from (seed, familyID,
// stage, sampleIndex), so the same sample is drawn regardless of
// sequential-vs-parallel execution order, per spec §4.D/§5.
func SeedFor(seed uint64, familyID, stage string, sampleIndex int) uint64 {
	h := xxhash.New64()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%d", seed, familyID, stage, sampleIndex)
	return h.Sum64()
}

// Draw produces one constrained sample. target01/target10 are the
// per-bin counts to match (derived from the observed foreground's bin
// composition for each mark type); includeLoss enables loss-after-gain
// dependent sampling of S10.
func Draw(t *tree.Tree, b *Binning, rng *rand.Rand, target01, target10 map[int]int, includeLoss bool) (*Sample, error) {
	s01, restarts01, err := drawSet(t, b, rng, target01)
	if err != nil {
		return nil, fmt.Errorf("sampler: S01: %w", err)
	}

	var s10 []int
	restarts10 := 0
	fellBack := false
	if len(target10) > 0 {
		if includeLoss {
			s10, restarts10, fellBack, err = drawDependent(t, b, rng, target10, s01)
		} else {
			s10, restarts10, err = drawSet(t, b, rng, target10)
		}
		if err != nil {
			return nil, fmt.Errorf("sampler: S10: %w", err)
		}
	}

	n := t.NBranches()
	set := tree.NewBits(uint(n))
	for _, idx := range s01 {
		set.Set(uint(idx))
	}
	for _, idx := range s10 {
		set.Set(uint(idx))
	}
	return &Sample{
		Set: set, S01: s01, S10: s10,
		Restarts:              restarts01 + restarts10,
		FellBackToIndependent: fellBack,
	}, nil
}

// drawSet draws a bin-stratified set with ancestor/descendant disjointness
// enforced within the set itself (spec §4.D constraint 2).
func drawSet(t *tree.Tree, b *Binning, rng *rand.Rand, target map[int]int) ([]int, int, error) {
	for restart := 0; restart <= maxRestarts; restart++ {
		chosen, ok := attemptDraw(t, b, rng, target, restrictPools(b, target))
		if ok {
			return chosen, restart, nil
		}
	}
	return nil, maxRestarts, fmt.Errorf("exhausted restart budget (%d)", maxRestarts)
}

// drawDependent attempts dependent sampling of S10 (restricted to
// descendants of S01), falling back to independent sampling of S10 from
// the full bin if any bin's dependent candidate pool is too small.
func drawDependent(t *tree.Tree, b *Binning, rng *rand.Rand, target map[int]int, s01 []int) ([]int, int, bool, error) {
	descendantsOfS01 := tree.NewBits(uint(t.NBranches()))
	for _, idx := range s01 {
		descendantsOfS01.InPlaceUnion(t.Descendants(idx))
	}
	restricted := map[int][]int{}
	feasible := true
	for v, want := range target {
		var pool []int
		for _, idx := range b.bins[v] {
			if descendantsOfS01.Test(uint(idx)) {
				pool = append(pool, idx)
			}
		}
		if len(pool) < want {
			feasible = false
			break
		}
		restricted[v] = pool
	}
	if feasible {
		for restart := 0; restart <= maxRestarts; restart++ {
			chosen, ok := attemptDraw(t, b, rng, target, restricted)
			if ok {
				return chosen, restart, false, nil
			}
		}
		// Retry budget exhausted under dependent sampling; fall through to
		// independent sampling rather than failing the family outright.
	}
	chosen, restarts, err := drawSet(t, b, rng, target)
	return chosen, restarts, true, err
}

func restrictPools(b *Binning, target map[int]int) map[int][]int {
	pools := map[int][]int{}
	for v := range target {
		pools[v] = b.bins[v]
	}
	return pools
}

func attemptDraw(t *tree.Tree, b *Binning, rng *rand.Rand, target map[int]int, pools map[int][]int) ([]int, bool) {
	var chosen []int
	for _, v := range b.order {
		want := target[v]
		if want == 0 {
			continue
		}
		pool := pools[v]
		if len(pool) < want {
			return nil, false
		}
		budget := retryMultiplier * want
		picked := false
		for attempt := 0; attempt < budget; attempt++ {
			perm := rng.Perm(len(pool))
			cand := make([]int, want)
			for i := 0; i < want; i++ {
				cand[i] = pool[perm[i]]
			}
			if !internalConflict(t, cand) && !crossConflict(t, cand, chosen) {
				chosen = append(chosen, cand...)
				picked = true
				break
			}
		}
		if !picked {
			return nil, false
		}
	}
	return chosen, true
}

func internalConflict(t *tree.Tree, set []int) bool {
	for i := 0; i < len(set); i++ {
		for j := i + 1; j < len(set); j++ {
			if t.OnSameRootToTipPath(set[i], set[j]) {
				return true
			}
		}
	}
	return false
}

func crossConflict(t *tree.Tree, a, b []int) bool {
	for _, x := range a {
		for _, y := range b {
			if t.OnSameRootToTipPath(x, y) {
				return true
			}
		}
	}
	return false
}
