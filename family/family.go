// Package family materializes, once per family, the per-branch delta
// vectors, sign masks, and (in rate mode) per-branch rates that the test
// engine scores against the foreground.
package family

import (
	"github.com/evolbioinfo/cafeshift/io/cafe"
	"github.com/evolbioinfo/cafeshift/tree"
)

// Family is the per-family branch-delta view used by the test engine.
type Family struct {
	ID       string
	Delta    []int // per branch index, default 0; root is never represented
	PosMask  *tree.Bits
	NegMask  *tree.Bits
	Rate     []float64 // only populated in rate mode, for branches with Length>0
	HasRate  *tree.Bits
	SigMask  *tree.Bits // CAFE-significance mask; nil when not enabled
	hasSig   bool
}

// HasSignificanceMask reports whether a CAFE-significance mask was
// attached to this family.
func (f *Family) HasSignificanceMask() bool { return f.hasSig }

// Build materializes one family's data against a canonicalized tree.
func Build(t *tree.Tree, id string, changes *cafe.ChangeTable, rateMode bool) *Family {
	n := t.NBranches()
	fam := &Family{
		ID:      id,
		Delta:   make([]int, n),
		PosMask: tree.NewBits(uint(n)),
		NegMask: tree.NewBits(uint(n)),
	}
	if rateMode {
		fam.Rate = make([]float64, n)
		fam.HasRate = tree.NewBits(uint(n))
	}
	for b := 0; b < n; b++ {
		br := t.Branch(b)
		d := changes.Delta(id, br.Key)
		fam.Delta[b] = d
		if d > 0 {
			fam.PosMask.Set(uint(b))
		} else if d < 0 {
			fam.NegMask.Set(uint(b))
		}
		if rateMode && br.Length > 0 {
			fam.Rate[b] = float64(d) / br.Length
			fam.HasRate.Set(uint(b))
		}
	}
	return fam
}

// AttachSignificance intersects the family's CAFE-significance mask
// (branches whose CAFE branch probability <= cafeAlpha) into the family,
// for use when the run is configured with cafe_significant_only.
func (f *Family) AttachSignificance(t *tree.Tree, probs *cafe.ProbabilityTable, cafeAlpha float64) {
	n := t.NBranches()
	mask := tree.NewBits(uint(n))
	for b := 0; b < n; b++ {
		br := t.Branch(b)
		p, ok := probs.Probability(f.ID, br.Key)
		if ok && p <= cafeAlpha {
			mask.Set(uint(b))
		}
	}
	f.SigMask = mask
	f.hasSig = true
}
