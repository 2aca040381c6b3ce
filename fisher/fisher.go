// Package fisher implements the one-sided Fisher exact test path with
// Tarone screening and Tarone-Bonferroni correction, the alternative to the
// permutation path for binary-mode runs.
//
// The hypergeometric tail is computed directly from log-binomial
// coefficients (math.Lgamma) rather than gonum's stat/distuv.Hypergeometric:
// that type's draw-count field is unexported, so it cannot be constructed
// from outside its defining package.
package fisher

import (
	"math"
	"sort"
)

// Table is a family's 2x2 contingency table: foreground vs background,
// crossed with concordant vs not, for the fixed margins (|fg|, |concordant|,
// total branches) that the permutation scheme would otherwise use to build
// its null.
type Table struct {
	TotalBranches int
	Concordant    int // total concordant branches across foreground + background
	Foreground    int // |fg|
	Observed      int // concordant branches within fg
}

// OneSidedP computes the one-sided hypergeometric p-value for foreground
// enrichment: P(X >= Observed) under Hypergeometric(N=TotalBranches,
// K=Concordant, n=Foreground).
func (tb Table) OneSidedP() float64 {
	return pAtLeast(tb.TotalBranches, tb.Concordant, tb.Foreground, tb.Observed)
}

// PMinAttainable is the smallest hypergeometric p-value achievable over all
// tables sharing tb's margins, i.e. the one-sided p evaluated at the most
// extreme possible overlap count.
func (tb Table) PMinAttainable() float64 {
	maxA := tb.Foreground
	if tb.Concordant < maxA {
		maxA = tb.Concordant
	}
	return pAtLeast(tb.TotalBranches, tb.Concordant, tb.Foreground, maxA)
}

// pAtLeast sums the hypergeometric pmf from observed to the largest
// attainable overlap count, given margins (N, K, n).
func pAtLeast(total, concordant, foreground, observed int) float64 {
	maxA := foreground
	if concordant < maxA {
		maxA = concordant
	}
	minA := 0
	if foreground+concordant-total > minA {
		minA = foreground + concordant - total
	}
	if observed < minA {
		observed = minA
	}
	if observed > maxA {
		return 0
	}
	logDenom := logChoose(total, foreground)
	sum := 0.0
	for a := observed; a <= maxA; a++ {
		logNum := logChoose(concordant, a) + logChoose(total-concordant, foreground-a)
		sum += math.Exp(logNum - logDenom)
	}
	if sum > 1 {
		sum = 1
	}
	return sum
}

// logChoose returns log(C(n,k)), or -Inf if k is outside [0,n].
func logChoose(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	a, _ := math.Lgamma(float64(n + 1))
	b, _ := math.Lgamma(float64(k + 1))
	c, _ := math.Lgamma(float64(n-k+1))
	return a - b - c
}

// TaroneResult is one family's Tarone-screened outcome.
type TaroneResult struct {
	PMinAttainable    float64
	PFisher           float64
	Testable          bool
	PBonferroniTarone float64 // min(1, PFisher * MTestable); only meaningful when Testable
}

// ApplyTarone screens a batch of per-family tables against Tarone's
// procedure: families whose minimum attainable p exceeds the Tarone
// threshold alpha* are excluded from the effective denominator and marked
// untestable. alphaStar is alpha/k for the largest k in 1..m for which at
// least k families have p_min_attainable <= alpha/k; mTestable is that k.
func ApplyTarone(tables []Table, fwerAlpha float64) (results []TaroneResult, alphaStar float64, mTestable int) {
	m := len(tables)
	pMins := make([]float64, m)
	pFishers := make([]float64, m)
	for i, tb := range tables {
		pMins[i] = tb.PMinAttainable()
		pFishers[i] = tb.OneSidedP()
	}

	sorted := append([]float64(nil), pMins...)
	sort.Float64s(sorted)

	best := 0
	for k := m; k >= 1; k-- {
		threshold := fwerAlpha / float64(k)
		count := 0
		for _, p := range sorted {
			if p <= threshold {
				count++
			}
		}
		if count >= k {
			best = k
			break
		}
	}

	if best == 0 {
		alphaStar, mTestable = 0, 0
	} else {
		alphaStar = fwerAlpha / float64(best)
		mTestable = best
	}

	results = make([]TaroneResult, m)
	for i := range tables {
		testable := pMins[i] <= alphaStar && mTestable > 0
		r := TaroneResult{PMinAttainable: pMins[i], PFisher: pFishers[i], Testable: testable}
		if testable {
			adj := pFishers[i] * float64(mTestable)
			if adj > 1 {
				adj = 1
			}
			r.PBonferroniTarone = adj
		}
		results[i] = r
	}
	return results, alphaStar, mTestable
}
