// Package stats computes the per-family test statistics scored against the
// observed foreground and against each permutation sample, and the one-sided
// empirical p-value derived from the resulting null distribution.
package stats

import (
	"sort"

	"github.com/evolbioinfo/cafeshift/family"
	"github.com/evolbioinfo/cafeshift/tree"
)

// Direction selects the sign convention the statistic scores against.
type Direction int

const (
	DirectionGain Direction = iota
	DirectionLoss
)

// Mode selects the statistic family.
type Mode int

const (
	ModeBinary Mode = iota
	ModeRate
)

// Concordant01 reports whether branch b, a fg_01/S01-type branch, counts as
// concordant under direction d for family f.
func Concordant01(f *family.Family, b int, d Direction) bool {
	switch d {
	case DirectionGain:
		return f.PosMask.Test(uint(b))
	default:
		return f.NegMask.Test(uint(b))
	}
}

// Concordant10 reports whether branch b, a fg_10/S10-type branch, counts as
// concordant under direction d for family f.
func Concordant10(f *family.Family, b int, d Direction) bool {
	switch d {
	case DirectionGain:
		return f.NegMask.Test(uint(b))
	default:
		return f.PosMask.Test(uint(b))
	}
}

// BinaryConcordance counts concordant branches among m01 (fg_01 or S01-type)
// and m10 (fg_10 or S10-type), optionally restricted to sigMask when the
// family carries a CAFE-significance filter.
func BinaryConcordance(f *family.Family, m01, m10 []int, d Direction, sigMask *tree.Bits) int {
	count := 0
	for _, b := range m01 {
		if sigMask != nil && !sigMask.Test(uint(b)) {
			continue
		}
		if Concordant01(f, b, d) {
			count++
		}
	}
	for _, b := range m10 {
		if sigMask != nil && !sigMask.Test(uint(b)) {
			continue
		}
		if Concordant10(f, b, d) {
			count++
		}
	}
	return count
}

// signedRate returns delta[b]/length[b] with the sign flipped for
// direction=loss, or (0, false) if the branch carries no rate.
func signedRate(f *family.Family, b int, d Direction) (float64, bool) {
	if f.HasRate == nil || !f.HasRate.Test(uint(b)) {
		return 0, false
	}
	r := f.Rate[b]
	if d == DirectionLoss {
		r = -r
	}
	return r, true
}

// RateStat is the rate-mode statistic: the mean (and, for reporting,
// median) of signed rates over a branch set restricted to branches with a
// defined rate.
type RateStat struct {
	Mean   float64
	Median float64
	N      int
}

// RateConcordance computes the rate-mode statistic over m01 ∪ m10.
func RateConcordance(f *family.Family, m01, m10 []int, d Direction) RateStat {
	var rates []float64
	for _, b := range m01 {
		if r, ok := signedRate(f, b, d); ok {
			rates = append(rates, r)
		}
	}
	for _, b := range m10 {
		if r, ok := signedRate(f, b, d); ok {
			rates = append(rates, r)
		}
	}
	if len(rates) == 0 {
		return RateStat{}
	}
	sum := 0.0
	for _, r := range rates {
		sum += r
	}
	sorted := append([]float64(nil), rates...)
	sort.Float64s(sorted)
	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}
	return RateStat{Mean: sum / float64(len(rates)), Median: median, N: len(rates)}
}

// BackgroundRateConcordance computes the rate-mode statistic over every
// branch with a defined rate that is not itself a foreground (fg01/fg10)
// branch: the mean/median signed rate of the non-foreground background,
// reported alongside the foreground statistic in rate mode.
func BackgroundRateConcordance(f *family.Family, fg01, fg10 []int, d Direction, nBranches int) RateStat {
	fg := make(map[int]bool, len(fg01)+len(fg10))
	for _, b := range fg01 {
		fg[b] = true
	}
	for _, b := range fg10 {
		fg[b] = true
	}
	var rates []float64
	for b := 0; b < nBranches; b++ {
		if fg[b] {
			continue
		}
		if r, ok := signedRate(f, b, d); ok {
			rates = append(rates, r)
		}
	}
	if len(rates) == 0 {
		return RateStat{}
	}
	sum := 0.0
	for _, r := range rates {
		sum += r
	}
	sorted := append([]float64(nil), rates...)
	sort.Float64s(sorted)
	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}
	return RateStat{Mean: sum / float64(len(rates)), Median: median, N: len(rates)}
}

// EmpiricalP computes the one-sided empirical p-value with add-one
// correction: p = (1 + |{i : nullStats[i] >= statObs}|) / (N + 1).
func EmpiricalP(statObs float64, nullStats []float64) float64 {
	ge := 0
	for _, s := range nullStats {
		if s >= statObs {
			ge++
		}
	}
	return float64(1+ge) / float64(len(nullStats)+1)
}
