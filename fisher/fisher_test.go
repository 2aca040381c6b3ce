package fisher

import (
	"math"
	"testing"
)

func TestOneSidedPExtremeEnrichment(t *testing.T) {
	// N=10, K=5 concordant total, n=5 foreground; observing all 5
	// foreground branches concordant is the maximum possible overlap.
	tb := Table{TotalBranches: 10, Concordant: 5, Foreground: 5, Observed: 5}
	p := tb.OneSidedP()
	if p <= 0 || p > 1 {
		t.Fatalf("p out of range: %v", p)
	}
	// The maximum-overlap table is its own most extreme case, so p should
	// equal its own minimum attainable p.
	if math.Abs(p-tb.PMinAttainable()) > 1e-12 {
		t.Errorf("expected p == p_min_attainable at maximum overlap, got %v vs %v", p, tb.PMinAttainable())
	}
}

func TestOneSidedPMonotonicInObserved(t *testing.T) {
	mk := func(observed int) float64 {
		return Table{TotalBranches: 20, Concordant: 8, Foreground: 6, Observed: observed}.OneSidedP()
	}
	prev := math.Inf(1)
	for a := 0; a <= 6; a++ {
		p := mk(a)
		if p > prev+1e-12 {
			t.Errorf("expected one-sided p non-increasing as observed overlap grows, got p(%d)=%v > prev=%v", a, p, prev)
		}
		prev = p
	}
}

func TestPMinAttainableIsMinimalOverTables(t *testing.T) {
	total, concordant, foreground := 30, 10, 12
	pMin := Table{TotalBranches: total, Concordant: concordant, Foreground: foreground, Observed: 0}.PMinAttainable()
	// Admissible overlap counts run up to min(foreground, concordant); a
	// larger observed count is not a table with these margins.
	maxA := foreground
	if concordant < maxA {
		maxA = concordant
	}
	for a := 0; a <= maxA; a++ {
		p := Table{TotalBranches: total, Concordant: concordant, Foreground: foreground, Observed: a}.OneSidedP()
		if p < pMin-1e-12 {
			t.Errorf("p_min_attainable=%v is not minimal: observed=%d gives p=%v", pMin, a, p)
		}
	}
}

func TestApplyTaroneExcludesUntestableFamilies(t *testing.T) {
	// Family 0: wide margins, small p_min_attainable possible (testable).
	// Family 1: degenerate margins where concordant == total, so the
	// family is always "fully concordant" regardless of the draw,
	// making its minimum attainable p equal to 1 (untestable).
	tables := []Table{
		{TotalBranches: 100, Concordant: 50, Foreground: 10, Observed: 10},
		{TotalBranches: 10, Concordant: 10, Foreground: 10, Observed: 10},
	}
	results, alphaStar, mTestable := ApplyTarone(tables, 0.05)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if mTestable < 1 {
		t.Fatalf("expected at least one testable family, got mTestable=%d", mTestable)
	}
	if alphaStar <= 0 {
		t.Fatalf("expected a positive alpha*, got %v", alphaStar)
	}
	if results[1].Testable {
		t.Errorf("degenerate fully-concordant family should be untestable (p_min=1)")
	}
	if !results[0].Testable {
		t.Errorf("expected family 0 to be testable")
	}
}

func TestApplyTaroneBonferroniUsesTestableCount(t *testing.T) {
	tables := []Table{
		{TotalBranches: 100, Concordant: 50, Foreground: 10, Observed: 10},
		{TotalBranches: 100, Concordant: 50, Foreground: 10, Observed: 9},
	}
	results, _, mTestable := ApplyTarone(tables, 0.05)
	for i, r := range results {
		if !r.Testable {
			continue
		}
		want := r.PFisher * float64(mTestable)
		if want > 1 {
			want = 1
		}
		if math.Abs(r.PBonferroniTarone-want) > 1e-12 {
			t.Errorf("family %d: PBonferroniTarone = %v, want %v", i, r.PBonferroniTarone, want)
		}
	}
}
