package stats

import (
	"fmt"
	"strings"
	"testing"

	"github.com/evolbioinfo/cafeshift/family"
	"github.com/evolbioinfo/cafeshift/io/cafe"
	"github.com/evolbioinfo/cafeshift/io/newick"
	"github.com/evolbioinfo/cafeshift/tree"
)

func buildToyTree(t *testing.T) *tree.Tree {
	t.Helper()
	n, err := newick.Parse("((A:1,B:1)AB:1,C:1)ABC:0;")
	if err != nil {
		t.Fatal(err)
	}
	tr, err := tree.Canonicalize(n, false)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func buildFamily(t *testing.T, tr *tree.Tree, rateMode bool, deltas map[string]int) *family.Family {
	t.Helper()
	var keys []string
	for k := range deltas {
		keys = append(keys, k)
	}
	header := "family_id"
	line := "fam1"
	for _, k := range keys {
		header += "\t" + k
		line += fmt.Sprintf("\t%d", deltas[k])
	}
	known := func(key string) bool {
		_, ok := tr.BranchIndex(key)
		return ok
	}
	ct, err := cafe.ReadChangeTable(strings.NewReader(header+"\n"+line+"\n"), known)
	if err != nil {
		t.Fatal(err)
	}
	return family.Build(tr, "fam1", ct, rateMode)
}

func TestBinaryConcordanceGain(t *testing.T) {
	tr := buildToyTree(t)
	f := buildFamily(t, tr, false, map[string]int{"A": 1, "B": 1, "C": 0})

	aIdx, _ := tr.BranchIndex("A")
	bIdx, _ := tr.BranchIndex("B")
	cIdx, _ := tr.BranchIndex("C")

	got := BinaryConcordance(f, []int{aIdx, bIdx}, []int{cIdx}, DirectionGain, nil)
	if got != 2 {
		t.Errorf("expected 2 concordant branches, got %d", got)
	}
}

func TestBinaryConcordanceRespectsSignificanceMask(t *testing.T) {
	tr := buildToyTree(t)
	f := buildFamily(t, tr, false, map[string]int{"A": 1, "B": 1})
	aIdx, _ := tr.BranchIndex("A")
	bIdx, _ := tr.BranchIndex("B")

	mask := tree.NewBits(uint(tr.NBranches()))
	mask.Set(uint(aIdx))

	got := BinaryConcordance(f, []int{aIdx, bIdx}, nil, DirectionGain, mask)
	if got != 1 {
		t.Errorf("expected significance mask to exclude B, got %d", got)
	}
}

func TestRateConcordanceMeanAndMedian(t *testing.T) {
	tr := buildToyTree(t)
	f := buildFamily(t, tr, true, map[string]int{"A": 2, "B": 4})

	aIdx, _ := tr.BranchIndex("A")
	bIdx, _ := tr.BranchIndex("B")

	rs := RateConcordance(f, []int{aIdx, bIdx}, nil, DirectionGain)
	if rs.N != 2 {
		t.Fatalf("expected 2 rated branches, got %d", rs.N)
	}
	if rs.Mean != 3 {
		t.Errorf("expected mean 3 (rates 2,4 over length 1), got %v", rs.Mean)
	}
	if rs.Median != 3 {
		t.Errorf("expected median 3 (rates 2,4 over length 1), got %v", rs.Median)
	}
}

func TestRateConcordanceDirectionFlip(t *testing.T) {
	tr := buildToyTree(t)
	f := buildFamily(t, tr, true, map[string]int{"A": 2})
	aIdx, _ := tr.BranchIndex("A")

	gain := RateConcordance(f, []int{aIdx}, nil, DirectionGain)
	loss := RateConcordance(f, []int{aIdx}, nil, DirectionLoss)
	if gain.Mean != -loss.Mean {
		t.Errorf("expected sign flip between gain and loss, got %v vs %v", gain.Mean, loss.Mean)
	}
}

func TestBackgroundRateConcordanceExcludesForeground(t *testing.T) {
	tr := buildToyTree(t)
	f := buildFamily(t, tr, true, map[string]int{"A": 2, "B": 4, "AB": 6, "C": 8})

	aIdx, _ := tr.BranchIndex("A")
	bIdx, _ := tr.BranchIndex("B")

	bg := BackgroundRateConcordance(f, []int{aIdx, bIdx}, nil, DirectionGain, tr.NBranches())
	if bg.N != 2 {
		t.Fatalf("expected 2 background rated branches (AB, C), got %d", bg.N)
	}
	if bg.Mean != 7 { // rates 6,8 over length 1 -> mean 7
		t.Errorf("expected background mean 7, got %v", bg.Mean)
	}
}

func TestEmpiricalPAddOneCorrection(t *testing.T) {
	null := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	p := EmpiricalP(5, null)
	// 5 values (5..9) are >= 5, plus the add-one correction: (1+5)/(10+1)
	want := 6.0 / 11.0
	if p != want {
		t.Errorf("EmpiricalP = %v, want %v", p, want)
	}
}

func TestEmpiricalPNeverZero(t *testing.T) {
	null := []float64{-1, -2, -3}
	p := EmpiricalP(100, null)
	if p <= 0 {
		t.Errorf("empirical p must be strictly positive, got %v", p)
	}
}
