package asr

import (
	"math"
	"testing"

	"github.com/evolbioinfo/cafeshift/io/newick"
	"github.com/evolbioinfo/cafeshift/tree"
)

func buildToy(t *testing.T) *tree.Tree {
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

func TestFitGainOnStemAB(t *testing.T) {
	tr := buildToy(t)
	trait := map[string]int{"A": 1, "B": 1, "C": 0}
	res, err := Fit(tr, trait, Params{PosteriorHi: 0.8, PosteriorLo: 0.2, IncludeTraitLoss: false})
	if err != nil {
		t.Fatal(err)
	}
	if res.Q01 <= 0 || res.Q10 <= 0 {
		t.Fatalf("fitted rates must be positive, got q01=%v q10=%v", res.Q01, res.Q10)
	}
	if math.IsInf(res.LogLik, 0) || math.IsNaN(res.LogLik) {
		t.Fatalf("log-likelihood must be finite, got %v", res.LogLik)
	}
	abIdx, _ := tr.BranchIndex("AB")
	if res.Post1[abIdx] < 0.5 {
		t.Errorf("expected AB node posterior leaning toward state 1, got %v", res.Post1[abIdx])
	}
	if res.K == 0 {
		t.Errorf("expected at least one foreground branch for a clear gain pattern")
	}
}

func TestHardStateTieThreshold(t *testing.T) {
	if s := hardState(0.5, 0.5, 0.5); s != StateAmbiguous {
		t.Errorf("equal thresholds at the boundary must be ambiguous, got %v", s)
	}
}

func TestHardStateInclusiveBounds(t *testing.T) {
	if s := hardState(0.9, 0.1, 0.9); s != State1 {
		t.Errorf("posterior == hi must be inclusive state 1, got %v", s)
	}
	if s := hardState(0.1, 0.1, 0.9); s != State0 {
		t.Errorf("posterior == lo must be inclusive state 0, got %v", s)
	}
}

func TestNoForegroundWhenUniformTrait(t *testing.T) {
	tr := buildToy(t)
	trait := map[string]int{"A": 0, "B": 0, "C": 0}
	res, err := Fit(tr, trait, Params{PosteriorHi: 0.95, PosteriorLo: 0.05, IncludeTraitLoss: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.K != 0 {
		t.Errorf("expected no foreground branches for a uniform trait, got %d", res.K)
	}
}
