package scheduler

import (
	"context"
	"testing"

	"github.com/evolbioinfo/cafeshift/io/newick"
	"github.com/evolbioinfo/cafeshift/sampler"
	"github.com/evolbioinfo/cafeshift/tree"
)

func buildTree(t *testing.T) *tree.Tree {
	t.Helper()
	n, err := newick.Parse("(((A:1,B:1)AB:1,(C:1,D:1)CD:1)ABCD:1,((E:1,F:1)EF:1,(G:1,H:1)GH:1)EFGH:1)ROOT:0;")
	if err != nil {
		t.Fatal(err)
	}
	tr, err := tree.Canonicalize(n, false)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func zeroStatScore(s *sampler.Sample) float64 { return 0 }

func TestRunStageZeroSamplesIsNoOp(t *testing.T) {
	tr := buildTree(t)
	b := sampler.NewBinning(tr)
	res, err := RunStage(context.Background(), tr, b, 1, "fam", "initial", 0, 1, nil, nil, false, 0, zeroStatScore)
	if err != nil {
		t.Fatal(err)
	}
	if res.NScored != 0 {
		t.Errorf("expected 0 scored samples, got %d", res.NScored)
	}
}

func TestRunStageDeterministicAcrossJobs(t *testing.T) {
	tr := buildTree(t)
	b := sampler.NewBinning(tr)
	target := map[int]int{0: 1}

	run := func(jobs int) StageResult {
		res, err := RunStage(context.Background(), tr, b, 7, "fam1", "initial", 600, jobs, target, nil, false, 0, zeroStatScore)
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	seq := run(1)
	for _, jobs := range []int{2, 4, 0} {
		par := run(jobs)
		if par.NScored != seq.NScored || par.GECount != seq.GECount || par.RestartsTotal != seq.RestartsTotal {
			t.Errorf("jobs=%d diverged from sequential: %+v vs %+v", jobs, par, seq)
		}
	}
}

func TestRunStageEmpiricalPAddOneCorrection(t *testing.T) {
	tr := buildTree(t)
	b := sampler.NewBinning(tr)
	target := map[int]int{0: 1}

	alwaysAbove := func(s *sampler.Sample) float64 { return 1000 }
	res, err := RunStage(context.Background(), tr, b, 3, "fam2", "initial", 20, 1, target, nil, false, 0, alwaysAbove)
	if err != nil {
		t.Fatal(err)
	}
	if res.GECount != res.NScored {
		t.Fatalf("expected every sample to count as >= statObs, got GECount=%d NScored=%d", res.GECount, res.NScored)
	}
	p := res.EmpiricalP()
	want := float64(res.NScored+1) / float64(res.NScored+1)
	if p != want {
		t.Errorf("EmpiricalP = %v, want %v", p, want)
	}
}
