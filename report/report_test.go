package report

import (
	"math"
	"testing"
)

func TestBHCorrectMonotonicAndBounded(t *testing.T) {
	p := []float64{0.01, 0.02, 0.03, 0.5, 0.9}
	q := BHCorrect(p)
	if len(q) != len(p) {
		t.Fatalf("expected %d q-values, got %d", len(p), len(q))
	}
	// Sort by p and check q is non-decreasing in that order.
	idx := []int{0, 1, 2, 3, 4}
	for i := 1; i < len(idx); i++ {
		if q[idx[i]] < q[idx[i-1]]-1e-12 {
			t.Errorf("q-values not monotonic in ascending p order: %v", q)
		}
	}
	for _, v := range q {
		if v > 1+1e-12 {
			t.Errorf("q-value exceeds 1: %v", v)
		}
	}
}

func TestBHCorrectKnownExample(t *testing.T) {
	// Classic 5-test example: p = (0.01, 0.02, 0.03, 0.04, 0.50)
	// q = min_{j>=i}(m*p_j/j): q5=0.5, q4=min(0.5,5*0.04/4=0.05)=0.05,
	// q3=min(0.05,5*0.03/3=0.05)=0.05, q2=min(0.05,5*0.02/2=0.05)=0.05,
	// q1=min(0.05,5*0.01/1=0.05)=0.05.
	p := []float64{0.01, 0.02, 0.03, 0.04, 0.50}
	q := BHCorrect(p)
	want := []float64{0.05, 0.05, 0.05, 0.05, 0.50}
	for i := range want {
		if math.Abs(q[i]-want[i]) > 1e-9 {
			t.Errorf("q[%d] = %v, want %v (full: %v)", i, q[i], want[i], q)
		}
	}
}

func TestApplyBHSkipsFamiliesWithoutPrimaryP(t *testing.T) {
	results := []FamilyResult{
		{FamilyID: "a", HasPrimaryP: true, PPrimary: 0.01},
		{FamilyID: "b", Status: StatusNoValidForeground},
		{FamilyID: "c", HasPrimaryP: true, PPrimary: 0.5},
	}
	ApplyBH(results)
	if results[1].QBH != 0 {
		t.Errorf("expected untouched QBH for family without a primary p, got %v", results[1].QBH)
	}
	if results[0].QBH == 0 {
		t.Errorf("expected a QBH for family a")
	}
}

func TestTopHitsPermutationOrdering(t *testing.T) {
	results := []FamilyResult{
		{FamilyID: "a", HasPrimaryP: true, PPrimary: 0.01, QBH: 0.02, StatObs: 5},
		{FamilyID: "b", HasPrimaryP: true, PPrimary: 0.01, QBH: 0.02, StatObs: 9},
		{FamilyID: "c", HasPrimaryP: true, PPrimary: 0.2, QBH: 0.3, StatObs: 1},
	}
	hits := TopHitsPermutation(results, 0.05)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits under threshold 0.05, got %d", len(hits))
	}
	if hits[0].FamilyID != "b" {
		t.Errorf("expected tie broken by stat_obs desc, got order %v, %v", hits[0].FamilyID, hits[1].FamilyID)
	}
}

func TestTopPValuesRespectsZeroDisable(t *testing.T) {
	results := []FamilyResult{{FamilyID: "a", HasPrimaryP: true, PPrimary: 0.01}}
	if got := TopPValues(results, 0); got != nil {
		t.Errorf("expected nil when topN=0, got %v", got)
	}
}

func TestPValueHistogramBucketsAndTotal(t *testing.T) {
	results := []FamilyResult{
		{HasPrimaryP: true, PPrimary: 0.05},
		{HasPrimaryP: true, PPrimary: 0.15},
		{HasPrimaryP: true, PPrimary: 0.95},
	}
	bins := PValueHistogram(results, 10)
	total := 0
	for _, b := range bins {
		total += b.Count
	}
	if total != 3 {
		t.Errorf("expected all 3 families counted, got %d", total)
	}
	if bins[0].Count != 1 || bins[1].Count != 1 || bins[9].Count != 1 {
		t.Errorf("unexpected bin distribution: %+v", bins)
	}
}

func TestPValueHistogramEmptyWhenNoDefinedP(t *testing.T) {
	results := []FamilyResult{{Status: StatusNoValidForeground}}
	if got := PValueHistogram(results, 10); got != nil {
		t.Errorf("expected nil histogram, got %v", got)
	}
}

func TestQQTableExpectedSpacing(t *testing.T) {
	results := []FamilyResult{
		{HasPrimaryP: true, PPrimary: 0.9},
		{HasPrimaryP: true, PPrimary: 0.1},
		{HasPrimaryP: true, PPrimary: 0.5},
	}
	rows := QQTable(results)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Observed > rows[1].Observed || rows[1].Observed > rows[2].Observed {
		t.Errorf("expected observed column sorted ascending, got %+v", rows)
	}
	for i, r := range rows {
		wantExpected := float64(i+1) / float64(4)
		if math.Abs(r.Expected-wantExpected) > 1e-12 {
			t.Errorf("row %d: expected=%v, want %v", i, r.Expected, wantExpected)
		}
	}
}
