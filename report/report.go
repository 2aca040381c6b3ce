// Package report applies Benjamini-Hochberg correction, ranks families into
// the top-hits and top-p-values tables, builds the p-value histogram and QQ
// diagnostics, and writes every output TSV.
package report

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
)

// Status mirrors a family's per-row outcome.
type Status string

const (
	StatusOK                Status = "ok"
	StatusUntestableTarone  Status = "untestable_tarone"
	StatusNoValidForeground Status = "no_valid_foreground"
)

// FamilyResult is one family's row, covering both statistical paths.
// Fields not populated by the active path are left at their zero value and
// omitted by the relevant writer.
type FamilyResult struct {
	FamilyID string
	StatObs  float64
	Status   Status

	// Permutation path.
	HasPrimaryP bool
	PPrimary    float64 // empirical p
	QBH         float64
	NPermUsed   int
	Refined     bool
	Restarts    int
	FellBack    int

	// Fisher-Tarone path.
	PFisher           float64
	PMinAttainable    float64
	PBonferroniTarone float64
	RejectTarone      bool

	// Rate mode extras.
	RateMode           bool
	FgMeanSignedRate   float64
	BgMeanSignedRate   float64
	FgMedianSignedRate float64
}

// BHCorrect applies the Benjamini-Hochberg step-up procedure to p, returning
// q-values in p's original order. q_i = min_{j>=i} (m*p_(j))/j, clipped to
// <=1, over the ascending-sorted p-values.
func BHCorrect(p []float64) []float64 {
	m := len(p)
	q := make([]float64, m)
	if m == 0 {
		return q
	}
	idx := make([]int, m)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })

	qSorted := make([]float64, m)
	minSoFar := math.Inf(1)
	for rank := m - 1; rank >= 0; rank-- {
		pv := p[idx[rank]]
		v := pv * float64(m) / float64(rank+1)
		if v > 1 {
			v = 1
		}
		if v < minSoFar {
			minSoFar = v
		}
		qSorted[rank] = minSoFar
	}
	for rank, origIdx := range idx {
		q[origIdx] = qSorted[rank]
	}
	return q
}

// ApplyBH fills QBH for every permutation-path family with a defined
// primary p-value, leaving the rest untouched.
func ApplyBH(results []FamilyResult) {
	var idx []int
	var ps []float64
	for i, r := range results {
		if r.HasPrimaryP {
			idx = append(idx, i)
			ps = append(ps, r.PPrimary)
		}
	}
	if len(ps) == 0 {
		return
	}
	q := BHCorrect(ps)
	for j, i := range idx {
		results[i].QBH = q[j]
	}
}

// TopHitsPermutation ranks permutation-path families meeting the q-value
// threshold by (q_bh asc, p_primary asc, stat_obs desc).
func TopHitsPermutation(results []FamilyResult, qvalueThreshold float64) []FamilyResult {
	var hits []FamilyResult
	for _, r := range results {
		if r.HasPrimaryP && r.QBH <= qvalueThreshold {
			hits = append(hits, r)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.QBH != b.QBH {
			return a.QBH < b.QBH
		}
		if a.PPrimary != b.PPrimary {
			return a.PPrimary < b.PPrimary
		}
		return a.StatObs > b.StatObs
	})
	return hits
}

// TopHitsTarone ranks Fisher-Tarone-path families with RejectTarone set by
// (p_bonf_tarone asc, p_fisher asc, stat_obs desc).
func TopHitsTarone(results []FamilyResult) []FamilyResult {
	var hits []FamilyResult
	for _, r := range results {
		if r.RejectTarone {
			hits = append(hits, r)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.PBonferroniTarone != b.PBonferroniTarone {
			return a.PBonferroniTarone < b.PBonferroniTarone
		}
		if a.PFisher != b.PFisher {
			return a.PFisher < b.PFisher
		}
		return a.StatObs > b.StatObs
	})
	return hits
}

// primaryP returns a family's primary p (empirical, or Fisher if the
// permutation path is absent) and whether one is defined.
func primaryP(r FamilyResult) (float64, bool) {
	if r.HasPrimaryP {
		return r.PPrimary, true
	}
	if r.PFisher > 0 || r.PMinAttainable > 0 {
		return r.PFisher, true
	}
	return 0, false
}

// adjustedP mirrors primaryP for the adjusted/secondary p column.
func adjustedP(r FamilyResult) (float64, bool) {
	if r.HasPrimaryP {
		return r.QBH, true
	}
	if r.PBonferroniTarone > 0 {
		return r.PBonferroniTarone, true
	}
	return 0, false
}

// TopPValues ranks up to topN families by (primary p asc, adjusted p asc,
// stat_obs desc). topN == 0 disables the table.
func TopPValues(results []FamilyResult, topN int) []FamilyResult {
	if topN == 0 {
		return nil
	}
	var ranked []FamilyResult
	for _, r := range results {
		if _, ok := primaryP(r); ok {
			ranked = append(ranked, r)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		pi, _ := primaryP(ranked[i])
		pj, _ := primaryP(ranked[j])
		if pi != pj {
			return pi < pj
		}
		ai, _ := adjustedP(ranked[i])
		aj, _ := adjustedP(ranked[j])
		if ai != aj {
			return ai < aj
		}
		return ranked[i].StatObs > ranked[j].StatObs
	})
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

// HistBin is one equal-width bin of the primary-p histogram.
type HistBin struct {
	Lo, Hi float64
	Count  int
}

// PValueHistogram buckets every family's defined primary p into nBins
// equal-width bins over [0,1]. Returns nil if no family has a primary p.
func PValueHistogram(results []FamilyResult, nBins int) []HistBin {
	var ps []float64
	for _, r := range results {
		if p, ok := primaryP(r); ok {
			ps = append(ps, p)
		}
	}
	if len(ps) == 0 {
		return nil
	}
	bins := make([]HistBin, nBins)
	width := 1.0 / float64(nBins)
	for i := range bins {
		bins[i].Lo = float64(i) * width
		bins[i].Hi = float64(i+1) * width
	}
	for _, p := range ps {
		i := int(p / width)
		if i >= nBins {
			i = nBins - 1
		}
		bins[i].Count++
	}
	return bins
}

// QQRow is one row of the expected-vs-observed QQ table.
type QQRow struct {
	Expected, Observed                 float64
	NegLog10Expected, NegLog10Observed float64
}

// QQTable builds the expected (i/(m+1)) vs observed sorted-p table over
// every family with a defined primary p. Returns nil if none exists.
func QQTable(results []FamilyResult) []QQRow {
	var ps []float64
	for _, r := range results {
		if p, ok := primaryP(r); ok {
			ps = append(ps, p)
		}
	}
	if len(ps) == 0 {
		return nil
	}
	sort.Float64s(ps)
	m := len(ps)
	rows := make([]QQRow, m)
	for i, p := range ps {
		expected := float64(i+1) / float64(m+1)
		rows[i] = QQRow{
			Expected:         expected,
			Observed:         p,
			NegLog10Expected: -math.Log10(expected),
			NegLog10Observed: negLog10(p),
		}
	}
	return rows
}

func negLog10(p float64) float64 {
	if p <= 0 {
		return math.Inf(1)
	}
	return -math.Log10(p)
}

// WriteFamilyResultsTSV writes one row per family, mode-dependent columns.
func WriteFamilyResultsTSV(path string, results []FamilyResult) error {
	return writeTSV(path, func(w *csv.Writer) error {
		header := []string{"family_id", "status", "stat_obs",
			"p_empirical", "q_bh", "n_perm_used", "refined",
			"p_fisher", "p_min_attainable", "p_bonferroni_tarone", "reject_tarone",
			"fg_mean_signed_rate", "bg_mean_signed_rate", "fg_median_signed_rate"}
		if err := w.Write(header); err != nil {
			return err
		}
		for _, r := range results {
			row := []string{
				r.FamilyID,
				string(r.Status),
				formatFloat(r.StatObs),
				formatMaybe(r.PPrimary, r.HasPrimaryP),
				formatMaybe(r.QBH, r.HasPrimaryP),
				fmt.Sprintf("%d", r.NPermUsed),
				fmt.Sprintf("%v", r.Refined),
				formatMaybe(r.PFisher, !r.HasPrimaryP && r.PFisher > 0),
				formatMaybe(r.PMinAttainable, !r.HasPrimaryP && r.PMinAttainable > 0),
				formatMaybe(r.PBonferroniTarone, r.PBonferroniTarone > 0),
				fmt.Sprintf("%v", r.RejectTarone),
				formatMaybe(r.FgMeanSignedRate, r.RateMode),
				formatMaybe(r.BgMeanSignedRate, r.RateMode),
				formatMaybe(r.FgMedianSignedRate, r.RateMode),
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteRankedTSV writes a ranked subset (top_hits or top_pvalues) in the
// same column layout as the full results table.
func WriteRankedTSV(path string, results []FamilyResult) error {
	return WriteFamilyResultsTSV(path, results)
}

// WritePValueHistTSV writes the equal-width histogram table.
func WritePValueHistTSV(path string, bins []HistBin) error {
	return writeTSV(path, func(w *csv.Writer) error {
		if err := w.Write([]string{"bin_lo", "bin_hi", "count"}); err != nil {
			return err
		}
		for _, b := range bins {
			if err := w.Write([]string{formatFloat(b.Lo), formatFloat(b.Hi), fmt.Sprintf("%d", b.Count)}); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteQQTSV writes the expected-vs-observed QQ table.
func WriteQQTSV(path string, rows []QQRow) error {
	return writeTSV(path, func(w *csv.Writer) error {
		if err := w.Write([]string{"expected", "observed", "neg_log10_expected", "neg_log10_observed"}); err != nil {
			return err
		}
		for _, r := range rows {
			if err := w.Write([]string{
				formatFloat(r.Expected), formatFloat(r.Observed),
				formatFloat(r.NegLog10Expected), formatFloat(r.NegLog10Observed),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeTSV(path string, fn func(w *csv.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := fn(w); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

func formatMaybe(v float64, has bool) string {
	if !has {
		return ""
	}
	return formatFloat(v)
}
