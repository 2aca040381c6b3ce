// Package engine wires the canonicalized tree, fitted ASR, per-family test
// paths, permutation scheduler, and report writers into one run: the
// orchestrator a CLI command delegates to.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/evolbioinfo/cafeshift/asr"
	"github.com/evolbioinfo/cafeshift/cache"
	"github.com/evolbioinfo/cafeshift/config"
	"github.com/evolbioinfo/cafeshift/family"
	"github.com/evolbioinfo/cafeshift/fisher"
	"github.com/evolbioinfo/cafeshift/io/cafe"
	"github.com/evolbioinfo/cafeshift/io/newick"
	"github.com/evolbioinfo/cafeshift/io/nexus"
	"github.com/evolbioinfo/cafeshift/io/trait"
	"github.com/evolbioinfo/cafeshift/metadata"
	"github.com/evolbioinfo/cafeshift/report"
	"github.com/evolbioinfo/cafeshift/sampler"
	"github.com/evolbioinfo/cafeshift/scheduler"
	"github.com/evolbioinfo/cafeshift/stats"
	"github.com/evolbioinfo/cafeshift/tree"
)

// treeFileCandidates are the file names tried, in order, under cafe_dir for
// the species tree. The CAFE tab files and NEXUS tree format themselves
// are an external collaborator's concern; only their conventional location
// is the engine's business.
var treeFileCandidates = []string{"tree.nex", "tree.nwk", "tree.tre"}

const (
	changeTableFileName = "Base_change.tab"
	probTableFileName   = "Base_branch_probabilities.tab"
)

// Run executes one full analysis: load inputs, canonicalize the tree, fit
// ASR, test every family along the configured path, write every output
// file, and return the assembled run metadata. startedAt is supplied by
// the caller so the run is reproducible in tests.
func Run(ctx context.Context, cfg config.Config, startedAt time.Time) (*metadata.RunMetadata, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	jobs := cfg.Jobs
	if jobs == 0 {
		jobs = runtime.NumCPU()
	}

	meta := metadata.New(cfg, metadata.Inputs{
		CafeDir:     cfg.CafeDir,
		TraitTSV:    cfg.TraitTSV,
		TraitColumn: cfg.TraitColumn,
	}, startedAt)

	t, err := loadTree(cfg)
	if err != nil {
		return nil, err
	}
	meta.Tree = metadata.TreeFacts{NTips: t.NTips(), NBranches: t.NBranches(), Fingerprint: t.Fingerprint()}

	traitState, err := loadTrait(cfg)
	if err != nil {
		return nil, err
	}
	if err := t.ValidateSpecies(traitState); err != nil {
		return nil, err
	}
	traitDigest, err := hashFile(cfg.TraitTSV)
	if err != nil {
		return nil, fmt.Errorf("engine: hashing %s: %w", cfg.TraitTSV, err)
	}
	meta.Inputs.TraitTSVSHA256 = traitDigest

	asrResult, err := asr.Fit(t, traitState, asr.Params{
		PosteriorHi:      cfg.ASRPosteriorHi,
		PosteriorLo:      cfg.ASRPosteriorLo,
		IncludeTraitLoss: cfg.IncludeTraitLoss,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: asr: %w", err)
	}
	fg01 := tree.SetBits(asrResult.Fg01, uint(t.NBranches()))
	fg10 := tree.SetBits(asrResult.Fg10, uint(t.NBranches()))
	meta.ASR = metadata.ASRFacts{
		Q01: asrResult.Q01, Q10: asrResult.Q10, LogLik: asrResult.LogLik,
		PosteriorHi: cfg.ASRPosteriorHi, PosteriorLo: cfg.ASRPosteriorLo,
		NForeground01: len(fg01), NForeground10: len(fg10), RootHardState: asrResult.RootHard,
	}

	changes, probs, err := loadCafeTables(cfg, t)
	if err != nil {
		return nil, err
	}
	changeDigest, err := hashFile(filepath.Join(cfg.CafeDir, changeTableFileName))
	if err != nil {
		return nil, fmt.Errorf("engine: hashing %s: %w", changeTableFileName, err)
	}
	meta.Inputs.CafeChangeTableSHA256 = changeDigest
	if probs != nil {
		probDigest, err := hashFile(filepath.Join(cfg.CafeDir, probTableFileName))
		if err != nil {
			return nil, fmt.Errorf("engine: hashing %s: %w", probTableFileName, err)
		}
		meta.Inputs.CafeProbTableSHA256 = probDigest
	}

	direction := toStatsDirection(cfg.Direction)
	rateMode := cfg.Mode == config.ModeRate

	families := make([]*family.Family, 0, len(changes.FamilyIDs))
	for _, id := range changes.FamilyIDs {
		fam := family.Build(t, id, changes, rateMode)
		if cfg.CafeSignificantOnly {
			if probs == nil {
				return nil, fmt.Errorf("engine: cafe_significant_only requires a branch-probability table")
			}
			fam.AttachSignificance(t, probs, cfg.CafeAlpha)
		}
		families = append(families, fam)
	}

	var results []report.FamilyResult
	switch cfg.BinaryTest {
	case config.BinaryTestFisherTarone:
		results, err = runFisherPath(t, families, fg01, fg10, direction, cfg.FwerAlpha, meta)
		if err != nil {
			return nil, err
		}
	default:
		results, err = runPermutationPath(ctx, cfg, t, families, fg01, fg10, direction, rateMode, jobs, meta)
		if err != nil {
			return nil, err
		}
		report.ApplyBH(results)
	}

	var topHits []report.FamilyResult
	if cfg.BinaryTest == config.BinaryTestFisherTarone {
		topHits = report.TopHitsTarone(results)
	} else {
		topHits = report.TopHitsPermutation(results, cfg.QvalueThreshold)
	}
	topP := report.TopPValues(results, cfg.PvalueTopN)
	hist := report.PValueHistogram(results, cfg.HistBins)
	qq := report.QQTable(results)

	outputFiles, err := writeOutputs(cfg, results, topHits, topP, hist, qq, meta)
	if err != nil {
		return nil, err
	}
	metaPath := cfg.OutPrefix + ".run_metadata.json"
	outputFiles = append(outputFiles, metaPath)

	meta.Results = metadata.ResultsSummary{
		NFamiliesTotal:  len(families),
		NFamiliesTested: countTested(results),
		NTopHits:        len(topHits),
		OutputFiles:     outputFiles,
	}
	// run_metadata.json is written last, after every other output commits,
	// so a partial run never leaves a metadata file claiming more than
	// what is actually on disk.
	if err := meta.Write(metaPath); err != nil {
		return nil, err
	}
	return meta, nil
}

func toStatsDirection(d config.Direction) stats.Direction {
	if d == config.DirectionLoss {
		return stats.DirectionLoss
	}
	return stats.DirectionGain
}

func countTested(results []report.FamilyResult) int {
	n := 0
	for _, r := range results {
		if r.Status != report.StatusNoValidForeground {
			n++
		}
	}
	return n
}

func loadTree(cfg config.Config) (*tree.Tree, error) {
	var newickStr string
	var found bool
	for _, name := range treeFileCandidates {
		path := filepath.Join(cfg.CafeDir, name)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		if filepath.Ext(name) == ".nex" {
			s, err := nexus.FirstTree(f)
			if err != nil {
				return nil, fmt.Errorf("engine: %s: %w", path, err)
			}
			newickStr = s
		} else {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("engine: %s: %w", path, err)
			}
			newickStr = string(raw)
		}
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("engine: no tree file found under %q (tried %v)", cfg.CafeDir, treeFileCandidates)
	}
	n, err := newick.Parse(newickStr)
	if err != nil {
		return nil, fmt.Errorf("engine: parsing tree: %w", err)
	}
	t, err := tree.Canonicalize(n, cfg.Mode == config.ModeRate)
	if err != nil {
		return nil, fmt.Errorf("engine: canonicalizing tree: %w", err)
	}
	return t, nil
}

// hashFile returns the hex-encoded SHA-256 digest of the file at path, for
// recording an input's exact content alongside its path in run_metadata.json.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func loadTrait(cfg config.Config) (map[string]int, error) {
	f, err := os.Open(cfg.TraitTSV)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	defer f.Close()
	table, err := trait.Load(f)
	if err != nil {
		return nil, err
	}
	return table.Resolve(cfg.TraitColumn)
}

func loadCafeTables(cfg config.Config, t *tree.Tree) (*cafe.ChangeTable, *cafe.ProbabilityTable, error) {
	known := func(key string) bool {
		_, ok := t.BranchIndex(key)
		return ok
	}
	changePath := filepath.Join(cfg.CafeDir, changeTableFileName)
	cf, err := os.Open(changePath)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: %w", err)
	}
	defer cf.Close()
	changes, err := cafe.ReadChangeTable(cf, known)
	if err != nil {
		return nil, nil, err
	}

	var probs *cafe.ProbabilityTable
	if cfg.CafeSignificantOnly {
		probPath := filepath.Join(cfg.CafeDir, probTableFileName)
		pf, err := os.Open(probPath)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: %w", err)
		}
		defer pf.Close()
		probs, err = cafe.ReadProbabilityTable(pf, known)
		if err != nil {
			return nil, nil, err
		}
	}
	return changes, probs, nil
}

func fisherTable(t *tree.Tree, fam *family.Family, fg01, fg10 []int, d stats.Direction) fisher.Table {
	n := t.NBranches()
	fg10Set := make(map[int]bool, len(fg10))
	for _, b := range fg10 {
		fg10Set[b] = true
	}
	fgCount := len(fg01) + len(fg10)

	var sigMask *tree.Bits
	if fam.HasSignificanceMask() {
		sigMask = fam.SigMask
	}
	population := n
	if sigMask != nil {
		population = int(sigMask.Count())
	}

	concordantTotal := 0
	for b := 0; b < n; b++ {
		if sigMask != nil && !sigMask.Test(uint(b)) {
			continue
		}
		var concordant bool
		if fg10Set[b] {
			concordant = stats.Concordant10(fam, b, d)
		} else {
			concordant = stats.Concordant01(fam, b, d)
		}
		if concordant {
			concordantTotal++
		}
	}
	observed := stats.BinaryConcordance(fam, fg01, fg10, d, sigMask)
	return fisher.Table{TotalBranches: population, Concordant: concordantTotal, Foreground: fgCount, Observed: observed}
}

func statObsFor(fam *family.Family, fg01, fg10 []int, d stats.Direction, rateMode bool, sigMask *tree.Bits) float64 {
	if rateMode {
		return stats.RateConcordance(fam, fg01, fg10, d).Mean
	}
	return float64(stats.BinaryConcordance(fam, fg01, fg10, d, sigMask))
}

func scoreFuncFor(fam *family.Family, d stats.Direction, rateMode bool, sigMask *tree.Bits) scheduler.ScoreFunc {
	return func(s *sampler.Sample) float64 {
		if rateMode {
			return stats.RateConcordance(fam, s.S01, s.S10, d).Mean
		}
		return float64(stats.BinaryConcordance(fam, s.S01, s.S10, d, sigMask))
	}
}

// runFisherPath builds every family's 2x2 table, applies Tarone screening
// across the whole batch, and assigns each family's Fisher/Tarone result
// fields. The permutation p_primary and q_bh are left at their zero value
// per spec: this path reports through PFisher/PBonferroniTarone instead.
func runFisherPath(t *tree.Tree, families []*family.Family, fg01, fg10 []int, d stats.Direction, fwerAlpha float64, meta *metadata.RunMetadata) ([]report.FamilyResult, error) {
	tables := make([]fisher.Table, len(families))
	statObs := make([]float64, len(families))
	for i, fam := range families {
		var sigMask *tree.Bits
		if fam.HasSignificanceMask() {
			sigMask = fam.SigMask
		}
		tables[i] = fisherTable(t, fam, fg01, fg10, d)
		statObs[i] = statObsFor(fam, fg01, fg10, d, false, sigMask)
	}

	taroneResults, alphaStar, mTestable := fisher.ApplyTarone(tables, fwerAlpha)
	meta.Tarone = &metadata.TaroneFacts{MTotal: len(families), MTestable: mTestable, AlphaStar: alphaStar}

	out := make([]report.FamilyResult, len(families))
	for i, fam := range families {
		tr := taroneResults[i]
		status := report.StatusOK
		if !tr.Testable {
			status = report.StatusUntestableTarone
		}
		out[i] = report.FamilyResult{
			FamilyID:          fam.ID,
			StatObs:           statObs[i],
			Status:            status,
			PFisher:           tr.PFisher,
			PMinAttainable:    tr.PMinAttainable,
			PBonferroniTarone: tr.PBonferroniTarone,
			RejectTarone:      tr.Testable && tr.PBonferroniTarone <= fwerAlpha,
		}
	}
	return out, nil
}

func runPermutationPath(ctx context.Context, cfg config.Config, t *tree.Tree, families []*family.Family, fg01, fg10 []int, d stats.Direction, rateMode bool, jobs int, meta *metadata.RunMetadata) ([]report.FamilyResult, error) {
	binning := sampler.NewBinning(t)
	n := uint(t.NBranches())
	fg01Bits := tree.NewBits(n)
	for _, b := range fg01 {
		fg01Bits.Set(uint(b))
	}
	fg10Bits := tree.NewBits(n)
	for _, b := range fg10 {
		fg10Bits.Set(uint(b))
	}
	target01 := binning.BinCounts(t, fg01Bits)
	target10 := binning.BinCounts(t, fg10Bits)

	perm := &metadata.PermutationFacts{NInitial: cfg.NPermInitial, NRefine: cfg.NPermRefine}
	results := make([]report.FamilyResult, len(families))

	for i, fam := range families {
		var sigMask *tree.Bits
		if fam.HasSignificanceMask() {
			sigMask = fam.SigMask
		}
		statObs := statObsFor(fam, fg01, fg10, d, rateMode, sigMask)
		score := scoreFuncFor(fam, d, rateMode, sigMask)

		if len(fg01)+len(fg10) == 0 {
			results[i] = report.FamilyResult{FamilyID: fam.ID, StatObs: statObs, Status: report.StatusNoValidForeground}
			continue
		}

		initial, err := runStageCached(ctx, cfg, t, binning, fg01Bits, fg10Bits, fam.ID, "initial", cfg.NPermInitial, jobs, target01, target10, statObs, score, perm)
		if err != nil {
			return nil, err
		}
		fr := report.FamilyResult{
			FamilyID:    fam.ID,
			StatObs:     statObs,
			Status:      report.StatusOK,
			HasPrimaryP: true,
			PPrimary:    initial.EmpiricalP(),
			NPermUsed:   initial.NScored,
			Restarts:    initial.RestartsTotal,
			FellBack:    initial.FellBackCount,
			RateMode:    rateMode,
		}
		if rateMode {
			rs := stats.RateConcordance(fam, fg01, fg10, d)
			fr.FgMeanSignedRate = rs.Mean
			fr.FgMedianSignedRate = rs.Median
			bg := stats.BackgroundRateConcordance(fam, fg01, fg10, d, t.NBranches())
			fr.BgMeanSignedRate = bg.Mean
		}

		if !cfg.RefinementIsNoOp() && fr.PPrimary <= cfg.RefinePThreshold {
			refined, err := runStageCached(ctx, cfg, t, binning, fg01Bits, fg10Bits, fam.ID, "refine", cfg.NPermRefine, jobs, target01, target10, statObs, score, perm)
			if err != nil {
				return nil, err
			}
			fr.PPrimary = refined.EmpiricalP()
			fr.NPermUsed = refined.NScored
			fr.Restarts += refined.RestartsTotal
			fr.FellBack += refined.FellBackCount
			fr.Refined = true
			perm.NFamiliesRefined++
		}
		perm.RestartsTotal += fr.Restarts
		perm.FellBackTotal += fr.FellBack
		results[i] = fr
	}
	meta.Permutation = perm
	return results, nil
}

// runStageCached runs one scheduler stage, consulting the permutation
// cache first when enabled. The cache only short-circuits generation when
// include_trait_loss is off: only then does a sample's packed bitmask
// alone (S01, with S10 always empty) fully determine its score, so a
// cached sample sequence can be rescored without redrawing.
func runStageCached(ctx context.Context, cfg config.Config, t *tree.Tree, b *sampler.Binning, fg01Bits, fg10Bits *tree.Bits, familyID, stage string, n, jobs int, target01, target10 map[int]int, statObs float64, score scheduler.ScoreFunc, perm *metadata.PermutationFacts) (scheduler.StageResult, error) {
	fp := cache.Fingerprint{
		TreeFingerprint:  t.Fingerprint(),
		IncludeTraitLoss: cfg.IncludeTraitLoss,
		Fg01Bits:         cache.PackSample(t.NBranches(), tree.SetBits(fg01Bits, uint(t.NBranches()))),
		Fg10Bits:         cache.PackSample(t.NBranches(), tree.SetBits(fg10Bits, uint(t.NBranches()))),
	}

	if cfg.PermCache != "" && !cfg.IncludeTraitLoss {
		path := cachePath(cfg.PermCache, familyID, stage)
		entry, err := cache.Read(path)
		if err == nil && entry.Compatible(fp, familyID, stage, cfg.Seed) && entry.NSamples >= n {
			perm.CacheHits++
			return scoreFromCache(entry, t.NBranches(), n, statObs, score)
		}
		perm.CacheMisses++
	}

	res, err := scheduler.RunStage(ctx, t, b, cfg.Seed, familyID, stage, n, jobs, target01, target10, cfg.IncludeTraitLoss, statObs, score)
	if err != nil {
		return scheduler.StageResult{}, err
	}

	if cfg.PermCache != "" && !cfg.IncludeTraitLoss {
		if err := writeCache(cfg.PermCache, familyID, stage, fp, t, b, cfg.Seed, n, target01, target10); err != nil {
			perm.CacheMisses++ // best-effort: a write failure does not fail the run
		}
	}
	return res, nil
}

func cachePath(dir, familyID, stage string) string {
	return filepath.Join(dir, familyID+"_"+stage+".cache")
}

func scoreFromCache(entry cache.Entry, nBranches, n int, statObs float64, score scheduler.ScoreFunc) (scheduler.StageResult, error) {
	var out scheduler.StageResult
	limit := n
	if limit > len(entry.Samples) {
		limit = len(entry.Samples)
	}
	for i := 0; i < limit; i++ {
		set, err := cache.UnpackSample(entry.Samples[i], nBranches)
		if err != nil {
			continue
		}
		s := &sampler.Sample{S01: set}
		out.NScored++
		if score(s) >= statObs {
			out.GECount++
		}
	}
	out.N = n
	return out, nil
}

func writeCache(dir, familyID, stage string, fp cache.Fingerprint, t *tree.Tree, b *sampler.Binning, seed uint64, n int, target01, target10 map[int]int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	samples := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rngSeed := sampler.SeedFor(seed, familyID, stage, i)
		rng := rand.New(rand.NewSource(int64(rngSeed)))
		s, err := sampler.Draw(t, b, rng, target01, target10, false)
		if err != nil {
			continue
		}
		samples = append(samples, cache.PackSample(t.NBranches(), s.S01))
	}
	entry := cache.NewEntry(fp, familyID, stage, seed, samples)
	return cache.Write(cachePath(dir, familyID, stage), entry)
}

func writeOutputs(cfg config.Config, results, topHits, topP []report.FamilyResult, hist []report.HistBin, qq []report.QQRow, meta *metadata.RunMetadata) ([]string, error) {
	var files []string

	resultsPath := cfg.OutPrefix + ".family_results.tsv"
	if err := report.WriteFamilyResultsTSV(resultsPath, results); err != nil {
		return nil, err
	}
	files = append(files, resultsPath)

	topHitsPath := cfg.OutPrefix + ".top_hits.tsv"
	if err := report.WriteRankedTSV(topHitsPath, topHits); err != nil {
		return nil, err
	}
	files = append(files, topHitsPath)

	if topP != nil {
		topPPath := cfg.OutPrefix + ".top_pvalues.tsv"
		if err := report.WriteRankedTSV(topPPath, topP); err != nil {
			return nil, err
		}
		files = append(files, topPPath)
	}

	if hist != nil {
		histPath := cfg.OutPrefix + ".pvalue_hist.tsv"
		if err := report.WritePValueHistTSV(histPath, hist); err != nil {
			return nil, err
		}
		files = append(files, histPath)
		if cfg.MakePlots {
			plotPath := cfg.OutPrefix + ".pvalue_hist.pdf"
			if err := report.SavePValueHistogramPDF(hist, plotPath); err != nil {
				meta.AddWarning("p-value histogram plot skipped: %v", err)
			} else {
				files = append(files, plotPath)
			}
		}
	}

	if qq != nil {
		qqPath := cfg.OutPrefix + ".qq.tsv"
		if err := report.WriteQQTSV(qqPath, qq); err != nil {
			return nil, err
		}
		files = append(files, qqPath)
		if cfg.MakePlots {
			plotPath := cfg.OutPrefix + ".qq.pdf"
			if err := report.SaveQQPlotPDF(qq, plotPath); err != nil {
				meta.AddWarning("QQ plot skipped: %v", err)
			} else {
				files = append(files, plotPath)
			}
		}
	}

	return files, nil
}
