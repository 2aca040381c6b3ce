package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/evolbioinfo/cafeshift/config"
	"github.com/evolbioinfo/cafeshift/engine"
)

// cfg accumulates the flag values runCmd binds; it is translated into a
// config.Config (and validated there) once RunE fires.
var cfg = config.Default()

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one copy-number/trait-association test",
	Long: `run reads a CAFE output directory and a species-trait table, fits the
ancestral-state model, tests every gene family along the configured
statistical path, and writes the result tables and run metadata under
out_prefix.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		logPath := cfg.OutPrefix + ".log"
		logFile, err := os.Create(logPath)
		if err != nil {
			return fmt.Errorf("cafeshift: opening log file: %w", err)
		}
		defer logFile.Close()

		start := time.Now()
		writeRunLog(logFile, start)

		meta, err := engine.Run(context.Background(), cfg, start)
		if err != nil {
			fmt.Fprintf(logFile, "Error       : %s\n", err.Error())
			return err
		}
		fmt.Fprintf(logFile, "Families    : %d tested, %d top hits\n", meta.Results.NFamiliesTested, meta.Results.NTopHits)
		fmt.Fprintf(logFile, "End         : %s\n", time.Now().Format(time.RFC822))
		return nil
	},
}

func writeRunLog(w *os.File, start time.Time) {
	fmt.Fprintf(w, "cafeshift run\n")
	fmt.Fprintf(w, "Start       : %s\n", start.Format(time.RFC822))
	fmt.Fprintf(w, "CAFE dir    : %s\n", cfg.CafeDir)
	fmt.Fprintf(w, "Trait TSV   : %s\n", cfg.TraitTSV)
	fmt.Fprintf(w, "Mode        : %s\n", cfg.Mode)
	fmt.Fprintf(w, "Direction   : %s\n", cfg.Direction)
	fmt.Fprintf(w, "Binary test : %s\n", cfg.BinaryTest)
	fmt.Fprintf(w, "Jobs        : %d\n", cfg.Jobs)
	fmt.Fprintf(w, "Seed        : %d\n", cfg.Seed)
}

func init() {
	flags := runCmd.Flags()

	flags.StringVar(&cfg.CafeDir, "cafe_dir", "", "directory containing the CAFE change table, probability table, and tree (required)")
	flags.StringVar(&cfg.TraitTSV, "trait_tsv", "", "path to the species-trait TSV (required)")
	flags.StringVar(&cfg.TraitColumn, "trait_column", "", "trait column name (auto-selected when omitted and unambiguous)")
	flags.StringVar(&cfg.OutPrefix, "out_prefix", "", "prefix for every output file (required)")

	flags.StringVar((*string)(&cfg.Mode), "mode", string(cfg.Mode), "statistic family: binary|rate")
	flags.StringVar((*string)(&cfg.Direction), "direction", string(cfg.Direction), "sign convention: gain|loss")

	flags.StringVar((*string)(&cfg.BinaryTest), "binary_test", string(cfg.BinaryTest), "binary-mode test path: permutation|fisher-tarone")
	flags.Float64Var(&cfg.FwerAlpha, "fwer_alpha", cfg.FwerAlpha, "Tarone family-wise error rate")

	flags.BoolVar(&cfg.IncludeTraitLoss, "include_trait_loss", cfg.IncludeTraitLoss, "also test branches with a 1->0 trait transition")

	flags.StringVar((*string)(&cfg.ASRMethod), "asr_method", string(cfg.ASRMethod), "ancestral-state reconstruction method: ml")
	flags.Float64Var(&cfg.ASRPosteriorHi, "asr_posterior_hi", cfg.ASRPosteriorHi, "posterior threshold for a hard state-1 call")
	flags.Float64Var(&cfg.ASRPosteriorLo, "asr_posterior_lo", cfg.ASRPosteriorLo, "posterior threshold for a hard state-0 call")

	flags.BoolVar(&cfg.CafeSignificantOnly, "cafe_significant_only", cfg.CafeSignificantOnly, "restrict scoring to CAFE-significant branches (binary mode only)")
	flags.Float64Var(&cfg.CafeAlpha, "cafe_alpha", cfg.CafeAlpha, "CAFE branch-probability significance threshold")

	flags.IntVar(&cfg.NPermInitial, "n_perm_initial", cfg.NPermInitial, "stage-1 permutation sample count")
	flags.IntVar(&cfg.NPermRefine, "n_perm_refine", cfg.NPermRefine, "stage-2 permutation sample count")
	flags.Float64Var(&cfg.RefinePThreshold, "refine_p_threshold", cfg.RefinePThreshold, "initial p-value at or below which a family is refined")

	flags.StringVar((*string)(&cfg.CladeBinScheme), "clade_bin_scheme", string(cfg.CladeBinScheme), "clade-size stratification scheme: log2")

	flags.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "RNG seed key")
	flags.IntVar(&cfg.Jobs, "jobs", cfg.Jobs, "worker count (0 = number of CPUs)")

	flags.StringVar(&cfg.PermCache, "perm_cache", cfg.PermCache, "directory for the permutation sample cache (disabled when empty)")

	flags.Float64Var(&cfg.QvalueThreshold, "qvalue_threshold", cfg.QvalueThreshold, "q-value cutoff for top_hits (permutation path)")
	flags.IntVar(&cfg.HistBins, "hist_bins", cfg.HistBins, "bin count for the p-value histogram")
	flags.IntVar(&cfg.PvalueTopN, "pvalue_top_n", cfg.PvalueTopN, "row count for the top-p-values table (0 disables)")
	flags.BoolVar(&cfg.MakePlots, "make_plots", cfg.MakePlots, "also render PDF diagnostics")

	runCmd.MarkFlagRequired("cafe_dir")
	runCmd.MarkFlagRequired("trait_tsv")
	runCmd.MarkFlagRequired("out_prefix")
}
