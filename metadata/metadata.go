// Package metadata assembles the run_metadata.json document: the resolved
// configuration, tree and ASR facts, permutation and Tarone diagnostics, and
// a summary of what was written, so a run can be audited or reproduced
// without re-reading every output TSV.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/evolbioinfo/cafeshift/config"
)

// ToolVersion is set at build time via -ldflags; "dev" otherwise.
var ToolVersion = "dev"

// Inputs records the input file paths and their content digests, so a run
// can be tied back to the exact bytes it was run against.
type Inputs struct {
	CafeDir               string `json:"cafe_dir"`
	TraitTSV              string `json:"trait_tsv"`
	TraitTSVSHA256        string `json:"trait_tsv_sha256,omitempty"`
	TraitColumn           string `json:"trait_column"`
	CafeChangeTableSHA256 string `json:"cafe_change_table_sha256,omitempty"`
	CafeProbTableSHA256   string `json:"cafe_prob_table_sha256,omitempty"`
}

// TreeFacts summarizes the canonicalized species tree.
type TreeFacts struct {
	NTips       int    `json:"n_tips"`
	NBranches   int    `json:"n_branches"`
	Fingerprint string `json:"fingerprint"`
}

// ASRFacts summarizes the fitted Mk2 model and derived foreground sets.
type ASRFacts struct {
	Q01           float64 `json:"q01"`
	Q10           float64 `json:"q10"`
	LogLik        float64 `json:"log_lik"`
	PosteriorHi   float64 `json:"posterior_hi"`
	PosteriorLo   float64 `json:"posterior_lo"`
	NForeground01 int     `json:"n_foreground_01"`
	NForeground10 int     `json:"n_foreground_10"`
	RootHardState int8    `json:"root_hard_state"`
}

// PermutationFacts summarizes the permutation path's sampling effort across
// every family, when binary_test=permutation.
type PermutationFacts struct {
	NInitial         int `json:"n_initial"`
	NRefine          int `json:"n_refine"`
	NFamiliesRefined int `json:"n_families_refined"`
	RestartsTotal    int `json:"restarts_total"`
	FellBackTotal    int `json:"fell_back_total"`
	CacheHits        int `json:"cache_hits"`
	CacheMisses      int `json:"cache_misses"`
}

// TaroneFacts summarizes the Fisher-Tarone path's screening step, when
// binary_test=fisher-tarone.
type TaroneFacts struct {
	MTotal    int     `json:"m_total"`
	MTestable int     `json:"m_testable"`
	AlphaStar float64 `json:"alpha_star"`
}

// ResultsSummary records the run's top-level counts and output locations.
type ResultsSummary struct {
	NFamiliesTotal  int      `json:"n_families_total"`
	NFamiliesTested int      `json:"n_families_tested"`
	NTopHits        int      `json:"n_top_hits"`
	OutputFiles     []string `json:"output_files"`
}

// RunMetadata is the full run_metadata.json document.
type RunMetadata struct {
	Tool      string        `json:"tool"`
	Version   string        `json:"version"`
	Mode      string        `json:"mode"`
	StartedAt time.Time     `json:"started_at"`
	Inputs    Inputs        `json:"inputs"`
	Config    config.Config `json:"config"`

	Tree TreeFacts `json:"tree"`
	ASR  ASRFacts  `json:"asr"`

	Permutation *PermutationFacts `json:"permutation,omitempty"`
	Tarone      *TaroneFacts      `json:"tarone,omitempty"`

	Results ResultsSummary `json:"results"`

	// Warnings collects non-fatal conditions recorded along the way. The
	// engine records a skipped PDF plot here; cache misses are counted in
	// Permutation, and a family with no valid foreground branch is marked
	// by its own status, not by a warning.
	Warnings []string `json:"warnings,omitempty"`
}

// New starts a RunMetadata from the resolved config and input facts.
// StartedAt must be supplied by the caller (the package does not call
// time.Now itself, so the same run can be replayed deterministically in
// tests).
func New(cfg config.Config, in Inputs, startedAt time.Time) *RunMetadata {
	return &RunMetadata{
		Tool:      "cafeshift",
		Version:   ToolVersion,
		Mode:      string(cfg.Mode),
		StartedAt: startedAt,
		Inputs:    in,
		Config:    cfg,
	}
}

// AddWarning appends a non-fatal diagnostic to the run record.
func (m *RunMetadata) AddWarning(format string, args ...interface{}) {
	m.Warnings = append(m.Warnings, fmt.Sprintf(format, args...))
}

// Write renders the document as indented JSON to path.
func (m *RunMetadata) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("metadata: encode: %w", err)
	}
	return nil
}
