// Package config holds the resolved run configuration and validates the
// flag-combination rules a CLI layer cannot express declaratively.
package config

import "fmt"

// Mode selects the statistic family.
type Mode string

const (
	ModeBinary Mode = "binary"
	ModeRate   Mode = "rate"
)

// Direction selects the sign convention the statistic scores against.
type Direction string

const (
	DirectionGain Direction = "gain"
	DirectionLoss Direction = "loss"
)

// BinaryTest selects the binary-mode test path.
type BinaryTest string

const (
	BinaryTestPermutation  BinaryTest = "permutation"
	BinaryTestFisherTarone BinaryTest = "fisher-tarone"
)

// CladeBinScheme selects the clade-size stratification scheme.
type CladeBinScheme string

const (
	CladeBinLog2 CladeBinScheme = "log2"
)

// ASRMethod selects the ancestral-state-reconstruction method.
type ASRMethod string

const (
	ASRMethodML ASRMethod = "ml"
)

// Config is the fully resolved set of run parameters, matching the CLI
// surface.
type Config struct {
	CafeDir     string
	TraitTSV    string
	TraitColumn string
	OutPrefix   string

	Mode      Mode
	Direction Direction

	BinaryTest BinaryTest
	FwerAlpha  float64

	IncludeTraitLoss bool

	ASRMethod      ASRMethod
	ASRPosteriorHi float64
	ASRPosteriorLo float64

	CafeSignificantOnly bool
	CafeAlpha           float64

	NPermInitial     int
	NPermRefine      int
	RefinePThreshold float64

	CladeBinScheme CladeBinScheme

	Seed uint64
	Jobs int

	PermCache string

	QvalueThreshold float64
	HistBins        int
	PvalueTopN      int
	MakePlots       bool
}

// Default returns a Config populated with the run's documented defaults.
func Default() Config {
	return Config{
		Mode:             ModeBinary,
		Direction:        DirectionGain,
		BinaryTest:       BinaryTestPermutation,
		FwerAlpha:        0.05,
		ASRMethod:        ASRMethodML,
		ASRPosteriorHi:   0.8,
		ASRPosteriorLo:   0.2,
		CafeAlpha:        0.05,
		NPermInitial:     1000,
		NPermRefine:      1000000,
		RefinePThreshold: 0.01,
		CladeBinScheme:   CladeBinLog2,
		Jobs:             1,
		QvalueThreshold:  0.05,
		HistBins:         20,
		PvalueTopN:       50,
	}
}

// Validate enforces the incompatibility rules that the flag set alone
// cannot express: fisher-tarone and cafe_significant_only require
// mode=binary; ASR posterior thresholds must be ordered; probability-like
// parameters must lie in their documented ranges.
func (c Config) Validate() error {
	if c.CafeDir == "" {
		return fmt.Errorf("config: cafe_dir is required")
	}
	if c.TraitTSV == "" {
		return fmt.Errorf("config: trait_tsv is required")
	}
	if c.OutPrefix == "" {
		return fmt.Errorf("config: out_prefix is required")
	}

	switch c.Mode {
	case ModeBinary, ModeRate:
	default:
		return fmt.Errorf("config: mode must be %q or %q, got %q", ModeBinary, ModeRate, c.Mode)
	}
	switch c.Direction {
	case DirectionGain, DirectionLoss:
	default:
		return fmt.Errorf("config: direction must be %q or %q, got %q", DirectionGain, DirectionLoss, c.Direction)
	}
	switch c.BinaryTest {
	case BinaryTestPermutation, BinaryTestFisherTarone:
	default:
		return fmt.Errorf("config: binary_test must be %q or %q, got %q", BinaryTestPermutation, BinaryTestFisherTarone, c.BinaryTest)
	}
	switch c.ASRMethod {
	case ASRMethodML:
	default:
		return fmt.Errorf("config: asr_method must be %q, got %q", ASRMethodML, c.ASRMethod)
	}
	switch c.CladeBinScheme {
	case CladeBinLog2:
	default:
		return fmt.Errorf("config: clade_bin_scheme must be %q, got %q", CladeBinLog2, c.CladeBinScheme)
	}

	if c.BinaryTest == BinaryTestFisherTarone && c.Mode != ModeBinary {
		return fmt.Errorf("config: binary_test=fisher-tarone requires mode=binary")
	}
	if c.CafeSignificantOnly && c.Mode != ModeBinary {
		return fmt.Errorf("config: cafe_significant_only requires mode=binary")
	}

	if !(c.FwerAlpha > 0 && c.FwerAlpha < 1) {
		return fmt.Errorf("config: fwer_alpha must be in (0,1), got %v", c.FwerAlpha)
	}
	if !(c.ASRPosteriorLo >= 0 && c.ASRPosteriorLo <= c.ASRPosteriorHi && c.ASRPosteriorHi <= 1) {
		return fmt.Errorf("config: require 0 <= asr_posterior_lo <= asr_posterior_hi <= 1, got lo=%v hi=%v", c.ASRPosteriorLo, c.ASRPosteriorHi)
	}
	if c.CafeSignificantOnly && !(c.CafeAlpha > 0 && c.CafeAlpha < 1) {
		return fmt.Errorf("config: cafe_alpha must be in (0,1), got %v", c.CafeAlpha)
	}
	if c.BinaryTest == BinaryTestPermutation {
		if c.NPermInitial <= 0 {
			return fmt.Errorf("config: n_perm_initial must be > 0, got %d", c.NPermInitial)
		}
		if c.NPermRefine <= 0 {
			return fmt.Errorf("config: n_perm_refine must be > 0, got %d", c.NPermRefine)
		}
		if !(c.RefinePThreshold > 0 && c.RefinePThreshold < 1) {
			return fmt.Errorf("config: refine_p_threshold must be in (0,1), got %v", c.RefinePThreshold)
		}
	}
	if c.Jobs < 0 {
		return fmt.Errorf("config: jobs must be >= 0, got %d", c.Jobs)
	}
	if !(c.QvalueThreshold >= 0 && c.QvalueThreshold <= 1) {
		return fmt.Errorf("config: qvalue_threshold must be in [0,1], got %v", c.QvalueThreshold)
	}
	if c.HistBins <= 0 {
		return fmt.Errorf("config: hist_bins must be > 0, got %d", c.HistBins)
	}
	if c.PvalueTopN < 0 {
		return fmt.Errorf("config: pvalue_top_n must be >= 0, got %d", c.PvalueTopN)
	}
	return nil
}

// RefinementIsNoOp reports whether n_perm_refine <= n_perm_initial, in which
// case the refinement stage never runs and every family keeps refined=false.
func (c Config) RefinementIsNoOp() bool {
	return c.NPermRefine <= c.NPermInitial
}
