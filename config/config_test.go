package config

import "testing"

func validConfig() Config {
	c := Default()
	c.CafeDir = "testdata/cafe"
	c.TraitTSV = "testdata/trait.tsv"
	c.OutPrefix = "out/run"
	return c
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestValidateRejectsFisherTaroneInRateMode(t *testing.T) {
	c := validConfig()
	c.Mode = ModeRate
	c.BinaryTest = BinaryTestFisherTarone
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for fisher-tarone with mode=rate")
	}
}

func TestValidateRejectsCafeSignificantOnlyInRateMode(t *testing.T) {
	c := validConfig()
	c.Mode = ModeRate
	c.CafeSignificantOnly = true
	c.CafeAlpha = 0.05
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for cafe_significant_only with mode=rate")
	}
}

func TestValidateRejectsInvertedPosteriorThresholds(t *testing.T) {
	c := validConfig()
	c.ASRPosteriorLo = 0.9
	c.ASRPosteriorHi = 0.1
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for asr_posterior_lo > asr_posterior_hi")
	}
}

func TestValidateAcceptsEqualPosteriorThresholds(t *testing.T) {
	c := validConfig()
	c.ASRPosteriorLo = 0.5
	c.ASRPosteriorHi = 0.5
	if err := c.Validate(); err != nil {
		t.Fatalf("lo == hi is the documented ambiguous-everywhere edge case, not invalid: %v", err)
	}
}

func TestValidateRejectsZeroPermInitial(t *testing.T) {
	c := validConfig()
	c.NPermInitial = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for n_perm_initial == 0")
	}
}

func TestRefinementIsNoOp(t *testing.T) {
	c := validConfig()
	c.NPermInitial = 1000
	c.NPermRefine = 500
	if !c.RefinementIsNoOp() {
		t.Error("expected refinement to be a no-op when n_perm_refine <= n_perm_initial")
	}
}
