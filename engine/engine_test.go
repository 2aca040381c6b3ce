package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evolbioinfo/cafeshift/config"
)

// writeFixture lays out a minimal cafe_dir + trait_tsv on disk: a balanced
// 4-tip tree where species A,B carry trait=1 and C,D carry trait=0, and two
// families: fam1 with its copy-number change on the (AB) branch, fam2 with
// opposite-sign changes on tips A and B.
func writeFixture(t *testing.T) (cafeDir, traitTSV string) {
	t.Helper()
	dir := t.TempDir()
	cafeDir = filepath.Join(dir, "cafe_out")
	if err := os.Mkdir(cafeDir, 0o755); err != nil {
		t.Fatal(err)
	}

	tree := "((A:1,B:1)AB:1,(C:1,D:1)CD:1)ROOT:0;\n"
	if err := os.WriteFile(filepath.Join(cafeDir, "tree.nwk"), []byte(tree), 0o644); err != nil {
		t.Fatal(err)
	}

	changeTable := "FamilyID\tA\tB\tAB\tC\tD\tCD\n" +
		"fam1\t0\t0\t3\t0\t0\t0\n" +
		"fam2\t1\t-1\t0\t0\t0\t0\n"
	if err := os.WriteFile(filepath.Join(cafeDir, changeTableFileName), []byte(changeTable), 0o644); err != nil {
		t.Fatal(err)
	}

	traitTSV = filepath.Join(dir, "traits.tsv")
	traits := "species\thabitat\nA\t1\nB\t1\nC\t0\nD\t0\n"
	if err := os.WriteFile(traitTSV, []byte(traits), 0o644); err != nil {
		t.Fatal(err)
	}
	return cafeDir, traitTSV
}

func baseConfig(t *testing.T, cafeDir, traitTSV, outPrefix string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CafeDir = cafeDir
	cfg.TraitTSV = traitTSV
	cfg.OutPrefix = outPrefix
	cfg.NPermInitial = 50
	cfg.NPermRefine = 50 // <= NPermInitial: refinement is a no-op, keeps the test fast
	cfg.Seed = 7
	cfg.Jobs = 1
	return cfg
}

func TestRunPermutationPathEndToEnd(t *testing.T) {
	cafeDir, traitTSV := writeFixture(t)
	outPrefix := filepath.Join(t.TempDir(), "run1")
	cfg := baseConfig(t, cafeDir, traitTSV, outPrefix)

	meta, err := Run(context.Background(), cfg, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if meta.Results.NFamiliesTotal != 2 {
		t.Errorf("expected 2 families, got %d", meta.Results.NFamiliesTotal)
	}
	if meta.Tree.NTips != 4 {
		t.Errorf("expected 4 tips, got %d", meta.Tree.NTips)
	}
	if meta.Permutation == nil {
		t.Fatal("expected permutation facts to be populated")
	}
	for _, f := range meta.Results.OutputFiles {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("expected output file %s to exist: %v", f, err)
		}
	}
}

func TestRunFisherTaronePathEndToEnd(t *testing.T) {
	cafeDir, traitTSV := writeFixture(t)
	outPrefix := filepath.Join(t.TempDir(), "run2")
	cfg := baseConfig(t, cafeDir, traitTSV, outPrefix)
	cfg.BinaryTest = config.BinaryTestFisherTarone

	meta, err := Run(context.Background(), cfg, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if meta.Tarone == nil {
		t.Fatal("expected tarone facts to be populated")
	}
	if meta.Tarone.MTotal != 2 {
		t.Errorf("expected m_total=2, got %d", meta.Tarone.MTotal)
	}
}

func TestRunRejectsMissingCafeDir(t *testing.T) {
	_, traitTSV := writeFixture(t)
	cfg := baseConfig(t, "/nonexistent/cafe/dir", traitTSV, filepath.Join(t.TempDir(), "run3"))

	if _, err := Run(context.Background(), cfg, time.Unix(0, 0).UTC()); err == nil {
		t.Fatal("expected an error for a missing cafe_dir")
	}
}

func TestRunWithCacheReusesCompatibleEntries(t *testing.T) {
	cafeDir, traitTSV := writeFixture(t)
	outPrefix := filepath.Join(t.TempDir(), "run4")
	cfg := baseConfig(t, cafeDir, traitTSV, outPrefix)
	cfg.PermCache = filepath.Join(t.TempDir(), "cache")

	if _, err := Run(context.Background(), cfg, time.Unix(0, 0).UTC()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	meta, err := Run(context.Background(), cfg, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if meta.Permutation.CacheHits == 0 {
		t.Errorf("expected the second run to hit the cache, got %+v", meta.Permutation)
	}
}
