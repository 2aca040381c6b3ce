// Package scheduler runs one stage of the permutation test for one family.
// The engine calls it for the initial N1-sample pass and again for the
// N2-sample refinement of families that cleared the initial p-value
// threshold. Sample generation and scoring are
// chunked and distributed across a worker pool; chunks are reduced in
// deterministic order so the result does not depend on worker count.
//
// The worker-pool shape (stateless workers draining a unit of indexed work,
// partial results merged by the caller) follows the teacher's bootstrap
// support computation; golang.org/x/sync/errgroup replaces its hand-rolled
// channel/WaitGroup plumbing for error propagation.
package scheduler

import (
	"context"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/evolbioinfo/cafeshift/sampler"
	"github.com/evolbioinfo/cafeshift/tree"
)

// chunkSize bounds how many samples a single worker task materializes at
// once, so a large N_refine does not require holding every sample in memory
// simultaneously (spec §5).
const chunkSize = 256

// ScoreFunc scores one drawn sample against a family's data, returning the
// null statistic value to compare against stat_obs.
type ScoreFunc func(s *sampler.Sample) float64

// ChunkResult is one chunk's contribution to a family's stage result.
// Samples are scored and discarded as they are drawn (spec §5's streaming
// requirement for large N_refine); only the running tallies are kept.
type ChunkResult struct {
	NScored       int
	GECount       int // samples whose null statistic >= statObs
	RestartsTotal int
	FellBackCount int
}

// StageResult aggregates every chunk's contribution, reduced in chunk order.
type StageResult struct {
	N             int
	NScored       int
	GECount       int
	RestartsTotal int
	FellBackCount int
}

// EmpiricalP returns the one-sided empirical p-value with add-one
// correction over the samples actually scored (a sample lost to restart-
// budget exhaustion is excluded rather than double-counted).
func (r StageResult) EmpiricalP() float64 {
	return float64(1+r.GECount) / float64(r.NScored+1)
}

// RunStage draws n samples for one family/stage, deterministically seeded
// by (seed, familyID, stage, sampleIndex), and scores each against statObs
// via score. jobs == 1 runs one chunk at a time; jobs <= 0 places no limit
// on concurrent chunks (the engine maps jobs == 0 to runtime.NumCPU()
// before calling).
func RunStage(ctx context.Context, t *tree.Tree, b *sampler.Binning, seed uint64, familyID, stage string, n, jobs int, target01, target10 map[int]int, includeLoss bool, statObs float64, score ScoreFunc) (StageResult, error) {
	if n <= 0 {
		return StageResult{}, nil
	}
	nChunks := (n + chunkSize - 1) / chunkSize
	results := make([]ChunkResult, nChunks)

	g, gctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}

	for c := 0; c < nChunks; c++ {
		c := c
		start := c * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			results[c] = runChunk(t, b, seed, familyID, stage, start, end, target01, target10, includeLoss, statObs, score)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StageResult{}, err
	}

	// Reduce in chunk order: for a plain sum the arithmetic result does not
	// depend on order, but the deterministic reduction order is what makes
	// every per-chunk diagnostic (restarts, fallbacks) reproducible across
	// jobs settings too.
	var out StageResult
	out.N = n
	for _, r := range results {
		out.NScored += r.NScored
		out.GECount += r.GECount
		out.RestartsTotal += r.RestartsTotal
		out.FellBackCount += r.FellBackCount
	}
	return out, nil
}

func runChunk(t *tree.Tree, b *sampler.Binning, seed uint64, familyID, stage string, start, end int, target01, target10 map[int]int, includeLoss bool, statObs float64, score ScoreFunc) ChunkResult {
	var cr ChunkResult
	for i := start; i < end; i++ {
		rngSeed := sampler.SeedFor(seed, familyID, stage, i)
		rng := rand.New(rand.NewSource(int64(rngSeed)))
		s, err := sampler.Draw(t, b, rng, target01, target10, includeLoss)
		if err != nil {
			// A single exhausted sample does not fail the whole stage; it
			// is simply excluded from the null distribution.
			continue
		}
		cr.RestartsTotal += s.Restarts
		if s.FellBackToIndependent {
			cr.FellBackCount++
		}
		cr.NScored++
		if score(s) >= statObs {
			cr.GECount++
		}
	}
	return cr
}
