// Package asr fits a two-state continuous-time Markov model (Mk2) to a
// binary species trait over a fixed tree topology by maximum likelihood,
// reconstructs per-node posteriors, and derives hard-state foreground
// branch sets.
package asr

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/evolbioinfo/cafeshift/tree"
)

// HardState values. Ambiguous means neither posterior threshold was met.
const (
	StateAmbiguous int8 = -1
	State0         int8 = 0
	State1         int8 = 1
)

// Params controls thresholding and which transition direction contributes
// to the foreground.
type Params struct {
	PosteriorHi      float64
	PosteriorLo      float64
	IncludeTraitLoss bool
}

// Result is the fitted model plus derived per-branch diagnostics.
type Result struct {
	Q01, Q10 float64
	LogLik   float64

	// Post1 is the posterior P(state=1) at each branch's own (child-side)
	// node, indexed by branch index.
	Post1     []float64
	RootPost1 float64

	// HardState is the thresholded state (State0, State1, StateAmbiguous)
	// at each branch's own node.
	HardState []int8
	RootHard  int8

	Fg01, Fg10, Fg *tree.Bits
	K01, K10, K    int
}

// gridLog10Lo, gridLog10Hi, gridPoints define the default coarse search
// range [1e-4, 1e1] with 21 points per axis, as recommended in spec §4.B.
const (
	gridLog10Lo = -4.0
	gridLog10Hi = 1.0
	gridPoints  = 21
)

// Fit performs the two-phase grid search and full ASR for one trait over
// one tree.
func Fit(t *tree.Tree, traitState map[string]int, p Params) (*Result, error) {
	n := t.NBranches()
	obs := make([][2]float64, n) // log-space tip indicators, NaN-free for internal nodes
	for b := 0; b < n; b++ {
		br := t.Branch(b)
		if !br.Tip {
			continue
		}
		v, ok := traitState[br.TipName]
		if !ok {
			return nil, fmt.Errorf("asr: tip %q has no trait value", br.TipName)
		}
		if v == 1 {
			obs[b] = [2]float64{math.Inf(-1), 0}
		} else {
			obs[b] = [2]float64{0, math.Inf(-1)}
		}
	}

	rootChildren := rootChildrenOf(t)

	coarse := logGrid(gridLog10Lo, gridLog10Hi, gridPoints)
	bestQ01, bestQ10, bestLL := search(t, obs, rootChildren, coarse, coarse)

	refineLo01, refineHi01 := math.Log10(bestQ01)-1, math.Log10(bestQ01)+1
	refineLo10, refineHi10 := math.Log10(bestQ10)-1, math.Log10(bestQ10)+1
	refine01 := logGrid(clamp(refineLo01, gridLog10Lo, gridLog10Hi), clamp(refineHi01, gridLog10Lo, gridLog10Hi), gridPoints)
	refine10 := logGrid(clamp(refineLo10, gridLog10Lo, gridLog10Hi), clamp(refineHi10, gridLog10Lo, gridLog10Hi), gridPoints)
	q01, q10, ll := search(t, obs, rootChildren, refine01, refine10)
	if ll < bestLL {
		q01, q10, ll = bestQ01, bestQ10, bestLL
	}

	cond := pruningPass(t, obs, q01, q10)
	pi1 := q01 / (q01 + q10)
	logPi := [2]float64{math.Log(1 - pi1), math.Log(pi1)}
	rootCond := combine(q01, q10, t, rootChildren, cond)
	rootLog := [2]float64{logPi[0] + rootCond[0], logPi[1] + rootCond[1]}
	rootNorm := floats.LogSumExp(rootLog[:])
	rootPost1 := math.Exp(rootLog[1] - rootNorm)

	out := downwardPass(t, cond, rootChildren, logPi, q01, q10)

	res := &Result{
		Q01: q01, Q10: q10, LogLik: ll,
		Post1:     make([]float64, n),
		RootPost1: rootPost1,
		HardState: make([]int8, n),
	}
	for b := 0; b < n; b++ {
		joint := [2]float64{cond[b][0] + out[b][0], cond[b][1] + out[b][1]}
		norm := floats.LogSumExp(joint[:])
		res.Post1[b] = math.Exp(joint[1] - norm)
		res.HardState[b] = hardState(res.Post1[b], p.PosteriorLo, p.PosteriorHi)
	}
	res.RootHard = hardState(rootPost1, p.PosteriorLo, p.PosteriorHi)

	res.Fg01 = tree.NewBits(uint(n))
	res.Fg10 = tree.NewBits(uint(n))
	for b := 0; b < n; b++ {
		br := t.Branch(b)
		parentState := res.RootHard
		if br.Parent != -1 {
			parentState = res.HardState[br.Parent]
		}
		childState := res.HardState[b]
		if parentState == State0 && childState == State1 {
			res.Fg01.Set(uint(b))
		}
		if p.IncludeTraitLoss && parentState == State1 && childState == State0 {
			res.Fg10.Set(uint(b))
		}
	}
	res.Fg = res.Fg01.Clone()
	res.Fg.InPlaceUnion(res.Fg10)
	res.K01 = int(res.Fg01.Count())
	res.K10 = int(res.Fg10.Count())
	res.K = int(res.Fg.Count())
	return res, nil
}

func hardState(p, lo, hi float64) int8 {
	if lo == hi {
		return StateAmbiguous
	}
	if p >= hi {
		return State1
	}
	if p <= lo {
		return State0
	}
	return StateAmbiguous
}

func rootChildrenOf(t *tree.Tree) []int {
	var out []int
	for b := 0; b < t.NBranches(); b++ {
		if t.Branch(b).Parent == -1 {
			out = append(out, b)
		}
	}
	return out
}

// transition returns the log transition matrix logP[x][y] = log Prob(y |
// x, t) for the Mk2 model over branch length t, per spec §4.B.
func transition(q01, q10, t float64) [2][2]float64 {
	s := q01 + q10
	if s <= 0 {
		return [2][2]float64{{0, math.Inf(-1)}, {math.Inf(-1), 0}}
	}
	e := math.Exp(-s * t)
	p00 := (q10 + q01*e) / s
	p11 := (q01 + q10*e) / s
	p01 := 1 - p00
	p10 := 1 - p11
	clampProb := func(v float64) float64 {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return v
	}
	return [2][2]float64{
		{math.Log(clampProb(p00)), math.Log(clampProb(p01))},
		{math.Log(clampProb(p10)), math.Log(clampProb(p11))},
	}
}

// combine computes, for a hypothetical node with the given children branch
// indices, the log conditional likelihood vector over the node's own state,
// from already-computed child conditionals.
func combine(q01, q10 float64, t *tree.Tree, children []int, cond [][2]float64) [2]float64 {
	total := [2]float64{0, 0}
	for _, c := range children {
		logP := transition(q01, q10, t.Branch(c).Length)
		for s := 0; s < 2; s++ {
			a := logP[s][0] + cond[c][0]
			b := logP[s][1] + cond[c][1]
			total[s] += floats.LogSumExp([]float64{a, b})
		}
	}
	return total
}

// pruningPass computes Felsenstein's pruning log-conditional likelihood at
// every branch's own node, bottom-up.
func pruningPass(t *tree.Tree, obs [][2]float64, q01, q10 float64) [][2]float64 {
	n := t.NBranches()
	cond := make([][2]float64, n)
	for b := 0; b < n; b++ {
		br := t.Branch(b)
		if br.Tip {
			cond[b] = obs[b]
			continue
		}
		cond[b] = combine(q01, q10, t, br.Children, cond)
	}
	return cond
}

// downwardPass computes, for every branch, the log likelihood of
// everything outside its subtree as a function of its own node's state.
func downwardPass(t *tree.Tree, cond [][2]float64, rootChildren []int, logPi [2]float64, q01, q10 float64) [][2]float64 {
	n := t.NBranches()
	out := make([][2]float64, n)
	// Descending order: a branch's parent always has a strictly larger
	// index (post-order), so parents are finalized before their children.
	for b := n - 1; b >= 0; b-- {
		br := t.Branch(b)
		var rest [2]float64
		var siblings []int
		if br.Parent == -1 {
			siblings = rootChildren
			rest = logPi
		} else {
			siblings = t.Branch(br.Parent).Children
			rest = out[br.Parent]
		}
		for _, s := range siblings {
			if s == b {
				continue
			}
			// A sibling contributes its subtree likelihood carried up its own
			// branch: sum over the sibling's state z of P(y->z) * cond[s][z].
			logPs := transition(q01, q10, t.Branch(s).Length)
			for y := 0; y < 2; y++ {
				rest[y] += floats.LogSumExp([]float64{logPs[y][0] + cond[s][0], logPs[y][1] + cond[s][1]})
			}
		}
		logP := transition(q01, q10, br.Length)
		for x := 0; x < 2; x++ {
			// Transition from the parent/ancestor state y to this node's
			// own state x: logP[y][x].
			a := logP[0][x] + rest[0]
			b2 := logP[1][x] + rest[1]
			out[b][x] = floats.LogSumExp([]float64{a, b2})
		}
	}
	return out
}

// search evaluates log-likelihood over a grid of (q01,q10) pairs and
// returns the maximizer, preferring smaller rates on ties.
func search(t *tree.Tree, obs [][2]float64, rootChildren []int, grid01, grid10 []float64) (bestQ01, bestQ10, bestLL float64) {
	bestLL = math.Inf(-1)
	for _, q01 := range grid01 {
		for _, q10 := range grid10 {
			cond := pruningPass(t, obs, q01, q10)
			pi1 := q01 / (q01 + q10)
			logPi := [2]float64{math.Log(1 - pi1), math.Log(pi1)}
			rootCond := combine(q01, q10, t, rootChildren, cond)
			ll := floats.LogSumExp([]float64{logPi[0] + rootCond[0], logPi[1] + rootCond[1]})
			if ll > bestLL || (ll == bestLL && (q01+q10) < (bestQ01+bestQ10)) {
				bestLL, bestQ01, bestQ10 = ll, q01, q10
			}
		}
	}
	return
}

func logGrid(log10Lo, log10Hi float64, points int) []float64 {
	out := make([]float64, points)
	step := (log10Hi - log10Lo) / float64(points-1)
	for i := 0; i < points; i++ {
		out[i] = math.Pow(10, log10Lo+float64(i)*step)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
