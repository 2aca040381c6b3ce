/*
Package tree canonicalizes a parsed species tree into the branch-indexed,
bitmask-addressable structure the rest of the pipeline operates on.

A Tree here is not the mutable, pointer-linked structure gotree builds while
parsing (see io/newick): it is an immutable snapshot, produced once by
Canonicalize, of n non-root branches in a fixed deterministic order, with
ancestor, descendant, tip, and clade-size-bin bitmasks precomputed for every
branch.
*/
package tree

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/OneOfOne/xxhash"

	"github.com/evolbioinfo/cafeshift/io/newick"
)

// stateSuffix matches the trailing "_0" or "_1" CAFE appends to a node
// label to record its reconstructed ancestral state.
var stateSuffix = regexp.MustCompile(`_[01]$`)

// StripStateSuffix strips a trailing "_0"/"_1" from a raw node label to
// recover the canonical branch key used to join with change/probability
// tables.
func StripStateSuffix(label string) string {
	return stateSuffix.ReplaceAllString(label, "")
}

// Branch is one non-root branch of a canonicalized tree.
type Branch struct {
	Key      string // canonical branch key (state suffix stripped)
	Parent   int    // index of the parent branch, or -1 if its parent is the root
	Children []int  // indices of child branches
	Length   float64
	Tip      bool
	TipName  string // canonical key of the tip, when Tip is true
}

// Tree is the canonicalized, branch-indexed species tree.
type Tree struct {
	branches []Branch
	index    map[string]int // branch key -> branch index

	ancestors   []*Bits // ancestors[b]: proper ancestor branches of b
	descendants []*Bits // descendants[b]: proper descendant branches of b
	tips        []*Bits // tips[b]: tip indices in the subtree rooted at b
	cladeSize   []int
	bin         []int

	tipOrder []string // canonical tip keys, sorted, index == bit position in Tips masks
	tipIndex map[string]int

	fingerprint string
	rateMode    bool
}

// NBranches returns the number of non-root branches, n.
func (t *Tree) NBranches() int { return len(t.branches) }

// NTips returns the number of tips.
func (t *Tree) NTips() int { return len(t.tipOrder) }

// Branch returns the branch at index b.
func (t *Tree) Branch(b int) Branch { return t.branches[b] }

// BranchIndex returns the branch index for a canonical key, or false if the
// key is unknown.
func (t *Tree) BranchIndex(key string) (int, bool) {
	i, ok := t.index[key]
	return i, ok
}

// TipNames returns the canonical tip keys in bitmask order.
func (t *Tree) TipNames() []string { return t.tipOrder }

// TipBitIndex returns the bit position of a tip in Tips masks.
func (t *Tree) TipBitIndex(name string) (int, bool) {
	i, ok := t.tipIndex[name]
	return i, ok
}

// Ancestors returns the bitmask of b's proper ancestor branches.
func (t *Tree) Ancestors(b int) *Bits { return t.ancestors[b] }

// Descendants returns the bitmask of b's proper descendant branches.
func (t *Tree) Descendants(b int) *Bits { return t.descendants[b] }

// Tips returns the bitmask, over tip indices, of the tips in the subtree
// rooted at b.
func (t *Tree) Tips(b int) *Bits { return t.tips[b] }

// CladeSize returns the number of tips at or below b.
func (t *Tree) CladeSize(b int) int { return t.cladeSize[b] }

// Bin returns b's clade-size bin, floor(log2(CladeSize(b))).
func (t *Tree) Bin(b int) int { return t.bin[b] }

// Fingerprint returns the stable hash over the ordered branch-key list and
// parent indices.
func (t *Tree) Fingerprint() string { return t.fingerprint }

// OnSameRootToTipPath reports whether a and b are on a common root-to-tip
// path, i.e. one is an ancestor of the other (or they are the same branch).
func (t *Tree) OnSameRootToTipPath(a, b int) bool {
	if a == b {
		return true
	}
	return t.ancestors[a].Test(uint(b)) || t.ancestors[b].Test(uint(a))
}

// Canonicalize builds a Tree from a parsed Newick node. rateMode requires
// every non-root branch to carry a strictly positive length; otherwise a
// length of exactly zero is allowed (but not negative or non-finite).
func Canonicalize(root *newick.Node, rateMode bool) (*Tree, error) {
	if root == nil {
		return nil, errors.New("tree: empty input tree")
	}

	type labeled struct {
		raw  *newick.Node
		key  string
		tip  bool
		kids []*labeled
	}
	seen := map[string]bool{}
	var build func(n *newick.Node) (*labeled, error)
	build = func(n *newick.Node) (*labeled, error) {
		key := StripStateSuffix(n.Label)
		if key == "" {
			return nil, errors.New("tree: node with empty label after stripping state suffix")
		}
		if seen[key] {
			return nil, fmt.Errorf("tree: duplicate canonical branch key %q", key)
		}
		seen[key] = true
		l := &labeled{raw: n, key: key, tip: len(n.Children) == 0}
		for _, c := range n.Children {
			cl, err := build(c)
			if err != nil {
				return nil, err
			}
			l.kids = append(l.kids, cl)
		}
		sort.Slice(l.kids, func(i, j int) bool { return l.kids[i].key < l.kids[j].key })
		return l, nil
	}
	lroot, err := build(root)
	if err != nil {
		return nil, err
	}
	if len(lroot.kids) == 0 {
		return nil, errors.New("tree: root has no children")
	}

	t := &Tree{index: map[string]int{}, tipIndex: map[string]int{}, rateMode: rateMode}

	// Post-order assignment of branch indices: every node except the root
	// is a branch, appended only after all of its children, so a branch's
	// descendants always carry strictly smaller indices than the branch
	// itself. A child's Parent field is unknown until its parent is
	// appended, so it is back-patched once the parent's own index exists.
	var assign func(l *labeled) (int, error)
	assign = func(l *labeled) (int, error) {
		childIdx := make([]int, 0, len(l.kids))
		for _, k := range l.kids {
			cIdx, err := assign(k)
			if err != nil {
				return -1, err
			}
			childIdx = append(childIdx, cIdx)
		}

		length := l.raw.Length
		if !l.raw.HasLength {
			length = 0
		}
		if math.IsNaN(length) || math.IsInf(length, 0) || length < 0 {
			return -1, fmt.Errorf("tree: branch %q has non-finite or negative length", l.key)
		}
		if rateMode && length == 0 {
			return -1, fmt.Errorf("tree: rate mode requires strictly positive branch length, branch %q has length 0", l.key)
		}

		myIdx := len(t.branches)
		br := Branch{Key: l.key, Parent: rootMarker, Children: childIdx, Length: length, Tip: l.tip}
		if l.tip {
			br.TipName = l.key
		}
		t.branches = append(t.branches, br)
		t.index[l.key] = myIdx
		for _, cIdx := range childIdx {
			t.branches[cIdx].Parent = myIdx
		}
		return myIdx, nil
	}

	for _, k := range lroot.kids {
		if _, err := assign(k); err != nil {
			return nil, err
		}
	}

	n := len(t.branches)

	// Tip order: alphabetical, independent of branch order, matching the
	// teacher's SortedTips/UpdateTipIndex convention.
	for _, b := range t.branches {
		if b.Tip {
			t.tipOrder = append(t.tipOrder, b.TipName)
		}
	}
	sort.Strings(t.tipOrder)
	for i, name := range t.tipOrder {
		t.tipIndex[name] = i
	}
	ntips := uint(len(t.tipOrder))

	t.ancestors = make([]*Bits, n)
	t.descendants = make([]*Bits, n)
	t.tips = make([]*Bits, n)
	t.cladeSize = make([]int, n)
	t.bin = make([]int, n)
	for i := range t.branches {
		t.ancestors[i] = NewBits(uint(n))
		t.descendants[i] = NewBits(uint(n))
		t.tips[i] = NewBits(ntips)
	}

	// Fill tips[b] and descendants[b] bottom-up: post order guarantees
	// every child index is smaller than its parent's, so ascending order
	// already visits children before parents.
	for b := 0; b < n; b++ {
		br := t.branches[b]
		if br.Tip {
			bit, _ := t.TipBitIndex(br.TipName)
			t.tips[b].Set(uint(bit))
			continue
		}
		for _, c := range br.Children {
			t.tips[b].InPlaceUnion(t.tips[c])
			t.descendants[b].Set(uint(c))
			t.descendants[b].InPlaceUnion(t.descendants[c])
		}
	}

	// Fill ancestors[b] by walking each branch's parent chain to the root.
	for b := 0; b < n; b++ {
		p := t.branches[b].Parent
		for p != rootMarker {
			t.ancestors[b].Set(uint(p))
			p = t.branches[p].Parent
		}
	}

	for b := 0; b < n; b++ {
		t.cladeSize[b] = popcount(t.tips[b])
		if t.cladeSize[b] <= 0 {
			return nil, fmt.Errorf("tree: branch %q has empty clade", t.branches[b].Key)
		}
		t.bin[b] = int(math.Floor(math.Log2(float64(t.cladeSize[b]))))
	}

	t.fingerprint = fingerprint(t.branches)
	return t, nil
}

const rootMarker = -1

// fingerprint hashes the ordered branch-key list and parent indices so two
// canonicalizations of topologically identical input are recognized as
// compatible (see §4.G permutation cache).
func fingerprint(branches []Branch) string {
	h := xxhash.New64()
	for _, b := range branches {
		h.WriteString(b.Key)
		h.WriteString("\x00")
		fmt.Fprintf(h, "%d\x00", b.Parent)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// ValidateSpecies checks that a trait species set exactly matches the tree's
// tip set.
func (t *Tree) ValidateSpecies(species map[string]int) error {
	if len(species) != len(t.tipOrder) {
		return fmt.Errorf("tree: trait table has %d species, tree has %d tips", len(species), len(t.tipOrder))
	}
	for _, tip := range t.tipOrder {
		if _, ok := species[tip]; !ok {
			return fmt.Errorf("tree: tip %q has no trait value", tip)
		}
	}
	for sp := range species {
		if _, ok := t.tipIndex[sp]; !ok {
			return fmt.Errorf("tree: trait species %q is not a tip of the tree", sp)
		}
	}
	return nil
}

// String renders the branch list for debugging.
func (t *Tree) String() string {
	var sb strings.Builder
	for i, b := range t.branches {
		fmt.Fprintf(&sb, "%d\t%s\tparent=%d\tlen=%g\ttip=%v\n", i, b.Key, b.Parent, b.Length, b.Tip)
	}
	return sb.String()
}
