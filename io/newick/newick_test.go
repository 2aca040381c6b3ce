package newick

import "testing"

func TestParseBalancedTree(t *testing.T) {
	n, err := Parse("((A:1,B:1)AB:1,(C:1,D:1)CD:1)ROOT:0;")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Label != "ROOT" {
		t.Errorf("expected root label ROOT, got %q", n.Label)
	}
	if len(n.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(n.Children))
	}
	ab := n.Children[0]
	if ab.Label != "AB" || len(ab.Children) != 2 {
		t.Errorf("unexpected AB node: %+v", ab)
	}
	if ab.Children[0].Label != "A" || !ab.Children[0].HasLength || ab.Children[0].Length != 1 {
		t.Errorf("unexpected A tip: %+v", ab.Children[0])
	}
}

func TestParseSingleTip(t *testing.T) {
	n, err := Parse("A;")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Label != "A" || len(n.Children) != 0 {
		t.Errorf("unexpected leaf: %+v", n)
	}
}

func TestParseNoBranchLength(t *testing.T) {
	n, err := Parse("(A,B)ROOT;")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Children[0].HasLength {
		t.Errorf("expected no branch length on A")
	}
}

func TestParseDiscardsNHXComment(t *testing.T) {
	n, err := Parse("(A:1[&&NHX:S=foo],B:1)ROOT:0;")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Children[0].Label != "A" || n.Children[0].Length != 1 {
		t.Errorf("unexpected A node after comment: %+v", n.Children[0])
	}
}

func TestParseQuotedLabel(t *testing.T) {
	n, err := Parse("('A B':1,C:1)ROOT:0;")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Children[0].Label != "A B" {
		t.Errorf("expected quotes trimmed, got %q", n.Children[0].Label)
	}
}

func TestParseUnmatchedParen(t *testing.T) {
	if _, err := Parse("(A:1,B:1;"); err == nil {
		t.Fatal("expected an error for an unmatched '('")
	}
}

func TestParseInvalidLength(t *testing.T) {
	if _, err := Parse("(A:x,B:1)ROOT:0;"); err == nil {
		t.Fatal("expected an error for a non-numeric branch length")
	}
}

func TestParseSkipsLeadingRootingToken(t *testing.T) {
	n, err := Parse("[&R](A:1,B:1)ROOT:0;")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Label != "ROOT" || len(n.Children) != 2 {
		t.Errorf("unexpected root after rooting token: %+v", n)
	}
}

func TestParseSkipsLeadingUnrootedToken(t *testing.T) {
	n, err := Parse("[&U] (A:1,B:1)ROOT:0;")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Label != "ROOT" {
		t.Errorf("unexpected root after unrooted token: %+v", n)
	}
}

func TestParseTrailingGarbage(t *testing.T) {
	if _, err := Parse("(A:1,B:1)ROOT:0;extra"); err == nil {
		t.Fatal("expected an error for trailing characters")
	}
}
