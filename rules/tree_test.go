package rules

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// sampleTree builds
//
//	a
//	├── a1
//	│   └── a1x
//	└── a2
//	b
func sampleTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := NewTree(testOwner, []*RuleNode{
		rule("b", "", 1, "", OpAlwaysTrue, ""),
		rule("a", "", 0, "", OpAlwaysTrue, ""),
		rule("a2", "a", 1, "", OpAlwaysTrue, ""),
		rule("a1", "a", 0, "", OpAlwaysTrue, ""),
		rule("a1x", "a1", 0, "", OpAlwaysTrue, ""),
	})
	if err != nil {
		t.Fatalf("NewTree() failed: %v", err)
	}
	return tree
}

func ids(nodes []*RuleNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// TestNewTreeOrdersNodes verifies roots, children and pre-order listing.
func TestNewTreeOrdersNodes(t *testing.T) {
	tree := sampleTree(t)

	if diff := cmp.Diff([]string{"a", "b"}, ids(tree.Roots())); diff != "" {
		t.Errorf("Roots mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a1", "a2"}, ids(tree.Children("a"))); diff != "" {
		t.Errorf("Children mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "a1", "a1x", "a2", "b"}, ids(tree.Nodes())); diff != "" {
		t.Errorf("Nodes mismatch (-want +got):\n%s", diff)
	}
	if tree.Len() != 5 {
		t.Errorf("Len() = %d, want 5", tree.Len())
	}
}

// TestNewTreeRejectsInvalidNodes covers the structural invariants.
func TestNewTreeRejectsInvalidNodes(t *testing.T) {
	other := rule("x", "", 0, "", OpAlwaysTrue, "")
	other.Owner = SlideOwner("slide-1")

	tests := []struct {
		name  string
		nodes []*RuleNode
	}{
		{"gap in order", []*RuleNode{rule("a", "", 0, "", OpAlwaysTrue, ""), rule("b", "", 2, "", OpAlwaysTrue, "")}},
		{"duplicate order", []*RuleNode{rule("a", "", 0, "", OpAlwaysTrue, ""), rule("b", "", 0, "", OpAlwaysTrue, "")}},
		{"missing parent", []*RuleNode{rule("a", "ghost", 0, "", OpAlwaysTrue, "")}},
		{"cycle", []*RuleNode{rule("a", "b", 0, "", OpAlwaysTrue, ""), rule("b", "a", 0, "", OpAlwaysTrue, "")}},
		{"self parent", []*RuleNode{rule("a", "a", 0, "", OpAlwaysTrue, "")}},
		{"foreign owner", []*RuleNode{other}},
		{"duplicate id", []*RuleNode{rule("a", "", 0, "", OpAlwaysTrue, ""), rule("a", "", 1, "", OpAlwaysTrue, "")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTree(testOwner, tt.nodes)
			if !errors.Is(err, ErrInvalidTree) {
				t.Errorf("NewTree() error = %v, want ErrInvalidTree", err)
			}
		})
	}
}

// TestCanReparent verifies the ancestry check.
func TestCanReparent(t *testing.T) {
	tree := sampleTree(t)

	tests := []struct {
		node, parent string
		want         bool
	}{
		{"a1x", "b", true},
		{"a1", "", true},
		{"b", "a1x", true},
		{"a", "a1x", false},
		{"a", "a", false},
		{"a1", "a1x", false},
		{"a", "ghost", false},
		{"ghost", "", false},
	}

	for _, tt := range tests {
		if got := tree.CanReparent(tt.node, tt.parent); got != tt.want {
			t.Errorf("CanReparent(%q, %q) = %v, want %v", tt.node, tt.parent, got, tt.want)
		}
	}
}

// TestTreeMove verifies renumbering of the old and new sibling lists.
func TestTreeMove(t *testing.T) {
	tree := sampleTree(t)

	changed, err := tree.Move("a1", "b", 99)
	if err != nil {
		t.Fatalf("Move() failed: %v", err)
	}

	want := []Position{
		{ID: "a2", ParentID: "a", Order: 0},
		{ID: "a1", ParentID: "b", Order: 0},
	}
	if diff := cmp.Diff(want, changed); diff != "" {
		t.Errorf("Changed positions mismatch (-want +got):\n%s", diff)
	}
	if err := tree.Validate(); err != nil {
		t.Errorf("Tree invalid after move: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "a2", "b", "a1", "a1x"}, ids(tree.Nodes())); diff != "" {
		t.Errorf("Nodes mismatch (-want +got):\n%s", diff)
	}
}

// TestTreeMoveWithinSiblings verifies reordering under the same parent.
func TestTreeMoveWithinSiblings(t *testing.T) {
	tree := sampleTree(t)

	changed, err := tree.Move("b", "", 0)
	if err != nil {
		t.Fatalf("Move() failed: %v", err)
	}
	want := []Position{
		{ID: "b", ParentID: "", Order: 0},
		{ID: "a", ParentID: "", Order: 1},
	}
	if diff := cmp.Diff(want, changed); diff != "" {
		t.Errorf("Changed positions mismatch (-want +got):\n%s", diff)
	}
}

// TestTreeMoveRejectsCycle verifies a node cannot move into its own subtree.
func TestTreeMoveRejectsCycle(t *testing.T) {
	tree := sampleTree(t)

	if _, err := tree.Move("a", "a1x", 0); !errors.Is(err, ErrCycle) {
		t.Errorf("Move() error = %v, want ErrCycle", err)
	}
	if _, err := tree.Move("a", "ghost", 0); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Move() error = %v, want ErrRuleNotFound", err)
	}
	if err := tree.Validate(); err != nil {
		t.Errorf("Tree changed by rejected move: %v", err)
	}
}

// TestTreeRemove verifies subtree removal and sibling renumbering.
func TestTreeRemove(t *testing.T) {
	tree := sampleTree(t)

	removed, changed, err := tree.Remove("a")
	if err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	if diff := cmp.Diff([]string{"a", "a1", "a1x", "a2"}, removed); diff != "" {
		t.Errorf("Removed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Position{{ID: "b", ParentID: "", Order: 0}}, changed); diff != "" {
		t.Errorf("Changed positions mismatch (-want +got):\n%s", diff)
	}
	if tree.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tree.Len())
	}
}

// TestTreeAdd verifies appended nodes get the next order.
func TestTreeAdd(t *testing.T) {
	tree := sampleTree(t)

	node := rule("a3", "a", 0, "", OpAlwaysTrue, "")
	if err := tree.Add(node); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if node.Order != 2 {
		t.Errorf("Order = %d, want 2", node.Order)
	}
	if err := tree.Add(rule("a3", "", 0, "", OpAlwaysTrue, "")); !errors.Is(err, ErrRuleExists) {
		t.Errorf("Add() duplicate error = %v, want ErrRuleExists", err)
	}
	if err := tree.Add(rule("z", "ghost", 0, "", OpAlwaysTrue, "")); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Add() missing parent error = %v, want ErrRuleNotFound", err)
	}
}

// TestTreeCloneIsIndependent verifies mutating a clone leaves the original intact.
func TestTreeCloneIsIndependent(t *testing.T) {
	tree := sampleTree(t)
	clone := tree.Clone()

	if _, err := clone.Move("b", "", 0); err != nil {
		t.Fatalf("Move() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids(tree.Roots())); diff != "" {
		t.Errorf("Original roots changed (-want +got):\n%s", diff)
	}
	if n, _ := tree.Node("b"); n.Order != 1 {
		t.Errorf("Original order of b = %d, want 1", n.Order)
	}
}
