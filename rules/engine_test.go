package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestEngine(t *testing.T) (*Engine, *InMemoryRuleStore) {
	t.Helper()
	store := NewInMemoryRuleStore()
	engine, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine, store
}

// TestEngineAddRule verifies rules are appended in order and become walkable
func TestEngineAddRule(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	for _, node := range []*RuleNode{
		storing(rule("first", "", 7, "", OpAlwaysTrue, ""), "$status", StoreFixed, "pending"),
		storing(rule("second", "", 0, "", OpAlwaysTrue, ""), "$status", StoreFixed, "done"),
	} {
		if err := engine.AddRule(ctx, node); err != nil {
			t.Fatalf("AddRule(%s) failed: %v", node.ID, err)
		}
	}

	second, _ := store.Get(ctx, "second")
	if second.Order != 1 {
		t.Errorf("Order of second = %d, want 1", second.Order)
	}

	result, err := engine.Walk(ctx, testOwner, snapshotOf(nil))
	if err != nil {
		t.Fatalf("Walk() failed: %v", err)
	}
	want := []Directive{StoreVariable{RuleID: "second", Name: "$status", Value: "done"}}
	if diff := cmp.Diff(want, result.Directives); diff != "" {
		t.Errorf("Directives mismatch (-want +got):\n%s", diff)
	}
}

// TestEngineAddRuleValidation verifies invalid rules are rejected before storing
func TestEngineAddRuleValidation(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	bad := rule("bad", "", 0, "$a == 1", OpBigger, "1")
	if err := engine.AddRule(ctx, bad); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("AddRule() error = %v, want ErrInvalidRule", err)
	}
	if _, err := store.Get(ctx, "bad"); !errors.Is(err, ErrRuleNotFound) {
		t.Error("Invalid rule should not be stored")
	}

	engine.AddRule(ctx, rule("dup", "", 0, "", OpAlwaysTrue, ""))
	if err := engine.AddRule(ctx, rule("dup", "", 0, "", OpAlwaysTrue, "")); !errors.Is(err, ErrRuleExists) {
		t.Errorf("AddRule() duplicate error = %v, want ErrRuleExists", err)
	}
	if err := engine.AddRule(ctx, rule("orphan", "ghost", 0, "", OpAlwaysTrue, "")); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("AddRule() orphan error = %v, want ErrRuleNotFound", err)
	}
}

// TestEngineInvalidatesCache verifies mutations are visible to the next walk
func TestEngineInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	engine.AddRule(ctx, acting(rule("r", "", 0, "$x", OpEquals, "1"), SendMessageAction{GroupID: "g"}))
	snap := snapshotOf(map[string]string{"$x": "2"})

	result, _ := engine.Walk(ctx, testOwner, snap)
	if len(result.Directives) != 0 {
		t.Fatalf("Expected no directives, got %v", result.Directives)
	}

	if err := engine.UpdateRule(ctx, acting(rule("r", "", 0, "$x", OpEquals, "2"), SendMessageAction{GroupID: "g"})); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}

	result, _ = engine.Walk(ctx, testOwner, snap)
	want := []Directive{SendMessage{RuleID: "r", GroupID: "g"}}
	if diff := cmp.Diff(want, result.Directives); diff != "" {
		t.Errorf("Directives mismatch (-want +got):\n%s", diff)
	}
}

// TestEngineUpdateRuleValidation verifies updates cannot break a rule
func TestEngineUpdateRuleValidation(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	engine.AddRule(ctx, rule("r", "", 0, "1", OpEquals, "1"))

	bad := storing(rule("r", "", 0, "1", OpEquals, "1"), "$systemYear", StoreOutcome, "")
	if err := engine.UpdateRule(ctx, bad); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("UpdateRule() error = %v, want ErrInvalidRule", err)
	}
	if err := engine.UpdateRule(ctx, rule("ghost", "", 0, "", OpAlwaysTrue, "")); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("UpdateRule() missing error = %v, want ErrRuleNotFound", err)
	}
}

// TestEngineMoveRule verifies re-parenting persists renumbered positions
func TestEngineMoveRule(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	engine.AddRule(ctx, rule("a", "", 0, "", OpAlwaysTrue, ""))
	engine.AddRule(ctx, rule("b", "", 0, "", OpAlwaysTrue, ""))
	engine.AddRule(ctx, rule("c", "", 0, "", OpAlwaysTrue, ""))

	if err := engine.MoveRule(ctx, "a", "c", 0); err != nil {
		t.Fatalf("MoveRule() failed: %v", err)
	}

	tree, err := engine.Tree(ctx, testOwner)
	if err != nil {
		t.Fatalf("Tree() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "c", "a"}, ids(tree.Nodes())); diff != "" {
		t.Errorf("Nodes mismatch (-want +got):\n%s", diff)
	}
	b, _ := store.Get(ctx, "b")
	if b.Order != 0 {
		t.Errorf("Order of b = %d, want 0", b.Order)
	}

	if err := engine.MoveRule(ctx, "c", "a", 0); !errors.Is(err, ErrCycle) {
		t.Errorf("MoveRule() into own subtree error = %v, want ErrCycle", err)
	}
}

// TestEngineDeleteRule verifies subtrees are removed with their parent
func TestEngineDeleteRule(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	engine.AddRule(ctx, rule("a", "", 0, "", OpAlwaysTrue, ""))
	engine.AddRule(ctx, rule("a1", "a", 0, "", OpAlwaysTrue, ""))
	engine.AddRule(ctx, rule("b", "", 0, "", OpAlwaysTrue, ""))

	if err := engine.DeleteRule(ctx, "a"); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}

	if _, err := store.Get(ctx, "a1"); !errors.Is(err, ErrRuleNotFound) {
		t.Error("Child a1 should be deleted with its parent")
	}
	tree, _ := engine.Tree(ctx, testOwner)
	if diff := cmp.Diff([]string{"b"}, ids(tree.Nodes())); diff != "" {
		t.Errorf("Nodes mismatch (-want +got):\n%s", diff)
	}
	if err := engine.DeleteRule(ctx, "a"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("DeleteRule() missing error = %v, want ErrRuleNotFound", err)
	}
}

// TestEngineConcurrentReadWrite verifies walks and edits can run concurrently
func TestEngineConcurrentReadWrite(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	engine.AddRule(ctx, storing(rule("base", "", 0, "$x*2", OpBigger, "1"), "$y", StoreValue, ""))
	snap := snapshotOf(map[string]string{"$x": "4"})

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range 20 {
				if _, err := engine.Walk(ctx, testOwner, snap); err != nil {
					t.Errorf("Concurrent Walk() failed: %v", err)
				}
				if _, err := engine.EvaluateAll(ctx, testOwner, snap); err != nil {
					t.Errorf("Concurrent EvaluateAll() failed: %v", err)
				}
				if j%5 == 0 {
					node := rule(fmt.Sprintf("r-%d-%d", id, j), "base", 0, "", OpAlwaysTrue, "")
					if err := engine.AddRule(ctx, node); err != nil {
						t.Errorf("Concurrent AddRule() failed: %v", err)
					}
				}
			}
		}(i)
	}
	wg.Wait()

	tree, err := engine.Tree(ctx, testOwner)
	if err != nil {
		t.Fatalf("Tree() failed: %v", err)
	}
	if tree.Len() != 21 {
		t.Errorf("Len() = %d, want 21", tree.Len())
	}
}
