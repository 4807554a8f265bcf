package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestRuleStoreInterfaceExists verifies InMemoryRuleStore implements RuleStore
func TestRuleStoreInterfaceExists(t *testing.T) {
	var _ RuleStore = (*InMemoryRuleStore)(nil)
}

// TestInMemoryRuleStoreAdd verifies basic Add functionality
func TestInMemoryRuleStoreAdd(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	node := storing(rule("test-1", "", 0, "$age", OpBiggerEqual, "18"), "$isAdult", StoreOutcome, "")
	if err := store.Add(ctx, node); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	retrieved, err := store.Get(ctx, "test-1")
	if err != nil {
		t.Fatalf("Get() failed after Add(): %v", err)
	}
	if retrieved.Expression != node.Expression {
		t.Errorf("Retrieved Expression = %s, want %s", retrieved.Expression, node.Expression)
	}
	if retrieved.Store == nil || retrieved.Store.Variable != "$isAdult" {
		t.Errorf("Retrieved Store = %+v, want $isAdult", retrieved.Store)
	}
	if retrieved.CreatedAt.IsZero() || retrieved.UpdatedAt.IsZero() {
		t.Error("Timestamps should be set by Add()")
	}
}

// TestInMemoryRuleStoreAddDuplicate verifies duplicate IDs return ErrRuleExists
func TestInMemoryRuleStoreAddDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	if err := store.Add(ctx, rule("dup", "", 0, "", OpAlwaysTrue, "")); err != nil {
		t.Fatalf("First Add() should succeed: %v", err)
	}
	err := store.Add(ctx, rule("dup", "", 1, "", OpAlwaysTrue, ""))
	if !errors.Is(err, ErrRuleExists) {
		t.Errorf("Second Add() error = %v, want ErrRuleExists", err)
	}
}

// TestInMemoryRuleStoreReturnsCopies verifies callers cannot mutate stored nodes
func TestInMemoryRuleStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	node := storing(rule("r", "", 0, "$a", OpEquals, "1"), "$out", StoreFixed, "x")
	store.Add(ctx, node)
	node.Store.Value = "changed"

	got, _ := store.Get(ctx, "r")
	got.Expression = "mutated"
	again, _ := store.Get(ctx, "r")

	if again.Expression != "$a" {
		t.Errorf("Stored Expression = %q, want $a", again.Expression)
	}
	if again.Store.Value != "x" {
		t.Errorf("Stored Store.Value = %q, want x", again.Store.Value)
	}
}

// TestInMemoryRuleStoreGetNotFound verifies missing IDs return ErrRuleNotFound
func TestInMemoryRuleStoreGetNotFound(t *testing.T) {
	_, err := NewInMemoryRuleStore().Get(context.Background(), "missing")
	if !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() error = %v, want ErrRuleNotFound", err)
	}
}

// TestInMemoryRuleStoreUpdate verifies content changes keep placement and CreatedAt
func TestInMemoryRuleStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	store.Add(ctx, rule("p", "", 0, "", OpAlwaysTrue, ""))
	store.Add(ctx, rule("c", "p", 0, "$x", OpEquals, "1"))
	original, _ := store.Get(ctx, "c")

	time.Sleep(2 * time.Millisecond)
	update := rule("c", "", 5, "$x", OpEquals, "2")
	if err := store.Update(ctx, update); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	got, _ := store.Get(ctx, "c")
	if got.ComparisonExpression != "2" {
		t.Errorf("ComparisonExpression = %q, want 2", got.ComparisonExpression)
	}
	if got.ParentID != "p" || got.Order != 0 {
		t.Errorf("Placement = %q/%d, want p/0", got.ParentID, got.Order)
	}
	if !got.CreatedAt.Equal(original.CreatedAt) {
		t.Error("CreatedAt should not change on Update()")
	}
	if !got.UpdatedAt.After(original.UpdatedAt) {
		t.Error("UpdatedAt should advance on Update()")
	}

	if err := store.Update(ctx, rule("ghost", "", 0, "", OpAlwaysTrue, "")); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Update() missing error = %v, want ErrRuleNotFound", err)
	}
}

// TestInMemoryRuleStoreListByOwner verifies only the owner's nodes are listed in order
func TestInMemoryRuleStoreListByOwner(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	store.Add(ctx, rule("r2", "", 1, "", OpAlwaysTrue, ""))
	store.Add(ctx, rule("r1", "", 0, "", OpAlwaysTrue, ""))
	other := rule("s1", "", 0, "", OpAlwaysTrue, "")
	other.Owner = SlideOwner("slide-1")
	store.Add(ctx, other)

	nodes, err := store.ListByOwner(ctx, testOwner)
	if err != nil {
		t.Fatalf("ListByOwner() failed: %v", err)
	}
	if len(nodes) != 2 || nodes[0].ID != "r1" || nodes[1].ID != "r2" {
		t.Errorf("ListByOwner() = %v, want [r1 r2]", ids(nodes))
	}

	empty, err := store.ListByOwner(ctx, MonitoringOwner("nobody"))
	if err != nil || len(empty) != 0 {
		t.Errorf("ListByOwner() for unknown owner = %v, %v", empty, err)
	}
}

// TestInMemoryRuleStoreDeleteIsAtomic verifies a failing delete changes nothing
func TestInMemoryRuleStoreDeleteIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	store.Add(ctx, rule("a", "", 0, "", OpAlwaysTrue, ""))
	store.Add(ctx, rule("b", "", 1, "", OpAlwaysTrue, ""))

	err := store.Delete(ctx, []string{"a"}, []Position{{ID: "ghost", Order: 0}})
	if !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("Delete() error = %v, want ErrRuleNotFound", err)
	}
	if _, err := store.Get(ctx, "a"); err != nil {
		t.Error("Rule a should survive a failed Delete()")
	}

	if err := store.Delete(ctx, []string{"a"}, []Position{{ID: "b", Order: 0}}); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	b, _ := store.Get(ctx, "b")
	if b.Order != 0 {
		t.Errorf("Order of b = %d, want 0", b.Order)
	}
}

// TestInMemoryRuleStoreConcurrentAdd verifies the store is safe for concurrent use
func TestInMemoryRuleStoreConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	var wg sync.WaitGroup
	numGoroutines := 10
	rulesPerGoroutine := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			for j := 0; j < rulesPerGoroutine; j++ {
				id := fmt.Sprintf("r-%d-%d", goroutineID, j)
				if err := store.Add(ctx, rule(id, "", 0, "", OpAlwaysTrue, "")); err != nil {
					t.Errorf("Concurrent Add() failed: %v", err)
				}
				if _, err := store.ListByOwner(ctx, testOwner); err != nil {
					t.Errorf("Concurrent ListByOwner() failed: %v", err)
				}
			}
		}(i)
	}

	wg.Wait()

	nodes, _ := store.ListByOwner(ctx, testOwner)
	if len(nodes) != numGoroutines*rulesPerGoroutine {
		t.Errorf("After concurrent adds, got %d rules, want %d", len(nodes), numGoroutines*rulesPerGoroutine)
	}
}
