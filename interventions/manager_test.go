package interventions_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/storage/memory"
)

func newManager(t *testing.T) (*interventions.Manager, *memory.Store, *rules.InMemoryRuleStore) {
	t.Helper()
	repo := memory.New(0)
	ruleStore := rules.NewInMemoryRuleStore()
	m, err := interventions.NewManager(repo, ruleStore)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return m, repo, ruleStore
}

// TestManagerLoadAll verifies that every saved intervention gets an engine.
func TestManagerLoadAll(t *testing.T) {
	ctx := context.Background()
	m, repo, _ := newManager(t)

	for _, s := range []interventions.Settings{
		{ID: "b", Name: "Sleep", MonitoringActive: true},
		{ID: "a", Name: "Stress", HourToSendMessage: 9},
	} {
		if err := repo.SaveIntervention(ctx, s); err != nil {
			t.Fatalf("Failed to save intervention: %v", err)
		}
	}

	if err := m.LoadAll(ctx); err != nil {
		t.Fatalf("Failed to load interventions: %v", err)
	}

	ids := m.List()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("Expected [a b], got %v", ids)
	}

	ie, err := m.GetEngine("a")
	if err != nil {
		t.Fatalf("Failed to get engine: %v", err)
	}
	if ie.Settings.HourToSendMessage != 9 {
		t.Errorf("Expected send hour 9, got %d", ie.Settings.HourToSendMessage)
	}
}

// TestManagerLoadAllRejectsInvalidSettings verifies that a bad row fails the
// whole load and keeps the previous engines.
func TestManagerLoadAllRejectsInvalidSettings(t *testing.T) {
	ctx := context.Background()
	m, repo, _ := newManager(t)

	if err := m.Create(ctx, interventions.Settings{ID: "ok", Name: "Fine"}); err != nil {
		t.Fatalf("Failed to create intervention: %v", err)
	}
	if err := repo.SaveIntervention(ctx, interventions.Settings{ID: "bad", Name: "Bad", HourToSendMessage: 30}); err != nil {
		t.Fatalf("Failed to save intervention: %v", err)
	}

	if err := m.LoadAll(ctx); err == nil {
		t.Fatal("Expected error for invalid settings, got nil")
	}
	if _, err := m.GetEngine("ok"); err != nil {
		t.Errorf("Expected previous engine to survive, got: %v", err)
	}
}

// TestManagerCreateValidates verifies that invalid settings are never saved.
func TestManagerCreateValidates(t *testing.T) {
	ctx := context.Background()
	m, repo, _ := newManager(t)

	if err := m.Create(ctx, interventions.Settings{ID: "i1"}); err == nil {
		t.Fatal("Expected error for missing name, got nil")
	}
	if _, err := repo.GetIntervention(ctx, "i1"); err == nil {
		t.Error("Expected invalid intervention not to be saved")
	}
}

// TestManagerGetEngineUnknown verifies the error for interventions that are
// not loaded.
func TestManagerGetEngineUnknown(t *testing.T) {
	m, _, _ := newManager(t)

	_, err := m.GetEngine("missing")
	if !errors.Is(err, interventions.ErrUnknownIntervention) {
		t.Errorf("Expected ErrUnknownIntervention, got: %v", err)
	}
	if err := m.Remove("missing"); !errors.Is(err, interventions.ErrUnknownIntervention) {
		t.Errorf("Expected ErrUnknownIntervention on remove, got: %v", err)
	}
}

// TestManagerIsolation verifies that each intervention walks its own
// monitoring rules.
func TestManagerIsolation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	for _, id := range []string{"i1", "i2"} {
		if err := m.Create(ctx, interventions.Settings{ID: id, Name: id}); err != nil {
			t.Fatalf("Failed to create intervention: %v", err)
		}
	}

	ie1, _ := m.GetEngine("i1")
	err := ie1.Engine.AddRule(ctx, &rules.RuleNode{
		ID:    "r1",
		Owner: rules.MonitoringOwner("i1"),
		Core: rules.Core{
			Operator: rules.OpAlwaysTrue,
			Store:    &rules.StoreResult{Variable: "$seen", Mode: rules.StoreOutcome},
		},
	})
	if err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	snap := rules.NewSnapshot(nil, time.Now())
	res1, err := ie1.Engine.Walk(ctx, rules.MonitoringOwner("i1"), snap)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if len(res1.Directives) != 1 {
		t.Errorf("Expected 1 directive for i1, got %d", len(res1.Directives))
	}

	ie2, _ := m.GetEngine("i2")
	res2, err := ie2.Engine.Walk(ctx, rules.MonitoringOwner("i2"), snap)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if len(res2.Directives) != 0 {
		t.Errorf("Expected no directives for i2, got %d", len(res2.Directives))
	}
}

// TestManagerReload verifies that a reload picks up new settings and drops
// the cached trees.
func TestManagerReload(t *testing.T) {
	ctx := context.Background()
	m, repo, ruleStore := newManager(t)

	if err := m.Create(ctx, interventions.Settings{ID: "i1", Name: "Stress"}); err != nil {
		t.Fatalf("Failed to create intervention: %v", err)
	}
	ie, _ := m.GetEngine("i1")
	owner := rules.MonitoringOwner("i1")
	if _, err := ie.Engine.Tree(ctx, owner); err != nil {
		t.Fatalf("Failed to load tree: %v", err)
	}

	// Bypass the engine so only a reload can notice the new rule.
	if err := ruleStore.Add(ctx, &rules.RuleNode{ID: "r1", Owner: owner, Core: rules.Core{Operator: rules.OpAlwaysTrue}}); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if err := repo.SaveIntervention(ctx, interventions.Settings{ID: "i1", Name: "Stress", HourToSendMessage: 7}); err != nil {
		t.Fatalf("Failed to save intervention: %v", err)
	}

	if err := m.Reload(ctx, "i1"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	ie, _ = m.GetEngine("i1")
	if ie.Settings.HourToSendMessage != 7 {
		t.Errorf("Expected send hour 7, got %d", ie.Settings.HourToSendMessage)
	}
	tree, err := ie.Engine.Tree(ctx, owner)
	if err != nil {
		t.Fatalf("Failed to load tree: %v", err)
	}
	if len(tree.Roots()) != 1 {
		t.Errorf("Expected 1 root after reload, got %d", len(tree.Roots()))
	}

	if err := m.Reload(ctx, "missing"); err == nil {
		t.Error("Expected error reloading unknown intervention, got nil")
	}
}

// TestManagerConcurrentAccess verifies that lookups and creates can run
// concurrently.
func TestManagerConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)
	if err := m.Create(ctx, interventions.Settings{ID: "base", Name: "Base"}); err != nil {
		t.Fatalf("Failed to create intervention: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := m.Create(ctx, interventions.Settings{ID: id, Name: id}); err != nil {
				t.Errorf("Create failed: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := m.GetEngine("base"); err != nil {
				t.Errorf("GetEngine failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(m.List()); got != 11 {
		t.Errorf("Expected 11 interventions, got %d", got)
	}
}
