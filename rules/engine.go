package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Engine ties a rule store, a tree cache and an evaluator together. Walks
// read cached trees concurrently; mutations are serialized and invalidate
// the owner's cached tree.
type Engine struct {
	store     RuleStore
	cache     TreeCache
	evaluator *Evaluator
	mu        sync.Mutex
}

// NewEngine creates a rules engine with its own calculator and the default
// cache configuration.
func NewEngine(store RuleStore) (*Engine, error) {
	calc, err := NewCalculator()
	if err != nil {
		return nil, err
	}
	return NewEngineWithEvaluator(NewEvaluator(calc), store, NewInMemoryTreeCache(DefaultCacheConfig())), nil
}

// NewEngineWithEvaluator creates an engine sharing an existing evaluator.
// This allows many per-intervention engines to share one compiled-program cache.
func NewEngineWithEvaluator(ev *Evaluator, store RuleStore, cache TreeCache) *Engine {
	return &Engine{
		store:     store,
		cache:     cache,
		evaluator: ev,
	}
}

// Evaluator returns the engine's evaluator.
func (en *Engine) Evaluator() *Evaluator {
	return en.evaluator
}

// Tree returns the validated tree of owner, from the cache when possible.
// An owner without rules has an empty tree.
func (en *Engine) Tree(ctx context.Context, owner Owner) (*Tree, error) {
	if tree := en.cache.Get(owner); tree != nil {
		return tree, nil
	}

	nodes, err := en.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules of %s: %w", owner, err)
	}
	tree, err := NewTree(owner, nodes)
	if err != nil {
		return nil, err
	}
	en.cache.Set(owner, tree)
	return tree, nil
}

// Walk evaluates owner's tree against snap.
func (en *Engine) Walk(ctx context.Context, owner Owner, snap Snapshot) (*WalkResult, error) {
	tree, err := en.Tree(ctx, owner)
	if err != nil {
		return nil, err
	}
	return Walk(tree, snap, en.evaluator), nil
}

// EvaluateAll evaluates every root rule of owner and continues past rules
// that fail.
func (en *Engine) EvaluateAll(ctx context.Context, owner Owner, snap Snapshot) ([]*EvaluationResult, error) {
	tree, err := en.Tree(ctx, owner)
	if err != nil {
		return nil, err
	}
	return EvaluateAll(tree, snap, en.evaluator), nil
}

// AddRule validates node and appends it as the last child of its parent.
func (en *Engine) AddRule(ctx context.Context, node *RuleNode) error {
	if err := ValidateRule(node); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	if _, err := en.store.Get(ctx, node.ID); err == nil {
		return fmt.Errorf("rule with ID %s: %w", node.ID, ErrRuleExists)
	} else if !errors.Is(err, ErrRuleNotFound) {
		return err
	}

	tree, err := en.freshTree(ctx, node.Owner)
	if err != nil {
		return err
	}
	if err := tree.Add(node); err != nil {
		return err
	}
	if err := en.store.Add(ctx, node); err != nil {
		return err
	}

	en.cache.Invalidate(node.Owner)
	return nil
}

// UpdateRule validates and stores new content for an existing node. Owner,
// parent and order cannot be changed this way; use MoveRule.
func (en *Engine) UpdateRule(ctx context.Context, node *RuleNode) error {
	en.mu.Lock()
	defer en.mu.Unlock()

	existing, err := en.store.Get(ctx, node.ID)
	if err != nil {
		return err
	}
	node.Owner = existing.Owner
	node.ParentID = existing.ParentID
	node.Order = existing.Order
	if err := ValidateRule(node); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Update(ctx, node); err != nil {
		return err
	}

	en.cache.Invalidate(existing.Owner)
	return nil
}

// MoveRule re-parents a node under newParentID ("" for root level) at
// newOrder. The move is rejected when newParentID lies inside the node's
// own subtree.
func (en *Engine) MoveRule(ctx context.Context, id, newParentID string, newOrder int) error {
	en.mu.Lock()
	defer en.mu.Unlock()

	node, err := en.store.Get(ctx, id)
	if err != nil {
		return err
	}
	tree, err := en.freshTree(ctx, node.Owner)
	if err != nil {
		return err
	}
	changed, err := tree.Move(id, newParentID, newOrder)
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		if err := en.store.Reposition(ctx, changed); err != nil {
			return err
		}
	}

	en.cache.Invalidate(node.Owner)
	return nil
}

// DeleteRule removes a node with all of its descendants and renumbers the
// remaining siblings.
func (en *Engine) DeleteRule(ctx context.Context, id string) error {
	en.mu.Lock()
	defer en.mu.Unlock()

	node, err := en.store.Get(ctx, id)
	if err != nil {
		return err
	}
	tree, err := en.freshTree(ctx, node.Owner)
	if err != nil {
		return err
	}
	removed, changed, err := tree.Remove(id)
	if err != nil {
		return err
	}
	if err := en.store.Delete(ctx, removed, changed); err != nil {
		return err
	}

	en.cache.Invalidate(node.Owner)
	return nil
}

// freshTree loads a private, mutable copy of owner's tree from the store.
func (en *Engine) freshTree(ctx context.Context, owner Owner) (*Tree, error) {
	nodes, err := en.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules of %s: %w", owner, err)
	}
	return NewTree(owner, nodes)
}
