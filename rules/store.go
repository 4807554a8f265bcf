package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages rule node persistence. Mutations that touch several
// nodes (Reposition, Delete) must be applied atomically.
type RuleStore interface {
	// Add a new rule node
	Add(ctx context.Context, node *RuleNode) error

	// Get a rule node by ID
	Get(ctx context.Context, id string) (*RuleNode, error)

	// ListByOwner returns the nodes of one tree ordered by parent and order
	ListByOwner(ctx context.Context, owner Owner) ([]*RuleNode, error)

	// Update the content of a node; parent and order are left untouched
	Update(ctx context.Context, node *RuleNode) error

	// Reposition applies new parent/order pairs
	Reposition(ctx context.Context, positions []Position) error

	// Delete removes nodes and applies the renumbered positions of their
	// former siblings
	Delete(ctx context.Context, ids []string, positions []Position) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
type InMemoryRuleStore struct {
	rules map[string]*RuleNode
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*RuleNode),
	}
}

// Add adds a new rule node and sets its timestamps.
func (s *InMemoryRuleStore) Add(_ context.Context, node *RuleNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[node.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", node.ID, ErrRuleExists)
	}

	now := time.Now()
	node.CreatedAt = now
	node.UpdatedAt = now
	s.rules[node.ID] = node.Clone()
	return nil
}

// Get retrieves a copy of a rule node by ID.
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*RuleNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return node.Clone(), nil
}

// ListByOwner returns copies of the owner's nodes.
func (s *InMemoryRuleStore) ListByOwner(_ context.Context, owner Owner) ([]*RuleNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes []*RuleNode
	for _, node := range s.rules {
		if node.Owner == owner {
			nodes = append(nodes, node.Clone())
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ParentID != nodes[j].ParentID {
			return nodes[i].ParentID < nodes[j].ParentID
		}
		return nodes[i].Order < nodes[j].Order
	})
	return nodes, nil
}

// Update replaces the content of an existing node, preserving CreatedAt,
// owner, parent and order.
func (s *InMemoryRuleStore) Update(_ context.Context, node *RuleNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[node.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", node.ID, ErrRuleNotFound)
	}

	updated := node.Clone()
	updated.Owner = existing.Owner
	updated.ParentID = existing.ParentID
	updated.Order = existing.Order
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	s.rules[node.ID] = updated
	return nil
}

// Reposition applies all positions or none.
func (s *InMemoryRuleStore) Reposition(_ context.Context, positions []Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reposition(positions)
}

// Delete removes ids and applies positions in one step.
func (s *InMemoryRuleStore) Delete(_ context.Context, ids []string, positions []Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, exists := s.rules[id]; !exists {
			return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
		}
	}
	for _, p := range positions {
		if _, exists := s.rules[p.ID]; !exists {
			return fmt.Errorf("rule with ID %s: %w", p.ID, ErrRuleNotFound)
		}
	}
	for _, id := range ids {
		delete(s.rules, id)
	}
	return s.reposition(positions)
}

func (s *InMemoryRuleStore) reposition(positions []Position) error {
	for _, p := range positions {
		if _, exists := s.rules[p.ID]; !exists {
			return fmt.Errorf("rule with ID %s: %w", p.ID, ErrRuleNotFound)
		}
	}
	now := time.Now()
	for _, p := range positions {
		node := s.rules[p.ID]
		node.ParentID = p.ParentID
		node.Order = p.Order
		node.UpdatedAt = now
	}
	return nil
}
