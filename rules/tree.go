package rules

import (
	"fmt"
	"sort"
)

// Tree is the arena of one owner's rule nodes, keyed by ID with explicit
// parent references and sibling order. Trees handed out by the Engine are
// shared between concurrent walks and must not be mutated; mutate a Clone.
type Tree struct {
	owner    Owner
	nodes    map[string]*RuleNode
	children map[string][]string // parent ID ("" for roots) -> child IDs by order
}

// NewTree builds and validates the tree of owner from its nodes. Every node
// must belong to owner, reference an existing parent, and siblings must be
// numbered 0..n-1.
func NewTree(owner Owner, nodes []*RuleNode) (*Tree, error) {
	t := &Tree{
		owner:    owner,
		nodes:    make(map[string]*RuleNode, len(nodes)),
		children: make(map[string][]string),
	}
	for _, n := range nodes {
		if n.Owner != owner {
			return nil, fmt.Errorf("%w: rule %s belongs to %s, not %s", ErrInvalidTree, n.ID, n.Owner, owner)
		}
		if _, dup := t.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule %s", ErrInvalidTree, n.ID)
		}
		t.nodes[n.ID] = n
	}
	for _, n := range nodes {
		if n.ParentID != "" {
			if _, ok := t.nodes[n.ParentID]; !ok {
				return nil, fmt.Errorf("%w: rule %s references missing parent %s", ErrInvalidTree, n.ID, n.ParentID)
			}
		}
		t.children[n.ParentID] = append(t.children[n.ParentID], n.ID)
	}
	for parent := range t.children {
		t.sortChildren(parent)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks sibling order contiguity and acyclicity.
func (t *Tree) Validate() error {
	for parent, ids := range t.children {
		for i, id := range ids {
			if t.nodes[id].Order != i {
				return fmt.Errorf("%w: children of %q are not numbered contiguously from 0", ErrInvalidTree, parent)
			}
		}
	}

	reached := 0
	var visit func(id string, depth int) error
	visit = func(id string, depth int) error {
		if depth > len(t.nodes) {
			return fmt.Errorf("%w: %v", ErrInvalidTree, ErrCycle)
		}
		for _, child := range t.children[id] {
			reached++
			if err := visit(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit("", 0); err != nil {
		return err
	}
	if reached != len(t.nodes) {
		return fmt.Errorf("%w: %v", ErrInvalidTree, ErrCycle)
	}
	return nil
}

// Owner returns the container the tree belongs to.
func (t *Tree) Owner() Owner {
	return t.owner
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Node returns the node with id.
func (t *Tree) Node(id string) (*RuleNode, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Roots returns the root nodes ordered by Order.
func (t *Tree) Roots() []*RuleNode {
	return t.Children("")
}

// Children returns the children of parentID ordered by Order.
func (t *Tree) Children(parentID string) []*RuleNode {
	ids := t.children[parentID]
	out := make([]*RuleNode, len(ids))
	for i, id := range ids {
		out[i] = t.nodes[id]
	}
	return out
}

// Nodes returns all nodes in pre-order.
func (t *Tree) Nodes() []*RuleNode {
	out := make([]*RuleNode, 0, len(t.nodes))
	var visit func(parent string)
	visit = func(parent string) {
		for _, id := range t.children[parent] {
			out = append(out, t.nodes[id])
			visit(id)
		}
	}
	visit("")
	return out
}

// IsAncestor reports whether ancestorID is on the parent chain of id.
func (t *Tree) IsAncestor(ancestorID, id string) bool {
	seen := 0
	for n, ok := t.nodes[id]; ok && n.ParentID != ""; n, ok = t.nodes[n.ParentID] {
		if n.ParentID == ancestorID {
			return true
		}
		if seen++; seen > len(t.nodes) {
			return false
		}
	}
	return false
}

// CanReparent reports whether nodeID may be moved under newParentID ("" for
// root level) without creating a cycle.
func (t *Tree) CanReparent(nodeID, newParentID string) bool {
	if _, ok := t.nodes[nodeID]; !ok {
		return false
	}
	if newParentID == "" {
		return true
	}
	if _, ok := t.nodes[newParentID]; !ok {
		return false
	}
	return newParentID != nodeID && !t.IsAncestor(nodeID, newParentID)
}

// Clone returns a deep copy that may be mutated.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		owner:    t.owner,
		nodes:    make(map[string]*RuleNode, len(t.nodes)),
		children: make(map[string][]string, len(t.children)),
	}
	for id, n := range t.nodes {
		c.nodes[id] = n.Clone()
	}
	for parent, ids := range t.children {
		c.children[parent] = append([]string(nil), ids...)
	}
	return c
}

// Add appends node as the last child of its parent and sets its Order.
func (t *Tree) Add(node *RuleNode) error {
	if node.Owner != t.owner {
		return fmt.Errorf("%w: rule %s belongs to %s, not %s", ErrInvalidTree, node.ID, node.Owner, t.owner)
	}
	if _, exists := t.nodes[node.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRuleExists, node.ID)
	}
	if node.ParentID != "" {
		if _, ok := t.nodes[node.ParentID]; !ok {
			return fmt.Errorf("%w: parent %s", ErrRuleNotFound, node.ParentID)
		}
	}
	node.Order = len(t.children[node.ParentID])
	t.nodes[node.ID] = node
	t.children[node.ParentID] = append(t.children[node.ParentID], node.ID)
	return nil
}

// Move re-parents id under newParentID at newOrder (clamped to the sibling
// range) and renumbers both sibling lists. It returns the positions that
// changed.
func (t *Tree) Move(id, newParentID string, newOrder int) ([]Position, error) {
	node, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if !t.CanReparent(id, newParentID) {
		if _, ok := t.nodes[newParentID]; !ok {
			return nil, fmt.Errorf("%w: parent %s", ErrRuleNotFound, newParentID)
		}
		return nil, fmt.Errorf("moving %s under %s: %w", id, newParentID, ErrCycle)
	}

	before := t.positions()

	t.children[node.ParentID] = removeID(t.children[node.ParentID], id)
	siblings := t.children[newParentID]
	if newOrder < 0 {
		newOrder = 0
	}
	if newOrder > len(siblings) {
		newOrder = len(siblings)
	}
	siblings = append(siblings, "")
	copy(siblings[newOrder+1:], siblings[newOrder:])
	siblings[newOrder] = id
	t.children[newParentID] = siblings
	node.ParentID = newParentID

	t.renumber(newParentID)
	t.renumber(before[id].ParentID)

	return t.changedSince(before), nil
}

// Remove deletes id with its whole subtree and renumbers the remaining
// siblings. It returns the removed IDs and the positions that changed.
func (t *Tree) Remove(id string) ([]string, []Position, error) {
	node, ok := t.nodes[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	before := t.positions()

	var removed []string
	var collect func(string)
	collect = func(current string) {
		removed = append(removed, current)
		for _, child := range t.children[current] {
			collect(child)
		}
	}
	collect(id)

	t.children[node.ParentID] = removeID(t.children[node.ParentID], id)
	for _, r := range removed {
		delete(t.nodes, r)
		delete(t.children, r)
		delete(before, r)
	}
	t.renumber(node.ParentID)

	return removed, t.changedSince(before), nil
}

func (t *Tree) sortChildren(parent string) {
	ids := t.children[parent]
	sort.SliceStable(ids, func(i, j int) bool {
		return t.nodes[ids[i]].Order < t.nodes[ids[j]].Order
	})
}

func (t *Tree) renumber(parent string) {
	for i, id := range t.children[parent] {
		t.nodes[id].Order = i
	}
}

func (t *Tree) positions() map[string]Position {
	out := make(map[string]Position, len(t.nodes))
	for id, n := range t.nodes {
		out[id] = Position{ID: id, ParentID: n.ParentID, Order: n.Order}
	}
	return out
}

func (t *Tree) changedSince(before map[string]Position) []Position {
	var changed []Position
	for id, n := range t.nodes {
		p := Position{ID: id, ParentID: n.ParentID, Order: n.Order}
		if before[id] != p {
			changed = append(changed, p)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].ParentID != changed[j].ParentID {
			return changed[i].ParentID < changed[j].ParentID
		}
		return changed[i].Order < changed[j].Order
	})
	return changed
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
