package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/coachrules/rules"
)

// RuleStore implements rules.RuleStore on the rule_nodes table.
type RuleStore struct {
	db *DB
}

var _ rules.RuleStore = (*RuleStore)(nil)

// NewRuleStore creates a SQL-backed rule store.
func NewRuleStore(db *DB) *RuleStore {
	return &RuleStore{db: db}
}

const ruleColumns = `id, owner_kind, owner_id, owner_branch, parent_id, sort_order, expression,
	comparison_expression, operator, comment, store_variable, store_mode, store_value, action,
	created_at, updated_at`

// Add inserts a new rule node and sets its timestamps.
func (s *RuleStore) Add(ctx context.Context, node *rules.RuleNode) error {
	var exists bool
	err := s.db.queryRow(ctx, s.db.sql, `
		SELECT EXISTS(SELECT 1 FROM rule_nodes WHERE id = ?)`, node.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s: %w", node.ID, rules.ErrRuleExists)
	}

	action, err := rules.MarshalAction(node.Action)
	if err != nil {
		return fmt.Errorf("rule %s: %w", node.ID, err)
	}
	variable, mode, value := storeColumns(node.Store)

	now := time.Now()
	_, err = s.db.exec(ctx, s.db.sql, `
		INSERT INTO rule_nodes (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, string(node.Owner.Kind), node.Owner.ID, string(node.Owner.Branch), node.ParentID,
		node.Order, node.Expression, node.ComparisonExpression, string(node.Operator), node.Comment,
		variable, mode, value, string(action), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	node.CreatedAt = now
	node.UpdatedAt = now
	return nil
}

// Get retrieves a rule node by ID.
func (s *RuleStore) Get(ctx context.Context, id string) (*rules.RuleNode, error) {
	row := s.db.queryRow(ctx, s.db.sql, `SELECT `+ruleColumns+` FROM rule_nodes WHERE id = ?`, id)
	node, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule with ID %s: %w", id, rules.ErrRuleNotFound)
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

// ListByOwner returns the nodes of one tree ordered by parent and order.
func (s *RuleStore) ListByOwner(ctx context.Context, owner rules.Owner) ([]*rules.RuleNode, error) {
	rows, err := s.db.query(ctx, s.db.sql, `
		SELECT `+ruleColumns+` FROM rule_nodes
		WHERE owner_kind = ? AND owner_id = ? AND owner_branch = ?
		ORDER BY parent_id, sort_order`,
		string(owner.Kind), owner.ID, string(owner.Branch))
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var nodes []*rules.RuleNode
	for rows.Next() {
		node, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return nodes, nil
}

// Update replaces the content of a node. Owner, parent and order are kept.
func (s *RuleStore) Update(ctx context.Context, node *rules.RuleNode) error {
	action, err := rules.MarshalAction(node.Action)
	if err != nil {
		return fmt.Errorf("rule %s: %w", node.ID, err)
	}
	variable, mode, value := storeColumns(node.Store)

	now := time.Now()
	res, err := s.db.exec(ctx, s.db.sql, `
		UPDATE rule_nodes
		SET expression = ?, comparison_expression = ?, operator = ?, comment = ?,
			store_variable = ?, store_mode = ?, store_value = ?, action = ?, updated_at = ?
		WHERE id = ?`,
		node.Expression, node.ComparisonExpression, string(node.Operator), node.Comment,
		variable, mode, value, string(action), toMillis(now), node.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if err := requireRow(res, node.ID); err != nil {
		return err
	}
	node.UpdatedAt = now
	return nil
}

// Reposition applies all positions or none.
func (s *RuleStore) Reposition(ctx context.Context, positions []rules.Position) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		return s.reposition(ctx, tx, positions)
	})
}

// Delete removes ids and applies positions in one transaction.
func (s *RuleStore) Delete(ctx context.Context, ids []string, positions []rules.Position) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := s.db.exec(ctx, tx, `DELETE FROM rule_nodes WHERE id = ?`, id)
			if err != nil {
				return fmt.Errorf("failed to delete rule: %w", err)
			}
			if err := requireRow(res, id); err != nil {
				return err
			}
		}
		return s.reposition(ctx, tx, positions)
	})
}

func (s *RuleStore) reposition(ctx context.Context, tx *sql.Tx, positions []rules.Position) error {
	now := toMillis(time.Now())
	for _, p := range positions {
		res, err := s.db.exec(ctx, tx, `
			UPDATE rule_nodes SET parent_id = ?, sort_order = ?, updated_at = ? WHERE id = ?`,
			p.ParentID, p.Order, now, p.ID)
		if err != nil {
			return fmt.Errorf("failed to reposition rule: %w", err)
		}
		if err := requireRow(res, p.ID); err != nil {
			return err
		}
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule with ID %s: %w", id, rules.ErrRuleNotFound)
	}
	return nil
}

func storeColumns(st *rules.StoreResult) (variable, mode, value string) {
	if st == nil {
		return "", "", ""
	}
	return st.Variable, string(st.Mode), st.Value
}

func scanRule(row scanner) (*rules.RuleNode, error) {
	var (
		n                    rules.RuleNode
		kind, branch, op     string
		variable, mode, val  string
		action               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&n.ID, &kind, &n.Owner.ID, &branch, &n.ParentID, &n.Order, &n.Expression,
		&n.ComparisonExpression, &op, &n.Comment, &variable, &mode, &val, &action,
		&createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	n.Owner.Kind = rules.Kind(kind)
	n.Owner.Branch = rules.Branch(branch)
	n.Operator = rules.Operator(op)
	if variable != "" {
		n.Store = &rules.StoreResult{Variable: variable, Mode: rules.StoreMode(mode), Value: val}
	}
	a, err := rules.UnmarshalAction([]byte(action))
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", n.ID, err)
	}
	n.Action = a
	n.CreatedAt = fromMillis(createdAt)
	n.UpdatedAt = fromMillis(updatedAt)
	return &n, nil
}
