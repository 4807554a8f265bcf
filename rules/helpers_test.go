package rules

var testOwner = MonitoringOwner("intervention-1")

// rule builds a monitoring rule node for tests.
func rule(id, parent string, order int, expr string, op Operator, cmp string) *RuleNode {
	return &RuleNode{
		ID:       id,
		ParentID: parent,
		Order:    order,
		Owner:    testOwner,
		Core: Core{
			Expression:           expr,
			ComparisonExpression: cmp,
			Operator:             op,
		},
	}
}

func storing(n *RuleNode, variable string, mode StoreMode, value string) *RuleNode {
	n.Store = &StoreResult{Variable: variable, Mode: mode, Value: value}
	return n
}

func acting(n *RuleNode, a Action) *RuleNode {
	n.Action = a
	return n
}

func newTestEvaluator() *Evaluator {
	calc, err := NewCalculator()
	if err != nil {
		panic(err)
	}
	return NewEvaluator(calc)
}
