package rules

// WarningKind classifies recoverable problems found during a walk or commit.
type WarningKind string

const (
	WarnUnknownVariable  WarningKind = "unknown_variable"
	WarnEvaluationFailed WarningKind = "evaluation_failed"
	WarnMissingReference WarningKind = "missing_reference"
	WarnWriteProtected   WarningKind = "write_protected"
)

// Warning is a configuration or resolution problem that did not stop
// evaluation.
type Warning struct {
	Kind    WarningKind
	RuleID  string
	Message string
}

// WalkResult is the ordered outcome of walking one tree.
type WalkResult struct {
	Directives  []Directive
	Evaluations []*EvaluationResult
	Unknown     []string
	Warnings    []Warning
	// Stopped is set when a StopIntervention directive ended the walk.
	Stopped bool
}

// Walk evaluates tree in pre-order, siblings by ascending Order. Children are
// only visited when their parent is true, and every node sees the same
// snapshot. A StopIntervention ends the walk immediately: siblings and
// descendants still pending are not evaluated. Of several StoreVariable
// directives for the same name only the last one visited is kept.
func Walk(tree *Tree, snap Snapshot, ev *Evaluator) *WalkResult {
	result := &WalkResult{}
	var unknown [][]string

	var visit func(nodes []*RuleNode)
	visit = func(nodes []*RuleNode) {
		for _, node := range nodes {
			if result.Stopped {
				return
			}
			eval := ev.Evaluate(node, snap)
			result.Evaluations = append(result.Evaluations, eval)
			result.Directives = append(result.Directives, eval.Directives...)

			for _, name := range eval.Unknown {
				result.Warnings = append(result.Warnings, Warning{
					Kind:    WarnUnknownVariable,
					RuleID:  node.ID,
					Message: "unknown variable " + name,
				})
			}
			unknown = append(unknown, eval.Unknown)
			if eval.Error != nil {
				result.Warnings = append(result.Warnings, Warning{
					Kind:    WarnEvaluationFailed,
					RuleID:  node.ID,
					Message: eval.Error.Error(),
				})
			}

			for _, d := range eval.Directives {
				if _, ok := d.(StopIntervention); ok {
					result.Stopped = true
				}
			}
			if result.Stopped {
				return
			}
			if eval.Outcome {
				visit(tree.Children(node.ID))
			}
		}
	}
	visit(tree.Roots())

	result.Directives = lastWriterWins(result.Directives)
	result.Unknown = mergeUnknown(unknown...)
	return result
}

// EvaluateAll evaluates every root of tree independently of the others and
// ignores children. It is used for flat filter lists.
func EvaluateAll(tree *Tree, snap Snapshot, ev *Evaluator) []*EvaluationResult {
	roots := tree.Roots()
	results := make([]*EvaluationResult, 0, len(roots))
	for _, node := range roots {
		results = append(results, ev.Evaluate(node, snap))
	}
	return results
}

// lastWriterWins drops every StoreVariable that is followed by another one
// for the same variable. Relative order of the remaining directives is kept.
func lastWriterWins(directives []Directive) []Directive {
	last := make(map[string]int)
	for i, d := range directives {
		if sv, ok := d.(StoreVariable); ok {
			last[sv.Name] = i
		}
	}
	out := make([]Directive, 0, len(directives))
	for i, d := range directives {
		if sv, ok := d.(StoreVariable); ok && last[sv.Name] != i {
			continue
		}
		out = append(out, d)
	}
	return out
}
