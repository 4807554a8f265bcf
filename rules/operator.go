package rules

// Operator defines how the resolved left and right expressions are compared.
type Operator string

const (
	OpEquals           Operator = "EQUALS"
	OpNotEquals        Operator = "NOT_EQUALS"
	OpEqualsIgnoreCase Operator = "EQUALS_IGNORE_CASE"
	OpSmaller          Operator = "SMALLER"
	OpSmallerEqual     Operator = "SMALLER_EQUAL"
	OpBigger           Operator = "BIGGER"
	OpBiggerEqual      Operator = "BIGGER_EQUAL"
	OpContains         Operator = "CONTAINS"
	OpNotContains      Operator = "NOT_CONTAINS"
	OpIsEmpty          Operator = "IS_EMPTY"
	OpIsNotEmpty       Operator = "IS_NOT_EMPTY"
	OpMatchesRegex     Operator = "MATCHES_REGEX"
	OpNotMatchesRegex  Operator = "NOT_MATCHES_REGEX"
	OpAlwaysTrue       Operator = "ALWAYS_TRUE"
	OpAlwaysFalse      Operator = "ALWAYS_FALSE"

	// OpDateDifferenceEquals is true when the days between the left date and
	// the evaluation time equal the right number.
	OpDateDifferenceEquals Operator = "DATE_DIFFERENCE_EQUALS"
	// OpDateDifferenceIsZero is true when both dates fall on the same day.
	OpDateDifferenceIsZero Operator = "DATE_DIFFERENCE_IS_ZERO"
)

var knownOperators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpEqualsIgnoreCase: {},
	OpSmaller: {}, OpSmallerEqual: {}, OpBigger: {}, OpBiggerEqual: {},
	OpContains: {}, OpNotContains: {}, OpIsEmpty: {}, OpIsNotEmpty: {},
	OpMatchesRegex: {}, OpNotMatchesRegex: {}, OpAlwaysTrue: {}, OpAlwaysFalse: {},
	OpDateDifferenceEquals: {}, OpDateDifferenceIsZero: {},
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	_, ok := knownOperators[op]
	return ok
}

// Ordering reports whether op compares magnitudes.
func (op Operator) Ordering() bool {
	switch op {
	case OpSmaller, OpSmallerEqual, OpBigger, OpBiggerEqual:
		return true
	}
	return false
}

// Regex reports whether the comparison expression is a regular expression.
func (op Operator) Regex() bool {
	return op == OpMatchesRegex || op == OpNotMatchesRegex
}

// UsesComparison reports whether the right-hand expression takes part in
// the comparison.
func (op Operator) UsesComparison() bool {
	switch op {
	case OpIsEmpty, OpIsNotEmpty, OpAlwaysTrue, OpAlwaysFalse:
		return false
	}
	return true
}
