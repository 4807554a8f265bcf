package rules

import "testing"

// TestOperatorValid verifies the known operator set.
func TestOperatorValid(t *testing.T) {
	for _, op := range []Operator{OpEquals, OpBiggerEqual, OpMatchesRegex, OpAlwaysTrue, OpDateDifferenceIsZero} {
		if !op.Valid() {
			t.Errorf("%s should be valid", op)
		}
	}
	for _, op := range []Operator{"", "LIKE", "equals"} {
		if op.Valid() {
			t.Errorf("%q should be invalid", op)
		}
	}
}
