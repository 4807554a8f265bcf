package rules

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestEvaluateAdultRule verifies a true rule stores its outcome and emits its action.
func TestEvaluateAdultRule(t *testing.T) {
	ev := newTestEvaluator()
	node := acting(
		storing(rule("r1", "", 0, "$age", OpBiggerEqual, "18"), "$isAdult", StoreOutcome, ""),
		SendMessageAction{GroupID: "g1"},
	)

	got := ev.Evaluate(node, snapshotOf(map[string]string{"$age": "20"}))

	if !got.Outcome {
		t.Fatal("Expected outcome true")
	}
	if got.Error != nil {
		t.Fatalf("Unexpected error: %v", got.Error)
	}
	want := []Directive{
		StoreVariable{RuleID: "r1", Name: "$isAdult", Value: "true"},
		SendMessage{RuleID: "r1", GroupID: "g1"},
	}
	if diff := cmp.Diff(want, got.Directives); diff != "" {
		t.Errorf("Directives mismatch (-want +got):\n%s", diff)
	}
}

// TestEvaluateMinorRule verifies a false rule only stores its outcome.
func TestEvaluateMinorRule(t *testing.T) {
	ev := newTestEvaluator()
	node := acting(
		storing(rule("r1", "", 0, "$age", OpBiggerEqual, "18"), "$isAdult", StoreOutcome, ""),
		SendMessageAction{GroupID: "g1"},
	)

	got := ev.Evaluate(node, snapshotOf(map[string]string{"$age": "12"}))

	if got.Outcome {
		t.Fatal("Expected outcome false")
	}
	want := []Directive{StoreVariable{RuleID: "r1", Name: "$isAdult", Value: "false"}}
	if diff := cmp.Diff(want, got.Directives); diff != "" {
		t.Errorf("Directives mismatch (-want +got):\n%s", diff)
	}
}

// TestEvaluateUnknownVariable verifies unknown variables compare as empty strings.
func TestEvaluateUnknownVariable(t *testing.T) {
	ev := newTestEvaluator()
	node := rule("r1", "", 0, "$nickname = Bob", OpEquals, "Bob")

	got := ev.Evaluate(node, snapshotOf(nil))

	if got.Outcome {
		t.Error("Expected outcome false")
	}
	if got.Value != " = Bob" {
		t.Errorf("Value = %q, want %q", got.Value, " = Bob")
	}
	if diff := cmp.Diff([]string{"$nickname"}, got.Unknown); diff != "" {
		t.Errorf("Unknown mismatch (-want +got):\n%s", diff)
	}
}

// TestEvaluateOperators runs every operator against resolved values.
func TestEvaluateOperators(t *testing.T) {
	ev := newTestEvaluator()
	snap := snapshotOf(map[string]string{
		"$a":     "20",
		"$b":     "3",
		"$name":  "Alice",
		"$text":  "I feel great today",
		"$start": "10.03.2025",
		"$empty": "",
		"$reply": "nan",
	})

	tests := []struct {
		name string
		expr string
		op   Operator
		cmp  string
		want bool
	}{
		{"equals numeric", "$a", OpEquals, "20.0", true},
		{"equals arithmetic", "$a+$b", OpEquals, "23", true},
		{"equals text", "$name", OpEquals, "Alice", true},
		{"equals text case", "$name", OpEquals, "alice", false},
		{"not equals", "$name", OpNotEquals, "Bob", true},
		{"equals ignore case", "$name", OpEqualsIgnoreCase, " ALICE ", true},
		{"smaller", "$b", OpSmaller, "$a", true},
		{"smaller numeric not lexical", "9", OpSmaller, "10", true},
		{"smaller equal", "$a", OpSmallerEqual, "20", true},
		{"bigger", "$a*2", OpBigger, "39.5", true},
		{"bigger equal", "$b", OpBiggerEqual, "4", false},
		{"bigger text fallback", "b", OpBigger, "a", true},
		{"bigger mixed fallback", "abc", OpBigger, "10", true},
		{"contains", "$text", OpContains, "great", true},
		{"not contains", "$text", OpNotContains, "bad", true},
		{"is empty", "$empty", OpIsEmpty, "", true},
		{"is empty unknown", "$missing", OpIsEmpty, "", true},
		{"is not empty", "$name", OpIsNotEmpty, "", true},
		{"matches regex", "$name", OpMatchesRegex, "ali.*", true},
		{"matches regex whole value", "$text", OpMatchesRegex, "great", false},
		{"not matches regex", "$name", OpNotMatchesRegex, "bob|carl", true},
		{"always true", "", OpAlwaysTrue, "", true},
		{"always false", "", OpAlwaysFalse, "", false},
		{"date difference", "$start", OpDateDifferenceEquals, "4", true},
		{"date difference is zero", "14.03.2025", OpDateDifferenceIsZero, "14.03.2025", true},
		{"modulo", "$a%$b", OpEquals, "2", true},
		{"power", "$b^2", OpEquals, "9", true},
		{"nan compares as text", "$reply", OpEquals, "nan", true},
		{"infinity compares as text", "-Inf", OpSmaller, "-5", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ev.Evaluate(rule("r", "", 0, tt.expr, tt.op, tt.cmp), snap)
			if got.Error != nil {
				t.Fatalf("Unexpected error: %v", got.Error)
			}
			if got.Outcome != tt.want {
				t.Errorf("%s %s %s = %v, want %v", tt.expr, tt.op, tt.cmp, got.Outcome, tt.want)
			}
		})
	}
}

// TestEvaluateFailureIsFalse verifies broken comparisons never panic.
func TestEvaluateFailureIsFalse(t *testing.T) {
	ev := newTestEvaluator()
	snap := snapshotOf(map[string]string{"$pattern": "(["})

	tests := []*RuleNode{
		rule("regex", "", 0, "abc", OpMatchesRegex, "$pattern"),
		rule("date", "", 0, "not a date", OpDateDifferenceEquals, "1"),
		rule("operator", "", 0, "1", Operator("LIKE"), "1"),
	}

	for _, node := range tests {
		t.Run(node.ID, func(t *testing.T) {
			got := ev.Evaluate(node, snap)
			if got.Outcome {
				t.Error("Expected outcome false")
			}
			if got.Error == nil {
				t.Error("Expected an evaluation error")
			}
		})
	}
}

// TestEvaluateStoreModes covers what a rule writes into its variable.
func TestEvaluateStoreModes(t *testing.T) {
	ev := newTestEvaluator()
	snap := snapshotOf(map[string]string{"$a": "4"})

	tests := []struct {
		name string
		mode StoreMode
		want string
	}{
		{"outcome", StoreOutcome, "true"},
		{"default", "", "true"},
		{"fixed", StoreFixed, "hello"},
		{"value", StoreValue, "16"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := storing(rule("r", "", 0, "$a*$a", OpBigger, "0"), "$out", tt.mode, "hello")
			got := ev.Evaluate(node, snap)
			want := []Directive{StoreVariable{RuleID: "r", Name: "$out", Value: tt.want}}
			if diff := cmp.Diff(want, got.Directives); diff != "" {
				t.Errorf("Directives mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestEvaluateActions covers the directive produced by each action.
func TestEvaluateActions(t *testing.T) {
	ev := newTestEvaluator()
	snap := snapshotOf(nil)

	tests := []struct {
		name    string
		action  Action
		outcome Operator
		want    []Directive
	}{
		{"stop when true", StopInterventionAction{}, OpAlwaysTrue, []Directive{StopIntervention{RuleID: "r"}}},
		{"stop when false", StopInterventionAction{}, OpAlwaysFalse, nil},
		{"micro dialog", ActivateMicroDialogAction{MicroDialogID: "md1"}, OpAlwaysTrue,
			[]Directive{ActivateMicroDialog{RuleID: "r", MicroDialogID: "md1"}}},
		{"jump when true", JumpToSlideAction{WhenTrue: "s2", WhenFalse: "s3"}, OpAlwaysTrue,
			[]Directive{JumpToSlide{RuleID: "r", SlideID: "s2"}}},
		{"jump when false", JumpToSlideAction{WhenTrue: "s2", WhenFalse: "s3"}, OpAlwaysFalse,
			[]Directive{JumpToSlide{RuleID: "r", SlideID: "s3"}}},
		{"invalid when true", InvalidWhenTrueAction{}, OpAlwaysTrue,
			[]Directive{JumpToSlide{RuleID: "r", SameSlide: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ev.Evaluate(acting(rule("r", "", 0, "", tt.outcome, ""), tt.action), snap)
			if diff := cmp.Diff(tt.want, got.Directives); diff != "" {
				t.Errorf("Directives mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
