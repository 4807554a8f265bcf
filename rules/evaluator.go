package rules

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Evaluator evaluates single rule nodes against a snapshot. It holds no
// per-participant state and is safe for concurrent use.
type Evaluator struct {
	calc *Calculator
}

// NewEvaluator creates an evaluator that reduces arithmetic with calc.
func NewEvaluator(calc *Calculator) *Evaluator {
	return &Evaluator{calc: calc}
}

// operand is one side of a comparison in its two resolved forms.
type operand struct {
	text string
	calc string
}

// Evaluate resolves both expressions of node, applies its operator and
// returns the outcome with the directives the node produces. A failing
// comparison (invalid regex, unreadable date) yields a false outcome and
// Error set; it never panics.
func (e *Evaluator) Evaluate(node *RuleNode, snap Snapshot) *EvaluationResult {
	leftText := Resolve(node.Expression, snap)
	rightText := Resolve(node.ComparisonExpression, snap)
	left := operand{text: leftText.Text, calc: ResolveCalculable(node.Expression, snap).Text}
	right := operand{text: rightText.Text, calc: ResolveCalculable(node.ComparisonExpression, snap).Text}

	result := &EvaluationResult{
		RuleID:  node.ID,
		Unknown: mergeUnknown(leftText.Unknown, rightText.Unknown),
	}

	outcome, value, err := e.compare(node.Operator, left, right, snap.At())
	if err != nil {
		result.Error = fmt.Errorf("rule %s: %w", node.ID, err)
		outcome = false
	}
	result.Outcome = outcome
	result.Value = value

	if node.Store != nil && node.Store.Variable != "" {
		result.Directives = append(result.Directives, StoreVariable{
			RuleID: node.ID,
			Name:   node.Store.Variable,
			Value:  storedValue(node.Store, outcome, value),
		})
	}
	if d := actionDirective(node, outcome); d != nil {
		result.Directives = append(result.Directives, d)
	}

	return result
}

func storedValue(store *StoreResult, outcome bool, value string) string {
	switch store.Mode {
	case StoreFixed:
		return store.Value
	case StoreValue:
		return value
	default:
		return strconv.FormatBool(outcome)
	}
}

func actionDirective(node *RuleNode, outcome bool) Directive {
	switch a := node.Action.(type) {
	case SendMessageAction:
		if outcome {
			return SendMessage{
				RuleID:               node.ID,
				GroupID:              a.GroupID,
				ToSupervisor:         a.ToSupervisor,
				HourToSend:           a.HourToSend,
				HoursUntilUnanswered: a.HoursUntilUnanswered,
			}
		}
	case StopInterventionAction:
		if outcome {
			return StopIntervention{RuleID: node.ID}
		}
	case ActivateMicroDialogAction:
		if outcome {
			return ActivateMicroDialog{RuleID: node.ID, MicroDialogID: a.MicroDialogID}
		}
	case JumpToSlideAction:
		if outcome && a.WhenTrue != "" {
			return JumpToSlide{RuleID: node.ID, SlideID: a.WhenTrue}
		}
		if !outcome && a.WhenFalse != "" {
			return JumpToSlide{RuleID: node.ID, SlideID: a.WhenFalse}
		}
	case InvalidWhenTrueAction:
		if outcome {
			return JumpToSlide{RuleID: node.ID, SameSlide: true}
		}
	}
	return nil
}

// number reduces an operand to a float when it is numeric after
// substitution. NaN and infinities count as text.
func (e *Evaluator) number(o operand) (float64, bool) {
	if f, err := strconv.ParseFloat(strings.TrimSpace(o.text), 64); err == nil {
		return f, finite(f)
	}
	if e.calc == nil || !calculatedPattern.MatchString(o.calc) || !strings.ContainsAny(o.calc, "0123456789") {
		return 0, false
	}
	f, err := e.calc.Reduce(o.calc)
	if err != nil {
		return 0, false
	}
	return f, finite(f)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// compare applies op. Under a magnitude or equality operator both sides are
// compared as numbers when both reduce to numbers, otherwise as strings.
func (e *Evaluator) compare(op Operator, left, right operand, at time.Time) (bool, string, error) {
	lNum, lIsNum := e.number(left)
	value := left.text
	if lIsNum {
		value = FormatNumber(lNum)
	}

	numeric := func() (float64, float64, bool) {
		if !lIsNum {
			return 0, 0, false
		}
		rNum, ok := e.number(right)
		return lNum, rNum, ok
	}

	switch op {
	case OpEquals, OpNotEquals:
		var equal bool
		if l, r, ok := numeric(); ok {
			equal = l == r
		} else {
			equal = left.text == right.text
		}
		return equal == (op == OpEquals), value, nil

	case OpEqualsIgnoreCase:
		return strings.EqualFold(strings.TrimSpace(left.text), strings.TrimSpace(right.text)), value, nil

	case OpSmaller, OpSmallerEqual, OpBigger, OpBiggerEqual:
		var cmp int
		if l, r, ok := numeric(); ok {
			switch {
			case l < r:
				cmp = -1
			case l > r:
				cmp = 1
			}
		} else {
			cmp = strings.Compare(left.text, right.text)
		}
		switch op {
		case OpSmaller:
			return cmp < 0, value, nil
		case OpSmallerEqual:
			return cmp <= 0, value, nil
		case OpBigger:
			return cmp > 0, value, nil
		default:
			return cmp >= 0, value, nil
		}

	case OpContains:
		return strings.Contains(left.text, right.text), value, nil
	case OpNotContains:
		return !strings.Contains(left.text, right.text), value, nil

	case OpIsEmpty:
		return strings.TrimSpace(left.text) == "", value, nil
	case OpIsNotEmpty:
		return strings.TrimSpace(left.text) != "", value, nil

	case OpMatchesRegex, OpNotMatchesRegex:
		re, err := regexp.Compile("^(?:" + right.text + ")$")
		if err != nil {
			return false, value, fmt.Errorf("invalid regular expression %q: %w", right.text, err)
		}
		matched := re.MatchString(strings.ToLower(strings.TrimSpace(left.text)))
		return matched == (op == OpMatchesRegex), value, nil

	case OpAlwaysTrue:
		return true, value, nil
	case OpAlwaysFalse:
		return false, value, nil

	case OpDateDifferenceEquals:
		date, err := parseDate(left.text, at)
		if err != nil {
			return false, value, err
		}
		days := daysBetween(date, at)
		want, ok := e.number(right)
		if !ok {
			return false, strconv.Itoa(days), fmt.Errorf("comparison %q is not a number", right.text)
		}
		return float64(days) == want, strconv.Itoa(days), nil

	case OpDateDifferenceIsZero:
		from, err := parseDate(left.text, at)
		if err != nil {
			return false, value, err
		}
		to, err := parseDate(right.text, at)
		if err != nil {
			return false, value, err
		}
		days := daysBetween(from, to)
		return days == 0, strconv.Itoa(days), nil
	}

	return false, value, fmt.Errorf("unknown operator %q", op)
}
