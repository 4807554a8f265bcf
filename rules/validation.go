package rules

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// calculatedPattern is the character set an arithmetic expression may use.
	calculatedPattern   = regexp.MustCompile(`^[\$a-zA-Z0-9_+\-%*/^().,\s]*$`)
	variableNamePattern = regexp.MustCompile(`^\$[a-zA-Z0-9_]+$`)
)

// allowedActions lists the action types each rule kind may carry. A nil
// action is always allowed.
var allowedActions = map[Kind]map[ActionType]bool{
	KindMonitoring: {
		ActionSendMessage: true, ActionStopIntervention: true, ActionActivateMicroDialog: true,
	},
	KindMonitoringReply: {
		ActionSendMessage: true, ActionStopIntervention: true, ActionActivateMicroDialog: true,
	},
	KindSurveySlide: {
		ActionJumpToSlide: true, ActionInvalidWhenTrue: true,
	},
	KindMicroDialogMessage: {},
	KindMessageFilter:      {},
}

// ValidateRule checks a node's configuration before it is persisted. Errors
// wrap ErrInvalidRule.
func ValidateRule(node *RuleNode) error {
	if node == nil {
		return fmt.Errorf("%w: rule is nil", ErrInvalidRule)
	}
	if node.ID == "" {
		return fmt.Errorf("%w: rule ID cannot be empty", ErrInvalidRule)
	}
	if !node.Kind().Valid() {
		return fmt.Errorf("%w: unknown rule kind %q", ErrInvalidRule, node.Kind())
	}
	if node.Owner.ID == "" {
		return fmt.Errorf("%w: rule %s has no owner", ErrInvalidRule, node.ID)
	}
	if node.Kind() == KindMonitoringReply && node.Owner.Branch == BranchNone {
		return fmt.Errorf("%w: reply rule %s needs an answered or not_answered branch", ErrInvalidRule, node.ID)
	}
	if node.ParentID == node.ID {
		return fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, node.ID, ErrCycle)
	}
	if !node.Operator.Valid() {
		return fmt.Errorf("%w: rule %s has unknown operator %q", ErrInvalidRule, node.ID, node.Operator)
	}

	if node.Operator.Ordering() {
		for _, expr := range []string{node.Expression, node.ComparisonExpression} {
			if !calculatedPattern.MatchString(expr) {
				return fmt.Errorf("%w: rule %s: expression %q contains characters outside [$A-Za-z0-9_+-%%*/^().,]",
					ErrInvalidRule, node.ID, expr)
			}
		}
	}

	if node.Operator.Regex() && !strings.ContainsAny(node.ComparisonExpression, "$#") {
		if _, err := regexp.Compile("^(?:" + node.ComparisonExpression + ")$"); err != nil {
			return fmt.Errorf("%w: rule %s: invalid regular expression: %v", ErrInvalidRule, node.ID, err)
		}
	}

	if node.Store != nil {
		if err := ValidateVariableName(node.Store.Variable); err != nil {
			return fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, node.ID, err)
		}
		switch node.Store.Mode {
		case StoreOutcome, StoreFixed, StoreValue, "":
		default:
			return fmt.Errorf("%w: rule %s has unknown store mode %q", ErrInvalidRule, node.ID, node.Store.Mode)
		}
	}

	if node.Action != nil {
		if !allowedActions[node.Kind()][node.Action.Type()] {
			return fmt.Errorf("%w: %s rules cannot %s", ErrInvalidRule, node.Kind(), node.Action.Type())
		}
		if a, ok := node.Action.(SendMessageAction); ok {
			if a.GroupID == "" {
				return fmt.Errorf("%w: rule %s sends a message without group", ErrInvalidRule, node.ID)
			}
			if a.HourToSend != 0 && (a.HourToSend < 1 || a.HourToSend > 23) {
				return fmt.Errorf("%w: rule %s: hour to send %d must be between 1 and 23", ErrInvalidRule, node.ID, a.HourToSend)
			}
			if a.HoursUntilUnanswered != 0 && (a.HoursUntilUnanswered < 1 || a.HoursUntilUnanswered > 96) {
				return fmt.Errorf("%w: rule %s: hours until unanswered %d must be between 1 and 96",
					ErrInvalidRule, node.ID, a.HoursUntilUnanswered)
			}
		}
		if a, ok := node.Action.(ActivateMicroDialogAction); ok && a.MicroDialogID == "" {
			return fmt.Errorf("%w: rule %s activates a micro-dialog without reference", ErrInvalidRule, node.ID)
		}
	}

	return nil
}

// ValidateVariableName checks that name is a writable participant variable.
func ValidateVariableName(name string) error {
	if !variableNamePattern.MatchString(name) {
		return fmt.Errorf("variable name %q must match %s", name, variableNamePattern.String())
	}
	if IsReadOnlyVariable(name) {
		return fmt.Errorf("variable %s is read-only", name)
	}
	return nil
}
