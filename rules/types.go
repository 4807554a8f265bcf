package rules

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRuleNotFound is returned when a rule ID does not exist in the store.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrRuleExists is returned when adding a rule whose ID is already taken.
	ErrRuleExists = errors.New("rule already exists")
	// ErrInvalidRule wraps edit-time configuration errors of a single node.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrInvalidTree is returned when persisted nodes do not form a valid tree.
	ErrInvalidTree = errors.New("invalid rule tree")
	// ErrCycle is returned when a move would make a node its own ancestor.
	ErrCycle = errors.New("rule cannot be its own ancestor")
)

// Kind identifies the rule variant. Every node of one tree has the kind of
// the tree's owner.
type Kind string

const (
	KindMonitoring         Kind = "monitoring"
	KindMonitoringReply    Kind = "monitoring_reply"
	KindSurveySlide        Kind = "survey_slide"
	KindMicroDialogMessage Kind = "micro_dialog_message"
	KindMessageFilter      Kind = "message_filter"
)

// Valid reports whether k is a known rule kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMonitoring, KindMonitoringReply, KindSurveySlide, KindMicroDialogMessage, KindMessageFilter:
		return true
	}
	return false
}

// Branch selects one of the two reply-rule trees hanging off a monitoring rule.
type Branch string

const (
	BranchNone        Branch = ""
	BranchAnswered    Branch = "answered"
	BranchNotAnswered Branch = "not_answered"
)

// Owner identifies the container a rule tree belongs to: an intervention for
// monitoring rules, a monitoring rule plus branch for reply rules, a slide,
// a micro-dialog message or a monitoring message.
type Owner struct {
	Kind   Kind
	ID     string
	Branch Branch
}

func (o Owner) String() string {
	if o.Branch != BranchNone {
		return fmt.Sprintf("%s/%s/%s", o.Kind, o.ID, o.Branch)
	}
	return fmt.Sprintf("%s/%s", o.Kind, o.ID)
}

// MonitoringOwner returns the owner of an intervention's monitoring rules.
func MonitoringOwner(interventionID string) Owner {
	return Owner{Kind: KindMonitoring, ID: interventionID}
}

// ReplyOwner returns the owner of the reply rules of a monitoring rule.
func ReplyOwner(monitoringRuleID string, answered bool) Owner {
	branch := BranchNotAnswered
	if answered {
		branch = BranchAnswered
	}
	return Owner{Kind: KindMonitoringReply, ID: monitoringRuleID, Branch: branch}
}

// SlideOwner returns the owner of a screening-survey slide's rules.
func SlideOwner(slideID string) Owner {
	return Owner{Kind: KindSurveySlide, ID: slideID}
}

// MicroDialogMessageOwner returns the owner of a micro-dialog message's rules.
func MicroDialogMessageOwner(messageID string) Owner {
	return Owner{Kind: KindMicroDialogMessage, ID: messageID}
}

// MessageFilterOwner returns the owner of the rules that decide whether a
// monitoring message may be picked from its group.
func MessageFilterOwner(messageID string) Owner {
	return Owner{Kind: KindMessageFilter, ID: messageID}
}

// StoreMode decides what a rule writes into its result variable.
type StoreMode string

const (
	// StoreOutcome writes "true" or "false".
	StoreOutcome StoreMode = "outcome"
	// StoreFixed writes the configured value when the rule is evaluated.
	StoreFixed StoreMode = "fixed"
	// StoreValue writes the calculated number or the resolved text of the
	// rule expression.
	StoreValue StoreMode = "value"
)

// StoreResult names the participant variable a rule writes to.
type StoreResult struct {
	Variable string
	Mode     StoreMode
	Value    string
}

// Core holds the fields shared by every rule variant.
type Core struct {
	Expression           string
	ComparisonExpression string
	Operator             Operator
	Comment              string
	Store                *StoreResult
}

// RuleNode is one conditional unit of a rule tree. Nodes reference their
// parent by ID; a node without parent is a root of its owner's tree.
type RuleNode struct {
	ID        string
	ParentID  string
	Order     int
	Owner     Owner
	Core
	Action    Action
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Kind returns the variant of the node.
func (n *RuleNode) Kind() Kind {
	return n.Owner.Kind
}

// Clone returns a copy that can be mutated without affecting n.
func (n *RuleNode) Clone() *RuleNode {
	c := *n
	if n.Store != nil {
		s := *n.Store
		c.Store = &s
	}
	return &c
}

// Position is the placement of a node among its siblings.
type Position struct {
	ID       string
	ParentID string
	Order    int
}

// EvaluationResult contains the outcome of evaluating one node.
type EvaluationResult struct {
	RuleID     string
	Outcome    bool
	Value      string
	Directives []Directive
	Unknown    []string
	Error      error
}
