package rules

// DirectiveType tags the variant of a Directive.
type DirectiveType string

const (
	DirectiveStoreVariable       DirectiveType = "store_variable"
	DirectiveSendMessage         DirectiveType = "send_message"
	DirectiveStopIntervention    DirectiveType = "stop_intervention"
	DirectiveActivateMicroDialog DirectiveType = "activate_micro_dialog"
	DirectiveJumpToSlide         DirectiveType = "jump_to_slide"
)

// Directive is a side effect computed by evaluating a rule. Directives are
// buffered during a walk and committed together afterwards.
type Directive interface {
	Type() DirectiveType
	Rule() string
}

// StoreVariable writes a participant variable.
type StoreVariable struct {
	RuleID string
	Name   string
	Value  string
}

func (StoreVariable) Type() DirectiveType { return DirectiveStoreVariable }
func (d StoreVariable) Rule() string      { return d.RuleID }

// SendMessage asks the dispatcher to queue a message from a group. RuleID is
// the monitoring rule whose reply rules handle the answer.
type SendMessage struct {
	RuleID               string
	GroupID              string
	ToSupervisor         bool
	HourToSend           int
	HoursUntilUnanswered int
}

func (SendMessage) Type() DirectiveType { return DirectiveSendMessage }
func (d SendMessage) Rule() string      { return d.RuleID }

// StopIntervention finishes the participant's monitoring.
type StopIntervention struct {
	RuleID string
}

func (StopIntervention) Type() DirectiveType { return DirectiveStopIntervention }
func (d StopIntervention) Rule() string      { return d.RuleID }

// ActivateMicroDialog starts a micro-dialog for the participant.
type ActivateMicroDialog struct {
	RuleID        string
	MicroDialogID string
}

func (ActivateMicroDialog) Type() DirectiveType { return DirectiveActivateMicroDialog }
func (d ActivateMicroDialog) Rule() string      { return d.RuleID }

// JumpToSlide moves a screening survey to another slide. SameSlide shows the
// current slide again.
type JumpToSlide struct {
	RuleID    string
	SlideID   string
	SameSlide bool
}

func (JumpToSlide) Type() DirectiveType { return DirectiveJumpToSlide }
func (d JumpToSlide) Rule() string      { return d.RuleID }
