package rules

import (
	"encoding/json"
	"fmt"
)

// ActionType tags the variant of an Action.
type ActionType string

const (
	ActionSendMessage         ActionType = "send_message"
	ActionStopIntervention    ActionType = "stop_intervention"
	ActionActivateMicroDialog ActionType = "activate_micro_dialog"
	ActionJumpToSlide         ActionType = "jump_to_slide"
	ActionInvalidWhenTrue     ActionType = "invalid_when_true"
)

// Action is the variant-specific payload of a rule node. The evaluator turns
// it into a Directive depending on the rule's outcome.
type Action interface {
	Type() ActionType
}

// SendMessageAction sends a message from a group when the rule is true.
// HourToSend and HoursUntilUnanswered of zero fall back to the intervention
// settings.
type SendMessageAction struct {
	GroupID              string
	ToSupervisor         bool
	HourToSend           int
	HoursUntilUnanswered int
}

func (SendMessageAction) Type() ActionType { return ActionSendMessage }

// StopInterventionAction finishes the participant's monitoring when true.
type StopInterventionAction struct{}

func (StopInterventionAction) Type() ActionType { return ActionStopIntervention }

// ActivateMicroDialogAction starts a micro-dialog when true.
type ActivateMicroDialogAction struct {
	MicroDialogID string
}

func (ActivateMicroDialogAction) Type() ActionType { return ActionActivateMicroDialog }

// JumpToSlideAction continues a screening survey at another slide.
type JumpToSlideAction struct {
	WhenTrue  string
	WhenFalse string
}

func (JumpToSlideAction) Type() ActionType { return ActionJumpToSlide }

// InvalidWhenTrueAction shows the same slide again when true.
type InvalidWhenTrueAction struct{}

func (InvalidWhenTrueAction) Type() ActionType { return ActionInvalidWhenTrue }

type actionRecord struct {
	Type                 ActionType `json:"type"`
	GroupID              string     `json:"groupId,omitempty"`
	ToSupervisor         bool       `json:"toSupervisor,omitempty"`
	HourToSend           int        `json:"hourToSend,omitempty"`
	HoursUntilUnanswered int        `json:"hoursUntilUnanswered,omitempty"`
	MicroDialogID        string     `json:"microDialogId,omitempty"`
	WhenTrue             string     `json:"whenTrue,omitempty"`
	WhenFalse            string     `json:"whenFalse,omitempty"`
}

// MarshalAction encodes an action for persistence. A nil action encodes to nil.
func MarshalAction(a Action) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	rec := actionRecord{Type: a.Type()}
	switch v := a.(type) {
	case SendMessageAction:
		rec.GroupID = v.GroupID
		rec.ToSupervisor = v.ToSupervisor
		rec.HourToSend = v.HourToSend
		rec.HoursUntilUnanswered = v.HoursUntilUnanswered
	case ActivateMicroDialogAction:
		rec.MicroDialogID = v.MicroDialogID
	case JumpToSlideAction:
		rec.WhenTrue = v.WhenTrue
		rec.WhenFalse = v.WhenFalse
	case StopInterventionAction, InvalidWhenTrueAction:
	default:
		return nil, fmt.Errorf("unsupported action %T", a)
	}
	return json.Marshal(rec)
}

// UnmarshalAction decodes an action written by MarshalAction.
func UnmarshalAction(data []byte) (Action, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var rec actionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode action: %w", err)
	}
	switch rec.Type {
	case ActionSendMessage:
		return SendMessageAction{
			GroupID:              rec.GroupID,
			ToSupervisor:         rec.ToSupervisor,
			HourToSend:           rec.HourToSend,
			HoursUntilUnanswered: rec.HoursUntilUnanswered,
		}, nil
	case ActionStopIntervention:
		return StopInterventionAction{}, nil
	case ActionActivateMicroDialog:
		return ActivateMicroDialogAction{MicroDialogID: rec.MicroDialogID}, nil
	case ActionJumpToSlide:
		return JumpToSlideAction{WhenTrue: rec.WhenTrue, WhenFalse: rec.WhenFalse}, nil
	case ActionInvalidWhenTrue:
		return InvalidWhenTrueAction{}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", rec.Type)
	}
}
