package main

import (
	"time"

	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/storage"
)

// API Request and Response Models

// HealthResponse reports whether the server can reach its database
type HealthResponse struct {
	Status              string `json:"status" example:"healthy"`
	Error               string `json:"error,omitempty"`
	InterventionsLoaded int    `json:"interventionsLoaded" example:"3"`
	ClockMode           string `json:"clockMode" example:"REAL"`
} // @name HealthResponse

// ClockResponse describes the scheduling clock
type ClockResponse struct {
	Mode         string    `json:"mode" example:"SIMULATED"`
	Now          time.Time `json:"now" example:"2025-03-14T09:00:00Z"`
	FastForward  bool      `json:"fastForward" example:"false"`
	WakeInterval string    `json:"wakeInterval" example:"15s"`
} // @name ClockResponse

// SetModeRequest switches the clock between REAL and SIMULATED
type SetModeRequest struct {
	Mode string `json:"mode" example:"SIMULATED" binding:"required"`
} // @name SetModeRequest

// JumpRequest advances simulated time by a fixed step
type JumpRequest struct {
	Jump string `json:"jump" example:"1d" binding:"required"`
} // @name JumpRequest

// FastForwardRequest toggles accelerated simulated time
type FastForwardRequest struct {
	Enabled bool `json:"enabled" example:"true"`
} // @name FastForwardRequest

// WarningResponse is a configuration problem found while evaluating
type WarningResponse struct {
	Kind    string `json:"kind" example:"missing_reference"`
	RuleID  string `json:"ruleId,omitempty" example:"rule-1"`
	Message string `json:"message"`
} // @name WarningResponse

// EvaluationResponse is the outcome of a single rule
type EvaluationResponse struct {
	RuleID  string   `json:"ruleId"`
	Outcome bool     `json:"outcome"`
	Value   string   `json:"value,omitempty"`
	Unknown []string `json:"unknown,omitempty"`
	Error   string   `json:"error,omitempty"`
} // @name EvaluationResponse

// DirectiveResponse is one side effect requested by a rule
type DirectiveResponse struct {
	Type   string `json:"type" example:"send_message"`
	RuleID string `json:"ruleId"`
	// Detail holds the directive fields.
	Detail rules.Directive `json:"detail"`
} // @name DirectiveResponse

// VariableWriteResponse is a variable a commit would store
type VariableWriteResponse struct {
	Name  string `json:"name" example:"$mood"`
	Value string `json:"value" example:"good"`
} // @name VariableWriteResponse

// EvaluateResponse is a dry run of a participant's monitoring rules
type EvaluateResponse struct {
	ParticipantID     string                  `json:"participantId"`
	InterventionID    string                  `json:"interventionId"`
	Evaluations       []EvaluationResponse    `json:"evaluations"`
	Directives        []DirectiveResponse     `json:"directives"`
	Variables         []VariableWriteResponse `json:"variables"`
	Messages          []MessageResponse       `json:"messages"`
	Finish            bool                    `json:"finish"`
	NextEvaluationDue *time.Time              `json:"nextEvaluationDue,omitempty"`
	Warnings          []WarningResponse       `json:"warnings"`
} // @name EvaluateResponse

// MessageResponse is one outbox entry
type MessageResponse struct {
	ID            string     `json:"id,omitempty"`
	GroupID       string     `json:"groupId"`
	MessageID     string     `json:"messageId"`
	OriginRuleID  string     `json:"originRuleId,omitempty"`
	Text          string     `json:"text"`
	ToSupervisor  bool       `json:"toSupervisor"`
	ExpectsAnswer bool       `json:"expectsAnswer"`
	Status        string     `json:"status" example:"queued"`
	SendAt        time.Time  `json:"sendAt"`
	ReplyDeadline *time.Time `json:"replyDeadline,omitempty"`
	Answer        string     `json:"answer,omitempty"`
} // @name MessageResponse

// MessagesListResponse is a participant's outbox
type MessagesListResponse struct {
	Messages []MessageResponse `json:"messages"`
} // @name MessagesListResponse

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"participant not found"`
	Details string `json:"details,omitempty" example:"participant p1: not found"`
} // @name ErrorResponse

func toMessageResponse(m storage.ScheduledMessage) MessageResponse {
	resp := MessageResponse{
		ID:            m.ID,
		GroupID:       m.GroupID,
		MessageID:     m.MessageID,
		OriginRuleID:  m.OriginRuleID,
		Text:          m.Text,
		ToSupervisor:  m.ToSupervisor,
		ExpectsAnswer: m.ExpectsAnswer,
		Status:        string(m.Status),
		SendAt:        m.SendAt,
		Answer:        m.Answer,
	}
	if !m.ReplyDeadline.IsZero() {
		deadline := m.ReplyDeadline
		resp.ReplyDeadline = &deadline
	}
	return resp
}

func toWarningResponses(warnings []rules.Warning) []WarningResponse {
	out := make([]WarningResponse, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, WarningResponse{Kind: string(w.Kind), RuleID: w.RuleID, Message: w.Message})
	}
	return out
}
