// Package storage defines the participant, message and outbox records the
// scheduling worker reads and commits, and the interfaces of their stores.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a participant, group or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a participant changed since it was read.
	ErrVersionConflict = errors.New("participant was modified concurrently")
	// ErrNotAwaitingReply is returned when a reply arrives for a message that
	// does not expect one or was already handled.
	ErrNotAwaitingReply = errors.New("message is not awaiting a reply")
)

// Participant is one person taking part in an intervention.
type Participant struct {
	ID                string
	InterventionID    string
	MonitoringActive  bool
	Finished          bool
	NextEvaluationDue time.Time
	// Version increases with every commit.
	Version           int64
	ActiveMicroDialog string
	CurrentSlide      string
	CreatedAt         time.Time
}

// MessageGroup is a pool of alternative monitoring messages.
type MessageGroup struct {
	ID                string
	InterventionID    string
	Name              string
	ExpectsAnswer     bool
	SendInRandomOrder bool
}

// Message is one text of a message group. Its text may contain placeholders.
type Message struct {
	ID                   string
	GroupID              string
	Order                int
	Text                 string
	StoreReplyToVariable string
}

// MessageStatus tracks an outbox entry through the reply cycle.
type MessageStatus string

const (
	StatusQueued              MessageStatus = "queued"
	StatusAnswered            MessageStatus = "answered"
	StatusAnsweredProcessed   MessageStatus = "answered_processed"
	StatusUnansweredProcessed MessageStatus = "unanswered_processed"
)

// ScheduledMessage is an outbox entry handed to the external dispatcher.
type ScheduledMessage struct {
	ID                   string
	ParticipantID        string
	GroupID              string
	MessageID            string
	OriginRuleID         string
	Text                 string
	ToSupervisor         bool
	ExpectsAnswer        bool
	StoreReplyToVariable string
	Status               MessageStatus
	SendAt               time.Time
	// ReplyDeadline is zero for messages that do not expect an answer.
	ReplyDeadline time.Time
	Answer        string
	AnsweredAt    time.Time
	CreatedAt     time.Time
}

// ReplyEvent is an outbox entry whose reply rules are ready to run: either
// a reply was recorded, or the deadline passed without one.
type ReplyEvent struct {
	Message  ScheduledMessage
	Answered bool
}

// VariableWrite sets one participant variable.
type VariableWrite struct {
	Name  string
	Value string
}

// VariableValue is a current or historical variable value.
type VariableValue struct {
	Value      string
	RecordedAt time.Time
}

// ProcessedReply marks an outbox entry as handled by the reply rules.
type ProcessedReply struct {
	MessageID string
	Status    MessageStatus
}

// Prior is the status the entry must still have for the transition to
// apply. An entry answered after it was listed as unanswered no longer
// qualifies, and the commit fails with ErrVersionConflict.
func (r ProcessedReply) Prior() MessageStatus {
	if r.Status == StatusAnsweredProcessed {
		return StatusAnswered
	}
	return StatusQueued
}

// CommitRequest is the complete outcome of one evaluation of a participant.
// A store applies all of it in one transaction or none of it.
type CommitRequest struct {
	ParticipantID   string
	ExpectedVersion int64
	Variables       []VariableWrite
	Messages        []ScheduledMessage
	// Finish ends the participant's monitoring.
	Finish              bool
	ActivateMicroDialog string
	JumpToSlide         string
	ProcessedReplies    []ProcessedReply
	// NextEvaluationDue is left unchanged when nil.
	NextEvaluationDue *time.Time
	At                time.Time
}

// Store is what the scheduling worker needs from persistence.
type Store interface {
	// ListDueParticipants returns unfinished participants with active
	// monitoring whose next evaluation is due at now, earliest first.
	ListDueParticipants(ctx context.Context, now time.Time, limit int) ([]Participant, error)
	// ListReplyEvents returns answered messages and unanswered messages whose
	// deadline passed at now.
	ListReplyEvents(ctx context.Context, now time.Time, limit int) ([]ReplyEvent, error)
	GetParticipant(ctx context.Context, id string) (*Participant, error)
	LoadVariables(ctx context.Context, participantID string) (map[string]string, error)
	GetMessageGroup(ctx context.Context, id string) (*MessageGroup, error)
	// ListGroupMessages returns the messages of a group by Order.
	ListGroupMessages(ctx context.Context, groupID string) ([]Message, error)
	// CountMessageUsage returns how often each message of the group was
	// scheduled for the participant.
	CountMessageUsage(ctx context.Context, participantID, groupID string) (map[string]int, error)
	// ListMessages returns the participant's outbox, oldest first.
	ListMessages(ctx context.Context, participantID string) ([]ScheduledMessage, error)
	// Commit applies req atomically and returns the new participant version.
	Commit(ctx context.Context, req CommitRequest) (int64, error)
}

// Admin covers the writes of the administration surface and of fixtures.
type Admin interface {
	CreateParticipant(ctx context.Context, p *Participant) error
	CreateMessageGroup(ctx context.Context, g *MessageGroup) error
	CreateMessage(ctx context.Context, m *Message) error
	SetVariable(ctx context.Context, participantID, name, value string, at time.Time) error
	// RecordReply stores a participant's answer to an outbox entry.
	RecordReply(ctx context.Context, messageID, answer string, at time.Time) error
	// VariableHistory returns the previous values of a variable, newest first.
	VariableHistory(ctx context.Context, participantID, name string) ([]VariableValue, error)
}

// UnlimitedHistory keeps every previous variable value.
const UnlimitedHistory = -1

// TrimHistory returns at most max entries of history (newest first);
// UnlimitedHistory keeps all and 0 keeps none.
func TrimHistory(history []VariableValue, max int) []VariableValue {
	if max < 0 || len(history) <= max {
		return history
	}
	return history[:max]
}
