// Package memory is an in-memory implementation of the storage interfaces,
// used by tests and the offline simulator.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/storage"
)

type variable struct {
	value   string
	at      time.Time
	history []storage.VariableValue // newest first
}

// Store keeps all records in maps guarded by one mutex, which makes every
// Commit trivially atomic.
type Store struct {
	mu            sync.RWMutex
	maxHistory    int
	interventions map[string]interventions.Settings
	participants  map[string]*storage.Participant
	variables     map[string]map[string]*variable
	groups        map[string]*storage.MessageGroup
	messages      map[string]*storage.Message
	outbox        []*storage.ScheduledMessage

	// FailCommit, when set, is returned by Commit before anything is applied.
	FailCommit error
}

var (
	_ storage.Store            = (*Store)(nil)
	_ storage.Admin            = (*Store)(nil)
	_ interventions.Repository = (*Store)(nil)
)

// New creates an empty store keeping at most maxHistory previous values per
// variable (storage.UnlimitedHistory for all, 0 for none).
func New(maxHistory int) *Store {
	return &Store{
		maxHistory:    maxHistory,
		interventions: make(map[string]interventions.Settings),
		participants:  make(map[string]*storage.Participant),
		variables:     make(map[string]map[string]*variable),
		groups:        make(map[string]*storage.MessageGroup),
		messages:      make(map[string]*storage.Message),
	}
}

// ListInterventions returns all intervention settings sorted by ID.
func (s *Store) ListInterventions(_ context.Context) ([]interventions.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]interventions.Settings, 0, len(s.interventions))
	for _, v := range s.interventions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetIntervention returns one intervention's settings.
func (s *Store) GetIntervention(_ context.Context, id string) (*interventions.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.interventions[id]
	if !ok {
		return nil, fmt.Errorf("intervention %s: %w", id, storage.ErrNotFound)
	}
	return &v, nil
}

// SaveIntervention inserts or replaces intervention settings.
func (s *Store) SaveIntervention(_ context.Context, settings interventions.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interventions[settings.ID] = settings
	return nil
}

// CreateParticipant stores a new participant with version 0.
func (s *Store) CreateParticipant(_ context.Context, p *storage.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := s.participants[p.ID]; exists {
		return fmt.Errorf("participant %s already exists", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Version = 0
	stored := *p
	s.participants[p.ID] = &stored
	return nil
}

// CreateMessageGroup stores a message group.
func (s *Store) CreateMessageGroup(_ context.Context, g *storage.MessageGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	stored := *g
	s.groups[g.ID] = &stored
	return nil
}

// CreateMessage stores a message of an existing group.
func (s *Store) CreateMessage(_ context.Context, m *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[m.GroupID]; !ok {
		return fmt.Errorf("message group %s: %w", m.GroupID, storage.ErrNotFound)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	stored := *m
	s.messages[m.ID] = &stored
	return nil
}

// SetVariable writes one variable outside of an evaluation.
func (s *Store) SetVariable(_ context.Context, participantID, name, value string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[participantID]; !ok {
		return fmt.Errorf("participant %s: %w", participantID, storage.ErrNotFound)
	}
	s.writeVariable(participantID, name, value, at)
	return nil
}

// RecordReply stores the answer to an outbox entry awaiting a reply.
func (s *Store) RecordReply(_ context.Context, messageID, answer string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.outbox {
		if m.ID != messageID {
			continue
		}
		if !m.ExpectsAnswer || m.Status != storage.StatusQueued {
			return fmt.Errorf("message %s: %w", messageID, storage.ErrNotAwaitingReply)
		}
		m.Status = storage.StatusAnswered
		m.Answer = answer
		m.AnsweredAt = at
		return nil
	}
	return fmt.Errorf("message %s: %w", messageID, storage.ErrNotFound)
}

// VariableHistory returns the previous values of a variable, newest first.
func (s *Store) VariableHistory(_ context.Context, participantID, name string) ([]storage.VariableValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variables[participantID][name]
	if !ok {
		return nil, nil
	}
	return append([]storage.VariableValue(nil), v.history...), nil
}

// ListDueParticipants returns due participants, earliest first.
func (s *Store) ListDueParticipants(_ context.Context, now time.Time, limit int) ([]storage.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []storage.Participant
	for _, p := range s.participants {
		if p.MonitoringActive && !p.Finished && !p.NextEvaluationDue.After(now) {
			due = append(due, *p)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextEvaluationDue.Equal(due[j].NextEvaluationDue) {
			return due[i].NextEvaluationDue.Before(due[j].NextEvaluationDue)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListReplyEvents returns unanswered messages past their deadline followed
// by answered messages.
func (s *Store) ListReplyEvents(_ context.Context, now time.Time, limit int) ([]storage.ReplyEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var unanswered, answered []storage.ReplyEvent
	for _, m := range s.outbox {
		switch {
		case m.Status == storage.StatusAnswered:
			answered = append(answered, storage.ReplyEvent{Message: *m, Answered: true})
		case m.Status == storage.StatusQueued && m.ExpectsAnswer &&
			!m.ReplyDeadline.IsZero() && !m.ReplyDeadline.After(now):
			unanswered = append(unanswered, storage.ReplyEvent{Message: *m})
		}
	}
	sort.SliceStable(unanswered, func(i, j int) bool {
		return unanswered[i].Message.ReplyDeadline.Before(unanswered[j].Message.ReplyDeadline)
	})
	sort.SliceStable(answered, func(i, j int) bool {
		return answered[i].Message.AnsweredAt.Before(answered[j].Message.AnsweredAt)
	})

	events := append(unanswered, answered...)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// GetParticipant returns a copy of a participant.
func (s *Store) GetParticipant(_ context.Context, id string) (*storage.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, storage.ErrNotFound)
	}
	copied := *p
	return &copied, nil
}

// LoadVariables returns the current variables of a participant.
func (s *Store) LoadVariables(_ context.Context, participantID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.participants[participantID]; !ok {
		return nil, fmt.Errorf("participant %s: %w", participantID, storage.ErrNotFound)
	}
	out := make(map[string]string, len(s.variables[participantID]))
	for name, v := range s.variables[participantID] {
		out[name] = v.value
	}
	return out, nil
}

// GetMessageGroup returns a message group.
func (s *Store) GetMessageGroup(_ context.Context, id string) (*storage.MessageGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("message group %s: %w", id, storage.ErrNotFound)
	}
	copied := *g
	return &copied, nil
}

// ListGroupMessages returns the messages of a group by Order.
func (s *Store) ListGroupMessages(_ context.Context, groupID string) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.Message
	for _, m := range s.messages {
		if m.GroupID == groupID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountMessageUsage counts outbox entries per message of a group.
func (s *Store) CountMessageUsage(_ context.Context, participantID, groupID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, m := range s.outbox {
		if m.ParticipantID == participantID && m.GroupID == groupID {
			counts[m.MessageID]++
		}
	}
	return counts, nil
}

// ListMessages returns a participant's outbox, oldest first.
func (s *Store) ListMessages(_ context.Context, participantID string) ([]storage.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.ScheduledMessage
	for _, m := range s.outbox {
		if m.ParticipantID == participantID {
			out = append(out, *m)
		}
	}
	return out, nil
}

// Commit applies req or nothing.
func (s *Store) Commit(_ context.Context, req storage.CommitRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCommit != nil {
		return 0, s.FailCommit
	}
	p, ok := s.participants[req.ParticipantID]
	if !ok {
		return 0, fmt.Errorf("participant %s: %w", req.ParticipantID, storage.ErrNotFound)
	}
	if p.Version != req.ExpectedVersion {
		return 0, fmt.Errorf("participant %s at version %d, expected %d: %w",
			p.ID, p.Version, req.ExpectedVersion, storage.ErrVersionConflict)
	}

	byID := make(map[string]*storage.ScheduledMessage, len(s.outbox))
	for _, m := range s.outbox {
		byID[m.ID] = m
	}
	for _, r := range req.ProcessedReplies {
		m, ok := byID[r.MessageID]
		if !ok || m.ParticipantID != p.ID {
			return 0, fmt.Errorf("message %s: %w", r.MessageID, storage.ErrNotFound)
		}
		if m.Status != r.Prior() {
			return 0, fmt.Errorf("message %s is %s, expected %s: %w",
				m.ID, m.Status, r.Prior(), storage.ErrVersionConflict)
		}
	}

	for _, w := range req.Variables {
		s.writeVariable(p.ID, w.Name, w.Value, req.At)
	}
	for _, m := range req.Messages {
		stored := m
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = req.At
		}
		s.outbox = append(s.outbox, &stored)
	}
	for _, r := range req.ProcessedReplies {
		byID[r.MessageID].Status = r.Status
	}
	if req.Finish {
		p.Finished = true
	}
	if req.ActivateMicroDialog != "" {
		p.ActiveMicroDialog = req.ActivateMicroDialog
	}
	if req.JumpToSlide != "" {
		p.CurrentSlide = req.JumpToSlide
	}
	if req.NextEvaluationDue != nil {
		p.NextEvaluationDue = *req.NextEvaluationDue
	}
	p.Version++
	return p.Version, nil
}

// writeVariable sets a value and moves the previous one into the history.
// Callers hold mu.
func (s *Store) writeVariable(participantID, name, value string, at time.Time) {
	vars, ok := s.variables[participantID]
	if !ok {
		vars = make(map[string]*variable)
		s.variables[participantID] = vars
	}
	v, ok := vars[name]
	if !ok {
		vars[name] = &variable{value: value, at: at}
		return
	}
	if s.maxHistory != 0 {
		v.history = append([]storage.VariableValue{{Value: v.value, RecordedAt: v.at}}, v.history...)
		v.history = storage.TrimHistory(v.history, s.maxHistory)
	}
	v.value = value
	v.at = at
}
