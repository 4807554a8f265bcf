// Package storagetest holds the behaviour every storage backend must share.
// Backends call Run from their own tests with a constructor for an empty
// store.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/storage"
)

// Backend is a complete storage implementation.
type Backend interface {
	storage.Store
	storage.Admin
	interventions.Repository
}

// Opener returns an empty backend keeping maxHistory previous values per
// variable.
type Opener func(t *testing.T, maxHistory int) Backend

// T0 is the reference time of every case.
var T0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// Run executes the shared cases against backends created by open.
func Run(t *testing.T, open Opener) {
	cases := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"CommitAppliesEverything", testCommitAppliesEverything},
		{"CommitVersionConflict", testCommitVersionConflict},
		{"CommitUnknownParticipant", testCommitUnknownParticipant},
		{"CommitIsAllOrNothing", testCommitIsAllOrNothing},
		{"OutboxOrder", testOutboxOrder},
		{"ListDueParticipants", testListDueParticipants},
		{"ReplyLifecycle", testReplyLifecycle},
		{"CommitRejectsStaleReply", testCommitRejectsStaleReply},
		{"VariableHistoryRetention", testVariableHistoryRetention},
		{"ListGroupMessagesOrdered", testListGroupMessagesOrdered},
		{"Interventions", testInterventions},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, open)
		})
	}
}

// Seed returns a backend with participant p1 of intervention i1 and group g1
// holding messages m1 and m2.
func Seed(t *testing.T, open Opener, maxHistory int) Backend {
	t.Helper()
	ctx := context.Background()
	s := open(t, maxHistory)
	require.NoError(t, s.CreateParticipant(ctx, &storage.Participant{
		ID: "p1", InterventionID: "i1", MonitoringActive: true, NextEvaluationDue: T0, CreatedAt: T0,
	}))
	require.NoError(t, s.CreateMessageGroup(ctx, &storage.MessageGroup{ID: "g1", InterventionID: "i1", ExpectsAnswer: true}))
	require.NoError(t, s.CreateMessage(ctx, &storage.Message{ID: "m2", GroupID: "g1", Order: 1, Text: "second"}))
	require.NoError(t, s.CreateMessage(ctx, &storage.Message{ID: "m1", GroupID: "g1", Order: 0, Text: "first"}))
	return s
}

func testCommitAppliesEverything(t *testing.T, open Opener) {
	ctx := context.Background()
	s := Seed(t, open, storage.UnlimitedHistory)
	due := T0.Add(24 * time.Hour)

	version, err := s.Commit(ctx, storage.CommitRequest{
		ParticipantID:   "p1",
		ExpectedVersion: 0,
		Variables:       []storage.VariableWrite{{Name: "$status", Value: "done"}},
		Messages: []storage.ScheduledMessage{{
			ParticipantID: "p1", GroupID: "g1", MessageID: "m1", OriginRuleID: "r1", Text: "first",
			ExpectsAnswer: true, Status: storage.StatusQueued, SendAt: T0, ReplyDeadline: T0.Add(4 * time.Hour),
		}},
		Finish:              true,
		ActivateMicroDialog: "md1",
		JumpToSlide:         "s2",
		NextEvaluationDue:   &due,
		At:                  T0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	p, err := s.GetParticipant(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Finished)
	assert.Equal(t, "md1", p.ActiveMicroDialog)
	assert.Equal(t, "s2", p.CurrentSlide)
	assert.True(t, due.Equal(p.NextEvaluationDue), "next evaluation %v", p.NextEvaluationDue)
	assert.Equal(t, int64(1), p.Version)

	vars, err := s.LoadVariables(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"$status": "done"}, vars)

	outbox, err := s.ListMessages(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	assert.NotEmpty(t, outbox[0].ID)
	assert.Equal(t, "r1", outbox[0].OriginRuleID)
	assert.True(t, outbox[0].ExpectsAnswer)
	assert.True(t, T0.Add(4*time.Hour).Equal(outbox[0].ReplyDeadline))

	usage, err := s.CountMessageUsage(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"m1": 1}, usage)
}

func testCommitVersionConflict(t *testing.T, open Opener) {
	ctx := context.Background()
	s := Seed(t, open, 0)

	_, err := s.Commit(ctx, storage.CommitRequest{ParticipantID: "p1", ExpectedVersion: 0, At: T0})
	require.NoError(t, err)

	_, err = s.Commit(ctx, storage.CommitRequest{
		ParticipantID:   "p1",
		ExpectedVersion: 0,
		Variables:       []storage.VariableWrite{{Name: "$x", Value: "1"}},
		At:              T0,
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	vars, err := s.LoadVariables(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, vars, "a rejected commit must not write variables")
}

func testCommitUnknownParticipant(t *testing.T, open Opener) {
	s := Seed(t, open, 0)

	_, err := s.Commit(context.Background(), storage.CommitRequest{ParticipantID: "ghost", At: T0})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetParticipant(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCommitIsAllOrNothing(t *testing.T, open Opener) {
	ctx := context.Background()
	s := Seed(t, open, 0)

	_, err := s.Commit(ctx, storage.CommitRequest{
		ParticipantID:    "p1",
		Variables:        []storage.VariableWrite{{Name: "$x", Value: "1"}},
		Messages:         []storage.ScheduledMessage{{ParticipantID: "p1", GroupID: "g1", MessageID: "m1", Status: storage.StatusQueued}},
		ProcessedReplies: []storage.ProcessedReply{{MessageID: "ghost", Status: storage.StatusAnsweredProcessed}},
		At:               T0,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	vars, err := s.LoadVariables(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, vars)
	outbox, err := s.ListMessages(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, outbox)
	p, err := s.GetParticipant(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Version)
}

func testOutboxOrder(t *testing.T, open Opener) {
	ctx := context.Background()
	s := Seed(t, open, 0)

	var version int64
	for i, text := range []string{"one", "two", "three"} {
		msgs := []storage.ScheduledMessage{{ParticipantID: "p1", GroupID: "g1", MessageID: "m1", Text: text, Status: storage.StatusQueued, SendAt: T0}}
		if i == 1 {
			msgs = append(msgs, storage.ScheduledMessage{ParticipantID: "p1", GroupID: "g1", MessageID: "m2", Text: "two-b", Status: storage.StatusQueued, SendAt: T0})
		}
		v, err := s.Commit(ctx, storage.CommitRequest{ParticipantID: "p1", ExpectedVersion: version, Messages: msgs, At: T0})
		require.NoError(t, err)
		version = v
	}

	outbox, err := s.ListMessages(ctx, "p1")
	require.NoError(t, err)
	var texts []string
	for _, m := range outbox {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"one", "two", "two-b", "three"}, texts)

	usage, err := s.CountMessageUsage(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"m1": 3, "m2": 1}, usage)
}

func testListDueParticipants(t *testing.T, open Opener) {
	ctx := context.Background()
	s := Seed(t, open, 0)
	require.NoError(t, s.CreateParticipant(ctx, &storage.Participant{ID: "later", MonitoringActive: true, NextEvaluationDue: T0.Add(time.Hour)}))
	require.NoError(t, s.CreateParticipant(ctx, &storage.Participant{ID: "earlier", MonitoringActive: true, NextEvaluationDue: T0.Add(-time.Hour)}))
	require.NoError(t, s.CreateParticipant(ctx, &storage.Participant{ID: "finished", MonitoringActive: true, Finished: true}))
	require.NoError(t, s.CreateParticipant(ctx, &storage.Participant{ID: "inactive"}))

	due, err := s.ListDueParticipants(ctx, T0, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "earlier", due[0].ID)
	assert.Equal(t, "p1", due[1].ID)

	due, err = s.ListDueParticipants(ctx, T0, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func testReplyLifecycle(t *testing.T, open Opener) {
	ctx := context.Background()
	s := Seed(t, open, 0)
	_, err := s.Commit(ctx, storage.CommitRequest{
		ParticipantID: "p1",
		Messages: []storage.ScheduledMessage{
			{ID: "a", ParticipantID: "p1", GroupID: "g1", ExpectsAnswer: true, Status: storage.StatusQueued, ReplyDeadline: T0.Add(4 * time.Hour)},
			{ID: "b", ParticipantID: "p1", GroupID: "g1", ExpectsAnswer: true, Status: storage.StatusQueued, ReplyDeadline: T0.Add(4 * time.Hour)},
			{ID: "c", ParticipantID: "p1", GroupID: "g1", Status: storage.StatusQueued},
		},
		At: T0,
	})
	require.NoError(t, err)

	events, err := s.ListReplyEvents(ctx, T0.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, s.RecordReply(ctx, "a", "yes", T0.Add(time.Hour)))
	assert.ErrorIs(t, s.RecordReply(ctx, "a", "again", T0.Add(time.Hour)), storage.ErrNotAwaitingReply)
	assert.ErrorIs(t, s.RecordReply(ctx, "c", "hi", T0), storage.ErrNotAwaitingReply)
	assert.ErrorIs(t, s.RecordReply(ctx, "ghost", "hi", T0), storage.ErrNotFound)

	events, err = s.ListReplyEvents(ctx, T0.Add(5*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Message.ID)
	assert.False(t, events[0].Answered)
	assert.Equal(t, "a", events[1].Message.ID)
	assert.True(t, events[1].Answered)
	assert.Equal(t, "yes", events[1].Message.Answer)

	_, err = s.Commit(ctx, storage.CommitRequest{
		ParticipantID:   "p1",
		ExpectedVersion: 1,
		ProcessedReplies: []storage.ProcessedReply{
			{MessageID: "a", Status: storage.StatusAnsweredProcessed},
			{MessageID: "b", Status: storage.StatusUnansweredProcessed},
		},
		At: T0.Add(5 * time.Hour),
	})
	require.NoError(t, err)

	events, err = s.ListReplyEvents(ctx, T0.Add(5*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testCommitRejectsStaleReply(t *testing.T, open Opener) {
	ctx := context.Background()
	s := Seed(t, open, 0)
	_, err := s.Commit(ctx, storage.CommitRequest{
		ParticipantID: "p1",
		Messages: []storage.ScheduledMessage{
			{ID: "a", ParticipantID: "p1", GroupID: "g1", ExpectsAnswer: true, Status: storage.StatusQueued, ReplyDeadline: T0.Add(4 * time.Hour)},
		},
		At: T0,
	})
	require.NoError(t, err)

	events, err := s.ListReplyEvents(ctx, T0.Add(5*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.False(t, events[0].Answered)

	// The answer arrives after the entry was listed as unanswered.
	require.NoError(t, s.RecordReply(ctx, "a", "fine", T0.Add(5*time.Hour)))

	_, err = s.Commit(ctx, storage.CommitRequest{
		ParticipantID:    "p1",
		ExpectedVersion:  1,
		Variables:        []storage.VariableWrite{{Name: "$missed", Value: "yes"}},
		ProcessedReplies: []storage.ProcessedReply{{MessageID: "a", Status: storage.StatusUnansweredProcessed}},
		At:               T0.Add(5 * time.Hour),
	})
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	vars, err := s.LoadVariables(ctx, "p1")
	require.NoError(t, err)
	assert.NotContains(t, vars, "$missed")

	events, err = s.ListReplyEvents(ctx, T0.Add(5*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Answered)
	assert.Equal(t, "fine", events[0].Message.Answer)

	p, err := s.GetParticipant(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Version)
}

func testVariableHistoryRetention(t *testing.T, open Opener) {
	ctx := context.Background()

	tests := []struct {
		name       string
		maxHistory int
		want       []string
	}{
		{"disabled", 0, nil},
		{"bounded", 2, []string{"3", "2"}},
		{"unlimited", storage.UnlimitedHistory, []string{"3", "2", "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Seed(t, open, tt.maxHistory)
			for i, v := range []string{"1", "2", "3", "4"} {
				require.NoError(t, s.SetVariable(ctx, "p1", "$x", v, T0.Add(time.Duration(i)*time.Minute)))
			}

			vars, err := s.LoadVariables(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "4", vars["$x"])

			history, err := s.VariableHistory(ctx, "p1", "$x")
			require.NoError(t, err)
			var got []string
			for _, h := range history {
				got = append(got, h.Value)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func testListGroupMessagesOrdered(t *testing.T, open Opener) {
	ctx := context.Background()
	s := Seed(t, open, 0)

	msgs, err := s.ListGroupMessages(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)

	g, err := s.GetMessageGroup(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, g.ExpectsAnswer)

	_, err = s.GetMessageGroup(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testInterventions(t *testing.T, open Opener) {
	ctx := context.Background()
	s := open(t, 0)

	require.NoError(t, s.SaveIntervention(ctx, interventions.Settings{ID: "b", Name: "Sleep", Active: true}))
	require.NoError(t, s.SaveIntervention(ctx, interventions.Settings{ID: "a", Name: "Stress"}))
	require.NoError(t, s.SaveIntervention(ctx, interventions.Settings{ID: "a", Name: "Stress", HourToSendMessage: 9, HoursUntilUnanswered: 2}))

	all, err := s.ListInterventions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, 9, all[0].HourToSendMessage)
	assert.Equal(t, 2, all[0].HoursUntilUnanswered)
	assert.True(t, all[1].Active)

	_, err = s.GetIntervention(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
