package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/storage"
)

// Store implements storage.Store, storage.Admin and interventions.Repository.
type Store struct {
	db         *DB
	maxHistory int
}

var (
	_ storage.Store            = (*Store)(nil)
	_ storage.Admin            = (*Store)(nil)
	_ interventions.Repository = (*Store)(nil)
)

// NewStore creates a store keeping at most maxHistory previous values per
// variable (storage.UnlimitedHistory for all, 0 for none).
func NewStore(db *DB, maxHistory int) *Store {
	return &Store{db: db, maxHistory: maxHistory}
}

const participantColumns = `id, intervention_id, monitoring_active, finished, next_evaluation_due,
	version, active_micro_dialog, current_slide, created_at`

const scheduledColumns = `id, participant_id, group_id, message_id, origin_rule_id, text,
	to_supervisor, expects_answer, store_reply_to_variable, status, send_at, reply_deadline,
	answer, answered_at, created_at`

// ListInterventions returns all intervention settings sorted by ID.
func (s *Store) ListInterventions(ctx context.Context) ([]interventions.Settings, error) {
	rows, err := s.db.query(ctx, s.db.sql, `
		SELECT id, name, active, monitoring_active, hour_to_send_message, hours_until_unanswered
		FROM interventions
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list interventions: %w", err)
	}
	defer rows.Close()

	var out []interventions.Settings
	for rows.Next() {
		var v interventions.Settings
		if err := rows.Scan(&v.ID, &v.Name, &v.Active, &v.MonitoringActive,
			&v.HourToSendMessage, &v.HoursUntilUnanswered); err != nil {
			return nil, fmt.Errorf("failed to scan intervention: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating interventions: %w", err)
	}
	return out, nil
}

// GetIntervention returns one intervention's settings.
func (s *Store) GetIntervention(ctx context.Context, id string) (*interventions.Settings, error) {
	var v interventions.Settings
	err := s.db.queryRow(ctx, s.db.sql, `
		SELECT id, name, active, monitoring_active, hour_to_send_message, hours_until_unanswered
		FROM interventions
		WHERE id = ?`, id).Scan(&v.ID, &v.Name, &v.Active, &v.MonitoringActive,
		&v.HourToSendMessage, &v.HoursUntilUnanswered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intervention %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intervention: %w", err)
	}
	return &v, nil
}

// SaveIntervention inserts or replaces intervention settings.
func (s *Store) SaveIntervention(ctx context.Context, v interventions.Settings) error {
	_, err := s.db.exec(ctx, s.db.sql, `
		INSERT INTO interventions (id, name, active, monitoring_active, hour_to_send_message,
			hours_until_unanswered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			monitoring_active = excluded.monitoring_active,
			hour_to_send_message = excluded.hour_to_send_message,
			hours_until_unanswered = excluded.hours_until_unanswered`,
		v.ID, v.Name, v.Active, v.MonitoringActive, v.HourToSendMessage, v.HoursUntilUnanswered,
		toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save intervention: %w", err)
	}
	return nil
}

// CreateParticipant stores a new participant with version 0.
func (s *Store) CreateParticipant(ctx context.Context, p *storage.Participant) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Version = 0

	_, err := s.db.exec(ctx, s.db.sql, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.InterventionID, p.MonitoringActive, p.Finished, toMillis(p.NextEvaluationDue),
		p.Version, p.ActiveMicroDialog, p.CurrentSlide, toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert participant %s: %w", p.ID, err)
	}
	return nil
}

// CreateMessageGroup stores a message group.
func (s *Store) CreateMessageGroup(ctx context.Context, g *storage.MessageGroup) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err := s.db.exec(ctx, s.db.sql, `
		INSERT INTO message_groups (id, intervention_id, name, expects_answer, send_in_random_order)
		VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.InterventionID, g.Name, g.ExpectsAnswer, g.SendInRandomOrder)
	if err != nil {
		return fmt.Errorf("failed to insert message group %s: %w", g.ID, err)
	}
	return nil
}

// CreateMessage stores a message of an existing group.
func (s *Store) CreateMessage(ctx context.Context, m *storage.Message) error {
	if _, err := s.GetMessageGroup(ctx, m.GroupID); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.exec(ctx, s.db.sql, `
		INSERT INTO messages (id, group_id, sort_order, text, store_reply_to_variable)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.Order, m.Text, m.StoreReplyToVariable)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	return nil
}

// SetVariable writes one variable outside of an evaluation.
func (s *Store) SetVariable(ctx context.Context, participantID, name, value string, at time.Time) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getParticipant(ctx, tx, participantID); err != nil {
			return err
		}
		return s.writeVariable(ctx, tx, participantID, name, value, at)
	})
}

// RecordReply stores the answer to an outbox entry awaiting a reply.
func (s *Store) RecordReply(ctx context.Context, messageID, answer string, at time.Time) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		var expects bool
		var status string
		err := s.db.queryRow(ctx, tx, `
			SELECT expects_answer, status FROM scheduled_messages WHERE id = ?`, messageID).
			Scan(&expects, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", messageID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get message %s: %w", messageID, err)
		}
		if !expects || storage.MessageStatus(status) != storage.StatusQueued {
			return fmt.Errorf("message %s: %w", messageID, storage.ErrNotAwaitingReply)
		}

		_, err = s.db.exec(ctx, tx, `
			UPDATE scheduled_messages SET status = ?, answer = ?, answered_at = ?
			WHERE id = ? AND status = ?`,
			string(storage.StatusAnswered), answer, toMillis(at), messageID, string(storage.StatusQueued))
		if err != nil {
			return fmt.Errorf("failed to record reply to %s: %w", messageID, err)
		}
		return nil
	})
}

// VariableHistory returns the previous values of a variable, newest first.
func (s *Store) VariableHistory(ctx context.Context, participantID, name string) ([]storage.VariableValue, error) {
	rows, err := s.db.query(ctx, s.db.sql, `
		SELECT value, recorded_at FROM participant_variable_history
		WHERE participant_id = ? AND name = ?
		ORDER BY seq DESC`, participantID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list variable history: %w", err)
	}
	defer rows.Close()

	var out []storage.VariableValue
	for rows.Next() {
		var v storage.VariableValue
		var at int64
		if err := rows.Scan(&v.Value, &at); err != nil {
			return nil, fmt.Errorf("failed to scan variable history: %w", err)
		}
		v.RecordedAt = fromMillis(at)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListDueParticipants returns due participants, earliest first.
func (s *Store) ListDueParticipants(ctx context.Context, now time.Time, limit int) ([]storage.Participant, error) {
	query, args := limitClause(`
		SELECT `+participantColumns+` FROM participants
		WHERE monitoring_active = ? AND finished = ? AND next_evaluation_due <= ?
		ORDER BY next_evaluation_due, id`,
		[]any{true, false, toMillis(now)}, limit)

	rows, err := s.db.query(ctx, s.db.sql, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list due participants: %w", err)
	}
	defer rows.Close()

	var out []storage.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}
	return out, nil
}

// ListReplyEvents returns unanswered messages past their deadline followed
// by answered messages.
func (s *Store) ListReplyEvents(ctx context.Context, now time.Time, limit int) ([]storage.ReplyEvent, error) {
	query, args := limitClause(`
		SELECT `+scheduledColumns+` FROM scheduled_messages
		WHERE status = ? AND expects_answer = ? AND reply_deadline > 0 AND reply_deadline <= ?
		ORDER BY reply_deadline, seq`,
		[]any{string(storage.StatusQueued), true, toMillis(now)}, limit)
	unanswered, err := s.listScheduled(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	query, args = limitClause(`
		SELECT `+scheduledColumns+` FROM scheduled_messages
		WHERE status = ?
		ORDER BY answered_at, seq`,
		[]any{string(storage.StatusAnswered)}, limit)
	answered, err := s.listScheduled(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	events := make([]storage.ReplyEvent, 0, len(unanswered)+len(answered))
	for _, m := range unanswered {
		events = append(events, storage.ReplyEvent{Message: m})
	}
	for _, m := range answered {
		events = append(events, storage.ReplyEvent{Message: m, Answered: true})
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// GetParticipant returns a participant.
func (s *Store) GetParticipant(ctx context.Context, id string) (*storage.Participant, error) {
	return s.getParticipant(ctx, s.db.sql, id)
}

// LoadVariables returns the current variables of a participant.
func (s *Store) LoadVariables(ctx context.Context, participantID string) (map[string]string, error) {
	if _, err := s.GetParticipant(ctx, participantID); err != nil {
		return nil, err
	}
	rows, err := s.db.query(ctx, s.db.sql, `
		SELECT name, value FROM participant_variables WHERE participant_id = ?`, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// GetMessageGroup returns a message group.
func (s *Store) GetMessageGroup(ctx context.Context, id string) (*storage.MessageGroup, error) {
	var g storage.MessageGroup
	err := s.db.queryRow(ctx, s.db.sql, `
		SELECT id, intervention_id, name, expects_answer, send_in_random_order
		FROM message_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.InterventionID, &g.Name, &g.ExpectsAnswer, &g.SendInRandomOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message group %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message group: %w", err)
	}
	return &g, nil
}

// ListGroupMessages returns the messages of a group by Order.
func (s *Store) ListGroupMessages(ctx context.Context, groupID string) ([]storage.Message, error) {
	rows, err := s.db.query(ctx, s.db.sql, `
		SELECT id, group_id, sort_order, text, store_reply_to_variable
		FROM messages WHERE group_id = ?
		ORDER BY sort_order, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []storage.Message
	for rows.Next() {
		var m storage.Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Order, &m.Text, &m.StoreReplyToVariable); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessageUsage counts outbox entries per message of a group.
func (s *Store) CountMessageUsage(ctx context.Context, participantID, groupID string) (map[string]int, error) {
	rows, err := s.db.query(ctx, s.db.sql, `
		SELECT message_id, COUNT(*) FROM scheduled_messages
		WHERE participant_id = ? AND group_id = ?
		GROUP BY message_id`, participantID, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to count message usage: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan message usage: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// ListMessages returns a participant's outbox, oldest first.
func (s *Store) ListMessages(ctx context.Context, participantID string) ([]storage.ScheduledMessage, error) {
	return s.listScheduled(ctx, `
		SELECT `+scheduledColumns+` FROM scheduled_messages
		WHERE participant_id = ?
		ORDER BY seq`, participantID)
}

// Commit applies req in one transaction. The participant row is updated
// first under a version check, so concurrent commits for the same
// participant serialize and all but one fail with ErrVersionConflict.
func (s *Store) Commit(ctx context.Context, req storage.CommitRequest) (int64, error) {
	var version int64
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.getParticipant(ctx, tx, req.ParticipantID)
		if err != nil {
			return err
		}
		if p.Version != req.ExpectedVersion {
			return fmt.Errorf("participant %s at version %d, expected %d: %w",
				p.ID, p.Version, req.ExpectedVersion, storage.ErrVersionConflict)
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
		version = p.Version + 1

		res, err := s.db.exec(ctx, tx, `
			UPDATE participants SET version = ?, finished = ?, active_micro_dialog = ?,
				current_slide = ?, next_evaluation_due = ?
			WHERE id = ? AND version = ?`,
			version, p.Finished, p.ActiveMicroDialog, p.CurrentSlide, toMillis(p.NextEvaluationDue),
			p.ID, req.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update participant %s: %w", p.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("participant %s: %w", p.ID, storage.ErrVersionConflict)
		}

		for _, w := range req.Variables {
			if err := s.writeVariable(ctx, tx, p.ID, w.Name, w.Value, req.At); err != nil {
				return err
			}
		}
		if err := s.insertScheduled(ctx, tx, p.ID, req.Messages, req.At); err != nil {
			return err
		}
		for _, r := range req.ProcessedReplies {
			res, err := s.db.exec(ctx, tx, `
				UPDATE scheduled_messages SET status = ?
				WHERE id = ? AND participant_id = ? AND status = ?`,
				string(r.Status), r.MessageID, p.ID, string(r.Prior()))
			if err != nil {
				return fmt.Errorf("failed to update message %s: %w", r.MessageID, err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			} else if n == 0 {
				return s.replyConflict(ctx, tx, p.ID, r)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// replyConflict explains why a reply transition matched no row.
func (s *Store) replyConflict(ctx context.Context, tx *sql.Tx, participantID string, r storage.ProcessedReply) error {
	var status string
	err := s.db.queryRow(ctx, tx, `
		SELECT status FROM scheduled_messages WHERE id = ? AND participant_id = ?`,
		r.MessageID, participantID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", r.MessageID, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read message %s: %w", r.MessageID, err)
	}
	return fmt.Errorf("message %s is %s, expected %s: %w", r.MessageID, status, r.Prior(), storage.ErrVersionConflict)
}

func (s *Store) getParticipant(ctx context.Context, q querier, id string) (*storage.Participant, error) {
	row := s.db.queryRow(ctx, q, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, storage.ErrNotFound)
	}
	return p, err
}

// writeVariable upserts a value and moves the previous one into the
// history, trimming it to maxHistory entries.
func (s *Store) writeVariable(ctx context.Context, tx *sql.Tx, participantID, name, value string, at time.Time) error {
	var old string
	var oldAt int64
	err := s.db.queryRow(ctx, tx, `
		SELECT value, recorded_at FROM participant_variables
		WHERE participant_id = ? AND name = ?`, participantID, name).Scan(&old, &oldAt)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("failed to read variable %s: %w", name, err)
	}

	if exists && s.maxHistory != 0 {
		var seq int64
		if err := s.db.queryRow(ctx, tx, `
			SELECT COALESCE(MAX(seq), 0) FROM participant_variable_history
			WHERE participant_id = ? AND name = ?`, participantID, name).Scan(&seq); err != nil {
			return fmt.Errorf("failed to read history of %s: %w", name, err)
		}
		seq++
		if _, err := s.db.exec(ctx, tx, `
			INSERT INTO participant_variable_history (participant_id, name, seq, value, recorded_at)
			VALUES (?, ?, ?, ?, ?)`, participantID, name, seq, old, oldAt); err != nil {
			return fmt.Errorf("failed to append history of %s: %w", name, err)
		}
		if s.maxHistory > 0 {
			if _, err := s.db.exec(ctx, tx, `
				DELETE FROM participant_variable_history
				WHERE participant_id = ? AND name = ? AND seq <= ?`,
				participantID, name, seq-int64(s.maxHistory)); err != nil {
				return fmt.Errorf("failed to trim history of %s: %w", name, err)
			}
		}
	}

	if _, err := s.db.exec(ctx, tx, `
		INSERT INTO participant_variables (participant_id, name, value, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (participant_id, name) DO UPDATE SET
			value = excluded.value,
			recorded_at = excluded.recorded_at`,
		participantID, name, value, toMillis(at)); err != nil {
		return fmt.Errorf("failed to write variable %s: %w", name, err)
	}
	return nil
}

func (s *Store) insertScheduled(ctx context.Context, tx *sql.Tx, participantID string, msgs []storage.ScheduledMessage, at time.Time) error {
	if len(msgs) == 0 {
		return nil
	}
	var seq int64
	if err := s.db.queryRow(ctx, tx, `
		SELECT COALESCE(MAX(seq), 0) FROM scheduled_messages WHERE participant_id = ?`,
		participantID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read outbox position: %w", err)
	}

	for _, m := range msgs {
		seq++
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = at
		}
		_, err := s.db.exec(ctx, tx, `
			INSERT INTO scheduled_messages (seq, `+scheduledColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			seq, m.ID, participantID, m.GroupID, m.MessageID, m.OriginRuleID, m.Text,
			m.ToSupervisor, m.ExpectsAnswer, m.StoreReplyToVariable, string(m.Status),
			toMillis(m.SendAt), toMillis(m.ReplyDeadline), m.Answer, toMillis(m.AnsweredAt),
			toMillis(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to queue message: %w", err)
		}
	}
	return nil
}

func (s *Store) listScheduled(ctx context.Context, query string, args ...any) ([]storage.ScheduledMessage, error) {
	rows, err := s.db.query(ctx, s.db.sql, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled messages: %w", err)
	}
	defer rows.Close()

	var out []storage.ScheduledMessage
	for rows.Next() {
		var m storage.ScheduledMessage
		var status string
		var sendAt, deadline, answeredAt, createdAt int64
		if err := rows.Scan(&m.ID, &m.ParticipantID, &m.GroupID, &m.MessageID, &m.OriginRuleID,
			&m.Text, &m.ToSupervisor, &m.ExpectsAnswer, &m.StoreReplyToVariable, &status,
			&sendAt, &deadline, &m.Answer, &answeredAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled message: %w", err)
		}
		m.Status = storage.MessageStatus(status)
		m.SendAt = fromMillis(sendAt)
		m.ReplyDeadline = fromMillis(deadline)
		m.AnsweredAt = fromMillis(answeredAt)
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled messages: %w", err)
	}
	return out, nil
}

func scanParticipant(row scanner) (*storage.Participant, error) {
	var p storage.Participant
	var due, created int64
	if err := row.Scan(&p.ID, &p.InterventionID, &p.MonitoringActive, &p.Finished, &due,
		&p.Version, &p.ActiveMicroDialog, &p.CurrentSlide, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	p.NextEvaluationDue = fromMillis(due)
	p.CreatedAt = fromMillis(created)
	return &p, nil
}
