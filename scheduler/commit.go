package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/storage"
)

// errNoEligibleMessage is reported when every message of a group was
// filtered out by its message rules.
var errNoEligibleMessage = errors.New("no eligible message in group")

// plan turns the directives of one walk into a commit request. Problems with
// single directives become warnings and the directive is dropped; only store
// failures abort the plan.
type plan struct {
	req      storage.CommitRequest
	warnings []rules.Warning
	// picked counts messages chosen earlier in the same plan.
	picked map[string]int
}

func newPlan(p *storage.Participant, now time.Time) *plan {
	return &plan{
		req: storage.CommitRequest{
			ParticipantID:   p.ID,
			ExpectedVersion: p.Version,
			At:              now,
		},
		picked: make(map[string]int),
	}
}

func (pl *plan) warn(kind rules.WarningKind, ruleID, msg string) {
	pl.warnings = append(pl.warnings, rules.Warning{Kind: kind, RuleID: ruleID, Message: msg})
}

// apply adds directives to the plan. Reply-rule messages are sent
// immediately; monitoring messages wait for the send hour.
func (w *Worker) apply(ctx context.Context, pl *plan, ie *interventions.InterventionEngine, snap rules.Snapshot, directives []rules.Directive, immediate bool) error {
	for _, d := range directives {
		switch d := d.(type) {
		case rules.StoreVariable:
			if rules.IsReadOnlyVariable(d.Name) {
				pl.warn(rules.WarnWriteProtected, d.RuleID, "variable "+d.Name+" is read-only")
				continue
			}
			pl.req.Variables = append(pl.req.Variables, storage.VariableWrite{Name: d.Name, Value: d.Value})
		case rules.SendMessage:
			msg, err := w.selectMessage(ctx, pl, ie, snap, d, immediate)
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, errNoEligibleMessage) {
				pl.warn(rules.WarnMissingReference, d.RuleID, err.Error())
				continue
			}
			if err != nil {
				return err
			}
			pl.req.Messages = append(pl.req.Messages, *msg)
		case rules.StopIntervention:
			pl.req.Finish = true
		case rules.ActivateMicroDialog:
			pl.req.ActivateMicroDialog = d.MicroDialogID
		case rules.JumpToSlide:
			if !d.SameSlide {
				pl.req.JumpToSlide = d.SlideID
			}
		}
	}
	return nil
}

// selectMessage picks one message of the directive's group. Messages whose
// message rules are all true are eligible; among them the least sent ones
// win, in group order or at random when the group asks for it.
func (w *Worker) selectMessage(ctx context.Context, pl *plan, ie *interventions.InterventionEngine, snap rules.Snapshot, d rules.SendMessage, immediate bool) (*storage.ScheduledMessage, error) {
	group, err := w.store.GetMessageGroup(ctx, d.GroupID)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", d.RuleID, err)
	}
	msgs, err := w.store.ListGroupMessages(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of group %s: %w", group.ID, err)
	}
	usage, err := w.store.CountMessageUsage(ctx, pl.req.ParticipantID, group.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count message usage: %w", err)
	}

	var candidates []storage.Message
	least := -1
	for _, m := range msgs {
		ok, err := w.eligible(ctx, ie, m.ID, snap)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		used := usage[m.ID] + pl.picked[m.ID]
		switch {
		case least < 0 || used < least:
			least = used
			candidates = []storage.Message{m}
		case used == least:
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("group %s of rule %s: %w", group.ID, d.RuleID, errNoEligibleMessage)
	}

	chosen := candidates[0]
	if group.SendInRandomOrder && len(candidates) > 1 {
		chosen = candidates[rand.IntN(len(candidates))]
	}
	pl.picked[chosen.ID]++

	now := pl.req.At
	sendAt := now
	if !immediate {
		sendAt = w.sendTime(now, firstPositive(d.HourToSend, ie.Settings.HourToSendMessage, w.cfg.HourToSendMessage))
	}
	expects := group.ExpectsAnswer && !d.ToSupervisor
	var deadline time.Time
	if expects {
		hours := firstPositive(d.HoursUntilUnanswered, ie.Settings.HoursUntilUnanswered, w.cfg.HoursUntilUnanswered)
		deadline = sendAt.Add(time.Duration(hours) * time.Hour)
	}

	resolved := rules.Resolve(chosen.Text, snap)
	for _, name := range resolved.Unknown {
		pl.warn(rules.WarnUnknownVariable, d.RuleID, "unknown variable "+name)
	}

	return &storage.ScheduledMessage{
		ParticipantID:        pl.req.ParticipantID,
		GroupID:              group.ID,
		MessageID:            chosen.ID,
		OriginRuleID:         d.RuleID,
		Text:                 resolved.Text,
		ToSupervisor:         d.ToSupervisor,
		ExpectsAnswer:        expects,
		StoreReplyToVariable: chosen.StoreReplyToVariable,
		Status:               storage.StatusQueued,
		SendAt:               sendAt,
		ReplyDeadline:        deadline,
		CreatedAt:            now,
	}, nil
}

// eligible reports whether every message rule of messageID is true. A
// message without rules is always eligible.
func (w *Worker) eligible(ctx context.Context, ie *interventions.InterventionEngine, messageID string, snap rules.Snapshot) (bool, error) {
	results, err := ie.Engine.EvaluateAll(ctx, rules.MessageFilterOwner(messageID), snap)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rules of message %s: %w", messageID, err)
	}
	for _, r := range results {
		if !r.Outcome {
			return false, nil
		}
	}
	return true, nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
