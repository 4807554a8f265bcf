package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/storage"
	"github.com/liamcoop/coachrules/storage/memory"
)

// Fixture describes a complete offline setup: interventions with their rule
// trees and message groups, participants and scripted replies.
type Fixture struct {
	Start              time.Time          `yaml:"start"`
	Timezone           string             `yaml:"timezone,omitempty"`
	MaxVariableHistory *int               `yaml:"maxVariableHistory,omitempty"`
	Interventions      []InterventionSpec `yaml:"interventions"`
	Participants       []ParticipantSpec  `yaml:"participants"`
	Replies            []ReplySpec        `yaml:"replies,omitempty"`
}

type InterventionSpec struct {
	ID                   string      `yaml:"id"`
	Name                 string      `yaml:"name"`
	MonitoringActive     *bool       `yaml:"monitoringActive,omitempty"`
	HourToSendMessage    int         `yaml:"hourToSendMessage,omitempty"`
	HoursUntilUnanswered int         `yaml:"hoursUntilUnanswered,omitempty"`
	Rules                []RuleSpec  `yaml:"rules"`
	Groups               []GroupSpec `yaml:"groups"`
}

// RuleSpec is one rule with its subtree. Replies hold the reply rules of a
// monitoring rule.
type RuleSpec struct {
	ID         string      `yaml:"id,omitempty"`
	Expression string      `yaml:"expression,omitempty"`
	Comparison string      `yaml:"comparison,omitempty"`
	Operator   string      `yaml:"operator"`
	Comment    string      `yaml:"comment,omitempty"`
	Store      *StoreSpec  `yaml:"store,omitempty"`
	Action     *ActionSpec `yaml:"action,omitempty"`
	Children   []RuleSpec  `yaml:"children,omitempty"`
	Replies    *ReplyRules `yaml:"replies,omitempty"`
}

type StoreSpec struct {
	Variable string `yaml:"variable"`
	Mode     string `yaml:"mode,omitempty"`
	Value    string `yaml:"value,omitempty"`
}

// ActionSpec sets at most one action.
type ActionSpec struct {
	SendMessage         *SendMessageSpec `yaml:"sendMessage,omitempty"`
	StopIntervention    bool             `yaml:"stopIntervention,omitempty"`
	ActivateMicroDialog string           `yaml:"activateMicroDialog,omitempty"`
}

type SendMessageSpec struct {
	Group                string `yaml:"group"`
	ToSupervisor         bool   `yaml:"toSupervisor,omitempty"`
	HourToSend           int    `yaml:"hourToSend,omitempty"`
	HoursUntilUnanswered int    `yaml:"hoursUntilUnanswered,omitempty"`
}

type ReplyRules struct {
	Answered    []RuleSpec `yaml:"answered,omitempty"`
	NotAnswered []RuleSpec `yaml:"notAnswered,omitempty"`
}

type GroupSpec struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name,omitempty"`
	ExpectsAnswer bool          `yaml:"expectsAnswer,omitempty"`
	RandomOrder   bool          `yaml:"randomOrder,omitempty"`
	Messages      []MessageSpec `yaml:"messages"`
}

type MessageSpec struct {
	ID           string     `yaml:"id"`
	Text         string     `yaml:"text"`
	StoreReplyTo string     `yaml:"storeReplyTo,omitempty"`
	Rules        []RuleSpec `yaml:"rules,omitempty"`
}

type ParticipantSpec struct {
	ID           string            `yaml:"id"`
	Intervention string            `yaml:"intervention"`
	Variables    map[string]string `yaml:"variables,omitempty"`
	// Due defaults to the start of the simulation.
	Due *time.Time `yaml:"due,omitempty"`
}

// ReplySpec answers the participant's latest message awaiting a reply once
// virtual time reaches At.
type ReplySpec struct {
	Participant string    `yaml:"participant"`
	At          time.Time `yaml:"at"`
	Answer      string    `yaml:"answer"`
}

// LoadFixture reads a fixture file. Unknown fields are rejected to catch typos.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes a fixture document.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if f.Start.IsZero() {
		return nil, errors.New("fixture needs a start time")
	}
	if len(f.Interventions) == 0 {
		return nil, errors.New("fixture has no interventions")
	}
	return &f, nil
}

func (f *Fixture) maxHistory() int {
	if f.MaxVariableHistory == nil {
		return storage.UnlimitedHistory
	}
	return *f.MaxVariableHistory
}

func (f *Fixture) location() (*time.Location, error) {
	if f.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(f.Timezone)
}

// install writes the fixture into store and registers its interventions with
// manager. Rules go through the engines so they are validated like edits.
func (f *Fixture) install(ctx context.Context, store *memory.Store, manager *interventions.Manager) error {
	for _, is := range f.Interventions {
		monitoring := is.MonitoringActive == nil || *is.MonitoringActive
		err := manager.Create(ctx, interventions.Settings{
			ID:                   is.ID,
			Name:                 is.Name,
			Active:               true,
			MonitoringActive:     monitoring,
			HourToSendMessage:    is.HourToSendMessage,
			HoursUntilUnanswered: is.HoursUntilUnanswered,
		})
		if err != nil {
			return fmt.Errorf("intervention %s: %w", is.ID, err)
		}
		ie, err := manager.GetEngine(is.ID)
		if err != nil {
			return err
		}

		for _, gs := range is.Groups {
			g := &storage.MessageGroup{
				ID:                gs.ID,
				InterventionID:    is.ID,
				Name:              gs.Name,
				ExpectsAnswer:     gs.ExpectsAnswer,
				SendInRandomOrder: gs.RandomOrder,
			}
			if err := store.CreateMessageGroup(ctx, g); err != nil {
				return fmt.Errorf("group %s: %w", gs.ID, err)
			}
			for i, ms := range gs.Messages {
				m := &storage.Message{
					ID:                   ms.ID,
					GroupID:              g.ID,
					Order:                i,
					Text:                 ms.Text,
					StoreReplyToVariable: ms.StoreReplyTo,
				}
				if err := store.CreateMessage(ctx, m); err != nil {
					return fmt.Errorf("message %s: %w", ms.ID, err)
				}
				if err := addRules(ctx, ie.Engine, rules.MessageFilterOwner(m.ID), "", ms.Rules); err != nil {
					return err
				}
			}
		}

		if err := addRules(ctx, ie.Engine, rules.MonitoringOwner(is.ID), "", is.Rules); err != nil {
			return err
		}
	}

	for _, ps := range f.Participants {
		due := f.Start
		if ps.Due != nil {
			due = *ps.Due
		}
		p := &storage.Participant{
			ID:                ps.ID,
			InterventionID:    ps.Intervention,
			MonitoringActive:  true,
			NextEvaluationDue: due,
			CreatedAt:         f.Start,
		}
		if err := store.CreateParticipant(ctx, p); err != nil {
			return err
		}
		for name, value := range ps.Variables {
			if err := interventions.ValidateVariableName(name); err != nil {
				return fmt.Errorf("participant %s: %w", ps.ID, err)
			}
			if err := store.SetVariable(ctx, p.ID, name, value, f.Start); err != nil {
				return err
			}
		}
	}
	return nil
}

// addRules adds specs below parentID, then their children and reply rules.
func addRules(ctx context.Context, en *rules.Engine, owner rules.Owner, parentID string, specs []RuleSpec) error {
	for i, rs := range specs {
		node, err := rs.node(owner, parentID, i)
		if err != nil {
			return err
		}
		if err := en.AddRule(ctx, node); err != nil {
			return fmt.Errorf("rule %s: %w", node.ID, err)
		}
		if err := addRules(ctx, en, owner, node.ID, rs.Children); err != nil {
			return err
		}
		if rs.Replies != nil {
			if err := addRules(ctx, en, rules.ReplyOwner(node.ID, true), "", rs.Replies.Answered); err != nil {
				return err
			}
			if err := addRules(ctx, en, rules.ReplyOwner(node.ID, false), "", rs.Replies.NotAnswered); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rs RuleSpec) node(owner rules.Owner, parentID string, order int) (*rules.RuleNode, error) {
	id := rs.ID
	if id == "" {
		id = uuid.NewString()
	}
	node := &rules.RuleNode{
		ID:       id,
		ParentID: parentID,
		Order:    order,
		Owner:    owner,
		Core: rules.Core{
			Expression:           rs.Expression,
			ComparisonExpression: rs.Comparison,
			Operator:             rules.Operator(rs.Operator),
			Comment:              rs.Comment,
		},
	}
	if rs.Store != nil {
		node.Store = &rules.StoreResult{
			Variable: rs.Store.Variable,
			Mode:     rules.StoreMode(rs.Store.Mode),
			Value:    rs.Store.Value,
		}
	}
	if a := rs.Action; a != nil {
		switch {
		case a.SendMessage != nil:
			node.Action = rules.SendMessageAction{
				GroupID:              a.SendMessage.Group,
				ToSupervisor:         a.SendMessage.ToSupervisor,
				HourToSend:           a.SendMessage.HourToSend,
				HoursUntilUnanswered: a.SendMessage.HoursUntilUnanswered,
			}
		case a.StopIntervention:
			node.Action = rules.StopInterventionAction{}
		case a.ActivateMicroDialog != "":
			node.Action = rules.ActivateMicroDialogAction{MicroDialogID: a.ActivateMicroDialog}
		default:
			return nil, fmt.Errorf("rule %s: empty action", id)
		}
	}
	return node, nil
}
