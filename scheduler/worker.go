// Package scheduler runs the monitoring rules of every participant on a
// wake interval and commits their outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/coachrules/clock"
	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/storage"
)

// Engines resolves the rule engine and settings of an intervention.
type Engines interface {
	GetEngine(interventionID string) (*interventions.InterventionEngine, error)
}

// Worker evaluates due participants and reply events. One cycle runs at a
// time; within a cycle participants are processed concurrently, but never
// two at once for the same participant.
type Worker struct {
	cfg     Config
	store   storage.Store
	engines Engines
	clock   clock.Clock
	locks   *keyedMutex
	trigger chan struct{}

	cycleMu sync.Mutex
	cycle   atomic.Int64
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Cycle            int64     `json:"cycle"`
	Now              time.Time `json:"now"`
	Due              int       `json:"due"`
	Evaluated        int       `json:"evaluated"`
	RepliesProcessed int       `json:"repliesProcessed"`
	MessagesQueued   int       `json:"messagesQueued"`
	Failed           int       `json:"failed"`
}

// Preview is the outcome of a walk that was not committed.
type Preview struct {
	Participant storage.Participant   `json:"participant"`
	Walk        *rules.WalkResult     `json:"walk,omitempty"`
	Commit      storage.CommitRequest `json:"commit"`
	Warnings    []rules.Warning       `json:"warnings"`
}

// New creates a worker. Zero fields of cfg get their defaults.
func New(cfg Config, store storage.Store, engines Engines, clk clock.Clock) *Worker {
	return &Worker{
		cfg:     cfg.normalized(),
		store:   store,
		engines: engines,
		clock:   clk,
		locks:   newKeyedMutex(),
		trigger: make(chan struct{}, 1),
	}
}

// Interval is the current wake interval. It is shorter while the clock
// runs in simulated mode.
func (w *Worker) Interval() time.Duration {
	if m, ok := w.clock.(interface{ Mode() clock.Mode }); ok && m.Mode() == clock.ModeSimulated {
		return w.cfg.SimulatedWakeInterval
	}
	return w.cfg.WakeInterval
}

// Run runs a cycle immediately and then on every wake until ctx is done.
// Errors of single cycles are logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("scheduler started", "interval", w.Interval().String(), "concurrency", w.cfg.Concurrency)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		case <-w.trigger:
		}

		if _, err := w.RunCycle(ctx); err != nil && ctx.Err() == nil {
			logger.Error("cycle skipped", "error", err)
		}
		timer.Reset(w.Interval())
	}
}

// Trigger asks Run to start a cycle without waiting for the next wake.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// RunCycle processes unanswered replies, answered replies and due
// participants, in that order. It only fails when the store cannot be
// listed; failures of single participants are logged and counted.
func (w *Worker) RunCycle(ctx context.Context) (CycleReport, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	report := CycleReport{Cycle: w.cycle.Add(1), Now: w.clock.Now()}
	var stats cycleStats

	events, err := w.store.ListReplyEvents(ctx, report.Now, w.cfg.BatchSize)
	if err != nil {
		logger.CyclesSkipped.Add(1)
		return report, fmt.Errorf("failed to list reply events: %w", err)
	}
	var answered, unanswered []storage.ReplyEvent
	for _, ev := range events {
		if ev.Answered {
			answered = append(answered, ev)
		} else {
			unanswered = append(unanswered, ev)
		}
	}
	reply := func(ctx context.Context, ev storage.ReplyEvent) {
		w.processReply(ctx, ev, report.Now, &stats)
	}
	runPool(ctx, w.cfg.Concurrency, unanswered, reply)
	runPool(ctx, w.cfg.Concurrency, answered, reply)

	due, err := w.store.ListDueParticipants(ctx, report.Now, w.cfg.BatchSize)
	if err != nil {
		logger.CyclesSkipped.Add(1)
		return report, fmt.Errorf("failed to list due participants: %w", err)
	}
	report.Due = len(due)
	runPool(ctx, w.cfg.Concurrency, due, func(ctx context.Context, p storage.Participant) {
		w.processDue(ctx, p.ID, report.Now, &stats)
	})

	report.Evaluated = int(stats.evaluated.Load())
	report.RepliesProcessed = int(stats.replies.Load())
	report.MessagesQueued = int(stats.messages.Load())
	report.Failed = int(stats.failed.Load())
	logger.CyclesRun.Add(1)
	logger.Debug("cycle finished", "cycle", report.Cycle, "due", report.Due,
		"evaluated", report.Evaluated, "replies", report.RepliesProcessed, "failed", report.Failed)
	return report, ctx.Err()
}

type cycleStats struct {
	evaluated atomic.Int64
	replies   atomic.Int64
	messages  atomic.Int64
	failed    atomic.Int64
}

// runPool calls fn for every item with at most limit calls in flight. No new
// item starts once ctx is done; started items finish with a context that is
// not canceled so their commit is not cut off.
func runPool[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T)) {
	var g errgroup.Group
	g.SetLimit(limit)
	work := context.WithoutCancel(ctx)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(work, item)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) processDue(ctx context.Context, participantID string, now time.Time, stats *cycleStats) {
	unlock := w.locks.Lock(participantID)
	defer unlock()

	p, err := w.store.GetParticipant(ctx, participantID)
	if err != nil {
		stats.failed.Add(1)
		logger.Error("failed to load participant", "participant_id", participantID, "error", err)
		return
	}
	if p.Finished || !p.MonitoringActive || p.NextEvaluationDue.After(now) {
		return
	}

	preview, err := w.planDue(ctx, p, now)
	if err != nil {
		stats.failed.Add(1)
		return
	}
	if w.commit(ctx, preview.Commit, preview.Warnings, stats) {
		stats.evaluated.Add(1)
		logger.ParticipantsEvaluated.Add(1)
	}
}

// planDue walks the monitoring rules of p and returns the commit that
// applies their directives and schedules the next evaluation.
func (w *Worker) planDue(ctx context.Context, p *storage.Participant, now time.Time) (*Preview, error) {
	ie, err := w.engines.GetEngine(p.InterventionID)
	if err != nil {
		logger.WarnConfig("intervention not loaded", "participant_id", p.ID, "intervention_id", p.InterventionID, "error", err)
		return nil, err
	}

	pl := newPlan(p, now)
	preview := &Preview{Participant: *p}

	if ie.Settings.Active && ie.Settings.MonitoringActive {
		vars, err := w.store.LoadVariables(ctx, p.ID)
		if err != nil {
			logger.Error("failed to load variables", "participant_id", p.ID, "error", err)
			return nil, err
		}
		snap := w.snapshot(p, vars, now)

		walk, err := ie.Engine.Walk(ctx, rules.MonitoringOwner(p.InterventionID), snap)
		if err != nil {
			logger.Error("failed to walk monitoring rules", "participant_id", p.ID, "owner", rules.MonitoringOwner(p.InterventionID).String(), "error", err)
			return nil, err
		}
		preview.Walk = walk
		pl.warnings = append(pl.warnings, walk.Warnings...)

		if err := w.apply(ctx, pl, ie, snap, walk.Directives, false); err != nil {
			logger.Error("failed to plan directives", "participant_id", p.ID, "error", err)
			return nil, err
		}
	}

	next := w.nextDue(firstPositive(ie.Settings.HourToSendMessage, w.cfg.HourToSendMessage), now)
	pl.req.NextEvaluationDue = &next

	preview.Commit = pl.req
	preview.Warnings = pl.warnings
	return preview, nil
}

func (w *Worker) processReply(ctx context.Context, ev storage.ReplyEvent, now time.Time, stats *cycleStats) {
	msg := ev.Message
	unlock := w.locks.Lock(msg.ParticipantID)
	defer unlock()

	p, err := w.store.GetParticipant(ctx, msg.ParticipantID)
	if err != nil {
		stats.failed.Add(1)
		logger.Error("failed to load participant", "participant_id", msg.ParticipantID, "error", err)
		return
	}

	pl := newPlan(p, now)
	status := storage.StatusUnansweredProcessed
	if ev.Answered {
		status = storage.StatusAnsweredProcessed
	}
	pl.req.ProcessedReplies = []storage.ProcessedReply{{MessageID: msg.ID, Status: status}}

	if !p.Finished {
		if err := w.planReply(ctx, pl, p, ev, now); err != nil {
			stats.failed.Add(1)
			return
		}
	}

	if w.commit(ctx, pl.req, pl.warnings, stats) {
		stats.replies.Add(1)
		logger.RepliesProcessed.Add(1)
	}
}

// planReply walks the reply rules of the monitoring rule that sent the
// message. An answer is visible to the walk as $participantMessageReply and
// under the message's reply variable, and both are stored.
func (w *Worker) planReply(ctx context.Context, pl *plan, p *storage.Participant, ev storage.ReplyEvent, now time.Time) error {
	msg := ev.Message
	ie, err := w.engines.GetEngine(p.InterventionID)
	if err != nil {
		// The reply is still marked processed so it is not listed forever.
		logger.WarnConfig("intervention not loaded", "participant_id", p.ID, "intervention_id", p.InterventionID, "error", err)
		return nil
	}

	vars, err := w.store.LoadVariables(ctx, p.ID)
	if err != nil {
		logger.Error("failed to load variables", "participant_id", p.ID, "error", err)
		return err
	}
	snap := w.snapshot(p, vars, now)

	if ev.Answered {
		overrides := map[string]string{rules.VarParticipantMessageReply: msg.Answer}
		pl.req.Variables = append(pl.req.Variables, storage.VariableWrite{Name: rules.VarParticipantMessageReply, Value: msg.Answer})
		if name := msg.StoreReplyToVariable; name != "" {
			if rules.IsReadOnlyVariable(name) {
				pl.warn(rules.WarnWriteProtected, msg.OriginRuleID, "variable "+name+" is read-only")
			} else {
				overrides[name] = msg.Answer
				pl.req.Variables = append(pl.req.Variables, storage.VariableWrite{Name: name, Value: msg.Answer})
			}
		}
		snap = snap.With(overrides)
	}

	if msg.OriginRuleID == "" {
		return nil
	}
	owner := rules.ReplyOwner(msg.OriginRuleID, ev.Answered)
	walk, err := ie.Engine.Walk(ctx, owner, snap)
	if err != nil {
		logger.Error("failed to walk reply rules", "participant_id", p.ID, "owner", owner.String(), "error", err)
		return err
	}
	pl.warnings = append(pl.warnings, walk.Warnings...)
	if err := w.apply(ctx, pl, ie, snap, walk.Directives, true); err != nil {
		logger.Error("failed to plan directives", "participant_id", p.ID, "error", err)
		return err
	}
	return nil
}

// commit logs the warnings of a plan and applies it. A stale version is
// expected under concurrent writers; the participant is retried next wake.
func (w *Worker) commit(ctx context.Context, req storage.CommitRequest, warnings []rules.Warning, stats *cycleStats) bool {
	logWarnings(req.ParticipantID, warnings)

	_, err := w.store.Commit(ctx, req)
	switch {
	case errors.Is(err, storage.ErrVersionConflict):
		logger.VersionConflicts.Add(1)
		logger.Warn("participant changed during evaluation", "participant_id", req.ParticipantID, "error", err)
		stats.failed.Add(1)
		return false
	case err != nil:
		logger.ErrorCommit(req.ParticipantID, err)
		stats.failed.Add(1)
		return false
	}

	stats.messages.Add(int64(len(req.Messages)))
	logger.MessagesQueued.Add(int64(len(req.Messages)))
	return true
}

func logWarnings(participantID string, warnings []rules.Warning) {
	for _, wn := range warnings {
		switch wn.Kind {
		case rules.WarnUnknownVariable:
			logger.WarnUnknownVariable(participantID, wn.RuleID, strings.TrimPrefix(wn.Message, "unknown variable "))
		case rules.WarnEvaluationFailed:
			logger.WarnEvaluation(participantID, wn.RuleID, errors.New(wn.Message))
		default:
			logger.WarnConfig(wn.Message, "participant_id", participantID, "rule_id", wn.RuleID, "kind", string(wn.Kind))
		}
	}
}

// Evaluate walks the monitoring rules of a participant as the next cycle
// would, without committing anything and regardless of its due time.
func (w *Worker) Evaluate(ctx context.Context, participantID string) (*Preview, error) {
	p, err := w.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	return w.planDue(ctx, p, w.clock.Now())
}
