// Command simulate runs interventions offline on a simulated clock so their
// rules can be tested without waiting real days.
//
// Usage:
//
//	simulate run --fixture sleep.yaml --days 7
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamcoop/coachrules/clock"
	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/scheduler"
	"github.com/liamcoop/coachrules/storage"
	"github.com/liamcoop/coachrules/storage/memory"
)

var (
	fixturePath string
	days        int
	step        time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "simulate",
	Short:        "Run interventions offline on a simulated clock",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a fixture for a number of virtual days",
	Long: `Loads interventions, rule trees, message groups and participants from a YAML
fixture into memory, then runs one worker cycle per step of virtual time and
prints every queued message followed by the final participant variables.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := LoadFixture(fixturePath)
		if err != nil {
			return err
		}
		return Simulate(cmd.Context(), f, days, step, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringVarP(&fixturePath, "fixture", "f", "", "fixture YAML file")
	runCmd.Flags().IntVarP(&days, "days", "d", 7, "number of virtual days to simulate")
	runCmd.Flags().DurationVar(&step, "step", time.Hour, "virtual time between two cycles")
	_ = runCmd.MarkFlagRequired("fixture")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Simulate installs f into fresh in-memory stores and advances a simulated
// clock by step until days have passed, running one cycle after every step.
func Simulate(ctx context.Context, f *Fixture, days int, step time.Duration, out io.Writer) error {
	if days < 1 {
		return fmt.Errorf("days must be at least 1, got %d", days)
	}
	if step <= 0 {
		return fmt.Errorf("step must be positive, got %s", step)
	}
	loc, err := f.location()
	if err != nil {
		return fmt.Errorf("failed to load time zone: %w", err)
	}

	store := memory.New(f.maxHistory())
	manager, err := interventions.NewManager(store, rules.NewInMemoryRuleStore())
	if err != nil {
		return err
	}
	if err := f.install(ctx, store, manager); err != nil {
		return err
	}

	clk := clock.NewSimulatedWithWall(0, func() time.Time { return f.Start })
	if err := clk.SetMode(clock.ModeSimulated); err != nil {
		return err
	}
	worker := scheduler.New(scheduler.Config{Location: loc, Concurrency: 1}, store, manager, clk)

	replies := append([]ReplySpec(nil), f.Replies...)
	sort.SliceStable(replies, func(i, j int) bool { return replies[i].At.Before(replies[j].At) })

	printed := make(map[string]int)
	end := f.Start.Add(time.Duration(days) * 24 * time.Hour)
	for {
		now := clk.Now()
		for len(replies) > 0 && !replies[0].At.After(now) {
			if err := answer(ctx, store, replies[0], now); err != nil {
				logger.Warn("scripted reply skipped", "participant_id", replies[0].Participant, "error", err)
			}
			replies = replies[1:]
		}

		if _, err := worker.RunCycle(ctx); err != nil {
			return err
		}
		if err := printNew(ctx, store, f.Participants, printed, loc, out); err != nil {
			return err
		}

		if !now.Add(step).Before(end) {
			break
		}
		if err := clk.AdvanceBy(step); err != nil {
			return err
		}
	}

	return printVariables(ctx, store, f.Participants, out)
}

// answer records a reply to the participant's newest message still awaiting one.
func answer(ctx context.Context, store *memory.Store, r ReplySpec, now time.Time) error {
	msgs, err := store.ListMessages(ctx, r.Participant)
	if err != nil {
		return err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.ExpectsAnswer && m.Status == storage.StatusQueued && !m.SendAt.After(now) {
			return store.RecordReply(ctx, m.ID, r.Answer, now)
		}
	}
	return storage.ErrNotAwaitingReply
}

func printNew(ctx context.Context, store *memory.Store, participants []ParticipantSpec, printed map[string]int, loc *time.Location, out io.Writer) error {
	for _, ps := range participants {
		msgs, err := store.ListMessages(ctx, ps.ID)
		if err != nil {
			return err
		}
		for _, m := range msgs[printed[ps.ID]:] {
			to := ps.ID
			if m.ToSupervisor {
				to = ps.ID + " (supervisor)"
			}
			fmt.Fprintf(out, "%s  %-16s [%s/%s] %s\n", m.SendAt.In(loc).Format("2006-01-02 15:04"), to, m.GroupID, m.MessageID, m.Text)
		}
		printed[ps.ID] = len(msgs)
	}
	return nil
}

func printVariables(ctx context.Context, store *memory.Store, participants []ParticipantSpec, out io.Writer) error {
	fmt.Fprintln(out)
	for _, ps := range participants {
		p, err := store.GetParticipant(ctx, ps.ID)
		if err != nil {
			return err
		}
		vars, err := store.LoadVariables(ctx, ps.ID)
		if err != nil {
			return err
		}
		state := "active"
		if p.Finished {
			state = "finished"
		}
		fmt.Fprintf(out, "%s (%s)\n", ps.ID, state)

		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %s = %s\n", name, vars[name])
		}
	}
	return nil
}
