package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/companion/cmd/companion/internal/app"
	"github.com/haivivi/companion/pkg/cli"
	"github.com/haivivi/companion/pkg/memory"
	"github.com/haivivi/companion/pkg/trigger"
)

var triggerDryRun bool

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Proactive trigger rules",
	Long: `Inspect and run the proactive trigger rules of the service config.

Rules come from the triggers.file of the service config. Firing state
(cooldowns, daily caps) is kept per persona/user pair in the store.

Examples:
  companion trigger list
  companion trigger check --dry-run
  companion trigger check`,
}

var triggerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules with the pair's firing history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, c, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.Triggers == nil {
			cli.PrintInfo("No trigger rules configured.")
			return nil
		}
		var hist map[string]trigger.FireRecord
		if c.Persona != "" && c.User != "" {
			hist, err = a.Triggers.History(cmd.Context(), trigger.Target{PersonaID: c.Persona, UserID: c.User})
			if err != nil {
				return err
			}
		}
		now := time.Now()
		rows := cli.Rows{Headers: []string{"ID", "PRIORITY", "WHEN", "THEN", "COOLDOWN", "FIRED", "LAST"}}
		for _, r := range a.Triggers.Rules() {
			kinds := make([]string, 0, len(r.When))
			for _, w := range r.When {
				kinds = append(kinds, string(w.Kind()))
			}
			id := r.ID
			if r.Disabled || (c.Persona != "" && !r.AppliesTo(c.Persona)) {
				id += " (off)"
			}
			rec := hist[r.ID]
			rows.Data = append(rows.Data, []string{
				id,
				strconv.Itoa(r.Priority),
				strings.Join(kinds, ","),
				string(r.Then.Kind()),
				time.Duration(r.Cooldown).String(),
				strconv.Itoa(rec.Total),
				cli.FormatAgo(rec.LastFired, now),
			})
		}
		return output(rows)
	},
}

var triggerCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate the rules for the pair and fire the best one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, c, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.Triggers == nil {
			return fmt.Errorf("no trigger rules configured (triggers.file)")
		}
		pid, uid, err := pair(c)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		target := trigger.Target{PersonaID: pid, UserID: uid}
		st, act, err := triggerInputs(ctx, a, target)
		if err != nil {
			return err
		}

		if triggerDryRun {
			loc, err := time.LoadLocation(a.Config.Triggers.Timezone)
			if err != nil {
				return err
			}
			if st.Fired, err = a.Triggers.History(ctx, target); err != nil {
				return err
			}
			var rules []trigger.Rule
			for _, r := range a.Triggers.Rules() {
				if r.AppliesTo(pid) {
					rules = append(rules, r)
				}
			}
			eligible, err := trigger.Evaluate(rules, st, act, time.Now().In(loc))
			if err != nil {
				cli.PrintWarning("%v", err)
			}
			if len(eligible) == 0 {
				cli.PrintInfo("No rule is eligible.")
				return nil
			}
			for _, r := range eligible {
				cli.PrintInfo("eligible: %s (priority %d, %s)", r.ID, r.Priority, r.Then.Kind())
			}
			return nil
		}

		pass, err := a.Triggers.Check(ctx, target, st, act)
		if err != nil {
			return err
		}
		for _, f := range pass.Failures {
			cli.PrintWarning("%s failed: %v", f.RuleID, f.Err)
		}
		if pass.Fired == nil {
			cli.PrintInfo("Nothing fired (%d eligible).", len(pass.Candidates))
			return nil
		}
		cli.PrintSuccess("Fired %s (%s)", pass.Fired.ID, pass.Fired.Then.Kind())
		return nil
	},
}

// triggerInputs gathers the pair state and activity rules are evaluated on.
func triggerInputs(ctx context.Context, a *app.App, t trigger.Target) (trigger.State, trigger.Activity, error) {
	rel, err := a.Relationships.Get(ctx, t.PersonaID, t.UserID)
	if err != nil {
		return trigger.State{}, trigger.Activity{}, err
	}
	snap, err := a.Emotions.Load(ctx, t.PersonaID, t.UserID)
	if err != nil {
		return trigger.State{}, trigger.Activity{}, err
	}
	conv := a.Conversations.Open(t.PersonaID, t.UserID)
	last, err := conv.LastActivity(ctx)
	if err != nil {
		return trigger.State{}, trigger.Activity{}, err
	}
	msgs, err := conv.Recent(ctx, a.Config.Agent.HistoryTurns)
	if err != nil {
		return trigger.State{}, trigger.Activity{}, err
	}
	act := trigger.Activity{LastActive: last}
	for _, m := range msgs {
		if m.Role == memory.RoleUser {
			act.RecentMessages = append(act.RecentMessages, m.Content)
		}
	}
	return trigger.State{Relationship: *rel, Mood: snap.Mood}, act, nil
}

func init() {
	triggerCheckCmd.Flags().BoolVar(&triggerDryRun, "dry-run", false, "only list eligible rules, fire nothing")
	triggerCmd.AddCommand(triggerListCmd, triggerCheckCmd)
	rootCmd.AddCommand(triggerCmd)
}
