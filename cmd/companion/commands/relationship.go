package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/companion/pkg/cli"
	"github.com/haivivi/companion/pkg/relationship"
)

var nicknameBy string

var relationshipCmd = &cobra.Command{
	Use:     "relationship",
	Aliases: []string{"rel"},
	Short:   "Show the relationship between a persona and a user",
	Long: `Show the relationship between a persona and a user.

Examples:
  companion relationship show
  companion relationship nickname "Ali"
  companion relationship nickname "Sunshine" --by persona
  companion relationship nickname ""       # clear`,
}

// relationshipView is the combined pair state printed by `relationship show`.
type relationshipView struct {
	Persona      string    `json:"persona" yaml:"persona"`
	User         string    `json:"user" yaml:"user"`
	Stage        string    `json:"stage" yaml:"stage"`
	Affection    int       `json:"affection" yaml:"affection"`
	Trust        int       `json:"trust" yaml:"trust"`
	Intimacy     int       `json:"intimacy" yaml:"intimacy"`
	Nickname     string    `json:"nickname,omitempty" yaml:"nickname,omitempty"`
	Mood         string    `json:"mood" yaml:"mood"`
	Conflict     string    `json:"conflict" yaml:"conflict"`
	Events       int       `json:"events" yaml:"events"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
	Tier         string    `json:"tier,omitempty" yaml:"tier,omitempty"`
	BudgetUsed   int64     `json:"budget_used,omitempty" yaml:"budget_used,omitempty"`
	LastActivity time.Time `json:"last_activity" yaml:"last_activity"`
}

func (v relationshipView) Table() ([]string, [][]string) {
	now := time.Now()
	rows := [][]string{
		{"pair", v.Persona + " / " + v.User},
		{"stage", v.Stage},
		{"affection", fmt.Sprintf("%s %d", cli.FormatBar(v.Affection, relationship.MaxAffection, 20), v.Affection)},
		{"trust", strconv.Itoa(v.Trust)},
		{"intimacy", strconv.Itoa(v.Intimacy)},
		{"nickname", v.Nickname},
		{"mood", v.Mood},
		{"conflict", v.Conflict},
		{"events", strconv.Itoa(v.Events)},
		{"last activity", cli.FormatAgo(v.LastActivity, now)},
	}
	if v.Tier != "" {
		rows = append(rows, []string{"budget", fmt.Sprintf("%d tokens used (%s)", v.BudgetUsed, v.Tier)})
	}
	return []string{"FIELD", "VALUE"}, rows
}

var relShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show affection, stage, mood and budget for the pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, c, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		pid, uid, err := pair(c)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := a.Relationships.Get(ctx, pid, uid)
		if err != nil {
			return err
		}
		snap, err := a.Emotions.Load(ctx, pid, uid)
		if err != nil {
			return err
		}
		last, err := a.Conversations.Open(pid, uid).LastActivity(ctx)
		if err != nil {
			return err
		}
		v := relationshipView{
			Persona:      pid,
			User:         uid,
			Stage:        string(st.Stage),
			Affection:    st.Affection,
			Trust:        st.Trust,
			Intimacy:     st.Intimacy,
			Nickname:     st.EffectiveNickname(),
			Mood:         string(snap.Mood),
			Conflict:     string(snap.Conflict),
			Events:       len(st.Events),
			UpdatedAt:    st.UpdatedAt,
			LastActivity: last,
		}
		if a.Budget != nil {
			tier, err := a.Budget.TierOf(ctx, uid)
			if err != nil {
				return err
			}
			used, err := a.Budget.Used(ctx, uid)
			if err != nil {
				return err
			}
			v.Tier, v.BudgetUsed = string(tier), used
		}
		return output(v)
	},
}

var relNicknameCmd = &cobra.Command{
	Use:   "nickname <name>",
	Short: "Set or clear (empty name) the user's nickname",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, c, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		pid, uid, err := pair(c)
		if err != nil {
			return err
		}
		st, err := a.Relationships.SetNickname(cmd.Context(), pid, uid, args[0], relationship.NicknameSetter(nicknameBy))
		if err != nil {
			return err
		}
		if name := st.EffectiveNickname(); name != "" {
			cli.PrintSuccess("%s now calls %s %q", pid, uid, name)
		} else {
			cli.PrintSuccess("Nickname cleared")
		}
		return nil
	},
}

func init() {
	relNicknameCmd.Flags().StringVar(&nicknameBy, "by", string(relationship.SetByUser), "who chose the name: user or persona")
	relationshipCmd.AddCommand(relShowCmd, relNicknameCmd)
	rootCmd.AddCommand(relationshipCmd)
}
