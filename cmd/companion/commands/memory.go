package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/companion/pkg/cli"
	"github.com/haivivi/companion/pkg/memory"
)

var (
	memType       string
	memImportance float64
	memTags       string
	memLocked     bool
	memTTL        time.Duration
	memLimit      int
	memAll        bool
)

var memoryCmd = &cobra.Command{
	Use:     "memory",
	Aliases: []string{"mem"},
	Short:   "Inspect and edit what a persona remembers about a user",
	Long: `Inspect and edit what a persona remembers about a user.

Memories are scoped to the persona/user pair of the current context.

Examples:
  companion memory add "Alice has a cat named Mochi" --type fact
  companion memory search "pets" --limit 3
  companion memory list --all
  companion memory unlock 0196a8e4-...
  companion memory decay`,
}

var memAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Add a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := memory.ParseType(memType)
		if err != nil {
			return err
		}
		a, c, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		pid, uid, err := pair(c)
		if err != nil {
			return err
		}
		m, err := a.Memories.Save(cmd.Context(), pid, uid, args[0], typ, memory.SaveOptions{
			Importance: memImportance,
			Source:     memory.SourceManual,
			Tags:       splitComma(memTags),
			Locked:     memLocked,
			TTL:        memTTL,
		})
		if err != nil {
			return err
		}
		cli.PrintSuccess("Memory %s saved (%s, importance %.2f)", m.ID, m.Type, m.Importance)
		return nil
	},
}

var memListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories",
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
		list, err := a.Memories.List(cmd.Context(), pid, uid)
		if err != nil {
			return err
		}
		now := time.Now()
		var shown []memory.Memory
		for _, m := range list {
			if !memAll && (m.Locked || m.ExpiredAt(now)) {
				continue
			}
			shown = append(shown, m)
		}
		if len(shown) == 0 {
			cli.PrintInfo("No memories.")
			return nil
		}
		return output(memoryRows(shown, now))
	},
}

var memSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Rank memories against a query",
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
		results, err := a.Memories.Retrieve(cmd.Context(), pid, uid, args[0], memory.RetrieveOptions{
			Limit:         memLimit,
			IncludeLocked: memAll,
		})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			cli.PrintInfo("No memories.")
			return nil
		}
		rows := cli.Rows{Headers: []string{"SCORE", "SIM", "ID", "TYPE", "CONTENT"}}
		for _, r := range results {
			rows.Data = append(rows.Data, []string{
				fmt.Sprintf("%.3f", r.Score),
				fmt.Sprintf("%.3f", r.Similarity),
				r.ID,
				string(r.Type),
				r.Content,
			})
		}
		return output(rows)
	},
}

var memUnlockCmd = &cobra.Command{
	Use:   "unlock <id>",
	Short: "Unlock a locked memory so prompts can use it",
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
		m, err := a.Memories.Unlock(cmd.Context(), pid, uid, args[0])
		if err != nil {
			return err
		}
		cli.PrintSuccess("Memory %s unlocked", m.ID)
		return nil
	},
}

var memImportanceCmd = &cobra.Command{
	Use:   "importance <id> <value>",
	Short: "Set a memory's importance in (0, 1]",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid importance %q: %w", args[1], err)
		}
		a, c, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		pid, uid, err := pair(c)
		if err != nil {
			return err
		}
		m, err := a.Memories.SetImportance(cmd.Context(), pid, uid, args[0], v)
		if err != nil {
			return err
		}
		cli.PrintSuccess("Memory %s importance %.2f", m.ID, m.Importance)
		return nil
	},
}

var memDecayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one importance decay pass over every memory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		rep, err := a.Memories.Decay(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		cli.PrintSuccess("Scanned %d memories: %d decayed, %d expired", rep.Scanned, rep.Decayed, rep.Expired)
		return nil
	},
}

func memoryRows(list []memory.Memory, now time.Time) cli.Rows {
	rows := cli.Rows{Headers: []string{"ID", "TYPE", "IMPORTANCE", "CONTENT", "FLAGS", "CREATED"}}
	for _, m := range list {
		var flags []string
		if m.Locked {
			flags = append(flags, "locked")
		}
		if m.ExpiredAt(now) {
			flags = append(flags, "expired")
		}
		rows.Data = append(rows.Data, []string{
			m.ID,
			string(m.Type),
			fmt.Sprintf("%.2f", m.Importance),
			m.Content,
			strings.Join(flags, ","),
			cli.FormatAgo(m.CreatedAt, now),
		})
	}
	return rows
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	memAddCmd.Flags().StringVarP(&memType, "type", "t", string(memory.TypeFact), "memory type")
	memAddCmd.Flags().Float64Var(&memImportance, "importance", 0, "importance in (0, 1], 0 for the type default")
	memAddCmd.Flags().StringVar(&memTags, "tags", "", "comma-separated tags")
	memAddCmd.Flags().BoolVar(&memLocked, "locked", false, "hide from prompts until unlocked")
	memAddCmd.Flags().DurationVar(&memTTL, "ttl", 0, "expire after this duration")

	memListCmd.Flags().BoolVarP(&memAll, "all", "a", false, "include locked and expired memories")
	memSearchCmd.Flags().IntVarP(&memLimit, "limit", "n", 5, "maximum results")
	memSearchCmd.Flags().BoolVarP(&memAll, "all", "a", false, "include locked memories")

	memoryCmd.AddCommand(memAddCmd, memListCmd, memSearchCmd, memUnlockCmd, memImportanceCmd, memDecayCmd)
	rootCmd.AddCommand(memoryCmd)
}
