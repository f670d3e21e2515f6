package commands

import (
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/companion/pkg/cli"
	"github.com/haivivi/companion/pkg/persona"
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Browse the persona catalog",
	Long: `Browse the persona catalog.

Personas are YAML documents under personas/ in the catalog configured by
the service config (a local directory or an S3 bucket).

Examples:
  companion persona list
  companion persona show mika --format yaml
  companion persona put mika.yaml`,
}

var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List personas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		ids, err := a.Personas.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			cli.PrintInfo("No personas.")
			return nil
		}
		slices.Sort(ids)
		rows := cli.Rows{Headers: []string{"ID", "NAME", "ROLE"}}
		for _, id := range ids {
			p, err := a.Personas.Get(cmd.Context(), id)
			if err != nil {
				rows.Data = append(rows.Data, []string{id, "", "invalid: " + err.Error()})
				continue
			}
			rows.Data = append(rows.Data, []string{id, p.Name, p.Role})
		}
		return output(rows)
	},
}

var personaShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a persona (default: the context's persona)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, c, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		id := c.Persona
		if len(args) == 1 {
			id = args[0]
		}
		if id == "" {
			return errNoPersona
		}
		p, err := a.Personas.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		if formatOutput == string(cli.FormatTable) {
			return output(personaRows(p))
		}
		return output(p)
	},
}

var personaPutCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Validate a persona document and store it in the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		p, err := persona.Decode(data)
		if err != nil {
			return err
		}
		a, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Personas.Put(cmd.Context(), p); err != nil {
			return err
		}
		cli.PrintSuccess("Persona %q stored", p.ID)
		return nil
	},
}

func personaRows(p *persona.Persona) cli.Rows {
	rows := cli.Rows{Headers: []string{"FIELD", "VALUE"}}
	add := func(k, v string) {
		if v != "" {
			rows.Data = append(rows.Data, []string{k, v})
		}
	}
	add("id", p.ID)
	add("name", p.Name)
	add("role", p.Role)
	add("voice", p.Voice)
	add("likes", strings.Join(p.Likes, ", "))
	add("dislikes", strings.Join(p.Dislikes, ", "))
	add("rules", strings.Join(p.AbsoluteRules, "; "))
	add("template", p.Template)
	return rows
}

func init() {
	personaCmd.AddCommand(personaListCmd, personaShowCmd, personaPutCmd)
	rootCmd.AddCommand(personaCmd)
}
