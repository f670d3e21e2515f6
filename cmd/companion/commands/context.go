package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/companion/pkg/cli"
)

var contextCmd = &cobra.Command{
	Use:     "context",
	Aliases: []string{"ctx"},
	Short:   "Manage CLI contexts",
	Long: `Manage CLI contexts.

A context names a service config file and the default persona and user.
The first context added becomes the current one.

Examples:
  companion context add dev --service-config companion.yaml --persona mika --user alice
  companion context use dev
  companion context list`,
}

var contextAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add or replace a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if serviceConfig == "" {
			return fmt.Errorf("--service-config is required")
		}
		cfg, err := loadCLIConfig()
		if err != nil {
			return err
		}
		_, replaced := cfg.Contexts[args[0]]
		err = cfg.AddContext(args[0], &cli.Context{
			ServiceConfig: serviceConfig,
			Persona:       personaID,
			User:          userID,
		})
		if err != nil {
			return err
		}
		if replaced {
			cli.PrintSuccess("Context %q updated", args[0])
		} else {
			cli.PrintSuccess("Context %q created", args[0])
		}
		return nil
	},
}

var contextUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadCLIConfig()
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Switched to context %q", args[0])
		return nil
	},
}

var contextCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Print the current context",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadCLIConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			return fmt.Errorf("no current context set")
		}
		fmt.Println(cfg.CurrentContext)
		return nil
	},
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contexts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadCLIConfig()
		if err != nil {
			return err
		}
		names := cfg.ListContexts()
		if len(names) == 0 {
			cli.PrintInfo("No contexts. Add one with 'companion context add'.")
			return nil
		}
		rows := cli.Rows{Headers: []string{"", "NAME", "SERVICE CONFIG", "PERSONA", "USER"}}
		for _, name := range names {
			c := cfg.Contexts[name]
			mark := ""
			if name == cfg.CurrentContext {
				mark = "*"
			}
			rows.Data = append(rows.Data, []string{mark, name, c.ServiceConfig, c.Persona, c.User})
		}
		return output(rows)
	},
}

var contextDeleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "Delete a context",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadCLIConfig()
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q deleted", args[0])
		return nil
	},
}

func init() {
	contextCmd.AddCommand(contextAddCmd, contextUseCmd, contextCurrentCmd, contextListCmd, contextDeleteCmd)
	rootCmd.AddCommand(contextCmd)
}
